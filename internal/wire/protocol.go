// Package wire defines the WebSocket message vocabulary between Parley
// clients and the server.
//
// Every frame is a single JSON text object with a "type" field. Ingress
// decoding is strict: unknown type values and malformed JSON are
// rejected so the room can answer with a protocol error instead of
// guessing. Client messages form a tagged union ([ClientMessage]) that
// the room dispatches with an exhaustive type switch.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/parleyhq/parley/pkg/types"
)

// Error codes used in server error frames.
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeUnknownMessage = "UNKNOWN_MESSAGE"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeInvalidState   = "INVALID_STATE"
	CodeRecallError    = "RECALL_ERROR"
	CodeOpenAIError    = "OPENAI_ERROR"
	CodeRecallBotFatal = "RECALL_BOT_FATAL"
	CodeConnectTimeout = "CONNECT_TIMEOUT"
	CodeNetworkError   = "NETWORK_ERROR"
	CodeRateLimit      = "RATE_LIMIT"
)

// Decode errors. The room maps these to INVALID_MESSAGE and
// UNKNOWN_MESSAGE protocol errors respectively.
var (
	ErrInvalidMessage = errors.New("wire: invalid message")
	ErrUnknownType    = errors.New("wire: unknown message type")
)

// ── Client → server messages ──────────────────────────────────────────────────

// ClientMessage is the tagged union of all messages a client may send.
type ClientMessage interface {
	clientMessage()
}

// SessionStart requests the idle→running transition. Interviewer only.
type SessionStart struct {
	MeetingURL  string `json:"meetingUrl,omitempty"`
	UseLocalMic bool   `json:"useLocalMic,omitempty"`
}

// SessionPause requests running→paused.
type SessionPause struct{}

// SessionResume requests paused→running.
type SessionResume struct{}

// SessionStop requests the transition to ending and then ended.
type SessionStop struct{}

// AudioChunk carries base64 PCM16 LE mono audio at 24 kHz.
type AudioChunk struct {
	Data string `json:"data"`
}

// InsightFlag marks a moment of interest. Persistence is an external
// collaborator; the server only logs it.
type InsightFlag struct {
	Timestamp float64 `json:"timestamp"`
	Note      string  `json:"note,omitempty"`
}

// CoachingRespond reports how the interviewer handled a prompt.
type CoachingRespond struct {
	EventID  string `json:"eventId"`
	Response string `json:"response"` // "accepted" | "dismissed" | "snoozed"
}

// CoachingPull requests an immediate coaching evaluation.
type CoachingPull struct{}

// TopicUpdateMsg manually sets a topic's coverage status.
type TopicUpdateMsg struct {
	TopicName string            `json:"topicName"`
	Status    types.TopicStatus `json:"status"`
}

// SpeakerToggle flips the manual current-speaker hint.
type SpeakerToggle struct{}

// ObserverJoin is a no-op beyond the connection itself.
type ObserverJoin struct{}

// ObserverCommentMsg is broadcast to every client in the room.
type ObserverCommentMsg struct {
	Text      string  `json:"text"`
	Timestamp float64 `json:"timestamp"`
}

// ObserverQuestion is forwarded to the interviewer only.
type ObserverQuestion struct {
	Text string `json:"text"`
}

// Ping refreshes liveness; answered with a Pong frame.
type Ping struct{}

func (SessionStart) clientMessage()       {}
func (SessionPause) clientMessage()       {}
func (SessionResume) clientMessage()      {}
func (SessionStop) clientMessage()        {}
func (AudioChunk) clientMessage()         {}
func (InsightFlag) clientMessage()        {}
func (CoachingRespond) clientMessage()    {}
func (CoachingPull) clientMessage()       {}
func (TopicUpdateMsg) clientMessage()     {}
func (SpeakerToggle) clientMessage()      {}
func (ObserverJoin) clientMessage()       {}
func (ObserverCommentMsg) clientMessage() {}
func (ObserverQuestion) clientMessage()   {}
func (Ping) clientMessage()               {}

// envelope extracts the discriminator before the payload is decoded.
type envelope struct {
	Type string `json:"type"`
}

// Decode parses a text frame into its concrete [ClientMessage].
// Malformed JSON or a missing type yields [ErrInvalidMessage]; a type
// outside the vocabulary yields [ErrUnknownType] wrapping the value.
func Decode(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	var (
		msg ClientMessage
		err error
	)
	switch env.Type {
	case "session.start":
		var m SessionStart
		err = json.Unmarshal(data, &m)
		msg = m
	case "session.pause":
		msg = SessionPause{}
	case "session.resume":
		msg = SessionResume{}
	case "session.stop":
		msg = SessionStop{}
	case "audio.chunk":
		var m AudioChunk
		err = json.Unmarshal(data, &m)
		msg = m
	case "insight.flag":
		var m InsightFlag
		err = json.Unmarshal(data, &m)
		msg = m
	case "coaching.respond":
		var m CoachingRespond
		err = json.Unmarshal(data, &m)
		msg = m
	case "coaching.pull":
		msg = CoachingPull{}
	case "topic.update":
		var m TopicUpdateMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case "speaker.toggle":
		msg = SpeakerToggle{}
	case "observer.join":
		msg = ObserverJoin{}
	case "observer.comment":
		var m ObserverCommentMsg
		err = json.Unmarshal(data, &m)
		msg = m
	case "observer.question":
		var m ObserverQuestion
		err = json.Unmarshal(data, &m)
		msg = m
	case "ping":
		msg = Ping{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}

// ── Server → client messages ──────────────────────────────────────────────────

// SessionStatusFrame announces the room's lifecycle state.
type SessionStatusFrame struct {
	Type      string              `json:"type"`
	Status    types.SessionStatus `json:"status"`
	SessionID string              `json:"sessionId"`
}

// NewSessionStatus builds a session.status frame.
func NewSessionStatus(status types.SessionStatus, sessionID string) SessionStatusFrame {
	return SessionStatusFrame{Type: "session.status", Status: status, SessionID: sessionID}
}

// SessionErrorFrame surfaces a collaborator failure to all clients.
type SessionErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewSessionError builds a session.error frame.
func NewSessionError(code, message string) SessionErrorFrame {
	return SessionErrorFrame{Type: "session.error", Code: code, Message: message}
}

// ErrorFrame reports a protocol or policy error to the offending client.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError builds an error frame.
func NewError(code, message string) ErrorFrame {
	return ErrorFrame{Type: "error", Code: code, Message: message}
}

// UtteranceFrame carries a finalized utterance.
type UtteranceFrame struct {
	Type      string          `json:"type"`
	Utterance types.Utterance `json:"utterance"`
}

// NewUtterance builds a transcript.utterance frame.
func NewUtterance(u types.Utterance) UtteranceFrame {
	return UtteranceFrame{Type: "transcript.utterance", Utterance: u}
}

// UtteranceUpdateFrame carries a partial transcription update.
type UtteranceUpdateFrame struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utteranceId"`
	Text        string `json:"text"`
}

// NewUtteranceUpdate builds a transcript.update frame.
func NewUtteranceUpdate(id, text string) UtteranceUpdateFrame {
	return UtteranceUpdateFrame{Type: "transcript.update", UtteranceID: id, Text: text}
}

// UtteranceFinalFrame marks the final emission for a previously
// partial utterance id.
type UtteranceFinalFrame struct {
	Type        string          `json:"type"`
	UtteranceID string          `json:"utteranceId"`
	Utterance   types.Utterance `json:"utterance"`
}

// NewUtteranceFinal builds a transcript.finalized frame.
func NewUtteranceFinal(u types.Utterance) UtteranceFinalFrame {
	return UtteranceFinalFrame{Type: "transcript.finalized", UtteranceID: u.ID, Utterance: u}
}

// CoachingPromptFrame delivers an admitted coaching event. Interviewer
// only.
type CoachingPromptFrame struct {
	Type  string              `json:"type"`
	Event types.CoachingEvent `json:"event"`
}

// NewCoachingPrompt builds a coaching.prompt frame.
func NewCoachingPrompt(e types.CoachingEvent) CoachingPromptFrame {
	return CoachingPromptFrame{Type: "coaching.prompt", Event: e}
}

// CoachingDismissFrame retracts a prompt the interviewer dismissed.
type CoachingDismissFrame struct {
	Type    string `json:"type"`
	EventID string `json:"eventId"`
}

// NewCoachingDismiss builds a coaching.dismiss frame.
func NewCoachingDismiss(eventID string) CoachingDismissFrame {
	return CoachingDismissFrame{Type: "coaching.dismiss", EventID: eventID}
}

// TopicFrame announces a topic coverage change.
type TopicFrame struct {
	Type  string            `json:"type"`
	Topic types.TopicUpdate `json:"topic"`
}

// NewTopic builds an analysis.topic frame.
func NewTopic(u types.TopicUpdate) TopicFrame {
	return TopicFrame{Type: "analysis.topic", Topic: u}
}

// TalkTimeFrame carries the derived talk-time ratio.
type TalkTimeFrame struct {
	Type  string              `json:"type"`
	Ratio types.TalkTimeRatio `json:"ratio"`
}

// NewTalkTime builds an analysis.talktime frame.
func NewTalkTime(r types.TalkTimeRatio) TalkTimeFrame {
	return TalkTimeFrame{Type: "analysis.talktime", Ratio: r}
}

// ObserverCountFrame announces the number of connected observers.
type ObserverCountFrame struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// NewObserverCount builds an observer.count frame.
func NewObserverCount(n int) ObserverCountFrame {
	return ObserverCountFrame{Type: "observer.count", Count: n}
}

// ObserverCommentFrame broadcasts an observer's comment to the room.
type ObserverCommentFrame struct {
	Type    string                `json:"type"`
	Comment types.ObserverComment `json:"comment"`
}

// NewObserverComment builds an observer.comment frame.
func NewObserverComment(c types.ObserverComment) ObserverCommentFrame {
	return ObserverCommentFrame{Type: "observer.comment", Comment: c}
}

// ObserverQuestionFrame forwards an observer question to the
// interviewer only.
type ObserverQuestionFrame struct {
	Type     string `json:"type"`
	Question string `json:"question"`
	From     string `json:"from"`
}

// NewObserverQuestion builds an observer.question frame.
func NewObserverQuestion(question, from string) ObserverQuestionFrame {
	return ObserverQuestionFrame{Type: "observer.question", Question: question, From: from}
}

// PongFrame answers a client ping.
type PongFrame struct {
	Type string `json:"type"`
}

// NewPong builds a pong frame.
func NewPong() PongFrame { return PongFrame{Type: "pong"} }

// Encode marshals a server frame to a JSON text payload. Frames are
// encoded once per broadcast; the encoded bytes are shared across all
// recipients.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	return data, nil
}
