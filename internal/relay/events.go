package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/pkg/types"
)

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities"`
	Instructions            string              `json:"instructions"`
	InputAudioFormat        string              `json:"input_audio_format"`
	InputAudioTranscription *transcriptionParam `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection      `json:"turn_detection,omitempty"`
	Temperature             float64             `json:"temperature"`
	MaxResponseOutputTokens int                 `json:"max_response_output_tokens"`
}

type transcriptionParam struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type commitAudioMessage struct {
	Type string `json:"type"`
}

type responseCreateMessage struct {
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Modalities   []string `json:"modalities"`
	Instructions string   `json:"instructions,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail is the nested error object in a Realtime error
// event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.text.done
	Text string `json:"text,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// wireMarshal encodes an outgoing protocol message.
func wireMarshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("relay: marshal: %w", err)
	}
	return data, nil
}

// parseServerEvent decodes an inbound frame. Frames that are not JSON
// objects are skipped by the receive loop.
func parseServerEvent(data []byte) (*serverEvent, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// ── Coaching output parsing ───────────────────────────────────────────────────

// Model output is untrusted: the instructions ask for strict JSON but
// the fallback below tolerates plain-text replies.
type coachingPayload struct {
	Type        string  `json:"type"`
	PromptType  string  `json:"promptType"`
	PromptText  string  `json:"promptText"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation,omitempty"`
}

const (
	// parseConfidenceFloor gates structured coaching output at the
	// relay. The room applies the same floor again on admission.
	parseConfidenceFloor = 0.85

	// fallbackConfidence is assigned to plain-text model replies that
	// pass the length heuristic.
	fallbackConfidence = 0.7

	fallbackMinLen = 5
	fallbackMaxLen = 200
)

// parseCoaching interprets a completed model text response. It tries
// strict JSON first; a valid {"type":"coaching",...} object above the
// confidence floor becomes a [types.CoachingEvent]. Non-coaching JSON
// (e.g. an explicit silence object) yields nothing. Unparseable text
// between 5 and 200 characters falls back to a low-confidence
// FOLLOW_UP. Everything else is dropped.
func parseCoaching(sessionID, text string, now time.Time) (types.CoachingEvent, bool) {
	var p coachingPayload
	if err := json.Unmarshal([]byte(text), &p); err == nil && p.Type != "" {
		if p.Type != "coaching" {
			return types.CoachingEvent{}, false
		}
		if p.Confidence < parseConfidenceFloor {
			return types.CoachingEvent{}, false
		}
		pt := types.PromptType(p.PromptType)
		if !pt.IsValid() {
			pt = types.PromptFollowUp
		}
		return types.CoachingEvent{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			PromptType:  pt,
			PromptText:  p.PromptText,
			Confidence:  p.Confidence,
			Explanation: p.Explanation,
			DisplayedAt: now,
		}, true
	}

	if n := len(text); n < fallbackMinLen || n > fallbackMaxLen {
		return types.CoachingEvent{}, false
	}
	return types.CoachingEvent{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		PromptType:  types.PromptFollowUp,
		PromptText:  text,
		Confidence:  fallbackConfidence,
		DisplayedAt: now,
	}, true
}
