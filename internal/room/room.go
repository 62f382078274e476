// Package room implements Parley session rooms: the per-interview hub
// that owns connected clients, the speech relay, coaching admission,
// and live analytics.
//
// A room serializes all state changes behind a single mutex. Fan-out
// never blocks on a slow client: frames are encoded once and enqueued
// onto per-client buffered queues drained by writer goroutines, so
// every client observes broadcasts in the same order.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/parleyhq/parley/internal/observe"
	"github.com/parleyhq/parley/internal/relay"
	"github.com/parleyhq/parley/internal/wire"
	"github.com/parleyhq/parley/pkg/audio"
	"github.com/parleyhq/parley/pkg/types"
)

// Coaching admission policy. A candidate event is shown to the
// interviewer only when all three gates pass.
const (
	defaultConfidenceFloor       = 0.85
	defaultMaxCoachingPerSession = 3
	defaultCoachingCooldown      = 120 * time.Second

	// defaultCoachingCadence triggers a pull evaluation on every Nth
	// finalized utterance.
	defaultCoachingCadence = 5
)

// Talk-time grading thresholds on the interviewer's percentage.
const (
	talkTimeGoodMax    = 40
	talkTimeWarningMax = 55
)

// ErrInterviewerPresent rejects a second interviewer connection.
var ErrInterviewerPresent = errors.New("room: interviewer already connected")

// RelayHandle is the slice of [relay.Relay] a room drives. Tests
// substitute fakes.
type RelayHandle interface {
	Connect(ctx context.Context) error
	HandleAudio(frame []byte) error
	RequestCoaching() error
	Close() error
}

// RelayFactory builds the relay for a starting session with the room's
// callbacks bound.
type RelayFactory func(cfg relay.Config, cb relay.Callbacks) RelayHandle

// BotService creates and stops meeting bots. Implemented by the Recall
// client; nil disables bot dispatch.
type BotService interface {
	CreateBot(ctx context.Context, meetingURL, sessionID string) (string, error)
	StopBot(ctx context.Context, botID string) error
}

// Settings carries per-room tuning. Zero values take the defaults
// above.
type Settings struct {
	OpenAIKey       string
	OpenAIBaseURL   string
	Model           string
	Topics          []string
	CulturalContext string
	VADThreshold    float64
	MaxSilentFrames int

	ConfidenceFloor       float64
	MaxCoachingPerSession int
	CoachingCooldown      time.Duration
	CoachingCadence       int
}

func (s Settings) withDefaults() Settings {
	if s.ConfidenceFloor == 0 {
		s.ConfidenceFloor = defaultConfidenceFloor
	}
	if s.MaxCoachingPerSession == 0 {
		s.MaxCoachingPerSession = defaultMaxCoachingPerSession
	}
	if s.CoachingCooldown == 0 {
		s.CoachingCooldown = defaultCoachingCooldown
	}
	if s.CoachingCadence == 0 {
		s.CoachingCadence = defaultCoachingCadence
	}
	return s
}

// Room is one live interview session. All exported methods are safe for
// concurrent use.
type Room struct {
	ID string

	settings Settings
	factory  RelayFactory
	bots     BotService
	now      func() time.Time
	log      *slog.Logger
	metrics  *observe.Metrics

	mu       sync.Mutex
	status   types.SessionStatus
	starting bool
	clients  map[string]*Client
	relay    RelayHandle
	botID    string

	startedAt      time.Time
	currentSpeaker types.Speaker
	topics         *topicTracker

	utteranceCount  int
	botUtteranceSeq int
	talkTime        map[types.Speaker]time.Duration

	activePrompts  map[string]types.CoachingEvent
	coachingCount  int
	lastCoachingAt time.Time
}

// New creates an idle room.
func New(id string, settings Settings, factory RelayFactory, bots BotService) *Room {
	s := settings.withDefaults()
	return &Room{
		ID:             id,
		settings:       s,
		factory:        factory,
		bots:           bots,
		now:            time.Now,
		log:            slog.With("session_id", id),
		metrics:        observe.DefaultMetrics(),
		status:         types.StatusIdle,
		clients:        make(map[string]*Client),
		currentSpeaker: types.SpeakerInterviewer,
		topics:         newTopicTracker(s.Topics),
		talkTime:       make(map[types.Speaker]time.Duration),
		activePrompts:  make(map[string]types.CoachingEvent),
	}
}

// Status returns the current lifecycle state.
func (rm *Room) Status() types.SessionStatus {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.status
}

// BotID reports the meeting bot currently attached to this room, or ""
// when the session runs on the local microphone.
func (rm *Room) BotID() string {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.botID
}

// ── Membership ────────────────────────────────────────────────────────────────

// AddClient admits conn as a room member. At most one interviewer is
// admitted; a second returns [ErrInterviewerPresent]. The new client
// receives the current session status and every member receives an
// updated observer count.
func (rm *Room) AddClient(id string, role types.Role, userName string, conn Conn) (*Client, error) {
	rm.mu.Lock()
	if role == types.RoleInterviewer {
		for _, c := range rm.clients {
			if c.Role == types.RoleInterviewer {
				rm.mu.Unlock()
				return nil, ErrInterviewerPresent
			}
		}
	}
	c := newClient(id, rm.ID, role, userName, conn, rm.now())
	rm.clients[id] = c
	status := rm.status
	rm.sendToLocked(c, wire.NewSessionStatus(status, rm.ID))
	rm.broadcastLocked(wire.NewObserverCount(rm.observerCountLocked()))
	for _, t := range rm.topics.snapshot() {
		rm.sendToLocked(c, wire.NewTopic(t))
	}
	rm.mu.Unlock()

	rm.log.Info("client joined", "client_id", id, "role", role)
	return c, nil
}

// RemoveClient detaches a client. An interviewer leaving a running
// session auto-pauses it so the participant is not recorded unattended.
// Returns true when the room is now empty.
func (rm *Room) RemoveClient(id string) bool {
	rm.mu.Lock()
	c, ok := rm.clients[id]
	if !ok {
		empty := len(rm.clients) == 0
		rm.mu.Unlock()
		return empty
	}
	delete(rm.clients, id)

	if c.Role == types.RoleInterviewer && rm.status == types.StatusRunning {
		rm.status = types.StatusPaused
		rm.broadcastLocked(wire.NewSessionStatus(types.StatusPaused, rm.ID))
		rm.log.Info("interviewer left, session paused", "client_id", id)
	}
	rm.broadcastLocked(wire.NewObserverCount(rm.observerCountLocked()))
	empty := len(rm.clients) == 0
	rm.mu.Unlock()

	c.close(websocket.StatusNormalClosure, "left room")
	return empty
}

// ClientCount returns the number of connected clients.
func (rm *Room) ClientCount() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.clients)
}

// Clients returns a snapshot of the connected clients.
func (rm *Room) Clients() []*Client {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]*Client, 0, len(rm.clients))
	for _, c := range rm.clients {
		out = append(out, c)
	}
	return out
}

func (rm *Room) observerCountLocked() int {
	n := 0
	for _, c := range rm.clients {
		if c.Role == types.RoleObserver {
			n++
		}
	}
	return n
}

// ── Message dispatch ──────────────────────────────────────────────────────────

// HandleMessage routes one decoded text frame from a client.
func (rm *Room) HandleMessage(ctx context.Context, c *Client, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		code := wire.CodeInvalidMessage
		if errors.Is(err, wire.ErrUnknownType) {
			code = wire.CodeUnknownMessage
		}
		rm.sendError(c, code, err.Error())
		return
	}

	switch m := msg.(type) {
	case wire.Ping:
		c.markAlive(rm.now())
		rm.sendTo(c, wire.NewPong())

	case wire.SessionStart:
		if !rm.requireInterviewer(c) {
			return
		}
		rm.handleStart(ctx, c, m)
	case wire.SessionPause:
		if !rm.requireInterviewer(c) {
			return
		}
		rm.transition(c, types.StatusRunning, types.StatusPaused)
	case wire.SessionResume:
		if !rm.requireInterviewer(c) {
			return
		}
		rm.transition(c, types.StatusPaused, types.StatusRunning)
	case wire.SessionStop:
		if !rm.requireInterviewer(c) {
			return
		}
		rm.handleStop(ctx, c)

	case wire.AudioChunk:
		// Audio is high-frequency; frames from the wrong role are
		// dropped without an error reply, like frames outside running.
		if c.Role != types.RoleInterviewer {
			return
		}
		rm.handleAudio(c, m)

	case wire.CoachingPull:
		if !rm.requireInterviewer(c) {
			return
		}
		rm.handlePull(c)
	case wire.CoachingRespond:
		if !rm.requireInterviewer(c) {
			return
		}
		rm.handleCoachingRespond(m)

	case wire.TopicUpdateMsg:
		if !rm.requireInterviewer(c) {
			return
		}
		rm.handleTopicUpdate(c, m)
	case wire.SpeakerToggle:
		if !rm.requireInterviewer(c) {
			return
		}
		rm.handleSpeakerToggle()
	case wire.InsightFlag:
		if !rm.requireInterviewer(c) {
			return
		}
		rm.log.Info("insight flagged", "client_id", c.ID, "timestamp", m.Timestamp, "note", m.Note)

	case wire.ObserverJoin:
		// Membership was established at connect time.
	case wire.ObserverCommentMsg:
		if !rm.requireObserver(c) {
			return
		}
		rm.handleObserverComment(c, m)
	case wire.ObserverQuestion:
		if !rm.requireObserver(c) {
			return
		}
		rm.handleObserverQuestion(c, m)

	default:
		rm.sendError(c, wire.CodeUnknownMessage, fmt.Sprintf("unhandled message %T", m))
	}
}

// Role gates answer with session.error so the client UI can surface the
// rejection as a session-level banner.
func (rm *Room) requireInterviewer(c *Client) bool {
	if c.Role == types.RoleInterviewer {
		return true
	}
	rm.sendTo(c, wire.NewSessionError(wire.CodeUnauthorized, "interviewer role required"))
	return false
}

func (rm *Room) requireObserver(c *Client) bool {
	if c.Role == types.RoleObserver {
		return true
	}
	rm.sendTo(c, wire.NewSessionError(wire.CodeUnauthorized, "observer role required"))
	return false
}

// ── Session lifecycle ─────────────────────────────────────────────────────────

func (rm *Room) handleStart(ctx context.Context, c *Client, m wire.SessionStart) {
	rm.mu.Lock()
	if rm.starting || (rm.status != types.StatusIdle && rm.status != types.StatusReady) {
		status := rm.status
		rm.mu.Unlock()
		rm.sendError(c, wire.CodeInvalidState, fmt.Sprintf("cannot start from %q", status))
		return
	}
	rm.starting = true
	rm.mu.Unlock()

	rl := rm.factory(relay.Config{
		SessionID:       rm.ID,
		APIKey:          rm.settings.OpenAIKey,
		BaseURL:         rm.settings.OpenAIBaseURL,
		Model:           rm.settings.Model,
		Topics:          rm.settings.Topics,
		CulturalContext: rm.settings.CulturalContext,
		VADThreshold:    rm.settings.VADThreshold,
		MaxSilentFrames: rm.settings.MaxSilentFrames,
	}, relay.Callbacks{
		OnUtterance:       rm.onUtterance,
		OnUtteranceUpdate: rm.onUtteranceUpdate,
		OnCoachingEvent:   rm.onCoachingEvent,
		OnError:           rm.onRelayError,
		OnStateChange:     rm.onRelayState,
	})

	// The dial runs outside the room lock; message handling continues
	// meanwhile and the starting flag keeps a second start out.
	dialStart := time.Now()
	err := rl.Connect(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	rm.metrics.RelayConnectDuration.Record(ctx, time.Since(dialStart).Seconds(),
		metric.WithAttributes(observe.Attr("outcome", outcome)))
	if err != nil {
		rl.Close()
		// Ready keeps the room eligible for another start attempt.
		rm.mu.Lock()
		rm.starting = false
		rm.status = types.StatusReady
		rm.mu.Unlock()

		code := wire.CodeOpenAIError
		if errors.Is(err, relay.ErrConnectTimeout) {
			code = wire.CodeConnectTimeout
		}
		rm.log.Error("relay connect failed", "err", err)
		rm.broadcast(wire.NewSessionError(code, err.Error()))
		return
	}

	var botID string
	if m.MeetingURL != "" && !m.UseLocalMic {
		if rm.bots == nil {
			rm.broadcast(wire.NewSessionError(wire.CodeRecallError, "meeting bots are not configured"))
		} else {
			id, err := rm.bots.CreateBot(ctx, m.MeetingURL, rm.ID)
			if err != nil {
				rm.log.Error("bot dispatch failed", "err", err)
				rm.broadcast(wire.NewSessionError(wire.CodeRecallError, err.Error()))
			} else {
				botID = id
				rm.log.Info("bot dispatched", "bot_id", id, "meeting_url", m.MeetingURL)
			}
		}
	}

	rm.mu.Lock()
	rm.starting = false
	rm.relay = rl
	rm.botID = botID
	rm.status = types.StatusRunning
	rm.startedAt = rm.now()
	rm.broadcastLocked(wire.NewSessionStatus(types.StatusRunning, rm.ID))
	rm.mu.Unlock()

	rm.log.Info("session started", "use_local_mic", m.UseLocalMic, "bot_id", botID)
}

func (rm *Room) transition(c *Client, from, to types.SessionStatus) {
	rm.mu.Lock()
	if rm.status != from {
		status := rm.status
		rm.mu.Unlock()
		rm.sendError(c, wire.CodeInvalidState, fmt.Sprintf("cannot move to %q from %q", to, status))
		return
	}
	rm.status = to
	rm.broadcastLocked(wire.NewSessionStatus(to, rm.ID))
	rm.mu.Unlock()
	rm.log.Info("session state changed", "status", to)
}

func (rm *Room) handleStop(ctx context.Context, c *Client) {
	rm.mu.Lock()
	// Stop is idempotent: once shutdown is underway or finished, a
	// repeat is absorbed silently.
	if rm.status == types.StatusEnding || rm.status == types.StatusEnded {
		rm.mu.Unlock()
		return
	}
	if rm.status != types.StatusRunning && rm.status != types.StatusPaused {
		status := rm.status
		rm.mu.Unlock()
		rm.sendError(c, wire.CodeInvalidState, fmt.Sprintf("cannot stop from %q", status))
		return
	}
	rm.status = types.StatusEnding
	rl := rm.relay
	rm.relay = nil
	botID := rm.botID
	rm.botID = ""
	rm.broadcastLocked(wire.NewSessionStatus(types.StatusEnding, rm.ID))
	rm.mu.Unlock()

	if botID != "" && rm.bots != nil {
		if err := rm.bots.StopBot(ctx, botID); err != nil {
			rm.log.Warn("bot stop failed", "bot_id", botID, "err", err)
		}
	}
	if rl != nil {
		rl.Close()
	}

	rm.mu.Lock()
	rm.status = types.StatusEnded
	rm.broadcastLocked(wire.NewSessionStatus(types.StatusEnded, rm.ID))
	rm.mu.Unlock()
	rm.log.Info("session ended")
}

// ── Audio ─────────────────────────────────────────────────────────────────────

func (rm *Room) handleAudio(c *Client, m wire.AudioChunk) {
	rm.mu.Lock()
	rl := rm.relay
	running := rm.status == types.StatusRunning
	rm.mu.Unlock()
	if !running || rl == nil {
		// Paused sessions drop audio silently.
		return
	}

	frame, err := audio.DecodeBase64(m.Data)
	if err != nil {
		rm.sendError(c, wire.CodeInvalidMessage, "audio.chunk: invalid base64")
		return
	}
	if err := rl.HandleAudio(frame); err != nil && !errors.Is(err, relay.ErrClosed) {
		rm.log.Warn("relay audio write failed", "err", err)
	}
}

// ── Coaching ──────────────────────────────────────────────────────────────────

func (rm *Room) handlePull(c *Client) {
	rm.mu.Lock()
	rl := rm.relay
	running := rm.status == types.StatusRunning
	rm.mu.Unlock()
	if !running || rl == nil {
		rm.sendError(c, wire.CodeInvalidState, "session is not running")
		return
	}
	if err := rl.RequestCoaching(); err != nil && !errors.Is(err, relay.ErrClosed) {
		rm.log.Warn("coaching pull failed", "err", err)
	}
}

func (rm *Room) handleCoachingRespond(m wire.CoachingRespond) {
	rm.mu.Lock()
	_, active := rm.activePrompts[m.EventID]
	if active {
		delete(rm.activePrompts, m.EventID)
	}
	if active && m.Response == "dismissed" {
		rm.broadcastRoleLocked(types.RoleInterviewer, wire.NewCoachingDismiss(m.EventID))
	}
	rm.mu.Unlock()

	if active {
		rm.log.Info("coaching response", "event_id", m.EventID, "response", m.Response)
	}
}

// onCoachingEvent applies the admission policy to a candidate event
// from the relay. Admitted prompts go to the interviewer only.
func (rm *Room) onCoachingEvent(e types.CoachingEvent) {
	rm.mu.Lock()
	now := rm.now()
	switch {
	case rm.status != types.StatusRunning:
		rm.mu.Unlock()
		return
	case e.Confidence < rm.settings.ConfidenceFloor:
		rm.mu.Unlock()
		rm.metrics.RecordCoachingCandidate(context.Background(), "confidence")
		rm.log.Debug("coaching rejected: confidence", "confidence", e.Confidence)
		return
	case rm.coachingCount >= rm.settings.MaxCoachingPerSession:
		rm.mu.Unlock()
		rm.metrics.RecordCoachingCandidate(context.Background(), "cap")
		rm.log.Debug("coaching rejected: session cap")
		return
	case !rm.lastCoachingAt.IsZero() && now.Sub(rm.lastCoachingAt) < rm.settings.CoachingCooldown:
		rm.mu.Unlock()
		rm.metrics.RecordCoachingCandidate(context.Background(), "cooldown")
		rm.log.Debug("coaching rejected: cooldown")
		return
	}
	e.DisplayedAt = now
	rm.activePrompts[e.ID] = e
	rm.coachingCount++
	rm.lastCoachingAt = now
	rm.broadcastRoleLocked(types.RoleInterviewer, wire.NewCoachingPrompt(e))
	rm.mu.Unlock()

	rm.metrics.RecordCoachingCandidate(context.Background(), "admitted")
	rm.log.Info("coaching prompt admitted", "event_id", e.ID, "prompt_type", e.PromptType)
}

// ── Transcription ─────────────────────────────────────────────────────────────

func (rm *Room) onUtteranceUpdate(id, text string) {
	rm.broadcast(wire.NewUtteranceUpdate(id, text))
}

// onUtterance receives a finalized relay utterance. The relay cannot
// diarize, so speaker attribution comes from the manual toggle hint.
func (rm *Room) onUtterance(u types.Utterance) {
	rm.mu.Lock()
	u.Speaker = rm.currentSpeaker
	rm.utteranceCount++
	count := rm.utteranceCount
	rm.talkTime[u.Speaker] += u.Duration()
	ratio := rm.talkTimeRatioLocked()
	topicUpdates := rm.topics.observe(u.Text)

	pull := rm.status == types.StatusRunning &&
		count%rm.settings.CoachingCadence == 0 &&
		(rm.lastCoachingAt.IsZero() || rm.now().Sub(rm.lastCoachingAt) >= rm.settings.CoachingCooldown)

	rm.broadcastLocked(wire.NewUtteranceFinal(u))
	for _, t := range topicUpdates {
		rm.broadcastLocked(wire.NewTopic(t))
	}
	rm.broadcastLocked(wire.NewTalkTime(ratio))
	rl := rm.relay
	rm.mu.Unlock()

	rm.metrics.RecordUtterance(context.Background(), string(u.Speaker), "relay")
	if pull && rl != nil {
		if err := rl.RequestCoaching(); err != nil && !errors.Is(err, relay.ErrClosed) {
			rm.log.Warn("cadence coaching request failed", "err", err)
		}
	}
}

// talkTimeRatioLocked derives the integer-percent split and grades the
// interviewer's share.
func (rm *Room) talkTimeRatioLocked() types.TalkTimeRatio {
	iv := rm.talkTime[types.SpeakerInterviewer]
	pt := rm.talkTime[types.SpeakerParticipant]
	total := iv + pt
	if total == 0 {
		return types.TalkTimeRatio{Status: types.TalkTimeGood}
	}
	ivPct := int(math.Round(float64(iv) / float64(total) * 100))
	r := types.TalkTimeRatio{Interviewer: ivPct, Participant: 100 - ivPct}
	switch {
	case ivPct <= talkTimeGoodMax:
		r.Status = types.TalkTimeGood
	case ivPct <= talkTimeWarningMax:
		r.Status = types.TalkTimeWarning
	default:
		r.Status = types.TalkTimeOverTalking
	}
	return r
}

// ── Topics and speaker hint ───────────────────────────────────────────────────

func (rm *Room) handleTopicUpdate(c *Client, m wire.TopicUpdateMsg) {
	if m.TopicName == "" || !m.Status.IsValid() {
		rm.sendError(c, wire.CodeInvalidMessage, "topic.update: name and valid status required")
		return
	}
	rm.mu.Lock()
	rm.broadcastLocked(wire.NewTopic(rm.topics.setManual(m.TopicName, m.Status)))
	rm.mu.Unlock()
}

func (rm *Room) handleSpeakerToggle() {
	rm.mu.Lock()
	if rm.currentSpeaker == types.SpeakerInterviewer {
		rm.currentSpeaker = types.SpeakerParticipant
	} else {
		rm.currentSpeaker = types.SpeakerInterviewer
	}
	speaker := rm.currentSpeaker
	rm.mu.Unlock()
	rm.log.Debug("speaker hint toggled", "speaker", speaker)
}

// ── Observer features ─────────────────────────────────────────────────────────

func (rm *Room) handleObserverComment(c *Client, m wire.ObserverCommentMsg) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		rm.sendError(c, wire.CodeInvalidMessage, "observer.comment: empty text")
		return
	}
	comment := types.ObserverComment{
		ID:         uuid.NewString(),
		AuthorID:   c.ID,
		AuthorName: c.UserName,
		Text:       text,
		Timestamp:  m.Timestamp,
		CreatedAt:  rm.now().UTC().Format(time.RFC3339),
	}
	rm.broadcast(wire.NewObserverComment(comment))
}

func (rm *Room) handleObserverQuestion(c *Client, m wire.ObserverQuestion) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		rm.sendError(c, wire.CodeInvalidMessage, "observer.question: empty text")
		return
	}
	from := c.UserName
	if from == "" {
		from = "Observer"
	}
	rm.broadcastRole(types.RoleInterviewer, wire.NewObserverQuestion(text, from))
}

// ── Relay status ──────────────────────────────────────────────────────────────

func (rm *Room) onRelayError(err error) {
	code := wire.CodeOpenAIError
	switch {
	case errors.Is(err, relay.ErrConnectTimeout):
		code = wire.CodeConnectTimeout
	case strings.Contains(err.Error(), "reconnect"):
		code = wire.CodeNetworkError
	case strings.Contains(err.Error(), "rate limit"):
		code = wire.CodeRateLimit
	}
	rm.metrics.RecordRelayError(context.Background())
	rm.log.Error("relay error", "code", code, "err", err)
	rm.broadcast(wire.NewSessionError(code, err.Error()))
}

func (rm *Room) onRelayState(s relay.State) {
	rm.log.Debug("relay state", "state", s)
}

// ── Meeting bot ingress ───────────────────────────────────────────────────────

// BotJoined marks the meeting bot in-call.
func (rm *Room) BotJoined(botID string) {
	rm.mu.Lock()
	rm.botID = botID
	status := rm.status
	rm.broadcastLocked(wire.NewSessionStatus(status, rm.ID))
	rm.mu.Unlock()
	rm.log.Info("bot joined call", "bot_id", botID)
}

// BotLeft moves a running session to ending; final media may still
// arrive.
func (rm *Room) BotLeft() {
	rm.mu.Lock()
	if rm.status == types.StatusRunning || rm.status == types.StatusPaused {
		rm.status = types.StatusEnding
		rm.broadcastLocked(wire.NewSessionStatus(types.StatusEnding, rm.ID))
	}
	rm.mu.Unlock()
	rm.log.Info("bot left call")
}

// BotMediaDone finishes the session after the last media event.
func (rm *Room) BotMediaDone() {
	rm.mu.Lock()
	rl := rm.relay
	rm.relay = nil
	rm.status = types.StatusEnded
	rm.broadcastLocked(wire.NewSessionStatus(types.StatusEnded, rm.ID))
	rm.mu.Unlock()

	if rl != nil {
		rl.Close()
	}
	rm.log.Info("bot media complete, session ended")
}

// BotFatal surfaces an unrecoverable bot failure and stops the session.
func (rm *Room) BotFatal(message string) {
	rm.mu.Lock()
	rl := rm.relay
	rm.relay = nil
	rm.botID = ""
	rm.status = types.StatusEnded
	rm.broadcastLocked(wire.NewSessionError(wire.CodeRecallBotFatal, message))
	rm.broadcastLocked(wire.NewSessionStatus(types.StatusEnded, rm.ID))
	rm.mu.Unlock()

	if rl != nil {
		rl.Close()
	}
	rm.log.Error("bot fatal", "message", message)
}

// IngestBotTranscript forges an utterance from a meeting-bot transcript
// event. Bot transcripts carry their own diarization, feed talk-time
// and topic coverage, but do not advance the coaching cadence counter —
// that stays bound to relay transcription.
func (rm *Room) IngestBotTranscript(speaker types.Speaker, text string, startMs, endMs int64) {
	if strings.TrimSpace(text) == "" {
		return
	}
	rm.mu.Lock()
	rm.botUtteranceSeq++
	u := types.Utterance{
		ID:         fmt.Sprintf("utt_%s_bot_%d", rm.ID, rm.botUtteranceSeq),
		SessionID:  rm.ID,
		Speaker:    speaker,
		Text:       text,
		StartTime:  startMs,
		EndTime:    endMs,
		Confidence: 1.0,
	}
	rm.talkTime[speaker] += u.Duration()
	ratio := rm.talkTimeRatioLocked()
	topicUpdates := rm.topics.observe(text)

	rm.broadcastLocked(wire.NewUtterance(u))
	for _, t := range topicUpdates {
		rm.broadcastLocked(wire.NewTopic(t))
	}
	rm.broadcastLocked(wire.NewTalkTime(ratio))
	rm.mu.Unlock()

	rm.metrics.RecordUtterance(context.Background(), string(speaker), "bot")
}

// HandleRecallAudio feeds a raw PCM16 bot audio frame through the same
// VAD gate as microphone audio. Bot frames arrive at the relay rate
// already, so no conversion happens here.
func (rm *Room) HandleRecallAudio(frame []byte) {
	rm.mu.Lock()
	rl := rm.relay
	running := rm.status == types.StatusRunning
	rm.mu.Unlock()
	if !running || rl == nil {
		return
	}

	if err := rl.HandleAudio(frame); err != nil && !errors.Is(err, relay.ErrClosed) {
		rm.log.Warn("bot audio relay failed", "err", err)
	}
}

// ── Fan-out ───────────────────────────────────────────────────────────────────

func (rm *Room) broadcast(frame any) {
	rm.mu.Lock()
	rm.broadcastLocked(frame)
	rm.mu.Unlock()
}

func (rm *Room) broadcastLocked(frame any) {
	data, err := wire.Encode(frame)
	if err != nil {
		rm.log.Error("frame encode failed", "err", err)
		return
	}
	for _, c := range rm.clients {
		if !c.enqueue(data) {
			rm.log.Warn("client queue saturated, frame dropped", "client_id", c.ID)
		}
	}
}

func (rm *Room) broadcastRole(role types.Role, frame any) {
	rm.mu.Lock()
	rm.broadcastRoleLocked(role, frame)
	rm.mu.Unlock()
}

func (rm *Room) broadcastRoleLocked(role types.Role, frame any) {
	data, err := wire.Encode(frame)
	if err != nil {
		rm.log.Error("frame encode failed", "err", err)
		return
	}
	for _, c := range rm.clients {
		if c.Role == role {
			c.enqueue(data)
		}
	}
}

func (rm *Room) sendTo(c *Client, frame any) {
	data, err := wire.Encode(frame)
	if err != nil {
		rm.log.Error("frame encode failed", "err", err)
		return
	}
	c.enqueue(data)
}

func (rm *Room) sendToLocked(c *Client, frame any) {
	data, err := wire.Encode(frame)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func (rm *Room) sendError(c *Client, code, message string) {
	rm.sendTo(c, wire.NewError(code, message))
}

// Destroy tears the room down: relay closed, bot stopped, every client
// socket closed.
func (rm *Room) Destroy(ctx context.Context) {
	rm.mu.Lock()
	rl := rm.relay
	rm.relay = nil
	botID := rm.botID
	rm.botID = ""
	rm.status = types.StatusEnded
	clients := make([]*Client, 0, len(rm.clients))
	for _, c := range rm.clients {
		clients = append(clients, c)
	}
	rm.clients = make(map[string]*Client)
	rm.mu.Unlock()

	if botID != "" && rm.bots != nil {
		if err := rm.bots.StopBot(ctx, botID); err != nil {
			rm.log.Warn("bot stop failed during teardown", "bot_id", botID, "err", err)
		}
	}
	if rl != nil {
		rl.Close()
	}
	for _, c := range clients {
		c.close(websocket.StatusNormalClosure, "room closed")
	}
	rm.log.Info("room destroyed")
}
