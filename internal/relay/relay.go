// Package relay implements the stateful client of the OpenAI Realtime
// API that powers a Parley session room.
//
// It establishes a bidirectional WebSocket connection, configures the
// session for text-only coaching over transcribed PCM16 audio, gates
// outbound audio with a local energy VAD so silence never reaches the
// paid endpoint, commits turns on sustained silence, and parses inbound
// events into typed utterances and coaching candidates. Connection
// drops are retried with bounded exponential backoff; Close is
// terminal.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parleyhq/parley/pkg/audio"
	"github.com/parleyhq/parley/pkg/types"
)

// State is the relay's connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateConfigured   State = "configured"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"

	// StateClosed is terminal; no reconnection is attempted from it.
	StateClosed State = "closed"
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// connectTimeout bounds the initial dial plus session handshake.
	connectTimeout = 15 * time.Second

	// maxReconnect caps reconnection attempts after a dropped
	// connection. Delay at attempt k is min(1s·2^k, 16s).
	maxReconnect     = 3
	reconnectBase    = time.Second
	reconnectMaxWait = 16 * time.Second

	// graceTailFrames is how many silent frames are still appended
	// after the VAD releases, so trailing syllables are not clipped.
	graceTailFrames = 25

	defaultVADThreshold    = 0.008
	defaultMaxSilentFrames = 150
)

// Sentinel errors surfaced to the room for error-code mapping.
var (
	ErrConnectTimeout = errors.New("relay: connect timeout")
	ErrClosed         = errors.New("relay: closed")
)

// Config holds the construction inputs for a [Relay].
type Config struct {
	// SessionID scopes utterance ids and coaching events.
	SessionID string

	// APIKey is the bearer token for the Realtime endpoint.
	APIKey string

	// BaseURL overrides the WebSocket endpoint. Used by tests to point
	// at a local mock server.
	BaseURL string

	// Model selects the Realtime model.
	Model string

	// Topics parameterize the coaching instructions.
	Topics []string

	// CulturalContext is an optional hint appended to the instructions.
	CulturalContext string

	// VADThreshold is the local energy gate. Default 0.008.
	VADThreshold float64

	// MaxSilentFrames is the VAD release count: how many consecutive
	// sub-threshold frames end a speech segment. Default 150.
	MaxSilentFrames int
}

// Callbacks carries the event hooks bound at construction. The room
// binds function values that feed its own serialized message handling;
// the relay never holds its internal lock while invoking them. Nil
// callbacks are skipped.
type Callbacks struct {
	OnUtterance       func(types.Utterance)
	OnUtteranceUpdate func(id, text string)
	OnCoachingEvent   func(types.CoachingEvent)
	OnError           func(error)
	OnStateChange     func(State)
}

// Relay is a stateful client of the Realtime speech/LLM service. It is
// owned by exactly one session room. HandleAudio and RequestCoaching
// are safe to call concurrently with the receive loop.
type Relay struct {
	cfg Config
	cb  Callbacks
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes WebSocket writes across the room's goroutine
	// and the reconnect path.
	writeMu sync.Mutex

	mu                sync.Mutex
	conn              *websocket.Conn
	state             State
	closed            bool
	reconnectAttempts int
	reconnectTimer    *time.Timer

	vad            *audio.Detector
	isSendingAudio bool
	graceFrames    int

	utteranceSeq int
	pendingID    string
	pendingText  string
	pendingStart int64
}

// New creates a Relay in the disconnected state. Call Connect to open
// the session.
func New(cfg Config, cb Callbacks) *Relay {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.VADThreshold == 0 {
		cfg.VADThreshold = defaultVADThreshold
	}
	if cfg.MaxSilentFrames == 0 {
		cfg.MaxSilentFrames = defaultMaxSilentFrames
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		cfg:    cfg,
		cb:     cb,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		state:  StateDisconnected,
		vad: audio.NewDetector(audio.VADConfig{
			EnergyThreshold: cfg.VADThreshold,
			SilenceFrames:   cfg.MaxSilentFrames,
		}),
	}
}

// State returns the current lifecycle state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// setState records the new state and notifies the callback outside the
// lock.
func (r *Relay) setState(s State) {
	r.mu.Lock()
	if r.state == s || r.state == StateClosed {
		r.mu.Unlock()
		return
	}
	r.state = s
	r.mu.Unlock()

	if r.cb.OnStateChange != nil {
		r.cb.OnStateChange(s)
	}
}

// Connect dials the Realtime endpoint and configures the session. The
// handshake is bounded by a 15 s deadline; on expiry the error wraps
// [ErrConnectTimeout].
func (r *Relay) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.mu.Unlock()

	r.setState(StateConnecting)

	conn, err := r.dial(ctx)
	if err != nil {
		r.setState(StateError)
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "closed during connect")
		return ErrClosed
	}
	r.conn = conn
	r.mu.Unlock()

	r.setState(StateConnected)

	if err := r.sendSessionUpdate(); err != nil {
		r.setState(StateError)
		conn.Close(websocket.StatusInternalError, "session update failed")
		return fmt.Errorf("relay: session update: %w", err)
	}

	go r.receiveLoop(conn)
	return nil
}

// dial opens the WebSocket with service auth under the connect deadline.
func (r *Relay) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	wsURL := fmt.Sprintf("%s?model=%s", r.cfg.BaseURL, r.cfg.Model)
	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + r.cfg.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		if dialCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectTimeout, err)
		}
		return nil, fmt.Errorf("relay: dial: %w", err)
	}
	return conn, nil
}

// sendSessionUpdate configures transcription, server-side turn
// detection, and the silence-first coaching instructions.
func (r *Relay) sendSessionUpdate() error {
	return r.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:              []string{"text"},
			Instructions:            coachingInstructions(r.cfg.Topics, r.cfg.CulturalContext),
			InputAudioFormat:        "pcm16",
			InputAudioTranscription: &transcriptionParam{Model: "whisper-1"},
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMs:   300,
				SilenceDurationMs: 500,
			},
			Temperature:             0.6,
			MaxResponseOutputTokens: 300,
		},
	})
}

// writeJSON marshals v and writes it as a text WebSocket frame.
func (r *Relay) writeJSON(v any) error {
	r.mu.Lock()
	conn := r.conn
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return fmt.Errorf("relay: not connected")
	}

	data, err := wireMarshal(v)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.Write(r.ctx, websocket.MessageText, data)
}

// HandleAudio runs one PCM16 frame through the VAD gate. Speech frames
// are appended to the service's input buffer; after the VAD releases,
// a short grace tail is still appended and then the turn is committed.
// Frames arriving while no speech segment is open are dropped — that
// is the cost-control invariant, not an error.
func (r *Relay) HandleAudio(frame []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	res := r.vad.Process(frame)

	var (
		doAppend bool
		doCommit bool
	)
	if res.IsSpeech {
		r.isSendingAudio = true
		r.graceFrames = 0
		doAppend = true
	} else if r.isSendingAudio {
		r.graceFrames++
		if r.graceFrames <= graceTailFrames {
			doAppend = true
		} else {
			r.isSendingAudio = false
			r.graceFrames = 0
			doCommit = true
		}
	}
	r.mu.Unlock()

	if doAppend {
		return r.writeJSON(appendAudioMessage{
			Type:  "input_audio_buffer.append",
			Audio: audio.EncodeBase64(frame),
		})
	}
	if doCommit {
		return r.writeJSON(commitAudioMessage{Type: "input_audio_buffer.commit"})
	}
	return nil
}

// RequestCoaching asks the model for an immediate coaching evaluation.
// The model may decline with a low-confidence SILENCE_OK placeholder,
// which the room's admission policy filters out.
func (r *Relay) RequestCoaching() error {
	return r.writeJSON(responseCreateMessage{
		Type: "response.create",
		Response: responseParams{
			Modalities:   []string{"text"},
			Instructions: pullInstructions,
		},
	})
}

// receiveLoop reads service events from conn until it fails or the
// relay closes, then decides whether to reconnect.
func (r *Relay) receiveLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(r.ctx)
		if err != nil {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if closed || r.ctx.Err() != nil {
				return
			}
			slog.Warn("relay connection lost", "session_id", r.cfg.SessionID, "err", err)
			r.scheduleReconnect()
			return
		}

		evt, err := parseServerEvent(data)
		if err != nil {
			continue
		}
		r.handleServerEvent(evt)
	}
}

func (r *Relay) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created":
		slog.Debug("relay session created", "session_id", r.cfg.SessionID)

	case "session.updated":
		slog.Debug("relay session configured", "session_id", r.cfg.SessionID)
		r.mu.Lock()
		r.reconnectAttempts = 0
		r.mu.Unlock()
		r.setState(StateConfigured)

	case "input_audio_buffer.speech_started":
		r.mu.Lock()
		r.pendingID = fmt.Sprintf("utt_%s_%d", r.cfg.SessionID, r.utteranceSeq)
		r.utteranceSeq++
		r.pendingStart = r.now().UnixMilli()
		r.pendingText = ""
		r.mu.Unlock()

	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return
		}
		r.mu.Lock()
		r.pendingText += evt.Delta
		id, text := r.pendingID, r.pendingText
		r.mu.Unlock()
		if id != "" && r.cb.OnUtteranceUpdate != nil {
			r.cb.OnUtteranceUpdate(id, text)
		}

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		r.mu.Lock()
		id, start := r.pendingID, r.pendingStart
		if id == "" {
			// Completed without a preceding speech_started; keep the
			// counter monotonic anyway.
			id = fmt.Sprintf("utt_%s_%d", r.cfg.SessionID, r.utteranceSeq)
			r.utteranceSeq++
			start = r.now().UnixMilli()
		}
		r.pendingID = ""
		r.pendingText = ""
		r.pendingStart = 0
		r.mu.Unlock()

		if r.cb.OnUtterance != nil {
			r.cb.OnUtterance(types.Utterance{
				ID:         id,
				SessionID:  r.cfg.SessionID,
				Speaker:    types.SpeakerParticipant,
				Text:       evt.Transcript,
				StartTime:  start,
				EndTime:    r.now().UnixMilli(),
				Confidence: 0.9,
			})
		}

	case "response.text.done":
		if evt.Text == "" {
			return
		}
		if e, ok := parseCoaching(r.cfg.SessionID, evt.Text, r.now()); ok {
			if r.cb.OnCoachingEvent != nil {
				r.cb.OnCoachingEvent(e)
			}
		}

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		if r.cb.OnError != nil {
			r.cb.OnError(fmt.Errorf("relay: service error: %s", msg))
		}

	default:
		// Unrecognized event types are ignored.
	}
}

// scheduleReconnect arms the backoff timer for the next reconnection
// attempt, or gives up after the cap and surfaces the failure.
func (r *Relay) scheduleReconnect() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	attempt := r.reconnectAttempts
	if attempt >= maxReconnect {
		r.mu.Unlock()
		r.setState(StateError)
		if r.cb.OnError != nil {
			r.cb.OnError(fmt.Errorf("relay: gave up after %d reconnect attempts", maxReconnect))
		}
		return
	}
	r.reconnectAttempts++

	delay := reconnectBase << attempt
	if delay > reconnectMaxWait {
		delay = reconnectMaxWait
	}
	r.reconnectTimer = time.AfterFunc(delay, r.reconnect)
	r.mu.Unlock()

	r.setState(StateReconnecting)
	slog.Info("relay reconnect scheduled",
		"session_id", r.cfg.SessionID,
		"attempt", attempt+1,
		"max_attempts", maxReconnect,
		"delay", delay,
	)
}

// reconnect redials and reconfigures the session. Failures feed back
// into scheduleReconnect until the attempt cap is hit.
func (r *Relay) reconnect() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.setState(StateConnecting)
	conn, err := r.dial(r.ctx)
	if err != nil {
		slog.Warn("relay reconnect failed", "session_id", r.cfg.SessionID, "err", err)
		r.scheduleReconnect()
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "closed during reconnect")
		return
	}
	old := r.conn
	r.conn = conn
	r.mu.Unlock()
	if old != nil {
		old.Close(websocket.StatusNormalClosure, "superseded")
	}

	r.setState(StateConnected)
	if err := r.sendSessionUpdate(); err != nil {
		slog.Warn("relay reconfigure failed", "session_id", r.cfg.SessionID, "err", err)
		r.scheduleReconnect()
		return
	}

	go r.receiveLoop(conn)
}

// Close terminates the relay. Idempotent: it cancels any pending
// reconnect timer, closes the connection with code 1000, resets the
// VAD, and moves to the terminal closed state.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
	conn := r.conn
	r.conn = nil
	r.state = StateClosed
	r.vad.Reset()
	r.isSendingAudio = false
	r.graceFrames = 0
	r.mu.Unlock()

	r.cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "session ended")
	}
	if r.cb.OnStateChange != nil {
		r.cb.OnStateChange(StateClosed)
	}
	return nil
}
