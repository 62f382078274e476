package recall

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/parleyhq/parley/internal/observe"
	"github.com/parleyhq/parley/pkg/audio"
	"github.com/parleyhq/parley/pkg/types"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Recall-Signature"

// maxWebhookBody bounds a single delivery; audio chunks dominate.
const maxWebhookBody = 1 << 20

// SessionRoom is the slice of a session room the webhook drives.
type SessionRoom interface {
	BotJoined(botID string)
	BotLeft()
	BotMediaDone()
	BotFatal(message string)
	IngestBotTranscript(speaker types.Speaker, text string, startMs, endMs int64)
	HandleRecallAudio(frame []byte)
}

// RoomDirectory resolves a bot id to the room it is attached to.
// Deliveries identify themselves by bot, not by session.
type RoomDirectory interface {
	LookupBot(botID string) (SessionRoom, bool)
}

// RoomDirectoryFunc adapts a function to [RoomDirectory].
type RoomDirectoryFunc func(botID string) (SessionRoom, bool)

// LookupBot implements [RoomDirectory].
func (f RoomDirectoryFunc) LookupBot(botID string) (SessionRoom, bool) {
	return f(botID)
}

// WebhookHandler receives bot events from Recall and routes them to
// rooms. Deliveries are authenticated with a shared-secret HMAC over
// the raw body; an empty secret disables verification for local use.
type WebhookHandler struct {
	secret  []byte
	rooms   RoomDirectory
	log     *slog.Logger
	metrics *observe.Metrics
}

// NewWebhookHandler builds the ingress handler.
func NewWebhookHandler(secret string, rooms RoomDirectory) *WebhookHandler {
	return &WebhookHandler{
		secret:  []byte(secret),
		rooms:   rooms,
		log:     slog.With("component", "recall_webhook"),
		metrics: observe.DefaultMetrics(),
	}
}

type webhookEvent struct {
	Event string      `json:"event"`
	Data  webhookData `json:"data"`
}

type webhookData struct {
	BotID string `json:"bot_id"`

	// status_change
	Status *statusData `json:"status,omitempty"`

	// media.done
	Recording *recordingData `json:"recording,omitempty"`

	// transcript
	Transcript *transcriptData `json:"transcript,omitempty"`

	// audio: base64 PCM16 LE mono at the relay rate
	Audio string `json:"audio,omitempty"`
}

type statusData struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type recordingData struct {
	URL string `json:"url,omitempty"`
}

type transcriptData struct {
	Speaker   string  `json:"speaker"`
	Text      string  `json:"text"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	if !h.verify(body, r.Header.Get(SignatureHeader)) {
		h.log.Warn("webhook signature rejected")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var evt webhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if evt.Data.BotID == "" {
		http.Error(w, "missing bot_id", http.StatusBadRequest)
		return
	}

	room, ok := h.rooms.LookupBot(evt.Data.BotID)
	if !ok {
		h.log.Warn("webhook for unknown bot", "bot_id", evt.Data.BotID, "event", evt.Event)
		http.Error(w, "unknown bot", http.StatusNotFound)
		return
	}

	start := time.Now()
	h.dispatch(room, evt)
	h.metrics.RecordWebhookEvent(r.Context(), evt.Event)
	h.metrics.WebhookDuration.Record(r.Context(), time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("event", evt.Event)))

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

// verify checks the delivery signature in constant time. Verification
// is skipped when no secret is configured.
func (h *WebhookHandler) verify(body []byte, signature string) bool {
	if len(h.secret) == 0 {
		return true
	}
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

func (h *WebhookHandler) dispatch(room SessionRoom, evt webhookEvent) {
	switch evt.Event {
	case "join_call":
		room.BotJoined(evt.Data.BotID)

	case "leave_call":
		room.BotLeft()

	case "media.done":
		if rec := evt.Data.Recording; rec != nil && rec.URL != "" {
			h.log.Info("bot recording available", "bot_id", evt.Data.BotID, "url", rec.URL)
		}
		room.BotMediaDone()

	case "status_change":
		st := evt.Data.Status
		if st == nil || st.Code != "fatal" {
			return
		}
		msg := st.Message
		if msg == "" {
			msg = "meeting bot failed"
		}
		room.BotFatal(msg)

	case "transcript":
		t := evt.Data.Transcript
		if t == nil || t.Text == "" {
			return
		}
		speaker := types.SpeakerParticipant
		if types.Speaker(t.Speaker) == types.SpeakerInterviewer {
			speaker = types.SpeakerInterviewer
		}
		room.IngestBotTranscript(speaker, t.Text,
			int64(t.StartTime*1000), int64(t.EndTime*1000))

	case "audio":
		frame, err := audio.DecodeBase64(evt.Data.Audio)
		if err != nil || len(frame) == 0 {
			return
		}
		room.HandleRecallAudio(frame)

	default:
		h.log.Debug("webhook event ignored", "event", evt.Event)
	}
}

// Sign computes the delivery signature for a body. Exported for tests
// and for local tooling that replays captured deliveries.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
