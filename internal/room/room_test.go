package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/parleyhq/parley/internal/observe"
	"github.com/parleyhq/parley/internal/relay"
	"github.com/parleyhq/parley/pkg/types"
)

// ── Fixtures ──────────────────────────────────────────────────────────────────

// fakeConn records every frame written to it.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeConn) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Ping(context.Context) error { return nil }

func (f *fakeConn) Close(websocket.StatusCode, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// framesOfType decodes every recorded frame with the given type value.
func (f *fakeConn) framesOfType(typ string) []map[string]json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]json.RawMessage
	for _, data := range f.frames {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		var got string
		json.Unmarshal(m["type"], &got)
		if got == typ {
			out = append(out, m)
		}
	}
	return out
}

// waitType polls until at least n frames of the given type arrived and
// returns the last one.
func (f *fakeConn) waitType(t *testing.T, typ string, n int) map[string]json.RawMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.framesOfType(typ); len(got) >= n {
			return got[len(got)-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q frame (want %d) within deadline", typ, n)
	return nil
}

func (f *fakeConn) assertNoType(t *testing.T, typ string) {
	t.Helper()
	time.Sleep(50 * time.Millisecond)
	if got := f.framesOfType(typ); len(got) != 0 {
		t.Fatalf("unexpected %q frame: %s", typ, got[0])
	}
}

// fakeRelay stands in for the Realtime relay and captures the bound
// callbacks so tests can inject utterances and coaching candidates.
type fakeRelay struct {
	mu            sync.Mutex
	cfg           relay.Config
	cb            relay.Callbacks
	connectErr    error
	connected     bool
	closed        bool
	audioFrames   int
	coachingCalls int
}

func (f *fakeRelay) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeRelay) HandleAudio([]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioFrames++
	return nil
}

func (f *fakeRelay) RequestCoaching() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coachingCalls++
	return nil
}

func (f *fakeRelay) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeRelay) coachingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.coachingCalls
}

func (f *fakeRelay) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestRoom(t *testing.T, settings Settings) (*Room, *fakeRelay, *testClock) {
	t.Helper()
	fr := &fakeRelay{}
	factory := func(cfg relay.Config, cb relay.Callbacks) RelayHandle {
		fr.mu.Lock()
		fr.cfg = cfg
		fr.cb = cb
		fr.mu.Unlock()
		return fr
	}
	rm := New("s1", settings, factory, nil)
	clk := newTestClock()
	rm.now = clk.now
	return rm, fr, clk
}

func join(t *testing.T, rm *Room, role types.Role, name string) (*Client, *fakeConn) {
	t.Helper()
	fc := &fakeConn{}
	c, err := rm.AddClient(fmt.Sprintf("client_%s_%s", role, name), role, name, fc)
	if err != nil {
		t.Fatalf("AddClient(%s): %v", role, err)
	}
	return c, fc
}

func startSession(t *testing.T, rm *Room, c *Client) {
	t.Helper()
	rm.HandleMessage(context.Background(), c, []byte(`{"type":"session.start","useLocalMic":true}`))
	if got := rm.Status(); got != types.StatusRunning {
		t.Fatalf("status after start = %q, want running", got)
	}
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestStartConnectsRelayAndBroadcastsRunning(t *testing.T) {
	rm, fr, _ := newTestRoom(t, Settings{Topics: []string{"pricing"}})
	interviewer, ic := join(t, rm, types.RoleInterviewer, "ana")

	startSession(t, rm, interviewer)

	fr.mu.Lock()
	connected, cfg := fr.connected, fr.cfg
	fr.mu.Unlock()
	if !connected {
		t.Fatal("relay not connected")
	}
	if cfg.SessionID != "s1" || len(cfg.Topics) != 1 {
		t.Errorf("relay config = %+v", cfg)
	}

	frame := ic.waitType(t, "session.status", 2) // idle on join, then running
	var status string
	json.Unmarshal(frame["status"], &status)
	if status != "running" {
		t.Errorf("status = %q, want running", status)
	}
}

func TestStartRejectedWhenAlreadyRunning(t *testing.T) {
	rm, _, _ := newTestRoom(t, Settings{})
	interviewer, ic := join(t, rm, types.RoleInterviewer, "ana")
	startSession(t, rm, interviewer)

	rm.HandleMessage(context.Background(), interviewer, []byte(`{"type":"session.start","useLocalMic":true}`))

	frame := ic.waitType(t, "error", 1)
	var code string
	json.Unmarshal(frame["code"], &code)
	if code != "INVALID_STATE" {
		t.Errorf("code = %q, want INVALID_STATE", code)
	}
}

func TestStartRecordsRelayConnectDuration(t *testing.T) {
	rm, _, _ := newTestRoom(t, Settings{})

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	rm.metrics = m

	interviewer, _ := join(t, rm, types.RoleInterviewer, "ana")
	startSession(t, rm, interviewer)

	var data metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &data); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range data.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "parley.relay.connect.duration" {
				continue
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatal("connect duration is not a histogram")
			}
			if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 1 {
				t.Fatalf("connect duration data points = %+v, want one sample", hist.DataPoints)
			}
			return
		}
	}
	t.Fatal("parley.relay.connect.duration never recorded")
}

func TestPauseResumeStop(t *testing.T) {
	rm, fr, _ := newTestRoom(t, Settings{})
	interviewer, ic := join(t, rm, types.RoleInterviewer, "ana")
	startSession(t, rm, interviewer)

	rm.HandleMessage(context.Background(), interviewer, []byte(`{"type":"session.pause"}`))
	if got := rm.Status(); got != types.StatusPaused {
		t.Fatalf("status = %q, want paused", got)
	}
	rm.HandleMessage(context.Background(), interviewer, []byte(`{"type":"session.resume"}`))
	if got := rm.Status(); got != types.StatusRunning {
		t.Fatalf("status = %q, want running", got)
	}
	rm.HandleMessage(context.Background(), interviewer, []byte(`{"type":"session.stop"}`))
	if got := rm.Status(); got != types.StatusEnded {
		t.Fatalf("status = %q, want ended", got)
	}
	if !fr.isClosed() {
		t.Error("relay not closed on stop")
	}

	// ending then ended were both announced
	ic.waitType(t, "session.status", 6) // idle, running, paused, running, ending, ended
	frames := ic.framesOfType("session.status")
	var seen []string
	for _, f := range frames {
		var s string
		json.Unmarshal(f["status"], &s)
		seen = append(seen, s)
	}
	want := map[string]bool{"ending": false, "ended": false}
	for _, s := range seen {
		if _, ok := want[s]; ok {
			want[s] = true
		}
	}
	for s, ok := range want {
		if !ok {
			t.Errorf("status %q never broadcast (saw %v)", s, seen)
		}
	}
}

func TestStopAfterEndedIsNoOp(t *testing.T) {
	rm, _, _ := newTestRoom(t, Settings{})
	interviewer, ic := join(t, rm, types.RoleInterviewer, "ana")
	startSession(t, rm, interviewer)

	rm.HandleMessage(context.Background(), interviewer, []byte(`{"type":"session.stop"}`))
	if got := rm.Status(); got != types.StatusEnded {
		t.Fatalf("status = %q, want ended", got)
	}

	rm.HandleMessage(context.Background(), interviewer, []byte(`{"type":"session.stop"}`))
	ic.assertNoType(t, "error")
	if got := rm.Status(); got != types.StatusEnded {
		t.Fatalf("status after repeated stop = %q, want ended", got)
	}
}

func TestPauseFromIdleIsInvalidState(t *testing.T) {
	rm, _, _ := newTestRoom(t, Settings{})
	interviewer, ic := join(t, rm, types.RoleInterviewer, "ana")

	rm.HandleMessage(context.Background(), interviewer, []byte(`{"type":"session.pause"}`))

	frame := ic.waitType(t, "error", 1)
	var code string
	json.Unmarshal(frame["code"], &code)
	if code != "INVALID_STATE" {
		t.Errorf("code = %q, want INVALID_STATE", code)
	}
}

func TestSecondInterviewerRejected(t *testing.T) {
	rm, _, _ := newTestRoom(t, Settings{})
	join(t, rm, types.RoleInterviewer, "ana")

	if _, err := rm.AddClient("c2", types.RoleInterviewer, "ben", &fakeConn{}); err != ErrInterviewerPresent {
		t.Fatalf("second interviewer: err = %v, want ErrInterviewerPresent", err)
	}
}

func TestInterviewerLeaveAutoPausesRunningSession(t *testing.T) {
	rm, _, _ := newTestRoom(t, Settings{})
	interviewer, _ := join(t, rm, types.RoleInterviewer, "ana")
	_, oc := join(t, rm, types.RoleObserver, "obs")
	startSession(t, rm, interviewer)

	rm.RemoveClient(interviewer.ID)

	deadline := time.Now().Add(time.Second)
	for rm.Status() != types.StatusPaused && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := rm.Status(); got != types.StatusPaused {
		t.Fatalf("status = %q, want paused", got)
	}
	frame := oc.waitType(t, "session.status", 3) // idle, running, paused
	var status string
	json.Unmarshal(frame["status"], &status)
	if status != "paused" {
		t.Errorf("observer saw %q, want paused", status)
	}

	// The interviewer can rejoin and finds the paused session.
	_, ic2 := join(t, rm, types.RoleInterviewer, "ana")
	frame = ic2.waitType(t, "session.status", 1)
	json.Unmarshal(frame["status"], &status)
	if status != "paused" {
		t.Errorf("rejoining interviewer saw %q, want paused", status)
	}
}

// ── Coaching admission ────────────────────────────────────────────────────────

func coachingEvent(id string, conf float64) types.CoachingEvent {
	return types.CoachingEvent{
		ID:         id,
		SessionID:  "s1",
		PromptType: types.PromptFollowUp,
		PromptText: "Ask about their last renewal decision.",
		Confidence: conf,
	}
}

func TestCoachingCooldownEnforced(t *testing.T) {
	rm, fr, clk := newTestRoom(t, Settings{})
	interviewer, ic := join(t, rm, types.RoleInterviewer, "ana")
	startSession(t, rm, interviewer)

	fr.cb.OnCoachingEvent(coachingEvent("e1", 0.9))
	ic.waitType(t, "coaching.prompt", 1)

	// Second candidate inside the cooldown window is swallowed.
	clk.advance(30 * time.Second)
	fr.cb.OnCoachingEvent(coachingEvent("e2", 0.95))
	time.Sleep(50 * time.Millisecond)
	if got := len(ic.framesOfType("coaching.prompt")); got != 1 {
		t.Fatalf("prompts during cooldown = %d, want 1", got)
	}

	clk.advance(91 * time.Second)
	fr.cb.OnCoachingEvent(coachingEvent("e3", 0.9))
	ic.waitType(t, "coaching.prompt", 2)
}

func TestCoachingConfidenceFloor(t *testing.T) {
	rm, fr, _ := newTestRoom(t, Settings{})
	interviewer, ic := join(t, rm, types.RoleInterviewer, "ana")
	startSession(t, rm, interviewer)

	fr.cb.OnCoachingEvent(coachingEvent("low", 0.84))
	ic.assertNoType(t, "coaching.prompt")

	fr.cb.OnCoachingEvent(coachingEvent("high", 0.86))
	frame := ic.waitType(t, "coaching.prompt", 1)
	var event struct {
		ID string `json:"id"`
	}
	json.Unmarshal(frame["event"], &event)
	if event.ID != "high" {
		t.Errorf("admitted event = %q, want %q", event.ID, "high")
	}
}

func TestCoachingSessionCap(t *testing.T) {
	rm, fr, clk := newTestRoom(t, Settings{})
	interviewer, ic := join(t, rm, types.RoleInterviewer, "ana")
	startSession(t, rm, interviewer)

	for i := 1; i <= 3; i++ {
		fr.cb.OnCoachingEvent(coachingEvent(fmt.Sprintf("e%d", i), 0.9))
		ic.waitType(t, "coaching.prompt", i)
		clk.advance(121 * time.Second)
	}

	// Cooldown has elapsed but the session total is exhausted.
	fr.cb.OnCoachingEvent(coachingEvent("e4", 0.9))
	time.Sleep(50 * time.Millisecond)
	if got := len(ic.framesOfType("coaching.prompt")); got != 3 {
		t.Fatalf("prompts with cap hit = %d, want 3", got)
	}

	// The cap is a session total; answering a prompt does not reopen it.
	rm.HandleMessage(context.Background(), interviewer,
		[]byte(`{"type":"coaching.respond","eventId":"e1","response":"accepted"}`))
	clk.advance(121 * time.Second)
	fr.cb.OnCoachingEvent(coachingEvent("e5", 0.9))
	time.Sleep(50 * time.Millisecond)
	if got := len(ic.framesOfType("coaching.prompt")); got != 3 {
		t.Fatalf("prompts after respond = %d, want 3", got)
	}
}

func TestCoachingDismissInterviewerOnly(t *testing.T) {
	rm, fr, _ := newTestRoom(t, Settings{})
	interviewer, ic := join(t, rm, types.RoleInterviewer, "ana")
	_, oc := join(t, rm, types.RoleObserver, "obs")
	startSession(t, rm, interviewer)

	fr.cb.OnCoachingEvent(coachingEvent("e1", 0.9))
	oc.assertNoType(t, "coaching.prompt") // interviewer only

	rm.HandleMessage(context.Background(), interviewer,
		[]byte(`{"type":"coaching.respond","eventId":"e1","response":"dismissed"}`))
	frame := ic.waitType(t, "coaching.dismiss", 1)
	var id string
	json.Unmarshal(frame["eventId"], &id)
	if id != "e1" {
		t.Errorf("dismissed eventId = %q, want e1", id)
	}
	oc.assertNoType(t, "coaching.dismiss")
}

func TestCoachingCadenceTriggersPull(t *testing.T) {
	rm, fr, _ := newTestRoom(t, Settings{})
	interviewer, _ := join(t, rm, types.RoleInterviewer, "ana")
	startSession(t, rm, interviewer)

	for i := 0; i < 4; i++ {
		fr.cb.OnUtterance(types.Utterance{ID: fmt.Sprintf("u%d", i), Text: "hello", StartTime: 0, EndTime: 1000})
	}
	if got := fr.coachingCount(); got != 0 {
		t.Fatalf("pulls after 4 utterances = %d, want 0", got)
	}
	fr.cb.OnUtterance(types.Utterance{ID: "u5", Text: "hello", StartTime: 0, EndTime: 1000})
	if got := fr.coachingCount(); got != 1 {
		t.Fatalf("pulls after 5th utterance = %d, want 1", got)
	}
}

// ── Talk-time ─────────────────────────────────────────────────────────────────

func TestTalkTimeRatioGrading(t *testing.T) {
	rm, fr, _ := newTestRoom(t, Settings{})
	interviewer, ic := join(t, rm, types.RoleInterviewer, "ana")
	startSession(t, rm, interviewer)

	// Interviewer 25 s (default speaker hint), participant 75 s.
	fr.cb.OnUtterance(types.Utterance{ID: "u1", Text: "tell me more", StartTime: 0, EndTime: 25_000})
	rm.HandleMessage(context.Background(), interviewer, []byte(`{"type":"speaker.toggle"}`))
	fr.cb.OnUtterance(types.Utterance{ID: "u2", Text: "well it started", StartTime: 0, EndTime: 75_000})

	frame := ic.waitType(t, "analysis.talktime", 2)
	var ratio types.TalkTimeRatio
	json.Unmarshal(frame["ratio"], &ratio)
	if ratio.Interviewer != 25 || ratio.Participant != 75 || ratio.Status != types.TalkTimeGood {
		t.Fatalf("ratio = %+v, want 25/75 good", ratio)
	}

	// Interviewer talks 50 more seconds: 75/150 = 50%, warning.
	rm.HandleMessage(context.Background(), interviewer, []byte(`{"type":"speaker.toggle"}`))
	fr.cb.OnUtterance(types.Utterance{ID: "u3", Text: "so in my view", StartTime: 0, EndTime: 50_000})
	frame = ic.waitType(t, "analysis.talktime", 3)
	json.Unmarshal(frame["ratio"], &ratio)
	if ratio.Interviewer != 50 || ratio.Status != types.TalkTimeWarning {
		t.Fatalf("ratio = %+v, want 50%% warning", ratio)
	}

	// And 150 more: 225/300 = 75%, over_talking.
	fr.cb.OnUtterance(types.Utterance{ID: "u4", Text: "and furthermore", StartTime: 0, EndTime: 150_000})
	frame = ic.waitType(t, "analysis.talktime", 4)
	json.Unmarshal(frame["ratio"], &ratio)
	if ratio.Interviewer != 75 || ratio.Status != types.TalkTimeOverTalking {
		t.Fatalf("ratio = %+v, want 75%% over_talking", ratio)
	}
}

// ── Transcripts and speaker attribution ───────────────────────────────────────

func TestRelayUtteranceAttributedBySpeakerHint(t *testing.T) {
	rm, fr, _ := newTestRoom(t, Settings{})
	interviewer, ic := join(t, rm, types.RoleInterviewer, "ana")
	startSession(t, rm, interviewer)

	fr.cb.OnUtteranceUpdate("utt_s1_0", "so wh")
	frame := ic.waitType(t, "transcript.update", 1)
	var text string
	json.Unmarshal(frame["text"], &text)
	if text != "so wh" {
		t.Errorf("partial text = %q", text)
	}

	rm.HandleMessage(context.Background(), interviewer, []byte(`{"type":"speaker.toggle"}`))
	fr.cb.OnUtterance(types.Utterance{
		ID: "utt_s1_0", SessionID: "s1", Speaker: types.SpeakerParticipant,
		Text: "so what happened", StartTime: 0, EndTime: 2000,
	})
	frame = ic.waitType(t, "transcript.finalized", 1)
	var u types.Utterance
	json.Unmarshal(frame["utterance"], &u)
	if u.Speaker != types.SpeakerParticipant {
		t.Errorf("speaker = %q, want participant after toggle", u.Speaker)
	}
	if u.ID != "utt_s1_0" {
		t.Errorf("id = %q", u.ID)
	}
}

// ── Topic coverage ────────────────────────────────────────────────────────────

func TestTopicCoverageFromUtterances(t *testing.T) {
	rm, fr, _ := newTestRoom(t, Settings{Topics: []string{"pricing", "renewal process"}})
	interviewer, ic := join(t, rm, types.RoleInterviewer, "ana")
	startSession(t, rm, interviewer)

	// Join delivers the initial not_covered snapshot.
	ic.waitType(t, "analysis.topic", 2)

	fr.cb.OnUtterance(types.Utterance{ID: "u1", Text: "let's talk about pricing now", StartTime: 0, EndTime: 1000})
	frame := ic.waitType(t, "analysis.topic", 3)
	var u types.TopicUpdate
	json.Unmarshal(frame["topic"], &u)
	if u.TopicName != "pricing" || u.Status != types.TopicCovered {
		t.Fatalf("topic = %+v, want pricing covered", u)
	}

	// Mentioning only one word of a two-word topic is partial.
	fr.cb.OnUtterance(types.Utterance{ID: "u2", Text: "how does renewal work", StartTime: 0, EndTime: 1000})
	frame = ic.waitType(t, "analysis.topic", 4)
	json.Unmarshal(frame["topic"], &u)
	if u.TopicName != "renewal process" || u.Status != types.TopicPartial {
		t.Fatalf("topic = %+v, want renewal process partial", u)
	}
}

func TestManualTopicUpdateWins(t *testing.T) {
	rm, fr, _ := newTestRoom(t, Settings{Topics: []string{"pricing"}})
	interviewer, ic := join(t, rm, types.RoleInterviewer, "ana")
	startSession(t, rm, interviewer)

	rm.HandleMessage(context.Background(), interviewer,
		[]byte(`{"type":"topic.update","topicName":"pricing","status":"covered"}`))
	frame := ic.waitType(t, "analysis.topic", 2)
	var u types.TopicUpdate
	json.Unmarshal(frame["topic"], &u)
	if u.Status != types.TopicCovered {
		t.Fatalf("topic = %+v, want covered", u)
	}

	// A later mention must not re-announce or downgrade it.
	fr.cb.OnUtterance(types.Utterance{ID: "u1", Text: "pricing pricing", StartTime: 0, EndTime: 1000})
	time.Sleep(50 * time.Millisecond)
	if got := len(ic.framesOfType("analysis.topic")); got != 2 {
		t.Fatalf("topic frames = %d, want 2", got)
	}
}

// ── Observer privileges ───────────────────────────────────────────────────────

func TestObserverCannotControlSession(t *testing.T) {
	rm, _, _ := newTestRoom(t, Settings{})
	observer, oc := join(t, rm, types.RoleObserver, "obs")

	for i, raw := range []string{
		`{"type":"session.start","useLocalMic":true}`,
		`{"type":"coaching.pull"}`,
		`{"type":"topic.update","topicName":"x","status":"covered"}`,
		`{"type":"speaker.toggle"}`,
	} {
		rm.HandleMessage(context.Background(), observer, []byte(raw))
		frame := oc.waitType(t, "session.error", i+1)
		var code string
		json.Unmarshal(frame["code"], &code)
		if code != "UNAUTHORIZED" {
			t.Errorf("message %d: code = %q, want UNAUTHORIZED", i, code)
		}
	}
	if got := rm.Status(); got != types.StatusIdle {
		t.Errorf("status = %q, want idle", got)
	}
}

func TestObserverAudioDroppedSilently(t *testing.T) {
	rm, fr, _ := newTestRoom(t, Settings{})
	interviewer, _ := join(t, rm, types.RoleInterviewer, "ana")
	observer, oc := join(t, rm, types.RoleObserver, "obs")
	startSession(t, rm, interviewer)

	rm.HandleMessage(context.Background(), observer, []byte(`{"type":"audio.chunk","data":"AAAA"}`))

	oc.assertNoType(t, "session.error")
	oc.assertNoType(t, "error")
	fr.mu.Lock()
	relayed := fr.audioFrames
	fr.mu.Unlock()
	if relayed != 0 {
		t.Errorf("observer audio reached the relay: %d frames", relayed)
	}
}

func TestObserverCommentBroadcastToAll(t *testing.T) {
	rm, _, _ := newTestRoom(t, Settings{})
	_, ic := join(t, rm, types.RoleInterviewer, "ana")
	observer, oc := join(t, rm, types.RoleObserver, "obs")

	rm.HandleMessage(context.Background(), observer,
		[]byte(`{"type":"observer.comment","text":"great question","timestamp":42.5}`))

	for _, fc := range []*fakeConn{ic, oc} {
		frame := fc.waitType(t, "observer.comment", 1)
		var c types.ObserverComment
		json.Unmarshal(frame["comment"], &c)
		if c.Text != "great question" || c.AuthorName != "obs" || c.Timestamp != 42.5 {
			t.Errorf("comment = %+v", c)
		}
		if c.ID == "" || c.CreatedAt == "" {
			t.Errorf("comment not stamped: %+v", c)
		}
	}
}

func TestObserverQuestionGoesToInterviewerOnly(t *testing.T) {
	rm, _, _ := newTestRoom(t, Settings{})
	_, ic := join(t, rm, types.RoleInterviewer, "ana")
	observer, oc := join(t, rm, types.RoleObserver, "obs")
	_, oc2 := join(t, rm, types.RoleObserver, "obs2")

	rm.HandleMessage(context.Background(), observer,
		[]byte(`{"type":"observer.question","text":"ask about churn?"}`))

	frame := ic.waitType(t, "observer.question", 1)
	var q, from string
	json.Unmarshal(frame["question"], &q)
	json.Unmarshal(frame["from"], &from)
	if q != "ask about churn?" || from != "obs" {
		t.Errorf("question = %q from %q", q, from)
	}
	oc.assertNoType(t, "observer.question")
	oc2.assertNoType(t, "observer.question")
}

func TestObserverQuestionFallsBackToGenericName(t *testing.T) {
	rm, _, _ := newTestRoom(t, Settings{})
	_, ic := join(t, rm, types.RoleInterviewer, "ana")
	observer, _ := join(t, rm, types.RoleObserver, "")

	rm.HandleMessage(context.Background(), observer,
		[]byte(`{"type":"observer.question","text":"ask about churn?"}`))

	frame := ic.waitType(t, "observer.question", 1)
	var from string
	json.Unmarshal(frame["from"], &from)
	if from != "Observer" {
		t.Errorf("from = %q, want Observer", from)
	}
}

func TestObserverCountBroadcast(t *testing.T) {
	rm, _, _ := newTestRoom(t, Settings{})
	_, ic := join(t, rm, types.RoleInterviewer, "ana")
	_, _ = join(t, rm, types.RoleObserver, "obs1")
	obs2, _ := join(t, rm, types.RoleObserver, "obs2")

	frame := ic.waitType(t, "observer.count", 3)
	var n int
	json.Unmarshal(frame["count"], &n)
	if n != 2 {
		t.Fatalf("observer count = %d, want 2", n)
	}

	rm.RemoveClient(obs2.ID)
	frame = ic.waitType(t, "observer.count", 4)
	json.Unmarshal(frame["count"], &n)
	if n != 1 {
		t.Fatalf("observer count after leave = %d, want 1", n)
	}
}

// ── Protocol errors ───────────────────────────────────────────────────────────

func TestMalformedAndUnknownMessages(t *testing.T) {
	rm, _, _ := newTestRoom(t, Settings{})
	interviewer, ic := join(t, rm, types.RoleInterviewer, "ana")

	rm.HandleMessage(context.Background(), interviewer, []byte(`{not json`))
	frame := ic.waitType(t, "error", 1)
	var code string
	json.Unmarshal(frame["code"], &code)
	if code != "INVALID_MESSAGE" {
		t.Errorf("malformed: code = %q, want INVALID_MESSAGE", code)
	}

	rm.HandleMessage(context.Background(), interviewer, []byte(`{"type":"session.levitate"}`))
	frame = ic.waitType(t, "error", 2)
	json.Unmarshal(frame["code"], &code)
	if code != "UNKNOWN_MESSAGE" {
		t.Errorf("unknown type: code = %q, want UNKNOWN_MESSAGE", code)
	}
}

// ── Relay failures ────────────────────────────────────────────────────────────

func TestRelayConnectFailureSurfaced(t *testing.T) {
	rm, fr, _ := newTestRoom(t, Settings{})
	fr.connectErr = fmt.Errorf("wrapped: %w", relay.ErrConnectTimeout)
	interviewer, ic := join(t, rm, types.RoleInterviewer, "ana")

	rm.HandleMessage(context.Background(), interviewer, []byte(`{"type":"session.start","useLocalMic":true}`))
	if got := rm.Status(); got != types.StatusReady {
		t.Fatalf("status after failed start = %q, want ready", got)
	}

	frame := ic.waitType(t, "session.error", 1)
	var code string
	json.Unmarshal(frame["code"], &code)
	if code != "CONNECT_TIMEOUT" {
		t.Errorf("code = %q, want CONNECT_TIMEOUT", code)
	}
}

func TestRelayRuntimeErrorBroadcast(t *testing.T) {
	rm, fr, _ := newTestRoom(t, Settings{})
	interviewer, ic := join(t, rm, types.RoleInterviewer, "ana")
	startSession(t, rm, interviewer)

	fr.cb.OnError(fmt.Errorf("relay: service error: model overloaded"))
	frame := ic.waitType(t, "session.error", 1)
	var code string
	json.Unmarshal(frame["code"], &code)
	if code != "OPENAI_ERROR" {
		t.Errorf("code = %q, want OPENAI_ERROR", code)
	}
}

// ── Meeting bot ingress ───────────────────────────────────────────────────────

func TestBotLifecycleEvents(t *testing.T) {
	rm, fr, _ := newTestRoom(t, Settings{})
	interviewer, ic := join(t, rm, types.RoleInterviewer, "ana")
	startSession(t, rm, interviewer)

	rm.BotLeft()
	if got := rm.Status(); got != types.StatusEnding {
		t.Fatalf("status after bot left = %q, want ending", got)
	}
	rm.BotMediaDone()
	if got := rm.Status(); got != types.StatusEnded {
		t.Fatalf("status after media done = %q, want ended", got)
	}
	if !fr.isClosed() {
		t.Error("relay not closed after media done")
	}
	ic.waitType(t, "session.status", 4) // idle, running, ending, ended
}

func TestBotFatalBroadcastsErrorAndEnds(t *testing.T) {
	rm, fr, _ := newTestRoom(t, Settings{})
	interviewer, ic := join(t, rm, types.RoleInterviewer, "ana")
	startSession(t, rm, interviewer)

	rm.BotFatal("bot was denied entry to the meeting")

	frame := ic.waitType(t, "session.error", 1)
	var code string
	json.Unmarshal(frame["code"], &code)
	if code != "RECALL_BOT_FATAL" {
		t.Errorf("code = %q, want RECALL_BOT_FATAL", code)
	}
	if got := rm.Status(); got != types.StatusEnded {
		t.Errorf("status = %q, want ended", got)
	}
	if !fr.isClosed() {
		t.Error("relay not closed")
	}
}

func TestBotTranscriptForgedUtterance(t *testing.T) {
	rm, fr, _ := newTestRoom(t, Settings{})
	interviewer, ic := join(t, rm, types.RoleInterviewer, "ana")
	startSession(t, rm, interviewer)

	rm.IngestBotTranscript(types.SpeakerParticipant, "we migrated last spring", 1000, 4000)

	frame := ic.waitType(t, "transcript.utterance", 1)
	var u types.Utterance
	json.Unmarshal(frame["utterance"], &u)
	if u.ID != "utt_s1_bot_1" {
		t.Errorf("id = %q, want utt_s1_bot_1", u.ID)
	}
	if u.Speaker != types.SpeakerParticipant || u.Text != "we migrated last spring" {
		t.Errorf("utterance = %+v", u)
	}
	ic.waitType(t, "analysis.talktime", 1)

	// Bot transcripts do not advance the coaching cadence counter.
	for i := 0; i < 5; i++ {
		rm.IngestBotTranscript(types.SpeakerParticipant, "more detail", 0, 1000)
	}
	if got := fr.coachingCount(); got != 0 {
		t.Errorf("coaching pulls from bot transcripts = %d, want 0", got)
	}
}
