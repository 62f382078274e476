// Package types defines the shared domain types used across all Parley
// packages.
//
// These types form the lingua franca between the speech relay, the
// session room, and the wire protocol. They are intentionally minimal —
// each package defines its own internal types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// Speaker identifies which side of the interview produced an utterance.
type Speaker string

const (
	SpeakerInterviewer Speaker = "interviewer"
	SpeakerParticipant Speaker = "participant"
)

// Utterance is a finalized transcription segment. Partial updates carry
// only (ID, text-so-far); the final form is emitted exactly once.
type Utterance struct {
	// ID is assigned by the relay from a monotonic counter scoped to
	// the session, e.g. "utt_s1_4".
	ID string `json:"id"`

	// SessionID names the owning session room.
	SessionID string `json:"sessionId"`

	// Speaker attributes the utterance.
	Speaker Speaker `json:"speaker"`

	// Text is the transcribed content.
	Text string `json:"text"`

	// StartTime and EndTime are epoch milliseconds.
	StartTime int64 `json:"startTime"`
	EndTime   int64 `json:"endTime"`

	// Confidence is the transcription confidence score (0.0–1.0).
	Confidence float64 `json:"confidence"`
}

// Duration returns the utterance length. Used for talk-time accounting.
func (u Utterance) Duration() time.Duration {
	return time.Duration(u.EndTime-u.StartTime) * time.Millisecond
}

// PromptType classifies a coaching suggestion.
type PromptType string

const (
	PromptFollowUp     PromptType = "FOLLOW_UP"
	PromptProbeDeeper  PromptType = "PROBE_DEEPER"
	PromptTopicGap     PromptType = "TOPIC_GAP"
	PromptLeadingAlert PromptType = "LEADING_ALERT"
	PromptSilenceOK    PromptType = "SILENCE_OK"
	PromptRapport      PromptType = "RAPPORT"
)

// IsValid reports whether p is a recognised prompt type.
func (p PromptType) IsValid() bool {
	switch p {
	case PromptFollowUp, PromptProbeDeeper, PromptTopicGap,
		PromptLeadingAlert, PromptSilenceOK, PromptRapport:
		return true
	}
	return false
}

// CoachingEvent is a coaching suggestion parsed from model output. It
// is a candidate until the room's admission policy accepts it.
type CoachingEvent struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"sessionId"`
	PromptType  PromptType `json:"promptType"`
	PromptText  string     `json:"promptText"`
	Confidence  float64    `json:"confidence"`
	Explanation string     `json:"explanation,omitempty"`
	DisplayedAt time.Time  `json:"displayedAt"`
}

// TopicStatus tracks how thoroughly an interview topic has been covered.
type TopicStatus string

const (
	TopicNotCovered TopicStatus = "not_covered"
	TopicPartial    TopicStatus = "partial"
	TopicCovered    TopicStatus = "covered"
)

// IsValid reports whether s is a recognised topic status.
func (s TopicStatus) IsValid() bool {
	return s == TopicNotCovered || s == TopicPartial || s == TopicCovered
}

// TopicUpdate reports a topic's coverage state. Topics are scoped to a
// room; unknown names are created on first update.
type TopicUpdate struct {
	TopicName string      `json:"topicName"`
	Status    TopicStatus `json:"status"`
}

// TalkTimeStatus grades the interviewer's share of the conversation.
type TalkTimeStatus string

const (
	TalkTimeGood        TalkTimeStatus = "good"
	TalkTimeWarning     TalkTimeStatus = "warning"
	TalkTimeOverTalking TalkTimeStatus = "over_talking"
)

// TalkTimeRatio is derived after every finalized utterance. Percentages
// are integers, rounded to nearest.
type TalkTimeRatio struct {
	Interviewer int            `json:"interviewer"`
	Participant int            `json:"participant"`
	Status      TalkTimeStatus `json:"status"`
}

// ObserverComment is a timestamped note from an observer, broadcast to
// every client in the room.
type ObserverComment struct {
	ID         string  `json:"id"`
	AuthorID   string  `json:"authorId"`
	AuthorName string  `json:"authorName"`
	Text       string  `json:"text"`
	// Timestamp is in session seconds, as reported by the client.
	Timestamp float64 `json:"timestamp"`
	// CreatedAt is wall-clock time in RFC 3339.
	CreatedAt string `json:"createdAt"`
}

// SessionStatus is the lifecycle state of a session room.
type SessionStatus string

const (
	StatusIdle    SessionStatus = "idle"
	StatusReady   SessionStatus = "ready"
	StatusRunning SessionStatus = "running"
	StatusPaused  SessionStatus = "paused"
	StatusEnding  SessionStatus = "ending"
	StatusEnded   SessionStatus = "ended"
)

// Role is the privilege level of a connected client. Exactly one
// interviewer is admitted per room; observers are unbounded.
type Role string

const (
	RoleInterviewer Role = "interviewer"
	RoleObserver    Role = "observer"
)

// IsValid reports whether r is a recognised client role.
func (r Role) IsValid() bool {
	return r == RoleInterviewer || r == RoleObserver
}
