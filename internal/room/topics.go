package room

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/parleyhq/parley/pkg/types"
)

// Token similarity thresholds for coverage detection. A spoken word
// counts as a mention of a topic token when it is either very close by
// Jaro-Winkler or phonetically identical and reasonably close.
const (
	topicStrongSimilarity   = 0.92
	topicPhoneticSimilarity = 0.80
)

// topicTracker derives interview topic coverage from finalized
// utterances. Manual updates from the interviewer always win over
// derived ones: a manually set status is never downgraded by matching.
// Not safe for concurrent use; the owning room serializes access.
type topicTracker struct {
	order  []string
	status map[string]types.TopicStatus
	manual map[string]bool
}

func newTopicTracker(names []string) *topicTracker {
	t := &topicTracker{
		status: make(map[string]types.TopicStatus, len(names)),
		manual: make(map[string]bool),
	}
	for _, n := range names {
		t.add(n)
	}
	return t
}

func (t *topicTracker) add(name string) {
	if _, ok := t.status[name]; ok {
		return
	}
	t.order = append(t.order, name)
	t.status[name] = types.TopicNotCovered
}

// setManual applies an interviewer-issued topic.update. Unknown names
// are created on first update. Always reports the resulting state.
func (t *topicTracker) setManual(name string, status types.TopicStatus) types.TopicUpdate {
	t.add(name)
	t.status[name] = status
	t.manual[name] = true
	return types.TopicUpdate{TopicName: name, Status: status}
}

// observe scans one utterance for topic mentions and advances coverage:
// a partial mention moves not_covered→partial, a full mention moves any
// derived state to covered. Returns the updates for topics that
// changed.
func (t *topicTracker) observe(text string) []types.TopicUpdate {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return nil
	}

	var changed []types.TopicUpdate
	for _, name := range t.order {
		if t.manual[name] || t.status[name] == types.TopicCovered {
			continue
		}

		matched, total := 0, 0
		for _, token := range strings.Fields(strings.ToLower(name)) {
			total++
			if mentions(words, token) {
				matched++
			}
		}
		if total == 0 || matched == 0 {
			continue
		}

		next := types.TopicPartial
		if matched == total {
			next = types.TopicCovered
		}
		if next == t.status[name] {
			continue
		}
		t.status[name] = next
		changed = append(changed, types.TopicUpdate{TopicName: name, Status: next})
	}
	return changed
}

// snapshot returns the current state of every topic in insertion order.
func (t *topicTracker) snapshot() []types.TopicUpdate {
	out := make([]types.TopicUpdate, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, types.TopicUpdate{TopicName: name, Status: t.status[name]})
	}
	return out
}

// mentions reports whether any spoken word matches the topic token,
// either nearly verbatim or phonetically.
func mentions(words []string, token string) bool {
	tp, ts := matchr.DoubleMetaphone(token)
	for _, w := range words {
		if w == token {
			return true
		}
		score := matchr.JaroWinkler(w, token, false)
		if score >= topicStrongSimilarity {
			return true
		}
		wp, ws := matchr.DoubleMetaphone(w)
		if wp != "" && (wp == tp || wp == ts || (ws != "" && (ws == tp || ws == ts))) &&
			score >= topicPhoneticSimilarity {
			return true
		}
	}
	return false
}
