package relay

import (
	"fmt"
	"strings"
)

// coachingInstructions builds the silence-first system prompt for the
// Realtime session. The model hears the participant's side of a live
// interview and may only interject with a high-confidence, strictly
// formatted coaching suggestion; the preferred output is silence.
func coachingInstructions(topics []string, culturalContext string) string {
	var b strings.Builder

	b.WriteString(`You are a silent coach observing a live research interview. ` +
		`You hear the participant's audio and see the running transcript. ` +
		`Your default action is to stay silent.

Only when you are highly confident a suggestion would materially improve ` +
		`the interview, respond with a single JSON object:

{"type":"coaching","promptType":"FOLLOW_UP|PROBE_DEEPER|TOPIC_GAP|LEADING_ALERT|SILENCE_OK|RAPPORT","promptText":"<one short sentence for the interviewer>","confidence":<0.0-1.0>,"explanation":"<optional, why>"}

If you have nothing worth saying, respond with {"type":"silence"}. ` +
		`Never respond with prose. Keep promptText under 120 characters. ` +
		`Report your real confidence; low-value suggestions must carry low confidence.`)

	if len(topics) > 0 {
		b.WriteString("\n\nThe interviewer intends to cover these topics:\n")
		for _, t := range topics {
			fmt.Fprintf(&b, "- %s\n", t)
		}
		b.WriteString("Use TOPIC_GAP when the conversation is drifting past an uncovered topic.")
	}

	if culturalContext != "" {
		fmt.Fprintf(&b, "\n\nCultural context for this conversation: %s", culturalContext)
	}

	return b.String()
}

// pullInstructions is the directive sent with an on-demand coaching
// request (response.create). The model may still decline with a
// silence object.
const pullInstructions = `Analyze the most recent exchanges of the interview now. ` +
	`If a coaching suggestion is warranted, emit the coaching JSON object; ` +
	`otherwise emit {"type":"coaching","promptType":"SILENCE_OK","promptText":"Let the silence breathe.","confidence":0.3}.`
