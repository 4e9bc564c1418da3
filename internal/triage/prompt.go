package triage

import (
	"fmt"
	"strings"
)

// buildSystemPrompt describes the three judgments, the bias toward uncertain
// and the exact JSON shape the judge must return.
func buildSystemPrompt() string {
	return `You triage chat messages that mention the user and decide whether each one asks the user to do something.

Classify the message into exactly one judgment:
- "actionable": only when the message is an unambiguous request, instruction, or request for confirmation addressed to the user.
- "not_actionable": only when the message is an unambiguous acknowledgement or thanks with no request content at all.
- "uncertain": everything else. Any ambiguity must resolve to "uncertain". A missed request is worse than one more message to review by hand.

When the judgment is "actionable", compare the message with the open tasks listed after it and put the ids of tasks that describe the same request in "similar_task_ids". Use only ids from that list. Leave the list empty when nothing matches or when the judgment is not "actionable".

Respond with only a JSON object, no prose and no code fence:
{"judgment": "actionable" | "not_actionable" | "uncertain", "reason": "<one sentence>", "similar_task_ids": ["<task id>"]}`
}

// buildUserPrompt renders the message followed by the open task list.
// Output is deterministic for a given input.
func buildUserPrompt(in *JudgeInput, openTasks []OpenTask) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Source: %s\nSender: %s\nMessage:\n%s\n\nOpen tasks:\n", in.Source, in.SenderName, in.Body)

	if len(openTasks) == 0 {
		b.WriteString("(none)\n")
		return b.String()
	}

	for _, t := range openTasks {
		fmt.Fprintf(&b, "- id: %s\n  title: %s\n  body: %s\n", t.ID, oneLine(t.Title), oneLine(t.Body))
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
