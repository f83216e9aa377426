package session

import "fmt"

// Token estimation is a deliberate approximation: a fixed
// chars-per-token divisor rather than a real tokenizer. It only has to
// be conservative and monotonic, not exact — the context budget carries
// enough slack to absorb the error.
const (
	// charsPerToken is the assumed average character count per token.
	charsPerToken = 4
	// perMessageOverhead covers role tags and formatting the content
	// length alone does not capture.
	perMessageOverhead = 4
)

// EstimateTokens returns a deterministic token estimate for text:
// ceiling division of the character count by charsPerToken.
func EstimateTokens(text string) int {
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// EstimateMessageListTokens sums per-message content estimates plus a
// fixed per-message overhead.
func EstimateMessageListTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content) + perMessageOverhead
	}
	return total
}

// summaryPreamble is the synthetic user-role framing for an existing
// rolling summary, completed by an assistant acknowledgment so the
// model sees a well-formed user/assistant pair.
const (
	summaryPreambleFormat = "Here is a summary of our conversation so far:\n\n%s\n\nPlease keep this context in mind as we continue."
	summaryAckText        = "Understood. I have the conversation summary and will keep it in mind."
)

// MessagesForLLM returns the message list to send to a provider. When a
// summary exists, a two-message synthetic preamble (user summary +
// assistant acknowledgment) is prepended to the raw list; otherwise the
// raw list is returned unchanged.
func MessagesForLLM(state *State) []Message {
	if state.Summary == "" {
		return state.Messages
	}
	out := make([]Message, 0, len(state.Messages)+2)
	out = append(out,
		Message{Role: "user", Content: summaryPreamble(state.Summary)},
		Message{Role: "assistant", Content: summaryAckText},
	)
	return append(out, state.Messages...)
}

func summaryPreamble(summary string) string {
	return fmt.Sprintf(summaryPreambleFormat, summary)
}
