package agent

import "github.com/opal-dev/opal/pkg/ai"

// estimateTokens approximates the token count of a message at four
// characters per token. Good enough for compaction thresholds; the real
// count comes back in usage events.
func estimateTokens(m ai.Message) int {
	n := len(m.Content) + len(m.Thinking)
	for _, tc := range m.ToolCalls {
		n += len(tc.Name) + 32
		for k, v := range tc.Arguments {
			n += len(k)
			if s, ok := v.(string); ok {
				n += len(s)
			} else {
				n += 16
			}
		}
	}
	return n/4 + 4
}

// estimatePathTokens sums estimateTokens over msgs.
func estimatePathTokens(msgs []ai.Message) int {
	total := 0
	for _, m := range msgs {
		total += estimateTokens(m)
	}
	return total
}
