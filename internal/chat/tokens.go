package chat

import "strings"

// EstimateTokens approximates a token count as ceil(len/4) over the
// whitespace-normalized text. None of the backends report billed
// tokens reliably, so this is display-grade only.
func EstimateTokens(text string) int {
	n := len(Normalize(text))
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// EstimateMessages sums the per-message estimate for a request.
func EstimateMessages(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
	}
	return total
}

// Normalize collapses runs of whitespace to single spaces and trims.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
