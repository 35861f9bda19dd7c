// Package pricing computes request costs from token counts and model prices.
//
// All money is integer micro-credits (the smallest billing unit). Prices are
// micro-credits per million tokens, so a price of 250_000 reads as "$0.25 per
// million tokens" when one credit is one dollar. Integer math keeps every
// cost reproducible from a usage row alone.
package pricing

import (
	"github.com/tokengate/gateway/internal/store"
)

const perMillion = 1_000_000

// roundHalfUpDiv divides n by one million, rounding half up.
// Inputs are never negative: token counts and prices are unsigned by
// construction.
func roundHalfUpDiv(n int64) int64 {
	return (n + perMillion/2) / perMillion
}

// Cost returns the cost in micro-credits of a request that consumed
// promptTokens and produced completionTokens under the model's pricing.
func Cost(promptTokens, completionTokens int, m *store.Model) int64 {
	in := roundHalfUpDiv(int64(promptTokens) * m.InputPriceMicro)
	out := roundHalfUpDiv(int64(completionTokens) * m.OutputPriceMicro)
	return in + out
}

// EstimateMaxCost returns the reservation ceiling for a request: the cost it
// would have if the prompt estimate is exact and the model produces the full
// completion budget. Uses the same rounding as Cost so that a request whose
// actual token counts match the estimate settles for exactly the reserved
// amount.
func EstimateMaxCost(promptTokensEstimate, maxCompletionTokens int, m *store.Model) int64 {
	return Cost(promptTokensEstimate, maxCompletionTokens, m)
}

// EstimateTokens estimates the token count of a text using the ~4 characters
// per token heuristic. Minimum 1 for non-empty text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// EstimatePromptTokens estimates prompt tokens for a set of message contents.
func EstimatePromptTokens(contents []string) int {
	total := 0
	for _, c := range contents {
		total += len(c)
	}
	if total == 0 {
		return 0
	}
	n := total / 4
	if n == 0 {
		n = 1
	}
	return n
}
