// Package meter counts billable tokens while a response is relayed.
//
// The authoritative counts come from the usage block upstreams append to the
// final stream chunk. When a stream is cut before that block arrives — client
// disconnect, upstream death — the meter falls back to what it observed:
// one completion token per content chunk relayed, plus the prompt estimate
// made at reservation time. Partial output is paid output.
package meter

import (
	"github.com/tokengate/gateway/internal/pricing"
	"github.com/tokengate/gateway/internal/store"
	"github.com/tokengate/gateway/internal/upstream"
)

// Result is the final token accounting for one request.
type Result struct {
	PromptTokens     int
	CompletionTokens int
	Cost             int64 // micro-credits
	Estimated        bool  // true when the usage block never arrived
	Aborted          bool  // true when the stream ended early
}

// Meter accumulates token counts for a single request. Not safe for
// concurrent use; the relay loop owns it.
type Meter struct {
	model *store.Model

	promptEstimate int
	contentChunks  int
	usage          *upstream.Usage
}

// New creates a Meter. promptEstimate is the reservation-time prompt token
// estimate, used when the upstream reports no usage.
func New(model *store.Model, promptEstimate int) *Meter {
	return &Meter{model: model, promptEstimate: promptEstimate}
}

// ObserveChunk records one relayed stream chunk. Chunks carrying content
// count as one completion token each; role and finish chunks do not.
func (m *Meter) ObserveChunk(c upstream.Chunk) {
	if c.Content != "" {
		m.contentChunks++
	}
	if c.Usage != nil {
		m.usage = c.Usage
	}
}

// ObserveUsage records a usage block from a non-streaming response.
func (m *Meter) ObserveUsage(u upstream.Usage) {
	m.usage = &u
}

// CompletionTokensSoFar returns the running completion count, for logging.
func (m *Meter) CompletionTokensSoFar() int {
	if m.usage != nil {
		return m.usage.CompletionTokens
	}
	return m.contentChunks
}

// Finalize closes the meter and prices what was observed. aborted marks
// streams that ended before completion; billing still covers every token
// delivered up to that point.
func (m *Meter) Finalize(aborted bool) Result {
	res := Result{Aborted: aborted}

	if m.usage != nil {
		res.PromptTokens = m.usage.PromptTokens
		res.CompletionTokens = m.usage.CompletionTokens
	} else {
		res.PromptTokens = m.promptEstimate
		res.CompletionTokens = m.contentChunks
		res.Estimated = true
	}

	res.Cost = pricing.Cost(res.PromptTokens, res.CompletionTokens, m.model)
	return res
}
