package meter

import (
	"testing"

	"github.com/tokengate/gateway/internal/store"
	"github.com/tokengate/gateway/internal/upstream"
)

func testModel() *store.Model {
	return &store.Model{
		Name:             "test-model",
		InternalName:     "test-model-internal",
		InputPriceMicro:  250_000,
		OutputPriceMicro: 500_000,
		Active:           true,
	}
}

func contentChunk(s string) upstream.Chunk {
	return upstream.Chunk{Content: s}
}

func TestFinalize_PrefersUsageBlock(t *testing.T) {
	m := New(testModel(), 999) // estimate deliberately wrong

	for i := 0; i < 10; i++ {
		m.ObserveChunk(contentChunk("tok"))
	}
	m.ObserveChunk(upstream.Chunk{Usage: &upstream.Usage{PromptTokens: 50, CompletionTokens: 50}})

	res := m.Finalize(false)
	if res.PromptTokens != 50 || res.CompletionTokens != 50 {
		t.Errorf("counts: got (%d, %d) want (50, 50)", res.PromptTokens, res.CompletionTokens)
	}
	if res.Estimated {
		t.Error("result with a usage block must not be marked estimated")
	}
	if res.Cost != 38 {
		t.Errorf("cost: got %d want 38", res.Cost)
	}
}

func TestFinalize_DisconnectBillsObservedChunks(t *testing.T) {
	// Client drops after 10 of an eventual 100 chunks; no usage block ever
	// arrives.
	m := New(testModel(), 50)
	for i := 0; i < 10; i++ {
		m.ObserveChunk(contentChunk("tok"))
	}

	res := m.Finalize(true)
	if res.CompletionTokens != 10 {
		t.Errorf("completion tokens: got %d want 10", res.CompletionTokens)
	}
	if res.PromptTokens != 50 {
		t.Errorf("prompt tokens fall back to the estimate: got %d want 50", res.PromptTokens)
	}
	if !res.Estimated || !res.Aborted {
		t.Errorf("flags: estimated=%v aborted=%v, want both true", res.Estimated, res.Aborted)
	}
	// 50*250000/1e6 = 12.5 → 13; 10*500000/1e6 = 5.
	if res.Cost != 18 {
		t.Errorf("cost: got %d want 18", res.Cost)
	}
}

func TestObserveChunk_IgnoresNonContentChunks(t *testing.T) {
	m := New(testModel(), 5)
	m.ObserveChunk(upstream.Chunk{}) // role chunk
	m.ObserveChunk(contentChunk("a"))
	m.ObserveChunk(upstream.Chunk{}) // finish chunk
	m.ObserveChunk(upstream.Chunk{Done: true})

	res := m.Finalize(false)
	if res.CompletionTokens != 1 {
		t.Errorf("completion tokens: got %d want 1", res.CompletionTokens)
	}
}

func TestObserveUsage_NonStreaming(t *testing.T) {
	m := New(testModel(), 5)
	m.ObserveUsage(upstream.Usage{PromptTokens: 7, CompletionTokens: 3})

	res := m.Finalize(false)
	if res.PromptTokens != 7 || res.CompletionTokens != 3 {
		t.Errorf("counts: got (%d, %d) want (7, 3)", res.PromptTokens, res.CompletionTokens)
	}
}

func TestFinalize_NoOutputNoUsage(t *testing.T) {
	m := New(testModel(), 20)
	res := m.Finalize(true)
	if res.CompletionTokens != 0 {
		t.Errorf("completion tokens: got %d want 0", res.CompletionTokens)
	}
	// Prompt was still processed by the upstream.
	if res.PromptTokens != 20 {
		t.Errorf("prompt tokens: got %d want 20", res.PromptTokens)
	}
}

func TestCompletionTokensSoFar(t *testing.T) {
	m := New(testModel(), 5)
	m.ObserveChunk(contentChunk("a"))
	m.ObserveChunk(contentChunk("b"))
	if got := m.CompletionTokensSoFar(); got != 2 {
		t.Errorf("so far: got %d want 2", got)
	}
	m.ObserveChunk(upstream.Chunk{Usage: &upstream.Usage{CompletionTokens: 9}})
	if got := m.CompletionTokensSoFar(); got != 9 {
		t.Errorf("usage block should take over: got %d want 9", got)
	}
}
