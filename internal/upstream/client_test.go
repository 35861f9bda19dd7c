package upstream

import (
	"io"
	"testing"
	"time"
)

// A relay that gives up on a stream stops draining Chunks. Close must still
// let the parser goroutine finish, even with the channel buffer full and a
// send pending.
func TestStreamReader_CloseUnblocksAbandonedParser(t *testing.T) {
	pr, pw := io.Pipe()
	sr := &StreamReader{
		body:   pr,
		chunks: make(chan Chunk, 2),
		done:   make(chan struct{}),
	}
	exited := make(chan struct{})
	go func() {
		sr.run()
		close(exited)
	}()

	// Feed events until the pipe is closed; far more than the buffer holds.
	go func() {
		for {
			if _, err := io.WriteString(pw, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n"); err != nil {
				return
			}
		}
	}()

	// Read one chunk, then abandon the stream the way a disconnected relay
	// does: Close without draining.
	<-sr.Chunks()
	if err := sr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = sr.Close() // idempotent

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("parser goroutine still running after Close")
	}
}
