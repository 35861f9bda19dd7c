package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const streamBufferSize = 64

// Error is a non-2xx reply from an upstream server. The body is kept so
// 4xx errors can be relayed to the client unchanged.
type Error struct {
	Endpoint   string
	StatusCode int
	Body       []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: upstream status %d", e.Endpoint, e.StatusCode)
}

func (e *Error) HTTPStatus() int { return e.StatusCode }

// Usage is the token accounting block an upstream reports.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Chunk is one server-sent event from a streaming completion. Raw holds the
// payload exactly as the upstream sent it, for verbatim relay.
type Chunk struct {
	Raw     []byte
	Content string // delta content, empty for role/finish chunks
	Usage   *Usage // non-nil only on the trailing usage chunk
	Done    bool   // the [DONE] sentinel
	Err     error  // transport error; terminal
}

// Response is a completed non-streaming upstream reply.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client sends signed requests to upstream endpoints over HTTP.
type Client struct {
	http      *http.Client
	streaming *http.Client
	signer    *Signer
}

// NewClient creates a Client. timeout bounds non-streaming requests end to
// end; streaming requests are bounded by the caller's context instead, since
// a legitimate generation can outlive any fixed response timeout.
func NewClient(signer *Signer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &Client{
		http:      &http.Client{Transport: transport, Timeout: timeout},
		streaming: &http.Client{Transport: transport},
		signer:    signer,
	}
}

func (c *Client) newRequest(ctx context.Context, e *Endpoint, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	sig, stamp := c.signer.Sign(http.MethodPost, path, body)
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderTimestamp, stamp)

	return req, nil
}

// Post sends a non-streaming request and reads the full reply. Non-2xx
// statuses return *Error with the body preserved.
func (c *Client) Post(ctx context.Context, e *Endpoint, path string, body []byte) (*Response, error) {
	req, err := c.newRequest(ctx, e, path, body)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s: %w", e.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s: read body: %w", e.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Endpoint: e.Name, StatusCode: resp.StatusCode, Body: respBody}
	}
	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// Stream sends a streaming request and returns a reader over its SSE events.
// A non-2xx status is returned as *Error before any chunk is delivered, so
// the caller can still fail over to another endpoint.
func (c *Client) Stream(ctx context.Context, e *Endpoint, path string, body []byte) (*StreamReader, error) {
	req, err := c.newRequest(ctx, e, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: generations may run for minutes. The caller's ctx
	// cancels the transfer.
	resp, err := c.streaming.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s: %w", e.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		resp.Body.Close()
		return nil, &Error{Endpoint: e.Name, StatusCode: resp.StatusCode, Body: respBody}
	}

	sr := &StreamReader{
		body:   resp.Body,
		chunks: make(chan Chunk, streamBufferSize),
		done:   make(chan struct{}),
	}
	go sr.run()
	return sr, nil
}

// StreamReader delivers parsed SSE chunks from one upstream stream.
type StreamReader struct {
	body      io.ReadCloser
	chunks    chan Chunk
	done      chan struct{}
	closeOnce sync.Once
}

// Chunks returns the event channel. It is closed after the [DONE] sentinel,
// a transport error, or Close.
func (s *StreamReader) Chunks() <-chan Chunk { return s.chunks }

// Close aborts the stream. Safe to call concurrently with reads; the parser
// goroutine exits even when the caller abandons the channel undrained.
func (s *StreamReader) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return s.body.Close()
}

// send delivers one chunk unless the stream was closed. Without the done
// case a send would park forever once the buffer fills and the consumer
// stops draining.
func (s *StreamReader) send(c Chunk) bool {
	select {
	case s.chunks <- c:
		return true
	case <-s.done:
		return false
	}
}

func (s *StreamReader) run() {
	defer close(s.chunks)
	defer s.body.Close()

	scanner := bufio.NewScanner(s.body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue // comments, event names, blank separators
		}
		payload = strings.TrimSpace(payload)

		if payload == "[DONE]" {
			s.send(Chunk{Done: true})
			return
		}
		if !s.send(parseChunk([]byte(payload))) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		s.send(Chunk{Err: err})
		return
	}
	// EOF without [DONE]: the upstream died mid-stream.
	s.send(Chunk{Err: io.ErrUnexpectedEOF})
}

// parseChunk extracts the delta content and usage block from one completion
// chunk. Unparseable payloads are relayed raw with no content attributed, so
// a single odd event cannot kill the stream.
func parseChunk(payload []byte) Chunk {
	var body struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
		Usage *Usage `json:"usage"`
	}

	chunk := Chunk{Raw: payload}
	if err := json.Unmarshal(payload, &body); err != nil {
		return chunk
	}
	if len(body.Choices) > 0 {
		chunk.Content = body.Choices[0].Delta.Content
	}
	chunk.Usage = body.Usage
	return chunk
}
