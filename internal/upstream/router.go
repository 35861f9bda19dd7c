package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// AttemptObserver receives the outcome of every upstream attempt, for
// metrics. Optional.
type AttemptObserver func(endpoint, outcome string, d time.Duration)

// Router dispatches requests across the pool with failover: connection
// errors and 5xx replies move on to the next endpoint, 4xx replies are
// returned to the caller unchanged since retrying the same bad request
// elsewhere cannot help.
type Router struct {
	pool        *Pool
	client      *Client
	maxAttempts int
	log         *slog.Logger
	observe     AttemptObserver
}

// NewRouter creates a Router. maxAttempts caps endpoint tries per request;
// zero means one try per configured endpoint.
func NewRouter(pool *Pool, client *Client, maxAttempts int, log *slog.Logger, observe AttemptObserver) *Router {
	if maxAttempts <= 0 {
		maxAttempts = len(pool.Endpoints())
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		pool:        pool,
		client:      client,
		maxAttempts: maxAttempts,
		log:         log,
		observe:     observe,
	}
}

// Result is a completed non-streaming dispatch.
type Result struct {
	Endpoint string
	Response *Response
}

// StreamResult is an opened streaming dispatch. The reader is live; the
// caller owns its lifecycle.
type StreamResult struct {
	Endpoint string
	Stream   *StreamReader
}

// Do dispatches a non-streaming request with failover.
func (r *Router) Do(ctx context.Context, path string, body []byte) (*Result, error) {
	var out *Result
	err := r.dispatch(ctx, path, func(e *Endpoint) error {
		resp, err := r.client.Post(ctx, e, path, body)
		if err != nil {
			return err
		}
		out = &Result{Endpoint: e.Name, Response: resp}
		return nil
	})
	return out, err
}

// OpenStream dispatches a streaming request with failover. Failover applies
// only until the stream opens; after the first byte the request is committed
// to that endpoint.
func (r *Router) OpenStream(ctx context.Context, path string, body []byte) (*StreamResult, error) {
	var out *StreamResult
	err := r.dispatch(ctx, path, func(e *Endpoint) error {
		sr, err := r.client.Stream(ctx, e, path, body)
		if err != nil {
			return err
		}
		out = &StreamResult{Endpoint: e.Name, Stream: sr}
		return nil
	})
	return out, err
}

func (r *Router) dispatch(ctx context.Context, path string, try func(*Endpoint) error) error {
	var lastErr error
	tried := make(map[string]int)

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			break
		}

		e, err := r.pool.Pick()
		if err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w: last error: %w", ErrNoEndpoints, lastErr)
			}
			return err
		}
		// A suspected-only pool keeps returning the same endpoint; hammering
		// it twice in one request buys nothing.
		if tried[e.Name] > 0 && len(tried) == 1 && attempt > 0 {
			onlyCandidate := true
			for _, other := range r.pool.Endpoints() {
				if other.Name != e.Name && other.State() != StateDead {
					onlyCandidate = false
					break
				}
			}
			if onlyCandidate {
				break
			}
		}
		tried[e.Name]++

		start := time.Now()
		err = try(e)
		dur := time.Since(start)

		if err == nil {
			r.pool.ReportSuccess(e)
			r.observeAttempt(e.Name, "success", dur)
			return nil
		}

		reason := classifyError(err)
		r.observeAttempt(e.Name, reason, dur)

		// 4xx: the endpoint is fine, the request is not.
		var ue *Error
		if errors.As(err, &ue) && ue.StatusCode >= 400 && ue.StatusCode < 500 {
			r.pool.ReportSuccess(e)
			return err
		}

		r.pool.ReportFailure(e)
		r.log.Warn("upstream_attempt_failed",
			slog.String("endpoint", e.Name),
			slog.String("path", path),
			slog.String("reason", reason),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)
		lastErr = err
	}

	if lastErr == nil {
		lastErr = ErrNoEndpoints
	}
	return fmt.Errorf("upstream: all attempts failed: %w", lastErr)
}

func (r *Router) observeAttempt(endpoint, outcome string, d time.Duration) {
	if r.observe != nil {
		r.observe(endpoint, outcome, d)
	}
}

// classifyError converts an error into a short category string used in log
// fields and metrics labels.
func classifyError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var ue *Error
	if errors.As(err, &ue) {
		return fmt.Sprintf("http_%d", ue.StatusCode)
	}
	return "connection"
}
