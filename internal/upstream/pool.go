// Package upstream manages the fleet of OpenAI-compatible inference servers
// behind the gateway: endpoint health tracking, HMAC request signing, and
// failover routing.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoEndpoints means every configured endpoint is dead.
var ErrNoEndpoints = errors.New("upstream: no endpoint available")

// State is an endpoint's health classification.
type State int32

const (
	// StateHealthy — in the normal rotation.
	StateHealthy State = iota
	// StateSuspected — recent failures, used only when no healthy endpoint
	// remains.
	StateSuspected
	// StateDead — too many consecutive failures; excluded from routing until
	// a background probe succeeds.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateSuspected:
		return "suspected"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Endpoint is one upstream inference server.
type Endpoint struct {
	Name    string // host label for logs and metrics
	BaseURL string // e.g. "http://gpu-node-1:8000/v1"

	mu            sync.Mutex
	state         State
	consecFails   int
	windowStart   time.Time
	lastFailureAt time.Time
}

// State returns the endpoint's current classification.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// PoolOptions tunes health tracking. Zero values use defaults.
type PoolOptions struct {
	// DeadThreshold is the consecutive-failure count that marks an endpoint
	// dead. Default: 3.
	DeadThreshold int
	// FailWindow bounds how far apart failures may be and still count as
	// consecutive. Default: 30s.
	FailWindow time.Duration
	// ProbeInterval is how often dead and suspected endpoints are probed.
	// Default: 10s.
	ProbeInterval time.Duration
	// ProbeTimeout bounds one probe request. Default: 5s.
	ProbeTimeout time.Duration
	// OnStateChange is called with every transition, for metrics. Optional.
	OnStateChange func(name string, s State)
}

// Pool tracks endpoint health and picks targets for new requests. Healthy
// endpoints rotate round-robin; when none is healthy the least-recently-failed
// suspected endpoint gets the request rather than failing outright.
type Pool struct {
	endpoints []*Endpoint
	rr        atomic.Uint64

	deadThreshold int
	failWindow    time.Duration
	probeEvery    time.Duration
	probeTimeout  time.Duration
	onStateChange func(string, State)

	httpClient *http.Client
	log        *slog.Logger
	baseCtx    context.Context

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPool creates a Pool over the given endpoints and starts the background
// prober. At least one endpoint is required.
func NewPool(ctx context.Context, endpoints []*Endpoint, log *slog.Logger, opts PoolOptions) (*Pool, error) {
	if ctx == nil {
		return nil, fmt.Errorf("upstream: context must not be nil")
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("upstream: at least one endpoint is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.DeadThreshold <= 0 {
		opts.DeadThreshold = 3
	}
	if opts.FailWindow <= 0 {
		opts.FailWindow = 30 * time.Second
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 10 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}

	p := &Pool{
		endpoints:     endpoints,
		deadThreshold: opts.DeadThreshold,
		failWindow:    opts.FailWindow,
		probeEvery:    opts.ProbeInterval,
		probeTimeout:  opts.ProbeTimeout,
		onStateChange: opts.OnStateChange,
		httpClient:    &http.Client{Timeout: opts.ProbeTimeout},
		log:           log,
		baseCtx:       ctx,
		done:          make(chan struct{}),
	}

	p.wg.Add(1)
	go p.runProber()

	return p, nil
}

// Endpoints returns the configured endpoints.
func (p *Pool) Endpoints() []*Endpoint { return p.endpoints }

// Pick returns the next endpoint to try. Healthy endpoints rotate
// round-robin; with none healthy, the suspected endpoint whose last failure
// is oldest is returned. ErrNoEndpoints when everything is dead.
func (p *Pool) Pick() (*Endpoint, error) {
	var healthy []*Endpoint
	var fallback *Endpoint
	var fallbackFailedAt time.Time

	for _, e := range p.endpoints {
		e.mu.Lock()
		st, failedAt := e.state, e.lastFailureAt
		e.mu.Unlock()

		switch st {
		case StateHealthy:
			healthy = append(healthy, e)
		case StateSuspected:
			if fallback == nil || failedAt.Before(fallbackFailedAt) {
				fallback = e
				fallbackFailedAt = failedAt
			}
		}
	}

	if len(healthy) > 0 {
		n := p.rr.Add(1)
		return healthy[(n-1)%uint64(len(healthy))], nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrNoEndpoints
}

// ReportSuccess resets the endpoint to healthy.
func (p *Pool) ReportSuccess(e *Endpoint) {
	e.mu.Lock()
	prev := e.state
	e.state = StateHealthy
	e.consecFails = 0
	e.mu.Unlock()

	if prev != StateHealthy {
		p.stateChanged(e, prev, StateHealthy)
	}
}

// ReportFailure records one failed attempt. The first failure moves a healthy
// endpoint to suspected; deadThreshold consecutive failures inside the
// failure window move it to dead. A failure outside the window restarts the
// count rather than compounding stale history.
func (p *Pool) ReportFailure(e *Endpoint) {
	now := time.Now()

	e.mu.Lock()
	prev := e.state

	if e.consecFails == 0 || now.Sub(e.windowStart) > p.failWindow {
		e.consecFails = 0
		e.windowStart = now
	}
	e.consecFails++
	e.lastFailureAt = now

	switch {
	case e.consecFails >= p.deadThreshold:
		e.state = StateDead
	case e.state == StateHealthy:
		e.state = StateSuspected
	}
	next := e.state
	e.mu.Unlock()

	if next != prev {
		p.stateChanged(e, prev, next)
	}
}

func (p *Pool) stateChanged(e *Endpoint, from, to State) {
	p.log.Warn("endpoint_state_changed",
		slog.String("endpoint", e.Name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if p.onStateChange != nil {
		p.onStateChange(e.Name, to)
	}
}

// Close stops the background prober.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
	return nil
}

func (p *Pool) runProber() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.probeEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeUnhealthy()
		case <-p.done:
			return
		}
	}
}

// probeUnhealthy checks every non-healthy endpoint in parallel. A successful
// probe returns the endpoint to the rotation.
func (p *Pool) probeUnhealthy() {
	var wg sync.WaitGroup
	for _, e := range p.endpoints {
		if e.State() == StateHealthy {
			continue
		}
		wg.Add(1)
		go func(e *Endpoint) {
			defer wg.Done()
			if err := p.probe(e); err != nil {
				p.log.Debug("endpoint_probe_failed",
					slog.String("endpoint", e.Name),
					slog.String("error", err.Error()),
				)
				return
			}
			p.ReportSuccess(e)
		}(e)
	}
	wg.Wait()
}

func (p *Pool) probe(e *Endpoint) error {
	ctx, cancel := context.WithTimeout(p.baseCtx, p.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.BaseURL+"/models", nil)
	if err != nil {
		return err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}
