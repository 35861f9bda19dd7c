// Package apikey authenticates inbound API keys against the record store.
//
// The raw secret is hashed with SHA-256 and looked up by hash — the store
// never sees a live secret. Revocation and expiry are checked at
// authentication time, so a key revoked while a request is queued still
// fails. Last-used timestamps are updated off the hot path by a background
// flusher; losing an update on crash is acceptable.
package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tokengate/gateway/internal/store"
)

var (
	// ErrUnauthorized means the secret matches no stored key.
	ErrUnauthorized = errors.New("apikey: unknown key")
	// ErrForbidden means the key exists but is revoked or expired.
	ErrForbidden = errors.New("apikey: key revoked or expired")
)

const (
	touchBuffer   = 4096
	flushInterval = time.Second
)

// Identity is the result of a successful authentication.
type Identity struct {
	AccountID uuid.UUID
	KeyID     uuid.UUID
}

// Options tunes the Authenticator. Zero values use defaults.
type Options struct {
	// FlushInterval is how often buffered last-used updates are written.
	// Default: 1s.
	FlushInterval time.Duration
}

// Authenticator validates API key secrets. Safe for concurrent use.
type Authenticator struct {
	st  store.Store
	log *slog.Logger

	touches chan uuid.UUID
	dropped int64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	flushEvery time.Duration
	baseCtx    context.Context
}

// New creates an Authenticator and starts the last-used flusher.
func New(ctx context.Context, st store.Store, log *slog.Logger, opts Options) (*Authenticator, error) {
	if ctx == nil {
		return nil, fmt.Errorf("apikey: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	flushEvery := opts.FlushInterval
	if flushEvery <= 0 {
		flushEvery = flushInterval
	}

	a := &Authenticator{
		st:         st,
		log:        log,
		touches:    make(chan uuid.UUID, touchBuffer),
		done:       make(chan struct{}),
		flushEvery: flushEvery,
		baseCtx:    ctx,
	}

	a.wg.Add(1)
	go a.run()

	return a, nil
}

// HashSecret returns the hex SHA-256 digest of a raw key secret. This is the
// value stored in api_keys.secret_hash when a key is created.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves a raw secret to the owning account and key.
//
// Returns ErrUnauthorized when no key matches and ErrForbidden when the
// matching key is revoked or past its expiry. On success a last-used update
// is queued; queueing never blocks.
func (a *Authenticator) Authenticate(ctx context.Context, secret string) (Identity, error) {
	if secret == "" {
		return Identity{}, ErrUnauthorized
	}

	key, err := a.st.GetAPIKeyByHash(ctx, HashSecret(secret))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Identity{}, ErrUnauthorized
		}
		return Identity{}, fmt.Errorf("apikey: lookup: %w", err)
	}

	if key.Revoked {
		return Identity{}, ErrForbidden
	}
	if key.ExpiresAt != nil && !key.ExpiresAt.After(time.Now()) {
		return Identity{}, ErrForbidden
	}

	select {
	case a.touches <- key.ID:
	default:
		atomic.AddInt64(&a.dropped, 1)
	}

	return Identity{AccountID: key.AccountID, KeyID: key.ID}, nil
}

// DroppedTouches returns how many last-used updates were discarded because
// the buffer was full.
func (a *Authenticator) DroppedTouches() int64 {
	return atomic.LoadInt64(&a.dropped)
}

// Close flushes pending last-used updates and stops the background worker.
func (a *Authenticator) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
	})
	a.wg.Wait()
	return nil
}

func (a *Authenticator) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.flushEvery)
	defer ticker.Stop()

	pending := make(map[uuid.UUID]struct{})

	flush := func() {
		if len(pending) == 0 {
			return
		}
		ids := make([]uuid.UUID, 0, len(pending))
		for id := range pending {
			ids = append(ids, id)
		}
		clear(pending)

		ctx, cancel := context.WithTimeout(a.baseCtx, 5*time.Second)
		defer cancel()
		if err := a.st.TouchAPIKeys(ctx, ids, time.Now().UTC()); err != nil {
			// Best-effort only — the timestamps will catch up on a later use.
			a.log.Warn("last_used_flush_failed",
				slog.Int("keys", len(ids)),
				slog.String("error", err.Error()),
			)
		}
	}

	for {
		select {
		case id := <-a.touches:
			pending[id] = struct{}{}

		case <-ticker.C:
			flush()

		case <-a.done:
			for {
				select {
				case id := <-a.touches:
					pending[id] = struct{}{}
				default:
					flush()
					return
				}
			}
		}
	}
}
