// Package ledger enforces account credit balances with an estimate-then-settle
// reservation scheme.
//
// Token cost is unknown until a response completes, so the gateway reserves a
// worst-case amount before forwarding and settles to the measured cost
// afterwards. Reservations live in memory; the durable balance lives in the
// record store and is only ever debited through settlement.
//
// Invariant: at reservation time, balance − Σ(open reservations) ≥ 0 for
// every account. Reservation and settlement are serialized per account, so
// concurrent in-flight requests cannot jointly overspend a balance neither
// alone would exceed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tokengate/gateway/internal/store"
)

// ErrInsufficientCredit is returned when a reservation would overdraw the
// account.
var ErrInsufficientCredit = errors.New("ledger: insufficient credit")

const defaultReservationTTL = 5 * time.Minute

// Reservation is a provisional hold against an account balance.
type Reservation struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Estimate  int64
	CreatedAt time.Time

	// Both guarded by the owning accountState mutex.
	done  bool
	swept bool
}

// accountState holds the in-memory reservation bookkeeping for one account.
// Its mutex serializes reserve/settle/release for that account; the store
// read inside Reserve happens under it deliberately.
type accountState struct {
	mu       sync.Mutex
	reserved int64
	open     map[uuid.UUID]*Reservation
}

// Ledger tracks reservations for all accounts. Safe for concurrent use.
type Ledger struct {
	st  store.Store
	log *slog.Logger
	ttl time.Duration

	mu       sync.Mutex
	accounts map[uuid.UUID]*accountState
}

// New creates a Ledger. ttl bounds how long a reservation may stay open
// before the sweeper reclaims it (crashed-task safety net); zero uses the
// 5-minute default.
func New(st store.Store, log *slog.Logger, ttl time.Duration) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}
	return &Ledger{
		st:       st,
		log:      log,
		ttl:      ttl,
		accounts: make(map[uuid.UUID]*accountState),
	}
}

func (l *Ledger) state(accountID uuid.UUID) *accountState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.accounts[accountID]
	if !ok {
		st = &accountState{open: make(map[uuid.UUID]*Reservation)}
		l.accounts[accountID] = st
	}
	return st
}

// Reserve places a hold of estimate micro-credits against the account.
// Returns ErrInsufficientCredit when the balance minus already-open
// reservations cannot cover the estimate.
func (l *Ledger) Reserve(ctx context.Context, accountID uuid.UUID, estimate int64) (*Reservation, error) {
	if estimate < 0 {
		return nil, fmt.Errorf("ledger: negative estimate %d", estimate)
	}

	st := l.state(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	account, err := l.st.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("ledger: read balance: %w", err)
	}

	if account.Credits-st.reserved < estimate {
		return nil, ErrInsufficientCredit
	}

	res := &Reservation{
		ID:        uuid.New(),
		AccountID: accountID,
		Estimate:  estimate,
		CreatedAt: time.Now(),
	}
	st.open[res.ID] = res
	st.reserved += estimate

	return res, nil
}

// claim marks the reservation finished exactly once. Returns false when it
// was already settled, released, or swept.
func (l *Ledger) claim(res *Reservation) bool {
	st := l.state(res.AccountID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if res.done {
		return false
	}
	res.done = true
	return true
}

// drop removes a claimed reservation from the account's open set.
func (l *Ledger) drop(res *Reservation) {
	st := l.state(res.AccountID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.open[res.ID]; ok {
		delete(st.open, res.ID)
		st.reserved -= res.Estimate
	}
}

// claimSwept consumes the sweep marker exactly once. A reservation the
// sweeper reclaimed still owes its durable settlement; this lets exactly one
// late Settle persist it without double-billing on retries.
func (l *Ledger) claimSwept(res *Reservation) bool {
	st := l.state(res.AccountID)
	st.mu.Lock()
	defer st.mu.Unlock()
	if !res.swept {
		return false
	}
	res.swept = false
	return true
}

// Settle replaces the reservation with the true cost. persist must perform
// the durable debit-and-append (see usage.Recorder); it runs while the
// reservation is still held so a concurrent Reserve cannot observe the
// balance between debit and hold release. The hold is dropped on every path,
// success or failure.
//
// A reservation the sweeper already reclaimed is still settled: the request
// outlived the TTL but its tokens were delivered, so the debit and usage row
// apply even though the hold is gone.
func (l *Ledger) Settle(ctx context.Context, res *Reservation, cost int64, persist func(context.Context) error) error {
	if !l.claim(res) {
		if !l.claimSwept(res) {
			return nil
		}
		l.log.Warn("settlement_after_sweep",
			slog.String("account_id", res.AccountID.String()),
			slog.String("reservation_id", res.ID.String()),
			slog.Int64("cost", cost),
		)
		if err := persist(ctx); err != nil {
			return fmt.Errorf("ledger: settle: %w", err)
		}
		return nil
	}
	defer l.drop(res)

	if cost > res.Estimate {
		l.log.Warn("settlement_exceeds_reservation",
			slog.String("account_id", res.AccountID.String()),
			slog.Int64("estimate", res.Estimate),
			slog.Int64("cost", cost),
		)
	}

	if err := persist(ctx); err != nil {
		return fmt.Errorf("ledger: settle: %w", err)
	}
	return nil
}

// Release abandons the reservation without charge. Used when a request fails
// before any tokens were generated. Safe to call after Settle (no-op).
func (l *Ledger) Release(res *Reservation) {
	if res == nil {
		return
	}
	if !l.claim(res) {
		// An explicit release means no charge, so a swept reservation stops
		// owing its settlement too.
		l.claimSwept(res)
		return
	}
	l.drop(res)
}

// Sweep releases reservations older than the TTL — the safety net for
// request tasks that died without settling. Returns the number released.
func (l *Ledger) Sweep(now time.Time) int {
	l.mu.Lock()
	states := make([]*accountState, 0, len(l.accounts))
	for _, st := range l.accounts {
		states = append(states, st)
	}
	l.mu.Unlock()

	swept := 0
	for _, st := range states {
		st.mu.Lock()
		for id, res := range st.open {
			if res.done || now.Sub(res.CreatedAt) < l.ttl {
				continue
			}
			res.done = true
			res.swept = true
			delete(st.open, id)
			st.reserved -= res.Estimate
			swept++
			l.log.Warn("reservation_swept",
				slog.String("account_id", res.AccountID.String()),
				slog.String("reservation_id", res.ID.String()),
				slog.Int64("estimate", res.Estimate),
				slog.Time("created_at", res.CreatedAt),
			)
		}
		st.mu.Unlock()
	}
	return swept
}

// OpenReservations returns the number of open reservations and the total
// micro-credits they hold. Used for metrics and tests.
func (l *Ledger) OpenReservations() (count int, total int64) {
	l.mu.Lock()
	states := make([]*accountState, 0, len(l.accounts))
	for _, st := range l.accounts {
		states = append(states, st)
	}
	l.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		count += len(st.open)
		total += st.reserved
		st.mu.Unlock()
	}
	return count, total
}

// Reserved returns the open reservation total for one account.
func (l *Ledger) Reserved(accountID uuid.UUID) int64 {
	st := l.state(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.reserved
}
