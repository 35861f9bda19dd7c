// Package store provides access to the external record store that owns
// accounts, API keys, model pricing, and usage logs.
//
// The gateway never owns this data: it reads keys/models/balances and appends
// usage rows. Two backends are available:
//   - Postgres — shared store used in production, same tables the dashboard
//     reads.
//   - SQLite — embedded store for single-node deployments and tests.
//
// Both implement the Store interface so they are fully interchangeable.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// APIKey is a stored API key record. The live secret is never stored — only
// its SHA-256 hash. Keys are soft-revoked, never deleted.
type APIKey struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	Name       string
	KeyPrefix  string
	SecretHash string
	Revoked    bool
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// Model is a priced model entry. Prices are micro-credits per million tokens
// so all cost math stays in integers.
type Model struct {
	ID               int64
	Name             string
	InternalName     string
	InputPriceMicro  int64
	OutputPriceMicro int64
	Active           bool
}

// Account holds the spendable credit balance in micro-credits (the smallest
// billing unit). The balance is debited only through RecordUsage; credits are
// added by external payment settlement.
type Account struct {
	ID               uuid.UUID
	Credits          int64
	StripeCustomerID *string
}

// UsageLog is one immutable billing record. RequestID is the idempotency key.
type UsageLog struct {
	RequestID        uuid.UUID
	AccountID        uuid.UUID
	APIKeyID         uuid.UUID
	Model            string
	PromptTokens     int
	CompletionTokens int
	Cost             int64
	CreatedAt        time.Time
}

// Store is the record-store interface used by the gateway.
type Store interface {
	// GetAPIKeyByHash returns the key whose secret hash matches, revoked or
	// not — revocation and expiry are policy decisions made by the caller.
	GetAPIKeyByHash(ctx context.Context, secretHash string) (*APIKey, error)

	// TouchAPIKeys updates last_used_at for the given keys. Best-effort.
	TouchAPIKeys(ctx context.Context, ids []uuid.UUID, at time.Time) error

	// GetModelByName returns the model with the given public name.
	GetModelByName(ctx context.Context, name string) (*Model, error)

	// ListActiveModels returns all active models.
	ListActiveModels(ctx context.Context) ([]Model, error)

	// GetAccount returns the account with the given id.
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)

	// RecordUsage atomically appends the usage row and debits the account by
	// rec.Cost. Idempotent on rec.RequestID: a duplicate insert is a no-op
	// and the debit is skipped. Returns applied=false for duplicates.
	RecordUsage(ctx context.Context, rec *UsageLog) (applied bool, err error)

	// Ping verifies store connectivity (readiness probes).
	Ping(ctx context.Context) error

	Close()
}
