package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the production Store backed by the shared Postgres instance the
// dashboard reads. The gateway only reads and appends; schema migrations are
// owned by the dashboard deployment.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and verifies connectivity with a ping.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) GetAPIKeyByHash(ctx context.Context, secretHash string) (*APIKey, error) {
	query := `
        SELECT id, account_id, name, key_prefix, secret_hash, revoked, expires_at, last_used_at, created_at
        FROM api_keys
        WHERE secret_hash = $1
    `

	var k APIKey
	err := p.pool.QueryRow(ctx, query, secretHash).Scan(
		&k.ID,
		&k.AccountID,
		&k.Name,
		&k.KeyPrefix,
		&k.SecretHash,
		&k.Revoked,
		&k.ExpiresAt,
		&k.LastUsedAt,
		&k.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get api key: %w", err)
	}

	return &k, nil
}

func (p *Postgres) TouchAPIKeys(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE api_keys SET last_used_at = $2 WHERE id = ANY($1)`
	if _, err := p.pool.Exec(ctx, query, ids, at); err != nil {
		return fmt.Errorf("store: touch api keys: %w", err)
	}
	return nil
}

func (p *Postgres) GetModelByName(ctx context.Context, name string) (*Model, error) {
	query := `
        SELECT id, name, internal_name, input_price_micro, output_price_micro, active
        FROM models
        WHERE name = $1
    `

	var m Model
	err := p.pool.QueryRow(ctx, query, name).Scan(
		&m.ID,
		&m.Name,
		&m.InternalName,
		&m.InputPriceMicro,
		&m.OutputPriceMicro,
		&m.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get model: %w", err)
	}

	return &m, nil
}

func (p *Postgres) ListActiveModels(ctx context.Context) ([]Model, error) {
	query := `
        SELECT id, name, internal_name, input_price_micro, output_price_micro, active
        FROM models
        WHERE active
        ORDER BY name
    `

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list models: %w", err)
	}
	defer rows.Close()

	var out []Model
	for rows.Next() {
		var m Model
		if err := rows.Scan(&m.ID, &m.Name, &m.InternalName, &m.InputPriceMicro, &m.OutputPriceMicro, &m.Active); err != nil {
			return nil, fmt.Errorf("store: scan model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	query := `SELECT id, credits, stripe_customer_id FROM profiles WHERE id = $1`

	var a Account
	err := p.pool.QueryRow(ctx, query, id).Scan(&a.ID, &a.Credits, &a.StripeCustomerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get account: %w", err)
	}

	return &a, nil
}

// RecordUsage appends the usage row and debits the account inside one
// transaction. The insert carries the idempotency: when the request id is
// already present the insert affects zero rows and the debit is skipped, so
// retrying a settlement can never double-charge.
func (p *Postgres) RecordUsage(ctx context.Context, rec *UsageLog) (bool, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	insert := `
        INSERT INTO usage_logs (request_id, account_id, api_key_id, model, prompt_tokens, completion_tokens, cost, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (request_id) DO NOTHING
    `

	tag, err := tx.Exec(ctx, insert,
		rec.RequestID,
		rec.AccountID,
		rec.APIKeyID,
		rec.Model,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.Cost,
		rec.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("store: insert usage: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Already recorded by an earlier attempt.
		return false, tx.Commit(ctx)
	}

	debit := `UPDATE profiles SET credits = credits - $2 WHERE id = $1`
	if _, err := tx.Exec(ctx, debit, rec.AccountID, rec.Cost); err != nil {
		return false, fmt.Errorf("store: debit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("store: commit: %w", err)
	}
	return true, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return p.pool.Ping(pingCtx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}
