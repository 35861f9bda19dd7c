package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SQLite is an embedded Store for single-node deployments and tests. Unlike
// the Postgres backend it owns its schema and bootstraps it on open.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS api_keys (
    id            TEXT PRIMARY KEY,
    account_id    TEXT NOT NULL,
    name          TEXT NOT NULL DEFAULT '',
    key_prefix    TEXT NOT NULL DEFAULT '',
    secret_hash   TEXT NOT NULL,
    revoked       INTEGER NOT NULL DEFAULT 0,
    expires_at    TIMESTAMP,
    last_used_at  TIMESTAMP,
    created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys (secret_hash);

CREATE TABLE IF NOT EXISTS models (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    name                TEXT NOT NULL UNIQUE,
    internal_name       TEXT NOT NULL,
    input_price_micro   INTEGER NOT NULL,
    output_price_micro  INTEGER NOT NULL,
    active              INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS profiles (
    id                  TEXT PRIMARY KEY,
    credits             INTEGER NOT NULL DEFAULT 0,
    stripe_customer_id  TEXT
);

CREATE TABLE IF NOT EXISTS usage_logs (
    request_id         TEXT PRIMARY KEY,
    account_id         TEXT NOT NULL,
    api_key_id         TEXT NOT NULL,
    model              TEXT NOT NULL,
    prompt_tokens      INTEGER NOT NULL,
    completion_tokens  INTEGER NOT NULL,
    cost               INTEGER NOT NULL,
    created_at         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_logs_account ON usage_logs (account_id, created_at);
`

// NewSQLite opens (or creates) the database at path and bootstraps the
// schema. Use ":memory:" for an ephemeral store in tests.
//
// The pool is pinned to one connection: modernc's driver opens a fresh
// in-memory database per connection, and a single writer avoids SQLITE_BUSY
// under concurrent settlements.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: bootstrap schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) GetAPIKeyByHash(ctx context.Context, secretHash string) (*APIKey, error) {
	query := `
        SELECT id, account_id, name, key_prefix, secret_hash, revoked, expires_at, last_used_at, created_at
        FROM api_keys
        WHERE secret_hash = ?
    `

	var (
		k        APIKey
		id, acct string
		expires  sql.NullTime
		lastUsed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, secretHash).Scan(
		&id, &acct, &k.Name, &k.KeyPrefix, &k.SecretHash, &k.Revoked, &expires, &lastUsed, &k.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get api key: %w", err)
	}

	k.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("store: bad key id %q: %w", id, err)
	}
	k.AccountID, err = uuid.Parse(acct)
	if err != nil {
		return nil, fmt.Errorf("store: bad account id %q: %w", acct, err)
	}
	if expires.Valid {
		t := expires.Time
		k.ExpiresAt = &t
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		k.LastUsedAt = &t
	}

	return &k, nil
}

func (s *SQLite) TouchAPIKeys(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, at, id.String(),
		); err != nil {
			return fmt.Errorf("store: touch api key: %w", err)
		}
	}
	return nil
}

func (s *SQLite) GetModelByName(ctx context.Context, name string) (*Model, error) {
	query := `
        SELECT id, name, internal_name, input_price_micro, output_price_micro, active
        FROM models
        WHERE name = ?
    `

	var m Model
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&m.ID, &m.Name, &m.InternalName, &m.InputPriceMicro, &m.OutputPriceMicro, &m.Active,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get model: %w", err)
	}
	return &m, nil
}

func (s *SQLite) ListActiveModels(ctx context.Context) ([]Model, error) {
	query := `
        SELECT id, name, internal_name, input_price_micro, output_price_micro, active
        FROM models
        WHERE active = 1
        ORDER BY name
    `

	rows, err := s.db.QueryContext(ctx, query)
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

func (s *SQLite) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	var (
		a      Account
		acctID string
		cust   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, credits, stripe_customer_id FROM profiles WHERE id = ?`, id.String(),
	).Scan(&acctID, &a.Credits, &cust)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get account: %w", err)
	}

	a.ID = id
	if cust.Valid {
		c := cust.String
		a.StripeCustomerID = &c
	}
	return &a, nil
}

func (s *SQLite) RecordUsage(ctx context.Context, rec *UsageLog) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	insert := `
        INSERT INTO usage_logs (request_id, account_id, api_key_id, model, prompt_tokens, completion_tokens, cost, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (request_id) DO NOTHING
    `

	res, err := tx.ExecContext(ctx, insert,
		rec.RequestID.String(),
		rec.AccountID.String(),
		rec.APIKeyID.String(),
		rec.Model,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.Cost,
		rec.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("store: insert usage: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE profiles SET credits = credits - ? WHERE id = ?`, rec.Cost, rec.AccountID.String(),
	); err != nil {
		return false, fmt.Errorf("store: debit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit: %w", err)
	}
	return true, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() {
	_ = s.db.Close()
}

// ── Seed helpers ─────────────────────────────────────────────────────────────
//
// The embedded backend has no dashboard writing records for it, so it exposes
// minimal write helpers for provisioning and tests.

// SeedAccount inserts an account with the given starting balance.
func (s *SQLite) SeedAccount(ctx context.Context, id uuid.UUID, credits int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, credits) VALUES (?, ?)`, id.String(), credits)
	if err != nil {
		return fmt.Errorf("store: seed account: %w", err)
	}
	return nil
}

// SeedAPIKey inserts an API key record.
func (s *SQLite) SeedAPIKey(ctx context.Context, k *APIKey) error {
	var expires any
	if k.ExpiresAt != nil {
		expires = *k.ExpiresAt
	}
	created := k.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO api_keys (id, account_id, name, key_prefix, secret_hash, revoked, expires_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID.String(), k.AccountID.String(), k.Name, k.KeyPrefix, k.SecretHash, k.Revoked, expires, created,
	)
	if err != nil {
		return fmt.Errorf("store: seed api key: %w", err)
	}
	return nil
}

// SeedModel inserts a model pricing entry.
func (s *SQLite) SeedModel(ctx context.Context, m *Model) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO models (name, internal_name, input_price_micro, output_price_micro, active)
        VALUES (?, ?, ?, ?, ?)`,
		m.Name, m.InternalName, m.InputPriceMicro, m.OutputPriceMicro, m.Active,
	)
	if err != nil {
		return fmt.Errorf("store: seed model: %w", err)
	}
	return nil
}

// UsageLogByRequest returns the usage row for a request id. Test/debug helper.
func (s *SQLite) UsageLogByRequest(ctx context.Context, requestID uuid.UUID) (*UsageLog, error) {
	var (
		rec            UsageLog
		req, acct, key string
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT request_id, account_id, api_key_id, model, prompt_tokens, completion_tokens, cost, created_at
        FROM usage_logs WHERE request_id = ?`, requestID.String(),
	).Scan(&req, &acct, &key, &rec.Model, &rec.PromptTokens, &rec.CompletionTokens, &rec.Cost, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get usage log: %w", err)
	}
	rec.RequestID = requestID
	rec.AccountID, _ = uuid.Parse(acct)
	rec.APIKeyID, _ = uuid.Parse(key)
	return &rec, nil
}

// CountUsageLogs returns the number of usage rows for an account.
func (s *SQLite) CountUsageLogs(ctx context.Context, accountID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_logs WHERE account_id = ?`, accountID.String(),
	).Scan(&n)
	return n, err
}
