package apikey

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tokengate/gateway/internal/store"
)

func newTestStore(t *testing.T) *store.SQLite {
	t.Helper()
	st, err := store.NewSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func seedKey(t *testing.T, st *store.SQLite, secret string, revoked bool, expiresAt *time.Time) *store.APIKey {
	t.Helper()
	ctx := context.Background()
	accountID := uuid.New()
	if err := st.SeedAccount(ctx, accountID, 1_000_000); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	key := &store.APIKey{
		ID:         uuid.New(),
		AccountID:  accountID,
		Name:       "test key",
		KeyPrefix:  secret[:4] + "…",
		SecretHash: HashSecret(secret),
		Revoked:    revoked,
		ExpiresAt:  expiresAt,
	}
	if err := st.SeedAPIKey(ctx, key); err != nil {
		t.Fatalf("seed key: %v", err)
	}
	return key
}

func newAuth(t *testing.T, st *store.SQLite, opts Options) *Authenticator {
	t.Helper()
	a, err := New(context.Background(), st, slog.Default(), opts)
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestAuthenticate_ValidKey(t *testing.T) {
	st := newTestStore(t)
	key := seedKey(t, st, "sk-live-valid-secret", false, nil)
	a := newAuth(t, st, Options{})

	id, err := a.Authenticate(context.Background(), "sk-live-valid-secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.KeyID != key.ID {
		t.Errorf("key id mismatch: got %s want %s", id.KeyID, key.ID)
	}
	if id.AccountID != key.AccountID {
		t.Errorf("account id mismatch: got %s want %s", id.AccountID, key.AccountID)
	}
}

func TestAuthenticate_UnknownKey(t *testing.T) {
	st := newTestStore(t)
	seedKey(t, st, "sk-live-some-secret", false, nil)
	a := newAuth(t, st, Options{})

	_, err := a.Authenticate(context.Background(), "sk-live-wrong-secret")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAuthenticate_EmptySecret(t *testing.T) {
	st := newTestStore(t)
	a := newAuth(t, st, Options{})

	_, err := a.Authenticate(context.Background(), "")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAuthenticate_RevokedKey(t *testing.T) {
	st := newTestStore(t)
	seedKey(t, st, "sk-live-revoked", true, nil)
	a := newAuth(t, st, Options{})

	_, err := a.Authenticate(context.Background(), "sk-live-revoked")
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for revoked key, got %v", err)
	}
}

func TestAuthenticate_ExpiredKey(t *testing.T) {
	st := newTestStore(t)
	past := time.Now().Add(-time.Hour)
	seedKey(t, st, "sk-live-expired", false, &past)
	a := newAuth(t, st, Options{})

	_, err := a.Authenticate(context.Background(), "sk-live-expired")
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for expired key, got %v", err)
	}
}

func TestAuthenticate_FutureExpiryStillValid(t *testing.T) {
	st := newTestStore(t)
	future := time.Now().Add(time.Hour)
	seedKey(t, st, "sk-live-future", false, &future)
	a := newAuth(t, st, Options{})

	if _, err := a.Authenticate(context.Background(), "sk-live-future"); err != nil {
		t.Errorf("key with future expiry should authenticate, got %v", err)
	}
}

func TestAuthenticate_LastUsedFlushed(t *testing.T) {
	st := newTestStore(t)
	seedKey(t, st, "sk-live-touch-me", false, nil)
	a := newAuth(t, st, Options{FlushInterval: 10 * time.Millisecond})

	if _, err := a.Authenticate(context.Background(), "sk-live-touch-me"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		k, err := st.GetAPIKeyByHash(context.Background(), HashSecret("sk-live-touch-me"))
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if k.LastUsedAt != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("last_used_at was never flushed")
}

func TestAuthenticate_CloseFlushesPending(t *testing.T) {
	st := newTestStore(t)
	seedKey(t, st, "sk-live-pending", false, nil)
	// Long interval so the close path, not the ticker, does the flush.
	a := newAuth(t, st, Options{FlushInterval: time.Hour})

	if _, err := a.Authenticate(context.Background(), "sk-live-pending"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	k, err := st.GetAPIKeyByHash(context.Background(), HashSecret("sk-live-pending"))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if k.LastUsedAt == nil {
		t.Error("close should flush pending last-used updates")
	}
}

func TestHashSecret_Deterministic(t *testing.T) {
	a := HashSecret("sk-live-abc")
	b := HashSecret("sk-live-abc")
	if a != b {
		t.Error("hash must be deterministic")
	}
	if a == HashSecret("sk-live-abd") {
		t.Error("different secrets must hash differently")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}
