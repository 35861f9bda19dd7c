package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	st, err := NewSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(st.Close)
	return st
}

func TestGetAPIKeyByHash(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	acct := uuid.New()
	keyID := uuid.New()
	if err := st.SeedAPIKey(ctx, &APIKey{
		ID:         keyID,
		AccountID:  acct,
		Name:       "ci",
		KeyPrefix:  "sk-live-",
		SecretHash: "abc123",
	}); err != nil {
		t.Fatal(err)
	}

	k, err := st.GetAPIKeyByHash(ctx, "abc123")
	if err != nil {
		t.Fatal(err)
	}
	if k.ID != keyID || k.AccountID != acct {
		t.Errorf("ids: got %v/%v", k.ID, k.AccountID)
	}
	if k.Name != "ci" || k.KeyPrefix != "sk-live-" || k.Revoked {
		t.Errorf("fields: %+v", k)
	}
	if k.ExpiresAt != nil || k.LastUsedAt != nil {
		t.Errorf("nullable fields must stay nil: %+v", k)
	}

	if _, err := st.GetAPIKeyByHash(ctx, "no-such-hash"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing hash: got %v want ErrNotFound", err)
	}
}

func TestTouchAPIKeys(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	keyID := uuid.New()
	if err := st.SeedAPIKey(ctx, &APIKey{ID: keyID, AccountID: uuid.New(), SecretHash: "h"}); err != nil {
		t.Fatal(err)
	}

	at := time.Now().UTC().Truncate(time.Second)
	if err := st.TouchAPIKeys(ctx, []uuid.UUID{keyID}, at); err != nil {
		t.Fatal(err)
	}

	k, err := st.GetAPIKeyByHash(ctx, "h")
	if err != nil {
		t.Fatal(err)
	}
	if k.LastUsedAt == nil || !k.LastUsedAt.Equal(at) {
		t.Errorf("last used: got %v want %v", k.LastUsedAt, at)
	}

	// Empty slice is a no-op, not an error.
	if err := st.TouchAPIKeys(ctx, nil, at); err != nil {
		t.Errorf("empty touch: %v", err)
	}
}

func TestModelLookup(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.SeedModel(ctx, &Model{
		Name:             "gw-large",
		InternalName:     "llama-70b",
		InputPriceMicro:  250_000,
		OutputPriceMicro: 500_000,
		Active:           true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.SeedModel(ctx, &Model{
		Name:         "gw-retired",
		InternalName: "old-model",
		Active:       false,
	}); err != nil {
		t.Fatal(err)
	}

	m, err := st.GetModelByName(ctx, "gw-large")
	if err != nil {
		t.Fatal(err)
	}
	if m.InternalName != "llama-70b" || m.InputPriceMicro != 250_000 {
		t.Errorf("model: %+v", m)
	}

	if _, err := st.GetModelByName(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing model: got %v", err)
	}

	active, err := st.ListActiveModels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Name != "gw-large" {
		t.Errorf("inactive models must not be listed: %+v", active)
	}
}

func TestGetAccount(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	acct := uuid.New()
	if err := st.SeedAccount(ctx, acct, 5000); err != nil {
		t.Fatal(err)
	}

	a, err := st.GetAccount(ctx, acct)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != acct || a.Credits != 5000 {
		t.Errorf("account: %+v", a)
	}

	if _, err := st.GetAccount(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing account: got %v", err)
	}
}

func TestRecordUsage_DebitsAtomically(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	acct := uuid.New()
	if err := st.SeedAccount(ctx, acct, 1000); err != nil {
		t.Fatal(err)
	}

	rec := &UsageLog{
		RequestID:        uuid.New(),
		AccountID:        acct,
		APIKeyID:         uuid.New(),
		Model:            "gw-large",
		PromptTokens:     50,
		CompletionTokens: 50,
		Cost:             38,
		CreatedAt:        time.Now().UTC(),
	}
	applied, err := st.RecordUsage(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("first insert must apply")
	}

	a, _ := st.GetAccount(ctx, acct)
	if a.Credits != 962 {
		t.Errorf("balance: got %d want 962", a.Credits)
	}

	got, err := st.UsageLogByRequest(ctx, rec.RequestID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Cost != 38 || got.PromptTokens != 50 || got.CompletionTokens != 50 {
		t.Errorf("row: %+v", got)
	}
	if got.AccountID != acct {
		t.Errorf("account id: got %v", got.AccountID)
	}
}

func TestRecordUsage_DuplicateRequestIDSkipsDebit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	acct := uuid.New()
	if err := st.SeedAccount(ctx, acct, 1000); err != nil {
		t.Fatal(err)
	}

	rec := &UsageLog{
		RequestID: uuid.New(),
		AccountID: acct,
		APIKeyID:  uuid.New(),
		Model:     "gw-large",
		Cost:      100,
		CreatedAt: time.Now().UTC(),
	}

	for i := 0; i < 3; i++ {
		applied, err := st.RecordUsage(ctx, rec)
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if want := i == 0; applied != want {
			t.Errorf("attempt %d: applied=%v want %v", i, applied, want)
		}
	}

	a, _ := st.GetAccount(ctx, acct)
	if a.Credits != 900 {
		t.Errorf("duplicate must not re-debit: balance %d want 900", a.Credits)
	}
	n, err := st.CountUsageLogs(ctx, acct)
	if err != nil || n != 1 {
		t.Errorf("rows: %d (%v)", n, err)
	}
}

func TestRecordUsage_BalanceMayGoNegativeOnSettlement(t *testing.T) {
	// The reservation layer prevents overdrafts before dispatch; the store
	// itself never refuses a settlement, so delivered tokens are always
	// recorded even if an estimate was wrong.
	st := newTestStore(t)
	ctx := context.Background()

	acct := uuid.New()
	if err := st.SeedAccount(ctx, acct, 10); err != nil {
		t.Fatal(err)
	}

	applied, err := st.RecordUsage(ctx, &UsageLog{
		RequestID: uuid.New(),
		AccountID: acct,
		APIKeyID:  uuid.New(),
		Model:     "gw-large",
		Cost:      25,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil || !applied {
		t.Fatalf("applied=%v err=%v", applied, err)
	}

	a, _ := st.GetAccount(ctx, acct)
	if a.Credits != -15 {
		t.Errorf("balance: got %d want -15", a.Credits)
	}
}
