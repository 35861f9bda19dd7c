// Package usage persists settled billing records.
//
// The record store write (usage row + balance debit, one transaction) is the
// source of truth and runs synchronously inside settlement with bounded
// retries. The ClickHouse mirror is analytics-only: non-blocking, batched,
// lossy under pressure.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tokengate/gateway/internal/store"
)

const (
	recordAttempts = 3
	recordBackoff  = 100 * time.Millisecond
)

// Recorder writes settled usage to the record store and mirrors it to the
// analytics sink.
type Recorder struct {
	st        store.Store
	analytics *Analytics // nil when analytics is disabled
	log       *slog.Logger
}

// NewRecorder creates a Recorder. analytics may be nil.
func NewRecorder(st store.Store, analytics *Analytics, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{st: st, analytics: analytics, log: log}
}

// Record durably persists one settled request: appends the usage row and
// debits the account in a single store transaction. Duplicate request ids are
// absorbed (idempotent settlement), transient store errors are retried with
// backoff.
//
// When every attempt fails the full record is written to the error log before
// the error is returned, so a billing row is never lost silently.
func (r *Recorder) Record(ctx context.Context, rec *store.UsageLog) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var lastErr error
	for attempt := 1; attempt <= recordAttempts; attempt++ {
		applied, err := r.st.RecordUsage(ctx, rec)
		if err == nil {
			if !applied {
				r.log.Info("usage_duplicate_settlement",
					slog.String("request_id", rec.RequestID.String()),
				)
			}
			if applied && r.analytics != nil {
				r.analytics.Enqueue(rec)
			}
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		r.log.Warn("usage_record_retry",
			slog.String("request_id", rec.RequestID.String()),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt < recordAttempts {
			select {
			case <-time.After(recordBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return fmt.Errorf("usage: record: %w", ctx.Err())
			}
		}
	}

	// Everything needed to replay the settlement by hand.
	r.log.Error("usage_record_failed",
		slog.String("request_id", rec.RequestID.String()),
		slog.String("account_id", rec.AccountID.String()),
		slog.String("api_key_id", rec.APIKeyID.String()),
		slog.String("model", rec.Model),
		slog.Int("prompt_tokens", rec.PromptTokens),
		slog.Int("completion_tokens", rec.CompletionTokens),
		slog.Int64("cost", rec.Cost),
		slog.Time("created_at", rec.CreatedAt),
		slog.String("error", lastErr.Error()),
	)
	return fmt.Errorf("usage: record: %w", lastErr)
}
