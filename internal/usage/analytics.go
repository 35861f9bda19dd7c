package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/tokengate/gateway/internal/store"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

const analyticsSchema = `
CREATE TABLE IF NOT EXISTS usage_events (
    request_id        UUID,
    account_id        UUID,
    api_key_id        UUID,
    model             LowCardinality(String),
    prompt_tokens     UInt32,
    completion_tokens UInt32,
    cost_micro        Int64,
    created_at        DateTime64(3, 'UTC')
)
ENGINE = MergeTree
PARTITION BY toYYYYMM(created_at)
ORDER BY (account_id, created_at)
`

// Analytics mirrors settled usage rows into ClickHouse for reporting. Events
// are written to an internal buffered channel and flushed in batches by a
// background goroutine, so the settlement path never blocks on analytics. If
// the channel fills up, new events are dropped and counted in DroppedEvents.
type Analytics struct {
	conn driver.Conn
	log  *slog.Logger

	ch        chan store.UsageLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedEvents int64

	baseCtx context.Context
}

// NewAnalytics connects to ClickHouse at addr, ensures the usage_events table
// exists, and starts the flusher.
func NewAnalytics(ctx context.Context, addr string, log *slog.Logger) (*Analytics, error) {
	if ctx == nil {
		return nil, fmt.Errorf("usage: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("usage: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("usage: ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, analyticsSchema); err != nil {
		return nil, fmt.Errorf("usage: ensure usage_events table: %w", err)
	}

	a := &Analytics{
		conn:    conn,
		log:     log,
		ch:      make(chan store.UsageLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
	}

	a.wg.Add(1)
	go a.run()

	return a, nil
}

// Enqueue buffers one settled record. Never blocks.
func (a *Analytics) Enqueue(rec *store.UsageLog) {
	select {
	case a.ch <- *rec:
	default:
		atomic.AddInt64(&a.droppedEvents, 1)
	}
}

// DroppedEvents returns how many events were discarded because the buffer
// was full.
func (a *Analytics) DroppedEvents() int64 {
	return atomic.LoadInt64(&a.droppedEvents)
}

// Close drains pending events, flushes them, and closes the connection.
func (a *Analytics) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
	})
	a.wg.Wait()
	return a.conn.Close()
}

func (a *Analytics) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]store.UsageLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := a.send(batch); err != nil {
			// Analytics is best-effort; the record store already has the row.
			a.log.Warn("analytics_flush_failed",
				slog.Int("events", len(batch)),
				slog.String("error", err.Error()),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-a.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-a.done:
			for {
				select {
				case rec := <-a.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (a *Analytics) send(events []store.UsageLog) error {
	ctx, cancel := context.WithTimeout(a.baseCtx, 10*time.Second)
	defer cancel()

	batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO usage_events")
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := batch.Append(
			e.RequestID,
			e.AccountID,
			e.APIKeyID,
			e.Model,
			uint32(e.PromptTokens),
			uint32(e.CompletionTokens),
			e.Cost,
			e.CreatedAt.UTC(),
		); err != nil {
			return err
		}
	}
	return batch.Send()
}
