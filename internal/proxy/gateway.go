// Package proxy is the metered request pipeline of the gateway.
//
// Every inference request walks the same path: API key authentication,
// model resolution, rate limiting, credit reservation, signed dispatch to an
// upstream endpoint, token metering while the response flows back, and
// settlement against the reservation. The response body itself passes
// through unmodified except for the model name, which is translated between
// its public and internal forms at the boundary.
//
// Key design constraints:
//   - An account can never be driven below zero credits, no matter how many
//     requests run concurrently.
//   - Every exit path either settles or releases its reservation.
//   - Delivered tokens are billed even when the client disconnects mid-stream.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/tokengate/gateway/internal/apikey"
	"github.com/tokengate/gateway/internal/ledger"
	"github.com/tokengate/gateway/internal/meter"
	"github.com/tokengate/gateway/internal/metrics"
	"github.com/tokengate/gateway/internal/pricing"
	"github.com/tokengate/gateway/internal/ratelimit"
	"github.com/tokengate/gateway/internal/store"
	"github.com/tokengate/gateway/internal/upstream"
	"github.com/tokengate/gateway/pkg/apierr"
)

const defaultMaxTokens = 4096

// Options holds optional tuning parameters for a Gateway. All fields have
// sensible defaults and can be omitted.
type Options struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// Limiter is the per-account RPM limiter. Nil disables rate limiting.
	Limiter *ratelimit.RPMLimiter

	// DefaultMaxTokens is the completion-token bound assumed for requests
	// that omit max_tokens, used when sizing reservations. Default: 4096.
	DefaultMaxTokens int

	// CORSOrigins is the allowed origin list. Empty means "*".
	CORSOrigins []string

	// Version is reported by /health and the build info metric.
	Version string
}

// Gateway is the request pipeline — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	baseCtx  context.Context
	log      *slog.Logger
	auth     *apikey.Authenticator
	catalog  *pricing.Catalog
	ledger   *ledger.Ledger
	recorder usageRecorder
	router   *upstream.Router
	pool     *upstream.Pool
	st       store.Store

	limiter *ratelimit.RPMLimiter
	metrics *metrics.Registry

	maxTokensDefault int
	corsOrigins      []string
	version          string
	startTime        time.Time
}

// usageRecorder is the slice of usage.Recorder the pipeline needs; an
// interface so tests can observe settlements directly.
type usageRecorder interface {
	Record(ctx context.Context, rec *store.UsageLog) error
}

type usageRecorderFunc func(ctx context.Context, rec *store.UsageLog) error

func (f usageRecorderFunc) Record(ctx context.Context, rec *store.UsageLog) error {
	return f(ctx, rec)
}

// New creates a fully wired Gateway.
func New(
	baseCtx context.Context,
	auth *apikey.Authenticator,
	catalog *pricing.Catalog,
	led *ledger.Ledger,
	recorder usageRecorder,
	router *upstream.Router,
	pool *upstream.Pool,
	st store.Store,
	opts Options,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxTokens := opts.DefaultMaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Gateway{
		baseCtx:          baseCtx,
		log:              log,
		auth:             auth,
		catalog:          catalog,
		ledger:           led,
		recorder:         recorder,
		router:           router,
		pool:             pool,
		st:               st,
		limiter:          opts.Limiter,
		metrics:          opts.Metrics,
		maxTokensDefault: maxTokens,
		corsOrigins:      opts.CORSOrigins,
		version:          opts.Version,
		startTime:        time.Now(),
	}
}

// ── Shared pipeline steps ─────────────────────────────────────────────────────

// authenticate resolves the bearer token. On failure it writes the error
// response and returns false.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (apikey.Identity, bool) {
	token := parseBearerToken(string(ctx.Request.Header.Peek("Authorization")))

	id, err := g.auth.Authenticate(ctx, token)
	switch {
	case err == nil:
		g.recordAuth("ok")
		return id, true
	case errors.Is(err, apikey.ErrForbidden):
		g.recordAuth("forbidden")
		apierr.Write(ctx, apierr.KindForbidden, "API key is revoked or expired")
	case errors.Is(err, apikey.ErrUnauthorized):
		g.recordAuth("unauthorized")
		apierr.Write(ctx, apierr.KindUnauthorized, "missing or invalid API key")
	default:
		g.recordAuth("error")
		g.log.Error("auth_store_error", slog.String("error", err.Error()))
		apierr.Write(ctx, apierr.KindInternal, "internal server error")
	}
	return apikey.Identity{}, false
}

func (g *Gateway) recordAuth(outcome string) {
	if g.metrics != nil {
		g.metrics.RecordAuth(outcome)
	}
}

// checkRateLimit applies the per-account RPM limit. On rejection it writes
// the 429 response and returns false.
func (g *Gateway) checkRateLimit(ctx *fasthttp.RequestCtx, accountID uuid.UUID) bool {
	if g.limiter == nil {
		return true
	}
	allowed, err := g.limiter.Allow(ctx, accountID)
	if g.metrics != nil {
		switch {
		case err != nil:
			g.metrics.RecordRateLimit("error")
		case allowed:
			g.metrics.RecordRateLimit("allowed")
		default:
			g.metrics.RecordRateLimit("blocked")
		}
	}
	if err == nil && !allowed {
		g.log.Warn("rate_limit_exceeded", slog.String("account_id", accountID.String()))
		apierr.Write(ctx, apierr.KindRateLimit, "rate limit exceeded, retry later")
		return false
	}
	return true
}

// reserve sizes and places the credit hold. On rejection it writes the 402
// response and returns nil.
func (g *Gateway) reserve(ctx *fasthttp.RequestCtx, accountID uuid.UUID, m *store.Model, promptEstimate, maxCompletion int) *ledger.Reservation {
	estimate := pricing.EstimateMaxCost(promptEstimate, maxCompletion, m)

	res, err := g.ledger.Reserve(ctx, accountID, estimate)
	if err == nil {
		return res
	}
	if errors.Is(err, ledger.ErrInsufficientCredit) {
		if g.metrics != nil {
			g.metrics.RecordReservationRejected()
		}
		apierr.Write(ctx, apierr.KindInsufficientCredit,
			"insufficient credit for the requested completion")
		return nil
	}
	g.log.Error("reserve_failed",
		slog.String("account_id", accountID.String()),
		slog.String("error", err.Error()),
	)
	apierr.Write(ctx, apierr.KindInternal, "internal server error")
	return nil
}

// settle exchanges the reservation for the metered cost and persists the
// billing row. Runs on every completion path, including disconnects; ctx must
// therefore outlive the client connection (use g.baseCtx from stream
// writers).
func (g *Gateway) settle(
	ctx context.Context,
	res *ledger.Reservation,
	id apikey.Identity,
	requestID uuid.UUID,
	m *store.Model,
	result meter.Result,
) {
	err := g.ledger.Settle(ctx, res, result.Cost, func(ctx context.Context) error {
		return g.recorder.Record(ctx, &store.UsageLog{
			RequestID:        requestID,
			AccountID:        id.AccountID,
			APIKeyID:         id.KeyID,
			Model:            m.Name,
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			Cost:             result.Cost,
			CreatedAt:        time.Now().UTC(),
		})
	})
	if err != nil {
		g.log.Error("settlement_failed",
			slog.String("request_id", requestID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if g.metrics != nil {
		g.metrics.RecordSettlement(m.Name, result.PromptTokens, result.CompletionTokens, result.Cost)
	}
	g.log.Info("request_settled",
		slog.String("request_id", requestID.String()),
		slog.String("model", m.Name),
		slog.Int("prompt_tokens", result.PromptTokens),
		slog.Int("completion_tokens", result.CompletionTokens),
		slog.Int64("cost", result.Cost),
		slog.Bool("estimated", result.Estimated),
		slog.Bool("aborted", result.Aborted),
	)
}

// writeUpstreamError maps a dispatch failure onto the client response. 4xx
// upstream replies pass through unchanged; everything else collapses to 502.
func (g *Gateway) writeUpstreamError(ctx *fasthttp.RequestCtx, err error) {
	var ue *upstream.Error
	if errors.As(err, &ue) && ue.StatusCode >= 400 && ue.StatusCode < 500 {
		ctx.ResetBody()
		ctx.SetStatusCode(ue.StatusCode)
		ctx.SetContentType("application/json")
		ctx.SetBody(ue.Body)
		return
	}
	apierr.Write(ctx, apierr.KindUpstreamUnavail, "no upstream endpoint could serve the request")
}

// requestUUID returns the idempotency key for this request. The middleware
// always sets a request id; non-UUID client-supplied ids get a fresh UUID so
// the settlement key stays unique.
func requestUUID(ctx *fasthttp.RequestCtx) uuid.UUID {
	if s, ok := ctx.UserValue("request_id").(string); ok {
		if id, err := uuid.Parse(s); err == nil {
			return id
		}
	}
	return uuid.New()
}

func parseBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// ── Inbound body handling ─────────────────────────────────────────────────────

// chatBody is a chat/completions request parsed just deep enough to meter
// and route it. Fields stay as raw JSON wherever the gateway does not need
// to interpret them, so the upstream sees the client's exact parameters.
type chatBody struct {
	fields map[string]json.RawMessage

	Model     string
	Stream    bool
	MaxTokens int
	promptEst int
}

// parseChatBody validates the inbound body and extracts the routed fields.
func parseChatBody(raw []byte, maxTokensDefault int) (*chatBody, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.New("request body must be a JSON object")
	}

	b := &chatBody{fields: fields, MaxTokens: maxTokensDefault}

	if rawModel, ok := fields["model"]; ok {
		if err := json.Unmarshal(rawModel, &b.Model); err != nil {
			return nil, errors.New("field 'model' must be a string")
		}
	}
	if b.Model == "" {
		return nil, errors.New("field 'model' is required")
	}

	if _, ok := fields["messages"]; !ok {
		if _, ok := fields["prompt"]; !ok {
			return nil, errors.New("field 'messages' (or 'prompt') is required")
		}
	}

	if rawStream, ok := fields["stream"]; ok {
		if err := json.Unmarshal(rawStream, &b.Stream); err != nil {
			return nil, errors.New("field 'stream' must be a boolean")
		}
	}

	for _, key := range []string{"max_completion_tokens", "max_tokens"} {
		if rawMax, ok := fields[key]; ok {
			var n int
			if err := json.Unmarshal(rawMax, &n); err != nil || n < 0 {
				return nil, errors.New("field '" + key + "' must be a non-negative integer")
			}
			if n > 0 {
				b.MaxTokens = n
			}
			break
		}
	}

	b.promptEst = estimatePrompt(fields)
	return b, nil
}

// estimatePrompt sums the text content of messages (chat) or the prompt
// field (legacy completions) through the chars/4 heuristic.
func estimatePrompt(fields map[string]json.RawMessage) int {
	var texts []string

	if rawMsgs, ok := fields["messages"]; ok {
		var msgs []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		}
		if err := json.Unmarshal(rawMsgs, &msgs); err == nil {
			for _, m := range msgs {
				texts = append(texts, contentTexts(m.Content)...)
			}
		}
	}
	if rawPrompt, ok := fields["prompt"]; ok {
		texts = append(texts, contentTexts(rawPrompt)...)
	}

	return pricing.EstimatePromptTokens(texts)
}

// contentTexts extracts the text from an OpenAI content value: a bare
// string, an array of strings, or an array of typed parts.
func contentTexts(raw json.RawMessage) []string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil
	}
	var out []string
	for _, p := range parts {
		var ps string
		if err := json.Unmarshal(p, &ps); err == nil {
			out = append(out, ps)
			continue
		}
		var part struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(p, &part); err == nil && part.Text != "" {
			out = append(out, part.Text)
		}
	}
	return out
}

// upstreamBody re-serializes the request for the upstream: the model name is
// replaced with its internal form, and streaming requests are forced to
// report usage in the final chunk.
func (b *chatBody) upstreamBody(internalModel string) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(b.fields)+1)
	for k, v := range b.fields {
		out[k] = v
	}

	nameJSON, _ := json.Marshal(internalModel)
	out["model"] = nameJSON

	if b.Stream {
		opts := map[string]json.RawMessage{}
		if rawOpts, ok := out["stream_options"]; ok {
			_ = json.Unmarshal(rawOpts, &opts)
		}
		opts["include_usage"] = json.RawMessage("true")
		optsJSON, err := json.Marshal(opts)
		if err != nil {
			return nil, err
		}
		out["stream_options"] = optsJSON
	}

	return json.Marshal(out)
}

// rewriteModelName replaces the "model" field of an upstream response body
// with the public model name before it reaches the client.
func rewriteModelName(body []byte, publicName string) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return body
	}
	if _, ok := fields["model"]; !ok {
		return body
	}
	nameJSON, _ := json.Marshal(publicName)
	fields["model"] = nameJSON
	out, err := json.Marshal(fields)
	if err != nil {
		return body
	}
	return out
}
