package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/tokengate/gateway/internal/apikey"
	"github.com/tokengate/gateway/internal/ledger"
	"github.com/tokengate/gateway/internal/meter"
	"github.com/tokengate/gateway/internal/store"
	"github.com/tokengate/gateway/internal/upstream"
	"github.com/tokengate/gateway/pkg/apierr"
)

// dispatchChat is the core handler for /v1/chat/completions and
// /v1/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	route := "chat_completions"
	upstreamPath := "/chat/completions"
	if path == "/v1/completions" {
		route = "completions"
		upstreamPath = "/completions"
	}
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming is finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	requestID := requestUUID(ctx)

	// 1. Authenticate.
	id, ok := g.authenticate(ctx)
	if !ok {
		return
	}

	// 2. Parse just enough of the body to route and meter it.
	body, err := parseChatBody(ctx.PostBody(), g.maxTokensDefault)
	if err != nil {
		apierr.Write(ctx, apierr.KindInvalidRequest, err.Error())
		return
	}

	// 3. Resolve the model.
	model, err := g.catalog.Lookup(body.Model)
	if err != nil {
		apierr.Write(ctx, apierr.KindNotFound,
			fmt.Sprintf("model %q does not exist or is not available", body.Model))
		return
	}

	g.log.Info("request",
		slog.String("request_id", requestID.String()),
		slog.String("account_id", id.AccountID.String()),
		slog.String("model", model.Name),
		slog.String("route", route),
		slog.Bool("stream", body.Stream),
	)

	// 4. Rate limit.
	if !g.checkRateLimit(ctx, id.AccountID) {
		return
	}

	// 5. Reserve the worst-case cost.
	res := g.reserve(ctx, id.AccountID, model, body.promptEst, body.MaxTokens)
	if res == nil {
		return
	}
	// Until a response is committed, every early return refunds the hold.
	finalized := false
	defer func() {
		if !finalized {
			g.ledger.Release(res)
		}
	}()

	// 6. Rewrite for the upstream and dispatch.
	outBody, err := body.upstreamBody(model.InternalName)
	if err != nil {
		apierr.Write(ctx, apierr.KindInternal, "internal server error")
		return
	}

	if body.Stream {
		// The relay goroutine outlives this handler, so the upstream transfer
		// hangs off the gateway context; Stream.Close ends it early.
		sr, err := g.router.OpenStream(g.baseCtx, upstreamPath, outBody)
		if err != nil {
			g.logDispatchError(requestID, model.Name, err)
			g.writeUpstreamError(ctx, err)
			return
		}
		streaming = true
		finalized = true // ownership moves to the stream writer
		g.relayStream(ctx, sr, res, id, requestID, model, body.promptEst, route, start)
		return
	}

	result, err := g.router.Do(ctx, upstreamPath, outBody)
	if err != nil {
		g.logDispatchError(requestID, model.Name, err)
		g.writeUpstreamError(ctx, err)
		return
	}

	// 7. Meter from the response usage block and settle.
	mt := meter.New(model, body.promptEst)
	var parsed struct {
		Usage *upstream.Usage `json:"usage"`
	}
	if jsonErr := json.Unmarshal(result.Response.Body, &parsed); jsonErr == nil && parsed.Usage != nil {
		mt.ObserveUsage(*parsed.Usage)
	}

	finalized = true
	g.settle(ctx, res, id, requestID, model, mt.Finalize(false))

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(rewriteModelName(result.Response.Body, model.Name))
}

func (g *Gateway) logDispatchError(requestID uuid.UUID, model string, err error) {
	g.log.Error("upstream_dispatch_failed",
		slog.String("request_id", requestID.String()),
		slog.String("model", model),
		slog.String("error", err.Error()),
	)
}

// relayStream copies upstream SSE chunks to the client verbatim while
// metering them, then settles. The writer runs after this handler returns,
// so settlement uses the gateway's base context — a dropped client must not
// cancel its own billing.
func (g *Gateway) relayStream(
	ctx *fasthttp.RequestCtx,
	sr *upstream.StreamResult,
	res *ledger.Reservation,
	id apikey.Identity,
	requestID uuid.UUID,
	model *store.Model,
	promptEst int,
	route string,
	start time.Time,
) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		mt := meter.New(model, promptEst)
		aborted := true
		status := fasthttp.StatusOK

		defer func() {
			if r := recover(); r != nil {
				g.log.Error("stream_writer_panic",
					slog.String("request_id", requestID.String()),
					slog.Any("panic", r),
				)
			}
			sr.Stream.Close()
			g.settle(g.baseCtx, res, id, requestID, model, mt.Finalize(aborted))
			if g.metrics != nil {
				g.metrics.DecInFlight()
				g.metrics.ObserveHTTP(route, status, time.Since(start))
			}
		}()

		for chunk := range sr.Stream.Chunks() {
			if chunk.Err != nil {
				// The upstream died mid-stream. Headers are committed, so the
				// error travels in-band as a final event.
				g.log.Warn("stream_upstream_error",
					slog.String("request_id", requestID.String()),
					slog.String("endpoint", sr.Endpoint),
					slog.String("error", chunk.Err.Error()),
				)
				fmt.Fprintf(w, "data: %s\n\n",
					apierr.Envelope(apierr.KindUpstreamProtocol, "upstream connection lost"))
				w.Flush()
				return
			}

			if chunk.Done {
				fmt.Fprint(w, "data: [DONE]\n\n")
				w.Flush()
				aborted = false
				return
			}

			mt.ObserveChunk(chunk)
			fmt.Fprintf(w, "data: %s\n\n", chunk.Raw)
			if err := w.Flush(); err != nil {
				// Flush failing means the client is gone. Stop the upstream
				// and bill what was delivered.
				if g.metrics != nil {
					g.metrics.RecordStreamDisconnect()
				}
				g.log.Info("stream_client_disconnected",
					slog.String("request_id", requestID.String()),
					slog.Int("completion_tokens", mt.CompletionTokensSoFar()),
				)
				return
			}
		}
	})
}
