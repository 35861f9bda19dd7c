package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/tokengate/gateway/internal/meter"
	"github.com/tokengate/gateway/internal/pricing"
	"github.com/tokengate/gateway/internal/upstream"
	"github.com/tokengate/gateway/pkg/apierr"
)

// embeddingBody is an /v1/embeddings request parsed for routing and
// metering. Embeddings bill input tokens only.
type embeddingBody struct {
	fields    map[string]json.RawMessage
	Model     string
	promptEst int
}

func parseEmbeddingBody(raw []byte) (*embeddingBody, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.New("request body must be a JSON object")
	}

	b := &embeddingBody{fields: fields}

	if rawModel, ok := fields["model"]; ok {
		if err := json.Unmarshal(rawModel, &b.Model); err != nil {
			return nil, errors.New("field 'model' must be a string")
		}
	}
	if b.Model == "" {
		return nil, errors.New("field 'model' is required")
	}

	rawInput, ok := fields["input"]
	if !ok {
		return nil, errors.New("field 'input' is required")
	}
	texts := contentTexts(rawInput)
	if len(texts) == 0 {
		return nil, errors.New("field 'input' must be a string or array of strings")
	}
	b.promptEst = pricing.EstimatePromptTokens(texts)

	return b, nil
}

func (b *embeddingBody) upstreamBody(internalModel string) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(b.fields))
	for k, v := range b.fields {
		out[k] = v
	}
	nameJSON, _ := json.Marshal(internalModel)
	out["model"] = nameJSON
	return json.Marshal(out)
}

// dispatchEmbeddings handles POST /v1/embeddings through the same metered
// pipeline as chat, minus streaming.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "embeddings"

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		}
	}()

	requestID := requestUUID(ctx)

	id, ok := g.authenticate(ctx)
	if !ok {
		return
	}

	body, err := parseEmbeddingBody(ctx.PostBody())
	if err != nil {
		apierr.Write(ctx, apierr.KindInvalidRequest, err.Error())
		return
	}

	model, err := g.catalog.Lookup(body.Model)
	if err != nil {
		apierr.Write(ctx, apierr.KindNotFound,
			fmt.Sprintf("model %q does not exist or is not available", body.Model))
		return
	}

	if !g.checkRateLimit(ctx, id.AccountID) {
		return
	}

	// Embeddings produce no completion tokens; the hold covers input only.
	res := g.reserve(ctx, id.AccountID, model, body.promptEst, 0)
	if res == nil {
		return
	}
	finalized := false
	defer func() {
		if !finalized {
			g.ledger.Release(res)
		}
	}()

	outBody, err := body.upstreamBody(model.InternalName)
	if err != nil {
		apierr.Write(ctx, apierr.KindInternal, "internal server error")
		return
	}

	result, err := g.router.Do(ctx, "/embeddings", outBody)
	if err != nil {
		g.logDispatchError(requestID, model.Name, err)
		g.writeUpstreamError(ctx, err)
		return
	}

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
