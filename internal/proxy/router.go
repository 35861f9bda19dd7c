package proxy

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/tokengate/gateway/internal/upstream"
)

// ManagementRoutes holds optional management API handler functions that are
// registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the full fasthttp handler with routing and middleware.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.dispatchChat)
	r.POST("/v1/completions", g.dispatchChat)
	r.POST("/v1/embeddings", g.dispatchEmbeddings)
	r.GET("/v1/models", g.handleModels)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Server builds the fasthttp server around Handler.
func (g *Gateway) Server(mgmt *ManagementRoutes) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:     g.Handler(mgmt),
		ReadTimeout: 60 * time.Second,
		// Write timeout must cover the longest legitimate generation; streams
		// are flushed incrementally so an idle cap is what actually matters.
		WriteTimeout: 10 * time.Minute,
	}
}

// Start serves on addr (e.g. ":8080") until the listener fails or the
// server is shut down.
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	return g.Server(mgmt).ListenAndServe(addr)
}

// Serve serves on an existing listener. Used by tests with in-memory
// listeners.
func (g *Gateway) Serve(ln net.Listener, mgmt *ManagementRoutes) error {
	return g.Server(mgmt).Serve(ln)
}

// handleModels lists the active model catalog in the OpenAI wire shape. The
// route is authenticated like the inference routes.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	if _, ok := g.authenticate(ctx); !ok {
		return
	}

	// Pricing rides along as an extension block; OpenAI SDKs ignore
	// unknown fields.
	type wirePricing struct {
		InputPerMillion  int64 `json:"input_micro_credits_per_million"`
		OutputPerMillion int64 `json:"output_micro_credits_per_million"`
	}
	type wireModel struct {
		ID      string      `json:"id"`
		Object  string      `json:"object"`
		Created int64       `json:"created"`
		OwnedBy string      `json:"owned_by"`
		Pricing wirePricing `json:"pricing"`
	}
	models := g.catalog.Active()
	data := make([]wireModel, len(models))
	for i, m := range models {
		data[i] = wireModel{
			ID:      m.Name,
			Object:  "model",
			Created: g.startTime.Unix(),
			OwnedBy: "gateway",
			Pricing: wirePricing{
				InputPerMillion:  m.InputPriceMicro,
				OutputPerMillion: m.OutputPriceMicro,
			},
		}
	}

	writeJSON(ctx, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	endpoints := map[string]string{}
	overall := "ok"
	if g.pool != nil {
		healthyLeft := false
		for _, e := range g.pool.Endpoints() {
			st := e.State()
			endpoints[e.Name] = st.String()
			if st == upstream.StateHealthy {
				healthyLeft = true
			}
		}
		if !healthyLeft {
			overall = "degraded"
		}
	}

	writeJSON(ctx, map[string]any{
		"status":         overall,
		"version":        g.version,
		"uptime_seconds": int64(time.Since(g.startTime).Seconds()),
		"endpoints":      endpoints,
	})
}

// handleReadiness reports whether the gateway can take traffic: the record
// store answers and at least one endpoint is not dead.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	probeCtx, cancel := context.WithTimeout(g.baseCtx, 2*time.Second)
	defer cancel()

	ready := g.st.Ping(probeCtx) == nil
	if ready && g.pool != nil {
		ready = false
		for _, e := range g.pool.Endpoints() {
			if e.State() != upstream.StateDead {
				ready = true
				break
			}
		}
	}

	if !ready {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
