// Command upstream runs a lightweight HTTP mock of an OpenAI-compatible
// inference server. It is used for E2E/load testing the gateway without GPUs.
//
// The mock verifies the gateway's HMAC signature on every inference request
// when MOCK_HMAC_KEY is set, so signing bugs surface in development instead
// of production.
//
// Environment:
//
//	PORT              — listen port (default 19001)
//	MOCK_HMAC_KEY     — signature key; empty disables verification
//	MOCK_LATENCY_MS   — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   — fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_STREAM_WORDS — words in a generated response (default 10)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tokengate/gateway/internal/upstream"
)

// Config holds runtime configuration for the mock server.
type Config struct {
	Port        string
	HMACKey     string
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
}

func loadConfig() Config {
	c := Config{Port: "19001", StreamWords: 10}

	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	c.HMACKey = os.Getenv("MOCK_HMAC_KEY")
	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	return c
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	var signer *upstream.Signer
	if cfg.HMACKey != "" {
		var err error
		if signer, err = upstream.NewSigner(cfg.HMACKey); err != nil {
			log.Error("signer", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	log.Info("starting mock upstream",
		slog.String("port", cfg.Port),
		slog.Bool("verify_signatures", signer != nil),
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newHandler(cfg, signer, log),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock upstream")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func newHandler(cfg Config, signer *upstream.Signer, log *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Models list — also the gateway's health probe target, so it stays
	// unsigned and cheap.
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "llama-70b-instruct-q4", "object": "model", "created": 1710000000, "owned_by": "mock"},
				{"id": "llama-8b-instruct", "object": "model", "created": 1710000000, "owned_by": "mock"},
				{"id": "bge-large-en", "object": "model", "created": 1710000000, "owned_by": "mock"},
			},
		})
	})

	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		handleCompletion(w, r, cfg, signer, log)
	})
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		handleCompletion(w, r, cfg, signer, log)
	})
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		handleEmbeddings(w, r, cfg, signer, log)
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// verifyRequest checks the gateway signature and returns the request body.
// The signature covers the path relative to the API root, so the /v1 prefix
// is stripped before verification.
func verifyRequest(w http.ResponseWriter, r *http.Request, signer *upstream.Signer, log *slog.Logger) ([]byte, bool) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
		return nil, false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body", "invalid_request")
		return nil, false
	}
	if signer == nil {
		return body, true
	}

	path := strings.TrimPrefix(r.URL.Path, "/v1")
	err = signer.Verify(r.Method, path, body,
		r.Header.Get(upstream.HeaderSignature), r.Header.Get(upstream.HeaderTimestamp))
	if err != nil {
		log.Warn("signature rejected",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusUnauthorized, "invalid gateway signature", "unauthorized")
		return nil, false
	}
	return body, true
}

func handleCompletion(w http.ResponseWriter, r *http.Request, cfg Config, signer *upstream.Signer, log *slog.Logger) {
	body, ok := verifyRequest(w, r, signer, log)
	if !ok {
		return
	}
	applyLatency(cfg)
	if shouldError(cfg) {
		writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
		return
	}

	var req struct {
		Model  string `json:"model"`
		Stream bool   `json:"stream"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}
	if req.Model == "" {
		req.Model = "llama-70b-instruct-q4"
	}

	id := fmt.Sprintf("chatcmpl-mock%x", rand.Int64())
	content := fakeSentence(cfg.StreamWords)
	inTokens := 10
	outTokens := cfg.StreamWords

	if req.Stream {
		serveStream(w, id, req.Model, content, inTokens, outTokens)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     inTokens,
			"completion_tokens": outTokens,
			"total_tokens":      inTokens + outTokens,
		},
	})
}

func handleEmbeddings(w http.ResponseWriter, r *http.Request, cfg Config, signer *upstream.Signer, log *slog.Logger) {
	body, ok := verifyRequest(w, r, signer, log)
	if !ok {
		return
	}
	applyLatency(cfg)
	if shouldError(cfg) {
		writeError(w, http.StatusInternalServerError, "mock internal server error", "server_error")
		return
	}

	var req struct {
		Model string `json:"model"`
		Input any    `json:"input"` // string or []string
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
		return
	}

	var inputs []string
	switch v := req.Input.(type) {
	case string:
		inputs = []string{v}
	case []any:
		for _, x := range v {
			if s, ok := x.(string); ok {
				inputs = append(inputs, s)
			}
		}
	}
	if len(inputs) == 0 {
		inputs = []string{""}
	}
	if req.Model == "" {
		req.Model = "bge-large-en"
	}

	data := make([]map[string]any, len(inputs))
	for i := range inputs {
		data[i] = map[string]any{
			"object":    "embedding",
			"index":     i,
			"embedding": fakeEmbedding(1024),
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
		"model":  req.Model,
		"usage": map[string]int{
			"prompt_tokens": len(inputs) * 5,
			"total_tokens":  len(inputs) * 5,
		},
	})
}

// serveStream writes an SSE stream of completion chunks with a trailing
// usage block, the shape the gateway's meter expects.
func serveStream(w http.ResponseWriter, id, model, content string, inTokens, outTokens int) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	for _, word := range strings.Fields(content) {
		chunk := map[string]any{
			"id":      id,
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{
					"index": 0,
					"delta": map[string]string{
						"content": word + " ",
					},
					"finish_reason": nil,
				},
			},
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flush()
	}

	// Final chunk with finish_reason.
	finalChunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{
			{
				"index":         0,
				"delta":         map[string]string{},
				"finish_reason": "stop",
			},
		},
	}
	data, _ := json.Marshal(finalChunk)
	fmt.Fprintf(w, "data: %s\n\n", data)

	// Trailing usage block (stream_options.include_usage).
	usageChunk := map[string]any{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]any{},
		"usage": map[string]int{
			"prompt_tokens":     inTokens,
			"completion_tokens": outTokens,
			"total_tokens":      inTokens + outTokens,
		},
	}
	data, _ = json.Marshal(usageChunk)
	fmt.Fprintf(w, "data: %s\n\n", data)
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flush()
}

// ── Shared helpers ───────────────────────────────────────────────────────────

var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"inference", "server", "simulating", "a", "real", "generation",
	"for", "development", "and", "testing", "purposes",
}

// fakeSentence returns a fake response text of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// fakeEmbedding returns a slice of floats simulating an embedding vector.
func fakeEmbedding(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rand.Float32()*2 - 1
	}
	return v
}

func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

func shouldError(cfg Config) bool {
	if cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.ErrorRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Message: msg,
		Type:    typ,
		Code:    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
	}})
}
