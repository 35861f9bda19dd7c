package proxy

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

func runHandler(h fasthttp.RequestHandler, method, path string, setup func(*fasthttp.RequestCtx)) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if setup != nil {
		setup(ctx)
	}
	h(ctx)
	return ctx
}

func TestRecovery_PanicBecomes500(t *testing.T) {
	h := recovery(func(ctx *fasthttp.RequestCtx) {
		panic("boom")
	})

	ctx := runHandler(h, "GET", "/panic", nil)
	if ctx.Response.StatusCode() != fasthttp.StatusInternalServerError {
		t.Errorf("status: got %d want 500", ctx.Response.StatusCode())
	}
	if len(ctx.Response.Body()) == 0 {
		t.Error("500 must carry an error envelope")
	}
}

func TestRequestID_GeneratedWhenMissing(t *testing.T) {
	var seen string
	h := requestID(func(ctx *fasthttp.RequestCtx) {
		seen, _ = ctx.UserValue("request_id").(string)
	})

	ctx := runHandler(h, "GET", "/", nil)

	echoed := string(ctx.Response.Header.Peek("X-Request-ID"))
	if echoed == "" {
		t.Fatal("response must carry X-Request-ID")
	}
	if echoed != seen {
		t.Errorf("header %q and context value %q differ", echoed, seen)
	}
	if _, err := uuid.Parse(echoed); err != nil {
		t.Errorf("generated id must be a UUID: %v", err)
	}
}

func TestRequestID_ClientValuePreserved(t *testing.T) {
	h := requestID(func(ctx *fasthttp.RequestCtx) {})

	ctx := runHandler(h, "GET", "/", func(ctx *fasthttp.RequestCtx) {
		ctx.Request.Header.Set("X-Request-ID", "client-chosen-id")
	})

	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != "client-chosen-id" {
		t.Errorf("client request id must be echoed, got %q", got)
	}
}

func TestTiming_SetsResponseTimeHeader(t *testing.T) {
	h := timing(func(ctx *fasthttp.RequestCtx) {})

	ctx := runHandler(h, "GET", "/", nil)
	if string(ctx.Response.Header.Peek("X-Response-Time")) == "" {
		t.Error("X-Response-Time header missing")
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := securityHeaders(func(ctx *fasthttp.RequestCtx) {})

	ctx := runHandler(h, "GET", "/", nil)
	for header, want := range map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'",
	} {
		if got := string(ctx.Response.Header.Peek(header)); got != want {
			t.Errorf("%s: got %q want %q", header, got, want)
		}
	}
}

func TestCORS_PreflightAnswered(t *testing.T) {
	called := false
	h := corsHandler(nil)(func(ctx *fasthttp.RequestCtx) { called = true })

	ctx := runHandler(h, "OPTIONS", "/v1/chat/completions", nil)
	if ctx.Response.StatusCode() != fasthttp.StatusNoContent {
		t.Errorf("preflight status: got %d want 204", ctx.Response.StatusCode())
	}
	if called {
		t.Error("preflight must not reach the handler")
	}
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "*" {
		t.Errorf("open CORS origin: got %q", got)
	}
}

func TestCORS_Allowlist(t *testing.T) {
	h := corsHandler([]string{"https://app.example.com"})(func(ctx *fasthttp.RequestCtx) {})

	ctx := runHandler(h, "GET", "/", nil)
	if got := string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")); got != "https://app.example.com" {
		t.Errorf("origin: got %q", got)
	}
}

func TestApplyMiddleware_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
			return func(ctx *fasthttp.RequestCtx) {
				order = append(order, name)
				next(ctx)
			}
		}
	}

	h := applyMiddleware(func(ctx *fasthttp.RequestCtx) {
		order = append(order, "handler")
	}, mw("outer"), mw("inner"))

	runHandler(h, "GET", "/", nil)
	want := []string{"outer", "inner", "handler"}
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("execution order: got %v want %v", order, want)
		}
	}
}

func TestParseBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"Bearer sk-abc", "sk-abc"},
		{"bearer sk-abc", "sk-abc"},
		{"Bearer   sk-abc  ", "sk-abc"},
		{"", ""},
		{"sk-abc", ""},
		{"Basic dXNlcg==", ""},
	}
	for _, c := range cases {
		if got := parseBearerToken(c.header); got != c.want {
			t.Errorf("parseBearerToken(%q): got %q want %q", c.header, got, c.want)
		}
	}
}

func TestRewriteModelName(t *testing.T) {
	in := []byte(`{"id":"cmpl-1","model":"internal-name","choices":[]}`)
	out := rewriteModelName(in, "public-name")
	if string(out) == string(in) {
		t.Fatal("model name not rewritten")
	}
	var parsed struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Model != "public-name" {
		t.Errorf("model: got %q", parsed.Model)
	}

	// Bodies without a model field pass through untouched.
	plain := []byte(`{"object":"list"}`)
	if got := rewriteModelName(plain, "x"); string(got) != string(plain) {
		t.Errorf("body without model changed: %s", got)
	}
}
