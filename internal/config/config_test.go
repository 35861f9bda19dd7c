package config

import "testing"

func TestParseUpstreams(t *testing.T) {
	eps, err := parseUpstreams("gpu-1=http://10.0.0.1:8000/v1, gpu-2=http://10.0.0.2:8000/v1")
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 2 {
		t.Fatalf("endpoints: got %d want 2", len(eps))
	}
	if eps[0].Name != "gpu-1" || eps[0].BaseURL != "http://10.0.0.1:8000/v1" {
		t.Errorf("first endpoint: %+v", eps[0])
	}
	if eps[1].Name != "gpu-2" {
		t.Errorf("second endpoint: %+v", eps[1])
	}
}

func TestParseUpstreams_NameDefaultsToHost(t *testing.T) {
	eps, err := parseUpstreams("http://gpu-node-1:8000/v1")
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 1 || eps[0].Name != "gpu-node-1:8000" {
		t.Errorf("got %+v", eps)
	}
}

func TestParseUpstreams_TrailingSlashStripped(t *testing.T) {
	eps, err := parseUpstreams("http://host:8000/v1/")
	if err != nil {
		t.Fatal(err)
	}
	if eps[0].BaseURL != "http://host:8000/v1" {
		t.Errorf("base url: %q", eps[0].BaseURL)
	}
}

func TestParseUpstreams_Invalid(t *testing.T) {
	for _, raw := range []string{
		"not-a-url",
		"gpu=ftp://host/v1",
		"gpu=://missing-scheme",
	} {
		if _, err := parseUpstreams(raw); err == nil {
			t.Errorf("parseUpstreams(%q): expected error", raw)
		}
	}
}

func TestValidate_RequiresUpstreamAndKey(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	if err := cfg.validate(); err == nil {
		t.Error("empty upstream list must fail validation")
	}

	cfg.Upstreams = []UpstreamEndpoint{{Name: "a", BaseURL: "http://a/v1"}}
	if err := cfg.validate(); err == nil {
		t.Error("missing HMAC key must fail validation")
	}
}

func TestValidate_DuplicateNames(t *testing.T) {
	cfg := &Config{
		LogLevel: "info",
		Upstreams: []UpstreamEndpoint{
			{Name: "a", BaseURL: "http://a/v1"},
			{Name: "a", BaseURL: "http://b/v1"},
		},
		Upstream: UpstreamConfig{HMACKey: "k", DeadThreshold: 3, Timeout: 1},
	}
	if err := cfg.validate(); err == nil {
		t.Error("duplicate upstream names must fail validation")
	}
}

func TestValidate_RateLimitNeedsRedis(t *testing.T) {
	cfg := &Config{
		LogLevel:  "info",
		Upstreams: []UpstreamEndpoint{{Name: "a", BaseURL: "http://a/v1"}},
		Upstream:  UpstreamConfig{HMACKey: "k", DeadThreshold: 3, Timeout: 1},
		RateLimit: RateLimitConfig{RPMLimit: 60},
		Billing:   BillingConfig{ReservationTTL: 1, DefaultMaxTokens: 1},
	}
	if err := cfg.validate(); err == nil {
		t.Error("RPM limit without Redis must fail validation")
	}
}
