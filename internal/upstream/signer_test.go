package upstream

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestSigner_SignVerifyRoundTrip(t *testing.T) {
	s, err := NewSigner("shared-key")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	body := []byte(`{"model":"gpt-test","messages":[]}`)

	sig, stamp := s.Sign("POST", "/chat/completions", body)
	if err := s.Verify("POST", "/chat/completions", body, sig, stamp); err != nil {
		t.Errorf("fresh signature must verify: %v", err)
	}
}

func TestSigner_EmptyKeyRejected(t *testing.T) {
	if _, err := NewSigner(""); err == nil {
		t.Error("empty key must be rejected")
	}
}

func TestSigner_TamperedBodyFails(t *testing.T) {
	s, _ := NewSigner("shared-key")
	body := []byte(`{"model":"gpt-test"}`)

	sig, stamp := s.Sign("POST", "/chat/completions", body)
	tampered := []byte(`{"model":"gpt-test","max_tokens":999999}`)
	if err := s.Verify("POST", "/chat/completions", tampered, sig, stamp); err == nil {
		t.Error("modified body must fail verification")
	}
}

func TestSigner_WrongPathFails(t *testing.T) {
	s, _ := NewSigner("shared-key")
	body := []byte(`{}`)

	sig, stamp := s.Sign("POST", "/chat/completions", body)
	if err := s.Verify("POST", "/embeddings", body, sig, stamp); err == nil {
		t.Error("signature must be bound to the path")
	}
}

func TestSigner_WrongKeyFails(t *testing.T) {
	a, _ := NewSigner("key-a")
	b, _ := NewSigner("key-b")
	body := []byte(`{}`)

	sig, stamp := a.Sign("POST", "/chat/completions", body)
	if err := b.Verify("POST", "/chat/completions", body, sig, stamp); err == nil {
		t.Error("different key must fail verification")
	}
}

func TestSigner_StaleTimestampFails(t *testing.T) {
	s, _ := NewSigner("shared-key")
	body := []byte(`{}`)

	old := fmt.Sprintf("%d.abc", time.Now().Add(-2*MaxSkew).Unix())
	sig := s.compute("POST", "/chat/completions", body, old)
	if err := s.Verify("POST", "/chat/completions", body, sig, old); err == nil {
		t.Error("timestamp outside the skew window must be rejected")
	}
}

func TestSigner_MalformedTimestampFails(t *testing.T) {
	s, _ := NewSigner("shared-key")
	for _, stamp := range []string{"", "noseparator", "notanumber.uuid"} {
		if err := s.Verify("POST", "/x", nil, "sig", stamp); err == nil {
			t.Errorf("stamp %q must be rejected", stamp)
		}
	}
}

func TestSigner_NonceMakesSignaturesUnique(t *testing.T) {
	s, _ := NewSigner("shared-key")
	body := []byte(`{}`)

	sig1, stamp1 := s.Sign("POST", "/chat/completions", body)
	sig2, stamp2 := s.Sign("POST", "/chat/completions", body)
	if sig1 == sig2 {
		t.Error("two signatures over the same request must differ")
	}
	if stamp1 == stamp2 {
		t.Error("stamps must carry unique nonces")
	}
	if !strings.Contains(stamp1, ".") {
		t.Errorf("stamp %q should be <unix>.<nonce>", stamp1)
	}
}
