// Package apierr provides the structured error envelope returned to clients
// and the mapping from error kinds to HTTP status codes.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorKind constants. These are the wire values of the "type" field.
const (
	KindUnauthorized       = "unauthorized"
	KindForbidden          = "forbidden"
	KindInsufficientCredit = "insufficient_credit"
	KindNotFound           = "not_found"
	KindRateLimit          = "rate_limit_error"
	KindInvalidRequest     = "invalid_request_error"
	KindUpstreamUnavail    = "upstream_unavailable"
	KindUpstreamProtocol   = "upstream_protocol_error"
	KindInternal           = "internal"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// StatusFor returns the HTTP status code for an error kind.
func StatusFor(kind string) int {
	switch kind {
	case KindUnauthorized:
		return fasthttp.StatusUnauthorized
	case KindForbidden:
		return fasthttp.StatusForbidden
	case KindInsufficientCredit:
		return fasthttp.StatusPaymentRequired
	case KindNotFound:
		return fasthttp.StatusNotFound
	case KindRateLimit:
		return fasthttp.StatusTooManyRequests
	case KindInvalidRequest:
		return fasthttp.StatusBadRequest
	case KindUpstreamUnavail, KindUpstreamProtocol:
		return fasthttp.StatusBadGateway
	default:
		return fasthttp.StatusInternalServerError
	}
}

// Write writes the error envelope as JSON with the status implied by kind.
func Write(ctx *fasthttp.RequestCtx, kind, message string) {
	ctx.ResetBody()
	ctx.SetStatusCode(StatusFor(kind))
	ctx.SetContentType("application/json")
	if kind == KindRateLimit {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	ctx.SetBody(Envelope(kind, message))
}

// Envelope returns the serialized error envelope. Used both for HTTP bodies
// and for in-band stream error events once headers are committed.
func Envelope(kind, message string) []byte {
	body, _ := json.Marshal(envelope{Error: APIError{Type: kind, Message: message}})
	return body
}
