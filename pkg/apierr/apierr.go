// Package apierr provides structured API error types and HTTP status mapping
// compatible with the Anthropic Messages error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Error type constants, matching the Anthropic wire format.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionErr     = "permission_error"
	TypeNotFound          = "not_found_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeAPIError          = "api_error"
	TypeOverloaded        = "overloaded_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	envelope struct {
		Type  string   `json:"type"`
		Error APIError `json:"error"`
	}
)

// Body returns the serialized error envelope without touching a response.
// Used by the stream relay, which must emit errors as SSE frames.
func Body(errType, message string) []byte {
	body, _ := json.Marshal(envelope{
		Type:  "error",
		Error: APIError{Type: errType, Message: message},
	})
	return body
}

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, errType, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(Body(errType, message))
}

// WriteInvalidRequest writes a 400 with an invalid_request_error body.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, TypeInvalidRequest, message)
}

// WriteRateLimit writes a 429 rate limit error with a Retry-After hint.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int, message string) {
	if retryAfterSeconds > 0 {
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	Write(ctx, fasthttp.StatusTooManyRequests, TypeRateLimitError, message)
}

// WriteUpstream writes a 502 for upstream failures.
func WriteUpstream(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadGateway, TypeAPIError, message)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, TypeAPIError, "upstream request timed out")
}

// WriteInternal writes a 500 internal error.
func WriteInternal(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusInternalServerError, TypeAPIError, message)
}
