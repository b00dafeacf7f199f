// Package providers defines the common interfaces and types used by all
// backend adapter implementations (Bedrock, Anthropic, OpenRouter, Cerebras,
// Groq, Gemini, and others).
//
// Each adapter lives in its own sub-package and implements the Provider
// interface. The routing engine treats all adapters polymorphically over
// this capability set — adding a backend never touches the router.
package providers

import (
	"context"
	"fmt"
	"time"
)

type (
	// ContentBlock is a single typed block of response or message content.
	// Only text blocks are normalized; other block types are dropped at the
	// HTTP boundary.
	ContentBlock struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	// Message is a single turn in a conversation.
	Message struct {
		Role    string
		Content []ContentBlock
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// Variant is a concrete backend model plus backend-specific parameters.
	// The router hands the adapter one Variant per attempt; the adapter never
	// iterates variants itself.
	Variant struct {
		Model  string `json:"model"`
		Region string `json:"region,omitempty"` // Bedrock only
	}

	// Request — normalized client request. Immutable once constructed and
	// shared read-only by every candidate attempt of one routing pass.
	Request struct {
		Model       string // the alias the caller asked for
		Messages    []Message
		System      string
		Stream      bool
		MaxTokens   int
		Temperature float64
		RequestID   string
	}

	// Response — normalized adapter response. Exactly one of Content or
	// Stream is populated: buffered responses carry Content, streaming
	// responses carry a live event channel.
	Response struct {
		ID         string
		Model      string // concrete backend model that served the request
		Content    []ContentBlock
		StopReason string
		Usage      Usage

		// Stream is nil for buffered responses. For streams it yields typed
		// events in arrival order; the channel is closed after the terminal
		// event (clean or error).
		Stream <-chan StreamEvent

		// Cancel stops upstream consumption when the caller goes away.
		// Nil for buffered responses.
		Cancel func()
	}
)

// ID returns the variant identity used for blacklist keys and logs.
func (v Variant) ID() string {
	if v.Region == "" {
		return v.Model
	}
	return v.Model + "@" + v.Region
}

// Provider — backend adapter interface.
type Provider interface {
	Name() string
	Send(ctx context.Context, req *Request, v Variant) (*Response, error)
	HealthCheck(ctx context.Context) error
}

// SendTimeout is the per-attempt HTTP timeout applied by adapter clients.
const SendTimeout = 120 * time.Second

// Error is the structured failure every adapter returns for backend-reported
// problems. The router classifies attempts solely from Status and Throttled;
// it never inspects Message or concrete adapter types.
type Error struct {
	Provider  string
	Status    int
	Message   string
	Throttled bool // backend signalled throttling without a 429 status
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.Status)
}

// HTTPStatus implements StatusCoder.
func (e *Error) HTTPStatus() int { return e.Status }

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
