// Package anthropic implements the providers.Provider interface for the
// Anthropic API using the official SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/modelrelay/modelrelay/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Provider implements providers.Provider for Anthropic (official SDK).
type Provider struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// New creates a new Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.SendTimeout}

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(httpClient),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	// Simple auth/connectivity check: GET /v1/models
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Send(ctx context.Context, req *providers.Request, v providers.Variant) (*providers.Response, error) {
	params := buildParams(req, v)

	if req.Stream {
		return p.sendStreaming(ctx, req, v, params)
	}
	return p.sendBuffered(ctx, params)
}

func buildParams(req *providers.Request, v providers.Variant) anthropic.MessageNewParams {
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m))
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(v.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: req.System},
		}
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	return params
}

func toSDKMessage(m providers.Message) anthropic.MessageParam {
	role := anthropic.MessageParamRoleUser
	if strings.EqualFold(m.Role, "assistant") {
		role = anthropic.MessageParamRoleAssistant
	}

	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
	for _, b := range m.Content {
		if b.Type != "text" {
			continue
		}
		blocks = append(blocks, anthropic.ContentBlockParamUnion{
			OfText: &anthropic.TextBlockParam{Text: b.Text},
		})
	}

	return anthropic.MessageParam{Role: role, Content: blocks}
}

func (p *Provider) sendBuffered(ctx context.Context, params anthropic.MessageNewParams) (*providers.Response, error) {
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, toProviderError(err)
	}

	content := make([]providers.ContentBlock, 0, len(msg.Content))
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			content = append(content, providers.ContentBlock{Type: "text", Text: v.Text})
		case *anthropic.TextBlock:
			content = append(content, providers.ContentBlock{Type: "text", Text: v.Text})
		}
	}

	return &providers.Response{
		ID:         msg.ID,
		Model:      string(msg.Model),
		Content:    content,
		StopReason: string(msg.StopReason),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (p *Provider) sendStreaming(
	ctx context.Context,
	req *providers.Request,
	v providers.Variant,
	params anthropic.MessageNewParams,
) (*providers.Response, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	stream := p.client.Messages.NewStreaming(streamCtx, params)

	// The SDK performs the HTTP request eagerly; a rejected call (429, auth,
	// connection refused) is already recorded here. Surfacing it as an error
	// return keeps the failure classifiable instead of burying it mid-stream.
	if err := stream.Err(); err != nil {
		cancel()
		return nil, toProviderError(err)
	}

	ch := make(chan providers.StreamEvent, 64)

	go func() {
		defer close(ch)

		ch <- providers.MessageStartEvent(req.RequestID, v.Model, providers.Usage{})
		ch <- providers.ContentBlockStartEvent(0)

		stopReason := "end_turn"
		var usage providers.Usage

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.TextDeltaEvent(0, deltaVariant.Text)
					}
				case *anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.TextDeltaEvent(0, deltaVariant.Text)
					}
				}
			case anthropic.MessageDeltaEvent:
				if eventVariant.Delta.StopReason != "" {
					stopReason = string(eventVariant.Delta.StopReason)
				}
				usage.OutputTokens = int(eventVariant.Usage.OutputTokens)
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamErrorEvent(toProviderError(err))
			return
		}

		ch <- providers.ContentBlockStopEvent(0)
		ch <- providers.MessageDeltaEvent(stopReason, usage)
		ch <- providers.MessageStopEvent()
	}()

	return &providers.Response{
		ID:     req.RequestID,
		Model:  v.Model,
		Stream: ch,
		Cancel: cancel,
	}, nil
}

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Provider: providerName,
			Status:   apierr.StatusCode,
			Message:  apierr.Error(),
		}
	}
	return err
}
