// Package openaicompat provides a generic adapter for any backend that
// implements the OpenAI chat completions API (Cerebras, Groq, xAI, DeepSeek,
// Together AI, and others). Requests arrive in the normalized Anthropic-style
// form and are translated to the OpenAI wire format on the way out.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/modelrelay/modelrelay/internal/providers"
)

// Provider is a configurable OpenAI-compatible adapter.
type Provider struct {
	name    string
	apiKey  string
	baseURL string
	extra   []option.RequestOption
	client  openaiSDK.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithRequestOptions appends extra SDK request options applied to every call
// (e.g. attribution headers some backends expect).
func WithRequestOptions(opts ...option.RequestOption) Option {
	return func(p *Provider) { p.extra = append(p.extra, opts...) }
}

// New creates a new OpenAI-compatible Provider.
//
//   - name    — unique backend identifier used for routing and logs.
//   - apiKey  — API key sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL, e.g. "https://api.cerebras.ai/v1".
func New(name, apiKey, baseURL string, opts ...Option) *Provider {
	p := &Provider{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
	}
	for _, o := range opts {
		o(p)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.SendTimeout}),
	}
	if p.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(p.baseURL))
	}
	clientOpts = append(clientOpts, p.extra...)

	p.client = openaiSDK.NewClient(clientOpts...)
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", p.name, p.toProviderError(err))
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

func buildParams(req *providers.Request, v providers.Variant) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    v.Model,
	}

	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	return params
}

func toSDKMessage(m providers.Message) openaiSDK.ChatCompletionMessageParamUnion {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	if strings.EqualFold(m.Role, "assistant") {
		return openaiSDK.AssistantMessage(sb.String())
	}
	return openaiSDK.UserMessage(sb.String())
}

// mapFinishReason converts an OpenAI finish_reason into the Anthropic wire
// value.
func mapFinishReason(reason string) string {
	switch reason {
	case "length":
		return "max_tokens"
	case "stop", "":
		return "end_turn"
	default:
		return "end_turn"
	}
}

func (p *Provider) sendBuffered(ctx context.Context, params openaiSDK.ChatCompletionNewParams) (*providers.Response, error) {
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.toProviderError(err)
	}

	var content []providers.ContentBlock
	stopReason := "end_turn"
	if len(resp.Choices) > 0 {
		c := resp.Choices[0]
		if c.Message.Content != "" {
			content = append(content, providers.ContentBlock{Type: "text", Text: c.Message.Content})
		}
		stopReason = mapFinishReason(c.FinishReason)
	}

	return &providers.Response{
		ID:         resp.ID,
		Model:      resp.Model,
		Content:    content,
		StopReason: stopReason,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func (p *Provider) sendStreaming(
	ctx context.Context,
	req *providers.Request,
	v providers.Variant,
	params openaiSDK.ChatCompletionNewParams,
) (*providers.Response, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	stream := p.client.Chat.Completions.NewStreaming(streamCtx, params)

	// The SDK performs the HTTP request eagerly; a rejected call (429, auth,
	// connection refused) is already recorded here. Surfacing it as an error
	// return keeps the failure classifiable instead of burying it mid-stream.
	if err := stream.Err(); err != nil {
		cancel()
		return nil, p.toProviderError(err)
	}

	ch := make(chan providers.StreamEvent, 64)

	go func() {
		defer close(ch)

		ch <- providers.MessageStartEvent(req.RequestID, v.Model, providers.Usage{})
		ch <- providers.ContentBlockStartEvent(0)

		stopReason := "end_turn"
		var usage providers.Usage

		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.CompletionTokens > 0 {
				usage = providers.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content != "" {
				ch <- providers.TextDeltaEvent(0, c.Delta.Content)
			}
			if c.FinishReason != "" {
				stopReason = mapFinishReason(c.FinishReason)
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamErrorEvent(p.toProviderError(err))
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

func (p *Provider) toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.Error{
			Provider: p.name,
			Status:   apierr.StatusCode,
			Message:  apierr.Error(),
		}
	}
	return err
}
