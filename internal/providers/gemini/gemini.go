// Package gemini implements the providers.Provider interface for Google
// Gemini (official GenAI SDK).
package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/modelrelay/modelrelay/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = "gemini"
)

// Provider implements providers.Provider for Google Gemini.
type Provider struct {
	apiKey  string
	baseURL string
	client  *genai.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a new Gemini Provider. Returns an error when the SDK client
// cannot be constructed.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	base, ver := splitBaseURLAndVersion(p.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: providers.SendTimeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	p.client = client

	return p, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	_, err := p.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toProviderError(err))
	}
	return nil
}

func (p *Provider) Send(ctx context.Context, req *providers.Request, v providers.Variant) (*providers.Response, error) {
	contents, cfg := buildContentsAndConfig(req)

	if req.Stream {
		return p.sendStreaming(ctx, req, v, contents, cfg)
	}
	return p.sendBuffered(ctx, req, v, contents, cfg)
}

func buildContentsAndConfig(req *providers.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		var sb strings.Builder
		for _, b := range m.Content {
			if b.Type == "text" {
				sb.WriteString(b.Text)
			}
		}
		role := genai.Role(genai.RoleUser)
		if strings.EqualFold(m.Role, "assistant") {
			role = genai.Role(genai.RoleModel)
		}
		contents = append(contents, genai.NewContentFromText(sb.String(), role))
	}

	var cfg *genai.GenerateContentConfig
	if req.System != "" || req.Temperature > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
		if req.System != "" {
			cfg.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: req.System}},
			}
		}
		if req.Temperature > 0 {
			cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
		}
		if req.MaxTokens > 0 {
			cfg.MaxOutputTokens = int32(req.MaxTokens)
		}
	}

	return contents, cfg
}

// mapFinishReason converts a Gemini finish reason into the Anthropic wire
// value.
func mapFinishReason(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	default:
		return "end_turn"
	}
}

func (p *Provider) sendBuffered(
	ctx context.Context,
	req *providers.Request,
	v providers.Variant,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.Response, error) {
	resp, err := p.client.Models.GenerateContent(ctx, v.Model, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	id := req.RequestID
	if id == "" && resp != nil && resp.ResponseID != "" {
		id = resp.ResponseID
	}

	var content []providers.ContentBlock
	stopReason := "end_turn"
	var usage providers.Usage
	if resp != nil {
		if text := resp.Text(); text != "" {
			content = append(content, providers.ContentBlock{Type: "text", Text: text})
		}
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			stopReason = mapFinishReason(resp.Candidates[0].FinishReason)
		}
		if resp.UsageMetadata != nil {
			usage = providers.Usage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
	}

	return &providers.Response{
		ID:         id,
		Model:      v.Model,
		Content:    content,
		StopReason: stopReason,
		Usage:      usage,
	}, nil
}

func (p *Provider) sendStreaming(
	ctx context.Context,
	req *providers.Request,
	v providers.Variant,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
) (*providers.Response, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	// The genai iterator is lazy: the HTTP request only happens on the first
	// pull. Take that step here so a rejected call (429, auth, connection
	// refused) comes back as a classifiable error return instead of being
	// buried mid-stream.
	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(streamCtx, v.Model, contents, cfg))
	first, firstErr, ok := next()
	if ok && firstErr != nil {
		stop()
		cancel()
		return nil, toProviderError(firstErr)
	}

	ch := make(chan providers.StreamEvent, 64)

	go func() {
		defer close(ch)
		defer stop()

		ch <- providers.MessageStartEvent(req.RequestID, v.Model, providers.Usage{})
		ch <- providers.ContentBlockStartEvent(0)

		stopReason := "end_turn"
		var usage providers.Usage

		resp, valid := first, ok
		for valid {
			if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
				c := resp.Candidates[0]
				if text := candidateText(c); text != "" {
					ch <- providers.TextDeltaEvent(0, text)
				}
				if c.FinishReason != "" {
					stopReason = mapFinishReason(c.FinishReason)
				}
				if resp.UsageMetadata != nil {
					usage = providers.Usage{
						InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
						OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					}
				}
			}

			var err error
			resp, err, valid = next()
			if valid && err != nil {
				ch <- providers.StreamErrorEvent(toProviderError(err))
				return
			}
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

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.Error{
			Provider: providerName,
			Status:   apiErr.Code,
			Message:  apiErr.Message,
		}
	}
	return err
}
