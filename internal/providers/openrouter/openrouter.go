// Package openrouter implements the providers.Provider interface for
// OpenRouter, which fronts many upstream models behind one OpenAI-compatible
// API. The adapter builds on the generic openaicompat implementation and adds
// the attribution headers OpenRouter uses for app rankings.
package openrouter

import (
	"github.com/openai/openai-go/v3/option"

	"github.com/modelrelay/modelrelay/internal/providers/openaicompat"
)

const (
	providerName   = "openrouter"
	defaultBaseURL = "https://openrouter.ai/api/v1"
)

// Config holds OpenRouter-specific settings.
type Config struct {
	APIKey string

	// BaseURL overrides the API endpoint (useful for testing).
	BaseURL string

	// Referer and Title are optional attribution headers
	// (HTTP-Referer / X-Title).
	Referer string
	Title   string
}

// New creates an OpenRouter provider.
func New(cfg Config) *openaicompat.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	var extra []option.RequestOption
	if cfg.Referer != "" {
		extra = append(extra, option.WithHeader("HTTP-Referer", cfg.Referer))
	}
	if cfg.Title != "" {
		extra = append(extra, option.WithHeader("X-Title", cfg.Title))
	}

	return openaicompat.New(providerName, cfg.APIKey, baseURL,
		openaicompat.WithRequestOptions(extra...))
}
