// Package bedrock implements the providers.Provider interface for AWS
// Bedrock. It uses the Bedrock Converse API with AWS SigV4 request signing.
//
// Required configuration:
//   - AWS_ACCESS_KEY_ID
//   - AWS_SECRET_ACCESS_KEY
//   - AWS_REGION (default region when a variant does not name one)
//
// Optional:
//   - AWS_SESSION_TOKEN — for temporary credentials (IAM roles, STS).
//
// Each routing variant may carry its own region, so one adapter instance can
// serve us-east-1 and eu-west-1 candidates side by side.
package bedrock

import (
	"bufio"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/modelrelay/modelrelay/internal/providers"
)

const (
	providerName = "bedrock"
	service      = "bedrock"
	algorithm    = "AWS4-HMAC-SHA256"
)

// Provider implements providers.Provider for AWS Bedrock via the Converse API.
type Provider struct {
	accessKey     string
	secretKey     string
	sessionToken  string
	defaultRegion string
	endpointURL   string // optional override for the base endpoint (testing)
	client        *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithSessionToken sets the AWS session token for temporary credentials.
func WithSessionToken(token string) Option {
	return func(p *Provider) { p.sessionToken = token }
}

// WithEndpointURL overrides the Bedrock endpoint base URL (e.g. for local mocks).
// When set, all API calls use this URL instead of the regional AWS endpoint.
func WithEndpointURL(u string) Option {
	return func(p *Provider) { p.endpointURL = u }
}

// New creates a new AWS Bedrock Provider.
func New(accessKey, secretKey, defaultRegion string, opts ...Option) *Provider {
	p := &Provider{
		accessKey:     accessKey,
		secretKey:     secretKey,
		defaultRegion: defaultRegion,
		client:        &http.Client{Timeout: providers.SendTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	// GET /foundation-models — list available models
	endpoint := p.baseEndpoint("bedrock", p.defaultRegion) + "/foundation-models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("bedrock: health check: %w", err)
	}

	if err := p.signRequest(req, nil, p.defaultRegion); err != nil {
		return fmt.Errorf("bedrock: health check sign: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("bedrock: health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bedrock: health check: status %d", resp.StatusCode)
	}
	return nil
}

func (p *Provider) Send(ctx context.Context, req *providers.Request, v providers.Variant) (*providers.Response, error) {
	if req.Stream {
		return p.sendStreaming(ctx, req, v)
	}
	return p.sendBuffered(ctx, req, v)
}

func (p *Provider) region(v providers.Variant) string {
	if v.Region != "" {
		return v.Region
	}
	return p.defaultRegion
}

// ─── Converse API types ───────────────────────────────────────────────────────

type converseRequest struct {
	Messages        []converseMessage `json:"messages"`
	System          []systemContent   `json:"system,omitempty"`
	InferenceConfig *inferenceConfig  `json:"inferenceConfig,omitempty"`
}

type converseMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Text string `json:"text"`
}

type systemContent struct {
	Text string `json:"text"`
}

type inferenceConfig struct {
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type converseResponse struct {
	Output     converseOutput `json:"output"`
	StopReason string         `json:"stopReason"`
	Usage      converseUsage  `json:"usage"`
}

type converseOutput struct {
	Message converseMessage `json:"message"`
}

type converseUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// ─── Request building ─────────────────────────────────────────────────────────

func buildConverseRequest(req *providers.Request) converseRequest {
	var systemTexts []systemContent
	if req.System != "" {
		systemTexts = append(systemTexts, systemContent{Text: req.System})
	}

	msgs := make([]converseMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := "user"
		if strings.EqualFold(m.Role, "assistant") {
			role = "assistant"
		}
		blocks := make([]contentBlock, 0, len(m.Content))
		for _, b := range m.Content {
			if b.Type == "text" {
				blocks = append(blocks, contentBlock{Text: b.Text})
			}
		}
		msgs = append(msgs, converseMessage{Role: role, Content: blocks})
	}

	cr := converseRequest{
		Messages: msgs,
		System:   systemTexts,
	}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		cr.InferenceConfig = &inferenceConfig{
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		}
	}
	return cr
}

// mapStopReason converts a Converse stopReason into the Anthropic wire value.
func mapStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "max_tokens"
	case "stop_sequence":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// ─── Non-streaming ────────────────────────────────────────────────────────────

func (p *Provider) sendBuffered(ctx context.Context, req *providers.Request, v providers.Variant) (*providers.Response, error) {
	payload, err := json.Marshal(buildConverseRequest(req))
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal: %w", err)
	}

	region := p.region(v)
	endpoint := p.converseEndpoint(v.Model, region)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if err := p.signRequest(httpReq, payload, region); err != nil {
		return nil, fmt.Errorf("bedrock: sign: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(resp)
	}

	var cr converseResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("bedrock: decode response: %w", err)
	}

	content := make([]providers.ContentBlock, 0, len(cr.Output.Message.Content))
	for _, b := range cr.Output.Message.Content {
		content = append(content, providers.ContentBlock{Type: "text", Text: b.Text})
	}

	return &providers.Response{
		ID:         req.RequestID,
		Model:      v.Model,
		Content:    content,
		StopReason: mapStopReason(cr.StopReason),
		Usage: providers.Usage{
			InputTokens:  cr.Usage.InputTokens,
			OutputTokens: cr.Usage.OutputTokens,
		},
	}, nil
}

// ─── Streaming ────────────────────────────────────────────────────────────────

type streamFrame struct {
	MessageStart *struct {
		Role string `json:"role"`
	} `json:"messageStart"`
	ContentBlockDelta *struct {
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"contentBlockDelta"`
	MessageStop *struct {
		StopReason string `json:"stopReason"`
	} `json:"messageStop"`
	Metadata *struct {
		Usage converseUsage `json:"usage"`
	} `json:"metadata"`
}

func (p *Provider) sendStreaming(ctx context.Context, req *providers.Request, v providers.Variant) (*providers.Response, error) {
	payload, err := json.Marshal(buildConverseRequest(req))
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal: %w", err)
	}

	region := p.region(v)
	endpoint := p.converseStreamEndpoint(v.Model, region)

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bedrock: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if err := p.signRequest(httpReq, payload, region); err != nil {
		cancel()
		return nil, fmt.Errorf("bedrock: sign: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bedrock: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		defer cancel()
		return nil, parseError(resp)
	}

	ch := make(chan providers.StreamEvent, 64)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		ch <- providers.MessageStartEvent(req.RequestID, v.Model, providers.Usage{})
		ch <- providers.ContentBlockStartEvent(0)

		stopReason := "end_turn"
		var usage providers.Usage

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var fr streamFrame
			if err := json.Unmarshal([]byte(data), &fr); err != nil {
				continue
			}

			if fr.ContentBlockDelta != nil && fr.ContentBlockDelta.Delta.Text != "" {
				ch <- providers.TextDeltaEvent(0, fr.ContentBlockDelta.Delta.Text)
			}
			if fr.MessageStop != nil {
				stopReason = mapStopReason(fr.MessageStop.StopReason)
			}
			if fr.Metadata != nil {
				usage = providers.Usage{
					InputTokens:  fr.Metadata.Usage.InputTokens,
					OutputTokens: fr.Metadata.Usage.OutputTokens,
				}
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- providers.StreamErrorEvent(fmt.Errorf("bedrock: stream: %w", err))
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

// ─── Endpoints ───────────────────────────────────────────────────────────────

// baseEndpoint returns the root URL for a given Bedrock sub-service.
// When endpointURL is set (e.g. for testing), it is used for all services.
func (p *Provider) baseEndpoint(subservice, region string) string {
	if p.endpointURL != "" {
		return strings.TrimRight(p.endpointURL, "/")
	}
	return fmt.Sprintf("https://%s.%s.amazonaws.com", subservice, region)
}

func (p *Provider) converseEndpoint(modelID, region string) string {
	if p.endpointURL != "" {
		return fmt.Sprintf("%s/model/%s/converse", strings.TrimRight(p.endpointURL, "/"), modelID)
	}
	return fmt.Sprintf(
		"https://bedrock-runtime.%s.amazonaws.com/model/%s/converse",
		region, modelID,
	)
}

func (p *Provider) converseStreamEndpoint(modelID, region string) string {
	if p.endpointURL != "" {
		return fmt.Sprintf("%s/model/%s/converse-stream", strings.TrimRight(p.endpointURL, "/"), modelID)
	}
	return fmt.Sprintf(
		"https://bedrock-runtime.%s.amazonaws.com/model/%s/converse-stream",
		region, modelID,
	)
}

// ─── AWS SigV4 signing ────────────────────────────────────────────────────────

func (p *Provider) signRequest(req *http.Request, payload []byte, region string) error {
	now := time.Now().UTC()
	datestamp := now.Format("20060102")
	amzdate := now.Format("20060102T150405Z")

	req.Header.Set("X-Amz-Date", amzdate)
	if p.sessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", p.sessionToken)
	}

	payloadHash := sha256Hex(payload)

	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	req.Header.Set("Host", host)

	signedHeaders := "content-type;host;x-amz-date"
	canonicalHeaders := fmt.Sprintf(
		"content-type:%s\nhost:%s\nx-amz-date:%s\n",
		req.Header.Get("Content-Type"), host, amzdate,
	)
	if p.sessionToken != "" {
		signedHeaders = "content-type;host;x-amz-date;x-amz-security-token"
		canonicalHeaders = fmt.Sprintf(
			"content-type:%s\nhost:%s\nx-amz-date:%s\nx-amz-security-token:%s\n",
			req.Header.Get("Content-Type"), host, amzdate, p.sessionToken,
		)
	}

	canonicalURI := req.URL.Path
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		req.URL.RawQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", datestamp, region, service)

	stringToSign := strings.Join([]string{
		algorithm,
		amzdate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(p.secretKey, datestamp, region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, p.accessKey, credentialScope, signedHeaders, signature,
	))

	return nil
}

func deriveSigningKey(secretKey, date, region, svc string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), date)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, svc)
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// ─── Error handling ───────────────────────────────────────────────────────────

type bedrockError struct {
	Message string `json:"message"`
	Type    string `json:"__type"`
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var be bedrockError
	if json.Unmarshal(body, &be) == nil && be.Message != "" {
		// Bedrock reports throttling via __type, sometimes on non-429 statuses.
		throttled := strings.Contains(be.Type, "ThrottlingException") ||
			strings.Contains(be.Message, "Too many requests")
		return &providers.Error{
			Provider:  providerName,
			Status:    resp.StatusCode,
			Message:   be.Message,
			Throttled: throttled,
		}
	}

	return &providers.Error{
		Provider: providerName,
		Status:   resp.StatusCode,
		Message:  fmt.Sprintf("unexpected status %d", resp.StatusCode),
	}
}
