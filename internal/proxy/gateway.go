// Package proxy is the HTTP front of the relay.
//
// The Gateway receives an Anthropic Messages request, applies the inbound
// rate limit and response cache, hands the normalized request to the fallback
// router, and writes the winning response back — buffered JSON or an SSE
// relay of the upstream stream.
//
// Key design constraints:
//   - Cache, rate limiter, history recorder, and metrics are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); they are never cached.
package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/modelrelay/modelrelay/internal/cache"
	"github.com/modelrelay/modelrelay/internal/history"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/providers"
	"github.com/modelrelay/modelrelay/internal/ratelimit"
	"github.com/modelrelay/modelrelay/internal/routing"
	"github.com/modelrelay/modelrelay/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	routeMessages = "messages"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Metrics

	// CacheTTL controls the default TTL for cached responses. Default: 1h.
	CacheTTL time.Duration

	// RetryAfter is the Retry-After hint returned when every candidate was
	// rate limited. Usually the blacklist window. Default: 60s.
	RetryAfter time.Duration

	// RequestTimeout caps the whole upstream pass for one request: every
	// fallback attempt plus pacing between them. Streamed completions can run
	// for minutes, so the default is generous: 10m, matching the server's
	// write timeout.
	RequestTimeout time.Duration
}

// Gateway is the main HTTP handler set — all dependencies are injected via
// the constructor so they can be replaced with mock doubles in unit tests.
type Gateway struct {
	router  *routing.Router
	cache   cache.Cache
	health  *HealthChecker
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Metrics

	cacheTTL       time.Duration
	retryAfter     time.Duration
	requestTimeout time.Duration

	// Optional dependencies — nil-safe when not configured.
	rpmLimiter      *ratelimit.RPMLimiter
	recorder        *history.Recorder
	cacheExclusions *cache.ExclusionList

	// CORS allowed origins. Empty slice means allow all.
	corsOrigins []string
}

// NewGateway creates a Gateway with default settings.
func NewGateway(ctx context.Context, r *routing.Router, provs map[string]providers.Provider, c cache.Cache) *Gateway {
	return NewGatewayWithOptions(ctx, r, provs, c, nil, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway. cacheReady is an
// optional readiness probe for the cache backend, used by GET /readiness.
func NewGatewayWithOptions(
	baseCtx context.Context,
	r *routing.Router,
	provs map[string]providers.Provider,
	c cache.Cache,
	cacheReady func() bool,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if r == nil {
		panic("gateway: router must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	retryAfter := opts.RetryAfter
	if retryAfter <= 0 {
		retryAfter = time.Minute
	}

	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Minute
	}

	gw := &Gateway{
		router:         r,
		cache:          c,
		baseCtx:        baseCtx,
		log:            log,
		metrics:        opts.Metrics,
		cacheTTL:       cacheTTL,
		retryAfter:     retryAfter,
		requestTimeout: requestTimeout,
	}

	if len(provs) > 0 {
		gw.health = NewHealthChecker(baseCtx, provs, cacheReady, gw.metrics)
	}

	return gw
}

// SetRateLimiter injects the inbound RPM rate limiter.
func (g *Gateway) SetRateLimiter(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetHistory injects the async request history recorder.
func (g *Gateway) SetHistory(r *history.Recorder) {
	g.recorder = r
}

// SetCacheExclusions injects the cache exclusion list.
// Requests whose model alias matches any rule skip both cache GET and SET.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) {
	g.cacheExclusions = el
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// ── Inbound / outbound wire types (Anthropic Messages) ───────────────────────

type (
	// inboundContent accepts the two content encodings the Messages API
	// allows: a bare string or an array of content blocks.
	inboundContent []providers.ContentBlock

	inboundMessage struct {
		Role    string         `json:"role"`
		Content inboundContent `json:"content"`
	}

	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		System      inboundContent   `json:"system"`
		Stream      bool             `json:"stream"`
		MaxTokens   int              `json:"max_tokens"`
		Temperature float64          `json:"temperature"`
	}

	outboundResponse struct {
		ID           string                   `json:"id"`
		Type         string                   `json:"type"`
		Role         string                   `json:"role"`
		Model        string                   `json:"model"`
		Content      []providers.ContentBlock `json:"content"`
		StopReason   string                   `json:"stop_reason"`
		StopSequence *string                  `json:"stop_sequence"`
		Usage        providers.Usage          `json:"usage"`
	}
)

func (c *inboundContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = inboundContent{{Type: "text", Text: s}}
		return nil
	}
	var blocks []providers.ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content must be a string or an array of content blocks")
	}
	*c = blocks
	return nil
}

// text flattens the content to a single string, joining text blocks.
func (c inboundContent) text() string {
	var sb strings.Builder
	for _, b := range c {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// dispatchMessages is the core handler for POST /v1/messages.
func (g *Gateway) dispatchMessages(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	rawBody := ctx.PostBody()
	winner := "none"
	inputTokens, outputTokens := 0, 0
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			// Streaming requests are finalised by the relay's onComplete.
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(routeMessages, ctx.Response.StatusCode(), time.Since(start))
		g.metrics.AddTokens(winner, inputTokens, outputTokens)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse and validate the request body.
	var req inboundRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		apierr.WriteInvalidRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if req.Model == "" {
		apierr.WriteInvalidRequest(ctx, "field 'model' is required")
		return
	}
	if len(req.Messages) == 0 {
		apierr.WriteInvalidRequest(ctx, "field 'messages' must not be empty")
		return
	}
	if req.MaxTokens <= 0 {
		apierr.WriteInvalidRequest(ctx, "field 'max_tokens' is required and must be positive")
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	)

	// 2. Inbound rate limit (RPM).
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
				slog.String("model", req.Model),
			)
			apierr.WriteRateLimit(ctx, 60, "request rate limit exceeded")
			return
		}
		if g.metrics != nil {
			if err != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	// 3. Cache lookup — non-streaming only; skip excluded models. The key is
	// a digest of the raw body, so any change in the request misses.
	cacheEligible := !req.Stream && g.cache != nil &&
		(g.cacheExclusions == nil || !g.cacheExclusions.Matches(req.Model))
	cacheKey := ""
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}
	if cacheEligible {
		cacheKey = buildCacheKey(rawBody)
		if cachedBody, ok := g.cache.Get(ctx, cacheKey); ok {
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", reqID),
				slog.String("model", req.Model),
			)
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(cachedBody)

			var cu outboundResponse
			if err := json.Unmarshal(cachedBody, &cu); err == nil {
				inputTokens = cu.Usage.InputTokens
				outputTokens = cu.Usage.OutputTokens
			}

			g.record(reqID, req.Model, "", "ok", 0, inputTokens, outputTokens,
				time.Since(start), fasthttp.StatusOK, true, false)
			return
		}
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// 4. Build the normalized request and run the fallback pass.
	proxyReq := &providers.Request{
		Model:       req.Model,
		Messages:    toProviderMessages(req.Messages),
		System:      req.System.text(),
		Stream:      req.Stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		RequestID:   reqID,
	}

	// The route context caps the whole upstream pass. fasthttp's RequestCtx
	// carries no per-request deadline of its own (Done only fires on server
	// shutdown), so without this bound a hung upstream would hold the
	// connection forever. A streamed response keeps reading after this
	// handler returns, so the cancel is chained into the response's Cancel
	// instead of deferred here.
	routeCtx, cancelRoute := context.WithTimeout(ctx, g.requestTimeout)

	out, err := g.router.Route(routeCtx, proxyReq)
	if err != nil {
		cancelRoute()
		// Configuration errors surface before any provider call.
		if errors.Is(err, routing.ErrUnknownModel) || errors.Is(err, routing.ErrNoCandidates) {
			apierr.WriteInvalidRequest(ctx, err.Error())
			return
		}
		apierr.WriteInternal(ctx, err.Error())
		return
	}

	// 5. Map the terminal outcome to an HTTP response.
	switch out.Status {
	case routing.StatusOK:
		winner = out.Winner.Provider

	case routing.StatusDeadline:
		cancelRoute()
		g.log.ErrorContext(ctx, "route_deadline",
			slog.String("request_id", reqID),
			slog.String("model", req.Model),
			slog.Int("attempts", len(out.Attempts)),
		)
		apierr.WriteTimeout(ctx)
		g.record(reqID, req.Model, "", "deadline", len(out.Attempts), 0, 0,
			time.Since(start), fasthttp.StatusGatewayTimeout, false, req.Stream)
		return

	default: // StatusExhausted
		cancelRoute()
		g.log.ErrorContext(ctx, "route_exhausted",
			slog.String("request_id", reqID),
			slog.String("model", req.Model),
			slog.Int("attempts", len(out.Attempts)),
			slog.String("errors", joinErrs(out.Errs())),
		)
		status := fasthttp.StatusBadGateway
		if out.AllRateLimited() {
			status = fasthttp.StatusTooManyRequests
			apierr.WriteRateLimit(ctx, int(g.retryAfter.Seconds()),
				"all upstream candidates are rate limited")
		} else {
			apierr.WriteUpstream(ctx, "no provider could serve the request: "+joinErrs(out.Errs()))
		}
		g.record(reqID, req.Model, "", "exhausted", len(out.Attempts), 0, 0,
			time.Since(start), status, false, req.Stream)
		return
	}

	resp := out.Response

	// 6a. Streaming — SSE relay. Responses are never cached for streams.
	if req.Stream && resp.Stream != nil {
		upstreamCancel := resp.Cancel
		resp.Cancel = func() {
			if upstreamCancel != nil {
				upstreamCancel()
			}
			cancelRoute()
		}

		streaming = true
		provider := out.Winner.Provider
		attempts := len(out.Attempts)
		model := req.Model

		onEvent := func(typ string) {
			if g.metrics != nil {
				g.metrics.RecordStreamEvent(provider, typ)
			}
		}
		writeStream(ctx, resp, onEvent, func(res streamResult) {
			outcome := "ok"
			if res.Err != nil {
				outcome = "error"
				g.log.ErrorContext(g.baseCtx, "stream_error",
					slog.String("request_id", reqID),
					slog.String("provider", provider),
					slog.String("error", res.Err.Error()),
				)
			}
			dur := time.Since(start)
			g.record(reqID, model, out.Winner.Key(), outcome, attempts,
				0, res.OutputTokens, dur, fasthttp.StatusOK, false, true)
			if g.metrics != nil {
				g.metrics.DecInFlight()
				g.metrics.ObserveHTTP(routeMessages, fasthttp.StatusOK, dur)
				g.metrics.AddTokens(provider, 0, res.OutputTokens)
			}
			g.log.DebugContext(g.baseCtx, "stream_done",
				slog.String("request_id", reqID),
				slog.String("winner", out.Winner.Key()),
				slog.Int("events", res.Events),
				slog.Duration("elapsed", dur),
			)
		})
		return
	}

	// 6b. Buffered — Anthropic message envelope. The upstream call already
	// completed, so the route context has done its job.
	cancelRoute()

	body, err := json.Marshal(outboundResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      resp.Model,
		Content:    resp.Content,
		StopReason: resp.StopReason,
		Usage:      resp.Usage,
	})
	if err != nil {
		apierr.WriteInternal(ctx, "failed to serialize response")
		return
	}

	// 7. Populate cache for future identical requests.
	if cacheEligible {
		if err := g.cache.Set(ctx, cacheKey, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	inputTokens = resp.Usage.InputTokens
	outputTokens = resp.Usage.OutputTokens

	g.record(reqID, req.Model, out.Winner.Key(), "ok", len(out.Attempts),
		inputTokens, outputTokens, time.Since(start), fasthttp.StatusOK, false, false)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("winner", out.Winner.Key()),
		slog.String("model", resp.Model),
		slog.Int("attempts", len(out.Attempts)),
		slog.Int("input_tokens", inputTokens),
		slog.Int("output_tokens", outputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func toProviderMessages(msgs []inboundMessage) []providers.Message {
	out := make([]providers.Message, len(msgs))
	for i, m := range msgs {
		out[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// record enqueues a history record. Never blocks; nil-safe.
func (g *Gateway) record(
	requestID, alias, candidate, outcome string,
	attempts, inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	cached, streamed bool,
) {
	if g.recorder == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	// Clamp to field widths so we don't overflow.
	latencyMs := latency.Milliseconds()
	if latencyMs > 65535 {
		latencyMs = 65535
	}
	if attempts > 255 {
		attempts = 255
	}

	g.recorder.Record(history.Record{
		ID:           reqUUID,
		Alias:        alias,
		Candidate:    candidate,
		Outcome:      outcome,
		Attempts:     uint8(attempts),
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    uint16(latencyMs),
		Status:       uint16(status),
		Cached:       cached,
		Streamed:     streamed,
		CreatedAt:    time.Now(),
	})
}

// buildCacheKey returns a deterministic digest key for the raw request body.
// Byte-identical requests share a key; any difference misses.
func buildCacheKey(body []byte) string {
	h := sha256.Sum256(body)
	return "cache:" + hex.EncodeToString(h[:])
}

func joinErrs(errs []error) string {
	if len(errs) == 0 {
		return "no candidates attempted"
	}
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}
