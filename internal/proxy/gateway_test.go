package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/modelrelay/modelrelay/internal/providers"
	"github.com/modelrelay/modelrelay/internal/routing"
)

// --- helpers ----------------------------------------------------------------

// funcProvider adapts a function to the Provider interface.
type funcProvider struct {
	name   string
	sendFn func(ctx context.Context, req *providers.Request, v providers.Variant) (*providers.Response, error)
}

func (p *funcProvider) Name() string { return p.name }

func (p *funcProvider) Send(ctx context.Context, req *providers.Request, v providers.Variant) (*providers.Response, error) {
	return p.sendFn(ctx, req, v)
}

func (p *funcProvider) HealthCheck(context.Context) error { return nil }

// okProvider always returns a successful buffered response.
func okProvider(name string) *funcProvider {
	return &funcProvider{
		name: name,
		sendFn: func(_ context.Context, req *providers.Request, v providers.Variant) (*providers.Response, error) {
			return &providers.Response{
				ID:         "msg_" + req.RequestID,
				Model:      v.Model,
				Content:    []providers.ContentBlock{{Type: "text", Text: "hello from " + name}},
				StopReason: "end_turn",
				Usage:      providers.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}
}

func failProvider(name string, status int) *funcProvider {
	return &funcProvider{
		name: name,
		sendFn: func(context.Context, *providers.Request, providers.Variant) (*providers.Response, error) {
			return nil, &providers.Error{Provider: name, Status: status, Message: "upstream failure"}
		},
	}
}

// stubCache is a simple in-memory cache for tests.
type stubCache struct {
	store map[string][]byte
}

func newStubCache() *stubCache {
	return &stubCache{store: make(map[string][]byte)}
}

func (c *stubCache) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := c.store[key]
	return v, ok
}

func (c *stubCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.store[key] = value
	return nil
}

func (c *stubCache) Delete(_ context.Context, key string) error {
	delete(c.store, key)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGateway wires a Gateway over the given providers with a single
// "claude" alias whose stages try the providers in map-independent order
// (one stage per variants entry, provider name = stage provider).
func newTestGateway(t *testing.T, provs map[string]providers.Provider, stages []routing.Stage) *Gateway {
	t.Helper()

	table, err := routing.NewTable([]routing.Rule{{Alias: "claude", Stages: stages}})
	if err != nil {
		t.Fatal(err)
	}

	r := routing.New(routing.Config{
		Table:     table,
		Providers: provs,
		RetryWait: time.Millisecond,
		BlockFor:  time.Minute,
		Logger:    discardLogger(),
	})

	gw := NewGatewayWithOptions(context.Background(), r, provs, nil, nil, GatewayOptions{
		Logger: discardLogger(),
	})
	t.Cleanup(func() {
		if gw.health != nil {
			gw.health.Close()
		}
	})
	return gw
}

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's full middleware pipeline. Returns an HTTP client that routes to it.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := gw.Server(nil)

	go func() {
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func doPost(t *testing.T, client *http.Client, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://test"+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func singleStage(provider, model string) []routing.Stage {
	return []routing.Stage{{Provider: provider, Variants: []providers.Variant{{Model: model}}}}
}

// --- validation -------------------------------------------------------------

func TestDispatchMessages_InvalidJSON(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"p1": okProvider("p1")}, singleStage("p1", "m1"))

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{invalid`))
	ctx.SetUserValue("request_id", "req-1")

	gw.dispatchMessages(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
	var env struct {
		Type  string `json:"type"`
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("failed to parse error envelope: %v", err)
	}
	if env.Type != "error" || env.Error.Type != "invalid_request_error" {
		t.Errorf("unexpected envelope: %s", ctx.Response.Body())
	}
}

func TestDispatchMessages_MissingFields(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"p1": okProvider("p1")}, singleStage("p1", "m1"))

	cases := []struct {
		name string
		body string
		want string
	}{
		{"no model", `{"max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`, "model"},
		{"no messages", `{"model":"claude","max_tokens":64}`, "messages"},
		{"no max_tokens", `{"model":"claude","messages":[{"role":"user","content":"hi"}]}`, "max_tokens"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			ctx.Request.SetBody([]byte(tc.body))
			ctx.SetUserValue("request_id", "req-1")

			gw.dispatchMessages(ctx)

			if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
				t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
			}
			if !strings.Contains(string(ctx.Response.Body()), tc.want) {
				t.Errorf("error should mention %q, got: %s", tc.want, ctx.Response.Body())
			}
		})
	}
}

func TestDispatchMessages_UnknownModel(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"p1": okProvider("p1")}, singleStage("p1", "m1"))

	ctx := &fasthttp.RequestCtx{}
	// Init wires up the internal fake server so ctx.Done() is usable when
	// the handler derives a context.WithTimeout from the RequestCtx.
	ctx.Init(&fasthttp.Request{}, nil, nil)
	ctx.Request.SetBody([]byte(`{"model":"nope","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`))
	ctx.SetUserValue("request_id", "req-1")

	gw.dispatchMessages(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400 for unknown alias, got %d", ctx.Response.StatusCode())
	}
}

// --- happy path -------------------------------------------------------------

func TestDispatchMessages_Success(t *testing.T) {
	var gotReq *providers.Request
	prov := &funcProvider{
		name: "p1",
		sendFn: func(_ context.Context, req *providers.Request, v providers.Variant) (*providers.Response, error) {
			gotReq = req
			return okProvider("p1").sendFn(context.Background(), req, v)
		},
	}
	gw := newTestGateway(t, map[string]providers.Provider{"p1": prov}, singleStage("p1", "m1"))
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/messages",
		`{"model":"claude","max_tokens":64,"system":"be brief","messages":[{"role":"user","content":"hello"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var out outboundResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if out.Type != "message" || out.Role != "assistant" {
		t.Errorf("unexpected envelope: %s", body)
	}
	if out.Model != "m1" {
		t.Errorf("expected concrete model m1, got %s", out.Model)
	}
	if len(out.Content) != 1 || out.Content[0].Text != "hello from p1" {
		t.Errorf("unexpected content: %+v", out.Content)
	}
	if out.Usage.InputTokens != 10 || out.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", out.Usage)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}

	// The adapter sees the normalized request: string content becomes a text
	// block, system is flattened.
	if gotReq == nil {
		t.Fatal("provider was not called")
	}
	if gotReq.System != "be brief" {
		t.Errorf("system not forwarded: %q", gotReq.System)
	}
	if len(gotReq.Messages) != 1 || len(gotReq.Messages[0].Content) != 1 ||
		gotReq.Messages[0].Content[0].Text != "hello" {
		t.Errorf("messages not normalized: %+v", gotReq.Messages)
	}
}

func TestDispatchMessages_FallbackToSecondProvider(t *testing.T) {
	stages := []routing.Stage{
		{Provider: "p1", Variants: []providers.Variant{{Model: "m1"}}},
		{Provider: "p2", Variants: []providers.Variant{{Model: "m2"}}},
	}
	gw := newTestGateway(t, map[string]providers.Provider{
		"p1": failProvider("p1", 500),
		"p2": okProvider("p2"),
	}, stages)
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/messages",
		`{"model":"claude","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after fallback, got %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "hello from p2") {
		t.Errorf("expected second provider to win: %s", body)
	}
}

// --- exhausted outcomes -----------------------------------------------------

func TestDispatchMessages_AllRateLimited429(t *testing.T) {
	stages := []routing.Stage{
		{Provider: "p1", Variants: []providers.Variant{{Model: "m1"}}},
		{Provider: "p2", Variants: []providers.Variant{{Model: "m2"}}},
	}
	gw := newTestGateway(t, map[string]providers.Provider{
		"p1": failProvider("p1", 429),
		"p2": failProvider("p2", 429),
	}, stages)
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/messages",
		`{"model":"claude","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 when every candidate is rate limited, got %d: %s", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Errorf("expected Retry-After 60, got %q", resp.Header.Get("Retry-After"))
	}
	if !strings.Contains(string(body), "rate_limit_error") {
		t.Errorf("expected rate_limit_error envelope, got %s", body)
	}
}

func TestDispatchMessages_MixedFailures502(t *testing.T) {
	stages := []routing.Stage{
		{Provider: "p1", Variants: []providers.Variant{{Model: "m1"}}},
		{Provider: "p2", Variants: []providers.Variant{{Model: "m2"}}},
	}
	gw := newTestGateway(t, map[string]providers.Provider{
		"p1": failProvider("p1", 429),
		"p2": failProvider("p2", 500),
	}, stages)
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/messages",
		`{"model":"claude","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 for mixed failures, got %d: %s", resp.StatusCode, body)
	}
}

// --- cache ------------------------------------------------------------------

func TestDispatchMessages_CacheHit(t *testing.T) {
	calls := 0
	prov := &funcProvider{
		name: "p1",
		sendFn: func(_ context.Context, req *providers.Request, v providers.Variant) (*providers.Response, error) {
			calls++
			return okProvider("p1").sendFn(context.Background(), req, v)
		},
	}
	table, err := routing.NewTable([]routing.Rule{{Alias: "claude", Stages: singleStage("p1", "m1")}})
	if err != nil {
		t.Fatal(err)
	}
	r := routing.New(routing.Config{
		Table:     table,
		Providers: map[string]providers.Provider{"p1": prov},
		RetryWait: time.Millisecond,
		BlockFor:  time.Minute,
		Logger:    discardLogger(),
	})
	gw := NewGatewayWithOptions(context.Background(), r, nil, newStubCache(), nil, GatewayOptions{
		Logger: discardLogger(),
	})
	client := serveGateway(t, gw)

	body := `{"model":"claude","max_tokens":64,"messages":[{"role":"user","content":"cached"}]}`

	resp1 := doPost(t, client, "/v1/messages", body)
	readBody(t, resp1)
	if resp1.Header.Get("X-Cache") != xCacheMISS {
		t.Error("first request should be a cache MISS")
	}

	resp2 := doPost(t, client, "/v1/messages", body)
	readBody(t, resp2)
	if resp2.Header.Get("X-Cache") != xCacheHIT {
		t.Error("second identical request should be a cache HIT")
	}
	if calls != 1 {
		t.Errorf("provider should be called once, got %d", calls)
	}

	// A different body must miss.
	resp3 := doPost(t, client, "/v1/messages",
		`{"model":"claude","max_tokens":64,"messages":[{"role":"user","content":"other"}]}`)
	readBody(t, resp3)
	if resp3.Header.Get("X-Cache") != xCacheMISS {
		t.Error("different body should miss the cache")
	}
	if calls != 2 {
		t.Errorf("provider should be called twice, got %d", calls)
	}
}

// --- streaming --------------------------------------------------------------

func TestDispatchMessages_Streaming(t *testing.T) {
	prov := &funcProvider{
		name: "p1",
		sendFn: func(_ context.Context, req *providers.Request, v providers.Variant) (*providers.Response, error) {
			if !req.Stream {
				t.Error("expected stream flag on the normalized request")
			}
			ch := make(chan providers.StreamEvent, 8)
			ch <- providers.MessageStartEvent("msg_s", v.Model, providers.Usage{InputTokens: 4})
			ch <- providers.ContentBlockStartEvent(0)
			ch <- providers.TextDeltaEvent(0, "streamed")
			ch <- providers.ContentBlockStopEvent(0)
			ch <- providers.MessageDeltaEvent("end_turn", providers.Usage{OutputTokens: 3})
			ch <- providers.MessageStopEvent()
			close(ch)
			return &providers.Response{ID: "msg_s", Model: v.Model, Stream: ch}, nil
		},
	}
	gw := newTestGateway(t, map[string]providers.Provider{"p1": prov}, singleStage("p1", "m1"))
	client := serveGateway(t, gw)

	resp := doPost(t, client, "/v1/messages",
		`{"model":"claude","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("expected text/event-stream, got %s", ct)
	}

	var eventLines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLines = append(eventLines, strings.TrimPrefix(line, "event: "))
		}
	}

	want := []string{
		providers.EventMessageStart,
		providers.EventContentBlockStart,
		providers.EventContentBlockDelta,
		providers.EventContentBlockStop,
		providers.EventMessageDelta,
		providers.EventMessageStop,
	}
	if len(eventLines) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(eventLines), eventLines)
	}
	for i := range want {
		if eventLines[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], eventLines[i])
		}
	}
}

// --- management handlers ----------------------------------------------------

func TestDispatchMessages_RequestTimeout504(t *testing.T) {
	// A provider that never answers: the per-request timeout must cut the
	// pass and surface 504 instead of holding the connection open.
	hung := &funcProvider{
		name: "p1",
		sendFn: func(ctx context.Context, _ *providers.Request, _ providers.Variant) (*providers.Response, error) {
			<-ctx.Done()
			return nil, &providers.Error{Provider: "p1", Status: 0, Message: ctx.Err().Error()}
		},
	}
	provs := map[string]providers.Provider{"p1": hung}

	table, err := routing.NewTable([]routing.Rule{{Alias: "claude", Stages: singleStage("p1", "m1")}})
	if err != nil {
		t.Fatal(err)
	}
	r := routing.New(routing.Config{
		Table:     table,
		Providers: provs,
		RetryWait: time.Millisecond,
		BlockFor:  time.Minute,
		Logger:    discardLogger(),
	})
	gw := NewGatewayWithOptions(context.Background(), r, provs, nil, nil, GatewayOptions{
		Logger:         discardLogger(),
		RequestTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(func() {
		if gw.health != nil {
			gw.health.Close()
		}
	})
	client := serveGateway(t, gw)

	start := time.Now()
	resp := doPost(t, client, "/v1/messages",
		`{"model":"claude","max_tokens":64,"messages":[{"role":"user","content":"hi"}]}`)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 for a hung upstream, got %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "timed out") {
		t.Errorf("expected timeout message in body, got %s", body)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("request took %v, timeout did not bound the pass", elapsed)
	}
}

func TestHandleModels(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"p1": okProvider("p1")}, singleStage("p1", "m1"))

	ctx := &fasthttp.RequestCtx{}
	gw.handleModels(ctx)

	var out struct {
		Data []struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		} `json:"data"`
		HasMore bool `json:"has_more"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Data) != 1 || out.Data[0].ID != "claude" || out.Data[0].Type != "model" {
		t.Errorf("unexpected models listing: %s", ctx.Response.Body())
	}
}

func TestHandleDebugRouting(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"p1": okProvider("p1")}, singleStage("p1", "m1"))

	gw.router.Blacklist().Block("p1/m1", time.Minute)

	ctx := &fasthttp.RequestCtx{}
	gw.handleDebugRouting(ctx)

	var out struct {
		Rules []struct {
			Alias  string `json:"alias"`
			Stages []struct {
				Provider string   `json:"provider"`
				Variants []string `json:"variants"`
			} `json:"stages"`
		} `json:"rules"`
		Blacklist []struct {
			Candidate   string `json:"candidate"`
			RemainingMs int64  `json:"remaining_ms"`
		} `json:"blacklist"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Rules) != 1 || out.Rules[0].Alias != "claude" {
		t.Fatalf("unexpected rules dump: %s", ctx.Response.Body())
	}
	if len(out.Blacklist) != 1 || out.Blacklist[0].Candidate != "p1/m1" {
		t.Fatalf("unexpected blacklist dump: %s", ctx.Response.Body())
	}
	if out.Blacklist[0].RemainingMs <= 0 || out.Blacklist[0].RemainingMs > 60_000 {
		t.Errorf("remaining window out of range: %d", out.Blacklist[0].RemainingMs)
	}
}

func TestNewGateway_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewGateway(nil, nil, nil, nil)
}
