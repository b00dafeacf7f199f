package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the relay routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in relay-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := g.Server(mgmt)
	return srv.ListenAndServe(addr)
}

// Server builds the fasthttp server with all routes and middleware attached.
// Exposed separately so the app layer can manage listen/shutdown itself.
func (g *Gateway) Server(mgmt *ManagementRoutes) *fasthttp.Server {
	r := router.New()

	r.POST("/v1/messages", g.handleMessages)
	r.GET("/v1/models", g.handleModels)
	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	r.GET("/debug/routing", g.handleDebugRouting)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	return &fasthttp.Server{
		Handler: handler,
		// Long timeouts: streamed completions can run for minutes.
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Minute,
	}
}

func (g *Gateway) handleMessages(ctx *fasthttp.RequestCtx) {
	g.dispatchMessages(ctx)
}

// handleModels lists the model aliases the routing table accepts, in the
// Anthropic models-list shape.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	type modelEntry struct {
		Type        string `json:"type"`
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	}

	aliases := g.router.Table().Aliases()
	data := make([]modelEntry, 0, len(aliases))
	for _, a := range aliases {
		data = append(data, modelEntry{Type: "model", ID: a, DisplayName: a})
	}

	writeJSON(ctx, map[string]any{
		"data":     data,
		"has_more": false,
	})
}

// handleDebugRouting dumps the routing table and current blacklist with
// remaining block windows. Read-only; never affects routing decisions.
func (g *Gateway) handleDebugRouting(ctx *fasthttp.RequestCtx) {
	type stageEntry struct {
		Provider string   `json:"provider"`
		Variants []string `json:"variants"`
	}
	type ruleEntry struct {
		Alias  string       `json:"alias"`
		Stages []stageEntry `json:"stages"`
	}
	type blockEntry struct {
		Candidate   string `json:"candidate"`
		RemainingMs int64  `json:"remaining_ms"`
	}

	table := g.router.Table()
	rules := make([]ruleEntry, 0)
	for _, alias := range table.Aliases() {
		rule, err := table.Rule(alias)
		if err != nil {
			continue
		}
		stages := make([]stageEntry, 0, len(rule.Stages))
		for _, s := range rule.Stages {
			variants := make([]string, 0, len(s.Variants))
			for _, v := range s.Variants {
				variants = append(variants, v.ID())
			}
			stages = append(stages, stageEntry{Provider: s.Provider, Variants: variants})
		}
		rules = append(rules, ruleEntry{Alias: alias, Stages: stages})
	}

	now := time.Now()
	blocked := make([]blockEntry, 0)
	for key, until := range g.router.Blacklist().Snapshot() {
		blocked = append(blocked, blockEntry{
			Candidate:   key,
			RemainingMs: until.Sub(now).Milliseconds(),
		})
	}

	writeJSON(ctx, map[string]any{
		"rules":     rules,
		"blacklist": blocked,
	})
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
