package routing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/providers"
)

// Class categorizes a failed attempt and decides what the router does next.
//
//	ClassRateLimited — backend throttled us; blacklist the candidate and move
//	                   on immediately.
//	ClassTransient   — infrastructure failure; pace before the next candidate.
//	ClassFatal       — request-shaped failure (auth, validation); move on
//	                   immediately, never blacklist.
type Class string

const (
	ClassRateLimited Class = "rate_limited"
	ClassTransient   Class = "transient"
	ClassFatal       Class = "fatal"
	ClassSkipped     Class = "blacklist_skip"
)

// Status is the terminal state of one routing pass.
type Status int

const (
	// StatusOK — some candidate produced a response.
	StatusOK Status = iota
	// StatusExhausted — every candidate was tried or skipped and none
	// succeeded.
	StatusExhausted
	// StatusDeadline — the caller's context expired mid-pass. Distinct from
	// StatusExhausted: untried candidates may well have succeeded.
	StatusDeadline
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusExhausted:
		return "exhausted"
	case StatusDeadline:
		return "deadline"
	}
	return "unknown"
}

// Attempt records what happened with one candidate during a pass, in trial
// order. Skipped attempts never reached an adapter.
type Attempt struct {
	Candidate Candidate
	Class     Class
	Err       error
	Skipped   bool
	Latency   time.Duration
}

// Outcome is the full result of one routing pass. Response and Winner are
// set only when Status is StatusOK. Attempts always holds the complete
// per-candidate trace in the order candidates were considered.
type Outcome struct {
	Status   Status
	Winner   Candidate
	Response *providers.Response
	Attempts []Attempt
}

// Errs returns the per-candidate errors of failed (non-skipped) attempts in
// trial order.
func (o *Outcome) Errs() []error {
	var out []error
	for _, a := range o.Attempts {
		if a.Err != nil {
			out = append(out, a.Err)
		}
	}
	return out
}

// AllRateLimited reports whether every attempt in the pass was either a
// rate-limit failure or a blacklist skip. Used to map an exhausted pass to
// HTTP 429 rather than 502.
func (o *Outcome) AllRateLimited() bool {
	if len(o.Attempts) == 0 {
		return false
	}
	for _, a := range o.Attempts {
		if a.Class != ClassRateLimited && a.Class != ClassSkipped {
			return false
		}
	}
	return true
}

// Router walks a resolved candidate list strictly in order: one attempt in
// flight at a time, never in parallel, with the blacklist consulted before
// each attempt and a pacing delay only after transient failures.
type Router struct {
	table     *Table
	providers map[string]providers.Provider
	blacklist *Blacklist
	retryWait time.Duration // pause after a transient failure
	blockFor  time.Duration // blacklist window after a rate-limit failure
	log       *slog.Logger
	metrics   *metrics.Metrics

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Config carries the router's construction parameters.
type Config struct {
	Table     *Table
	Providers map[string]providers.Provider
	Blacklist *Blacklist
	RetryWait time.Duration
	BlockFor  time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Metrics // optional
}

// New builds a Router. Blacklist may be nil, in which case a fresh one is
// created; Logger may be nil, in which case slog.Default is used.
func New(cfg Config) *Router {
	bl := cfg.Blacklist
	if bl == nil {
		bl = NewBlacklist()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		table:     cfg.Table,
		providers: cfg.Providers,
		blacklist: bl,
		retryWait: cfg.RetryWait,
		blockFor:  cfg.BlockFor,
		log:       log,
		metrics:   cfg.Metrics,
		sleep:     sleepCtx,
	}
}

// Table exposes the routing table for the listing and debug endpoints.
func (r *Router) Table() *Table { return r.table }

// Blacklist exposes the shared blacklist for the debug endpoint.
func (r *Router) Blacklist() *Blacklist { return r.blacklist }

// Route resolves req.Model and tries each candidate in order until one
// succeeds. A non-nil error is returned only for configuration problems
// (unknown alias, empty candidate list); upstream failures are reported
// through the Outcome status and attempt trace instead.
func (r *Router) Route(ctx context.Context, req *providers.Request) (*Outcome, error) {
	candidates, err := r.table.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Attempts: make([]Attempt, 0, len(candidates))}

	for i, c := range candidates {
		if ctx.Err() != nil {
			return r.deadline(ctx, req, out), nil
		}

		if r.blacklist.Blocked(c.Key()) {
			out.Attempts = append(out.Attempts, Attempt{Candidate: c, Class: ClassSkipped, Skipped: true})
			r.log.DebugContext(ctx, "candidate_blacklisted",
				slog.String("request_id", req.RequestID),
				slog.String("candidate", c.Key()),
			)
			if r.metrics != nil {
				r.metrics.ObserveRouteAttempt(c.Provider, string(ClassSkipped), 0)
			}
			continue
		}

		prov, ok := r.providers[c.Provider]
		if !ok {
			// The rule names a backend no adapter was configured for. Treat
			// as a fatal attempt so the trace explains the gap.
			err := &providers.Error{Provider: c.Provider, Status: 0, Message: "provider not configured"}
			out.Attempts = append(out.Attempts, Attempt{Candidate: c, Class: ClassFatal, Err: err})
			r.log.WarnContext(ctx, "provider_not_configured",
				slog.String("request_id", req.RequestID),
				slog.String("candidate", c.Key()),
			)
			continue
		}

		start := time.Now()
		resp, err := prov.Send(ctx, req, c.Variant)
		dur := time.Since(start)

		if err == nil {
			out.Status = StatusOK
			out.Winner = c
			out.Response = resp
			out.Attempts = append(out.Attempts, Attempt{Candidate: c, Latency: dur})
			if r.metrics != nil {
				r.metrics.ObserveRouteAttempt(c.Provider, "success", dur)
			}
			if i > 0 {
				r.log.InfoContext(ctx, "fallback_success",
					slog.String("request_id", req.RequestID),
					slog.String("model", req.Model),
					slog.String("candidate", c.Key()),
					slog.Int("position", i),
					slog.Int64("latency_ms", dur.Milliseconds()),
				)
			}
			return out, nil
		}

		if ctx.Err() != nil {
			out.Attempts = append(out.Attempts, Attempt{Candidate: c, Class: ClassTransient, Err: err, Latency: dur})
			return r.deadline(ctx, req, out), nil
		}

		class := Classify(err)
		out.Attempts = append(out.Attempts, Attempt{Candidate: c, Class: class, Err: err, Latency: dur})
		if r.metrics != nil {
			r.metrics.ObserveRouteAttempt(c.Provider, string(class), dur)
		}
		r.log.WarnContext(ctx, "candidate_failed",
			slog.String("request_id", req.RequestID),
			slog.String("model", req.Model),
			slog.String("candidate", c.Key()),
			slog.String("class", string(class)),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		switch class {
		case ClassRateLimited:
			r.blacklist.Block(c.Key(), r.blockFor)
			if r.metrics != nil {
				r.metrics.RecordBlacklistBlock(c.Provider)
				r.metrics.SetBlacklistSize(r.blacklist.Len())
			}
			// No pacing: the next candidate is a different backend and owes
			// this one nothing.
		case ClassTransient:
			if i < len(candidates)-1 && r.retryWait > 0 {
				if r.metrics != nil {
					r.metrics.RecordPacingWait(r.retryWait)
				}
				if err := r.sleep(ctx, r.retryWait); err != nil {
					return r.deadline(ctx, req, out), nil
				}
			}
		case ClassFatal:
			// Move straight on.
		}
	}

	out.Status = StatusExhausted
	if r.metrics != nil {
		r.metrics.RecordExhausted(req.Model)
	}
	r.log.ErrorContext(ctx, "candidates_exhausted",
		slog.String("request_id", req.RequestID),
		slog.String("model", req.Model),
		slog.Int("attempts", len(out.Attempts)),
	)
	return out, nil
}

func (r *Router) deadline(ctx context.Context, req *providers.Request, out *Outcome) *Outcome {
	out.Status = StatusDeadline
	r.log.WarnContext(ctx, "route_deadline",
		slog.String("request_id", req.RequestID),
		slog.String("model", req.Model),
		slog.Int("attempts", len(out.Attempts)),
	)
	return out
}

// Classify maps an attempt error to its fallback class.
//
//   - 429 or an explicit throttle signal → ClassRateLimited
//   - other 4xx → ClassFatal
//   - 5xx, network errors, unknown errors → ClassTransient
func Classify(err error) Class {
	var pe *providers.Error
	if errors.As(err, &pe) {
		switch {
		case pe.Status == 429 || pe.Throttled:
			return ClassRateLimited
		case pe.Status >= 400 && pe.Status < 500:
			return ClassFatal
		}
		return ClassTransient
	}
	return ClassTransient
}

// sleepCtx blocks for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
