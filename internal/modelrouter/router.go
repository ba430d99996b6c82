// Package modelrouter implements the Model Router (spec §4.E): picking a
// backend/model pair for a request (by explicit hint, natural-language cue,
// or tier default), applying an adaptive per-model timeout and any installed
// per-backend rate limit, and following a configured fallback chain when a
// call fails with anything other than a tool-invocation error.
package modelrouter

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kortexai/kortex/internal/config"
	"github.com/kortexai/kortex/internal/telemetry"
	"github.com/kortexai/kortex/internal/toolerrors"
)

// Backend completes a prompt against one named model.
type Backend interface {
	Complete(ctx context.Context, model, prompt string) (string, error)
}

// safetyFactor multiplies a model's observed p95 latency to derive its
// adaptive timeout: generous enough to absorb normal tail variance without
// waiting indefinitely on a truly stuck backend.
const safetyFactor = 2.5

// Router selects and calls a model per request.
type Router struct {
	cfg      config.Document
	backends map[string]Backend
	limiters map[string]*AdaptiveRateLimiter
	windows  *windowRegistry
	rules    []RoutingRule

	log     telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// Option configures a Router.
type Option func(*Router)

// WithBackend registers a Backend implementation under name, matching a key
// in cfg.Backends.
func WithBackend(name string, b Backend) Option {
	return func(r *Router) { r.backends[name] = b }
}

// WithRateLimiter installs an adaptive limiter for backend name.
func WithRateLimiter(name string, l *AdaptiveRateLimiter) Option {
	return func(r *Router) { r.limiters[name] = l }
}

// WithRoutingRules overrides the cue table used for tier inference.
func WithRoutingRules(rules []RoutingRule) Option {
	return func(r *Router) { r.rules = rules }
}

func WithLogger(l telemetry.Logger) Option   { return func(r *Router) { r.log = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(r *Router) { r.metrics = m } }
func WithTracer(t telemetry.Tracer) Option   { return func(r *Router) { r.tracer = t } }

// New constructs a Router over cfg.
func New(cfg config.Document, opts ...Option) *Router {
	r := &Router{
		cfg:      cfg,
		backends: map[string]Backend{},
		limiters: map[string]*AdaptiveRateLimiter{},
		windows:  newWindowRegistry(),
		rules:    DefaultRoutingRules,
		log:      telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		tracer:   telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// resolved names one backend/model selection.
type resolved struct {
	backendName string
	modelName   string
	model       config.Model
}

// Complete satisfies toolruntime.ModelCompleter: selects a model (from
// modelHint, or by inferring a tier from prompt's cues when modelHint is
// empty), applies its adaptive timeout and any installed backend rate limit,
// and follows the configured timeout_fallback chain when the call fails with
// anything other than a tool-invocation error (a timeout, a transient
// backend error).
func (r *Router) Complete(ctx context.Context, modelHint, prompt string) (string, error) {
	ctx, span := r.tracer.Start(ctx, "modelrouter.Complete")
	defer span.End()

	sel, err := r.resolve(modelHint, prompt)
	if err != nil {
		return "", err
	}
	return r.completeWithFallback(ctx, sel, prompt, 0)
}

// CompleteAtTier bypasses cue inference and resolves directly against tier,
// for callers (the Generation Controller's repair ladder) that already know
// which tier they want for this attempt rather than leaving it to be
// inferred from prompt text.
func (r *Router) CompleteAtTier(ctx context.Context, tier, prompt string) (string, error) {
	ctx, span := r.tracer.Start(ctx, "modelrouter.CompleteAtTier")
	defer span.End()

	sel, err := r.resolveTier(tier)
	if err != nil {
		return "", err
	}
	return r.completeWithFallback(ctx, sel, prompt, 0)
}

const maxFallbackHops = 3

func (r *Router) completeWithFallback(ctx context.Context, sel resolved, prompt string, hops int) (string, error) {
	out, err := r.callOnce(ctx, sel, prompt)
	if err == nil {
		return out, nil
	}
	if hops >= maxFallbackHops || sel.model.TimeoutFallback == "" {
		return "", err
	}
	// A tool-invocation error (a permanent backend fault, a missing backend)
	// would fail the same way on the fallback model.
	if errors.Is(err, toolerrors.New(toolerrors.KindToolInvocation, "")) {
		return "", err
	}
	next, ferr := r.resolveExplicit(sel.model.TimeoutFallback)
	if ferr != nil {
		return "", err
	}
	r.log.Warn(ctx, "model call failed, following timeout_fallback", "from", sel.backendName+"/"+sel.modelName, "to", next.backendName+"/"+next.modelName, "err", err.Error())
	return r.completeWithFallback(ctx, next, prompt, hops+1)
}

func (r *Router) callOnce(ctx context.Context, sel resolved, prompt string) (string, error) {
	backend, ok := r.backends[sel.backendName]
	if !ok {
		return "", toolerrors.Errorf(toolerrors.KindToolInvocation, "model router: no backend registered for %q", sel.backendName)
	}

	if limiter, ok := r.limiters[sel.backendName]; ok {
		if err := limiter.WaitN(ctx, EstimateTokens(len(prompt))); err != nil {
			return "", toolerrors.Wrap(toolerrors.KindTransientBackend, "rate limiter wait failed", err)
		}
	}

	modelKey := sel.backendName + "/" + sel.modelName
	window := r.windows.get(modelKey)
	baseTimeout := time.Duration(sel.model.BaseTimeoutMS) * time.Millisecond
	if baseTimeout <= 0 {
		baseTimeout = 10 * time.Second
	}
	// With too few samples for a p95 estimate the base timeout applies as is.
	timeout := baseTimeout
	if p95 := window.P95(0); p95 > 0 {
		timeout = time.Duration(float64(p95) * safetyFactor)
		if timeout < baseTimeout {
			timeout = baseTimeout
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := backend.Complete(callCtx, sel.modelName, prompt)
	elapsed := time.Since(start)

	window.Observe(elapsed, err == nil)
	if limiter, ok := r.limiters[sel.backendName]; ok {
		limiter.Observe(isRateLimitErr(err))
	}
	r.metrics.RecordTimer("model_call_duration", elapsed, "model", modelKey)

	if err != nil {
		r.metrics.IncCounter("model_call_errors_total", 1, "model", modelKey)
		return "", toolerrors.Wrap(toolerrors.KindTransientBackend, "model call failed", err)
	}
	return out, nil
}

func isRateLimitErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "rate limit")
}

// resolve picks a backend/model for modelHint (an explicit "backend/model"
// string) or, when empty, infers a tier from prompt's cues and picks, among
// enabled backends, the model at that tier with the lowest expected latency
// (its observed p95, or its base timeout while it has fewer than 5 samples).
func (r *Router) resolve(modelHint, prompt string) (resolved, error) {
	if modelHint != "" {
		return r.resolveExplicit(modelHint)
	}
	tier := InferTier(prompt, r.rules)
	return r.resolveTier(tier)
}

func (r *Router) resolveExplicit(hint string) (resolved, error) {
	parts := strings.SplitN(hint, "/", 2)
	if len(parts) != 2 {
		return resolved{}, toolerrors.Errorf(toolerrors.KindToolInvocation, "model router: malformed model hint %q, want backend/model", hint)
	}
	backendName, modelName := parts[0], parts[1]
	backend, ok := r.cfg.Backends[backendName]
	if !ok || !r.cfg.Enabled(backendName) {
		return resolved{}, toolerrors.Errorf(toolerrors.KindToolInvocation, "model router: backend %q unavailable", backendName)
	}
	model, ok := backend.Models[modelName]
	if !ok {
		return resolved{}, toolerrors.Errorf(toolerrors.KindToolInvocation, "model router: model %q not declared for backend %q", modelName, backendName)
	}
	return resolved{backendName: backendName, modelName: modelName, model: model}, nil
}

func (r *Router) resolveTier(tier string) (resolved, error) {
	var best resolved
	var bestLatency time.Duration
	found := false
	for name, backend := range r.cfg.Backends {
		if !r.cfg.Enabled(name) {
			continue
		}
		for modelName, model := range backend.Models {
			if model.Tier != tier {
				continue
			}
			latency := r.windows.get(name + "/" + modelName).P95(time.Duration(model.BaseTimeoutMS) * time.Millisecond)
			if !found || latency < bestLatency {
				best, bestLatency, found = resolved{backendName: name, modelName: modelName, model: model}, latency, true
			}
		}
	}
	if found {
		return best, nil
	}
	if tier != TierGeneral {
		return r.resolveTier(TierGeneral)
	}
	return resolved{}, toolerrors.New(toolerrors.KindToolInvocation, "model router: no enabled backend offers tier "+tier)
}
