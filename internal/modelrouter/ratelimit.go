package modelrouter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket per
// backend: it estimates the token cost of each request, blocks callers
// until capacity is available, and halves its budget on a rate-limit
// signal from the provider while slowly recovering on sustained success.
//
// Process-local only: unlike the cluster-coordinated limiter it is
// grounded on, this one does not synchronize budget across processes (see
// DESIGN.md for why the Pulse replicated-map coordination was dropped).
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// NewAdaptiveRateLimiter constructs a limiter with an initial and maximum
// tokens-per-minute budget.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// WaitN blocks until n estimated tokens of budget are available.
func (l *AdaptiveRateLimiter) WaitN(ctx context.Context, n int) error {
	return l.limiter.WaitN(ctx, n)
}

// EstimateTokens is a cheap token-count heuristic: ~1 token per 3 characters
// of prompt text, plus a fixed buffer for framing/system-prompt overhead.
func EstimateTokens(promptChars int) int {
	if promptChars <= 0 {
		return 500
	}
	tokens := promptChars / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

// Observe adjusts the budget based on the prior call's outcome: backoff on a
// rate-limit signal, slow probe-up recovery otherwise.
func (l *AdaptiveRateLimiter) Observe(rateLimited bool) {
	if rateLimited {
		l.backoff()
		return
	}
	l.probe()
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))
}

// CurrentTPM returns the limiter's current effective tokens-per-minute
// budget, for observability.
func (l *AdaptiveRateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}
