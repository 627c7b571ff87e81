package modelrouter

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/taskcore/engine/providers"
)

// ErrRateLimited is returned by a provider when it signals (via its own
// transport error) that the caller should back off. Concrete provider
// adapters wrap their transport errors with this sentinel so the limiter
// can recognize a rate-limit event with errors.Is.
var ErrRateLimited = errors.New("modelrouter: rate limited by provider")

// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket in front
// of a providers.Provider: it estimates the token cost of each request,
// blocks the caller until capacity is available, and shrinks or grows its
// effective tokens-per-minute budget in response to observed rate-limit
// errors. One limiter is constructed per process and wraps every concrete
// Provider passed to the Router's underlying clients.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// NewAdaptiveRateLimiter constructs a limiter with an initial and maximum
// tokens-per-minute budget. maxTPM is clamped up to at least initialTPM.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60_000
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

// Wrap returns a providers.Provider that enforces this limiter in front of
// next.
func (l *AdaptiveRateLimiter) Wrap(next providers.Provider) providers.Provider {
	if next == nil {
		return nil
	}
	return &limitedProvider{next: next, limiter: l}
}

// CurrentTPM reports the limiter's current effective tokens-per-minute
// budget, for telemetry/diagnostics.
func (l *AdaptiveRateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

type limitedProvider struct {
	next    providers.Provider
	limiter *AdaptiveRateLimiter
}

func (p *limitedProvider) Chat(ctx context.Context, req providers.ModelRequest) (providers.ModelResponse, error) {
	if err := p.limiter.wait(ctx, req); err != nil {
		return providers.ModelResponse{}, err
	}
	resp, err := p.next.Chat(ctx, req)
	p.limiter.observe(err)
	return resp, err
}

func (p *limitedProvider) ChatStream(ctx context.Context, req providers.ModelRequest) (<-chan providers.StreamChunk, error) {
	if err := p.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	ch, err := p.next.ChatStream(ctx, req)
	p.limiter.observe(err)
	return ch, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req providers.ModelRequest) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, ErrRateLimited) {
		l.backoff()
	}
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

// estimateTokens computes a cheap heuristic for the token cost of a
// request: it counts characters across system prompt and messages,
// converts at ~1 token per 3 characters, and adds a fixed buffer for
// provider framing overhead.
func estimateTokens(req providers.ModelRequest) int {
	charCount := len(req.System)
	for _, m := range req.Messages {
		charCount += len(m.Content)
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount/3 + 500
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
