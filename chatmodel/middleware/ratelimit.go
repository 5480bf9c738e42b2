// Package middleware provides reusable chatmodel.Client middlewares:
// adaptive rate limiting and a per-call timeout. The rate limiter bounds the LLM rate-limit pressure the
// Orchestrator's sub-query fan-out cap (at most 2 concurrent sub-queries, see
// deepresearch/orchestrator) is designed to stay under.
package middleware

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"deepresearch/chatmodel"
)

// ErrRateLimited is returned by a wrapped chatmodel.Client to signal the
// provider itself rejected the call for rate-limit reasons. The
// AdaptiveRateLimiter watches for this via errors.Is to trigger backoff.
var ErrRateLimited = errors.New("chatmodel: rate limited by provider")

// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket on top of a
// chatmodel.Client. It estimates the token cost of each request, blocks
// callers until capacity is available, and adjusts its effective
// tokens-per-minute budget in response to rate-limit signals from the
// provider.
//
// The limiter is process-local: callers construct a single instance per
// process and wrap the underlying chatmodel.Client with Middleware before
// passing it to the Planner, Decomposer, or Coverage Analyzer.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64
}

type limitedClient struct {
	next    chatmodel.Client
	limiter *AdaptiveRateLimiter
}

// NewAdaptiveRateLimiter constructs an AdaptiveRateLimiter with a
// tokens-per-minute budget. When initialTPM is zero or negative, a
// conservative default is used; maxTPM is clamped up to initialTPM if lower.
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

// Middleware returns a chatmodel.Client decorator enforcing the adaptive
// tokens-per-minute limit.
func (l *AdaptiveRateLimiter) Middleware() func(chatmodel.Client) chatmodel.Client {
	return func(next chatmodel.Client) chatmodel.Client {
		if next == nil {
			return nil
		}
		return &limitedClient{next: next, limiter: l}
	}
}

// Chat enforces the limiter before delegating to the underlying client.
func (c *limitedClient) Chat(ctx context.Context, req chatmodel.ChatRequest) (chatmodel.ChatResponse, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return chatmodel.ChatResponse{}, err
	}
	resp, err := c.next.Chat(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req chatmodel.ChatRequest) error {
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
	l.setLimitLocked(newTPM)
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	l.setLimitLocked(newTPM)
}

func (l *AdaptiveRateLimiter) setLimitLocked(tpm float64) {
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens computes a cheap heuristic for the number of tokens in the
// request transcript: counts characters in text and tool-result parts,
// converts to tokens with a fixed ratio, and adds a buffer for provider
// framing and system prompt overhead.
func estimateTokens(req chatmodel.ChatRequest) int {
	charCount := 0
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			switch v := p.(type) {
			case chatmodel.TextPart:
				charCount += len(v.Text)
			case chatmodel.ToolResultPart:
				charCount += len(v.Content)
			}
		}
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
