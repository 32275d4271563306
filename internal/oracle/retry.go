package oracle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"triagebot/internal/domain"
)

// Retrying wraps an Oracle with a per-call timeout and bounded exponential
// backoff. After the attempt budget every failure surfaces as
// ErrOracleUnavailable; there is never a silent fallback classification.
type Retrying struct {
	next        Oracle
	maxAttempts int
	baseDelay   time.Duration
	callTimeout time.Duration
	sleep       func(time.Duration)
}

func NewRetrying(next Oracle, maxAttempts int, baseDelay, callTimeout time.Duration) *Retrying {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	if callTimeout <= 0 {
		callTimeout = 8 * time.Second
	}
	return &Retrying{
		next:        next,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		callTimeout: callTimeout,
		sleep:       time.Sleep,
	}
}

func (r *Retrying) do(ctx context.Context, op string, call func(ctx context.Context) error) error {
	var lastErr error
	delay := r.baseDelay
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		lastErr = call(callCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			break
		}
		if attempt < r.maxAttempts {
			log.Printf("oracle retry op=%s attempt=%d delay=%s err=%v", op, attempt, delay, lastErr)
			r.sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", domain.ErrOracleUnavailable, op, r.maxAttempts, lastErr)
}

func (r *Retrying) Score(ctx context.Context, description string, sc domain.Scenario) (int, error) {
	var score int
	err := r.do(ctx, "score", func(ctx context.Context) error {
		var err error
		score, err = r.next.Score(ctx, description, sc)
		return err
	})
	return score, err
}

func (r *Retrying) Classify(ctx context.Context, description string, enhanced map[string]string) (domain.Result, error) {
	var result domain.Result
	err := r.do(ctx, "classify", func(ctx context.Context) error {
		var err error
		result, err = r.next.Classify(ctx, description, enhanced)
		return err
	})
	return result, err
}

func (r *Retrying) Analyze(ctx context.Context, prompt string) (string, error) {
	var text string
	err := r.do(ctx, "analyze", func(ctx context.Context) error {
		var err error
		text, err = r.next.Analyze(ctx, prompt)
		return err
	})
	return text, err
}
