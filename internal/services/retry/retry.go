// Package retry provides capped exponential backoff for transient store and
// upstream failures.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"
)

type Config struct {
	MaxAttempts  int // including the initial attempt
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

type Func func(ctx context.Context) error

// IsRetryable decides whether an error warrants another attempt.
type IsRetryable func(error) bool

var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"deadlock",
	"429",
	"500",
	"502",
	"503",
	"504",
}

// DefaultIsRetryable treats network/timeout/upstream-5xx errors as transient.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Do runs fn until success, a non-retryable error, or the attempt budget runs out.
func Do(ctx context.Context, cfg *Config, fn Func, isRetryable IsRetryable) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if isRetryable == nil {
		isRetryable = DefaultIsRetryable
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-time.After(Backoff(attempt, cfg)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// Backoff returns the delay before retrying after the given zero-based attempt.
func Backoff(attempt int, cfg *Config) time.Duration {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter {
		delay += time.Duration(rand.Float64() * float64(delay) * 0.3)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return delay
}
