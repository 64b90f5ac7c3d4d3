// Package retry wraps S7 client calls with bounded, backed-off retries.
//
// The s7 client never retries on its own; a failed exchange leaves it
// Disconnected and the next call handshakes again. Do supplies the loop
// around that: it repeats a call only while the error means the session was
// lost, and gives up immediately on errors a retry cannot fix.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"s7link/logging"
	"s7link/s7"
)

// Config controls retry attempts and delays.
type Config struct {
	Attempts     int // total calls including the first; <1 means 1
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool

	// Retryable decides whether an error is worth another attempt.
	// Defaults to s7.IsConnectionError.
	Retryable func(error) bool
}

// DefaultConfig returns three attempts starting at 250ms, doubling up to 5s.
func DefaultConfig() Config {
	return Config{
		Attempts:     3,
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done. It returns the last error from fn, or ctx.Err()
// if the context ended while waiting.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = s7.IsConnectionError
	}

	var rng *rand.Rand
	if cfg.Jitter {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) || attempt == attempts {
			return err
		}

		delay := NextBackoffDelay(cfg, attempt, rng)
		logging.DebugLog("retry", "attempt %d/%d failed: %v (retrying in %v)", attempt, attempts, err, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
