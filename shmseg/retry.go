package shmseg

import (
	"context"
	"errors"
	"os"
	"time"
)

// RetryConfig controls AttachWithRetry's backoff. Zero value uses sane
// defaults.
type RetryConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 50 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2
	}
	return c
}

// AttachWithRetry repeatedly tries to Open an existing segment, backing
// off between attempts, until it succeeds or ctx is done.
//
// Adapted from the teacher's exchanges/base.go RunConnectionLoop, which
// retries a websocket dial with the same grow-then-cap backoff shape;
// here the "connection" is a second process racing the first process's
// shmseg.Create.
func AttachWithRetry(ctx context.Context, name string, size int, cfg RetryConfig) (*Segment, error) {
	cfg = cfg.withDefaults()
	delay := cfg.InitialDelay
	for {
		seg, err := Open(name, size)
		if err == nil {
			return seg, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
}
