// Package poll provides the single bounded polling driver shared by every
// convergence wait in the system: instance state, health probes, remote
// command completion, build status, service stability and database
// availability all go through Until instead of hand-rolled loops.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned when the attempt budget runs out before the
// condition converges.
var ErrExhausted = errors.New("poll attempts exhausted")

// Config bounds one polling site: fixed interval, fixed attempt budget.
type Config struct {
	Interval    time.Duration
	MaxAttempts int
}

// Normalize ensures the config has sane values.
func (c Config) Normalize() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 30
	}
	return c
}

// Attempt checks the condition once. Return (true, nil) when converged,
// (false, nil) to retry, or a non-nil error to abort immediately. Transient
// failures should be reported as retries, not errors.
type Attempt func(ctx context.Context) (done bool, err error)

// Until runs attempt on a fixed interval until it converges, aborts, the
// context is cancelled, or the attempt budget is exhausted. The first
// attempt runs immediately.
func Until(ctx context.Context, cfg Config, attempt Attempt) error {
	cfg = cfg.Normalize()

	for i := 0; i < cfg.MaxAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Interval):
			}
		}

		done, err := attempt(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	return fmt.Errorf("%w after %d attempts", ErrExhausted, cfg.MaxAttempts)
}
