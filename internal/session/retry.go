package session

import (
	"context"
	"log/slog"
	"time"
)

// Default retry parameters for swapping the input stream.
const (
	defaultAttempts   = 2
	defaultBackoff    = 50 * time.Millisecond
	defaultMaxBackoff = 400 * time.Millisecond
)

// RetryPolicy controls how often a failed warm-session check is repeated
// before the session is declared degraded.
type RetryPolicy struct {
	// Attempts is the total number of tries, the first included. Defaults to
	// 2 (one retry) if zero.
	Attempts int

	// Backoff is the wait before the first retry. Doubles each attempt up to
	// MaxBackoff. Defaults to 50ms if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the wait. Defaults to 400ms if zero.
	MaxBackoff time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = defaultAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = defaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = p.Backoff
	}
	return p
}

// retry runs op until it succeeds, the policy is exhausted or ctx ends. It
// returns the number of attempts made and the last error.
func retry(ctx context.Context, p RetryPolicy, log *slog.Logger, name string, op func() error) (int, error) {
	p = p.withDefaults()
	backoff := p.Backoff

	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err = op(); err == nil {
			return attempt, nil
		}
		if attempt == p.Attempts {
			return attempt, err
		}

		log.Warn("session: attempt failed",
			"op", name,
			"attempt", attempt,
			"max_attempts", p.Attempts,
			"backoff", backoff,
			"error", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return p.Attempts, err
}
