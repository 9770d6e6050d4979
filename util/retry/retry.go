package retry

import (
	"context"
	"time"

	"github.com/lattice-network/lattice/ulogger"
)

// Option tweaks a retry loop.
type Option func(*options)

type options struct {
	message     string
	attempts    int
	backoff     time.Duration
	maxBackoff  time.Duration
	exponential bool
}

func defaults() *options {
	return &options{
		message:     "retrying",
		attempts:    3,
		backoff:     time.Second,
		maxBackoff:  30 * time.Second,
		exponential: false,
	}
}

func WithMessage(message string) Option {
	return func(o *options) { o.message = message }
}

func WithAttempts(attempts int) Option {
	return func(o *options) { o.attempts = attempts }
}

func WithBackoff(backoff time.Duration) Option {
	return func(o *options) { o.backoff = backoff }
}

func WithMaxBackoff(maxBackoff time.Duration) Option {
	return func(o *options) { o.maxBackoff = maxBackoff }
}

func WithExponentialBackoff() Option {
	return func(o *options) { o.exponential = true }
}

// Do runs fn until it succeeds, the attempts are exhausted, or the context
// is cancelled, sleeping the configured backoff between attempts.
func Do[T any](ctx context.Context, logger ulogger.Logger, fn func() (T, error), opts ...Option) (T, error) {
	o := defaults()
	for _, opt := range opts {
		opt(o)
	}

	var (
		zero T
		err  error
		out  T
	)

	backoff := o.backoff
	for attempt := 1; ; attempt++ {
		out, err = fn()
		if err == nil {
			return out, nil
		}
		if attempt >= o.attempts {
			return zero, err
		}

		logger.Warnf("%s (attempt %d/%d): %v", o.message, attempt, o.attempts, err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}

		if o.exponential {
			backoff *= 2
			if backoff > o.maxBackoff {
				backoff = o.maxBackoff
			}
		}
	}
}
