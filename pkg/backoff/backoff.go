package backoff

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Backoff retries a function until it succeeds, runs out of attempts,
// or the context is done. The wait between attempts grows linearly up
// to maxDelay.
type Backoff struct {
	maxAttempt int
	delay      time.Duration
	maxDelay   time.Duration
}

type Option func(*Backoff)

func WithMaxAttempts(n int) Option {
	return func(b *Backoff) {
		b.maxAttempt = n
	}
}

// WithDelay sets the base and maximum wait between attempts.
func WithDelay(base, max time.Duration) Option {
	return func(b *Backoff) {
		b.delay = base
		b.maxDelay = max
	}
}

// New returns a Backoff
func New(opts ...Option) *Backoff {
	b := &Backoff{
		delay:      time.Second,
		maxDelay:   5 * time.Second,
		maxAttempt: 20,
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.maxDelay < b.delay {
		b.maxDelay = b.delay
	}

	return b
}

// Run trys to run function several times until it succeeds or times out.
func (b *Backoff) Run(ctx context.Context, runFunc func() error) error {
	delays := newLinearDelay(b.delay, b.maxDelay)

	var err error
	for attempt := 1; ; attempt++ {
		if err = runFunc(); err == nil {
			return nil
		}

		if attempt >= b.maxAttempt {
			return errors.Wrapf(err, "done trying after %d attempts", attempt)
		}

		timer := time.NewTimer(delays.next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), err.Error())
		case <-timer.C:
		}
	}
}
