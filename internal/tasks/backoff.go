package tasks

import (
	"context"
	"errors"
	"time"
)

// ErrBudgetExhausted is returned by Retry when every attempt was used.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Backoff configures Retry. The delay starts at Initial and doubles after
// every attempt up to Max. Budget caps the number of attempts; zero means
// unlimited.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Budget  int
}

// DefaultBackoff is used when a zero Backoff is supplied.
var DefaultBackoff = Backoff{
	Initial: 500 * time.Millisecond,
	Max:     30 * time.Second,
	Budget:  10,
}

func (b Backoff) normalized() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff.Initial
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	return b
}

// Delay returns the wait before attempt n (0-based).
func (b Backoff) Delay(n int) time.Duration {
	b = b.normalized()
	d := b.Initial
	for i := 0; i < n; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}

// Retry calls attempt until it reports done, the budget runs out or ctx is
// cancelled. It waits Delay(n) before attempt n, including the first: the
// caller is expected to have made the initial try itself.
func Retry(ctx context.Context, b Backoff, attempt func(ctx context.Context) (done bool)) error {
	b = b.normalized()
	for n := 0; b.Budget == 0 || n < b.Budget; n++ {
		timer := time.NewTimer(b.Delay(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if attempt(ctx) {
			return nil
		}
	}
	return ErrBudgetExhausted
}
