package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/tanq16/mediagrab/internal/dlerror"
)

type Action int

const (
	Fail Action = iota
	Retry
)

func (a Action) String() string {
	if a == Retry {
		return "retry"
	}
	return "fail"
}

type Decision struct {
	Action Action
	Delay  time.Duration
	// Rotate asks the next attempt to use an alternate client identity.
	Rotate bool
	Kind   dlerror.Kind
}

// Policy maps an error kind and attempt number to a retry decision. It holds no
// state, so one value can serve every job and segment.
type Policy struct {
	TransportDelay  time.Duration
	RateLimitBase   time.Duration
	RateLimitMax    time.Duration
	RateLimitFactor float64
}

var DefaultPolicy = Policy{
	TransportDelay:  2 * time.Second,
	RateLimitBase:   5 * time.Second,
	RateLimitMax:    2 * time.Minute,
	RateLimitFactor: 2,
}

// Decide is called after attempt (1-based) failed with kind. With maxRetries
// retries allowed, attempts 1..maxRetries may be retried and any later one fails.
func (p Policy) Decide(kind dlerror.Kind, attempt, maxRetries int) Decision {
	d := Decision{Action: Fail, Kind: kind}
	if attempt > maxRetries {
		return d
	}
	switch kind {
	case dlerror.Transport:
		d.Action = Retry
		d.Delay = p.TransportDelay
	case dlerror.RateLimited:
		d.Action = Retry
		d.Delay = p.rateLimitDelay(attempt)
		d.Rotate = true
	}
	return d
}

// DecideErr is Decide for a concrete error, honoring a server Retry-After hint
// for rate limiting as long as it stays under RateLimitMax.
func (p Policy) DecideErr(err error, attempt, maxRetries int) Decision {
	d := p.Decide(dlerror.KindOf(err), attempt, maxRetries)
	if d.Action == Retry && d.Kind == dlerror.RateLimited {
		if hint := dlerror.RetryAfterOf(err); hint > d.Delay {
			d.Delay = min(hint, p.maxDelay())
		}
	}
	return d
}

func (p Policy) rateLimitDelay(attempt int) time.Duration {
	factor := p.RateLimitFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(p.RateLimitBase) * math.Pow(factor, float64(attempt-1))
	if delay > float64(p.maxDelay()) {
		return p.maxDelay()
	}
	return time.Duration(delay)
}

func (p Policy) maxDelay() time.Duration {
	if p.RateLimitMax <= 0 {
		return p.RateLimitBase
	}
	return p.RateLimitMax
}

// Attempt describes the attempt about to run.
type Attempt struct {
	Number int
	Rotate bool
}

// NotifyFunc observes a retry before the policy waits out its delay.
type NotifyFunc func(failed int, d Decision, err error)

// ExhaustedError is returned when a retryable failure used up its budget.
type ExhaustedError struct {
	Kind     dlerror.Kind
	Attempts int
	Delays   []time.Duration
	Err      error
}

func (e *ExhaustedError) Error() string {
	waits := make([]string, len(e.Delays))
	for i, d := range e.Delays {
		waits[i] = d.String()
	}
	return fmt.Sprintf("gave up after %d attempts (%s, waited [%s]): %v",
		e.Attempts, e.Kind, strings.Join(waits, " "), e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Run calls fn until it succeeds, the policy says fail, or ctx is done.
func (p Policy) Run(ctx context.Context, maxRetries int, fn func(context.Context, Attempt) error, notify NotifyFunc) error {
	var delays []time.Duration
	next := Attempt{Number: 1}
	for {
		err := fn(ctx, next)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return dlerror.Wrap(dlerror.Cancelled, "retry", ctx.Err())
		}
		// an inner policy (segments, manifest) already spent its own budget
		var inner *ExhaustedError
		if errors.As(err, &inner) {
			return err
		}
		d := p.DecideErr(err, next.Number, maxRetries)
		if d.Action == Fail {
			if d.Kind.Retryable() {
				return &ExhaustedError{Kind: d.Kind, Attempts: next.Number, Delays: delays, Err: err}
			}
			return err
		}
		if notify != nil {
			notify(next.Number, d, err)
		}
		delays = append(delays, d.Delay)
		if err := Wait(ctx, d.Delay); err != nil {
			return dlerror.Wrap(dlerror.Cancelled, "retry", err)
		}
		next = Attempt{Number: next.Number + 1, Rotate: d.Rotate}
	}
}

// Wait sleeps for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
