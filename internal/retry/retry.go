// Package retry runs an operation with attempt-counted exponential
// backoff. Only failures classified as transient or rate-limited are
// re-attempted; validation and fatal failures surface immediately.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"askbot/internal/failure"
	logx "askbot/pkg/logx"
)

// Policy bounds the attempt loop.
type Policy struct {
	// MaxAttempts is the total number of calls, first try included.
	MaxAttempts int
	// Base is the delay before the first retry; it doubles each retry.
	Base time.Duration
	// MaxDelay caps the backoff, hint or not.
	MaxDelay time.Duration
	// Jitter is the +/- fraction applied to every delay.
	Jitter float64
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// Result describes how a Do call ended.
type Result struct {
	Attempts int
	Err      error
}

// Do calls fn until it succeeds, exhausts the attempt budget, hits a
// non-retryable failure, or ctx is cancelled. The returned Result always
// carries the attempt count; Err is nil only on success.
func Do(ctx context.Context, p Policy, log logx.Logger, fn func(ctx context.Context) error) Result {
	p = p.withDefaults()

	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		attempts = attempt
		err = fn(ctx)
		if err == nil {
			break
		}
		if !failure.Retryable(err) || attempt >= p.MaxAttempts {
			break
		}

		delay := p.delay(attempt, err)
		log.Debug("retry scheduled",
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			err = ctx.Err()
			break attemptLoop
		case <-tmr.C:
		}
	}
	return Result{Attempts: attempts, Err: err}
}

// delay computes the wait before the retry that follows attempt. A
// Retry-After hint on err overrides the exponential base but still gets
// jitter and the cap.
func (p Policy) delay(attempt int, err error) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if hint, ok := failure.HintedDelay(err); ok && hint > d {
		d = hint
	}
	if p.Jitter > 0 {
		r := (randFloat64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

var rngMu sync.Mutex

func randFloat64() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rand.Float64()
}
