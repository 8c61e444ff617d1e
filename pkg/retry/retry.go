// Package retry runs an operation up to a fixed number of attempts with a
// growing per-attempt timeout and exponential waits between attempts. Every
// failed attempt is recorded so callers can surface the full error history
// instead of only the last cause.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Attempt records one failed try of an operation.
type Attempt struct {
	Number  int
	Err     error
	Elapsed time.Duration
	At      time.Time
}

type History []Attempt

func (h History) Last() *Attempt {
	if len(h) == 0 {
		return nil
	}

	return &h[len(h)-1]
}

// Causes flattens the history into printable strings, oldest first.
func (h History) Causes() []string {
	causes := make([]string, len(h))
	for i, a := range h {
		causes[i] = fmt.Sprintf("attempt %d (%s): %v", a.Number, a.Elapsed.Round(time.Millisecond), a.Err)
	}

	return causes
}

// ExhaustedError is returned when every attempt failed. It unwraps to the
// last attempt's error so errors.Is/As keep working through it.
type ExhaustedError struct {
	Op      string
	History History
}

func (e *ExhaustedError) Error() string {
	last := e.History.Last()
	if last == nil {
		return fmt.Sprintf("%s: no attempts were made", e.Op)
	}

	return fmt.Sprintf("%s: %d attempt(s) failed, last: %v", e.Op, len(e.History), last.Err)
}

func (e *ExhaustedError) Unwrap() error {
	if last := e.History.Last(); last != nil {
		return last.Err
	}

	return nil
}

func IsExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks err as not worth retrying. Do stops immediately and
// returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// Policy describes how an operation is retried. The first attempt runs with
// Timeout; each subsequent attempt adds TimeoutStep on top. Zero Timeout
// means the attempt is bounded only by the caller's context.
type Policy struct {
	Op          string
	MaxRetries  int
	Timeout     time.Duration
	TimeoutStep time.Duration
	Interval    time.Duration
}

// Do runs op until it succeeds, a permanent error occurs, the parent context
// is cancelled, or MaxRetries+1 attempts have failed. The returned history
// holds every failed attempt, including those preceding an eventual success.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) (History, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	if p.Interval > 0 {
		b.InitialInterval = p.Interval
	}
	b.Reset()

	var history History

	attempts := p.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if timeout := p.Timeout + time.Duration(attempt)*p.TimeoutStep; timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		}

		started := time.Now()
		err := op(attemptCtx, attempt)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			return history, nil
		}

		history = append(history, Attempt{
			Number:  attempt + 1,
			Err:     err,
			Elapsed: time.Since(started),
			At:      started,
		})

		var perm *permanentError
		if errors.As(err, &perm) {
			return history, perm.err
		}

		if ctx.Err() != nil {
			return history, fmt.Errorf("%s: %w", p.Op, ctx.Err())
		}

		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return history, fmt.Errorf("%s: %w", p.Op, ctx.Err())
		case <-time.After(b.NextBackOff()):
		}
	}

	return history, &ExhaustedError{Op: p.Op, History: history}
}
