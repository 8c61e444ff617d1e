package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFlaky = errors.New("transient failure")

func fastPolicy(maxRetries int) Policy {
	return Policy{
		Op:         "test",
		MaxRetries: maxRetries,
		Interval:   time.Millisecond,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	history, err := fastPolicy(3).Do(context.Background(), func(context.Context, int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %+v", history)
	}
}

func TestDoKeepsHistoryAcrossEventualSuccess(t *testing.T) {
	calls := 0
	history, err := fastPolicy(3).Do(context.Background(), func(_ context.Context, attempt int) error {
		if attempt != calls {
			t.Errorf("attempt %d reported as %d", calls, attempt)
		}
		calls++
		if calls <= 2 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 recorded failures, got %+v", history)
	}
	for i, a := range history {
		if a.Number != i+1 || !errors.Is(a.Err, errFlaky) || a.At.IsZero() {
			t.Fatalf("malformed attempt record: %+v", a)
		}
	}
}

func TestDoExhausts(t *testing.T) {
	calls := 0
	history, err := fastPolicy(2).Do(context.Background(), func(context.Context, int) error {
		calls++
		return errFlaky
	})
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if !IsExhausted(err) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if !errors.Is(err, errFlaky) {
		t.Fatalf("exhaustion should unwrap to the last cause, got %v", err)
	}

	var ex *ExhaustedError
	if !errors.As(err, &ex) || len(ex.History) != 3 {
		t.Fatalf("history not carried on the error: %v", err)
	}
	if last := history.Last(); last == nil || last.Number != 3 {
		t.Fatalf("unexpected last attempt: %+v", last)
	}
	if causes := history.Causes(); len(causes) != 3 {
		t.Fatalf("expected 3 causes, got %v", causes)
	}
}

func TestDoGrowsAttemptTimeouts(t *testing.T) {
	p := fastPolicy(2)
	p.Timeout = 50 * time.Millisecond
	p.TimeoutStep = 50 * time.Millisecond

	var spans []time.Duration
	_, err := p.Do(context.Background(), func(ctx context.Context, _ int) error {
		dl, ok := ctx.Deadline()
		if !ok {
			t.Fatal("attempt context has no deadline")
		}
		spans = append(spans, time.Until(dl))
		return errFlaky
	})
	if !IsExhausted(err) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if len(spans) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(spans))
	}
	if spans[0] <= 0 || spans[0] > 50*time.Millisecond {
		t.Fatalf("first attempt span out of range: %v", spans[0])
	}
	if spans[1] <= spans[0] || spans[2] <= spans[1] {
		t.Fatalf("spans must grow per attempt: %v", spans)
	}
}

func TestDoWithoutTimeoutLeavesContextUnbounded(t *testing.T) {
	_, err := fastPolicy(0).Do(context.Background(), func(ctx context.Context, _ int) error {
		if _, ok := ctx.Deadline(); ok {
			t.Fatal("expected no deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
}

func TestPermanentStopsRetrying(t *testing.T) {
	cause := errors.New("bad request")
	calls := 0
	history, err := fastPolicy(5).Do(context.Background(), func(context.Context, int) error {
		calls++
		return Permanent(cause)
	})
	if calls != 1 {
		t.Fatalf("permanent error must stop after 1 call, got %d", calls)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected the wrapped cause, got %v", err)
	}
	if IsExhausted(err) {
		t.Fatal("a permanent stop is not exhaustion")
	}
	if len(history) != 1 {
		t.Fatalf("the failed attempt should still be recorded: %+v", history)
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) must stay nil")
	}
}

func TestParentCancellationStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	history, err := fastPolicy(5).Do(ctx, func(context.Context, int) error {
		calls++
		cancel()
		return errFlaky
	})
	if calls != 1 {
		t.Fatalf("cancellation must stop retries, got %d calls", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected the aborted attempt recorded, got %+v", history)
	}
}
