package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecordsFirstError(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")

	sup.Go("failing", func(ctx context.Context) error { return boom })
	sup.Go0("waiter", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("Wait() = %v, want boom", err)
	}
	if !strings.HasPrefix(err.Error(), "failing:") {
		t.Fatalf("error not prefixed with goroutine name: %v", err)
	}
}

func TestGoRecoversPanic(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	sup.Go0("panicky", func(ctx context.Context) { panic("bad") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "panic: bad") {
		t.Fatalf("Wait() = %v, want recovered panic", err)
	}
	if got := sup.Counters().Active; got != 0 {
		t.Fatalf("Active = %d, want 0", got)
	}
}

func TestStopCancelsAndWaits(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	var exited atomic.Bool
	sup.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		exited.Store(true)
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop() = %v, want nil (context.Canceled is a clean exit)", err)
	}
	if !exited.Load() {
		t.Fatal("goroutine did not observe cancellation")
	}
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, time.Millisecond, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = sup.Wait(ctx)
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}
