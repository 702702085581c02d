package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoAndWait(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var ran int32
	s.Go("worker", func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatal("goroutine did not run")
	}
	if c := s.Count(); c.Started != 1 || c.Active != 0 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestCancelOnError(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	s.Go("failing", func(ctx context.Context) error { return boom })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("error did not cancel the supervisor context")
	}
	if err := s.Err(); !errors.Is(err, boom) {
		t.Fatalf("Err() = %v, want wrapped boom", err)
	}
}

func TestErrorWithoutCancel(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("failing", func(ctx context.Context) error { return errors.New("boom") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("Wait must surface the goroutine error")
	}
	if s.Context().Err() != nil {
		t.Fatal("context must stay alive without WithCancelOnError")
	}
}

func TestCanceledErrorIsClean(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("stopping", func(ctx context.Context) error { return context.Canceled })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.Wait(ctx)
	if err := s.Err(); err != nil {
		t.Fatalf("context.Canceled must not count as a failure, got %v", err)
	}
}

func TestPanicRecovered(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("panicking", func(ctx context.Context) error { panic("bug") })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("panic did not cancel the supervisor context")
	}
	if s.Err() == nil {
		t.Fatal("panic must surface as the first error")
	}
}

func TestGoRestartRetriesUntilCancel(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("transient")
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&runs) < 3 {
		time.Sleep(2 * time.Millisecond)
	}
	if atomic.LoadInt32(&runs) < 3 {
		t.Fatalf("runs = %d, want >= 3", runs)
	}

	s.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait after cancel: %v", err)
	}
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs int32
	s.GoRestart("once", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("runs = %d, want 1 (clean exit must not restart)", got)
	}
}

func TestGoRestartMaxRestarts(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs int32
	s.GoRestart("doomed", func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return errors.New("always")
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxRestarts(2),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("exhausted restarts must surface an error")
	}
	// Initial run plus two restarts.
	if got := atomic.LoadInt32(&runs); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartPublishFirstError(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	boom := errors.New("boom")
	started := make(chan struct{}, 8)
	s.GoRestart("noisy", func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		return boom
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithPublishFirstError(true),
	)

	<-started
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Err() == nil {
		time.Sleep(2 * time.Millisecond)
	}
	if err := s.Err(); !errors.Is(err, boom) {
		t.Fatalf("Err() = %v, want boom while still restarting", err)
	}
	// Still restarting despite the published error.
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("restart loop stopped after publishing the error")
	}
	s.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.Wait(ctx)
}
