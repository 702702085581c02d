package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	logx "pacer/pkg/logx"
)

func TestGateAcquireImmediate(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{Window: time.Second, ReadLimit: 2, WriteLimit: 1, BatchLimit: 1}, logx.Nop(), nil)
	g := NewGate(tr)

	if err := g.Acquire(context.Background(), CategoryRead); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
}

func TestGateAcquireWaitsForWindow(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{Window: 50 * time.Millisecond, ReadLimit: 1, WriteLimit: 1, BatchLimit: 1}, logx.Nop(), nil)
	g := NewGate(tr)

	if err := g.Acquire(context.Background(), CategoryRead); err != nil {
		t.Fatalf("first Acquire error: %v", err)
	}

	start := time.Now()
	if err := g.Acquire(context.Background(), CategoryRead); err != nil {
		t.Fatalf("second Acquire error: %v", err)
	}
	if waited := time.Since(start); waited < 40*time.Millisecond {
		t.Fatalf("second Acquire returned after %v, want a window-length wait", waited)
	}
}

func TestGateAcquireDeadline(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{Window: 10 * time.Second, ReadLimit: 1, WriteLimit: 1, BatchLimit: 1}, logx.Nop(), nil)
	g := NewGate(tr)

	if err := g.Acquire(context.Background(), CategoryRead); err != nil {
		t.Fatalf("first Acquire error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Acquire(ctx, CategoryRead)
	if !errors.Is(err, ErrAdmissionTimeout) {
		t.Fatalf("err = %v, want ErrAdmissionTimeout", err)
	}
}

func TestGateAcquireCancel(t *testing.T) {
	t.Parallel()
	tr := NewTracker(Config{Window: 10 * time.Second, ReadLimit: 1, WriteLimit: 1, BatchLimit: 1}, logx.Nop(), nil)
	g := NewGate(tr)

	if err := g.Acquire(context.Background(), CategoryRead); err != nil {
		t.Fatalf("first Acquire error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := g.Acquire(ctx, CategoryRead)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
