package jobs

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	logx "pacer/pkg/logx"
)

func newTestQueue(cfg Config) (*Queue, *time.Time) {
	q := NewQueue(cfg, logx.Nop(), nil)
	cur := time.Unix(1_700_000_000, 0)
	q.now = func() time.Time { return cur }
	return q, &cur
}

func TestEnqueueAndNextReady(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(Config{})

	id, err := q.Enqueue("owner-a", "scan", PriorityNormal, time.Time{})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	j, ok := q.NextReady()
	if !ok {
		t.Fatal("NextReady found nothing")
	}
	if j.ID != id || j.Status != StatusPending {
		t.Fatalf("job = %+v", j)
	}

	// Peek semantics: the job stays queued until MarkRunning.
	j2, ok := q.NextReady()
	if !ok || j2.ID != id {
		t.Fatal("NextReady must keep returning the job until it starts")
	}
}

func TestEnqueueDuplicateOwner(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(Config{})

	if _, err := q.Enqueue("owner-a", "scan", PriorityNormal, time.Time{}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	_, err := q.Enqueue("owner-a", "scan", PriorityHigh, time.Time{})
	if !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("err = %v, want ErrDuplicateJob", err)
	}

	// A different owner is unaffected.
	if _, err := q.Enqueue("owner-b", "scan", PriorityNormal, time.Time{}); err != nil {
		t.Fatalf("Enqueue owner-b error: %v", err)
	}
}

func TestEnqueueAllowedAfterTerminal(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(Config{})

	id, _ := q.Enqueue("owner-a", "scan", PriorityNormal, time.Time{})
	if err := q.MarkRunning(id); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if err := q.MarkCompleted(id); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	if _, err := q.Enqueue("owner-a", "scan", PriorityNormal, time.Time{}); err != nil {
		t.Fatalf("re-enqueue after completion: %v", err)
	}
}

func TestNextReadyOrdering(t *testing.T) {
	t.Parallel()
	q, cur := newTestQueue(Config{})
	base := *cur

	idLow, _ := q.Enqueue("low", "scan", PriorityLow, base)
	idNormal, _ := q.Enqueue("normal", "scan", PriorityNormal, base)
	idHigh, _ := q.Enqueue("high", "scan", PriorityHigh, base)

	wantOrder := []string{idHigh, idNormal, idLow}
	for i, want := range wantOrder {
		j, ok := q.NextReady()
		if !ok {
			t.Fatalf("step %d: NextReady found nothing", i)
		}
		if j.ID != want {
			t.Fatalf("step %d: got %s, want %s", i, j.ID, want)
		}
		if err := q.MarkRunning(j.ID); err != nil {
			t.Fatalf("step %d: MarkRunning: %v", i, err)
		}
	}
}

func TestNextReadySamePriorityByScheduledAt(t *testing.T) {
	t.Parallel()
	q, cur := newTestQueue(Config{})
	base := *cur

	idLater, _ := q.Enqueue("later", "scan", PriorityNormal, base.Add(-1*time.Second))
	idEarlier, _ := q.Enqueue("earlier", "scan", PriorityNormal, base.Add(-2*time.Second))

	j, _ := q.NextReady()
	if j.ID != idEarlier {
		t.Fatalf("got %s, want earlier job %s", j.ID, idEarlier)
	}
	_ = q.MarkRunning(j.ID)
	j, _ = q.NextReady()
	if j.ID != idLater {
		t.Fatalf("got %s, want later job %s", j.ID, idLater)
	}
}

func TestNextReadyNotDueHighDoesNotHideReadyNormal(t *testing.T) {
	t.Parallel()
	q, cur := newTestQueue(Config{})
	base := *cur

	idHigh, _ := q.Enqueue("high", "scan", PriorityHigh, base.Add(10*time.Minute))
	idNormal, _ := q.Enqueue("normal", "scan", PriorityNormal, base)

	j, ok := q.NextReady()
	if !ok {
		t.Fatal("ready normal job hidden by future high job")
	}
	if j.ID != idNormal {
		t.Fatalf("got %s, want %s", j.ID, idNormal)
	}

	// Once the high job is due it goes first.
	*cur = base.Add(11 * time.Minute)
	j, _ = q.NextReady()
	if j.ID != idHigh {
		t.Fatalf("got %s, want due high job %s", j.ID, idHigh)
	}
}

func TestNextReadyRespectsScheduledAt(t *testing.T) {
	t.Parallel()
	q, cur := newTestQueue(Config{})
	base := *cur

	q.Enqueue("owner-a", "scan", PriorityNormal, base.Add(30*time.Second))
	if _, ok := q.NextReady(); ok {
		t.Fatal("job returned before its scheduled_at")
	}
	*cur = base.Add(30 * time.Second)
	if _, ok := q.NextReady(); !ok {
		t.Fatal("job not returned at its scheduled_at")
	}
}

func TestEnqueueBatchStagger(t *testing.T) {
	t.Parallel()
	q, cur := newTestQueue(Config{})
	base := *cur

	ids := q.EnqueueBatch([]string{"a", "b", "c"}, "scan", PriorityNormal, 30*time.Second)
	if len(ids) != 3 {
		t.Fatalf("created %d jobs, want 3", len(ids))
	}
	for i, id := range ids {
		j, ok := q.Status(id)
		if !ok {
			t.Fatalf("job %s missing", id)
		}
		want := base.Add(time.Duration(i) * 30 * time.Second)
		if !j.ScheduledAt.Equal(want) {
			t.Fatalf("job %d scheduled at %v, want %v", i, j.ScheduledAt, want)
		}
	}
}

func TestEnqueueBatchSkipsDuplicatesKeepsCadence(t *testing.T) {
	t.Parallel()
	q, cur := newTestQueue(Config{})
	base := *cur

	if _, err := q.Enqueue("dup", "scan", PriorityNormal, base); err != nil {
		t.Fatalf("seed enqueue: %v", err)
	}

	ids := q.EnqueueBatch([]string{"a", "dup", "c"}, "scan", PriorityNormal, 30*time.Second)
	if len(ids) != 2 {
		t.Fatalf("created %d jobs, want 2 (dup skipped)", len(ids))
	}
	// "c" keeps its slot-index schedule even though "dup" was skipped.
	j, _ := q.Status(ids[1])
	if want := base.Add(60 * time.Second); !j.ScheduledAt.Equal(want) {
		t.Fatalf("c scheduled at %v, want %v", j.ScheduledAt, want)
	}
}

func TestEnqueueBatchSkipsEmptyOwners(t *testing.T) {
	t.Parallel()
	q, cur := newTestQueue(Config{})
	base := *cur

	ids := q.EnqueueBatch([]string{"a", "", "  ", "b"}, "scan", PriorityNormal, 30*time.Second)
	if len(ids) != 2 {
		t.Fatalf("created %d jobs, want 2 (empty owners skipped)", len(ids))
	}
	for _, id := range ids {
		j, _ := q.Status(id)
		if j.OwnerID == "" {
			t.Fatal("job created for an empty owner")
		}
	}
	// "b" keeps its slot-index schedule past the skipped entries.
	j, _ := q.Status(ids[1])
	if want := base.Add(90 * time.Second); !j.ScheduledAt.Equal(want) {
		t.Fatalf("b scheduled at %v, want %v", j.ScheduledAt, want)
	}
}

func TestRetryChainToFailure(t *testing.T) {
	t.Parallel()
	q, cur := newTestQueue(Config{MaxAttempts: 3, RetryBase: time.Minute, RetryMaxDelay: 15 * time.Minute})
	base := *cur

	id, _ := q.Enqueue("owner-a", "scan", PriorityNormal, base)
	boom := errors.New("downstream 500")

	// Attempt 1 fails: retry in RetryBase * 2^1.
	if err := q.MarkRunning(id); err != nil {
		t.Fatalf("MarkRunning 1: %v", err)
	}
	if err := q.MarkFailedRetry(id, boom); err != nil {
		t.Fatalf("MarkFailedRetry 1: %v", err)
	}
	j, _ := q.Status(id)
	if j.Status != StatusRetrying || j.AttemptCount != 1 {
		t.Fatalf("after attempt 1: %+v", j)
	}
	if want := cur.Add(2 * time.Minute); !j.ScheduledAt.Equal(want) {
		t.Fatalf("retry 1 scheduled at %v, want %v", j.ScheduledAt, want)
	}

	// Not eligible until the backoff elapses.
	if _, ok := q.NextReady(); ok {
		t.Fatal("retrying job eligible before backoff elapsed")
	}
	*cur = j.ScheduledAt

	// Attempt 2 fails: backoff doubles.
	got, ok := q.NextReady()
	if !ok || got.ID != id {
		t.Fatal("retrying job not eligible after backoff")
	}
	if err := q.MarkRunning(id); err != nil {
		t.Fatalf("MarkRunning 2: %v", err)
	}
	if err := q.MarkFailedRetry(id, boom); err != nil {
		t.Fatalf("MarkFailedRetry 2: %v", err)
	}
	j, _ = q.Status(id)
	if j.AttemptCount != 2 || j.Status != StatusRetrying {
		t.Fatalf("after attempt 2: %+v", j)
	}
	if want := cur.Add(4 * time.Minute); !j.ScheduledAt.Equal(want) {
		t.Fatalf("retry 2 scheduled at %v, want %v", j.ScheduledAt, want)
	}

	// Attempt 3 exhausts the budget: terminal FAILED, owner slot freed.
	*cur = j.ScheduledAt
	if err := q.MarkRunning(id); err != nil {
		t.Fatalf("MarkRunning 3: %v", err)
	}
	if err := q.MarkFailedRetry(id, boom); err != nil {
		t.Fatalf("MarkFailedRetry 3: %v", err)
	}
	j, _ = q.Status(id)
	if j.Status != StatusFailed || j.AttemptCount != 3 {
		t.Fatalf("after attempt 3: %+v", j)
	}
	if j.LastError == "" {
		t.Fatal("terminal job lost its last error")
	}
	if _, err := q.Enqueue("owner-a", "scan", PriorityNormal, time.Time{}); err != nil {
		t.Fatalf("owner slot not freed after failure: %v", err)
	}
}

func TestRetryDelayCapped(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(Config{MaxAttempts: 10, RetryBase: time.Minute, RetryMaxDelay: 5 * time.Minute})

	if got := q.retryDelayLocked(1); got != 2*time.Minute {
		t.Fatalf("delay(1) = %v, want 2m", got)
	}
	if got := q.retryDelayLocked(3); got != 5*time.Minute {
		t.Fatalf("delay(3) = %v, want capped 5m", got)
	}
	if got := q.retryDelayLocked(8); got != 5*time.Minute {
		t.Fatalf("delay(8) = %v, want capped 5m", got)
	}
}

func TestMarkFailedFatal(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(Config{MaxAttempts: 3})

	id, _ := q.Enqueue("owner-a", "scan", PriorityNormal, time.Time{})
	_ = q.MarkRunning(id)
	if err := q.MarkFailed(id, errors.New("unrecoverable")); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	j, _ := q.Status(id)
	if j.Status != StatusFailed || j.AttemptCount != 1 {
		t.Fatalf("job = %+v", j)
	}
}

func TestBadTransitions(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(Config{})

	id, _ := q.Enqueue("owner-a", "scan", PriorityNormal, time.Time{})

	if err := q.MarkCompleted(id); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("complete pending: err = %v, want ErrBadTransition", err)
	}
	if err := q.MarkFailedRetry(id, nil); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("retry pending: err = %v, want ErrBadTransition", err)
	}
	if err := q.MarkRunning("no-such-job"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("run unknown: err = %v, want ErrUnknownJob", err)
	}

	_ = q.MarkRunning(id)
	if err := q.MarkRunning(id); !errors.Is(err, ErrBadTransition) {
		t.Fatalf("run running: err = %v, want ErrBadTransition", err)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(Config{})

	id, _ := q.Enqueue("owner-a", "scan", PriorityNormal, time.Time{})
	if !q.Cancel(id) {
		t.Fatal("cancel pending refused")
	}
	j, _ := q.Status(id)
	if j.Status != StatusCanceled {
		t.Fatalf("status = %v, want canceled", j.Status)
	}
	// Canceled jobs never surface in NextReady.
	if _, ok := q.NextReady(); ok {
		t.Fatal("canceled job still schedulable")
	}

	id2, _ := q.Enqueue("owner-b", "scan", PriorityNormal, time.Time{})
	_ = q.MarkRunning(id2)
	if q.Cancel(id2) {
		t.Fatal("cancel running should be refused")
	}
	if q.Cancel("no-such-job") {
		t.Fatal("cancel unknown should be refused")
	}
}

func TestHistoryRetention(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(Config{MaxHistory: 2})

	var ids []string
	for i := 0; i < 3; i++ {
		id, _ := q.Enqueue(fmt.Sprintf("owner-%d", i), "scan", PriorityNormal, time.Time{})
		_ = q.MarkRunning(id)
		_ = q.MarkCompleted(id)
		ids = append(ids, id)
	}

	if _, ok := q.Status(ids[0]); ok {
		t.Fatal("oldest terminal job should have been evicted")
	}
	for _, id := range ids[1:] {
		if _, ok := q.Status(id); !ok {
			t.Fatalf("job %s evicted too early", id)
		}
	}
}

func TestStatusSnapshotCounts(t *testing.T) {
	t.Parallel()
	q, _ := newTestQueue(Config{MaxAttempts: 3})

	idA, _ := q.Enqueue("a", "scan", PriorityNormal, time.Time{})
	_ = q.MarkRunning(idA)
	idB, _ := q.Enqueue("b", "scan", PriorityNormal, time.Time{})
	_ = q.MarkRunning(idB)
	_ = q.MarkFailedRetry(idB, errors.New("x"))
	q.Enqueue("c", "scan", PriorityNormal, time.Time{})

	s := q.StatusSnapshot()
	if s.Total != 3 || s.Running != 1 || s.Retrying != 1 || s.Pending != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestConcurrentEnqueueSingleWinner(t *testing.T) {
	t.Parallel()
	q := NewQueue(Config{}, logx.Nop(), nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Enqueue("contended-owner", "scan", PriorityNormal, time.Time{}); err == nil {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("created = %d, want exactly 1", created)
	}
}
