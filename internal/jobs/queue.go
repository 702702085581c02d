// Package jobs implements the in-memory, priority-ordered job queue with
// per-owner dedup, staggered batch enqueue and retry-with-backoff.
package jobs

import (
	"container/heap"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pacer/internal/eventbus"
	logx "pacer/pkg/logx"
)

// entry is an immutable heap snapshot of a job's ordering key. The job's
// live state lives in Queue.jobs; stale entries (status or schedule changed
// since push) are discarded lazily when they surface.
type entry struct {
	id          string
	priority    Priority
	scheduledAt time.Time
}

type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if !h[i].scheduledAt.Equal(h[j].scheduledAt) {
		return h[i].scheduledAt.Before(h[j].scheduledAt)
	}
	return h[i].id < h[j].id
}
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Queue is the sole mutator of job status. All methods are safe for
// concurrent use.
type Queue struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	// now is swappable for deterministic tests.
	now func() time.Time

	heap   entryHeap
	jobs   map[string]*Job
	owners map[string]string // ownerID -> active job ID

	// terminal job IDs in completion order, for bounded retention.
	terminal []string
}

func NewQueue(cfg Config, log logx.Logger, bus eventbus.Bus) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		now:    time.Now,
		jobs:   make(map[string]*Job),
		owners: make(map[string]string),
	}
}

// Apply swaps retry settings at runtime. Jobs already scheduled keep their
// computed scheduled_at; only future backoff computations change.
func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.mu.Unlock()
}

// Enqueue creates a PENDING job for the owner, eligible to run at runAfter
// (zero means immediately). It fails with ErrDuplicateJob if the owner
// already has an active job; that invariant is what keeps one owner from
// racing itself and double-consuming its own quota share.
func (q *Queue) Enqueue(ownerID, kind string, pri Priority, runAfter time.Time) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueueLocked(strings.TrimSpace(ownerID), kind, pri, runAfter)
}

func (q *Queue) enqueueLocked(ownerID, kind string, pri Priority, runAfter time.Time) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("owner id is required")
	}
	if activeID, ok := q.owners[ownerID]; ok {
		if j := q.jobs[activeID]; j != nil && j.Status.Active() {
			return "", fmt.Errorf("%w: owner %s has job %s (%s)", ErrDuplicateJob, ownerID, activeID, j.Status)
		}
		// Stale mapping (should not happen; terminal transitions clean up).
		delete(q.owners, ownerID)
	}

	now := q.now()
	if runAfter.IsZero() {
		runAfter = now
	}
	j := &Job{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Kind:        kind,
		Priority:    pri,
		Status:      StatusPending,
		ScheduledAt: runAfter,
		CreatedAt:   now,
		MaxAttempts: q.cfg.MaxAttempts,
	}
	q.jobs[j.ID] = j
	q.owners[ownerID] = j.ID
	heap.Push(&q.heap, entry{id: j.ID, priority: j.Priority, scheduledAt: j.ScheduledAt})

	q.log.Debug("job enqueued",
		logx.String("job", j.ID),
		logx.String("owner", ownerID),
		logx.String("priority", pri.String()),
		logx.Time("scheduled_at", j.ScheduledAt),
	)
	q.publishLocked(j)
	return j.ID, nil
}

// EnqueueBatch enqueues one job per owner with scheduled_at spread
// stagger apart in the given iteration order. Owners that already have an
// active job are skipped (logged, not fatal) but still consume their slot in
// the stagger sequence so the cadence of the rest is unchanged.
//
// It returns the IDs of the jobs actually created.
func (q *Queue) EnqueueBatch(ownerIDs []string, kind string, pri Priority, stagger time.Duration) []string {
	if stagger < 0 {
		stagger = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	ids := make([]string, 0, len(ownerIDs))
	skipped := 0
	for i, owner := range ownerIDs {
		runAfter := now.Add(time.Duration(i) * stagger)
		id, err := q.enqueueLocked(strings.TrimSpace(owner), kind, pri, runAfter)
		if err != nil {
			skipped++
			q.log.Debug("batch enqueue skipped owner", logx.String("owner", owner), logx.Any("err", err))
			continue
		}
		ids = append(ids, id)
	}

	q.log.Info("batch enqueued",
		logx.Int("jobs", len(ids)),
		logx.Int("skipped", skipped),
		logx.Duration("stagger", stagger),
	)
	return ids
}

// NextReady returns the highest-priority, earliest-scheduled job that is
// eligible to run now (peek semantics; the job stays queued until
// MarkRunning). Ordering is a strict total order: priority, then
// scheduled_at, then job ID.
func (q *Queue) NextReady() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()

	// Pop entries until a live, ready one surfaces. Higher-priority entries
	// that are not yet due get parked and pushed back: a HIGH job scheduled
	// for later must not hide a NORMAL job that is ready now.
	var parked []entry
	defer func() {
		for _, e := range parked {
			heap.Push(&q.heap, e)
		}
	}()

	for q.heap.Len() > 0 {
		e := q.heap[0]
		j := q.jobs[e.id]
		if j == nil || !q.entryLive(e, j) {
			heap.Pop(&q.heap)
			continue
		}
		if j.ScheduledAt.After(now) {
			// Not due yet. Same-priority entries behind it are due even
			// later, but a lower priority class may still have a ready job.
			parked = append(parked, heap.Pop(&q.heap).(entry))
			continue
		}
		return *j, true
	}
	return Job{}, false
}

// entryLive reports whether the heap entry still matches the job's current
// schedulable state.
func (q *Queue) entryLive(e entry, j *Job) bool {
	if j.Status != StatusPending && j.Status != StatusRetrying {
		return false
	}
	return j.ScheduledAt.Equal(e.scheduledAt)
}

// MarkRunning transitions a pending/retrying job to RUNNING. Only the
// dispatch loop calls this.
func (q *Queue) MarkRunning(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if j.Status != StatusPending && j.Status != StatusRetrying {
		return fmt.Errorf("%w: %s is %s, want pending", ErrBadTransition, jobID, j.Status)
	}
	j.Status = StatusRunning
	j.StartedAt = q.now()
	j.AttemptCount++
	q.publishLocked(j)
	return nil
}

// MarkCompleted transitions a running job to COMPLETED and frees the
// owner's slot.
func (q *Queue) MarkCompleted(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if j.Status != StatusRunning {
		return fmt.Errorf("%w: %s is %s, want running", ErrBadTransition, jobID, j.Status)
	}
	j.Status = StatusCompleted
	j.CompletedAt = q.now()
	j.LastError = ""
	q.finishLocked(j)
	q.publishLocked(j)
	return nil
}

// MarkFailedRetry records a retryable failure. If attempts remain, the job
// is re-queued as RETRYING with scheduled_at pushed out by exponential
// backoff (RetryBase * 2^attempt, capped); otherwise it goes terminal FAILED.
func (q *Queue) MarkFailedRetry(jobID string, jobErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if j.Status != StatusRunning {
		return fmt.Errorf("%w: %s is %s, want running", ErrBadTransition, jobID, j.Status)
	}
	if jobErr != nil {
		j.LastError = jobErr.Error()
	}

	if j.AttemptCount >= j.MaxAttempts {
		j.Status = StatusFailed
		j.CompletedAt = q.now()
		q.finishLocked(j)
		q.publishLocked(j)
		q.log.Warn("job failed after exhausting retries",
			logx.String("job", j.ID),
			logx.String("owner", j.OwnerID),
			logx.Int("attempts", j.AttemptCount),
			logx.String("err", j.LastError),
		)
		return nil
	}

	delay := q.retryDelayLocked(j.AttemptCount)
	j.Status = StatusRetrying
	j.ScheduledAt = q.now().Add(delay)
	heap.Push(&q.heap, entry{id: j.ID, priority: j.Priority, scheduledAt: j.ScheduledAt})
	q.publishLocked(j)
	q.log.Info("job re-queued for retry",
		logx.String("job", j.ID),
		logx.String("owner", j.OwnerID),
		logx.Int("attempt", j.AttemptCount),
		logx.Duration("delay", delay),
		logx.String("err", j.LastError),
	)
	return nil
}

// MarkFailed records a fatal failure: no retry, straight to FAILED.
func (q *Queue) MarkFailed(jobID string, jobErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	if j.Status.Terminal() {
		return fmt.Errorf("%w: %s is already %s", ErrBadTransition, jobID, j.Status)
	}
	if jobErr != nil {
		j.LastError = jobErr.Error()
	}
	j.Status = StatusFailed
	j.CompletedAt = q.now()
	q.finishLocked(j)
	q.publishLocked(j)
	q.log.Warn("job failed (fatal)",
		logx.String("job", j.ID),
		logx.String("owner", j.OwnerID),
		logx.String("err", j.LastError),
	)
	return nil
}

// Cancel cancels a job that has not started running. It returns false if the
// job is unknown or already running/terminal.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[jobID]
	if !ok {
		return false
	}
	if j.Status != StatusPending && j.Status != StatusRetrying {
		return false
	}
	j.Status = StatusCanceled
	j.CompletedAt = q.now()
	q.finishLocked(j)
	q.publishLocked(j)
	return true
}

// Status returns a copy of the job, if known.
func (q *Queue) Status(jobID string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// OwnerJob returns the owner's active job, if any.
func (q *Queue) OwnerJob(ownerID string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.owners[ownerID]
	if !ok {
		return Job{}, false
	}
	j := q.jobs[id]
	if j == nil {
		return Job{}, false
	}
	return *j, true
}

// StatusSnapshot returns aggregate counts by status. It never blocks
// dispatch beyond the queue's own lock.
func (q *Queue) StatusSnapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Snapshot
	for _, j := range q.jobs {
		s.Total++
		switch j.Status {
		case StatusPending:
			s.Pending++
		case StatusRunning:
			s.Running++
		case StatusRetrying:
			s.Retrying++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCanceled:
			s.Canceled++
		}
	}
	return s
}

func (q *Queue) retryDelayLocked(attempt int) time.Duration {
	d := q.cfg.RetryBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.RetryMaxDelay {
			return q.cfg.RetryMaxDelay
		}
	}
	return d
}

// finishLocked frees the owner slot and applies terminal-history retention.
func (q *Queue) finishLocked(j *Job) {
	if q.owners[j.OwnerID] == j.ID {
		delete(q.owners, j.OwnerID)
	}
	q.terminal = append(q.terminal, j.ID)
	for len(q.terminal) > q.cfg.MaxHistory {
		old := q.terminal[0]
		q.terminal = q.terminal[1:]
		delete(q.jobs, old)
	}
}

func (q *Queue) publishLocked(j *Job) {
	if q.bus == nil {
		return
	}
	var typ string
	switch j.Status {
	case StatusPending:
		typ = eventbus.TypeJobEnqueued
	case StatusRunning:
		typ = eventbus.TypeJobStarted
	case StatusRetrying:
		typ = eventbus.TypeJobRetrying
	case StatusCompleted:
		typ = eventbus.TypeJobCompleted
	case StatusFailed:
		typ = eventbus.TypeJobFailed
	case StatusCanceled:
		typ = eventbus.TypeJobCanceled
	default:
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Data: Event{
		ID:       j.ID,
		OwnerID:  j.OwnerID,
		Kind:     j.Kind,
		Priority: j.Priority.String(),
		Status:   j.Status.String(),
		Attempt:  j.AttemptCount,
		Error:    j.LastError,
	}})
}
