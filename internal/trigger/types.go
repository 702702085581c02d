package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"pacer/internal/jobs"
	logx "pacer/pkg/logx"
)

// Config controls the periodic scan trigger.
type Config struct {
	Enabled  bool
	Schedule string        // cron spec, e.g. "0 3 * * *" or "@every 24h"
	Timezone string        // IANA TZ, e.g. "Asia/Jakarta"
	Spread   time.Duration // max random delay before the startup catch-up scan
	Kind     string        // job kind attached to scheduled scans
	Stagger  time.Duration // inter-owner spacing passed to EnqueueBatch
}

// OwnerSource supplies the owner list for a scan.
type OwnerSource interface {
	Owners(ctx context.Context) ([]string, error)
}

// Enqueuer is the queue surface the trigger needs.
type Enqueuer interface {
	Enqueue(ownerID, kind string, pri jobs.Priority, runAfter time.Time) (string, error)
	EnqueueBatch(ownerIDs []string, kind string, pri jobs.Priority, stagger time.Duration) []string
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	owners OwnerSource
	queue  Enqueuer

	parser cron.Parser
	c      *cron.Cron
	now    func() time.Time
}

type Snapshot struct {
	Enabled  bool
	Running  bool
	Schedule string
	Timezone string
	Next     time.Time
	Prev     time.Time
}
