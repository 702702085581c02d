package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JournalEntry records one job lifecycle transition.
// Keep it compact and schema-stable.
type JournalEntry struct {
	At       time.Time `json:"at"`
	JobID    string    `json:"job_id"`
	OwnerID  string    `json:"owner_id"`
	Kind     string    `json:"kind"`
	Status   string    `json:"status"`
	Priority string    `json:"priority,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Error    string    `json:"error,omitempty"`
}
