// Package storage provides an optional append-only journal of job
// lifecycle transitions.
//
// The journal is audit output, not authoritative state: the in-memory
// queue never reads it back.
package storage
