// Package indexdb keeps a queryable read model of what the server relayed,
// saved, and who connected. Writes are queued to a background writer and
// dropped (and counted) when it falls behind; the JSONL logs stay the
// source of truth.
package indexdb

import (
	"sync/atomic"
	"time"

	plog "headlesshost.io/internal/persistence/log"
)

// Index is implemented by every backend.
type Index interface {
	WriteTick(entry plog.TickLogEntry) error
	WriteAudit(entry plog.AuditEntry) error
	RecordSnapshot(row SnapshotRow)
	RecordSession(row SessionRow)
	Stats() Stats
	Close() error
}

type SnapshotRow struct {
	Tick    int64     `json:"tick"`
	Path    string    `json:"path"`
	Digest  string    `json:"digest"`
	Bytes   int       `json:"bytes"`
	SavedAt time.Time `json:"saved_at"`
}

// Session events.
const (
	SessionConnect    = "connect"
	SessionDisconnect = "disconnect"
	SessionRejected   = "rejected"
)

type SessionRow struct {
	ConnectionID string    `json:"connection_id"`
	IdentityKey  string    `json:"identity_key"`
	Name         string    `json:"name,omitempty"`
	Event        string    `json:"event"`
	Tick         int64     `json:"tick"`
	At           time.Time `json:"at"`
}

type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropTickTotal     uint64 `json:"drop_tick_total"`
	DropAuditTotal    uint64 `json:"drop_audit_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
	DropSessionTotal  uint64 `json:"drop_session_total"`
}

type dropCounters struct {
	tick     atomic.Uint64
	audit    atomic.Uint64
	snapshot atomic.Uint64
	session  atomic.Uint64
}

func (d *dropCounters) stats(depth, capacity int) Stats {
	return Stats{
		QueueDepth:        depth,
		QueueCapacity:     capacity,
		DropTickTotal:     d.tick.Load(),
		DropAuditTotal:    d.audit.Load(),
		DropSnapshotTotal: d.snapshot.Load(),
		DropSessionTotal:  d.session.Load(),
	}
}
