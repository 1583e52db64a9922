package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	plog "headlesshost.io/internal/persistence/log"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
	drops  dropCounters
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqAudit
	reqSnapshot
	reqSession
)

type req struct {
	kind reqKind

	tick     plog.TickLogEntry
	audit    plog.AuditEntry
	snapshot SnapshotRow
	session  SessionRow
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 65536)
}

func openSQLite(path string, buffer int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, buffer),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-only workload of a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			actions INTEGER NOT NULL,
			applied INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS actions (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			participant_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			enqueue_tick INTEGER NOT NULL,
			broadcast INTEGER NOT NULL,
			applied INTEGER NOT NULL,
			payload TEXT,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_participant_tick ON actions(participant_id, tick);`,
		`CREATE TABLE IF NOT EXISTS audits (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			participant_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			stage TEXT NOT NULL,
			reason TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			digest TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			saved_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id TEXT NOT NULL,
			identity_key TEXT NOT NULL,
			name TEXT,
			event TEXT NOT NULL,
			tick INTEGER NOT NULL,
			at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_identity ON sessions(identity_key, id);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// DB exposes the handle for read-side queries.
func (s *SQLiteIndex) DB() *sql.DB { return s.db }

func (s *SQLiteIndex) WriteTick(entry plog.TickLogEntry) error {
	s.send(req{kind: reqTick, tick: entry}, &s.drops.tick)
	return nil
}

func (s *SQLiteIndex) WriteAudit(entry plog.AuditEntry) error {
	s.send(req{kind: reqAudit, audit: entry}, &s.drops.audit)
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(row SnapshotRow) {
	if row.SavedAt.IsZero() {
		row.SavedAt = time.Now().UTC()
	}
	s.send(req{kind: reqSnapshot, snapshot: row}, &s.drops.snapshot)
}

func (s *SQLiteIndex) RecordSession(row SessionRow) {
	if row.At.IsZero() {
		row.At = time.Now().UTC()
	}
	s.send(req{kind: reqSession, session: row}, &s.drops.session)
}

func (s *SQLiteIndex) send(r req, drop *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		drop.Add(1)
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return s.drops.stats(len(s.ch), cap(s.ch))
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Several drains can land on one tick: their counts add up, raw_json
	// becomes one JSON line per drain, and actions and audits continue the
	// tick's seq.
	insertTick, _ := s.db.Prepare(`INSERT INTO ticks(tick,actions,applied,raw_json) VALUES(?,?,?,?)
		ON CONFLICT(tick) DO UPDATE SET
			actions = ticks.actions + excluded.actions,
			applied = ticks.applied + excluded.applied,
			raw_json = ticks.raw_json || char(10) || excluded.raw_json`)
	insertAction, _ := s.db.Prepare(`INSERT INTO actions(tick,seq,participant_id,kind,enqueue_tick,broadcast,applied,payload) VALUES(?,?,?,?,?,?,?,?)`)
	insertAudit, _ := s.db.Prepare(`INSERT INTO audits(tick,seq,participant_id,kind,stage,reason,raw_json) VALUES(?,?,?,?,?,?,?)`)
	nextActionSeq, _ := s.db.Prepare(`SELECT COALESCE(MAX(seq)+1,0) FROM actions WHERE tick=?`)
	nextAuditSeq, _ := s.db.Prepare(`SELECT COALESCE(MAX(seq)+1,0) FROM audits WHERE tick=?`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,path,digest,bytes,saved_at) VALUES(?,?,?,?,?)`)
	insertSession, _ := s.db.Prepare(`INSERT INTO sessions(connection_id,identity_key,name,event,tick,at) VALUES(?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertAction, insertAudit, insertSnapshot, insertSession, nextActionSeq, nextAuditSeq} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		actionSeq = seqCursor{tick: -1}
		auditSeq  = seqCursor{tick: -1}
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
		actionSeq.reset()
		auditSeq.reset()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil || tx == nil {
			return false
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}
	// seq hands out the next seq for tick, asking the table when the tick
	// changes so rows from an earlier run are never overwritten.
	seq := func(c *seqCursor, st *sql.Stmt, tick int64) (int, bool) {
		if c.tick != tick {
			var next int
			if st == nil || tx == nil {
				return 0, false
			}
			if err := tx.Stmt(st).QueryRow(tick).Scan(&next); err != nil {
				rollback()
				return 0, false
			}
			c.tick, c.next = tick, next
		}
		n := c.next
		c.next++
		return n, true
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTick:
			b, _ := json.Marshal(r.tick)
			applied := 0
			for _, a := range r.tick.Actions {
				if a.Applied {
					applied++
				}
			}
			if !exec(insertTick, r.tick.Tick, len(r.tick.Actions), applied, string(b)) {
				continue
			}
			for _, a := range r.tick.Actions {
				n, ok := seq(&actionSeq, nextActionSeq, r.tick.Tick)
				if !ok || !exec(insertAction, r.tick.Tick, n, a.ParticipantID, a.Kind, a.EnqueueTick, boolInt(a.Broadcast), boolInt(a.Applied), a.Payload) {
					break
				}
			}

		case reqAudit:
			a := r.audit
			n, ok := seq(&auditSeq, nextAuditSeq, a.Tick)
			if !ok {
				continue
			}
			raw, _ := json.Marshal(a)
			exec(insertAudit, a.Tick, n, a.ParticipantID, a.Kind, a.Stage, a.Reason, string(raw))

		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, sn.Tick, sn.Path, sn.Digest, sn.Bytes, sn.SavedAt.Format(time.RFC3339Nano))

		case reqSession:
			se := r.session
			exec(insertSession, se.ConnectionID, se.IdentityKey, se.Name, se.Event, se.Tick, se.At.Format(time.RFC3339Nano))
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}

type seqCursor struct {
	tick int64
	next int
}

func (c *seqCursor) reset() { c.tick = -1 }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
