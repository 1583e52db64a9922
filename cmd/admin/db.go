package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

type dbQuery struct {
	Name        string
	Tick        int64
	Participant string
	Limit       int
}

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	tick := fs.Int64("tick", 0, "tick filter for actions/audits (0 = all)")
	who := fs.String("participant", "", "identity key filter for sessions/actions/audits")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := dbQuery{Name: "snapshots", Tick: *tick, Participant: strings.TrimSpace(*who), Limit: *limit}
	if fs.NArg() > 0 {
		q.Name = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "worlds", *worldID, "index", "world.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := runQuery(db, q, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data] [-world WORLD|-db PATH] [-tick T] [-participant KEY] snapshots|sessions|ticks|actions|audits")
		os.Exit(1)
	}
}

// runQuery prints one JSON object per row, newest first.
func runQuery(db *sql.DB, q dbQuery, out io.Writer) error {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	var (
		query string
		args  []any
		scan  func(*sql.Rows) (any, error)
	)
	where := func(tickCol string) (string, []any) {
		var conds []string
		var a []any
		if q.Tick > 0 {
			conds = append(conds, tickCol+"=?")
			a = append(a, q.Tick)
		}
		if q.Participant != "" {
			conds = append(conds, "participant_id=?")
			a = append(a, q.Participant)
		}
		if len(conds) == 0 {
			return "", a
		}
		return " WHERE " + strings.Join(conds, " AND "), a
	}

	switch q.Name {
	case "snapshots":
		query = `SELECT tick,path,digest,bytes,saved_at FROM snapshots ORDER BY tick DESC LIMIT ?`
		args = []any{q.Limit}
		scan = func(rows *sql.Rows) (any, error) {
			var r struct {
				Tick    int64  `json:"tick"`
				Path    string `json:"path"`
				Digest  string `json:"digest"`
				Bytes   int64  `json:"bytes"`
				SavedAt string `json:"saved_at"`
			}
			err := rows.Scan(&r.Tick, &r.Path, &r.Digest, &r.Bytes, &r.SavedAt)
			return r, err
		}

	case "sessions":
		query = `SELECT connection_id,identity_key,COALESCE(name,''),event,tick,at FROM sessions`
		if q.Participant != "" {
			query += ` WHERE identity_key=?`
			args = append(args, q.Participant)
		}
		query += ` ORDER BY id DESC LIMIT ?`
		args = append(args, q.Limit)
		scan = func(rows *sql.Rows) (any, error) {
			var r struct {
				ConnectionID string `json:"connection_id"`
				IdentityKey  string `json:"identity_key"`
				Name         string `json:"name,omitempty"`
				Event        string `json:"event"`
				Tick         int64  `json:"tick"`
				At           string `json:"at"`
			}
			err := rows.Scan(&r.ConnectionID, &r.IdentityKey, &r.Name, &r.Event, &r.Tick, &r.At)
			return r, err
		}

	case "ticks":
		query = `SELECT tick,actions,applied FROM ticks`
		if q.Tick > 0 {
			query += ` WHERE tick=?`
			args = append(args, q.Tick)
		}
		query += ` ORDER BY tick DESC LIMIT ?`
		args = append(args, q.Limit)
		scan = func(rows *sql.Rows) (any, error) {
			var r struct {
				Tick    int64 `json:"tick"`
				Actions int   `json:"actions"`
				Applied int   `json:"applied"`
			}
			err := rows.Scan(&r.Tick, &r.Actions, &r.Applied)
			return r, err
		}

	case "actions":
		w, a := where("tick")
		query = `SELECT tick,seq,participant_id,kind,enqueue_tick,broadcast,applied,COALESCE(payload,'') FROM actions` + w + ` ORDER BY tick DESC, seq DESC LIMIT ?`
		args = append(a, q.Limit)
		scan = func(rows *sql.Rows) (any, error) {
			var r struct {
				Tick          int64  `json:"tick"`
				Seq           int    `json:"seq"`
				ParticipantID string `json:"participant_id"`
				Kind          string `json:"kind"`
				EnqueueTick   int64  `json:"enqueue_tick"`
				Broadcast     bool   `json:"broadcast"`
				Applied       bool   `json:"applied"`
				Payload       string `json:"payload,omitempty"`
			}
			err := rows.Scan(&r.Tick, &r.Seq, &r.ParticipantID, &r.Kind, &r.EnqueueTick, &r.Broadcast, &r.Applied, &r.Payload)
			return r, err
		}

	case "audits":
		w, a := where("tick")
		query = `SELECT tick,seq,participant_id,kind,stage,COALESCE(reason,'') FROM audits` + w + ` ORDER BY tick DESC, seq DESC LIMIT ?`
		args = append(a, q.Limit)
		scan = func(rows *sql.Rows) (any, error) {
			var r struct {
				Tick          int64  `json:"tick"`
				Seq           int    `json:"seq"`
				ParticipantID string `json:"participant_id"`
				Kind          string `json:"kind"`
				Stage         string `json:"stage"`
				Reason        string `json:"reason,omitempty"`
			}
			err := rows.Scan(&r.Tick, &r.Seq, &r.ParticipantID, &r.Kind, &r.Stage, &r.Reason)
			return r, err
		}

	default:
		return fmt.Errorf("unknown query: %s", q.Name)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return rows.Err()
}
