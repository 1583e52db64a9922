package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"headlesshost.io/internal/persistence/archive"
	plog "headlesshost.io/internal/persistence/log"
	psnap "headlesshost.io/internal/persistence/snapshot"
	"headlesshost.io/internal/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		case "audit":
			auditCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state", "config", "logs", "start", "stop", "restart", "save", "load":
			httpCmd(os.Args[1], os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func worldDirFlags(fs *flag.FlagSet) func() string {
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "world_1", "world id")
	return func() string { return filepath.Join(*dataDir, "worlds", *worldID) }
}

// listCmd prints the snapshots on disk and the archived ones, oldest first.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	worldDir := worldDirFlags(fs)
	_ = fs.Parse(args)

	files, err := psnap.List(worldDir())
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Println("no snapshots")
	}
	for _, f := range files {
		fmt.Printf("%10d  %8d bytes  %s  %s\n", f.Tick, f.Bytes, f.ModTime.UTC().Format("2006-01-02T15:04:05Z"), f.Path)
	}

	archived, err := archive.List(worldDir())
	if err != nil {
		fmt.Fprintln(os.Stderr, "archives:", err)
		os.Exit(1)
	}
	for _, m := range archived {
		fmt.Printf("%10d  session %-3d  %-10s  %s\n", m.Tick, m.Session, m.Reason, m.Snapshot)
	}
}

// inspectCmd verifies a snapshot file and prints its header and decoded
// world summary.
func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	worldDir := worldDirFlags(fs)
	path := fs.String("snapshot", "", "snapshot path (defaults to latest)")
	showState := fs.Bool("state", false, "print the decoded engine state")
	_ = fs.Parse(args)

	p := strings.TrimSpace(*path)
	if p == "" {
		p = psnap.Latest(worldDir())
	}
	if p == "" {
		fmt.Fprintln(os.Stderr, "no snapshot found; provide -snapshot")
		os.Exit(2)
	}
	snap, err := psnap.ReadSnapshot(p)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	verified := "ok"
	if err := psnap.Verify(snap, snapshot.Digest); err != nil {
		verified = err.Error()
	}
	sw, err := snapshot.Decode(snap.Data)
	if err != nil {
		fmt.Fprintln(os.Stderr, "decode:", err)
		os.Exit(1)
	}
	out := map[string]any{
		"path":       p,
		"header":     snap.Header,
		"verified":   verified,
		"blob_bytes": len(snap.Data),
		"tick":       sw.Tick,
		"state_size": len(sw.State),
	}
	if *showState {
		out["state"] = json.RawMessage(sw.State)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

// auditCmd prints audit entries, optionally filtered by tick range, stage,
// and participant.
func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	worldDir := worldDirFlags(fs)
	since := fs.Int64("since_tick", 0, "first tick (inclusive)")
	to := fs.Int64("to_tick", 0, "last tick (inclusive; 0 = no limit)")
	stage := fs.String("stage", "", "unmapped|broadcast|apply")
	who := fs.String("participant", "", "participant identity key")
	_ = fs.Parse(args)

	n := 0
	err := plog.ReadAudits(worldDir(), func(e plog.AuditEntry) error {
		if e.Tick < *since || (*to > 0 && e.Tick > *to) {
			return nil
		}
		if *stage != "" && e.Stage != *stage {
			return nil
		}
		if *who != "" && e.ParticipantID != *who {
			return nil
		}
		n++
		fmt.Printf("tick=%d stage=%s kind=%s participant=%s reason=%s\n", e.Tick, e.Stage, e.Kind, e.ParticipantID, e.Reason)
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
	fmt.Printf("%d entries\n", n)
}
