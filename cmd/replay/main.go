// Command replay rebuilds world state by applying the tick log on top of a
// snapshot. With -expect it checks the result against a later snapshot.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"headlesshost.io/internal/engine"
	plog "headlesshost.io/internal/persistence/log"
	psnap "headlesshost.io/internal/persistence/snapshot"
	"headlesshost.io/internal/sim/cellworld"
	"headlesshost.io/internal/snapshot"
)

var errStop = errors.New("stop")

type result struct {
	FromTick int64
	Tick     int64
	Ticks    int
	Applied  int
	Failed   int
}

func main() {
	var (
		snapPath = flag.String("snapshot", "", "path to .snap.zst")
		dataDir  = flag.String("data", "./data", "runtime data directory")
		worldID  = flag.String("world", "world_1", "world id")
		toTick   = flag.Int64("to_tick", 0, "stop before tick (exclusive, optional)")
		expect   = flag.String("expect", "", "snapshot the replayed state must match (optional)")
		outPath  = flag.String("out", "", "write the replayed state as a snapshot (optional)")
	)
	flag.Parse()

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}
	start, hdr, err := readWorld(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("snapshot v%d world=%s tick=%d\n", hdr.Version, hdr.WorldID, hdr.Tick)

	limit := *toTick
	var want engine.SerializedWorld
	if *expect != "" {
		if want, _, err = readWorld(*expect); err != nil {
			fmt.Fprintln(os.Stderr, "read expected snapshot:", err)
			os.Exit(1)
		}
		if limit == 0 || limit > want.Tick {
			limit = want.Tick
		}
	}

	got, res, err := replay(start, worldDir, limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("replayed ticks=%d actions=%d failed=%d (%d -> %d)\n", res.Ticks, res.Applied, res.Failed, res.FromTick, res.Tick)

	if *outPath != "" {
		if err := writeWorld(*outPath, hdr.WorldID, got); err != nil {
			fmt.Fprintln(os.Stderr, "write:", err)
			os.Exit(1)
		}
		fmt.Println("wrote", *outPath)
	}
	if *expect != "" {
		if !bytes.Equal(got.State, want.State) {
			fmt.Fprintf(os.Stderr, "state mismatch at tick %d: got=%s want=%s\n",
				got.Tick, snapshot.Digest(string(got.State)), snapshot.Digest(string(want.State)))
			os.Exit(1)
		}
		fmt.Println("replay ok: state matches", *expect)
	}
}

func readWorld(path string) (engine.SerializedWorld, psnap.Header, error) {
	snap, err := psnap.ReadSnapshot(path)
	if err != nil {
		return engine.SerializedWorld{}, psnap.Header{}, err
	}
	if err := psnap.Verify(snap, snapshot.Digest); err != nil {
		return engine.SerializedWorld{}, snap.Header, err
	}
	sw, err := snapshot.Decode(snap.Data)
	return sw, snap.Header, err
}

func writeWorld(path, worldID string, sw engine.SerializedWorld) error {
	data, err := snapshot.Encode(sw)
	if err != nil {
		return err
	}
	return psnap.WriteSnapshot(path, psnap.FileV1{
		Header: psnap.Header{
			Version: psnap.FormatVersion,
			WorldID: worldID,
			Tick:    sw.Tick,
			Digest:  snapshot.Digest(data),
			SavedAt: time.Now().UTC(),
		},
		Data: data,
	})
}

// replay loads start into a fresh cellworld and applies every logged action
// the host applied from start.Tick up to, not including, toTick. The host
// drains once per advanced tick, just before advancing, so a snapshot at
// start.Tick holds exactly the actions logged below it. Actions the engine
// rejects on replay are counted, not fatal.
func replay(start engine.SerializedWorld, worldDir string, toTick int64) (engine.SerializedWorld, result, error) {
	var dims struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	}
	if err := json.Unmarshal(start.State, &dims); err != nil {
		return engine.SerializedWorld{}, result{}, fmt.Errorf("state: %w", err)
	}
	w := cellworld.New(cellworld.Config{Width: dims.Width, Height: dims.Height})
	ops := w.Hooks()
	for _, step := range []struct {
		op   engine.OperationID
		args any
	}{
		{engine.OpLoad, start},
		{engine.OpSetTick, start.Tick},
		{engine.OpPostLoadInit, nil},
	} {
		if _, err := ops.Call(step.op, step.args); err != nil {
			return engine.SerializedWorld{}, result{}, fmt.Errorf("%s: %w", step.op, err)
		}
	}

	res := result{FromTick: start.Tick, Tick: start.Tick}
	err := plog.ReadTicks(worldDir, func(e plog.TickLogEntry) error {
		if e.Tick < start.Tick {
			return nil
		}
		if toTick > 0 && e.Tick >= toTick {
			return errStop
		}
		for _, rec := range e.Actions {
			if !rec.Applied {
				continue
			}
			a := engine.Action{Kind: rec.Kind, ParticipantID: rec.ParticipantID, Tick: e.Tick, Data: []byte(rec.Payload)}
			if _, err := ops.Call(engine.OpProcessAction, a); err != nil {
				res.Failed++
				continue
			}
			res.Applied++
		}
		res.Ticks++
		res.Tick = e.Tick + 1
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return engine.SerializedWorld{}, res, err
	}
	if toTick > res.Tick {
		res.Tick = toTick
	}
	if _, err := ops.Call(engine.OpSetTick, res.Tick); err != nil {
		return engine.SerializedWorld{}, res, err
	}

	out, err := ops.Call(engine.OpSerialize, nil)
	if err != nil {
		return engine.SerializedWorld{}, res, err
	}
	sw, ok := out.(engine.SerializedWorld)
	if !ok {
		return engine.SerializedWorld{}, res, fmt.Errorf("serialize returned %T", out)
	}
	return sw, res, nil
}
