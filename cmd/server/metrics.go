package main

import (
	"fmt"
	"io"
	"net/http"

	"headlesshost.io/internal/adapter"
	"headlesshost.io/internal/persistence/mirror"
)

func metricsHandler(a *adapter.Adapter, m *mirror.Mirror) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, a.Stats())
		if m != nil {
			writeMirrorMetrics(rw, a.Config().WorldID, m.Stats())
		}
	}
}

func boolGauge(b bool) int {
	if b {
		return 1
	}
	return 0
}

// writeMetrics renders st in the Prometheus text format.
func writeMetrics(w io.Writer, st adapter.Stats) {
	world := st.WorldID

	fmt.Fprintf(w, "# HELP headlesshost_running Whether the adapter session is running.\n")
	fmt.Fprintf(w, "# TYPE headlesshost_running gauge\n")
	fmt.Fprintf(w, "headlesshost_running{world=%q} %d\n", world, boolGauge(st.State == adapter.StateRunning))

	fmt.Fprintf(w, "# HELP headlesshost_tick Authoritative simulation tick.\n")
	fmt.Fprintf(w, "# TYPE headlesshost_tick gauge\n")
	fmt.Fprintf(w, "headlesshost_tick{world=%q} %d\n", world, st.Tick)

	fmt.Fprintf(w, "# HELP headlesshost_participants Registered participants.\n")
	fmt.Fprintf(w, "# TYPE headlesshost_participants gauge\n")
	fmt.Fprintf(w, "headlesshost_participants{world=%q} %d\n", world, st.Lifecycle.Participants)

	fmt.Fprintf(w, "# HELP headlesshost_connections Open transport connections.\n")
	fmt.Fprintf(w, "# TYPE headlesshost_connections gauge\n")
	fmt.Fprintf(w, "headlesshost_connections{world=%q} %d\n", world, st.Transport.Open)

	fmt.Fprintf(w, "# HELP headlesshost_queue_depth Pending actions waiting for the next drain.\n")
	fmt.Fprintf(w, "# TYPE headlesshost_queue_depth gauge\n")
	fmt.Fprintf(w, "headlesshost_queue_depth{world=%q} %d\n", world, st.Relay.QueueDepth)

	fmt.Fprintf(w, "# HELP headlesshost_relay_total Relay outcomes since start.\n")
	fmt.Fprintf(w, "# TYPE headlesshost_relay_total counter\n")
	for _, kv := range []struct {
		k string
		v uint64
	}{
		{"enqueued", st.Relay.Enqueued},
		{"rejected", st.Relay.Rejected},
		{"relayed", st.Relay.Relayed},
		{"broadcast", st.Relay.Broadcasts},
		{"broadcast_failed", st.Relay.BroadcastFails},
		{"applied", st.Relay.Applied},
		{"apply_failed", st.Relay.ApplyFails},
		{"unmapped", st.Relay.Unmapped},
	} {
		fmt.Fprintf(w, "headlesshost_relay_total{world=%q,outcome=%q} %d\n", world, kv.k, kv.v)
	}

	fmt.Fprintf(w, "# HELP headlesshost_override_calls_total Calls through each installed override.\n")
	fmt.Fprintf(w, "# TYPE headlesshost_override_calls_total counter\n")
	for _, o := range st.Overrides {
		fmt.Fprintf(w, "headlesshost_override_calls_total{world=%q,target=%q,handler=%q,result=%q} %d\n", world, o.Target, o.HandlerID, "call", o.Calls)
		fmt.Fprintf(w, "headlesshost_override_calls_total{world=%q,target=%q,handler=%q,result=%q} %d\n", world, o.Target, o.HandlerID, "skip", o.Skips)
		fmt.Fprintf(w, "headlesshost_override_calls_total{world=%q,target=%q,handler=%q,result=%q} %d\n", world, o.Target, o.HandlerID, "fault", o.Faults)
		fmt.Fprintf(w, "headlesshost_override_calls_total{world=%q,target=%q,handler=%q,result=%q} %d\n", world, o.Target, o.HandlerID, "error", o.Errors)
	}

	fmt.Fprintf(w, "# HELP headlesshost_faults_total Absorbed faults by kind.\n")
	fmt.Fprintf(w, "# TYPE headlesshost_faults_total counter\n")
	for _, k := range adapter.ErrorKinds() {
		fmt.Fprintf(w, "headlesshost_faults_total{world=%q,kind=%q} %d\n", world, k.String(), st.Fault(k))
	}

	fmt.Fprintf(w, "# HELP headlesshost_pump_total Network pump cycles.\n")
	fmt.Fprintf(w, "# TYPE headlesshost_pump_total counter\n")
	fmt.Fprintf(w, "headlesshost_pump_total{world=%q,result=%q} %d\n", world, "run", st.Pump.Runs)
	fmt.Fprintf(w, "headlesshost_pump_total{world=%q,result=%q} %d\n", world, "idle", st.Pump.Idle)
	fmt.Fprintf(w, "headlesshost_pump_total{world=%q,result=%q} %d\n", world, "contended", st.Contended)

	fmt.Fprintf(w, "# HELP headlesshost_transfer_total Snapshot transfers to joining participants.\n")
	fmt.Fprintf(w, "# TYPE headlesshost_transfer_total counter\n")
	fmt.Fprintf(w, "headlesshost_transfer_total{world=%q,result=%q} %d\n", world, "started", st.Transfers.Started)
	fmt.Fprintf(w, "headlesshost_transfer_total{world=%q,result=%q} %d\n", world, "declined", st.Transfers.Declined)
	fmt.Fprintf(w, "headlesshost_transfer_total{world=%q,result=%q} %d\n", world, "send_failed", st.Transfers.SendFailure)

	fmt.Fprintf(w, "# HELP headlesshost_transfer_chunks_total CHUNK frames sent.\n")
	fmt.Fprintf(w, "# TYPE headlesshost_transfer_chunks_total counter\n")
	fmt.Fprintf(w, "headlesshost_transfer_chunks_total{world=%q} %d\n", world, st.Transfers.ChunksSent)

	fmt.Fprintf(w, "# HELP headlesshost_snapshot_bytes Size of the cached world blob.\n")
	fmt.Fprintf(w, "# TYPE headlesshost_snapshot_bytes gauge\n")
	fmt.Fprintf(w, "headlesshost_snapshot_bytes{world=%q} %d\n", world, st.Snapshot.CacheBytes)

	fmt.Fprintf(w, "# HELP headlesshost_snapshot_saves_total Snapshot files written.\n")
	fmt.Fprintf(w, "# TYPE headlesshost_snapshot_saves_total counter\n")
	fmt.Fprintf(w, "headlesshost_snapshot_saves_total{world=%q,result=%q} %d\n", world, "saved", st.Snapshot.Saved)
	fmt.Fprintf(w, "headlesshost_snapshot_saves_total{world=%q,result=%q} %d\n", world, "dropped", st.Snapshot.SaveDrops)
	fmt.Fprintf(w, "headlesshost_snapshot_saves_total{world=%q,result=%q} %d\n", world, "failed", st.Snapshot.SaveFailures)

	fmt.Fprintf(w, "# HELP headlesshost_transport_total Transport counters.\n")
	fmt.Fprintf(w, "# TYPE headlesshost_transport_total counter\n")
	fmt.Fprintf(w, "headlesshost_transport_total{world=%q,event=%q} %d\n", world, "accepted", st.Transport.Accepted)
	fmt.Fprintf(w, "headlesshost_transport_total{world=%q,event=%q} %d\n", world, "rejected", st.Transport.Rejected)
	fmt.Fprintf(w, "headlesshost_transport_total{world=%q,event=%q} %d\n", world, "invalid", st.Transport.Invalid)
	fmt.Fprintf(w, "headlesshost_transport_total{world=%q,event=%q} %d\n", world, "rate_limited", st.Transport.RateLimited)
	fmt.Fprintf(w, "headlesshost_transport_total{world=%q,event=%q} %d\n", world, "inbox_dropped", st.Transport.InboxDrops)
	fmt.Fprintf(w, "headlesshost_transport_total{world=%q,event=%q} %d\n", world, "frames_out", st.Transport.FramesOut)

	if st.Index != nil {
		fmt.Fprintf(w, "# HELP headlesshost_index_queue_depth Index writer backlog.\n")
		fmt.Fprintf(w, "# TYPE headlesshost_index_queue_depth gauge\n")
		fmt.Fprintf(w, "headlesshost_index_queue_depth{world=%q} %d\n", world, st.Index.QueueDepth)
		fmt.Fprintf(w, "# HELP headlesshost_index_dropped_total Index writes dropped under backpressure.\n")
		fmt.Fprintf(w, "# TYPE headlesshost_index_dropped_total counter\n")
		fmt.Fprintf(w, "headlesshost_index_dropped_total{world=%q,kind=%q} %d\n", world, "tick", st.Index.DropTickTotal)
		fmt.Fprintf(w, "headlesshost_index_dropped_total{world=%q,kind=%q} %d\n", world, "audit", st.Index.DropAuditTotal)
		fmt.Fprintf(w, "headlesshost_index_dropped_total{world=%q,kind=%q} %d\n", world, "snapshot", st.Index.DropSnapshotTotal)
		fmt.Fprintf(w, "headlesshost_index_dropped_total{world=%q,kind=%q} %d\n", world, "session", st.Index.DropSessionTotal)
	}
}

func writeMirrorMetrics(w io.Writer, world string, s mirror.Stats) {
	fmt.Fprintf(w, "# HELP headlesshost_mirror_queue_depth Snapshot files waiting for upload.\n")
	fmt.Fprintf(w, "# TYPE headlesshost_mirror_queue_depth gauge\n")
	fmt.Fprintf(w, "headlesshost_mirror_queue_depth{world=%q} %d\n", world, s.QueueDepth)

	fmt.Fprintf(w, "# HELP headlesshost_mirror_total Snapshot mirror outcomes.\n")
	fmt.Fprintf(w, "# TYPE headlesshost_mirror_total counter\n")
	fmt.Fprintf(w, "headlesshost_mirror_total{world=%q,result=%q} %d\n", world, "enqueued", s.Enqueued)
	fmt.Fprintf(w, "headlesshost_mirror_total{world=%q,result=%q} %d\n", world, "dropped", s.Dropped)
	fmt.Fprintf(w, "headlesshost_mirror_total{world=%q,result=%q} %d\n", world, "uploaded", s.Uploaded)
	fmt.Fprintf(w, "headlesshost_mirror_total{world=%q,result=%q} %d\n", world, "failed", s.Failed)

	fmt.Fprintf(w, "# HELP headlesshost_mirror_last_success_unix Time of the last successful upload.\n")
	fmt.Fprintf(w, "# TYPE headlesshost_mirror_last_success_unix gauge\n")
	fmt.Fprintf(w, "headlesshost_mirror_last_success_unix{world=%q} %d\n", world, s.LastSuccess)
}
