package adapter

import (
	"time"

	"headlesshost.io/internal/lifecycle"
	"headlesshost.io/internal/netpump"
	"headlesshost.io/internal/override"
	"headlesshost.io/internal/persistence/indexdb"
	"headlesshost.io/internal/relay"
	"headlesshost.io/internal/sim/clock"
	"headlesshost.io/internal/snapshot"
	"headlesshost.io/internal/transport"
)

type SnapshotStats struct {
	CacheVersion uint64 `json:"cache_version"`
	CacheTick    int64  `json:"cache_tick"`
	CacheBytes   int    `json:"cache_bytes"`
	LoadedTick   int64  `json:"loaded_tick"`
	Saved        uint64 `json:"saved"`
	SaveDrops    uint64 `json:"save_drops"`
	SaveFailures uint64 `json:"save_failures"`
}

// Stats is a point-in-time view of the adapter. Session counters reset on
// every Start.
type Stats struct {
	State     State     `json:"state"`
	WorldID   string    `json:"world_id"`
	Tick      int64     `json:"tick"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Starts    uint64    `json:"starts"`
	Contended uint64    `json:"pump_contended"`
	Disabled  []string  `json:"disabled_features,omitempty"`

	Clock     clock.Stats            `json:"clock"`
	Relay     relay.Stats            `json:"relay"`
	Transfers snapshot.TransferStats `json:"transfers"`
	Snapshot  SnapshotStats          `json:"snapshot"`
	Lifecycle lifecycle.Stats        `json:"lifecycle"`
	Pump      netpump.Stats          `json:"pump"`
	Transport transport.Stats        `json:"transport"`
	Overrides []override.TargetStats `json:"overrides"`
	Index     *indexdb.Stats         `json:"index,omitempty"`

	// Faults counts absorbed faults by ErrorKind name.
	Faults map[string]uint64 `json:"faults"`
}

func (s Stats) Fault(k ErrorKind) uint64 { return s.Faults[k.String()] }

func (a *Adapter) Stats() Stats {
	st := Stats{
		State:     a.State(),
		WorldID:   a.cfg.WorldID,
		Starts:    a.starts.Load(),
		Contended: a.contended.Load(),
		Transport: a.hub.Stats(),
		Overrides: a.reg.Stats(),
		Snapshot: SnapshotStats{
			Saved:        a.saved.Load(),
			SaveDrops:    a.saveDrops.Load(),
			SaveFailures: a.saveFails.Load(),
		},
	}
	if a.index != nil {
		is := a.index.Stats()
		st.Index = &is
	}
	if s := a.current(); s != nil {
		st.Tick = s.clock.Tick()
		st.StartedAt = s.startedAt
		st.Disabled = append([]string(nil), s.disabled...)
		st.Clock = s.clock.Stats()
		st.Relay = s.relay.Stats()
		st.Transfers = s.transfers.Stats()
		st.Lifecycle = s.life.Stats()
		st.Pump = s.pump.Stats()
		st.Snapshot.CacheVersion = s.cache.Version()
		st.Snapshot.LoadedTick = s.loadedTick.Load()
		if b, ok := s.cache.Load(); ok {
			st.Snapshot.CacheTick = b.Tick
			st.Snapshot.CacheBytes = len(b.Data)
		}
	}

	var handlerFaults uint64
	for _, o := range st.Overrides {
		handlerFaults += o.Faults
	}
	st.Faults = map[string]uint64{
		MissingTarget.String():         uint64(len(st.Disabled)),
		OverrideHandlerFault.String():  handlerFaults,
		UnmappedAction.String():        st.Relay.Unmapped,
		TransportFault.String():        st.Pump.InboundFaults + st.Pump.OutboundFaults,
		StalledInitialization.String(): st.Clock.ForcedInits,
		TransferLoss.String():          st.Transfers.SendFailure,
	}
	return st
}
