// Package adapter owns everything a hosted session needs: the override
// registry, the tick driver, the action relay, the snapshot cache, the
// network pump, and the connection lifecycle. One Adapter is created per
// server process; Start builds a fresh session and Stop tears it down.
//
// All engine access happens inside a pump cycle. Pump is guarded so that at
// most one cycle runs at a time, whichever source (the timer loop or the
// engine's own frame callback) triggered it.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"headlesshost.io/internal/config"
	"headlesshost.io/internal/engine"
	"headlesshost.io/internal/lifecycle"
	"headlesshost.io/internal/netpump"
	"headlesshost.io/internal/override"
	"headlesshost.io/internal/persistence/indexdb"
	"headlesshost.io/internal/protocol"
	"headlesshost.io/internal/relay"
	"headlesshost.io/internal/sim/clock"
	"headlesshost.io/internal/snapshot"
	"headlesshost.io/internal/transport"
)

var (
	ErrNotRunning     = errors.New("adapter: not running")
	ErrAlreadyRunning = errors.New("adapter: already running")
	ErrNoDataDir      = errors.New("adapter: no data directory configured")
	ErrClosed         = errors.New("adapter: closed")
)

// ErrContractVersion means the engine was built against other hook signatures
// than this adapter calls.
var ErrContractVersion = errors.New("adapter: engine contract version mismatch")

type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// Broadcaster is implemented by engines whose notify-all operations push
// messages through a sink the host provides.
type Broadcaster interface {
	SetBroadcaster(fn func(msg any))
}

// Mirror ships saved snapshot files off the host.
type Mirror interface {
	Enqueue(localPath string)
}

type Options struct {
	Config config.Config
	Hooks  engine.Hooks
	// Broadcast is the engine's built-in action kind -> notify op table;
	// Config.BroadcastMap entries are added on top.
	Broadcast relay.Table
	Notify    Broadcaster

	// Hub is shared with the transports. A hub is created when nil.
	Hub *transport.Hub

	Index    indexdb.Index
	TickLog  TickWriter
	AuditLog AuditWriter
	// Mirror, when set, receives the path of every snapshot written.
	Mirror Mirror

	Logger *log.Logger
	Now    func() time.Time
}

// session is the state that lives from Start to Stop.
type session struct {
	clock     *clock.Driver
	queue     *relay.Queue
	relay     *relay.Relay
	cache     *snapshot.Cache
	transfers *snapshot.Transfers
	life      *lifecycle.Manager
	pump      *netpump.Pump

	// installed lists overrides torn down at Stop.
	installed []engine.OperationID
	disabled  []string
	startedAt time.Time

	loadedTick atomic.Int64
	lastSave   atomic.Int64
}

type Adapter struct {
	cfg       config.Config
	hooks     engine.Hooks
	broadcast relay.Table
	notify    Broadcaster
	reg       *override.Registry
	hub       *transport.Hub
	index     indexdb.Index
	mirror    Mirror
	journal   *journal
	log       *log.Logger
	now       func() time.Time
	worldDir  string

	pumpMu sync.Mutex

	sessMu sync.RWMutex
	sess   *session

	saves     chan snapshot.Blob
	saveWG    sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool

	contended atomic.Uint64
	saved     atomic.Uint64
	saveDrops atomic.Uint64
	saveFails atomic.Uint64
	starts    atomic.Uint64
}

func New(opts Options) (*Adapter, error) {
	if opts.Hooks == nil {
		return nil, errors.New("adapter: nil engine hooks")
	}
	if v := opts.Hooks.Version(); v != engine.ContractVersion {
		return nil, fmt.Errorf("%w: engine %q, adapter %q", ErrContractVersion, v, engine.ContractVersion)
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("adapter: %w", err)
	}
	hub := opts.Hub
	if hub == nil {
		v, err := protocol.NewValidator()
		if err != nil {
			return nil, fmt.Errorf("adapter: %w", err)
		}
		hub = transport.NewHub(transport.Config{
			MaxConnections: opts.Config.MaxParticipants,
			Validator:      v,
			Logger:         opts.Logger,
		})
	}

	a := &Adapter{
		cfg:       opts.Config,
		hooks:     opts.Hooks,
		broadcast: opts.Broadcast,
		notify:    opts.Notify,
		reg:       override.NewRegistry(opts.Hooks, opts.Logger),
		hub:       hub,
		index:     opts.Index,
		mirror:    opts.Mirror,
		journal:   newJournal(opts.Logger, opts.Now),
		log:       opts.Logger,
		now:       opts.Now,
		saves:     make(chan snapshot.Blob, 2),
	}
	if opts.Config.DataDir != "" {
		a.worldDir = filepath.Join(opts.Config.DataDir, "worlds", opts.Config.WorldID)
	}
	a.journal.addTicks(opts.TickLog)
	a.journal.addAudits(opts.AuditLog)
	if opts.Index != nil {
		a.journal.addTicks(opts.Index)
		a.journal.addAudits(opts.Index)
	}
	hub.SetHandler(a)
	hub.SetTickSource(a.Tick)

	a.saveWG.Add(1)
	go func() {
		defer a.saveWG.Done()
		for blob := range a.saves {
			if _, err := a.writeBlob(blob); err != nil {
				a.saveFails.Add(1)
				a.log.Printf("snapshot write: %v", err)
			}
		}
	}()
	return a, nil
}

func (a *Adapter) Hub() *transport.Hub          { return a.hub }
func (a *Adapter) Registry() *override.Registry { return a.reg }
func (a *Adapter) Config() config.Config        { return a.cfg }
func (a *Adapter) WorldDir() string             { return a.worldDir }

func (a *Adapter) current() *session {
	a.sessMu.RLock()
	defer a.sessMu.RUnlock()
	return a.sess
}

func (a *Adapter) setSession(s *session) {
	a.sessMu.Lock()
	defer a.sessMu.Unlock()
	a.sess = s
}

func (a *Adapter) State() State {
	if a.current() == nil {
		return StateStopped
	}
	return StateRunning
}

// Start builds a session, installs its overrides, fills the snapshot cache,
// and opens the transport. A missing override target disables only the
// feature that needed it; an action vocabulary the broadcast table does not
// cover is a configuration error.
func (a *Adapter) Start() error {
	if a.closed.Load() {
		return ErrClosed
	}
	a.pumpMu.Lock()
	defer a.pumpMu.Unlock()
	if a.current() != nil {
		return ErrAlreadyRunning
	}

	s, err := a.build()
	if err != nil {
		return err
	}
	a.fillCache(s)

	a.setSession(s)
	a.starts.Add(1)
	if a.notify != nil {
		a.notify.SetBroadcaster(a.broadcastNotify)
	}
	a.hub.Start()
	a.log.Printf("adapter: started world %s at tick %d (disabled features: %v)", a.cfg.WorldID, s.clock.Tick(), s.disabled)
	return nil
}

func (a *Adapter) build() (*session, error) {
	table := relay.NewTable(a.broadcast, a.cfg.BroadcastMap)
	if err := a.checkVocabulary(table); err != nil {
		return nil, err
	}

	s := &session{startedAt: a.now().UTC()}
	s.queue = relay.NewQueue(a.cfg.QueueCapacity)
	s.relay = relay.New(a.reg, s.queue, relay.Config{
		Table:      table,
		TickSource: func() int64 { return s.clock.Tick() },
		Recorder:   a.journal,
		Logger:     a.log,
	})
	s.clock = clock.New(a.reg, s.relay, clock.Config{
		RateHz:      a.cfg.TickRateHz,
		StallCycles: a.cfg.StallCycles,
		Logger:      a.log,
	})
	s.cache = snapshot.NewCache()
	s.transfers = snapshot.NewTransfers(s.cache, a.hub, a.cfg.ChunkSize, a.log)

	var rec lifecycle.Recorder
	if a.index != nil {
		rec = a.index
	}
	s.life = lifecycle.New(a.reg, lifecycle.NewDirectory(), lifecycle.Config{
		Sender:     a.hub,
		TickSource: s.clock.Tick,
		Welcome:    a.welcome,
		Recorder:   rec,
		Logger:     a.log,
	})
	s.pump = netpump.New(a.hub, a.log, netpump.DefaultFaultLogEvery)

	// The frame override stays installed across sessions: it only calls back
	// into Pump, which is a no-op while stopped.
	if err := a.install(s, "clock", engine.OpFrameUpdate, false, func() error {
		return s.clock.SeizeUpdate(a.foreground)
	}); err != nil {
		return nil, err
	}
	if err := a.install(s, "snapshot transfer", engine.OpHandleInitialData, true, func() error {
		return s.transfers.Install(a.reg)
	}); err != nil {
		return nil, err
	}
	if err := a.install(s, "participant assignment", engine.OpAssignParticipant, true, s.life.Install); err != nil {
		return nil, err
	}
	return s, nil
}

func (a *Adapter) install(s *session, feature string, target engine.OperationID, scoped bool, fn func() error) error {
	err := fn()
	switch {
	case err == nil:
		if scoped {
			s.installed = append(s.installed, target)
		}
		return nil
	case errors.Is(err, override.ErrTargetNotFound), errors.Is(err, override.ErrAlreadyRegistered):
		a.log.Printf("adapter: %s disabled: %v", feature, err)
		s.disabled = append(s.disabled, feature)
		return nil
	default:
		return fmt.Errorf("adapter: install %s: %w", feature, err)
	}
}

func (a *Adapter) checkVocabulary(table relay.Table) error {
	v, err := a.reg.Invoke(engine.OpActionKinds, nil)
	if errors.Is(err, override.ErrTargetNotFound) {
		a.log.Printf("adapter: engine declares no action vocabulary; broadcast table not checked")
		return nil
	}
	if err != nil {
		return fmt.Errorf("adapter: read action kinds: %w", err)
	}
	kinds, ok := v.([]string)
	if !ok {
		return fmt.Errorf("adapter: action kinds returned %T", v)
	}
	if err := table.Validate(kinds); err != nil {
		return fmt.Errorf("adapter: %w", err)
	}
	return nil
}

func (a *Adapter) welcome(p lifecycle.Participant) any {
	return protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ConnectionID:    p.ConnectionID,
		TickRateHz:      a.cfg.TickRateHz,
		ChunkSize:       a.cfg.ChunkSize,
	}
}

func (a *Adapter) broadcastNotify(msg any) {
	if err := a.hub.Broadcast(msg); err != nil {
		a.log.Printf("adapter: broadcast: %v", err)
	}
}

func (a *Adapter) foreground() { a.Pump(a.now()) }

// Stop closes every connection and tears the session down.
func (a *Adapter) Stop() error {
	a.pumpMu.Lock()
	defer a.pumpMu.Unlock()
	s := a.current()
	if s == nil {
		return ErrNotRunning
	}
	a.hub.Stop()
	if a.notify != nil {
		a.notify.SetBroadcaster(nil)
	}
	for _, target := range s.installed {
		a.reg.Disable(target)
	}
	s.life.Directory().Reset()
	a.setSession(nil)
	a.log.Printf("adapter: stopped world %s at tick %d", a.cfg.WorldID, s.clock.Tick())
	return nil
}

func (a *Adapter) Restart() error {
	if err := a.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return a.Start()
}

// Pump runs one cycle: tick driver (which drains the action queue) and
// then the network pump. It reports false when another cycle was already in
// flight or the adapter is stopped.
func (a *Adapter) Pump(now time.Time) bool {
	if !a.pumpMu.TryLock() {
		a.contended.Add(1)
		return false
	}
	defer a.pumpMu.Unlock()
	s := a.current()
	if s == nil {
		return false
	}
	res := s.clock.Pump(now)
	s.pump.Run()
	a.maybeSave(s, res.Tick)
	return true
}

// Run pumps at the configured tick rate until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(a.cfg.TickRateHz)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			a.Pump(now)
		}
	}
}

// Close stops the session and waits for queued snapshot writes. The index
// and log writers passed in Options are left to the caller.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		_ = a.Stop()
		close(a.saves)
		a.saveWG.Wait()
	})
	return nil
}

// Participants lists the live participants of the running session.
func (a *Adapter) Participants() []lifecycle.Participant {
	s := a.current()
	if s == nil {
		return nil
	}
	return s.life.Directory().List()
}

// Tick is the authoritative tick, or 0 when stopped.
func (a *Adapter) Tick() int64 {
	s := a.current()
	if s == nil {
		return 0
	}
	return s.clock.Tick()
}
