// Package lifecycle wires participants in and out as connections come and
// go. The engine's own participant assignment assumes a local renderer, so
// it is replaced with a direct registration in the participant directory.
package lifecycle

import (
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"headlesshost.io/internal/engine"
	"headlesshost.io/internal/override"
	"headlesshost.io/internal/persistence/indexdb"
	"headlesshost.io/internal/protocol"
)

const assignHandlerID = "lifecycle.assign_participant"

type Registry interface {
	Register(target engine.OperationID, h override.Handlers) error
	Invoke(target engine.OperationID, args any) (any, error)
}

type Sender interface {
	SendTo(connectionID string, msg any) error
}

// Recorder receives session rows; indexdb backends implement it.
type Recorder interface {
	RecordSession(row indexdb.SessionRow)
}

type Config struct {
	Sender     Sender
	TickSource func() int64
	// Welcome, when set, builds a message sent to a new participant ahead
	// of the tick push.
	Welcome  func(Participant) any
	Recorder Recorder
	Logger   *log.Logger
}

type Manager struct {
	reg Registry
	dir *Directory
	cfg Config
	log *log.Logger

	connects    atomic.Uint64
	disconnects atomic.Uint64
	rejected    atomic.Uint64
	tickPushes  atomic.Uint64
}

func New(reg Registry, dir *Directory, cfg Config) *Manager {
	if dir == nil {
		dir = NewDirectory()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.TickSource == nil {
		cfg.TickSource = func() int64 { return 0 }
	}
	return &Manager{reg: reg, dir: dir, cfg: cfg, log: cfg.Logger}
}

func (m *Manager) Directory() *Directory { return m.dir }

// Install replaces the engine's participant assignment.
func (m *Manager) Install() error {
	return m.reg.Register(engine.OpAssignParticipant, override.Handlers{
		ID: assignHandlerID,
		Replace: func(args any, _ engine.Operation) (any, error) {
			return m.assign(args)
		},
	})
}

func (m *Manager) assign(args any) (any, error) {
	a, ok := args.(engine.AssignArgs)
	if !ok {
		return nil, fmt.Errorf("assign participant: want engine.AssignArgs, got %T", args)
	}
	p := Participant{
		ConnectionID: a.ConnectionID,
		IdentityKey:  a.IdentityKey,
		Name:         a.Name,
		Ready:        true,
		JoinedTick:   m.cfg.TickSource(),
		JoinedAt:     time.Now().UTC(),
	}
	if err := m.dir.Add(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Connect registers the participant behind a new connection and pushes the
// current tick to it without waiting to be asked.
func (m *Manager) Connect(connectionID string, hello protocol.HelloMsg) (Participant, error) {
	args := engine.AssignArgs{ConnectionID: connectionID, IdentityKey: hello.IdentityKey, Name: hello.Name}
	v, err := m.reg.Invoke(engine.OpAssignParticipant, args)
	if errors.Is(err, override.ErrTargetNotFound) {
		v, err = m.assign(args)
	}
	if err != nil {
		m.rejected.Add(1)
		m.record(connectionID, hello.IdentityKey, hello.Name, indexdb.SessionRejected)
		return Participant{}, fmt.Errorf("connect %s (%s): %w", connectionID, hello.IdentityKey, err)
	}
	p, ok := v.(Participant)
	if !ok {
		m.rejected.Add(1)
		return Participant{}, fmt.Errorf("connect %s: assign returned %T", connectionID, v)
	}
	m.connects.Add(1)

	if m.cfg.Sender != nil {
		if m.cfg.Welcome != nil {
			if err := m.cfg.Sender.SendTo(connectionID, m.cfg.Welcome(p)); err != nil {
				m.log.Printf("lifecycle: welcome %s: %v", connectionID, err)
			}
		}
		if err := m.cfg.Sender.SendTo(connectionID, protocol.NewTick(m.cfg.TickSource())); err != nil {
			m.log.Printf("lifecycle: tick push %s: %v", connectionID, err)
		} else {
			m.tickPushes.Add(1)
		}
	}
	m.record(connectionID, p.IdentityKey, p.Name, indexdb.SessionConnect)
	m.log.Printf("lifecycle: %s joined as %q at tick %d", connectionID, p.IdentityKey, p.JoinedTick)
	return p, nil
}

// Disconnect removes the participant bound to connectionID.
func (m *Manager) Disconnect(connectionID string) (Participant, bool) {
	p, ok := m.dir.RemoveConnection(connectionID)
	if !ok {
		return Participant{}, false
	}
	m.disconnects.Add(1)
	m.record(connectionID, p.IdentityKey, p.Name, indexdb.SessionDisconnect)
	m.log.Printf("lifecycle: %s (%q) left", connectionID, p.IdentityKey)
	return p, true
}

// Participant resolves a connection to its participant.
func (m *Manager) Participant(connectionID string) (Participant, bool) {
	return m.dir.ByConnection(connectionID)
}

func (m *Manager) record(connectionID, identity, name, event string) {
	if m.cfg.Recorder == nil {
		return
	}
	m.cfg.Recorder.RecordSession(indexdb.SessionRow{
		ConnectionID: connectionID,
		IdentityKey:  identity,
		Name:         name,
		Event:        event,
		Tick:         m.cfg.TickSource(),
	})
}

type Stats struct {
	Participants int    `json:"participants"`
	Connects     uint64 `json:"connects"`
	Disconnects  uint64 `json:"disconnects"`
	Rejected     uint64 `json:"rejected"`
	TickPushes   uint64 `json:"tick_pushes"`
}

func (m *Manager) Stats() Stats {
	return Stats{
		Participants: m.dir.Len(),
		Connects:     m.connects.Load(),
		Disconnects:  m.disconnects.Load(),
		Rejected:     m.rejected.Load(),
		TickPushes:   m.tickPushes.Load(),
	}
}
