package lifecycle

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrDuplicateIdentity = errors.New("lifecycle: identity already connected")
	ErrEmptyIdentity     = errors.New("lifecycle: empty identity key")
	ErrUnknownConnection = errors.New("lifecycle: unknown connection")
)

// Participant is one connected peer.
type Participant struct {
	ConnectionID string    `json:"connection_id"`
	IdentityKey  string    `json:"identity_key"`
	Name         string    `json:"name"`
	Ready        bool      `json:"ready"`
	JoinedTick   int64     `json:"joined_tick"`
	JoinedAt     time.Time `json:"joined_at"`
}

// Directory indexes live participants by identity and by connection. An
// identity key is held by at most one live participant.
type Directory struct {
	mu         sync.RWMutex
	byIdentity map[string]*Participant
	byConn     map[string]string
}

func NewDirectory() *Directory {
	return &Directory{byIdentity: map[string]*Participant{}, byConn: map[string]string{}}
}

func (d *Directory) Add(p Participant) error {
	if p.IdentityKey == "" {
		return ErrEmptyIdentity
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byIdentity[p.IdentityKey]; ok {
		return ErrDuplicateIdentity
	}
	cp := p
	d.byIdentity[p.IdentityKey] = &cp
	d.byConn[p.ConnectionID] = p.IdentityKey
	return nil
}

// RemoveConnection drops the participant bound to connectionID.
func (d *Directory) RemoveConnection(connectionID string) (Participant, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key, ok := d.byConn[connectionID]
	if !ok {
		return Participant{}, false
	}
	delete(d.byConn, connectionID)
	p := d.byIdentity[key]
	delete(d.byIdentity, key)
	if p == nil {
		return Participant{}, false
	}
	return *p, true
}

func (d *Directory) ByConnection(connectionID string) (Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	key, ok := d.byConn[connectionID]
	if !ok {
		return Participant{}, false
	}
	p := d.byIdentity[key]
	if p == nil {
		return Participant{}, false
	}
	return *p, true
}

func (d *Directory) ByIdentity(key string) (Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.byIdentity[key]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byIdentity)
}

// List returns participants sorted by identity key.
func (d *Directory) List() []Participant {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Participant, 0, len(d.byIdentity))
	for _, p := range d.byIdentity {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityKey < out[j].IdentityKey })
	return out
}

// Reset empties the directory.
func (d *Directory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byIdentity = map[string]*Participant{}
	d.byConn = map[string]string{}
}
