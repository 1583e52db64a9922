// Package transport holds the connection table shared by the concrete
// transports. Connection goroutines only ever append to the inbox or take
// from a per-connection outbound channel; the pump thread drains the inbox
// (ProcessInbound) and hands queued frames to connections (ProcessOutbound).
// Neither step blocks.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"headlesshost.io/internal/protocol"
)

var (
	ErrInactive          = errors.New("transport: not active")
	ErrFull              = errors.New("transport: connection limit reached")
	ErrUnknownConnection = errors.New("transport: unknown connection")
	ErrInboxFull         = errors.New("transport: inbox full")
)

type EventKind int

const (
	EventConnect EventKind = iota + 1
	EventMessage
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventMessage:
		return "message"
	case EventDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one inbound occurrence, delivered on the pump thread.
type Event struct {
	Kind         EventKind
	ConnectionID string
	// Hello is set on EventConnect.
	Hello protocol.HelloMsg
	// Type and Raw are set on EventMessage.
	Type string
	Raw  []byte
}

// Handler consumes inbound events. A returned error is reported by
// ProcessInbound; the remaining events are still dispatched.
type Handler interface {
	HandleEvent(ev Event) error
}

// Sink is the outbound end of one connection. Deliver must not block: it
// returns false when the connection cannot take the frame right now.
type Sink interface {
	Deliver(frame []byte) bool
	Close(reason string)
}

type Config struct {
	MaxConnections int
	// InboxCapacity bounds queued message events; connect and disconnect
	// events are never dropped.
	InboxCapacity int
	// RateLimit and RateBurst bound inbound messages per connection.
	RateLimit rate.Limit
	RateBurst int
	Validator *protocol.Validator
	Logger    *log.Logger
}

type conn struct {
	id      string
	hello   protocol.HelloMsg
	sink    Sink
	limiter *rate.Limiter

	pending [][]byte
	closing string
	closed  bool
}

type Hub struct {
	cfg Config
	log *log.Logger

	handlerMu sync.RWMutex
	handler   Handler

	tick atomic.Pointer[func() int64]

	active atomic.Bool

	mu       sync.Mutex
	conns    map[string]*conn
	inbox    []Event
	messages int

	accepted    atomic.Uint64
	rejected    atomic.Uint64
	invalid     atomic.Uint64
	rateLimited atomic.Uint64
	inboxDrops  atomic.Uint64
	framesOut   atomic.Uint64
	deferred    atomic.Uint64
}

func NewHub(cfg Config) *Hub {
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = 8192
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 128
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Hub{cfg: cfg, log: cfg.Logger, conns: map[string]*conn{}}
}

func (h *Hub) SetHandler(handler Handler) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.handler = handler
}

// SetTickSource sets where error ACKs read server_tick from. It is called
// outside the hub's lock.
func (h *Hub) SetTickSource(tick func() int64) {
	if tick == nil {
		h.tick.Store(nil)
		return
	}
	h.tick.Store(&tick)
}

func (h *Hub) serverTick() int64 {
	if fn := h.tick.Load(); fn != nil {
		return (*fn)()
	}
	return 0
}

// Start opens the hub for connections.
func (h *Hub) Start() { h.active.Store(true) }

// Stop refuses new connections and closes existing ones.
func (h *Hub) Stop() {
	h.active.Store(false)
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = map[string]*conn{}
	h.inbox = nil
	h.messages = 0
	h.mu.Unlock()
	for _, c := range conns {
		c.sink.Close("server stopping")
	}
}

func (h *Hub) Active() bool { return h.active.Load() }

// Accept registers a handshaken connection and queues its connect event.
func (h *Hub) Accept(hello protocol.HelloMsg, sink Sink) (string, error) {
	if !h.Active() {
		return "", ErrInactive
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfg.MaxConnections > 0 && len(h.conns) >= h.cfg.MaxConnections {
		h.rejected.Add(1)
		return "", ErrFull
	}
	id := uuid.NewString()
	h.conns[id] = &conn{
		id:      id,
		hello:   hello,
		sink:    sink,
		limiter: rate.NewLimiter(h.cfg.RateLimit, h.cfg.RateBurst),
	}
	h.inbox = append(h.inbox, Event{Kind: EventConnect, ConnectionID: id, Hello: hello})
	h.accepted.Add(1)
	return id, nil
}

// Receive queues one raw client frame. Malformed, unknown-version, or
// schema-invalid frames and frames over the connection's rate are answered
// with an ACK error and not queued.
func (h *Hub) Receive(connectionID string, raw []byte) error {
	base, err := protocol.DecodeBase(raw)
	if err != nil || base.Type == "" {
		h.invalid.Add(1)
		h.reject(connectionID, "", protocol.ErrProtoBadRequest, "malformed message")
		return fmt.Errorf("receive from %s: malformed message", connectionID)
	}
	if base.ProtocolVersion != protocol.Version {
		h.invalid.Add(1)
		h.reject(connectionID, base.Type, protocol.ErrProtoBadRequest, "bad protocol_version")
		return fmt.Errorf("receive from %s: protocol version %q", connectionID, base.ProtocolVersion)
	}
	if err := h.cfg.Validator.Validate(base.Type, raw); err != nil {
		h.invalid.Add(1)
		h.reject(connectionID, base.Type, protocol.ErrProtoBadRequest, err.Error())
		return fmt.Errorf("receive %s from %s: %w", base.Type, connectionID, err)
	}

	tick := h.serverTick()
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connectionID]
	if !ok || c.closed {
		return ErrUnknownConnection
	}
	if !c.limiter.Allow() {
		h.rateLimited.Add(1)
		h.queueLocked(c, protocol.NewAck(base.Type, protocol.ErrRateLimit, "too many messages", tick))
		return nil
	}
	if h.messages >= h.cfg.InboxCapacity {
		h.inboxDrops.Add(1)
		h.queueLocked(c, protocol.NewAck(base.Type, protocol.ErrRateLimit, "server busy", tick))
		return ErrInboxFull
	}
	h.inbox = append(h.inbox, Event{Kind: EventMessage, ConnectionID: connectionID, Type: base.Type, Raw: raw})
	h.messages++
	return nil
}

// Disconnect is called by the connection's reader when it ends.
func (h *Hub) Disconnect(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connectionID]
	if !ok {
		return
	}
	delete(h.conns, connectionID)
	c.closed = true
	h.inbox = append(h.inbox, Event{Kind: EventDisconnect, ConnectionID: connectionID})
}

// ProcessInbound dispatches every queued event to the handler in arrival
// order. Calling it again with nothing queued is a no-op.
func (h *Hub) ProcessInbound() error {
	h.mu.Lock()
	events := h.inbox
	h.inbox = nil
	h.messages = 0
	h.mu.Unlock()
	if len(events) == 0 {
		return nil
	}

	h.handlerMu.RLock()
	handler := h.handler
	h.handlerMu.RUnlock()
	if handler == nil {
		return fmt.Errorf("transport: %d events dropped: no handler", len(events))
	}

	var errs []error
	for _, ev := range events {
		if err := handler.HandleEvent(ev); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", ev.Kind, ev.ConnectionID, err))
		}
	}
	return errors.Join(errs...)
}

// SendTo queues msg for one connection.
func (h *Hub) SendTo(connectionID string, msg any) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connectionID]
	if !ok || c.closed {
		return fmt.Errorf("send to %s: %w", connectionID, ErrUnknownConnection)
	}
	c.pending = append(c.pending, frame)
	return nil
}

// Broadcast queues msg for every open connection.
func (h *Hub) Broadcast(msg any) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		if !c.closed && c.closing == "" {
			c.pending = append(c.pending, frame)
		}
	}
	return nil
}

// CloseConnection flushes what is queued for the connection, then closes it.
func (h *Hub) CloseConnection(connectionID, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[connectionID]; ok && c.closing == "" {
		if reason == "" {
			reason = "closed by server"
		}
		c.closing = reason
	}
}

// ProcessOutbound hands queued frames to their connections. Frames a
// connection cannot take stay queued for the next call.
func (h *Hub) ProcessOutbound() error {
	h.mu.Lock()
	var finished []*conn
	deferred := 0
	for id, c := range h.conns {
		sent := 0
		for _, frame := range c.pending {
			if !c.sink.Deliver(frame) {
				break
			}
			sent++
		}
		h.framesOut.Add(uint64(sent))
		c.pending = c.pending[sent:]
		if len(c.pending) > 0 {
			deferred++
			continue
		}
		c.pending = nil
		if c.closing != "" {
			delete(h.conns, id)
			c.closed = true
			finished = append(finished, c)
			h.inbox = append(h.inbox, Event{Kind: EventDisconnect, ConnectionID: id})
		}
	}
	h.mu.Unlock()

	for _, c := range finished {
		c.sink.Close(c.closing)
	}
	if deferred > 0 {
		h.deferred.Add(uint64(deferred))
		return fmt.Errorf("transport: %d connections not keeping up", deferred)
	}
	return nil
}

func (h *Hub) reject(connectionID, ackFor, code, message string) {
	tick := h.serverTick()
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[connectionID]; ok && !c.closed {
		h.queueLocked(c, protocol.NewAck(ackFor, code, message, tick))
	}
}

func (h *Hub) queueLocked(c *conn, msg any) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.pending = append(c.pending, frame)
}

// Count reports open connections.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Connections lists open connection ids, sorted.
func (h *Hub) Connections() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.conns))
	for id := range h.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type Stats struct {
	Active      bool   `json:"active"`
	Open        int    `json:"open"`
	Accepted    uint64 `json:"accepted"`
	Rejected    uint64 `json:"rejected"`
	Invalid     uint64 `json:"invalid"`
	RateLimited uint64 `json:"rate_limited"`
	InboxDrops  uint64 `json:"inbox_drops"`
	FramesOut   uint64 `json:"frames_out"`
	Deferred    uint64 `json:"deferred"`
}

func (h *Hub) Stats() Stats {
	return Stats{
		Active:      h.Active(),
		Open:        h.Count(),
		Accepted:    h.accepted.Load(),
		Rejected:    h.rejected.Load(),
		Invalid:     h.invalid.Load(),
		RateLimited: h.rateLimited.Load(),
		InboxDrops:  h.inboxDrops.Load(),
		FramesOut:   h.framesOut.Load(),
		Deferred:    h.deferred.Load(),
	}
}
