// Package client is a participant-side connection to a headless host: it
// joins, fetches the world in chunks, sends actions, and collects
// broadcasts. cmd/bot and the end-to-end tests drive it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"headlesshost.io/internal/engine"
	"headlesshost.io/internal/protocol"
	"headlesshost.io/internal/snapshot"
)

var (
	ErrClosed       = errors.New("client: connection closed")
	ErrNotTicked    = errors.New("client: no tick received")
	ErrTransferLost = errors.New("client: world transfer did not complete")
)

// RejectedError is returned when the server answers HELLO with an ACK.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("client: join rejected: %s %s", e.Code, e.Message)
}

type Config struct {
	URL         string
	IdentityKey string
	Name        string

	HandshakeTimeout time.Duration
	// TransferTimeout bounds one INIT_REQUEST round; an incomplete transfer
	// is requested again up to TransferRetries times.
	TransferTimeout time.Duration
	TransferRetries int

	Logger *log.Logger
}

type Client struct {
	cfg     Config
	conn    *websocket.Conn
	writeMu sync.Mutex
	log     *log.Logger
	welcome protocol.WelcomeMsg

	tick      atomic.Int64
	ticked    chan struct{}
	tickOnce  sync.Once
	asm       *snapshot.Assembler
	worlds    chan string
	acks      chan protocol.AckMsg
	notifies  chan protocol.NotifyMsg
	dropped   atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
	closeErr  atomic.Value
}

// Dial connects, sends HELLO, and waits for WELCOME.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 10 * time.Second
	}
	if cfg.TransferRetries <= 0 {
		cfg.TransferRetries = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	d := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, _, err := d.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", cfg.URL, err)
	}
	c := &Client{
		cfg:      cfg,
		conn:     conn,
		log:      cfg.Logger,
		ticked:   make(chan struct{}),
		asm:      snapshot.NewAssembler(),
		worlds:   make(chan string, 1),
		acks:     make(chan protocol.AckMsg, 16),
		notifies: make(chan protocol.NotifyMsg, 256),
		done:     make(chan struct{}),
	}
	if err := c.handshake(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) handshake() error {
	err := c.write(protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		IdentityKey:     c.cfg.IdentityKey,
		Name:            c.cfg.Name,
	})
	if err != nil {
		return fmt.Errorf("client: send HELLO: %w", err)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("client: await WELCOME: %w", err)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			return json.Unmarshal(msg, &c.welcome)
		case protocol.TypeAck:
			var ack protocol.AckMsg
			_ = json.Unmarshal(msg, &ack)
			return &RejectedError{Code: ack.Code, Message: ack.Message}
		}
	}
}

func (c *Client) Welcome() protocol.WelcomeMsg { return c.welcome }

// Tick is the last tick the server pushed.
func (c *Client) Tick() int64 { return c.tick.Load() }

// WaitTick blocks until the join-time tick push arrives.
func (c *Client) WaitTick(ctx context.Context) (int64, error) {
	select {
	case <-c.ticked:
		return c.tick.Load(), nil
	case <-c.done:
		return 0, ErrNotTicked
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// RequestWorld asks for the world state and blocks until every chunk has
// arrived. A transfer that stalls is abandoned and requested again.
func (c *Client) RequestWorld(ctx context.Context) (engine.SerializedWorld, error) {
	key := c.cfg.IdentityKey
	for attempt := 1; attempt <= c.cfg.TransferRetries; attempt++ {
		c.asm.Reset(key)
		err := c.write(protocol.InitRequestMsg{Type: protocol.TypeInitRequest, ProtocolVersion: protocol.Version})
		if err != nil {
			return engine.SerializedWorld{}, err
		}
		timer := time.NewTimer(c.cfg.TransferTimeout)
		select {
		case data := <-c.worlds:
			timer.Stop()
			return snapshot.Decode(data)
		case ack := <-c.acks:
			timer.Stop()
			if ack.AckFor == protocol.TypeInitRequest && !ack.Accepted {
				return engine.SerializedWorld{}, &RejectedError{Code: ack.Code, Message: ack.Message}
			}
		case <-timer.C:
			c.log.Printf("client: world transfer attempt %d: %v", attempt, c.asm.Check(key))
		case <-c.done:
			timer.Stop()
			return engine.SerializedWorld{}, ErrClosed
		case <-ctx.Done():
			timer.Stop()
			return engine.SerializedWorld{}, ctx.Err()
		}
	}
	return engine.SerializedWorld{}, ErrTransferLost
}

// Act sends one action. data is marshalled to JSON unless it is already raw.
func (c *Client) Act(kind string, data any) error {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("client: encode %s: %w", kind, err)
		}
		raw = b
	}
	return c.write(protocol.ActMsg{Type: protocol.TypeAct, ProtocolVersion: protocol.Version, Kind: kind, Data: raw})
}

// Notifies delivers broadcasts in arrival order. Broadcasts that find the
// channel full are dropped and counted.
func (c *Client) Notifies() <-chan protocol.NotifyMsg { return c.notifies }

// Acks delivers server ACKs after the handshake.
func (c *Client) Acks() <-chan protocol.AckMsg { return c.acks }

func (c *Client) Dropped() uint64 { return c.dropped.Load() }

func (c *Client) Done() <-chan struct{} { return c.done }

// Err is the reason the read loop ended, if it has.
func (c *Client) Err() error {
	if v, ok := c.closeErr.Load().(error); ok {
		return v
	}
	return nil
}

func (c *Client) Close() error {
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	_ = c.conn.Close()
	<-c.done
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (c *Client) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() { close(c.done) })
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.closeErr.Store(err)
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeTick:
			var t protocol.TickMsg
			if json.Unmarshal(msg, &t) == nil {
				c.tick.Store(int64(t.Tick))
				c.tickOnce.Do(func() { close(c.ticked) })
			}
		case protocol.TypeChunk:
			var ch protocol.ChunkMsg
			if err := json.Unmarshal(msg, &ch); err != nil {
				continue
			}
			data, done, err := c.asm.Add(c.cfg.IdentityKey, ch)
			if err != nil {
				c.log.Printf("client: %v", err)
				continue
			}
			if done {
				select {
				case c.worlds <- data:
				default:
				}
			}
		case protocol.TypeNotify:
			var n protocol.NotifyMsg
			if json.Unmarshal(msg, &n) != nil {
				continue
			}
			select {
			case c.notifies <- n:
			default:
				c.dropped.Add(1)
			}
		case protocol.TypeAck:
			var ack protocol.AckMsg
			if json.Unmarshal(msg, &ack) != nil {
				continue
			}
			select {
			case c.acks <- ack:
			default:
			}
		}
	}
}
