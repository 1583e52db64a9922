package ws

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"headlesshost.io/internal/protocol"
	"headlesshost.io/internal/transport"
)

const (
	handshakeTimeout = 5 * time.Second
	readTimeout      = 60 * time.Second
	writeTimeout     = 5 * time.Second
	outQueue         = 256
	maxFrame         = 1 << 20
)

// Server accepts websocket participants into a transport.Hub. Each
// connection gets a reader goroutine feeding the hub's inbox and a writer
// goroutine draining frames the pump handed to it.
type Server struct {
	*transport.Hub
	log *log.Logger

	validator *protocol.Validator
	upgrader  websocket.Upgrader
}

func NewServer(hub *transport.Hub, validator *protocol.Validator, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		Hub:       hub,
		log:       logger,
		validator: validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

type wsSink struct {
	out  chan []byte
	once sync.Once
	stop chan string
}

func (s *wsSink) Deliver(frame []byte) bool {
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

func (s *wsSink) Close(reason string) {
	s.once.Do(func() {
		s.stop <- reason
		close(s.stop)
	})
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.Active() {
			http.Error(rw, "server not running", http.StatusServiceUnavailable)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxFrame)

		sink := &wsSink{out: make(chan []byte, outQueue), stop: make(chan string, 1)}
		id := s.handshake(conn, sink)
		if id == "" {
			return
		}

		done := make(chan struct{})
		go s.writeLoop(conn, sink, done)

		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			// Rejections are answered through the hub; nothing to do here.
			_ = s.Receive(id, msg)
		}

		s.Disconnect(id)
		sink.Close("")
		<-done
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, sink *wsSink, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case b := <-sink.out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				_ = conn.Close()
				return
			}
		case reason := <-sink.stop:
			// Flush what the pump already handed over.
			if flush(conn, sink.out) && reason != "" {
				closeWith(conn, websocket.CloseNormalClosure, reason)
			}
			_ = conn.Close()
			return
		}
	}
}

func flush(conn *websocket.Conn, out <-chan []byte) bool {
	for {
		select {
		case b := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return false
			}
		default:
			return true
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn, sink *wsSink) string {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, websocket.ClosePolicyViolation, "expected HELLO")
		return ""
	}
	if base.ProtocolVersion != protocol.Version {
		closeWith(conn, websocket.ClosePolicyViolation, "bad protocol_version")
		return ""
	}
	if err := s.validator.Validate(protocol.TypeHello, msg); err != nil {
		_ = writeJSON(conn, protocol.NewAck(protocol.TypeHello, protocol.ErrProtoBadRequest, err.Error(), 0))
		closeWith(conn, websocket.ClosePolicyViolation, "invalid HELLO")
		return ""
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return ""
	}
	if hello.Name == "" {
		hello.Name = "participant"
	}

	id, err := s.Accept(hello, sink)
	switch {
	case errors.Is(err, transport.ErrFull):
		_ = writeJSON(conn, protocol.NewAck(protocol.TypeHello, protocol.ErrServerFull, "server full", 0))
		closeWith(conn, websocket.CloseTryAgainLater, "server full")
		return ""
	case err != nil:
		closeWith(conn, websocket.CloseGoingAway, err.Error())
		return ""
	}
	s.log.Printf("ws: %s connected as %q from %s", id, hello.IdentityKey, conn.RemoteAddr())
	return id
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}
