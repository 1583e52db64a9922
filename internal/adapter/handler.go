package adapter

import (
	"encoding/json"
	"errors"
	"fmt"

	"headlesshost.io/internal/engine"
	"headlesshost.io/internal/lifecycle"
	"headlesshost.io/internal/protocol"
	"headlesshost.io/internal/relay"
	"headlesshost.io/internal/transport"
)

// HandleEvent is called by the hub on the pump thread.
func (a *Adapter) HandleEvent(ev transport.Event) error {
	s := a.current()
	if s == nil {
		return ErrNotRunning
	}
	switch ev.Kind {
	case transport.EventConnect:
		return a.onConnect(s, ev)
	case transport.EventDisconnect:
		s.life.Disconnect(ev.ConnectionID)
		return nil
	case transport.EventMessage:
		return a.onMessage(s, ev)
	default:
		return fmt.Errorf("unknown event kind %v", ev.Kind)
	}
}

func (a *Adapter) onConnect(s *session, ev transport.Event) error {
	_, err := s.life.Connect(ev.ConnectionID, ev.Hello)
	if err == nil {
		return nil
	}
	code := protocol.ErrInternal
	switch {
	case errors.Is(err, lifecycle.ErrDuplicateIdentity):
		code = protocol.ErrDuplicateIdentity
	case errors.Is(err, lifecycle.ErrEmptyIdentity):
		code = protocol.ErrBadRequest
	}
	a.ack(ev.ConnectionID, protocol.TypeHello, code, err.Error(), s.clock.Tick())
	a.hub.CloseConnection(ev.ConnectionID, "join rejected")
	return err
}

func (a *Adapter) onMessage(s *session, ev transport.Event) error {
	p, ok := s.life.Participant(ev.ConnectionID)
	if !ok {
		a.ack(ev.ConnectionID, ev.Type, protocol.ErrNotReady, "not joined", s.clock.Tick())
		return nil
	}
	switch ev.Type {
	case protocol.TypeInitRequest:
		_, err := a.reg.Invoke(engine.OpHandleInitialData, engine.InitialDataArgs{
			ConnectionID: p.ConnectionID,
			IdentityKey:  p.IdentityKey,
		})
		if err != nil {
			a.ack(ev.ConnectionID, ev.Type, protocol.ErrNotReady, "world state unavailable", s.clock.Tick())
			return fmt.Errorf("initial data for %s: %w", p.IdentityKey, err)
		}
		return nil

	case protocol.TypeAct:
		var act protocol.ActMsg
		if err := json.Unmarshal(ev.Raw, &act); err != nil {
			a.ack(ev.ConnectionID, ev.Type, protocol.ErrBadRequest, "bad ACT", s.clock.Tick())
			return nil
		}
		if err := s.relay.Enqueue(p.IdentityKey, act.Kind, act.Data); err != nil {
			code := protocol.ErrInternal
			if errors.Is(err, relay.ErrQueueFull) {
				code = protocol.ErrRateLimit
			}
			a.ack(ev.ConnectionID, ev.Type, code, err.Error(), s.clock.Tick())
		}
		return nil

	default:
		a.ack(ev.ConnectionID, ev.Type, protocol.ErrBadRequest, "unsupported message type", s.clock.Tick())
		return nil
	}
}

func (a *Adapter) ack(connectionID, ackFor, code, message string, tick int64) {
	if err := a.hub.SendTo(connectionID, protocol.NewAck(ackFor, code, message, tick)); err != nil {
		a.log.Printf("adapter: ack %s to %s: %v", ackFor, connectionID, err)
	}
}
