// Package netpump drives a transport's receive-then-send cycle from the
// adapter's pump instead of from a host frame callback.
package netpump

import (
	"log"
	"sync/atomic"
	"time"

	"headlesshost.io/internal/throttle"
)

// Transport is the poll surface the pump needs. Both steps must be
// non-blocking and safe to repeat within one tick: a second call finds
// nothing new to do.
type Transport interface {
	Active() bool
	ProcessInbound() error
	ProcessOutbound() error
}

const DefaultFaultLogEvery = 5 * time.Second

type Pump struct {
	transport Transport

	inFaults  *throttle.Logger
	outFaults *throttle.Logger

	runs      atomic.Uint64
	idle      atomic.Uint64
	inErrors  atomic.Uint64
	outErrors atomic.Uint64
}

// New logs transport faults at most once per every for each direction.
func New(t Transport, logger *log.Logger, every time.Duration) *Pump {
	if every <= 0 {
		every = DefaultFaultLogEvery
	}
	return &Pump{
		transport: t,
		inFaults:  throttle.New(logger, every),
		outFaults: throttle.New(logger, every),
	}
}

// Run performs one cycle. Faults in either step are logged and counted;
// outbound still runs after an inbound fault.
func (p *Pump) Run() {
	if p.transport == nil || !p.transport.Active() {
		p.idle.Add(1)
		return
	}
	p.runs.Add(1)
	if err := p.transport.ProcessInbound(); err != nil {
		p.inErrors.Add(1)
		p.inFaults.Printf("netpump: inbound: %v", err)
	}
	if err := p.transport.ProcessOutbound(); err != nil {
		p.outErrors.Add(1)
		p.outFaults.Printf("netpump: outbound: %v", err)
	}
}

type Stats struct {
	Runs           uint64 `json:"runs"`
	Idle           uint64 `json:"idle"`
	InboundFaults  uint64 `json:"inbound_faults"`
	OutboundFaults uint64 `json:"outbound_faults"`
}

func (p *Pump) Stats() Stats {
	return Stats{
		Runs:           p.runs.Load(),
		Idle:           p.idle.Load(),
		InboundFaults:  p.inErrors.Load(),
		OutboundFaults: p.outErrors.Load(),
	}
}
