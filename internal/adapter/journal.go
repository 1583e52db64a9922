package adapter

import (
	"log"
	"time"

	plog "headlesshost.io/internal/persistence/log"
	"headlesshost.io/internal/relay"
	"headlesshost.io/internal/throttle"
)

type TickWriter interface {
	WriteTick(entry plog.TickLogEntry) error
}

type AuditWriter interface {
	WriteAudit(entry plog.AuditEntry) error
}

// journal fans relay outcomes out to the tick log, the audit log, and the
// index. Write failures are logged at a throttled rate and never reach the
// relay.
type journal struct {
	ticks  []TickWriter
	audits []AuditWriter
	faults *throttle.Logger
	now    func() time.Time
}

func newJournal(logger *log.Logger, now func() time.Time) *journal {
	if now == nil {
		now = time.Now
	}
	return &journal{faults: throttle.New(logger, 5*time.Second), now: now}
}

func (j *journal) addTicks(w TickWriter) {
	if w != nil {
		j.ticks = append(j.ticks, w)
	}
}

func (j *journal) addAudits(w AuditWriter) {
	if w != nil {
		j.audits = append(j.audits, w)
	}
}

func (j *journal) RecordRelay(tick int64, outcomes []relay.Outcome) {
	at := j.now().UTC()
	entry := plog.TickLogEntry{Tick: tick, Time: at, Actions: make([]plog.ActionRecord, 0, len(outcomes))}
	var audits []plog.AuditEntry
	for _, o := range outcomes {
		a := o.Action
		entry.Actions = append(entry.Actions, plog.ActionRecord{
			Kind:          a.Kind,
			ParticipantID: a.ParticipantID,
			EnqueueTick:   a.EnqueueTick,
			Payload:       string(a.Payload),
			Mapped:        o.Mapped,
			Broadcast:     o.Broadcast,
			Applied:       o.Applied,
		})
		base := plog.AuditEntry{Tick: tick, Time: at, ParticipantID: a.ParticipantID, Kind: a.Kind}
		switch {
		case !o.Mapped:
			base.Stage = plog.StageUnmapped
			audits = append(audits, base)
			continue
		case o.BroadcastErr != "":
			e := base
			e.Stage, e.Reason = plog.StageBroadcast, o.BroadcastErr
			audits = append(audits, e)
		}
		if o.ApplyErr != "" {
			e := base
			e.Stage, e.Reason = plog.StageApply, o.ApplyErr
			audits = append(audits, e)
		}
	}

	for _, w := range j.ticks {
		if err := w.WriteTick(entry); err != nil {
			j.faults.Printf("journal: tick %d: %v", tick, err)
		}
	}
	for _, e := range audits {
		for _, w := range j.audits {
			if err := w.WriteAudit(e); err != nil {
				j.faults.Printf("journal: audit tick %d: %v", tick, err)
			}
		}
	}
}
