package log

import "time"

// ActionRecord is one relayed action as persisted.
type ActionRecord struct {
	Kind          string `json:"kind"`
	ParticipantID string `json:"participant_id"`
	EnqueueTick   int64  `json:"enqueue_tick"`
	Payload       string `json:"payload,omitempty"`
	Mapped        bool   `json:"mapped"`
	Broadcast     bool   `json:"broadcast"`
	Applied       bool   `json:"applied"`
}

type TickLogEntry struct {
	Tick    int64          `json:"tick"`
	Time    time.Time      `json:"time"`
	Actions []ActionRecord `json:"actions"`
}

// AuditEntry records an action whose broadcast or authoritative apply failed,
// or an unmapped kind that was dropped.
type AuditEntry struct {
	Tick          int64     `json:"tick"`
	Time          time.Time `json:"time"`
	ParticipantID string    `json:"participant_id"`
	Kind          string    `json:"kind"`
	Stage         string    `json:"stage"`
	Reason        string    `json:"reason"`
}

// Audit stages.
const (
	StageUnmapped  = "unmapped"
	StageBroadcast = "broadcast"
	StageApply     = "apply"
)
