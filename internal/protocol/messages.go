package protocol

import "encoding/json"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	IdentityKey     string `json:"identity_key"`
	Name            string `json:"name,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ConnectionID    string `json:"connection_id"`
	TickRateHz      int    `json:"tick_rate_hz"`
	ChunkSize       int    `json:"chunk_size"`
}

// TICK (server -> client): pushed right after a participant is registered.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            int32  `json:"tick"`
}

// INIT_REQUEST (client -> server): asks for the current world state.
type InitRequestMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// CHUNK (server -> client): one slice of a snapshot transfer, sent in index order.
type ChunkMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	TransferID      string `json:"transfer_id"`
	Index           uint32 `json:"index"`
	TotalChunks     uint32 `json:"total_chunks"`
	Payload         string `json:"payload"`
}

// ACT (client -> server)
type ActMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Kind            string          `json:"kind"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// NOTIFY (server -> all clients): the broadcast outcome of one relayed action.
type NotifyMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Kind            string          `json:"kind"`
	Tick            int64           `json:"tick"`
	ParticipantID   string          `json:"participant_id"`
	Data            json.RawMessage `json:"data,omitempty"`
}

type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	ServerTick      int64  `json:"server_tick,omitempty"`
}

func NewTick(tick int64) TickMsg {
	return TickMsg{Type: TypeTick, ProtocolVersion: Version, Tick: ClampTick(tick)}
}

func NewAck(ackFor string, code, message string, tick int64) AckMsg {
	return AckMsg{
		Type:            TypeAck,
		ProtocolVersion: Version,
		AckFor:          ackFor,
		Accepted:        code == "",
		Code:            code,
		Message:         message,
		ServerTick:      tick,
	}
}

// ClampTick narrows an authoritative tick to the int32 wire field.
func ClampTick(tick int64) int32 {
	const maxI32 = int64(^uint32(0) >> 1)
	switch {
	case tick < 0:
		return 0
	case tick > maxI32:
		return int32(maxI32)
	default:
		return int32(tick)
	}
}
