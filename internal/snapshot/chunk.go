package snapshot

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"headlesshost.io/internal/protocol"
)

const DefaultChunkSize = 30000

var (
	ErrTransferIncomplete = errors.New("snapshot: transfer incomplete")
	ErrBadChunk           = errors.New("snapshot: bad chunk")
)

// Split cuts data into ordered chunks of at most size bytes. Cuts never land
// inside a UTF-8 sequence, so size is raised to utf8.UTFMax when smaller.
// Empty data still yields a single empty chunk so the receiver sees a
// completed transfer.
func Split(transferID, data string, size int) []protocol.ChunkMsg {
	switch {
	case size <= 0:
		size = DefaultChunkSize
	case size < utf8.UTFMax:
		size = utf8.UTFMax
	}
	var parts []string
	for len(data) > 0 {
		n := size
		if n >= len(data) {
			n = len(data)
		} else {
			for n > 0 && !utf8.RuneStart(data[n]) {
				n--
			}
			if n == 0 {
				_, n = utf8.DecodeRuneInString(data)
			}
		}
		parts = append(parts, data[:n])
		data = data[n:]
	}
	if len(parts) == 0 {
		parts = []string{""}
	}

	out := make([]protocol.ChunkMsg, len(parts))
	for i, p := range parts {
		out[i] = protocol.ChunkMsg{
			Type:            protocol.TypeChunk,
			ProtocolVersion: protocol.Version,
			TransferID:      transferID,
			Index:           uint32(i),
			TotalChunks:     uint32(len(parts)),
			Payload:         p,
		}
	}
	return out
}

type session struct {
	transferID string
	parts      []string
	have       []bool
	received   int
	done       bool
}

func (s *session) missing() int { return len(s.have) - s.received }

// Assembler rebuilds transfers on the receiving side, one session per key
// (the participant identity). Chunks are stored by index, so out-of-order and
// duplicate arrivals are harmless. A chunk carrying a new transfer id
// discards whatever partial session the key had.
type Assembler struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func NewAssembler() *Assembler {
	return &Assembler{sessions: map[string]*session{}}
}

// Add stores c for key. It returns the reconstructed data and done=true
// exactly once per transfer, when the last missing chunk arrives.
func (a *Assembler) Add(key string, c protocol.ChunkMsg) (string, bool, error) {
	if c.TotalChunks == 0 || c.Index >= c.TotalChunks {
		return "", false, fmt.Errorf("%w: index %d of %d", ErrBadChunk, c.Index, c.TotalChunks)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.sessions[key]
	if s == nil || s.transferID != c.TransferID {
		s = &session{
			transferID: c.TransferID,
			parts:      make([]string, c.TotalChunks),
			have:       make([]bool, c.TotalChunks),
		}
		a.sessions[key] = s
	}
	if s.done {
		return "", false, nil
	}
	if int(c.TotalChunks) != len(s.have) {
		return "", false, fmt.Errorf("%w: transfer %s total changed %d -> %d", ErrBadChunk, c.TransferID, len(s.have), c.TotalChunks)
	}
	if s.have[c.Index] {
		return "", false, nil
	}
	s.parts[c.Index] = c.Payload
	s.have[c.Index] = true
	s.received++
	if s.received < len(s.parts) {
		return "", false, nil
	}

	s.done = true
	data := strings.Join(s.parts, "")
	s.parts = nil
	return data, true, nil
}

// Check reports ErrTransferIncomplete if key has a partial session.
func (a *Assembler) Check(key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.sessions[key]
	if s == nil || s.done {
		return nil
	}
	return fmt.Errorf("%w: transfer %s missing %d of %d chunks", ErrTransferIncomplete, s.transferID, s.missing(), len(s.have))
}

// Reset drops key's session.
func (a *Assembler) Reset(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, key)
}
