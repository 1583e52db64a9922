package snapshot

import (
	"fmt"
	"log"
	"sync/atomic"

	"github.com/google/uuid"

	"headlesshost.io/internal/engine"
	"headlesshost.io/internal/override"
)

const initialDataHandlerID = "snapshot.initial_data"

// Sender delivers one message to one connection.
type Sender interface {
	SendTo(connectionID string, msg any) error
}

// Registrar is the subset of override.Registry used to install the
// initial-data interception.
type Registrar interface {
	Register(target engine.OperationID, h override.Handlers) error
}

// TransferResult is the value an intercepted initial-data request returns.
type TransferResult struct {
	TransferID string `json:"transfer_id"`
	Tick       int64  `json:"tick"`
	Chunks     int    `json:"chunks"`
	Bytes      int    `json:"bytes"`
}

// Transfers answers initial-data requests from the cache instead of the
// engine's own frame-loop-dependent path.
type Transfers struct {
	cache     *Cache
	sender    Sender
	chunkSize int
	log       *log.Logger

	started    atomic.Uint64
	declined   atomic.Uint64
	chunksSent atomic.Uint64
	sendFails  atomic.Uint64
}

func NewTransfers(cache *Cache, sender Sender, chunkSize int, logger *log.Logger) *Transfers {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Transfers{cache: cache, sender: sender, chunkSize: chunkSize, log: logger}
}

func (t *Transfers) ChunkSize() int { return t.chunkSize }

// Install intercepts engine.OpHandleInitialData.
func (t *Transfers) Install(reg Registrar) error {
	return reg.Register(engine.OpHandleInitialData, override.Handlers{
		ID:     initialDataHandlerID,
		Before: t.before,
	})
}

func (t *Transfers) before(args any) (override.Decision, error) {
	req, ok := args.(engine.InitialDataArgs)
	if !ok {
		return override.Decision{}, fmt.Errorf("initial data: want engine.InitialDataArgs, got %T", args)
	}
	blob, ok := t.cache.Load()
	if !ok {
		// Nothing cached: let the engine's own path have it.
		t.declined.Add(1)
		return override.Decision{}, nil
	}
	res, err := t.Send(req.ConnectionID, blob)
	return override.Decision{Skip: true, Result: res}, err
}

// Send streams blob to one connection in index order. A failed send abandons
// the rest of the transfer; the client recovers by requesting again.
func (t *Transfers) Send(connectionID string, blob Blob) (TransferResult, error) {
	id := uuid.NewString()
	chunks := Split(id, blob.Data, t.chunkSize)
	t.started.Add(1)

	res := TransferResult{TransferID: id, Tick: blob.Tick, Chunks: len(chunks), Bytes: len(blob.Data)}
	for _, c := range chunks {
		if err := t.sender.SendTo(connectionID, c); err != nil {
			t.sendFails.Add(1)
			return res, fmt.Errorf("transfer %s to %s: chunk %d/%d: %w", id, connectionID, c.Index+1, c.TotalChunks, err)
		}
		t.chunksSent.Add(1)
	}
	t.log.Printf("snapshot: sent transfer %s to %s (%d chunks, %d bytes, tick %d)", id, connectionID, len(chunks), len(blob.Data), blob.Tick)
	return res, nil
}

type TransferStats struct {
	Started     uint64 `json:"started"`
	Declined    uint64 `json:"declined"`
	ChunksSent  uint64 `json:"chunks_sent"`
	SendFailure uint64 `json:"send_failures"`
}

func (t *Transfers) Stats() TransferStats {
	return TransferStats{
		Started:     t.started.Load(),
		Declined:    t.declined.Load(),
		ChunksSent:  t.chunksSent.Load(),
		SendFailure: t.sendFails.Load(),
	}
}
