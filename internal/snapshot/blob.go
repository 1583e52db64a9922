// Package snapshot caches the serialized world and streams it to joining
// participants as ordered chunks. The cache holds exactly one version and is
// replaced wholesale.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"headlesshost.io/internal/engine"
)

var (
	ErrNoSnapshot = errors.New("snapshot: no cached snapshot")
	ErrBadBlob    = errors.New("snapshot: malformed blob")
)

// Blob is one cached capture of the world. Data is text-safe (base64 of the
// zstd-compressed serialized world) so it can be cut anywhere into chunks.
type Blob struct {
	Tick       int64     `json:"tick"`
	Data       string    `json:"data"`
	Digest     string    `json:"digest"`
	CapturedAt time.Time `json:"captured_at"`
}

type envelope struct {
	Tick  int64  `json:"tick"`
	State []byte `json:"state"`
}

// Encode packs a serialized world into blob text.
func Encode(sw engine.SerializedWorld) (string, error) {
	raw, err := json.Marshal(envelope{Tick: sw.Tick, State: sw.State})
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return "", err
	}
	if _, err := enc.Write(raw); err != nil {
		_ = enc.Close()
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode.
func Decode(data string) (engine.SerializedWorld, error) {
	zb, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return engine.SerializedWorld{}, fmt.Errorf("%w: %v", ErrBadBlob, err)
	}
	dec, err := zstd.NewReader(bytes.NewReader(zb))
	if err != nil {
		return engine.SerializedWorld{}, err
	}
	defer dec.Close()
	raw, err := io.ReadAll(dec)
	if err != nil {
		return engine.SerializedWorld{}, fmt.Errorf("%w: %v", ErrBadBlob, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return engine.SerializedWorld{}, fmt.Errorf("%w: %v", ErrBadBlob, err)
	}
	return engine.SerializedWorld{Tick: env.Tick, State: env.State}, nil
}

// Digest is the hex sha256 of blob text.
func Digest(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// NewBlob wraps already-encoded data.
func NewBlob(tick int64, data string) Blob {
	return Blob{Tick: tick, Data: data, Digest: Digest(data), CapturedAt: time.Now().UTC()}
}

// Invoker calls engine operations through the override registry.
type Invoker interface {
	Invoke(target engine.OperationID, args any) (any, error)
}

// Capture serializes the engine's current world into a blob.
func Capture(inv Invoker) (Blob, error) {
	v, err := inv.Invoke(engine.OpSerialize, nil)
	if err != nil {
		return Blob{}, fmt.Errorf("capture: %w", err)
	}
	sw, ok := v.(engine.SerializedWorld)
	if !ok {
		return Blob{}, fmt.Errorf("capture: serialize returned %T", v)
	}
	data, err := Encode(sw)
	if err != nil {
		return Blob{}, fmt.Errorf("capture: %w", err)
	}
	return NewBlob(sw.Tick, data), nil
}

// Cache holds at most one blob.
type Cache struct {
	mu      sync.RWMutex
	blob    *Blob
	version uint64
}

func NewCache() *Cache { return &Cache{} }

// Replace swaps in b wholesale and returns the new cache version.
func (c *Cache) Replace(b Blob) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := b
	c.blob = &cp
	c.version++
	return c.version
}

func (c *Cache) Load() (Blob, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.blob == nil {
		return Blob{}, false
	}
	return *c.blob, true
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blob = nil
}

func (c *Cache) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}
