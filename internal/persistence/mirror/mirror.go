package mirror

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Uploader is the object store side of a Mirror.
type Uploader interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type Config struct {
	// BaseDir is stripped from local paths to form object keys.
	BaseDir string
	Prefix  string
	Workers int
	Queue   int
	// PerSecond paces uploads across all workers; 0 means unpaced.
	PerSecond float64
	Attempts  int
	Backoff   time.Duration
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Enqueued      uint64 `json:"enqueued"`
	Dropped       uint64 `json:"dropped"`
	Uploaded      uint64 `json:"uploaded"`
	Failed        uint64 `json:"failed"`
	LastSuccess   int64  `json:"last_success_unix,omitempty"`
	LastError     int64  `json:"last_error_unix,omitempty"`
}

// Mirror uploads files handed to Enqueue from a pool of workers. Enqueue
// never blocks the caller; a full queue drops the file.
type Mirror struct {
	up     Uploader
	cfg    Config
	log    *log.Logger
	limit  *rate.Limiter
	jobs   chan string
	wg     sync.WaitGroup
	closed atomic.Bool

	enqueued    atomic.Uint64
	dropped     atomic.Uint64
	uploaded    atomic.Uint64
	failed      atomic.Uint64
	lastSuccess atomic.Int64
	lastError   atomic.Int64
}

func New(up Uploader, cfg Config, logger *log.Logger) *Mirror {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 64
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 4
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 200 * time.Millisecond
	}
	if logger == nil {
		logger = log.Default()
	}
	cfg.Prefix = strings.Trim(strings.ReplaceAll(cfg.Prefix, "\\", "/"), "/")
	m := &Mirror{up: up, cfg: cfg, log: logger, jobs: make(chan string, cfg.Queue)}
	if cfg.PerSecond > 0 {
		m.limit = rate.NewLimiter(rate.Limit(cfg.PerSecond), 1)
	}
	for i := 0; i < cfg.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.upload(p)
			}
		}()
	}
	return m
}

func (m *Mirror) Enqueue(localPath string) {
	if m == nil || m.closed.Load() {
		return
	}
	m.enqueued.Add(1)
	select {
	case m.jobs <- localPath:
	default:
		n := m.dropped.Add(1)
		m.log.Printf("mirror: queue full; dropped %s (%d dropped)", localPath, n)
	}
}

// Close stops accepting files and waits for queued uploads to finish.
func (m *Mirror) Close() {
	if m == nil || m.closed.Swap(true) {
		return
	}
	close(m.jobs)
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(m.jobs),
		QueueCapacity: cap(m.jobs),
		Enqueued:      m.enqueued.Load(),
		Dropped:       m.dropped.Load(),
		Uploaded:      m.uploaded.Load(),
		Failed:        m.failed.Load(),
		LastSuccess:   m.lastSuccess.Load(),
		LastError:     m.lastError.Load(),
	}
}

func (m *Mirror) upload(localPath string) {
	key, err := m.Key(localPath)
	if err != nil {
		m.failed.Add(1)
		m.log.Printf("mirror: skip %s: %v", localPath, err)
		return
	}
	var last error
	for attempt := 1; attempt <= m.cfg.Attempts; attempt++ {
		if m.limit != nil {
			_ = m.limit.Wait(context.Background())
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		last = m.up.PutFile(ctx, key, localPath)
		cancel()
		if last == nil {
			m.uploaded.Add(1)
			m.lastSuccess.Store(time.Now().Unix())
			m.log.Printf("mirror: uploaded %s", key)
			return
		}
		if attempt < m.cfg.Attempts {
			time.Sleep(time.Duration(attempt*attempt) * m.cfg.Backoff)
		}
	}
	m.failed.Add(1)
	m.lastError.Store(time.Now().Unix())
	m.log.Printf("mirror: upload %s failed after %d attempts: %v", key, m.cfg.Attempts, last)
}

// Key maps a file under BaseDir to its object key.
func (m *Mirror) Key(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty path")
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}
	base, err := filepath.Abs(m.cfg.BaseDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", abs, base)
	}
	if m.cfg.Prefix != "" {
		rel = path.Join(m.cfg.Prefix, rel)
	}
	return rel, nil
}
