package indexdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	plog "headlesshost.io/internal/persistence/log"
)

// HTTPConfig configures the batch-ingest backend, which POSTs index events
// as JSON batches to a remote collector.
type HTTPConfig struct {
	Endpoint      string
	Token         string
	WorldID       string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	Logger        *log.Logger
}

type HTTPIndex struct {
	cfg        HTTPConfig
	httpClient *http.Client

	ch   chan ingestEvent
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
	drops  dropCounters

	batchesSent   atomic.Uint64
	batchesFailed atomic.Uint64
}

type ingestEvent struct {
	Kind    string `json:"kind"`
	WorldID string `json:"world_id"`
	Payload any    `json:"payload"`
}

func OpenHTTP(cfg HTTPConfig) (*HTTPIndex, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.WorldID = strings.TrimSpace(cfg.WorldID)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty index ingest endpoint")
	}
	if cfg.WorldID == "" {
		return nil, fmt.Errorf("empty world id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	d := &HTTPIndex{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		ch:         make(chan ingestEvent, 32768),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func (d *HTTPIndex) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
	return nil
}

func (d *HTTPIndex) WriteTick(entry plog.TickLogEntry) error {
	d.enqueue(ingestEvent{Kind: "tick", Payload: entry}, &d.drops.tick)
	return nil
}

func (d *HTTPIndex) WriteAudit(entry plog.AuditEntry) error {
	d.enqueue(ingestEvent{Kind: "audit", Payload: entry}, &d.drops.audit)
	return nil
}

func (d *HTTPIndex) RecordSnapshot(row SnapshotRow) {
	d.enqueue(ingestEvent{Kind: "snapshot", Payload: row}, &d.drops.snapshot)
}

func (d *HTTPIndex) RecordSession(row SessionRow) {
	if row.At.IsZero() {
		row.At = time.Now().UTC()
	}
	d.enqueue(ingestEvent{Kind: "session", Payload: row}, &d.drops.session)
}

func (d *HTTPIndex) Stats() Stats {
	if d == nil {
		return Stats{}
	}
	return d.drops.stats(len(d.ch), cap(d.ch))
}

func (d *HTTPIndex) enqueue(ev ingestEvent, drop *atomic.Uint64) {
	if d == nil || d.closed.Load() {
		return
	}
	ev.WorldID = d.cfg.WorldID
	select {
	case d.ch <- ev:
	default:
		drop.Add(1)
		d.printf("index: ingest queue full; drop kind=%s world=%s", ev.Kind, ev.WorldID)
	}
}

func (d *HTTPIndex) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]ingestEvent, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.sendBatch(batch); err != nil {
			d.batchesFailed.Add(1)
			d.printf("index: ingest flush failed batch=%d err=%v", len(batch), err)
		} else {
			d.batchesSent.Add(1)
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *HTTPIndex) sendBatch(events []ingestEvent) error {
	body := struct {
		Events []ingestEvent `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if d.cfg.Token != "" {
			req.Header.Set("x-hh-index-token", d.cfg.Token)
		}

		resp, err := d.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}

func (d *HTTPIndex) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
