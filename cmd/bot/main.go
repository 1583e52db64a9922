package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"headlesshost.io/internal/client"
	"headlesshost.io/internal/engine"
	"headlesshost.io/internal/sim/cellworld"
)

func main() {
	var (
		url      = flag.String("url", "ws://localhost:7777/v1/ws", "ws url")
		identity = flag.String("identity", "", "identity key (defaults to the name)")
		name     = flag.String("name", "bot", "display name")
		every    = flag.Duration("every", 2*time.Second, "interval between actions")
		paint    = flag.String("paint", "bot", "cell value to write")
	)
	flag.Parse()
	if *identity == "" {
		*identity = *name
	}

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	c, err := client.Dial(dialCtx, client.Config{URL: *url, IdentityKey: *identity, Name: *name, Logger: logger})
	cancel()
	if err != nil {
		logger.Fatalf("join: %v", err)
	}
	defer c.Close()
	w := c.Welcome()
	logger.Printf("WELCOME connection_id=%s tick_rate=%d chunk_size=%d", w.ConnectionID, w.TickRateHz, w.ChunkSize)

	tick, err := c.WaitTick(ctx)
	if err != nil {
		logger.Fatalf("tick: %v", err)
	}
	sw, err := c.RequestWorld(ctx)
	if err != nil {
		logger.Fatalf("world: %v", err)
	}
	width, height := describe(logger, tick, sw)

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	t := time.NewTicker(*every)
	defer t.Stop()
	for n := 0; ; {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			logger.Printf("disconnected: %v", c.Err())
			return
		case msg := <-c.Notifies():
			if msg.ParticipantID != *identity {
				logger.Printf("NOTIFY tick=%d from=%s kind=%s data=%s", msg.Tick, msg.ParticipantID, msg.Kind, msg.Data)
			}
		case ack := <-c.Acks():
			if !ack.Accepted {
				logger.Printf("ACK %s rejected: %s %s", ack.AckFor, ack.Code, ack.Message)
			}
		case <-t.C:
			n++
			var err error
			if n%5 == 0 {
				err = c.Act(cellworld.KindSay, map[string]string{"text": fmt.Sprintf("tick=%d", c.Tick())})
			} else {
				err = c.Act(cellworld.KindSetCell, cellworld.CellValue{X: r.Intn(width), Y: r.Intn(height), Value: *paint})
			}
			if err != nil {
				logger.Printf("act: %v", err)
			}
		}
	}
}

// describe logs the fetched world and returns its grid size.
func describe(logger *log.Logger, tick int64, sw engine.SerializedWorld) (int, int) {
	var st struct {
		Width  int                   `json:"width"`
		Height int                   `json:"height"`
		Cells  []cellworld.CellValue `json:"cells"`
	}
	if err := json.Unmarshal(sw.State, &st); err != nil || st.Width <= 0 || st.Height <= 0 {
		logger.Printf("world at tick %d: %d bytes (unrecognized state)", sw.Tick, len(sw.State))
		return 1, 1
	}
	logger.Printf("world at tick %d (joined at %d): %dx%d, %d cells set", sw.Tick, tick, st.Width, st.Height, len(st.Cells))
	return st.Width, st.Height
}
