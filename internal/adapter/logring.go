package adapter

import (
	"strings"
	"sync"
)

// LogRing keeps the most recent log lines in memory for the admin log
// endpoint. It is an io.Writer so it can sit behind a log.Logger next to
// stdout.
type LogRing struct {
	mu      sync.RWMutex
	lines   []string
	next    int
	full    bool
	partial strings.Builder
}

func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LogRing{lines: make([]string, capacity)}
}

// Write splits p into lines; a trailing fragment is held until its newline
// arrives.
func (r *LogRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := string(p)
	for {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			r.partial.WriteString(s)
			break
		}
		r.partial.WriteString(s[:i])
		r.push(r.partial.String())
		r.partial.Reset()
		s = s[i+1:]
	}
	return len(p), nil
}

func (r *LogRing) push(line string) {
	r.lines[r.next] = line
	r.next++
	if r.next == len(r.lines) {
		r.next = 0
		r.full = true
	}
}

// Lines returns up to n of the newest lines, oldest first. n <= 0 means all.
func (r *LogRing) Lines(n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var all []string
	if r.full {
		all = append(all, r.lines[r.next:]...)
	}
	all = append(all, r.lines[:r.next]...)
	if n > 0 && n < len(all) {
		all = all[len(all)-n:]
	}
	return append([]string(nil), all...)
}

func (r *LogRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.lines {
		r.lines[i] = ""
	}
	r.next = 0
	r.full = false
	r.partial.Reset()
}
