// Package throttle rate-limits repetitive log lines and reports how many were
// suppressed in between.
package throttle

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type Logger struct {
	log     *log.Logger
	limiter *rate.Limiter

	suppressed atomic.Uint64
	total      atomic.Uint64
}

// New allows one line per every, with a burst of one.
func New(logger *log.Logger, every time.Duration) *Logger {
	if logger == nil {
		logger = log.Default()
	}
	return &Logger{log: logger, limiter: rate.NewLimiter(rate.Every(every), 1)}
}

// Printf logs the line if the limiter allows it and reports whether it did.
func (l *Logger) Printf(format string, args ...any) bool {
	l.total.Add(1)
	if !l.limiter.Allow() {
		l.suppressed.Add(1)
		return false
	}
	msg := fmt.Sprintf(format, args...)
	if n := l.suppressed.Swap(0); n > 0 {
		msg = fmt.Sprintf("%s (%d similar suppressed)", msg, n)
	}
	l.log.Print(msg)
	return true
}

// Total counts every Printf call, logged or not.
func (l *Logger) Total() uint64 { return l.total.Load() }
