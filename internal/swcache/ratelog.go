package swcache

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// rateLimitedLogger emits at most one warning per interval. Dropped
// warnings are counted and reported with the next one that gets through.
type rateLimitedLogger struct {
	logger   *log.Logger
	interval time.Duration

	mu      sync.Mutex
	lastAt  time.Time
	dropped int
}

func newRateLimitedLogger(logger *log.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{logger: logger, interval: interval}
}

func (l *rateLimitedLogger) Warnf(format string, args ...any) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	dropped := l.dropped
	l.dropped = 0
	l.mu.Unlock()

	if dropped > 0 {
		l.logger.With("suppressed", dropped).Warnf(format, args...)
		return
	}
	l.logger.Warnf(format, args...)
}
