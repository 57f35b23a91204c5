package logx

import "golang.org/x/time/rate"

// Limited wraps a Logger with a token-bucket gate so that high-frequency
// call sites (per-run debug lines, queue-full warnings) cannot flood the
// sinks. Messages over the budget are dropped, not queued.
type Limited struct {
	log     Logger
	limiter *rate.Limiter
}

// NewLimited returns a gated logger allowing about perSec messages per
// second with an equal burst. perSec values below 1 are raised to 1.
func NewLimited(log Logger, perSec int) *Limited {
	if perSec < 1 {
		perSec = 1
	}
	return &Limited{
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(perSec), perSec),
	}
}

func (l *Limited) Debug(msg string, fields ...Field) {
	if l.limiter.Allow() {
		l.log.Debug(msg, fields...)
	}
}

func (l *Limited) Info(msg string, fields ...Field) {
	if l.limiter.Allow() {
		l.log.Info(msg, fields...)
	}
}

func (l *Limited) Warn(msg string, fields ...Field) {
	if l.limiter.Allow() {
		l.log.Warn(msg, fields...)
	}
}
