package logging

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Limited wraps a Logger so Debug, Info and Warn lines are dropped once the
// per-second budget is spent. Error lines always pass. The slot path logs
// through it so a burst of identical warnings cannot eat into a slot.
type Limited struct {
	base    Logger
	limiter *rate.Limiter
	dropped *atomic.Uint64
}

// NewLimited returns a rate-limited view of base allowing perSecond lines
// with an equal burst. perSecond <= 0 disables limiting.
func NewLimited(base Logger, perSecond int) *Limited {
	if base == nil {
		base = Noop()
	}
	l := &Limited{base: base, dropped: new(atomic.Uint64)}
	if perSecond > 0 {
		l.limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
	return l
}

// Dropped returns how many lines were suppressed so far.
func (l *Limited) Dropped() uint64 { return l.dropped.Load() }

func (l *Limited) allow() bool {
	if l.limiter == nil || l.limiter.Allow() {
		return true
	}
	l.dropped.Add(1)
	return false
}

func (l *Limited) Debug(ctx context.Context, msg string, fields ...Field) {
	if l.allow() {
		l.base.Debug(ctx, msg, fields...)
	}
}

func (l *Limited) Info(ctx context.Context, msg string, fields ...Field) {
	if l.allow() {
		l.base.Info(ctx, msg, fields...)
	}
}

func (l *Limited) Warn(ctx context.Context, msg string, fields ...Field) {
	if l.allow() {
		l.base.Warn(ctx, msg, fields...)
	}
}

func (l *Limited) Error(ctx context.Context, msg string, fields ...Field) {
	l.base.Error(ctx, msg, fields...)
}

// With shares the limiter with the derived logger.
func (l *Limited) With(fields ...Field) Logger {
	return &Limited{base: l.base.With(fields...), limiter: l.limiter, dropped: l.dropped}
}
