package logging

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "15:04:05.000000"

// zlogger renders logs through zerolog's console writer. Microsecond
// timestamps keep consecutive slot indications distinguishable.
type zlogger struct {
	l zerolog.Logger
}

func newConsole(level string, w io.Writer) Logger {
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	zl := zerolog.New(cw).Level(parseZerologLevel(level)).With().Timestamp().Logger()
	return &zlogger{l: zl}
}

func (z *zlogger) With(fields ...Field) Logger {
	ctx := z.l.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &zlogger{l: ctx.Logger()}
}

func (z *zlogger) Debug(_ context.Context, msg string, fields ...Field) {
	emit(z.l.Debug(), msg, fields)
}

func (z *zlogger) Info(_ context.Context, msg string, fields ...Field) {
	emit(z.l.Info(), msg, fields)
}

func (z *zlogger) Warn(_ context.Context, msg string, fields ...Field) {
	emit(z.l.Warn(), msg, fields)
}

func (z *zlogger) Error(_ context.Context, msg string, fields ...Field) {
	emit(z.l.Error(), msg, fields)
}

// emit tolerates a nil event, which zerolog returns for disabled levels.
func emit(e *zerolog.Event, msg string, fields []Field) {
	if e == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			e.Str(f.Key, v)
		case int:
			e.Int(f.Key, v)
		case uint64:
			e.Uint64(f.Key, v)
		case bool:
			e.Bool(f.Key, v)
		case time.Duration:
			e.Dur(f.Key, v)
		default:
			e.Interface(f.Key, v)
		}
	}
	e.Msg(msg)
}

func parseZerologLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
