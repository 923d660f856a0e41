package logger

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// slogBridge adapts log/slog calls (chi middleware speaks slog) onto the
// service's zerolog output. Context fields set via WithRequestID and friends
// flow through every bridged record.
type slogBridge struct {
	zl     *zerolog.Logger
	prefix string
	attrs  []slog.Attr
}

func NewSlog(zl *zerolog.Logger) *slog.Logger {
	return slog.New(&slogBridge{zl: zl})
}

func (b *slogBridge) Enabled(_ context.Context, l slog.Level) bool {
	return levelOf(l) >= zerolog.GlobalLevel()
}

func (b *slogBridge) Handle(ctx context.Context, r slog.Record) error {
	ev := FromContext(ctx, b.zl).WithLevel(levelOf(r.Level))
	for _, a := range b.attrs {
		writeAttr(ev, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(ev, b.prefix, a)
		return true
	})
	ev.Msg(r.Message)
	return nil
}

// WithAttrs qualifies keys with the prefix in force when the attr was added,
// so attrs set before a WithGroup stay unprefixed.
func (b *slogBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *b
	cp.attrs = append([]slog.Attr(nil), b.attrs...)
	for _, a := range attrs {
		a.Key = b.prefix + a.Key
		cp.attrs = append(cp.attrs, a)
	}
	return &cp
}

// WithGroup qualifies subsequent keys with "<name>." rather than nesting,
// keeping the output flat for grep.
func (b *slogBridge) WithGroup(name string) slog.Handler {
	if name == "" {
		return b
	}
	cp := *b
	cp.prefix = b.prefix + name + "."
	return &cp
}

func levelOf(l slog.Level) zerolog.Level {
	switch {
	case l < slog.LevelInfo:
		return zerolog.DebugLevel
	case l < slog.LevelWarn:
		return zerolog.InfoLevel
	case l < slog.LevelError:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

func writeAttr(ev *zerolog.Event, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	key := prefix + a.Key
	switch a.Value.Kind() {
	case slog.KindString:
		ev.Str(key, a.Value.String())
	case slog.KindInt64:
		ev.Int64(key, a.Value.Int64())
	case slog.KindUint64:
		ev.Uint64(key, a.Value.Uint64())
	case slog.KindFloat64:
		ev.Float64(key, a.Value.Float64())
	case slog.KindBool:
		ev.Bool(key, a.Value.Bool())
	case slog.KindDuration:
		ev.Dur(key, a.Value.Duration())
	case slog.KindTime:
		ev.Time(key, a.Value.Time())
	case slog.KindGroup:
		for _, g := range a.Value.Group() {
			writeAttr(ev, key+".", g)
		}
	default:
		ev.Interface(key, a.Value.Any())
	}
}
