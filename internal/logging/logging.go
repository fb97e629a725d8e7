// Package logging provides the relayer's line-oriented JSON log format:
//
//	{"timestamp":"…","level":"info","action":"settle.ok","data":{…},"error":"…"}
//
// The message becomes "action", every attribute except "error" is nested
// under "data", and "error" stays at the top level.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

const (
	KeyTimestamp = "timestamp"
	KeyLevel     = "level"
	KeyAction    = "action"
	KeyData      = "data"
	KeyError     = "error"
)

// NewJSON returns a logger writing one JSON object per line to w.
func NewJSON(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(NewHandler(w, level))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ParseLevel maps debug/info/warn/error to a slog level.
func ParseLevel(s string) (slog.Level, bool) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, false
	}
	return l, true
}

type handler struct {
	inner  slog.Handler
	attrs  []slog.Attr
	groups []string
	err    *slog.Attr
}

func NewHandler(w io.Writer, level slog.Leveler) slog.Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) != 0 {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				a.Key = KeyTimestamp
				a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z07:00"))
			case slog.LevelKey:
				a.Key = KeyLevel
				a.Value = slog.StringValue(strings.ToLower(a.Value.String()))
			case slog.MessageKey:
				a.Key = KeyAction
			}
			return a
		},
	})
	return &handler{inner: inner}
}

func (h *handler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	data := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	data = append(data, h.attrs...)
	errAttr := h.err

	var own []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		if len(h.groups) == 0 && a.Key == KeyError {
			e := errorAttr(a)
			errAttr = &e
			return true
		}
		own = append(own, a)
		return true
	})
	data = append(data, nest(h.groups, own)...)

	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	if len(data) > 0 {
		out.AddAttrs(slog.Attr{Key: KeyData, Value: slog.GroupValue(data...)})
	}
	if errAttr != nil {
		out.AddAttrs(*errAttr)
	}
	return h.inner.Handle(ctx, out)
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	n := h.clone()
	var own []slog.Attr
	for _, a := range attrs {
		if len(h.groups) == 0 && a.Key == KeyError {
			e := errorAttr(a)
			n.err = &e
			continue
		}
		own = append(own, a)
	}
	n.attrs = append(n.attrs, nest(h.groups, own)...)
	return n
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	n := h.clone()
	n.groups = append(n.groups, name)
	return n
}

func (h *handler) clone() *handler {
	return &handler{
		inner:  h.inner,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
		err:    h.err,
	}
}

func nest(groups []string, attrs []slog.Attr) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	for i := len(groups) - 1; i >= 0; i-- {
		attrs = []slog.Attr{{Key: groups[i], Value: slog.GroupValue(attrs...)}}
	}
	return attrs
}

func errorAttr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindAny {
		if err, ok := v.Any().(error); ok {
			return slog.String(KeyError, err.Error())
		}
	}
	return slog.String(KeyError, v.String())
}
