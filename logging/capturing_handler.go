package logging

import (
	"context"
	"log/slog"
	"strings"
)

const (
	attrTaskID = "task_id"
	attrRunID  = "run_id"
)

// CapturingHandler wraps an slog.Handler, recording every record into a LogCollector
// under one task run while passing it on.
//
// Capture ignores the wrapped handler's level: a run's history keeps its DEBUG lines even
// when the process log is at INFO. Attributes inside groups are captured with dotted
// keys ("order.item").
type CapturingHandler struct {
	next      slog.Handler
	collector *LogCollector
	run       RunRef
	attrs     []slog.Attr // keys already qualified by group
	groups    []string
}

// NewCapturingHandler creates a CapturingHandler for run.
func NewCapturingHandler(next slog.Handler, collector *LogCollector, run RunRef) *CapturingHandler {
	return &CapturingHandler{
		next:      next,
		collector: collector,
		run:       run,
	}
}

// Enabled always returns true so every level is captured.
func (h *CapturingHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

// Handle captures r and forwards it if the wrapped handler accepts its level.
func (h *CapturingHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:       r.Time,
		Level:      r.Level.String(),
		Message:    r.Message,
		Attributes: make(map[string]any, r.NumAttrs()+len(h.attrs)+2),
	}
	entry.Attributes[attrTaskID] = h.run.TaskID
	entry.Attributes[attrRunID] = h.run.RunID
	for _, a := range h.attrs {
		entry.Attributes[a.Key] = captureValue(a.Value)
	}
	prefix := h.prefix()
	r.Attrs(func(a slog.Attr) bool {
		entry.Attributes[prefix+a.Key] = captureValue(a.Value)
		return true
	})
	h.collector.Add(h.run, entry)

	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

// WithAttrs returns a CapturingHandler, not the wrapped handler, so capture survives
// logger.With chains.
func (h *CapturingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := h.prefix()
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		merged = append(merged, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}

	clone := *h
	clone.next = h.next.WithAttrs(attrs)
	clone.attrs = merged
	return &clone
}

// WithGroup returns a CapturingHandler that qualifies later attributes with name.
func (h *CapturingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.next = h.next.WithGroup(name)
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

func (h *CapturingHandler) prefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}

// captureValue converts a slog.Value to something encoding/json can store in a run
// record.
func captureValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return v.Int64()
	case slog.KindUint64:
		return v.Uint64()
	case slog.KindFloat64:
		return v.Float64()
	case slog.KindBool:
		return v.Bool()
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time()
	case slog.KindGroup:
		attrs := v.Group()
		group := make(map[string]any, len(attrs))
		for _, a := range attrs {
			group[a.Key] = captureValue(a.Value)
		}
		return group
	default:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	}
}
