// Package logging configures the process-wide slog logger.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// KeyComponent is the attribute naming the subsystem a record comes from.
const KeyComponent = "component"

// switchableHandler lets loggers created before Init pick up the configured
// handler once Init runs.
type switchableHandler struct {
	current *atomic.Value // stores slog.Handler
	ops     []handlerOp
}

// handlerOp is one WithGroup (group set) or WithAttrs call, replayed in
// call order.
type handlerOp struct {
	group string
	attrs []slog.Attr
}

func newSwitchableHandler(h slog.Handler) *switchableHandler {
	current := &atomic.Value{}
	current.Store(h)
	return &switchableHandler{current: current}
}

func (h *switchableHandler) set(handler slog.Handler) {
	h.current.Store(handler)
}

func (h *switchableHandler) materialize() slog.Handler {
	handler := h.current.Load().(slog.Handler)
	for _, op := range h.ops {
		if op.group != "" {
			handler = handler.WithGroup(op.group)
		} else {
			handler = handler.WithAttrs(op.attrs)
		}
	}
	return handler
}

func (h *switchableHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.materialize().Enabled(ctx, level)
}

func (h *switchableHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.materialize().Handle(ctx, record)
}

func (h *switchableHandler) with(op handlerOp) *switchableHandler {
	ops := make([]handlerOp, 0, len(h.ops)+1)
	ops = append(ops, h.ops...)
	ops = append(ops, op)

	return &switchableHandler{current: h.current, ops: ops}
}

func (h *switchableHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(handlerOp{attrs: append([]slog.Attr(nil), attrs...)})
}

func (h *switchableHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(handlerOp{group: name})
}

var (
	level         = new(slog.LevelVar)
	rootHandler   = newSwitchableHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	defaultLogger = slog.New(rootHandler)
)

func init() {
	slog.SetDefault(defaultLogger)
}

// Init initializes the global logger. Call once after config is loaded.
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
// output: writer to log to (nil = os.Stderr)
func Init(format, lvl string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}

	level.Set(ParseLevel(lvl))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	rootHandler.set(handler)
}

// SetLevel changes the level of every logger at runtime.
func SetLevel(lvl string) {
	level.Set(ParseLevel(lvl))
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// ParseLevel maps a level name to a slog level. Unknown names are Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
