package render

import (
	"context"
	"sync/atomic"

	"golang.org/x/exp/slog"
)

// LevelCritical is the level of messages that precede process
// termination.
const LevelCritical = slog.Level(12)

type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(slog.New(nopHandler{}))
}

// SetLogger sets the logger used by the renderer and its
// components. Passing nil disables logging, which is the default.
//
// Levels used:
//   - debug: adapter rejection reasons, layout and pipeline creation
//   - info: adapter selection, swapchain (re)creation, cold cache
//   - warn: degraded adapter, skipped shaders or effects, dropped draws
//   - error: failures that cost a frame or a cache save
//   - LevelCritical: fatal start-up failures
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	loggerPtr.Store(l)
}

// Logger returns the current logger.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

func errAttr(err error) slog.Attr {
	return slog.Any("error", err)
}
