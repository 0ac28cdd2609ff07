// Package logger wraps log/slog with printf helpers and component-scoped
// loggers. Level, output and format can change at runtime.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	levelVar slog.LevelVar
	current  atomic.Pointer[slog.Logger]

	mu         sync.Mutex
	output     io.Writer = os.Stdout
	jsonFormat bool
)

func init() {
	rebuild()
}

// rebuild swaps the handler; callers hold mu or run during init.
func rebuild() {
	opts := &slog.HandlerOptions{Level: &levelVar}
	var h slog.Handler
	if jsonFormat {
		h = slog.NewJSONHandler(output, opts)
	} else {
		h = slog.NewTextHandler(output, opts)
	}
	current.Store(slog.New(h))
}

// SetOutput redirects every logger, including ones returned by Named.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	mu.Lock()
	defer mu.Unlock()
	output = w
	rebuild()
}

// SetFormat selects "json" or the default text handler.
func SetFormat(format string) {
	mu.Lock()
	defer mu.Unlock()
	jsonFormat = strings.EqualFold(strings.TrimSpace(format), "json")
	rebuild()
}

// SetLevel accepts debug, info, warn(ing) and error. Anything else means info.
func SetLevel(level string) {
	level = strings.TrimSpace(level)
	if strings.EqualFold(level, "warning") {
		level = "warn"
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	levelVar.Set(l)
}

// Level reports the active level.
func Level() slog.Level { return levelVar.Level() }

func logf(l *slog.Logger, lvl slog.Level, format string, v []any) {
	if !l.Enabled(context.Background(), lvl) {
		return
	}
	l.Log(context.Background(), lvl, fmt.Sprintf(format, v...))
}

func Debugf(format string, v ...any) { logf(current.Load(), slog.LevelDebug, format, v) }
func Infof(format string, v ...any)  { logf(current.Load(), slog.LevelInfo, format, v) }
func Warnf(format string, v ...any)  { logf(current.Load(), slog.LevelWarn, format, v) }
func Errorf(format string, v ...any) { logf(current.Load(), slog.LevelError, format, v) }

// Component tags every record with component=name. The base logger is
// resolved per call so SetOutput after construction still applies.
type Component struct {
	name string
}

func Named(name string) Component {
	return Component{name: strings.TrimSpace(name)}
}

func (c Component) logger() *slog.Logger {
	l := current.Load()
	if c.name == "" {
		return l
	}
	return l.With("component", c.name)
}

func (c Component) Debugf(format string, v ...any) { logf(c.logger(), slog.LevelDebug, format, v) }
func (c Component) Infof(format string, v ...any)  { logf(c.logger(), slog.LevelInfo, format, v) }
func (c Component) Warnf(format string, v ...any)  { logf(c.logger(), slog.LevelWarn, format, v) }
func (c Component) Errorf(format string, v ...any) { logf(c.logger(), slog.LevelError, format, v) }

// With returns the slog logger carrying extra attributes for call sites that
// want structured fields.
func (c Component) With(args ...any) *slog.Logger {
	return c.logger().With(args...)
}
