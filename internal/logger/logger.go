package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	levelVar   slog.LevelVar
	jsonFormat atomic.Bool

	// outputMu 只保护 output；当前 logger 通过原子指针读取
	outputMu sync.Mutex
	output   io.Writer = os.Stdout
	current  atomic.Pointer[slog.Logger]
)

func init() {
	levelVar.Set(slog.LevelInfo)
	rebuild()
}

func rebuild() {
	outputMu.Lock()
	defer outputMu.Unlock()
	w := output
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: &levelVar}
	var h slog.Handler
	if jsonFormat.Load() {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	current.Store(slog.New(h))
}

func SetOutput(w io.Writer) {
	outputMu.Lock()
	output = w
	outputMu.Unlock()
	rebuild()
}

// SetFormat switches between "text" (default) and "json" output.
func SetFormat(format string) {
	jsonFormat.Store(strings.EqualFold(strings.TrimSpace(format), "json"))
	rebuild()
}

// SetLevel accepts debug/info/warn(ing)/error; anything else means info.
func SetLevel(level string) {
	levelVar.Set(parseLevel(level))
}

func parseLevel(level string) slog.Level {
	s := strings.ToLower(strings.TrimSpace(level))
	if s == "warning" {
		s = "warn"
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil || s == "" {
		return slog.LevelInfo
	}
	return l
}

func active() *slog.Logger {
	if l := current.Load(); l != nil {
		return l
	}
	return slog.Default()
}

func Debugf(format string, v ...any) { active().Debug(fmt.Sprintf(format, v...)) }
func Infof(format string, v ...any)  { active().Info(fmt.Sprintf(format, v...)) }
func Warnf(format string, v ...any)  { active().Warn(fmt.Sprintf(format, v...)) }
func Errorf(format string, v ...any) { active().Error(fmt.Sprintf(format, v...)) }

// With returns a structured logger carrying attrs, for components that log
// key/value pairs instead of formatted lines.
func With(args ...any) *slog.Logger {
	return active().With(args...)
}
