// Package logging provides categorized structured logging for concierge.
// Each subsystem logs under its own category so operators can trace one
// request through classification, dispatch, and synthesis. Backed by zap;
// until Init is called every logger is a no-op, which keeps tests quiet.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup/shutdown
	CategoryConfig       Category = "config"       // Config loading and hot reload
	CategoryOrchestrator Category = "orchestrator" // Pipeline state transitions
	CategoryIntent       Category = "intent"       // Intent classification
	CategoryResponder    Category = "responder"    // Responder dispatch
	CategoryVault        Category = "vault"        // Credential cache (never logs token material)
	CategoryLLM          Category = "llm"          // Completion capability calls
	CategoryGraph        Category = "graph"        // Enterprise-data capability calls
	CategoryChannel      Category = "channel"      // Inbound channels (ws/http/tui)
)

var (
	mu   sync.RWMutex
	root = zap.NewNop()
)

// Init installs the process-wide logger. level is one of debug/info/warn/error,
// format is "json" or "console". Safe to call more than once; the last call wins.
func Init(level, format string) error {
	var lvl zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = zapcore.DebugLevel
	case "info", "":
		lvl = zapcore.InfoLevel
	case "warn", "warning":
		lvl = zapcore.WarnLevel
	case "error":
		lvl = zapcore.ErrorLevel
	default:
		return fmt.Errorf("unknown log level %q", level)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch strings.ToLower(format) {
	case "console", "text":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json", "":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)

	mu.Lock()
	root = zap.New(core)
	mu.Unlock()
	return nil
}

// SetLogger replaces the root logger. Tests use this with zaptest or zap.NewNop.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	root = l
}

// L returns the root zap logger for callers that want structured fields.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	_ = L().Sync()
}

// Logger is a category-scoped printf-style logger.
type Logger struct {
	s *zap.SugaredLogger
}

// Get returns a logger for the given category.
func Get(category Category) *Logger {
	return &Logger{s: L().Sugar().With("cat", string(category))}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.s.Errorf(format, args...) }

// With returns a logger with an extra key/value pair attached (request ids etc).
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{s: l.s.With(key, value)}
}
