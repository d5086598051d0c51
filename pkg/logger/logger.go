// Package logger provides structured, leveled logging for tuicd.
//
// Call sites use a key/value convention (logger.Info(msg, "key", val, ...))
// so a single Init swaps the handler and output without touching any
// caller. File output is rotated through lumberjack.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls logger construction. It mirrors the config.LogConfig
// fields the gateway-style YAML exposes.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // text, json
	Output     string // stdout, stderr, file
	File       string // path when Output == "file"
	MaxSize    int    // megabytes before rotation
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

var (
	def   atomic.Pointer[slog.Logger]
	initM sync.Mutex
)

func init() {
	def.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// Init installs cfg as the process-wide default logger. It is safe to call
// once at startup; later calls replace the handler atomically.
func Init(cfg *Config) error {
	initM.Lock()
	defer initM.Unlock()

	var w io.Writer
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	case "file":
		if cfg.File == "" {
			return errFileRequired
		}
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSize, 100),
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	default:
		w = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}

	def.Store(slog.New(h))
	return nil
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Debug logs at debug level with structured key/value pairs.
func Debug(msg string, kv ...any) { def.Load().Debug(msg, kv...) }

// Info logs at info level with structured key/value pairs.
func Info(msg string, kv ...any) { def.Load().Info(msg, kv...) }

// Warn logs at warn level with structured key/value pairs.
func Warn(msg string, kv ...any) { def.Load().Warn(msg, kv...) }

// Error logs at error level with structured key/value pairs.
func Error(msg string, kv ...any) { def.Load().Error(msg, kv...) }

// With returns a logger scoped to the given key/value pairs, for callers
// that want to avoid repeating the same fields on every call (e.g. a
// per-connection logger tagged with conn_id).
func With(kv ...any) *slog.Logger { return def.Load().With(kv...) }

type fileRequiredErr struct{}

func (fileRequiredErr) Error() string { return "logger: file output requires a file path" }

var errFileRequired error = fileRequiredErr{}
