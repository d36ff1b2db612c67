package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"
)

type Config struct {
	DataDir string
	DevMode bool
}

// Init installs the process-wide slog logger.
// The host writes to dataDir/server.log unless DevMode is set, in which case it
// writes to stdout. LOG_FILE overrides the file path, LOG_FORMAT=json switches
// to the JSON handler and LOG_LEVEL picks the minimum level.
func Init(cfg Config) {
	level := parseLevel(os.Getenv("LOG_LEVEL"))
	opts := &slog.HandlerOptions{Level: level}

	var w io.Writer = os.Stdout

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" && !cfg.DevMode && cfg.DataDir != "" {
		logFile = filepath.Join(cfg.DataDir, "server.log")
	}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			slog.Error("failed to create log directory, using stdout only", "file", logFile, "error", err)
		} else {
			f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				slog.Error("failed to open log file, using stdout only", "file", logFile, "error", err)
			} else {
				w = f
			}
		}
	}

	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewRequestLogger returns a logger tagged with a fresh requestId.
func NewRequestLogger() *slog.Logger {
	return slog.With("requestId", uuid.Must(uuid.NewV7()).String())
}

// LogPanic records a recovered panic value together with the goroutine stack.
func LogPanic(r any, msg string, args ...any) {
	args = append(args, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
	slog.Error(msg, args...)
}

// Truncate shortens s to at most maxLen runes, appending "..." when cut.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
