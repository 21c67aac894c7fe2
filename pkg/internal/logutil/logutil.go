package logutil

import (
    "context"
    "fmt"
    "log"
    "log/slog"
    "os"
    "sync/atomic"
)

var (
    jsonMode  atomic.Bool
    debugMode atomic.Bool
)

func init() {
    if os.Getenv("VR_LOG_JSON") == "1" || os.Getenv("VR_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
    if os.Getenv("VR_LOG_LEVEL") == "debug" {
        debugMode.Store(true)
    }
}

// SetJSON switches between prefixed text lines and one JSON object per line.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// SetDebug enables Debugf output.
func SetDebug(enabled bool) { debugMode.Store(enabled) }

func Debugf(l *log.Logger, f string, args ...any) {
    if !debugMode.Load() { return }
    logf(l, slog.LevelDebug, f, args...)
}
func Infof(l *log.Logger, f string, args ...any)  { logf(l, slog.LevelInfo, f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, slog.LevelWarn, f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, slog.LevelError, f, args...) }

func logf(l *log.Logger, level slog.Level, f string, args ...any) {
    if l == nil { l = log.Default() }
    msg := fmt.Sprintf(f, args...)
    if jsonMode.Load() {
        h := slog.NewJSONHandler(l.Writer(), &slog.HandlerOptions{Level: slog.LevelDebug})
        slog.New(h).Log(context.Background(), level, msg)
        return
    }
    prefix(l, level.String()+" ").Print(msg)
}

func prefix(l *log.Logger, p string) *log.Logger {
    return log.New(l.Writer(), p+l.Prefix(), l.Flags())
}
