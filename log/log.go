// Package log provides the leveled, key-value logger used throughout
// this module: Crit/Error/Warn/Info/Debug/Trace each take a message
// followed by alternating key-value pairs.
package log

import (
	"log/slog"
	"os"
)

var root = slog.New(slog.NewTextHandler(os.Stderr, nil))

// SetOutput swaps the handler backing the package logger. Tests use this
// to capture or silence output.
func SetOutput(h slog.Handler) {
	root = slog.New(h)
}

func Trace(msg string, kv ...any) { root.Debug(msg, kv...) }
func Debug(msg string, kv ...any) { root.Debug(msg, kv...) }
func Info(msg string, kv ...any)  { root.Info(msg, kv...) }
func Warn(msg string, kv ...any)  { root.Warn(msg, kv...) }
func Error(msg string, kv ...any) { root.Error(msg, kv...) }

// Crit logs at error level and terminates the process. The record store
// façade (store.Store) uses this for any corruption or I/O failure: a
// partial write against the on-disk record graph is not safe to continue
// from, so the process aborts rather than propagating a silent lie.
func Crit(msg string, kv ...any) {
	root.Error(msg, kv...)
	os.Exit(1)
}
