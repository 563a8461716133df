// Package logger wraps zap with the small interface every other package
// depends on, so call sites never import zap directly.
package logger

import (
	"time"

	"go.uber.org/zap"
)

// Field is a structured logging field.
type Field = zap.Field

// Level names the supported verbosity levels, independent of zap's own enum.
type Level int

const (
	LevelQuiet Level = iota
	LevelInfo
	LevelDebug
	LevelTrace
)

// Logger is the logging surface consumed by the rest of the module.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	Sync() error
}

func String(key, val string) Field        { return zap.String(key, val) }
func Int(key string, val int) Field       { return zap.Int(key, val) }
func Int64(key string, v int64) Field     { return zap.Int64(key, v) }
func Bool(key string, v bool) Field       { return zap.Bool(key, v) }
func Err(err error) Field                 { return zap.Error(err) }
func Duration(key string, v time.Duration) Field { return zap.Duration(key, v) }
