// Package log provides structured logging for tarsier using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with tarsier-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// Shorter timestamps in development
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Install logs a routine-level callback insertion during instrumentation
// install.
func (l *Logger) Install(point, name string, addr uint64) {
	l.Debug("insert",
		zap.String("point", point),
		Fn(name),
		Addr(addr),
	)
}

// ImageLoad logs a recorded module descriptor.
func (l *Logger) ImageLoad(path string, base, size uint64) {
	l.Debug("image",
		zap.String("path", path),
		zap.String("base", Hex(base)),
		zap.Uint64("size", size),
	)
}

// TriggerFlip logs a trigger state change with the address that caused it.
func (l *Logger) TriggerFlip(active bool, addr uint64) {
	l.Debug("trigger",
		zap.Bool("active", active),
		Addr(addr),
	)
}

// Signal logs an intercepted signal before the script hook runs.
func (l *Logger) Signal(threadID, sig int) {
	l.Warn("signal",
		Thread(threadID),
		Sig(sig),
	)
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Thread creates a thread-id field.
func Thread(id int) zap.Field {
	return zap.Int("tid", id)
}

// Sig creates a signal-number field.
func Sig(sig int) zap.Field {
	return zap.Int("sig", sig)
}

// Fn creates a routine name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}

// Err creates an error field.
func Err(err error) zap.Field {
	return zap.Error(err)
}
