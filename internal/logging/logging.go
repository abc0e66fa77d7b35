// Package logging builds the structured logger every jackgo component is
// constructed with. It follows the teacher's commons.Logger calling
// convention (Infow/Warnw/Errorw/Debugw taking alternating key-value
// pairs) backed by go.uber.org/zap, with gopkg.in/natefinch/lumberjack.v2
// rotating the on-disk engine log when one is configured.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the structured logging interface threaded through every jackgo
// component constructor. It is intentionally small and matches the
// teacher's commons.Logger call sites (the teacher's own commons package
// was not present in the retrieved pack, so this interface was
// reconstructed from its usage in base_streamer.go, rtp_port_allocator.go,
// and BaseTelephonyStreamer).
type Logger interface {
	Debugw(msg string, kv ...any)
	Infow(msg string, kv ...any)
	Warnw(msg string, kv ...any)
	Errorw(msg string, kv ...any)
	Debug(args ...any)
	Info(args ...any)
	Warn(args ...any)
	Error(args ...any)
	// Named returns a child logger tagged with an extra component name,
	// for per-subsystem log lines (e.g. logger.Named("graph")).
	Named(name string) Logger
	// Sync flushes any buffered log entries; call during shutdown.
	Sync() error
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// Options configures New.
type Options struct {
	// Verbose enables debug-level logging to stderr (the launcher's -v
	// flag, spec §6).
	Verbose bool
	// FilePath, if non-empty, additionally writes JSON-encoded logs to a
	// lumberjack-rotated file.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds a Logger writing human-readable logs to stderr and, if
// Options.FilePath is set, JSON logs to a rotating file.
func New(opts Options) Logger {
	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}

	consoleEncoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), level),
	}

	if opts.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    orDefault(opts.MaxSizeMB, 64),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 14),
			Compress:   true,
		}
		jsonEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.AddSync(rotator), level))
	}

	core := zapcore.NewTee(cores...)
	l := zap.New(core, zap.AddCaller())
	return &zapLogger{s: l.Sugar()}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (z *zapLogger) Debugw(msg string, kv ...any) { z.s.Debugw(msg, kv...) }
func (z *zapLogger) Infow(msg string, kv ...any)  { z.s.Infow(msg, kv...) }
func (z *zapLogger) Warnw(msg string, kv ...any)  { z.s.Warnw(msg, kv...) }
func (z *zapLogger) Errorw(msg string, kv ...any) { z.s.Errorw(msg, kv...) }
func (z *zapLogger) Debug(args ...any)             { z.s.Debug(args...) }
func (z *zapLogger) Info(args ...any)              { z.s.Info(args...) }
func (z *zapLogger) Warn(args ...any)              { z.s.Warn(args...) }
func (z *zapLogger) Error(args ...any)             { z.s.Error(args...) }
func (z *zapLogger) Sync() error                   { return z.s.Sync() }

func (z *zapLogger) Named(name string) Logger {
	return &zapLogger{s: z.s.Named(name)}
}

// Nop returns a Logger that discards everything, for tests that don't
// care about log output.
func Nop() Logger { return &zapLogger{s: zap.NewNop().Sugar()} }
