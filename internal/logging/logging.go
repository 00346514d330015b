// Package logging provides structured logging for the sandbox host and
// guest binaries.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the logger's level, encoding and destination.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // "console" (default) or "json"
	File   string // empty means stderr
}

// Logger wraps zap.Logger with shuru-specific structured-log helpers.
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger
}

// New creates a Logger from configuration. SHURU_LOG_FORMAT=json switches
// the encoder without needing a config file.
func New(cfg Config) (*Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	format := cfg.Format
	if format == "" {
		format = os.Getenv("SHURU_LOG_FORMAT")
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var output zapcore.WriteSyncer
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, err
		}
		output = zapcore.AddSync(file)
	} else {
		output = zapcore.AddSync(os.Stderr)
	}

	core := zapcore.NewCore(encoder, output, level)
	zapLogger := zap.New(core)

	return &Logger{zap: zapLogger, sugar: zapLogger.Sugar()}, nil
}

// Nop returns a Logger that discards everything, for tests and callers that
// opt out of logging.
func Nop() *Logger {
	l := zap.NewNop()
	return &Logger{zap: l, sugar: l.Sugar()}
}

func (l *Logger) Debug(msg string, kv ...any) { l.sugar.Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.sugar.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.sugar.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.sugar.Errorw(msg, kv...) }

// LogVMState records a VM lifecycle transition.
func (l *Logger) LogVMState(state string) {
	l.sugar.Infow("vm_state", "state", state)
}

// LogExec records the start of a command execution.
func (l *Logger) LogExec(argv []string, tty bool) {
	l.sugar.Infow("exec", "argv", argv, "tty", tty)
}

// LogExecExit records a command's termination code.
func (l *Logger) LogExecExit(code int32) {
	l.sugar.Infow("exec_exit", "code", code)
}

// LogMount records a mount-handshake outcome.
func (l *Logger) LogMount(tag, guestPath string, persistent, ok bool, errMsg string) {
	if ok {
		l.sugar.Infow("mount", "tag", tag, "guest_path", guestPath, "persistent", persistent)
		return
	}
	l.sugar.Warnw("mount_failed", "tag", tag, "guest_path", guestPath, "error", errMsg)
}

// LogForward records a port-forward session outcome.
func (l *Logger) LogForward(hostPort, guestPort uint16, ok bool, msg string) {
	if ok {
		l.sugar.Infow("forward_open", "host_port", hostPort, "guest_port", guestPort)
		return
	}
	l.sugar.Warnw("forward_refused", "host_port", hostPort, "guest_port", guestPort, "message", msg)
}

// Close flushes any buffered log entries.
func (l *Logger) Close() error {
	return l.zap.Sync()
}
