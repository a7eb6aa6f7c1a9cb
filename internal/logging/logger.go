package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects what the daemon logger writes.
type Options struct {
	Session string
	UserID  string
	// Debug lowers both outputs to debug level.
	Debug bool
	// Quiet drops the stderr output.
	Quiet bool
}

// New creates a zap logger that writes JSON to the given log file path
// and also writes to stderr. Session, user and PID are included as initial fields.
func New(logPath string, opts Options) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(file), level),
	}
	if !opts.Quiet {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(os.Stderr), level))
	}

	fields := []zap.Field{
		zap.String("session", opts.Session),
		zap.Int("pid", os.Getpid()),
	}
	if opts.UserID != "" {
		fields = append(fields, zap.String("user", opts.UserID))
	}
	return zap.New(zapcore.NewTee(cores...), zap.Fields(fields...)), nil
}
