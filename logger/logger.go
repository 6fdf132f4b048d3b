// Package logger holds the process-wide zap logger and the field vocabulary
// shared by every component.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the process-wide logger. It discards everything until
	// Initialize runs.
	Logger = zap.NewNop().Sugar()

	// JSONOutput records whether Initialize selected structured output
	JSONOutput bool
)

// Initialize replaces the global logger. jsonOutput picks the production JSON
// encoder; the console encoder prints short timestamps and colored levels.
// verbosity is the CLI -v count.
func Initialize(jsonOutput bool, verbosity int) error {
	level := zap.NewAtomicLevelAt(VerbosityToLevel(verbosity))

	build := newConsole
	if jsonOutput {
		build = newJSON
	}
	l, err := build(level)
	if err != nil {
		return err
	}

	Logger = l.Sugar()
	JSONOutput = jsonOutput
	return nil
}

func newJSON(level zap.AtomicLevel) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	return cfg.Build()
}

func newConsole(level zap.AtomicLevel) (*zap.Logger, error) {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), level)
	return zap.New(core), nil
}

// Cleanup flushes buffered entries. Sync errors on a terminal are ignored.
func Cleanup() {
	_ = Logger.Sync()
}

func Infow(msg string, keysAndValues ...interface{})  { Logger.Infow(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...interface{})  { Logger.Warnw(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...interface{}) { Logger.Errorw(msg, keysAndValues...) }
func Debugw(msg string, keysAndValues ...interface{}) { Logger.Debugw(msg, keysAndValues...) }
