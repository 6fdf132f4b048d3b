package logger

import "go.uber.org/zap/zapcore"

// Verbosity levels for the CLI -v flag count.
const (
	VerbosityDefault = 0 // info and above
	VerbosityDebug   = 1 // -v: + debug (fetch attempts, migrations skipped)
	VerbosityQuiet   = -1
)

// VerbosityToLevel maps a -v count to a zap level.
//
//	-1     -> WarnLevel
//	0      -> InfoLevel
//	1+     -> DebugLevel
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity < 0:
		return zapcore.WarnLevel
	case verbosity == VerbosityDefault:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
