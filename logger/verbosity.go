package logger

import "go.uber.org/zap/zapcore"

// Verbosity levels for the CLI -v flag count.
const (
	VerbosityUser  = 0 // results and errors only
	VerbosityInfo  = 1 // -v: + dispatch and pass progress
	VerbosityDebug = 2 // -vv: + per-task outcomes, SQL batches
	VerbosityTrace = 3 // -vvv: + connector calls
)

// VerbosityToLevel maps the -v count to a zap level.
//
//	0 (none)  -> WarnLevel
//	1 (-v)    -> InfoLevel
//	2+ (-vv)  -> DebugLevel
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= VerbosityUser:
		return zapcore.WarnLevel
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// ShouldLogTrace returns true for verbosity >= 3 (-vvv). Connectors log each
// remote call only at this level.
func ShouldLogTrace(verbosity int) bool {
	return verbosity >= VerbosityTrace
}
