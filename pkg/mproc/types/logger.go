package types

// The logging contract used across the runtime. The user can
// provide any implementation, a default leveled logger is
// available on the definition package.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})

	Warn(v ...interface{})
	Warnf(format string, v ...interface{})

	Error(v ...interface{})
	Errorf(format string, v ...interface{})

	Debug(v ...interface{})
	Debugf(format string, v ...interface{})

	// Enable or disable the debug level, returning the
	// final state.
	ToggleDebug(enable bool) bool
}
