package definition

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/jabolina/go-mproc/pkg/mproc/types"
)

const calldepth = 2

// Severity prefixes stamped on every line.
const (
	info   = "INFO"
	warn   = "WARN"
	errorl = "ERROR"
	debug  = "DEBUG"
)

// The default logger used if the user does not provide its
// own implementation. A leveled wrapper over the standard
// library logger, with a toggleable debug level.
type DefaultLogger struct {
	*log.Logger
	debug bool
}

// Creates the default logger writing to stderr, tagged with
// the given process name.
func NewDefaultLogger(name string) *DefaultLogger {
	return NewDefaultLoggerWithOutput(name, os.Stderr)
}

// Creates the default logger writing to the given output.
func NewDefaultLoggerWithOutput(name string, out io.Writer) *DefaultLogger {
	return &DefaultLogger{
		Logger: log.New(out, name+" ", log.LstdFlags),
		debug:  false,
	}
}

// Use the given log level as prefix.
func level(prefix, message string) string {
	return fmt.Sprintf("[%s]: %s", prefix, message)
}

func (l *DefaultLogger) Info(v ...interface{}) {
	l.Output(calldepth, level(info, fmt.Sprint(v...)))
}

func (l *DefaultLogger) Infof(format string, v ...interface{}) {
	l.Output(calldepth, level(info, fmt.Sprintf(format, v...)))
}

func (l *DefaultLogger) Warn(v ...interface{}) {
	l.Output(calldepth, level(warn, fmt.Sprint(v...)))
}

func (l *DefaultLogger) Warnf(format string, v ...interface{}) {
	l.Output(calldepth, level(warn, fmt.Sprintf(format, v...)))
}

func (l *DefaultLogger) Error(v ...interface{}) {
	l.Output(calldepth, level(errorl, fmt.Sprint(v...)))
}

func (l *DefaultLogger) Errorf(format string, v ...interface{}) {
	l.Output(calldepth, level(errorl, fmt.Sprintf(format, v...)))
}

func (l *DefaultLogger) Debug(v ...interface{}) {
	if l.debug {
		l.Output(calldepth, level(debug, fmt.Sprint(v...)))
	}
}

func (l *DefaultLogger) Debugf(format string, v ...interface{}) {
	if l.debug {
		l.Output(calldepth, level(debug, fmt.Sprintf(format, v...)))
	}
}

func (l *DefaultLogger) ToggleDebug(enable bool) bool {
	l.debug = enable
	return l.debug
}

var _ types.Logger = (*DefaultLogger)(nil)
