package definition

import (
	"bytes"
	"strings"
	"testing"
)

func TestDefaultLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewDefaultLoggerWithOutput("proc-1", &buf)

	logger.Infof("hello %d", 1)
	logger.Warn("careful")
	logger.Error("broken")

	out := buf.String()
	for _, want := range []string{"[INFO]: hello 1", "[WARN]: careful", "[ERROR]: broken", "proc-1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output misses %q:\n%s", want, out)
		}
	}
}

func TestDefaultLogger_DebugToggle(t *testing.T) {
	var buf bytes.Buffer
	logger := NewDefaultLoggerWithOutput("proc-2", &buf)

	logger.Debugf("hidden %s", "line")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatal("debug emitted while disabled")
	}

	if !logger.ToggleDebug(true) {
		t.Fatal("toggle did not enable debug")
	}
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "[DEBUG]: visible") {
		t.Fatal("debug not emitted while enabled")
	}
}
