package logging

import (
	"bytes"
	"testing"
)

func TestOrNopHandlesTypedNilPointers(t *testing.T) {
	var typed *slogPrintfLogger
	var logger Logger = typed
	if !IsNil(logger) {
		t.Fatalf("expected typed nil pointer to be detected")
	}
	safe := OrNop(logger)
	if IsNil(safe) {
		t.Fatalf("expected OrNop to return a usable logger")
	}
	safe.Info("hello %s", "world") // should not panic
}

func TestComponentLoggerFormatsMessages(t *testing.T) {
	buf := &bytes.Buffer{}
	Configure(Config{Level: "info", Format: "text", Output: buf})
	defer Configure(Config{Level: "info", Format: "text"})

	logger := NewComponentLogger("test")
	logger.Info("hello %s", "world")

	if got := buf.String(); got == "" {
		t.Fatalf("expected log output")
	}
	if want := "hello world"; !bytes.Contains(buf.Bytes(), []byte(want)) {
		t.Fatalf("expected %q in output, got %q", want, buf.String())
	}
	if want := "component=test"; !bytes.Contains(buf.Bytes(), []byte(want)) {
		t.Fatalf("expected %q in output, got %q", want, buf.String())
	}
}

func TestConfigureRespectsLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	Configure(Config{Level: "warn", Format: "text", Output: buf})
	defer Configure(Config{Level: "info", Format: "text"})

	logger := NewComponentLogger("test")
	logger.Info("should be dropped")
	logger.Warn("should be kept")

	if bytes.Contains(buf.Bytes(), []byte("should be dropped")) {
		t.Fatalf("info output leaked past warn level: %q", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("should be kept")) {
		t.Fatalf("expected warn output, got %q", buf.String())
	}
}

func TestMultiFansOut(t *testing.T) {
	buf := &bytes.Buffer{}
	Configure(Config{Level: "debug", Format: "text", Output: buf})
	defer Configure(Config{Level: "info", Format: "text"})

	logger := Multi(Nop(), NewComponentLogger("a"), nil)
	logger.Debug("fan %s", "out")

	if !bytes.Contains(buf.Bytes(), []byte("fan out")) {
		t.Fatalf("expected fan-out output, got %q", buf.String())
	}
}
