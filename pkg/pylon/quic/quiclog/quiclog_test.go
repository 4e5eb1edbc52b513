package quiclog

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestLogger(buf *bytes.Buffer) *Logger {
	base := logrus.New()
	base.SetOutput(buf)
	base.SetLevel(logrus.DebugLevel)
	return New(logrus.NewEntry(base), "test-conn-1")
}

func TestStateTransitionIncludesCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)

	l.StateTransition(stringerStub("a"), stringerStub("b"))

	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("test-conn-1")) {
		t.Errorf("log line %q should contain the correlation id", out)
	}
	if !bytes.Contains([]byte(out), []byte("state transition")) {
		t.Errorf("log line %q should contain the event name", out)
	}
}

func TestSegmentDroppedWithAndWithoutError(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)

	l.SegmentDropped(stringerStub("aead_check"), errors.New("boom"))
	if out := buf.String(); !bytes.Contains([]byte(out), []byte("boom")) {
		t.Errorf("log line %q should contain the wrapped error", out)
	}

	buf.Reset()
	l.SegmentDropped(stringerStub("duplicate"), nil)
	if out := buf.String(); !bytes.Contains([]byte(out), []byte("duplicate")) {
		t.Errorf("log line %q should contain the error kind even without an error", out)
	}
}

func TestKeyRotationAndStatelessReset(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)

	l.KeyRotation(true, "2026-01-01T00:00:00Z")
	if out := buf.String(); !bytes.Contains([]byte(out), []byte("key phase rotation")) {
		t.Errorf("log line %q should describe key rotation", out)
	}

	buf.Reset()
	l.StatelessResetDetected()
	if out := buf.String(); !bytes.Contains([]byte(out), []byte("stateless reset detected")) {
		t.Errorf("log line %q should describe stateless reset detection", out)
	}
}

type stringerStub string

func (s stringerStub) String() string { return string(s) }
