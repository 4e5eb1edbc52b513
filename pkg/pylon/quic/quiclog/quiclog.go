// Package quiclog wraps logrus with the small, fixed set of structured
// events a QUIC endpoint core actually wants visibility into: state
// transitions, key rotation, stateless-reset detection, and segment-level
// drops. It is not a general logging facade — callers reach for a
// *Logger's named methods instead of formatting their own fields, so
// every pylon log line for a given event looks the same regardless of
// call site.
package quiclog

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Logger is a per-connection structured logger, pre-populated with a
// correlation id so its lines can be grepped together.
type Logger struct {
	entry *logrus.Entry
}

// New builds a Logger from base (typically cfg.Logger) tagged with
// correlationID under the "conn" field.
func New(base *logrus.Entry, correlationID string) *Logger {
	return &Logger{entry: base.WithField("conn", correlationID)}
}

// StateTransition logs a connection state-machine transition.
func (l *Logger) StateTransition(from, to fmt.Stringer) {
	l.entry.WithFields(logrus.Fields{"from": from, "to": to}).Debug("state transition")
}

// SegmentDropped logs a segment-level drop, labeled by the error kind
// that caused it.
func (l *Logger) SegmentDropped(kind fmt.Stringer, err error) {
	e := l.entry.WithField("kind", kind)
	if err != nil {
		e = e.WithError(err)
	}
	e.Debug("dropping segment")
}

// CoalescedSegmentMismatch logs a coalesced datagram whose segments
// disagree on destination connection ID.
func (l *Logger) CoalescedSegmentMismatch() {
	l.entry.Debug("coalesced segments disagree on destination CID")
}

// ConnectionError logs a connection-level error that drives the state
// machine into closing.
func (l *Logger) ConnectionError(err error) {
	l.entry.WithError(err).Warn("connection error")
}

// KeyRotation logs an application-epoch key-phase flip and the deadline
// the retired phase remains acceptable under.
func (l *Logger) KeyRotation(newPhase bool, rotationDeadline string) {
	l.entry.WithFields(logrus.Fields{"phase": newPhase, "deadline": rotationDeadline}).Info("key phase rotation")
}

// StatelessResetDetected logs a peer's stateless reset being recognized
// on an active connection.
func (l *Logger) StatelessResetDetected() {
	l.entry.Info("stateless reset detected")
}
