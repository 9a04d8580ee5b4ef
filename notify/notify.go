// Package notify carries status reports and operator notifications out of
// the supervisor.
package notify

import (
	"go.uber.org/zap"

	"github.com/topoface/node-supervisor/status"
)

// Severity classifies an operator notification.
type Severity string

const (
	Info    Severity = "info"
	Warning Severity = "warning"
	Error   Severity = "error"
)

// Notifier surfaces a one-shot message to the operator. Implementations must
// not block the caller.
type Notifier interface {
	Notify(severity Severity, message string)
}

// Reporter receives every freshly determined status.
type Reporter interface {
	Report(s status.Status)
}

// Sink is both a Reporter and a Notifier.
type Sink interface {
	Notifier
	Reporter
}

// LogSink writes reports and notifications to a zap logger.
type LogSink struct {
	logger *zap.SugaredLogger
}

var _ Sink = (*LogSink)(nil)

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: logger.Named("notify")}
}

func (l *LogSink) Notify(severity Severity, message string) {
	switch severity {
	case Error:
		l.logger.Errorw(message, "severity", severity)
	case Warning:
		l.logger.Warnw(message, "severity", severity)
	default:
		l.logger.Infow(message, "severity", severity)
	}
}

func (l *LogSink) Report(s status.Status) {
	l.logger.Infow("status", "status", s)
}

// Multi fans reports and notifications out to several sinks in order.
type Multi []Sink

var _ Sink = Multi(nil)

func (m Multi) Notify(severity Severity, message string) {
	for _, s := range m {
		s.Notify(severity, message)
	}
}

func (m Multi) Report(st status.Status) {
	for _, s := range m {
		s.Report(st)
	}
}
