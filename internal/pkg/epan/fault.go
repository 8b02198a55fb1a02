package epan

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/endorses/lippytap/internal/pkg/logger"
)

// Severity grades a dissector fault.
type Severity int

const (
	// SeverityWarning is a recoverable oddity a decoder chose to report.
	SeverityWarning Severity = iota
	// SeverityBug is a defect in a decoder, including a recovered panic.
	SeverityBug
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityBug:
		return "bug"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// DissectorFault describes a decoder defect, as opposed to a malformed packet.
type DissectorFault struct {
	Protocol string
	Frame    uint32
	Message  string
	Severity Severity
}

func (f DissectorFault) String() string {
	return fmt.Sprintf("%s fault in %s (frame %d): %s", f.Severity, f.Protocol, f.Frame, f.Message)
}

// FaultSink receives dissector faults. Whether a fault aborts the pass is the
// sink's decision.
type FaultSink interface {
	Report(f DissectorFault)
}

// FaultSinkFunc adapts a function to FaultSink.
type FaultSinkFunc func(f DissectorFault)

// Report calls fn(f).
func (fn FaultSinkFunc) Report(f DissectorFault) { fn(f) }

// AbortError is the panic value raised by AbortOnFaultSink.
type AbortError struct {
	Fault DissectorFault
}

func (e *AbortError) Error() string {
	return "dissection aborted: " + e.Fault.String()
}

// LoggingFaultSink logs each fault and lets dissection continue.
type LoggingFaultSink struct {
	Logger *slog.Logger
}

// Report logs f at warn level for warnings and error level for bugs.
func (s LoggingFaultSink) Report(f DissectorFault) {
	l := s.Logger
	if l == nil {
		l = logger.Get()
	}
	level := slog.LevelWarn
	if f.Severity == SeverityBug {
		level = slog.LevelError
	}
	l.Log(context.Background(), level, "Dissector fault",
		"protocol", f.Protocol,
		"frame", f.Frame,
		"severity", f.Severity.String(),
		"message", f.Message)
}

// AbortOnFaultSink is the strict mode used for development and fuzzing:
// faults at or above MinSeverity panic with *AbortError, lower ones are
// passed to Next.
type AbortOnFaultSink struct {
	MinSeverity Severity
	Next        FaultSink
}

// Report panics for severe faults.
func (s AbortOnFaultSink) Report(f DissectorFault) {
	if f.Severity >= s.MinSeverity {
		panic(&AbortError{Fault: f})
	}
	if s.Next != nil {
		s.Next.Report(f)
	}
}
