package vm

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ---------------------------------------------------------------------------
// Value-level errors
// ---------------------------------------------------------------------------
//
// Failed operations produce an Error-tagged value (an owned cell holding an
// ErrorPayload), not a Go error. Error values travel through registers and
// calls exactly like any other value; they are defused only at TRY/EXPECT
// sites or at a noexcept function boundary.

// ErrCode classifies a value-level error.
type ErrCode int

const (
	ErrDivideByZero ErrCode = iota + 1
	ErrTypeMismatch
	ErrOverflow
	ErrBadCall
	ErrUnhandled
)

func (c ErrCode) String() string {
	switch c {
	case ErrDivideByZero:
		return "division by zero"
	case ErrTypeMismatch:
		return "type mismatch"
	case ErrOverflow:
		return "integer overflow"
	case ErrBadCall:
		return "bad call"
	case ErrUnhandled:
		return "unhandled error"
	default:
		return fmt.Sprintf("error(%d)", int(c))
	}
}

// Diagnostic renders the payload in the fixed diagnostic shape:
// error[E00N]: message.
func (p *ErrorPayload) Diagnostic() string {
	if p.Message == "" {
		return fmt.Sprintf("error[E%03d]: %s", int(p.Code), p.Code)
	}
	return fmt.Sprintf("error[E%03d]: %s", int(p.Code), p.Message)
}

// ---------------------------------------------------------------------------
// Diagnostic sink
// ---------------------------------------------------------------------------

// ErrorSink receives diagnostics whenever an error value reaches a TRY site
// or a noexcept boundary. The sink is threaded explicitly through the VM so
// concurrent executions can report independently; it must be safe for
// concurrent use.
type ErrorSink interface {
	ReportError(p *ErrorPayload)
}

// WriterSink writes one diagnostic line per reported error.
type WriterSink struct {
	mu sync.Mutex
	W  io.Writer
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{W: w}
}

// ReportError implements ErrorSink.
func (s *WriterSink) ReportError(p *ErrorPayload) {
	s.mu.Lock()
	fmt.Fprintln(s.W, p.Diagnostic())
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Top-level (non-value) failures
// ---------------------------------------------------------------------------

// ErrStackOverflow reports that a call exceeded the configured maximum
// frame depth. It aborts the running call stack and surfaces at the
// execution entry point; it is not catchable from bytecode.
var ErrStackOverflow = errors.New("stack overflow: maximum call depth exceeded")

// TopLevelError wraps an error value that reached the execution entry point
// without being handled.
type TopLevelError struct {
	Code    ErrCode
	Message string
}

func (e *TopLevelError) Error() string {
	return (&ErrorPayload{Code: e.Code, Message: e.Message}).Diagnostic()
}
