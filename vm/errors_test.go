package vm

import (
	"bytes"
	"testing"
)

func TestDiagnosticShape(t *testing.T) {
	p := &ErrorPayload{Code: ErrDivideByZero, Message: "division by zero"}
	if got := p.Diagnostic(); got != "error[E001]: division by zero" {
		t.Errorf("Diagnostic = %q", got)
	}
	// No message: the code's description stands in.
	p = &ErrorPayload{Code: ErrTypeMismatch}
	if got := p.Diagnostic(); got != "error[E002]: type mismatch" {
		t.Errorf("Diagnostic = %q", got)
	}
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)
	s.ReportError(&ErrorPayload{Code: ErrOverflow, Message: "too big"})
	s.ReportError(&ErrorPayload{Code: ErrBadCall, Message: "nope"})
	want := "error[E003]: too big\nerror[E004]: nope\n"
	if buf.String() != want {
		t.Errorf("sink output = %q, want %q", buf.String(), want)
	}
}

func TestTopLevelErrorMessage(t *testing.T) {
	e := &TopLevelError{Code: ErrDivideByZero, Message: "division by zero"}
	if e.Error() != "error[E001]: division by zero" {
		t.Errorf("Error = %q", e.Error())
	}
}
