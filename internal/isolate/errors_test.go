package isolate

import (
	"errors"
	"testing"
)

func TestBoxUnavailableError_Unwraps(t *testing.T) {
	inner := errors.New("init exploded")
	err := &BoxUnavailableError{BoxID: 5, Err: inner}

	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to see through BoxUnavailableError to its wrapped cause")
	}
	if err.Error() == "" {
		t.Error("expected non-empty error message")
	}
}

func TestIsolatorInternalError_UnwrapsWhenErrSet(t *testing.T) {
	inner := errors.New("read failed")
	err := &IsolatorInternalError{BoxID: 3, Err: inner}

	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to see through IsolatorInternalError to its wrapped cause")
	}
}

func TestIsolatorInternalError_MessageWithoutErr(t *testing.T) {
	err := &IsolatorInternalError{BoxID: 3, Command: []string{"isolate", "--run"}}
	msg := err.Error()
	if msg == "" {
		t.Error("expected a non-empty message built from the command when Err is nil")
	}
}

func TestBoxBusyError_CarriesBoxID(t *testing.T) {
	err := &BoxBusyError{BoxID: 42}
	if err.BoxID != 42 {
		t.Errorf("expected BoxID 42, got %d", err.BoxID)
	}
}
