package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestAppErrorString(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(cause, PersistFailed, "write capture").WithMetadata("dir", "/tmp/x")

	s := err.Error()
	for _, want := range []string{"[PERSIST_FAILED]", "write capture", "dir:/tmp/x", "caused by: disk full"} {
		if !strings.Contains(s, want) {
			t.Errorf("Error() = %q, missing %q", s, want)
		}
	}
	if !stderrors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{StartRejected, http.StatusConflict},
		{InvalidArgument, http.StatusBadRequest},
		{CaptureFailed, http.StatusServiceUnavailable},
		{Code("SOMETHING_ELSE"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := New(tt.code, "x").HTTPStatus(); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestRejected(t *testing.T) {
	err := Rejected(ReasonNoRegion, "no capture region selected")
	if err.Code != StartRejected {
		t.Errorf("Code = %s, want %s", err.Code, StartRejected)
	}
	if err.Reason() != ReasonNoRegion {
		t.Errorf("Reason() = %q, want %q", err.Reason(), ReasonNoRegion)
	}
}

func TestIsCodeThroughWrapping(t *testing.T) {
	base := New(CaptureFailed, "display unavailable")
	wrapped := fmt.Errorf("cycle 3: %w", base)

	if !IsCode(wrapped, CaptureFailed) {
		t.Error("IsCode should see through fmt.Errorf wrapping")
	}
	if IsCode(wrapped, PersistFailed) {
		t.Error("IsCode matched the wrong code")
	}
	if IsCode(stderrors.New("plain"), CaptureFailed) {
		t.Error("plain errors carry no code")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(New(PersistFailed, "x")) {
		t.Error("unmarked error should not be retryable")
	}
	if !IsRetryable(New(PersistFailed, "x").Retryable()) {
		t.Error("marked error should be retryable")
	}
	if IsRetryable(stderrors.New("plain")) {
		t.Error("plain error should not be retryable")
	}
}
