package errors

import (
	stdErrors "errors"
	"testing"
)

func TestErrorIncludesInternal(t *testing.T) {
	internal := stdErrors.New("boom")
	err := Wrap(internal, "failed")

	if err.Error() != "failed: boom" {
		t.Fatalf("unexpected error string: %s", err.Error())
	}
}

func TestWithInternalCopies(t *testing.T) {
	base := New("TEST", "test", 400)
	with := base.WithInternal(stdErrors.New("oops"))

	if with == base {
		t.Fatal("expected WithInternal to return a copy")
	}

	if base.Internal != nil {
		t.Fatal("expected original error to remain unchanged")
	}

	if with.Internal == nil {
		t.Fatal("expected internal error to be set")
	}
}

func TestWithDetailsCopies(t *testing.T) {
	with := ErrRateLimit.WithDetails(map[string]any{"retry_after": 30})

	if with == ErrRateLimit {
		t.Fatal("expected WithDetails to return a copy")
	}

	if ErrRateLimit.Details != nil {
		t.Fatal("expected original error to remain unchanged")
	}

	if with.Details["retry_after"] != 30 {
		t.Fatalf("unexpected details: %v", with.Details)
	}
}

func TestIsMatchesByCode(t *testing.T) {
	with := ErrRateLimit.WithDetails(map[string]any{"retry_after": 30})

	if !stdErrors.Is(with, ErrRateLimit) {
		t.Fatal("expected detail-carrying copy to match its sentinel")
	}

	if stdErrors.Is(with, ErrUnauthorized) {
		t.Fatal("expected different codes not to match")
	}

	if stdErrors.Is(stdErrors.New("raw"), ErrRateLimit) {
		t.Fatal("expected non-app errors not to match")
	}
}

func TestFromError(t *testing.T) {
	appErr := ErrNotFound
	if out := FromError(appErr); out != appErr {
		t.Fatal("expected FromError to return the same AppError instance")
	}

	raw := stdErrors.New("raw")
	out := FromError(raw)
	if out.Code != ErrInternalServer.Code {
		t.Fatalf("expected internal server code, got %s", out.Code)
	}
	if out.Internal == nil {
		t.Fatal("expected internal error to be attached")
	}
}

func TestNewBadRequest(t *testing.T) {
	err := NewBadRequest("invalid payload")
	if err.Code != ErrBadRequest.Code {
		t.Fatalf("expected %s, got %s", ErrBadRequest.Code, err.Code)
	}
	if err.Message != "invalid payload" {
		t.Fatalf("unexpected message: %s", err.Message)
	}
	if err.StatusCode != ErrBadRequest.StatusCode {
		t.Fatalf("unexpected status: %d", err.StatusCode)
	}
}
