package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestNew_Defaults(t *testing.T) {
	e := New(CodeStorage, "db down", CategoryTransient)
	if !e.Retryable {
		t.Error("transient fault should default to retryable")
	}
	if e.Severity != SeverityWarning {
		t.Errorf("transient fault severity = %v, want warning", e.Severity)
	}

	p := New(CodeInvalidRequest, "bad input", CategoryPermanent)
	if p.Retryable {
		t.Error("permanent fault should not be retryable")
	}
	if p.Severity != SeverityError {
		t.Errorf("permanent fault severity = %v, want error", p.Severity)
	}
}

func TestError_UnwrapChain(t *testing.T) {
	root := errors.New("connection refused")
	e := Storage(root)

	if !errors.Is(e, root) {
		t.Error("errors.Is should find the wrapped cause")
	}

	wrapped := fmt.Errorf("saving checkpoint: %w", e)
	var fe *Error
	if !errors.As(wrapped, &fe) {
		t.Fatal("errors.As should find the fault in the chain")
	}
	if fe.FaultCode != CodeStorage {
		t.Errorf("code = %v, want %v", fe.FaultCode, CodeStorage)
	}
}

func TestCode(t *testing.T) {
	if got := Code(NotFound("instance", "i-1")); got != CodeNotFound {
		t.Errorf("Code() = %v, want %v", got, CodeNotFound)
	}
	if got := Code(errors.New("plain")); got != CodeInternal {
		t.Errorf("Code() on plain error = %v, want %v", got, CodeInternal)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(AtCapacity(32)) {
		t.Error("at-capacity fault should be retryable")
	}
	if IsRetryable(Invalid("nope")) {
		t.Error("invalid-request fault should not be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain error should not be retryable")
	}
	if !IsRetryable(fmt.Errorf("outer: %w", Storage(errors.New("x")))) {
		t.Error("wrapped storage fault should stay retryable")
	}
}

func TestNotFound_Attributes(t *testing.T) {
	e := NotFound("image", "img-9")
	if e.Attributes["entity"] != "image" || e.Attributes["id"] != "img-9" {
		t.Errorf("unexpected attributes: %v", e.Attributes)
	}
	if !IsNotFound(e) {
		t.Error("IsNotFound should be true")
	}
	if IsNotFound(Invalid("x")) {
		t.Error("IsNotFound should be false for other codes")
	}
}
