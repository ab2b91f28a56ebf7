package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestErrorMatchesByCode(t *testing.T) {
	sentinel := New(CodeConflict, "agent busy")
	wrapped := fmt.Errorf("outer: %w", Wrap(CodeConflict, stdErrors.New("boom"), "another message"))

	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if stdErrors.Is(wrapped, New(CodeNotFound, "")) {
		t.Fatalf("different codes must not match")
	}
	if CodeOf(wrapped) != CodeConflict {
		t.Fatalf("unexpected code: %s", CodeOf(wrapped))
	}
}

func TestErrorStringIncludesCause(t *testing.T) {
	err := Wrap(CodeStorageFailure, stdErrors.New("disk full"), "write history")
	want := "[STORAGE_FAILURE] write history: disk full"
	if err.Error() != want {
		t.Fatalf("unexpected message: got %q want %q", err.Error(), want)
	}
	if New(CodeTimeout, "").Message() != "operation timed out" {
		t.Fatalf("expected default message from registry")
	}
}

func TestRegisteredAttributes(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true, Alert: true})

	err := New(code, "")
	if !RetryableError(err) || !ShouldAlert(err) {
		t.Fatalf("expected registered attributes to apply: %+v", AttributesOf(code))
	}
	if SeverityOf(err) != SeverityWarning {
		t.Fatalf("unexpected severity: %s", SeverityOf(err))
	}
	if SeverityOf(New(code, "", WithSeverity(SeverityCritical))) != SeverityCritical {
		t.Fatalf("expected severity override")
	}
	if AttributesOf("NEVER_REGISTERED").Message != "unknown error" {
		t.Fatalf("expected fallback to unknown attributes")
	}
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(CodeInvalidArgument, "bad", WithMetadata("field", "name"))
	md := err.Metadata()
	md["field"] = "changed"
	if err.Metadata()["field"] != "name" {
		t.Fatalf("metadata should be returned as a copy")
	}
	if _, ok := From(stdErrors.New("plain")); ok {
		t.Fatalf("plain errors are not coded errors")
	}
}
