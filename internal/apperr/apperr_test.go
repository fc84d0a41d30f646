package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestValidationError_IsSentinel(t *testing.T) {
	err := Invalid(map[string]string{
		"name":   "name is required",
		"market": "market is required",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatal("expected errors.Is(err, ErrValidation)")
	}
	wrapped := fmt.Errorf("create rule: %w", err)
	fields := FieldErrors(wrapped)
	if len(fields) != 2 {
		t.Fatalf("expected 2 field errors, got %d", len(fields))
	}
	if got := err.Error(); got != "market is required; name is required" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestInvalid_EmptyIsNil(t *testing.T) {
	if err := Invalid(nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestMessage_StripsSentinel(t *testing.T) {
	err := Conflict("locate request %s already processed", "abc")
	if !errors.Is(err, ErrConflict) {
		t.Fatal("expected conflict")
	}
	if got := Message(err); got != "locate request abc already processed" {
		t.Errorf("unexpected message %q", got)
	}

	nf := NotFound("security %s not found", "XYZ")
	if got := Message(nf); got != "security XYZ not found" {
		t.Errorf("unexpected message %q", got)
	}
}
