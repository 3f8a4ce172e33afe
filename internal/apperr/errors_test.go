package apperr

import (
	"fmt"
	"net/http"
	"testing"
)

func TestCodeUnwrapsSentinels(t *testing.T) {
	err := fmt.Errorf("place account: %w", ErrAlreadyPlaced)
	if got := Code(err); got != "already_placed" {
		t.Fatalf("expected already_placed got %s", got)
	}
	if got := HTTPStatus(err); got != http.StatusConflict {
		t.Fatalf("expected 409 got %d", got)
	}
}

func TestValidationError(t *testing.T) {
	err := fmt.Errorf("apply: %w", Validation("balance", "unknown balance %q", "gold"))
	if !IsValidation(err) {
		t.Fatalf("expected validation error")
	}
	if got := Code(err); got != "validation_error" {
		t.Fatalf("expected validation_error got %s", got)
	}
	if got := HTTPStatus(err); got != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", got)
	}
	if Code(fmt.Errorf("boom")) != "internal" {
		t.Fatalf("expected internal for unknown errors")
	}
}
