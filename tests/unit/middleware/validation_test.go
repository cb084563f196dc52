package middleware_test

import (
	"strings"
	"testing"
	"time"

	. "leasegate/pkg/api/middleware"
)

func TestValidator_ValidateResource_AcceptsNormalPaths(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	tests := []string{
		"/locks/db-migrate",
		"/salt/minions/web01.example.com",
		"/jobs/nightly_backup/v2",
		"/a",
	}

	for _, path := range tests {
		if err := v.ValidateResource(path); err != nil {
			t.Errorf("expected resource '%s' to be valid, got error: %v", path, err)
		}
	}
}

func TestValidator_ValidateResource_RejectsMalformedPaths(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	tests := []string{
		"",
		"/",
		"locks/relative",
		"/locks//double",
		"/locks/trailing/",
		"/locks/../escape",
		"/locks/with space",
		"/locks/queue",  // collides with the waiting queue
		"/leases/inner", // collides with the lease directory
	}

	for _, path := range tests {
		if err := v.ValidateResource(path); err == nil {
			t.Errorf("expected resource '%s' to be rejected", path)
		}
	}
}

func TestValidator_ValidateResource_RejectsTooLongOrDeep(t *testing.T) {
	config := DefaultValidatorConfig()
	config.MaxPathLength = 10
	config.MaxPathDepth = 2
	v := NewValidator(config)

	if err := v.ValidateResource("/this/is/too/long"); err == nil {
		t.Error("expected error for too long resource")
	}
	if err := v.ValidateResource("/a/b/c"); err == nil {
		t.Error("expected error for too deep resource")
	}
}

func TestValidator_ValidateResource_AllowedPrefixes(t *testing.T) {
	config := DefaultValidatorConfig()
	config.AllowedPrefixes = []string{"/locks"}
	v := NewValidator(config)

	if err := v.ValidateResource("/locks/a"); err != nil {
		t.Errorf("expected /locks/a to be allowed, got %v", err)
	}
	if err := v.ValidateResource("/lockstep"); err == nil {
		t.Error("expected /lockstep to be outside the prefix")
	}
}

func TestValidator_ValidateConcurrency(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	if err := v.ValidateConcurrency(1); err != nil {
		t.Errorf("expected 1 to be valid, got %v", err)
	}
	for _, n := range []int{0, -3, 10001} {
		if err := v.ValidateConcurrency(n); err == nil {
			t.Errorf("expected max_concurrency %d to be rejected", n)
		}
	}
}

func TestValidator_ValidateTimeout(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	if err := v.ValidateTimeout(0); err != nil {
		t.Errorf("expected zero timeout to be valid, got %v", err)
	}
	if err := v.ValidateTimeout(-time.Second); err == nil {
		t.Error("expected negative timeout to be rejected")
	}
	if err := v.ValidateTimeout(time.Hour); err == nil {
		t.Error("expected timeout above maximum to be rejected")
	}
}

func TestValidator_ValidateIdentifier(t *testing.T) {
	config := DefaultValidatorConfig()
	config.MaxIdentifierLength = 5
	v := NewValidator(config)

	if err := v.ValidateIdentifier(""); err != nil {
		t.Errorf("expected empty identifier to be valid, got %v", err)
	}
	if err := v.ValidateIdentifier(strings.Repeat("x", 6)); err == nil {
		t.Error("expected too long identifier to be rejected")
	}
	if err := v.ValidateIdentifier("a\nb"); err == nil {
		t.Error("expected identifier with newline to be rejected")
	}
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Field:   "resource",
		Message: "is required",
	}

	expected := "resource: is required"
	if err.Error() != expected {
		t.Errorf("expected '%s', got '%s'", expected, err.Error())
	}
}
