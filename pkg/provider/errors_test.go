package provider

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"retryable", NewRetryableError("timeout", nil), KindRetryable},
		{"fatal", NewFatalError("bad template", nil), KindFatal},
		{"not found", NewNotFoundError("gone", nil), KindNotFound},
		{"wrapped", fmt.Errorf("stop vm: %w", NewRetryableError("timeout", nil)), KindRetryable},
		{"unclassified", errors.New("plain"), KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestKindPredicates(t *testing.T) {
	retryable := NewRetryableError("timeout", nil)
	fatal := NewFatalError("bad template", nil)
	notFound := NewNotFoundError("gone", nil)
	plain := errors.New("plain")

	if !IsRetryable(retryable) || IsRetryable(fatal) || IsRetryable(plain) {
		t.Error("IsRetryable misclassifies")
	}
	if !IsFatal(fatal) || IsFatal(retryable) {
		t.Error("IsFatal misclassifies")
	}
	// Unclassified errors are treated as fatal by Classify, but the
	// predicate only recognizes explicit classification.
	if IsFatal(plain) {
		t.Error("Expected IsFatal to reject unclassified errors")
	}
	if !IsNotFound(notFound) || IsNotFound(fatal) || IsNotFound(plain) {
		t.Error("IsNotFound misclassifies")
	}
}

func TestErrorMessageCarriesContext(t *testing.T) {
	err := NewRetryableError("api busy", errors.New("503")).WithVMID("104").WithOp("start")

	msg := err.Error()
	for _, want := range []string{"retryable", "api busy", "vmid=104", "op=start", "503"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected message to contain %q, got: %s", want, msg)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewRetryableError("api busy", cause)

	if !errors.Is(err, cause) {
		t.Error("Expected errors.Is to reach the cause")
	}
}

func TestErrorIs_MatchesByKind(t *testing.T) {
	a := NewNotFoundError("vm gone", nil).WithVMID("104")
	b := NewNotFoundError("different text", nil)

	if !errors.Is(a, b) {
		t.Error("Expected errors of the same kind to match")
	}
	if errors.Is(a, NewFatalError("x", nil)) {
		t.Error("Expected errors of different kinds not to match")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Resolve("svc1"); err == nil {
		t.Fatal("Expected an error resolving an unregistered service")
	}

	r.Register("svc1", nil)
	if _, err := r.Resolve("svc1"); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	ids := r.ServiceIDs()
	if len(ids) != 1 || ids[0] != "svc1" {
		t.Errorf("Expected [svc1], got %v", ids)
	}

	r.Unregister("svc1")
	if _, err := r.Resolve("svc1"); err == nil {
		t.Error("Expected an error after unregister")
	}
}
