package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

// TestEngineErrorClassification tests that constructors carry the right
// kind and class.
func TestEngineErrorClassification(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name      string
		err       *EngineError
		kind      ErrorKind
		retryable bool
		check     func(error) bool
	}{
		{"configuration", NewConfigurationError("bad mapping", cause), KindConfiguration, false, IsConfiguration},
		{"required value", NewRequiredValueMissingError("mail"), KindRequiredValueMissing, false, IsPermanent},
		{"translation", NewTranslationError("pull transformer of level failed", cause), KindTranslation, false, IsPermanent},
		{"unavailable", NewConnectorUnavailableError("pool closed", cause), KindConnectorUnavailable, true, IsTransient},
		{"native", NewNativeOperationError("rejected", cause), KindNativeOperation, false, IsPermanent},
		{"timeout", NewTimeoutError("slow", cause), KindTimeout, true, IsTimeout},
		{"throttled", NewThrottledError("quota", cause), KindNativeOperation, true, IsThrottled},
		{"ambiguous", NewMatchAmbiguousError("uid=1", []string{"a", "b"}), KindMatchAmbiguous, false, IsConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("failed to propagate: %w", tt.err)
			if got := KindOf(wrapped); got != tt.kind {
				t.Errorf("KindOf() = %s, want %s", got, tt.kind)
			}
			if got := IsRetryable(wrapped); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
			if !tt.check(wrapped) {
				t.Error("classification predicate returned false")
			}
		})
	}

	if KindOf(cause) != "" || IsRetryable(cause) || IsConfiguration(nil) {
		t.Error("plain errors must not classify")
	}
}

// TestEngineErrorMessage tests message formatting and context chaining.
func TestEngineErrorMessage(t *testing.T) {
	err := NewNativeOperationError("create failed", errors.New("duplicate entry")).
		WithResource("ldap").
		WithOperation("CREATE")

	want := "NativeOperationFailure (resource=ldap, operation=CREATE): create failed: duplicate entry"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	onlyResource := NewTimeoutError("slow", nil).WithResource("hr")
	if !strings.HasPrefix(onlyResource.Error(), "TimeoutError (resource=hr)") {
		t.Errorf("Error() = %q", onlyResource.Error())
	}

	missing := NewRequiredValueMissingError("mail")
	if missing.Details["attribute"] != "mail" || missing.Code != ErrCodeRequiredValue {
		t.Errorf("required value error = %+v", missing)
	}
	ambiguous := NewMatchAmbiguousError("uid=1", []string{"a", "b"})
	if keys, ok := ambiguous.Details["matches"].([]string); !ok || len(keys) != 2 {
		t.Errorf("matches detail = %v", ambiguous.Details["matches"])
	}
}

// TestEngineErrorIs tests errors.Is on kind and code, and unwrapping to the cause.
func TestEngineErrorIs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewTimeoutError("acquire", ErrConnectionBroken))

	if !errors.Is(err, &EngineError{Kind: KindTimeout, Code: ErrCodeTimeout}) {
		t.Error("errors.Is should match on kind and code")
	}
	if errors.Is(err, &EngineError{Kind: KindTimeout, Code: ErrCodeRejected}) {
		t.Error("errors.Is must not match a different code")
	}
	if !errors.Is(err, ErrConnectionBroken) {
		t.Error("errors.Is should reach the cause")
	}
}
