package lockerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestStatusErrorMatchesTransport(t *testing.T) {
	err := fmt.Errorf("token request: %w", &StatusError{Method: "POST", URL: "https://as.example/token", StatusCode: 500})
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if errors.Is(err, ErrDecode) {
		t.Fatalf("status error must not match ErrDecode")
	}
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != 500 {
		t.Fatalf("errors.As did not recover status: %v", err)
	}
}

func TestStageErrorUnwraps(t *testing.T) {
	err := &StageError{Stage: StageRegistration, Err: fmt.Errorf("%w: missing iss", ErrMalformedCredential)}
	if !errors.Is(err, ErrMalformedCredential) {
		t.Fatalf("expected ErrMalformedCredential through StageError")
	}
	if want := "lockmaster bootstrap failed at registration: lockmaster: malformed credential: missing iss"; err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
