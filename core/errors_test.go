package core

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNetworkError_IsAndUnwrap(t *testing.T) {
	inner := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("fetching key: %w", &NetworkError{Attempts: 3, Err: inner})

	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected errors.Is(err, ErrNetwork) to hold, got false")
	}
	if errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected network error not to match ErrInvalidToken")
	}
	if !errors.Is(err, inner) {
		t.Fatalf("expected unwrap chain to reach the underlying error")
	}

	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Fatalf("expected errors.As to find *NetworkError")
	}
	if ne.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", ne.Attempts)
	}
}

func TestNetworkError_Message(t *testing.T) {
	err := &NetworkError{Attempts: 3, Err: errors.New("503 from backend")}
	want := "auth backend unreachable after 3 attempts: 503 from backend"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}

	bare := &NetworkError{Attempts: 1}
	if bare.Error() != "auth backend unreachable after 1 attempts" {
		t.Fatalf("unexpected message without inner error: %q", bare.Error())
	}
}

func TestInvalidTokenError_Is(t *testing.T) {
	err := &InvalidTokenError{Reason: "audience mismatch"}

	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected errors.Is(err, ErrInvalidToken) to hold")
	}
	if errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected invalid-token error not to match ErrTokenExpired")
	}
	if err.Error() != "invalid token: audience mismatch" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestTokenExpiredError_Message(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	err := &TokenExpiredError{ExpiredAt: at}

	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected errors.Is(err, ErrTokenExpired) to hold")
	}
	if errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expiry not to be classified as invalid token")
	}
	if err.Error() != "token expired at 2025-06-01T12:00:00Z" {
		t.Fatalf("unexpected message: %q", err.Error())
	}

	zero := &TokenExpiredError{}
	if zero.Error() != "token expired" {
		t.Fatalf("unexpected zero-time message: %q", zero.Error())
	}
}
