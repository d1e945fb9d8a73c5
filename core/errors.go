package core

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for the three failure classes this library reports.
// Branch with errors.Is; reach for the carrier types below with errors.As
// when the extra fields matter.
var (
	// ErrNetwork marks failures to reach the auth backend. Retryable.
	ErrNetwork = errors.New("auth backend unreachable")
	// ErrInvalidToken marks tokens rejected for structural, signature,
	// audience, issuer, or claim-shape reasons. Not retryable with the
	// same token.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired marks tokens rejected only because they expired.
	// The remediation is a token refresh, not a retry.
	ErrTokenExpired = errors.New("token expired")
)

// NetworkError reports that the auth backend could not be reached after the
// full fetch retry sequence ran to exhaustion.
type NetworkError struct {
	Attempts int   // fetch attempts made before giving up
	Err      error // last underlying failure
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth backend unreachable after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("auth backend unreachable after %d attempts", e.Attempts)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// InvalidTokenError reports a token rejected during verification.
type InvalidTokenError struct {
	Reason string // rejection reason, safe to log
	Err    error  // underlying parser or crypto error, when there is one
}

func (e *InvalidTokenError) Error() string { return "invalid token: " + e.Reason }

func (e *InvalidTokenError) Unwrap() error { return e.Err }

func (e *InvalidTokenError) Is(target error) bool { return target == ErrInvalidToken }

// TokenExpiredError reports a token that verified except for its expiry.
type TokenExpiredError struct {
	ExpiredAt time.Time // zero when the expiry instant could not be recovered
}

func (e *TokenExpiredError) Error() string {
	if e.ExpiredAt.IsZero() {
		return "token expired"
	}
	return "token expired at " + e.ExpiredAt.UTC().Format(time.RFC3339)
}

func (e *TokenExpiredError) Is(target error) bool { return target == ErrTokenExpired }
