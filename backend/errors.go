package backend

import (
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from the auth backend on a plain REST call.
// Exchange and refresh failures surface as wrapped oauth2 errors instead.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("auth backend returned %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("auth backend returned %d", e.StatusCode)
}

// Retryable reports whether the response signals transient trouble (server
// fault or throttling) rather than a request the backend refused outright.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}
