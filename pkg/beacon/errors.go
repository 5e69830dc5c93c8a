package beacon

import (
	"errors"
	"fmt"
)

// Sentinel errors for beacon API calls.
var (
	// ErrNotFound indicates the node has no such block, header or state.
	ErrNotFound = errors.New("beacon resource not found")

	// ErrUnavailable indicates the node could not serve the request
	// (transport failure or 5xx) after retries.
	ErrUnavailable = errors.New("beacon node unavailable")

	// ErrRejected indicates the node refused the request (4xx other than 404).
	ErrRejected = errors.New("beacon request rejected")

	// ErrMalformedResponse indicates a response body that could not be decoded.
	ErrMalformedResponse = errors.New("malformed beacon response")
)

// APIError wraps a failed beacon API call with its request path and status.
type APIError struct {
	// Path is the API path requested, e.g. "/eth/v1/beacon/genesis".
	Path string

	// StatusCode is the HTTP status, zero for transport failures.
	StatusCode int

	// Message is the node's error message, if any.
	Message string

	// Err is the underlying classification error.
	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		if e.Message != "" {
			return fmt.Sprintf("beacon %s: status %d: %s: %v", e.Path, e.StatusCode, e.Message, e.Err)
		}
		return fmt.Sprintf("beacon %s: status %d: %v", e.Path, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("beacon %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *APIError) Unwrap() error {
	return e.Err
}

// IsNotFound returns true if the error indicates a missing beacon resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUnavailable returns true if the beacon node could not serve the request.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
