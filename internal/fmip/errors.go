package fmip

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth is returned when the service rejects the account credentials (HTTP 401).
	ErrAuth = errors.New("fmip: authentication failed")

	// ErrMalformedResponse is returned when a response body is not a device list at all.
	ErrMalformedResponse = errors.New("fmip: malformed response")
)

// TransportError reports a failed request that was not an auth rejection.
// StatusCode is 0 when no HTTP response was received.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fmip: %s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("fmip: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError describes one device entry that could not be normalized.
// These are logged and the entry skipped; they never fail a refresh.
type ParseError struct {
	Index    int
	DeviceID string
	Field    string
	Err      error
}

func (e *ParseError) Error() string {
	id := e.DeviceID
	if id == "" {
		id = "?"
	}
	if e.Field != "" {
		return fmt.Sprintf("device entry %d (%s): missing or invalid %q", e.Index, id, e.Field)
	}
	return fmt.Sprintf("device entry %d (%s): %v", e.Index, id, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// AlertError is the failure of a single play-sound request.
type AlertError struct {
	DeviceID string
	Err      error
}

func (e *AlertError) Error() string {
	return fmt.Sprintf("play sound on %s: %v", e.DeviceID, e.Err)
}

func (e *AlertError) Unwrap() error { return e.Err }
