package platform

import "errors"

var (
	// ErrInvalidAddress means the number cannot be normalized into a
	// platform address.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrNotRegistered means the number is valid but not registered on the
	// platform.
	ErrNotRegistered = errors.New("number not registered on platform")

	// ErrUnavailable means the gateway could not serve the call right now.
	// The scheduler retries these with backoff.
	ErrUnavailable = errors.New("platform gateway unavailable")

	// ErrSessionLost means the platform session itself is broken and must
	// be re-established by the external bootstrap. The tracker surfaces one
	// coarse error event per outage instead of one per contact.
	ErrSessionLost = errors.New("platform session lost")
)
