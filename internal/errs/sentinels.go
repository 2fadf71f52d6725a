// Package errs contains the error taxonomy shared by every layer of the courier client.
package errs

import "errors"

// Sentinels, one per error kind. Match them with errors.Is.
var (
	// ErrNetwork indicates a transport failure, a missing or 5xx response, or a cancelled request.
	ErrNetwork = errors.New("network_error")

	// ErrUnauthorized indicates a 401 response or a missing/invalid session.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation indicates a 400/422 response or a payload that failed schema checks.
	ErrValidation = errors.New("validation_error")

	// ErrUnknown indicates anything uncategorized.
	ErrUnknown = errors.New("unknown_error")

	// ErrNotFound indicates the requested key or entity does not exist.
	ErrNotFound = errors.New("not found")
)
