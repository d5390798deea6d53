// Package errs holds the error taxonomy shared by the upload and retrieval
// paths. Callers wrap these sentinels with fmt.Errorf("...: %w", ...) and
// match with errors.Is.
package errs

import (
	"errors"
	"net/http"
)

var (
	// ErrValidation: bad chunk index, size or declaration mismatch. The
	// session is left untouched.
	ErrValidation = errors.New("validation failed")
	// ErrSessionNotFound: chunk refers to a session that was never started
	// or has been garbage-collected.
	ErrSessionNotFound = errors.New("upload session not found")
	ErrAuthRequired    = errors.New("passphrase required")
	ErrAuthInvalid     = errors.New("passphrase invalid")
	// ErrNotFoundOrExpired covers never existed, expired and already
	// consumed alike.
	ErrNotFoundOrExpired = errors.New("not found or expired")
	// ErrTransferInterrupted is reported client side when an upload aborts.
	ErrTransferInterrupted = errors.New("transfer interrupted")
	ErrCodeSpaceExhausted  = errors.New("could not allocate a free invite code")
	ErrTooLarge            = errors.New("file too large")
)

// Code returns the wire identifier for err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrAuthRequired):
		return "auth_required"
	case errors.Is(err, ErrAuthInvalid):
		return "auth_invalid"
	case errors.Is(err, ErrNotFoundOrExpired):
		return "not_found_or_expired"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, ErrCodeSpaceExhausted):
		return "code_space_exhausted"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps err to the response status used by the HTTP boundary.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrNotFoundOrExpired):
		return http.StatusNotFound
	case errors.Is(err, ErrAuthRequired), errors.Is(err, ErrAuthInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrCodeSpaceExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromCode is the inverse of Code, used by the client to rebuild sentinels
// from error responses. Unknown codes return nil.
func FromCode(code string) error {
	switch code {
	case "validation_error":
		return ErrValidation
	case "session_not_found":
		return ErrSessionNotFound
	case "auth_required":
		return ErrAuthRequired
	case "auth_invalid":
		return ErrAuthInvalid
	case "not_found_or_expired":
		return ErrNotFoundOrExpired
	case "too_large":
		return ErrTooLarge
	case "code_space_exhausted":
		return ErrCodeSpaceExhausted
	}
	return nil
}
