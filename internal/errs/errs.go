// Package errs holds the domain error taxonomy shared by the stream registry,
// the recording coordinator and the lifecycle service. Errors are wrapped with
// fmt.Errorf("%w: ...") and matched with errors.Is.
package errs

import (
	"errors"
	"net/http"
)

var (
	// ErrValidation is bad caller input (e.g. scheduled start in the past).
	ErrValidation = errors.New("validation error")
	// ErrNotFound is an unknown stream or recording id.
	ErrNotFound = errors.New("not found")
	// ErrIllegalTransition is a state machine violation; the caller must re-fetch.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrInvalidState is an operation attempted while the stream is not in the required state.
	ErrInvalidState = errors.New("invalid state")
	// ErrForbidden is an authorization failure.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict is a duplicate active recording.
	ErrConflict = errors.New("conflict")

	// ErrProviderUnavailable is a provider timeout, transport error or open circuit.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderRejected is the provider refusing a request as malformed.
	ErrProviderRejected = errors.New("provider rejected request")
	// ErrProviderNotFound is the provider having no record of a stream or recording.
	ErrProviderNotFound = errors.New("provider resource not found")
	// ErrProviderError is any other provider failure.
	ErrProviderError = errors.New("provider error")

	// ErrPartialFailure is provider and local state drifting apart after a failed compensation.
	ErrPartialFailure = errors.New("partial failure")
)

// Status maps an error to the HTTP status code controllers respond with.
func Status(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrInvalidState), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPartialFailure):
		return http.StatusInternalServerError
	case errors.Is(err, ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrProviderRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrProviderNotFound), errors.Is(err, ErrProviderError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsProvider reports whether err originated at the streaming provider.
func IsProvider(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrProviderRejected) ||
		errors.Is(err, ErrProviderNotFound) ||
		errors.Is(err, ErrProviderError)
}
