package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a unique constraint was violated.
	ErrConflict = errors.New("conflict")
	// ErrForbidden indicates the actor is not allowed to perform the operation.
	ErrForbidden = errors.New("forbidden")
	// ErrValidation indicates invalid input at the data-entry boundary.
	ErrValidation = errors.New("validation failed")
	// ErrUnavailable indicates the policy store could not be queried.
	ErrUnavailable = errors.New("evaluation unavailable")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
)
