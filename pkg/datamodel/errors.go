package datamodel

import "errors"

// Shared error taxonomy. Handlers map these onto HTTP 404/400/401/403,
// the messaging gateway logs and drops them.
var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)
