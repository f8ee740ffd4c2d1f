package auth

import (
	"errors"
	"strings"
)

var (
	// ErrInvalidCredentials covers unknown email, inactive account and
	// password mismatch alike; callers must not learn which one it was.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrInvalidToken indicates a presented credential failed validation:
	// bad signature, malformed structure or past expiry.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrUnauthenticated indicates no credential was attached at all.
	ErrUnauthenticated = errors.New("auth: unauthenticated")

	ErrForbidden = errors.New("auth: forbidden")
	ErrNotFound  = errors.New("auth: not found")
	ErrConflict  = errors.New("auth: already exists")
)

// ValidationError carries per-field input problems for a 400 response.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "auth: invalid input: " + strings.Join(e.Problems, "; ")
}

func validationError(problems ...string) error {
	return &ValidationError{Problems: problems}
}
