package auth

import "errors"

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// AuthError rejects a credential. It matches ErrUnauthorized.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth: " + e.Reason }

// Is makes errors.Is(err, ErrUnauthorized) true.
func (e *AuthError) Is(target error) bool { return target == ErrUnauthorized }

func authError(reason string) error { return &AuthError{Reason: reason} }
