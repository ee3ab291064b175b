package auth

import "errors"

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrConflict           = errors.New("auth: resource conflict")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrForbidden          = errors.New("auth: forbidden")
	ErrWeakPassword       = errors.New("auth: password does not meet policy")
)

// ErrAccountDisabled is returned when a non-active account tries to log in.
var ErrAccountDisabled = errors.New("auth: account disabled")
