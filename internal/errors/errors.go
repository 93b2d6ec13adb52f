package errors

import (
	"errors"
	"fmt"
)

// Common error types for the job-board API client
var (
	// Authentication errors
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotSignedIn     = errors.New("not signed in")

	// Refresh errors
	ErrRefreshFailed  = errors.New("credential refresh failed")
	ErrNoRefreshToken = errors.New("no refresh token available")
	ErrSessionReset   = errors.New("session reset during refresh")

	// Request errors
	ErrTransport  = errors.New("transport error")
	ErrValidation = errors.New("validation error")
	ErrSuperseded = errors.New("request superseded")

	// Storage errors
	ErrStorage = errors.New("storage error")
)

// Wrapf wraps err with a formatted prefix. format may itself contain %w verbs,
// so a sentinel can be attached alongside err.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target any) bool {
	return errors.As(err, target)
}
