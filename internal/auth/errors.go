package auth

import "errors"

var (
	ErrMissingCredentials  = errors.New("email and password are required")
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrInvalidMFACode      = errors.New("invalid or expired code")
	ErrNoMFAChallenge      = errors.New("no verification is in progress")
	ErrNoRole              = errors.New("no role found for this account")
	ErrNoSession           = errors.New("no active session")
	ErrProviderUnavailable = errors.New("sign-in is temporarily unavailable")
	ErrInvalidTransition   = errors.New("invalid sign-in state transition")
)
