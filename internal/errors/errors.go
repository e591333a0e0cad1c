package errors

import "errors"

// Input validation errors. These are raised before any network call.
var (
	ErrInvalidEmail      = errors.New("email address is not valid")
	ErrEmptyPassword     = errors.New("password is required")
	ErrInvalidCodeFormat = errors.New("code must be 6 digits")
)

// Login flow errors.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidCode        = errors.New("invalid verification code")
	ErrTempTokenExpired   = errors.New("login attempt expired, sign in again")
	ErrSetupFailed        = errors.New("could not load two-factor setup")
	ErrSubmissionInFlight = errors.New("a request is already in progress")
	ErrNoLoginInProgress  = errors.New("no login in progress")
	ErrFlowAbandoned      = errors.New("login flow was abandoned")
)

// Session errors.
var (
	ErrNotAuthenticated = errors.New("not signed in")
	ErrSessionExpired   = errors.New("session expired, sign in again")
)

// Server/transport errors.
var (
	ErrMalformedResponse    = errors.New("unexpected API response")
	ErrVerificationExpired  = errors.New("verification request expired")
	ErrVerificationRejected = errors.New("verification request was rejected")
)
