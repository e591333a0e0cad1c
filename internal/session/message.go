package session

import (
	"errors"
	"fmt"

	"github.com/teacup-labs/teadesk/internal/api"
	apperrors "github.com/teacup-labs/teadesk/internal/errors"
)

// Message renders err for the person at the keyboard. Failures where no
// HTTP status came back are worded as availability problems so they are
// not mistaken for a wrong password.
func Message(err error) string {
	if err == nil {
		return ""
	}

	if api.IsConnectivity(err) {
		return "Could not reach the server. Check your network connection or try again later. Your credentials were not rejected."
	}

	var se *api.StatusError

	switch {
	case errors.Is(err, apperrors.ErrInvalidEmail):
		return "Enter a valid email address."
	case errors.Is(err, apperrors.ErrEmptyPassword):
		return "Enter your password."
	case errors.Is(err, apperrors.ErrInvalidCodeFormat):
		return "Enter the 6-digit code from your authenticator app."
	case errors.Is(err, apperrors.ErrSubmissionInFlight):
		return "Still working on your last request."
	case errors.Is(err, apperrors.ErrInvalidCredentials):
		if errors.As(err, &se) && se.Message != "" {
			return se.Message
		}

		return "Invalid email or password."
	case errors.Is(err, apperrors.ErrInvalidCode):
		return "That code is not valid. Check your authenticator app and try again."
	case errors.Is(err, apperrors.ErrTempTokenExpired):
		return "Your sign-in attempt expired. Please sign in again."
	case errors.Is(err, apperrors.ErrSetupFailed):
		return "Two-factor setup could not be started. Please sign in again."
	case errors.Is(err, apperrors.ErrSessionExpired):
		return "Your session has expired. Please sign in again."
	case errors.Is(err, apperrors.ErrNotAuthenticated):
		return "You are not signed in."
	case errors.Is(err, apperrors.ErrNoLoginInProgress):
		return "There is no sign-in in progress. Start again with your email and password."
	case errors.Is(err, apperrors.ErrFlowAbandoned):
		return "That sign-in was cancelled. Please start again."
	case errors.Is(err, apperrors.ErrVerificationExpired):
		return "The confirmation link expired. Request a new one."
	case errors.Is(err, apperrors.ErrVerificationRejected):
		return "The phone number confirmation was declined."
	case errors.Is(err, apperrors.ErrMalformedResponse):
		return "The server sent a response we could not understand. Please try again later."
	case errors.As(err, &se):
		if se.Message != "" {
			return fmt.Sprintf("The server rejected the request (HTTP %d): %s", se.Status, se.Message)
		}

		return fmt.Sprintf("The server rejected the request (HTTP %d).", se.Status)
	}

	return "Something went wrong: " + err.Error()
}
