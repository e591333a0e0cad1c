// Package session drives the interactive login flow: primary credentials,
// optional TOTP enrollment or verification, and the hand-off of session
// tokens to the token store.
//
// The flow is an explicit state machine. Transition is a pure function
// over (State, Event); Negotiator performs the network calls, turns their
// outcomes into events and applies them.
package session

import (
	"fmt"

	apperrors "github.com/teacup-labs/teadesk/internal/errors"
	"github.com/teacup-labs/teadesk/internal/models"
)

// Step identifies where the login flow is.
type Step int

const (
	// StepCredentials waits for email and password. It is both the
	// initial step and where failed attempts land.
	StepCredentials Step = iota

	// StepSetupPending holds a temp token while the provisioning URI is
	// fetched. It is never presented to the user as a 2FA screen.
	StepSetupPending

	StepAwaitingCode
	StepAwaitingSetup
	StepAuthenticated
)

func (s Step) String() string {
	switch s {
	case StepCredentials:
		return "credentials"
	case StepSetupPending:
		return "setup_pending"
	case StepAwaitingCode:
		return "awaiting_2fa_code"
	case StepAwaitingSetup:
		return "awaiting_2fa_setup"
	case StepAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// TwoFactor reports whether the step accepts a verification code.
func (s Step) TwoFactor() bool {
	return s == StepAwaitingCode || s == StepAwaitingSetup
}

// State is a snapshot of the login flow. TempToken and Setup are only set
// in the 2FA steps. Tokens is only set on entering StepAuthenticated and
// is handed to the token store by the negotiator. Err is the outcome of
// the last event, if it failed.
type State struct {
	Step      Step
	TempToken string
	Setup     *models.TwoFactorSetup
	Tokens    *models.SessionTokens
	Err       error
}

// Event is an outcome fed to Transition.
type Event interface {
	event()
}

// LoginSucceeded carries any 2xx login response, whatever its state.
type LoginSucceeded struct{ Response models.LoginResponse }

// LoginFailed means the login call returned an error.
type LoginFailed struct{ Err error }

// SetupLoaded carries the provisioning URI for the pending temp token.
type SetupLoaded struct{ Setup models.TwoFactorSetup }

// SetupFailed means the provisioning URI could not be fetched.
type SetupFailed struct{ Err error }

// CodeAccepted carries the session tokens minted by a verified code.
type CodeAccepted struct{ Tokens models.SessionTokens }

// CodeRejected means a code was not accepted but the temp token is
// still usable.
type CodeRejected struct{ Err error }

// TempTokenExpired means the server no longer accepts the temp token.
type TempTokenExpired struct{ Err error }

// Restart abandons the current attempt.
type Restart struct{}

func (LoginSucceeded) event()   {}
func (LoginFailed) event()      {}
func (SetupLoaded) event()      {}
func (SetupFailed) event()      {}
func (CodeAccepted) event()     {}
func (CodeRejected) event()     {}
func (TempTokenExpired) event() {}
func (Restart) event()          {}

// Transition returns the state that follows s after ev. Events that make
// no sense for the current step leave s unchanged. Only a login response
// with state "ok" and an access token, or an accepted code, reach
// StepAuthenticated.
func Transition(s State, ev Event) State {
	if _, ok := ev.(Restart); ok {
		return State{Step: StepCredentials}
	}

	switch s.Step {
	case StepCredentials:
		switch ev := ev.(type) {
		case LoginSucceeded:
			return afterLogin(ev.Response)
		case LoginFailed:
			return failed(ev.Err)
		}

	case StepSetupPending:
		switch ev := ev.(type) {
		case SetupLoaded:
			if ev.Setup.OTPAuthURL == "" {
				return failed(fmt.Errorf("%w: empty provisioning URI", apperrors.ErrMalformedResponse))
			}

			setup := ev.Setup

			return State{Step: StepAwaitingSetup, TempToken: s.TempToken, Setup: &setup}
		case SetupFailed:
			return failed(ev.Err)
		case TempTokenExpired:
			return failed(ev.Err)
		}

	case StepAwaitingCode, StepAwaitingSetup:
		switch ev := ev.(type) {
		case CodeAccepted:
			if ev.Tokens.AccessToken == "" {
				return failed(fmt.Errorf("%w: missing access token", apperrors.ErrMalformedResponse))
			}

			tokens := ev.Tokens

			return State{Step: StepAuthenticated, Tokens: &tokens}
		case CodeRejected:
			next := s
			next.Err = ev.Err

			return next
		case TempTokenExpired:
			return failed(ev.Err)
		}
	}

	return s
}

func afterLogin(resp models.LoginResponse) State {
	switch resp.State {
	case models.LoginOK:
		if resp.AccessToken == "" {
			return failed(fmt.Errorf("%w: login succeeded without an access token", apperrors.ErrMalformedResponse))
		}

		return State{
			Step:   StepAuthenticated,
			Tokens: &models.SessionTokens{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken},
		}

	case models.LoginTwoFactorRequired:
		if resp.TempToken == "" {
			return failed(fmt.Errorf("%w: 2fa required without a temp token", apperrors.ErrMalformedResponse))
		}

		return State{Step: StepAwaitingCode, TempToken: resp.TempToken}

	case models.LoginTwoFactorSetup:
		if resp.TempToken == "" {
			return failed(fmt.Errorf("%w: 2fa setup required without a temp token", apperrors.ErrMalformedResponse))
		}

		return State{Step: StepSetupPending, TempToken: resp.TempToken}
	}

	return failed(fmt.Errorf("%w: unknown login state %q", apperrors.ErrMalformedResponse, resp.RawState))
}

func failed(err error) State {
	return State{Step: StepCredentials, Err: err}
}
