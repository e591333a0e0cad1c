package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	apperrors "github.com/teacup-labs/teadesk/internal/errors"
	"github.com/teacup-labs/teadesk/internal/models"
)

// Backend is the part of the API client the login flow calls.
type Backend interface {
	Login(ctx context.Context, email, password string) (*models.LoginResponse, error)
	SetupTwoFactor(ctx context.Context, tempToken string) (*models.TwoFactorSetup, error)
	VerifyTwoFactor(ctx context.Context, tempToken, code string) (*models.SessionTokens, error)
}

// TokenSink receives the session tokens once the flow authenticates.
type TokenSink interface {
	SetTokens(access, refresh string) error
}

// Options configures a Negotiator.
type Options struct {
	Backend Backend
	Tokens  TokenSink
	Logger  *slog.Logger

	// OnAuthenticated runs after the tokens have been stored, outside
	// the negotiator's lock. Typically used to fetch the profile.
	OnAuthenticated func(ctx context.Context)
}

// Negotiator runs one login flow at a time. It is safe for concurrent
// use, but rejects a second submission while a call is outstanding.
type Negotiator struct {
	backend         Backend
	tokens          TokenSink
	logger          *slog.Logger
	onAuthenticated func(ctx context.Context)

	mu    sync.Mutex
	state State
	// generation is bumped by Restart and Abandon. A call that started
	// under an older generation may not touch state when it returns.
	generation uint64
	busy       bool
}

// NewNegotiator creates a negotiator in StepCredentials.
func NewNegotiator(opts Options) *Negotiator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Negotiator{
		backend:         opts.Backend,
		tokens:          opts.Tokens,
		logger:          logger,
		onAuthenticated: opts.OnAuthenticated,
	}
}

// State returns a snapshot of the flow. Session tokens are never
// exposed through it.
func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := n.state
	s.Tokens = nil

	return s
}

// Busy reports whether a submission is outstanding.
func (n *Negotiator) Busy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.busy
}

// SubmitCredentials starts a new attempt. Input is validated before any
// network call. When the server asks for 2FA enrollment the provisioning
// URI is fetched straight away, once, and the flow only moves to
// StepAwaitingSetup when it arrives.
//
// The returned error is also recorded in the state.
func (n *Negotiator) SubmitCredentials(ctx context.Context, email, password string) (State, error) {
	creds, err := ValidateCredentials(email, password)
	if err != nil {
		return n.State(), err
	}

	gen, err := n.begin(func(s State) error { return nil })
	if err != nil {
		return n.State(), err
	}
	defer n.finish(gen)

	// A new submission always starts from a clean slate, dropping any
	// temp token left from an earlier attempt.
	if !n.apply(gen, Restart{}) {
		return n.State(), apperrors.ErrFlowAbandoned
	}

	n.logger.Debug("submitting credentials")

	var ev Event

	resp, err := n.backend.Login(ctx, creds.Email, creds.Password)
	if err != nil {
		ev = LoginFailed{Err: err}
	} else {
		ev = LoginSucceeded{Response: *resp}
	}

	if !n.apply(gen, ev) {
		return n.State(), apperrors.ErrFlowAbandoned
	}

	if s := n.State(); s.Step == StepSetupPending {
		if !n.apply(gen, n.loadSetup(ctx, s.TempToken)) {
			return n.State(), apperrors.ErrFlowAbandoned
		}
	}

	return n.settle(ctx, gen)
}

// loadSetup turns the setup call's outcome into an event.
func (n *Negotiator) loadSetup(ctx context.Context, tempToken string) Event {
	setup, err := n.backend.SetupTwoFactor(ctx, tempToken)

	switch {
	case err == nil:
		return SetupLoaded{Setup: *setup}
	case errors.Is(err, apperrors.ErrTempTokenExpired):
		return TempTokenExpired{Err: err}
	case errors.Is(err, apperrors.ErrSetupFailed):
		return SetupFailed{Err: err}
	default:
		return SetupFailed{Err: fmt.Errorf("%w: %w", apperrors.ErrSetupFailed, err)}
	}
}

// VerifyCode submits a TOTP code for the pending temp token. A rejected
// code keeps the step and the temp token so the user can try again; an
// expired temp token sends the flow back to StepCredentials.
func (n *Negotiator) VerifyCode(ctx context.Context, code string) (State, error) {
	code, err := ValidateCode(code)
	if err != nil {
		return n.State(), err
	}

	var tempToken string

	gen, err := n.begin(func(s State) error {
		if !s.Step.TwoFactor() {
			return apperrors.ErrNoLoginInProgress
		}

		tempToken = s.TempToken

		return nil
	})
	if err != nil {
		return n.State(), err
	}
	defer n.finish(gen)

	var ev Event

	tokens, err := n.backend.VerifyTwoFactor(ctx, tempToken, code)

	switch {
	case err == nil:
		ev = CodeAccepted{Tokens: *tokens}
	case errors.Is(err, apperrors.ErrTempTokenExpired):
		ev = TempTokenExpired{Err: err}
	default:
		// Rejected codes and transient failures alike keep the temp
		// token; only its expiry ends the attempt.
		ev = CodeRejected{Err: err}
	}

	if !n.apply(gen, ev) {
		return n.State(), apperrors.ErrFlowAbandoned
	}

	return n.settle(ctx, gen)
}

// Restart drops the current attempt and any temp token. Calls still in
// flight are ignored when they return.
func (n *Negotiator) Restart() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.generation++
	n.busy = false
	n.state = Transition(n.state, Restart{})
}

// Abandon detaches any outstanding call from the flow without changing
// the step. Its response, when it arrives, is discarded.
func (n *Negotiator) Abandon() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.generation++
	n.busy = false
}

// begin marks a submission as outstanding after check accepts the current
// state. It returns the generation the submission belongs to.
func (n *Negotiator) begin(check func(State) error) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.busy {
		return 0, apperrors.ErrSubmissionInFlight
	}

	if err := check(n.state); err != nil {
		return 0, err
	}

	n.busy = true

	return n.generation, nil
}

func (n *Negotiator) finish(gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.generation == gen {
		n.busy = false
	}
}

// apply feeds ev to the state machine if gen is still current. On
// entering StepAuthenticated the tokens are stored before the lock is
// released, so no later call can observe the step without the session.
func (n *Negotiator) apply(gen uint64, ev Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.generation != gen {
		n.logger.Debug("dropping stale login response", slog.String("event", fmt.Sprintf("%T", ev)))
		return false
	}

	prev := n.state.Step
	next := Transition(n.state, ev)

	if next.Step == StepAuthenticated && prev != StepAuthenticated {
		if err := n.tokens.SetTokens(next.Tokens.AccessToken, next.Tokens.RefreshToken); err != nil {
			next = failed(fmt.Errorf("storing session: %w", err))
		} else {
			next.Tokens = nil
		}
	}

	if next.Step != prev {
		n.logger.Info("login step changed",
			slog.String("from", prev.String()),
			slog.String("to", next.Step.String()),
		)
	}

	n.state = next

	return true
}

// settle runs the authenticated hook when the flow has just finished and
// returns the resulting state and its error.
func (n *Negotiator) settle(ctx context.Context, gen uint64) (State, error) {
	s := n.State()

	if s.Step == StepAuthenticated && n.onAuthenticated != nil {
		n.mu.Lock()
		current := n.generation == gen
		n.mu.Unlock()

		if current {
			n.onAuthenticated(ctx)
		}
	}

	return s, s.Err
}
