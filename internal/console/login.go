package console

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	apperrors "github.com/teacup-labs/teadesk/internal/errors"
	"github.com/teacup-labs/teadesk/internal/session"
	"github.com/teacup-labs/teadesk/internal/twofactor"
)

// handleLoginPage renders the screen for the current login step. A
// signed-in operator with no 2FA step pending goes straight to the
// dashboard.
func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	st := s.negotiator.State()

	if s.tokens.Authenticated() && !st.Step.TwoFactor() {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	s.renderStep(w, st, "", "", http.StatusOK)
}

// renderStep picks the view for st. message overrides the error stored
// in the state.
func (s *Server) renderStep(w http.ResponseWriter, st session.State, email, message string, status int) {
	if message == "" && st.Err != nil {
		message = session.Message(st.Err)
	}

	data := pageData{
		CSRFToken: s.csrf.issue(),
		Email:     email,
		Error:     message,
	}

	switch st.Step {
	case session.StepAwaitingCode:
		s.render(w, "code", status, data)

	case session.StepAwaitingSetup:
		if st.Setup != nil {
			if p, err := twofactor.Parse(st.Setup.OTPAuthURL); err == nil {
				data.Setup = p
			} else {
				s.logger.Warn("provisioning URI not parseable", slog.String("error", err.Error()))
			}
		}

		s.render(w, "setup", status, data)

	default:
		s.render(w, "login", status, data)
	}
}

// parseForm limits and parses a POSTed form and checks its CSRF token.
// It writes the error response itself and returns false on failure.
func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form data", http.StatusBadRequest)
		return false
	}

	if !s.csrf.consume(r.PostFormValue("csrf_token")) {
		http.Error(w, "invalid or expired form, reload the page", http.StatusForbidden)
		return false
	}

	return true
}

// flowContext ties a login call to the request that started it. If the
// browser goes away mid-call the flow is abandoned, so the late response
// cannot change state behind the next page's back.
func (s *Server) flowContext(r *http.Request) (context.Context, func() bool) {
	ctx := r.Context()
	return ctx, context.AfterFunc(ctx, s.negotiator.Abandon)
}

func (s *Server) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	if s.limiter.blocked(ip) {
		s.logger.Warn("login rate limited", slog.String("ip", ip))
		http.Error(w, "too many failed sign-in attempts, try again later", http.StatusTooManyRequests)

		return
	}

	if !s.parseForm(w, r) {
		return
	}

	email := r.PostFormValue("email")

	ctx, stop := s.flowContext(r)
	defer stop()

	st, err := s.negotiator.SubmitCredentials(ctx, email, r.PostFormValue("password"))
	if err == nil && st.Step == session.StepAuthenticated {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	status := http.StatusOK

	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrInvalidCredentials):
		s.limiter.record(ip)
		s.logger.Warn("login rejected", slog.String("ip", ip))

		status = http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrInvalidEmail), errors.Is(err, apperrors.ErrEmptyPassword):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrSubmissionInFlight):
		status = http.StatusConflict
	default:
		status = http.StatusBadGateway
	}

	s.renderStep(w, st, email, session.Message(err), status)
}

func (s *Server) handleCodeSubmit(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}

	ctx, stop := s.flowContext(r)
	defer stop()

	st, err := s.negotiator.VerifyCode(ctx, r.PostFormValue("code"))
	if err == nil && st.Step == session.StepAuthenticated {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	status := http.StatusOK

	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrNoLoginInProgress):
		http.Redirect(w, r, LoginPath, http.StatusSeeOther)
		return
	case errors.Is(err, apperrors.ErrInvalidCode), errors.Is(err, apperrors.ErrInvalidCodeFormat):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrTempTokenExpired):
		status = http.StatusGone
	case errors.Is(err, apperrors.ErrSubmissionInFlight):
		status = http.StatusConflict
	default:
		status = http.StatusBadGateway
	}

	s.renderStep(w, st, "", session.Message(err), status)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}

	s.negotiator.Restart()
	http.Redirect(w, r, LoginPath, http.StatusSeeOther)
}

// handleSetupQR serves the provisioning QR code while enrollment is
// pending and 404 otherwise.
func (s *Server) handleSetupQR(w http.ResponseWriter, r *http.Request) {
	st := s.negotiator.State()
	if st.Step != session.StepAwaitingSetup || st.Setup == nil {
		http.NotFound(w, r)
		return
	}

	png, err := twofactor.PNG(st.Setup.OTPAuthURL, twofactor.DefaultPNGSize)
	if err != nil {
		s.logger.Error("rendering provisioning QR", slog.String("error", err.Error()))
		http.Error(w, "could not render QR code", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

// handleLogout ends the session. The local clear happens whatever the
// server says; open pages are told through the event stream.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}

	if err := s.api.Logout(r.Context()); err != nil {
		s.logger.Error("clearing session", slog.String("error", err.Error()))
	}

	s.negotiator.Restart()

	s.logger.Info("signed out", slog.String("ip", remoteIP(r)))
	http.Redirect(w, r, LoginPath, http.StatusSeeOther)
}
