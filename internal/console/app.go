package console

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/teacup-labs/teadesk/internal/api"
	apperrors "github.com/teacup-labs/teadesk/internal/errors"
	"github.com/teacup-labs/teadesk/internal/models"
	"github.com/teacup-labs/teadesk/internal/phoneverify"
	"github.com/teacup-labs/teadesk/internal/session"
)

// sessionGone reports errors that mean the stored session can no longer
// be used and the operator has to sign in again.
func sessionGone(err error) bool {
	return errors.Is(err, apperrors.ErrSessionExpired) || errors.Is(err, apperrors.ErrNotAuthenticated)
}

// accessExpiry returns the access token's exp claim. Tokens without a
// readable one report false.
func (s *Server) accessExpiry() (time.Time, bool) {
	exp, err := s.tokens.AccessExpiry()
	if err != nil {
		return time.Time{}, false
	}

	return exp, true
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	user, err := s.api.Profile(r.Context())
	if sessionGone(err) {
		http.Redirect(w, r, LoginPath, http.StatusSeeOther)
		return
	}

	data := pageData{CSRFToken: s.csrf.issue(), User: user}

	status := http.StatusOK
	if err != nil {
		s.logger.Error("loading profile", slog.String("error", err.Error()))
		data.Error = session.Message(err)
		status = http.StatusBadGateway
	}

	if exp, ok := s.accessExpiry(); ok {
		data.AccessExpiry = exp.Local().Format(time.RFC1123)
	}

	s.render(w, "dashboard", status, data)
}

type meResponse struct {
	User            *models.User `json:"user"`
	AccessExpiresAt *time.Time   `json:"access_expires_at,omitempty"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.api.Profile(r.Context())
	if sessionGone(err) {
		writeJSONError(w, http.StatusUnauthorized, "not_authenticated", session.Message(err))
		return
	}

	if err != nil {
		s.logger.Error("loading profile", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusBadGateway, "upstream_error", session.Message(err))

		return
	}

	resp := meResponse{User: user}
	if exp, ok := s.accessExpiry(); ok {
		resp.AccessExpiresAt = &exp
	}

	writeJSON(w, http.StatusOK, resp)
}

type phoneVerifyResponse struct {
	RequestID  string `json:"request_id"`
	ConfirmURL string `json:"confirm_url"`
	ExpiresIn  int    `json:"expires_in"`
	CSRFToken  string `json:"csrf_token"`
}

type phoneVerifyError struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	CSRFToken string `json:"csrf_token"`
}

// handlePhoneVerify starts a verification and polls it in the
// background. Progress reaches the page over the event stream. Starting
// a new verification stops the previous poll.
//
// The form is submitted by script, so every answer after the CSRF check
// carries the replacement token the page needs for its next POST.
func (s *Server) handlePhoneVerify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return
	}

	if !s.csrf.consume(r.PostFormValue("csrf_token")) {
		writeJSONError(w, http.StatusForbidden, "invalid_csrf", "invalid or expired form, reload the page")
		return
	}

	next := s.csrf.issue()
	fail := func(status int, code, message string) {
		writeJSON(w, status, phoneVerifyError{Error: code, Message: message, CSRFToken: next})
	}

	phone := strings.TrimSpace(r.PostFormValue("phone"))
	if phone == "" {
		fail(http.StatusUnprocessableEntity, "invalid_phone", "phone number is required")
		return
	}

	pv, err := s.api.StartPhoneVerification(r.Context(), phone)
	if err != nil {
		s.logger.Warn("starting phone verification", slog.String("error", err.Error()))

		var se *api.StatusError

		switch {
		case sessionGone(err):
			fail(http.StatusUnauthorized, "not_authenticated", session.Message(err))
		case errors.As(err, &se) && se.Status >= 400 && se.Status < 500:
			fail(http.StatusUnprocessableEntity, "rejected", session.Message(err))
		default:
			fail(http.StatusBadGateway, "upstream_error", session.Message(err))
		}

		return
	}

	s.startPolling(pv)

	writeJSON(w, http.StatusAccepted, phoneVerifyResponse{
		RequestID:  pv.RequestID,
		ConfirmURL: pv.ConfirmURL,
		ExpiresIn:  pv.ExpiresIn,
		CSRFToken:  next,
	})
}

// startPolling replaces any running poll with one for pv.
func (s *Server) startPolling(pv *models.PhoneVerification) {
	ctx, cancel := context.WithCancel(s.ctx)

	s.verifyMu.Lock()
	if s.stopVerify != nil {
		s.stopVerify()
	}
	s.stopVerify = cancel
	s.verifyMu.Unlock()

	publish := func(status, message string, remaining time.Duration) {
		s.hub.Publish(Event{
			Type:             EventPhoneVerification,
			Authenticated:    true,
			RequestID:        pv.RequestID,
			Status:           status,
			RemainingSeconds: int(remaining.Round(time.Second) / time.Second),
			Message:          message,
		})
	}

	poller := phoneverify.NewPoller(s.api, phoneverify.Options{
		Interval: s.pollInterval,
		TTL:      s.pollTTL,
		Logger:   s.logger,
		OnTick: func(t phoneverify.Tick) {
			publish(string(t.Status), "", t.Remaining)
		},
	})

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer cancel()

		err := poller.Wait(ctx, pv)

		switch {
		case err == nil:
			publish(string(models.VerificationVerified), "Phone number verified.", 0)
		case errors.Is(err, apperrors.ErrVerificationExpired):
			publish(string(models.VerificationExpired), "The confirmation link expired. Send a new one.", 0)
		case errors.Is(err, apperrors.ErrVerificationRejected):
			publish(string(models.VerificationRejected), "The confirmation was declined.", 0)
		case errors.Is(err, context.Canceled):
			// replaced, signed out or shutting down
		default:
			s.logger.Warn("phone verification stopped", slog.String("error", err.Error()))
			publish("failed", session.Message(err), 0)
		}
	}()
}

func (s *Server) cancelVerification() {
	s.verifyMu.Lock()
	defer s.verifyMu.Unlock()

	if s.stopVerify != nil {
		s.stopVerify()
		s.stopVerify = nil
	}
}
