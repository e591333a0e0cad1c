package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"

	apperrors "github.com/teacup-labs/teadesk/internal/errors"
	"github.com/teacup-labs/teadesk/internal/models"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tempTokenRequest struct {
	TempToken string `json:"temp_token"`
}

type verifyRequest struct {
	TempToken string `json:"temp_token"`
	Code      string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// expiredCodes are the error codes the backend uses for a temp token
// whose TTL has run out.
var expiredCodes = map[string]bool{
	"temp_token_expired": true,
	"token_expired":      true,
}

// markExpired tags 410 Gone and the expiry error codes as
// ErrTempTokenExpired. It runs before any other classification.
func markExpired(err error) error {
	var se *StatusError
	if errors.As(err, &se) && se.Kind == nil && (se.Status == http.StatusGone || expiredCodes[se.Code]) {
		se.Kind = apperrors.ErrTempTokenExpired
	}

	return err
}

// Login submits the primary factor. The returned State is whatever the
// server sent, mapped through models.ParseLoginState; validating that
// the variant carries its fields is the caller's job.
func (c *Client) Login(ctx context.Context, email, password string) (*models.LoginResponse, error) {
	const endpoint = "/auth/login"

	raw, err := c.do(ctx, c.public, http.MethodPost, endpoint, loginRequest{Email: email, Password: password})
	if err != nil {
		err = classify(err, apperrors.ErrInvalidCredentials,
			http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity)

		return nil, fmt.Errorf("logging in: %w", err)
	}

	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("logging in: %w from %s", apperrors.ErrMalformedResponse, endpoint)
	}

	parsed := gjson.ParseBytes(raw)
	state := parsed.Get("state").String()

	resp := &models.LoginResponse{
		State:        models.ParseLoginState(state),
		RawState:     state,
		TempToken:    parsed.Get("temp_token").String(),
		AccessToken:  parsed.Get("access_token").String(),
		RefreshToken: parsed.Get("refresh_token").String(),
	}

	c.logger.Debug("login response", slog.String("state", state))

	return resp, nil
}

// SetupTwoFactor exchanges a temp token for TOTP provisioning material.
func (c *Client) SetupTwoFactor(ctx context.Context, tempToken string) (*models.TwoFactorSetup, error) {
	const endpoint = "/auth/2fa/setup"

	raw, err := c.do(ctx, c.public, http.MethodPost, endpoint, tempTokenRequest{TempToken: tempToken})
	if err != nil {
		err = classify(markExpired(err), apperrors.ErrSetupFailed,
			http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity)

		return nil, fmt.Errorf("requesting 2fa setup: %w", err)
	}

	var setup models.TwoFactorSetup
	if err := decode(endpoint, raw, &setup); err != nil {
		return nil, fmt.Errorf("requesting 2fa setup: %w", err)
	}

	if setup.OTPAuthURL == "" {
		return nil, fmt.Errorf("requesting 2fa setup: %w: missing otpauth_url", apperrors.ErrMalformedResponse)
	}

	return &setup, nil
}

// VerifyTwoFactor submits a TOTP code for a temp token.
func (c *Client) VerifyTwoFactor(ctx context.Context, tempToken, code string) (*models.SessionTokens, error) {
	const endpoint = "/auth/2fa/verify"

	raw, err := c.do(ctx, c.public, http.MethodPost, endpoint, verifyRequest{TempToken: tempToken, Code: code})
	if err != nil {
		err = classify(markExpired(err), apperrors.ErrInvalidCode,
			http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity)

		return nil, fmt.Errorf("verifying 2fa code: %w", err)
	}

	var tokens models.SessionTokens
	if err := decode(endpoint, raw, &tokens); err != nil {
		return nil, fmt.Errorf("verifying 2fa code: %w", err)
	}

	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("verifying 2fa code: %w: missing access_token", apperrors.ErrMalformedResponse)
	}

	return &tokens, nil
}

// Refresh mints a new access token. RefreshToken in the result is empty
// when the server did not rotate it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*models.SessionTokens, error) {
	const endpoint = "/auth/refresh"

	raw, err := c.do(ctx, c.public, http.MethodPost, endpoint, refreshRequest{RefreshToken: refreshToken})
	if err != nil {
		err = classify(err, apperrors.ErrSessionExpired,
			http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden)

		return nil, fmt.Errorf("refreshing session: %w", err)
	}

	var tokens models.SessionTokens
	if err := decode(endpoint, raw, &tokens); err != nil {
		return nil, fmt.Errorf("refreshing session: %w", err)
	}

	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("refreshing session: %w: missing access_token", apperrors.ErrMalformedResponse)
	}

	return &tokens, nil
}

// Logout asks the server to invalidate the session, then clears the
// token store whatever the server said. The server call is best effort:
// its failure is logged, only a local clear failure is returned.
func (c *Client) Logout(ctx context.Context) error {
	const endpoint = "/auth/logout"

	if header := c.tokens.Header(); header != "" {
		err := c.withHeader(ctx, http.MethodPost, endpoint, header)
		if err != nil {
			c.logger.Warn("server logout failed, clearing local session anyway",
				slog.String("error", err.Error()),
			)
		}
	}

	if err := c.tokens.Clear(); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	return nil
}

// withHeader sends a bodyless request on the public client with an
// explicit Authorization value. Used where a 401 must not trigger a
// refresh.
func (c *Client) withHeader(ctx context.Context, method, endpoint, authorization string) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", "application/json")

	resp, err := c.public.Do(req)
	if err != nil {
		return &ConnectivityError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Endpoint: endpoint, Status: resp.StatusCode}
	}

	return nil
}
