package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/teacup-labs/teadesk/internal/models"
)

type phoneVerificationRequest struct {
	Phone string `json:"phone"`
}

// Profile fetches the signed-in user.
func (c *Client) Profile(ctx context.Context) (*models.User, error) {
	var u models.User
	if err := c.authedCall(ctx, http.MethodGet, "/users/me", nil, &u); err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}

	return &u, nil
}

// StartPhoneVerification asks the backend to confirm phone ownership.
// The user completes it out of band via ConfirmURL.
func (c *Client) StartPhoneVerification(ctx context.Context, phone string) (*models.PhoneVerification, error) {
	var pv models.PhoneVerification
	if err := c.authedCall(ctx, http.MethodPost, "/users/me/phone/verification", phoneVerificationRequest{Phone: phone}, &pv); err != nil {
		return nil, fmt.Errorf("starting phone verification: %w", err)
	}

	return &pv, nil
}

// PhoneVerificationStatus polls a verification request.
func (c *Client) PhoneVerificationStatus(ctx context.Context, requestID string) (*models.PhoneVerification, error) {
	var pv models.PhoneVerification

	endpoint := "/users/me/phone/verification/" + url.PathEscape(requestID)
	if err := c.authedCall(ctx, http.MethodGet, endpoint, nil, &pv); err != nil {
		return nil, fmt.Errorf("polling phone verification: %w", err)
	}

	return &pv, nil
}
