// Package models defines types shared across internal packages.
package models

import "github.com/shopspring/decimal"

// LoginState is the discriminator returned by the login endpoint.
type LoginState string

const (
	LoginOK                LoginState = "ok"
	LoginTwoFactorRequired LoginState = "2fa_required"
	LoginTwoFactorSetup    LoginState = "2fa_setup_required"
	LoginStateUnknown      LoginState = ""
)

// ParseLoginState maps a raw state string to a known LoginState.
// Anything unrecognised becomes LoginStateUnknown.
func ParseLoginState(s string) LoginState {
	switch LoginState(s) {
	case LoginOK, LoginTwoFactorRequired, LoginTwoFactorSetup:
		return LoginState(s)
	}

	return LoginStateUnknown
}

// Credentials are the primary-factor inputs. Never persisted.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned from POST /auth/login. Which fields are set
// depends on State.
type LoginResponse struct {
	State        LoginState `json:"state"`
	RawState     string     `json:"-"`
	TempToken    string     `json:"temp_token,omitempty"`
	AccessToken  string     `json:"access_token,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
}

// TwoFactorSetup carries the TOTP provisioning URI for enrollment.
type TwoFactorSetup struct {
	OTPAuthURL string `json:"otpauth_url"`
}

// SessionTokens is the access/refresh pair held by the token store.
type SessionTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Empty reports whether no access token is present.
func (t SessionTokens) Empty() bool {
	return t.AccessToken == ""
}

// User is the authenticated operator's profile.
type User struct {
	ID            string          `json:"id" yaml:"id"`
	Email         string          `json:"email" yaml:"email"`
	Name          string          `json:"name" yaml:"name"`
	Role          string          `json:"role" yaml:"role"`
	Phone         string          `json:"phone,omitempty" yaml:"phone,omitempty"`
	PhoneVerified bool            `json:"phone_verified" yaml:"phone_verified"`
	BonusBalance  decimal.Decimal `json:"bonus_balance" yaml:"-"`
}

// VerificationStatus is the state of a phone verification request.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationExpired  VerificationStatus = "expired"
	VerificationRejected VerificationStatus = "rejected"
)

// PhoneVerification is returned when starting or polling a phone
// verification. ExpiresIn is in seconds and only set on creation.
type PhoneVerification struct {
	RequestID  string             `json:"request_id"`
	Status     VerificationStatus `json:"status"`
	ConfirmURL string             `json:"confirm_url,omitempty"`
	ExpiresIn  int                `json:"expires_in,omitempty"`
}
