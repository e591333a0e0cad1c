package session

import (
	"net/mail"
	"strings"

	"golang.org/x/text/unicode/norm"

	apperrors "github.com/teacup-labs/teadesk/internal/errors"
	"github.com/teacup-labs/teadesk/internal/models"
)

// CodeLength is the number of digits in a TOTP code.
const CodeLength = 6

// NormalizeEmail trims and NFC-normalizes an email address and checks
// that it is a bare addr-spec. Display-name forms such as
// "Anna <a@b.com>" are rejected.
func NormalizeEmail(email string) (string, error) {
	email = strings.TrimSpace(norm.NFC.String(email))
	if email == "" {
		return "", apperrors.ErrInvalidEmail
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperrors.ErrInvalidEmail
	}

	return email, nil
}

// ValidateCredentials checks the primary factor before anything is sent.
// The password is passed through untouched.
func ValidateCredentials(email, password string) (models.Credentials, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return models.Credentials{}, err
	}

	if password == "" {
		return models.Credentials{}, apperrors.ErrEmptyPassword
	}

	return models.Credentials{Email: normalized, Password: password}, nil
}

// ValidateCode accepts exactly six ASCII digits, ignoring surrounding
// whitespace.
func ValidateCode(code string) (string, error) {
	code = strings.TrimSpace(code)
	if len(code) != CodeLength {
		return "", apperrors.ErrInvalidCodeFormat
	}

	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return "", apperrors.ErrInvalidCodeFormat
		}
	}

	return code, nil
}
