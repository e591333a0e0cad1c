// Package twofactor turns a TOTP provisioning URI into something a person
// can scan: a PNG for the console and block characters for a terminal.
package twofactor

import (
	"fmt"
	"strings"

	"github.com/pquerna/otp"
	"github.com/skip2/go-qrcode"
)

// DefaultPNGSize is the edge length in pixels of rendered QR images.
const DefaultPNGSize = 256

// Provisioning is the parsed content of an otpauth:// URI.
type Provisioning struct {
	URL       string
	Issuer    string
	Account   string
	Secret    string
	Period    uint64
	Digits    int
	Algorithm string
}

// Parse validates a provisioning URI. Only TOTP is accepted.
func Parse(uri string) (*Provisioning, error) {
	key, err := otp.NewKeyFromURL(strings.TrimSpace(uri))
	if err != nil {
		return nil, fmt.Errorf("parsing provisioning URI: %w", err)
	}

	if key.Type() != "totp" {
		return nil, fmt.Errorf("parsing provisioning URI: unsupported type %q", key.Type())
	}

	if key.Secret() == "" {
		return nil, fmt.Errorf("parsing provisioning URI: missing secret")
	}

	return &Provisioning{
		URL:       key.URL(),
		Issuer:    key.Issuer(),
		Account:   key.AccountName(),
		Secret:    key.Secret(),
		Period:    key.Period(),
		Digits:    key.Digits().Length(),
		Algorithm: key.Algorithm().String(),
	}, nil
}

// PNG renders the URI as a QR code image of size by size pixels.
func PNG(uri string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultPNGSize
	}

	png, err := qrcode.Encode(uri, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("rendering QR code: %w", err)
	}

	return png, nil
}

// Terminal renders the URI with half-block characters, two modules per
// line, for printing to a terminal.
func Terminal(uri string) (string, error) {
	q, err := qrcode.New(uri, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("rendering QR code: %w", err)
	}

	return q.ToSmallString(false), nil
}

// GroupedSecret formats the secret in blocks of four for manual entry.
func (p *Provisioning) GroupedSecret() string {
	var b strings.Builder

	for i, r := range p.Secret {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}

		b.WriteRune(r)
	}

	return b.String()
}
