package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/teacup-labs/teadesk/internal/errors"
	"github.com/teacup-labs/teadesk/internal/models"
	"github.com/teacup-labs/teadesk/internal/phoneverify"
	"github.com/teacup-labs/teadesk/internal/session"
	"github.com/teacup-labs/teadesk/internal/twofactor"
)

// prompter reads answers from stdin. Input is echoed; use TEADESK_PASSWORD
// to keep the password off the screen.
type prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

func newPrompter() *prompter {
	return &prompter{in: bufio.NewScanner(os.Stdin), out: os.Stderr}
}

func (p *prompter) ask(label string) (string, error) {
	fmt.Fprint(p.out, label)

	if !p.in.Scan() {
		if err := p.in.Err(); err != nil {
			return "", err
		}

		return "", errors.New("no input")
	}

	return strings.TrimSpace(p.in.Text()), nil
}

func login(ctx context.Context, a *app) error {
	return runLogin(ctx, a, newPrompter(), os.Stderr)
}

// runLogin signs in with the configured or prompted credentials. Codes
// are asked for until one is accepted, the attempt expires, input runs
// out or ctx is cancelled.
func runLogin(ctx context.Context, a *app, p *prompter, out io.Writer) error {
	email := a.cfg.Email
	if email == "" {
		var err error
		if email, err = p.ask("Email: "); err != nil {
			return err
		}
	}

	password := a.cfg.Password
	if password == "" {
		var err error
		if password, err = p.ask("Password: "); err != nil {
			return err
		}
	}

	neg := a.negotiator()

	st, err := neg.SubmitCredentials(ctx, email, password)
	if err != nil && st.Step != session.StepAuthenticated && !st.Step.TwoFactor() {
		return errors.New(session.Message(err))
	}

	if st.Step == session.StepAwaitingSetup {
		if err := showSetup(out, st.Setup); err != nil {
			return err
		}
	}

	for st.Step.TwoFactor() {
		code, err := p.ask("Authenticator code: ")
		if err != nil {
			return err
		}

		st, err = neg.VerifyCode(ctx, code)
		if err == nil {
			continue
		}

		if errors.Is(err, apperrors.ErrTempTokenExpired) || ctx.Err() != nil {
			return errors.New(session.Message(err))
		}

		fmt.Fprintln(out, session.Message(err))
	}

	if st.Step != session.StepAuthenticated {
		if st.Err != nil {
			return errors.New(session.Message(st.Err))
		}

		return errors.New("sign-in did not complete")
	}

	fmt.Fprintln(out, "Signed in.")

	return nil
}

// showSetup prints the enrollment QR code and the key for manual entry.
func showSetup(w io.Writer, setup *models.TwoFactorSetup) error {
	if setup == nil {
		return apperrors.ErrSetupFailed
	}

	p, err := twofactor.Parse(setup.OTPAuthURL)
	if err != nil {
		return err
	}

	qr, err := twofactor.Terminal(setup.OTPAuthURL)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "Two-factor authentication must be set up before signing in.")
	fmt.Fprintln(w, "Scan this code with your authenticator app:")
	fmt.Fprintln(w, qr)
	fmt.Fprintf(w, "Or enter this key for %s: %s\n\n", p.Account, p.GroupedSecret())

	return nil
}

func logout(ctx context.Context, a *app) error {
	if !a.tokens.Authenticated() {
		fmt.Fprintln(os.Stderr, "Not signed in.")
		return nil
	}

	if err := a.client.Logout(ctx); err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, "Signed out.")

	return nil
}

// whoamiOutput is the YAML document printed by whoami.
type whoamiOutput struct {
	models.User     `yaml:",inline"`
	BonusBalance    string `yaml:"bonus_balance"`
	AccessExpiresAt string `yaml:"access_expires_at,omitempty"`
}

func whoami(ctx context.Context, a *app) error {
	user, err := a.client.Profile(ctx)
	if err != nil {
		return errors.New(session.Message(err))
	}

	out := whoamiOutput{User: *user, BonusBalance: user.BonusBalance.StringFixed(2)}
	if exp, err := a.tokens.AccessExpiry(); err == nil {
		out.AccessExpiresAt = exp.Local().Format(time.RFC3339)
	}

	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close()

	enc.SetIndent(2)

	return enc.Encode(out)
}

func verifyPhone(ctx context.Context, a *app, phone string) error {
	pv, err := a.client.StartPhoneVerification(ctx, strings.TrimSpace(phone))
	if err != nil {
		return errors.New(session.Message(err))
	}

	fmt.Fprintf(os.Stderr, "Open this link to confirm %s:\n  %s\n", phone, pv.ConfirmURL)

	poller := phoneverify.NewPoller(a.client, phoneverify.Options{
		Interval: a.cfg.PhonePollInterval,
		TTL:      a.cfg.PhoneVerifyTTL,
		Logger:   a.logger,
		OnTick: func(t phoneverify.Tick) {
			fmt.Fprintf(os.Stderr, "\rwaiting for confirmation, %s left ", t.Remaining.Round(time.Second))
		},
	})

	err = poller.Wait(ctx, pv)
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return errors.New(session.Message(err))
	}

	fmt.Fprintln(os.Stderr, "Phone number verified.")

	return nil
}
