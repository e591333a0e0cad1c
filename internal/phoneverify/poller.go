// Package phoneverify waits for a phone verification to be confirmed out
// of band. The backend is polled on a fixed interval until the request is
// verified, expires, is rejected, or the caller gives up.
package phoneverify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teacup-labs/teadesk/internal/api"
	apperrors "github.com/teacup-labs/teadesk/internal/errors"
	"github.com/teacup-labs/teadesk/internal/models"
)

const (
	// DefaultInterval is the pause between status checks when Options
	// leaves Interval unset.
	DefaultInterval = 3 * time.Second

	// DefaultTTL is the polling lifetime when Options leaves TTL unset and
	// the server sends no expires_in.
	DefaultTTL = 5 * time.Minute
)

// StatusChecker is the API call the poller repeats.
type StatusChecker interface {
	PhoneVerificationStatus(ctx context.Context, requestID string) (*models.PhoneVerification, error)
}

// Tick is reported after every poll that is still pending.
type Tick struct {
	Remaining time.Duration
	Status    models.VerificationStatus
}

// Options configures a Poller. Zero values take the defaults.
type Options struct {
	Interval time.Duration
	TTL      time.Duration
	Logger   *slog.Logger

	// OnTick drives the visible countdown. It runs on the polling
	// goroutine.
	OnTick func(Tick)
}

// Poller repeats a status check until a terminal outcome.
type Poller struct {
	checker  StatusChecker
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger
	onTick   func(Tick)
}

// NewPoller creates a Poller.
func NewPoller(checker StatusChecker, opts Options) *Poller {
	p := &Poller{
		checker:  checker,
		interval: opts.Interval,
		ttl:      opts.TTL,
		logger:   opts.Logger,
		onTick:   opts.OnTick,
	}

	if p.interval <= 0 {
		p.interval = DefaultInterval
	}

	if p.ttl <= 0 {
		p.ttl = DefaultTTL
	}

	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}

	return p
}

// Wait polls pv until it is verified (nil), expires or is rejected
// (ErrVerificationExpired, ErrVerificationRejected), the session ends, or
// ctx is done. The countdown starts from pv.ExpiresIn when the server set
// it, else from the configured TTL. Transient failures are logged and the
// loop carries on.
func (p *Poller) Wait(ctx context.Context, pv *models.PhoneVerification) error {
	ttl := p.ttl
	if pv.ExpiresIn > 0 {
		ttl = time.Duration(pv.ExpiresIn) * time.Second
	}

	deadline := time.Now().Add(ttl)

	expiry := time.NewTimer(ttl)
	defer expiry.Stop()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("waiting for phone verification",
		slog.String("request_id", pv.RequestID),
		slog.Duration("ttl", ttl),
	)

	p.tick(Tick{Remaining: ttl, Status: models.VerificationPending})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-expiry.C:
			return apperrors.ErrVerificationExpired

		case <-ticker.C:
			status, err := p.check(ctx, pv.RequestID)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				if isFatal(err) {
					return err
				}

				p.logger.Warn("phone verification poll failed",
					slog.String("error", err.Error()),
				)

				continue
			}

			switch status {
			case models.VerificationVerified:
				p.logger.Info("phone verified", slog.String("request_id", pv.RequestID))
				return nil
			case models.VerificationExpired:
				return apperrors.ErrVerificationExpired
			case models.VerificationRejected:
				return apperrors.ErrVerificationRejected
			}

			p.tick(Tick{Remaining: max(time.Until(deadline), 0), Status: status})
		}
	}
}

func (p *Poller) check(ctx context.Context, requestID string) (models.VerificationStatus, error) {
	pv, err := p.checker.PhoneVerificationStatus(ctx, requestID)
	if err != nil {
		return "", fmt.Errorf("checking verification %s: %w", requestID, err)
	}

	return pv.Status, nil
}

func (p *Poller) tick(t Tick) {
	if p.onTick != nil {
		p.onTick(t)
	}
}

// isFatal reports errors that polling again cannot fix.
func isFatal(err error) bool {
	if api.IsConnectivity(err) {
		return false
	}

	if errors.Is(err, apperrors.ErrSessionExpired) || errors.Is(err, apperrors.ErrNotAuthenticated) {
		return true
	}

	var se *api.StatusError

	return errors.As(err, &se) && se.Status >= 400 && se.Status < 500
}
