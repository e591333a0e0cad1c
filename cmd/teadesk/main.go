package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teacup-labs/teadesk/internal/api"
	"github.com/teacup-labs/teadesk/internal/config"
	"github.com/teacup-labs/teadesk/internal/console"
	"github.com/teacup-labs/teadesk/internal/logging"
	"github.com/teacup-labs/teadesk/internal/session"
	"github.com/teacup-labs/teadesk/internal/state"
	"github.com/teacup-labs/teadesk/internal/tokenstore"
)

var Version = "dev"

const usage = `usage: teadesk [command]

commands:
  serve                 run the operator console (default)
  login                 sign in from the terminal
  logout                end the stored session
  whoami                print the signed-in operator
  verify-phone <phone>  verify a phone number through the messenger bot
`

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error

	switch cmd {
	case "serve":
		err = serve()
	case "login":
		err = withApp(login)
	case "logout":
		err = withApp(logout)
	case "whoami":
		err = withApp(whoami)
	case "verify-phone":
		if len(os.Args) < 3 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}

		phone := os.Args[2]
		err = withApp(func(ctx context.Context, a *app) error {
			return verifyPhone(ctx, a, phone)
		})
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app is the wiring shared by every command: config, the state file,
// the hydrated token store and the API client on top of it.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	state  *state.State
	tokens *tokenstore.Store
	client *api.Client
}

func openApp(newLogger func(env string) *slog.Logger) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(cfg.Environment)

	st, err := state.LoadAt(cfg.StatePath, cfg.StatePassphrase)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	tokens, err := tokenstore.Open(st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	client := api.NewClient(api.Options{
		BaseURL: cfg.APIURL,
		Timeout: cfg.HTTPTimeout,
		Tokens:  tokens,
		Logger:  logger,
		OnSessionExpired: func() {
			logger.Warn("session expired, sign in again")
		},
	})

	return &app{cfg: cfg, logger: logger, state: st, tokens: tokens, client: client}, nil
}

func (a *app) Close() {
	if err := a.state.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}
}

// withApp runs an interactive command with a CLI logger and a context
// cancelled by SIGINT or SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(logging.NewCLILogger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return fn(ctx, a)
}

func (a *app) negotiator() *session.Negotiator {
	return session.NewNegotiator(session.Options{
		Backend: a.client,
		Tokens:  a.tokens,
		Logger:  a.logger,
		OnAuthenticated: func(ctx context.Context) {
			user, err := a.client.Profile(ctx)
			if err != nil {
				a.logger.Warn("loading profile after sign-in", slog.String("error", err.Error()))
				return
			}

			a.logger.Info("signed in",
				slog.String("user_id", user.ID),
				slog.String("email", user.Email),
				slog.String("role", user.Role),
			)
		},
	})
}

// serve runs the operator console until interrupted. The token store is
// hydrated before the listener opens, so the guard never sees a
// half-loaded session.
func serve() error {
	a, err := openApp(logging.NewLogger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("teadesk starting",
		slog.String("version", Version),
		slog.String("api", a.cfg.APIURL),
		slog.Bool("sealed", a.state.Sealed()),
		slog.Bool("authenticated", a.tokens.Authenticated()),
	)

	if exp, err := a.tokens.AccessExpiry(); err == nil {
		a.logger.Info("stored session", slog.Time("access_expires_at", exp))
	}

	c := console.New(console.Config{
		Negotiator:        a.negotiator(),
		Tokens:            a.tokens,
		API:               a.client,
		Logger:            a.logger.With(slog.String("service", "console")),
		PhonePollInterval: a.cfg.PhonePollInterval,
		PhoneVerifyTTL:    a.cfg.PhoneVerifyTTL,
	})
	defer c.Close()

	// No WriteTimeout: the event stream is a long-lived WebSocket.
	server := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("console listening", slog.String("listen", a.cfg.ListenAddr))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("console server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down console")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Hijacked WebSocket connections are not tracked by Shutdown;
		// closing the hub ends them.
		c.Hub().Close()

		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
