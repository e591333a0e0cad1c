// Package console serves the local operator console: the back-office
// login flow, a guarded dashboard and a WebSocket event stream that tells
// open pages when the session ends.
package console

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/teacup-labs/teadesk/internal/models"
	"github.com/teacup-labs/teadesk/internal/session"
	"github.com/teacup-labs/teadesk/internal/tokenstore"
	"github.com/teacup-labs/teadesk/internal/twofactor"
)

// maxRequestBody caps form and JSON bodies accepted by the console.
const maxRequestBody = 64 * 1024

// LoginPath is where the guard sends signed-out browsers.
const LoginPath = "/login"

// API is the part of the API client the console calls directly.
type API interface {
	Profile(ctx context.Context) (*models.User, error)
	StartPhoneVerification(ctx context.Context, phone string) (*models.PhoneVerification, error)
	PhoneVerificationStatus(ctx context.Context, requestID string) (*models.PhoneVerification, error)
	Logout(ctx context.Context) error
}

// Tokens is the part of the token store the console reads.
type Tokens interface {
	SessionReader
	AccessExpiry() (time.Time, error)
	Subscribe(fn func(tokenstore.Change)) func()
}

// Config holds the console's dependencies.
type Config struct {
	Negotiator *session.Negotiator
	Tokens     Tokens
	API        API
	Logger     *slog.Logger

	PhonePollInterval time.Duration
	PhoneVerifyTTL    time.Duration
}

// Server holds the console state shared by all handlers.
type Server struct {
	negotiator *session.Negotiator
	tokens     Tokens
	api        API
	logger     *slog.Logger
	hub        *Hub
	csrf       *csrfTokens
	limiter    *failureLimiter

	pollInterval time.Duration
	pollTTL      time.Duration

	// Background work (phone verification polling) runs under ctx and
	// is cancelled by Close.
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	verifyMu    sync.Mutex
	stopVerify  context.CancelFunc
	unsubscribe func()
}

// New creates a console server. The token store must already be
// hydrated.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		negotiator:   cfg.Negotiator,
		tokens:       cfg.Tokens,
		api:          cfg.API,
		logger:       logger,
		hub:          NewHub(logger),
		csrf:         newCSRFTokens(),
		limiter:      newFailureLimiter(),
		pollInterval: cfg.PhonePollInterval,
		pollTTL:      cfg.PhoneVerifyTTL,
		ctx:          ctx,
		cancel:       cancel,
	}

	s.unsubscribe = cfg.Tokens.Subscribe(s.onSessionChange)

	return s
}

// onSessionChange tells every open page about the new session state. A
// signed-out session also stops any phone verification in progress.
func (s *Server) onSessionChange(c tokenstore.Change) {
	ev := Event{Type: EventSession, Authenticated: c.Authenticated}

	if !c.Authenticated {
		ev.Redirect = LoginPath
		s.cancelVerification()
	}

	s.hub.Publish(ev)
}

// Close stops background work and disconnects event subscribers.
func (s *Server) Close() {
	s.unsubscribe()
	s.cancel()
	s.wg.Wait()
	s.hub.Close()
}

// Hub exposes the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the console's HTTP handler.
func (s *Server) Handler() http.Handler {
	return NewMux(s)
}

// NewMux builds the console mux. Everything except the login flow,
// the event stream and the health check sits behind Guard.
func NewMux(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /events", s.handleEvents)

	mux.HandleFunc("GET /login", s.handleLoginPage)
	mux.HandleFunc("POST /login", s.handleLoginSubmit)
	mux.HandleFunc("POST /login/code", s.handleCodeSubmit)
	mux.HandleFunc("POST /login/restart", s.handleRestart)
	mux.HandleFunc("GET /login/setup/qr.png", s.handleSetupQR)
	mux.HandleFunc("POST /logout", s.handleLogout)

	guard := Guard(s.tokens, LoginPath, s.logger)
	mux.Handle("GET /{$}", guard(http.HandlerFunc(s.handleDashboard)))
	mux.Handle("GET /api/me", guard(http.HandlerFunc(s.handleMe)))
	mux.Handle("POST /phone/verify", guard(http.HandlerFunc(s.handlePhoneVerify)))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"authenticated": s.tokens.Authenticated(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.hub.serve(w, r, s.sessionEvent)
}

// sessionEvent describes the current session state.
func (s *Server) sessionEvent() Event {
	ev := Event{Type: EventSession, Authenticated: s.tokens.Authenticated()}
	if !ev.Authenticated {
		ev.Redirect = LoginPath
	}

	return ev
}

// pageData is the view model shared by all templates.
type pageData struct {
	CSRFToken    string
	Email        string
	Error        string
	Setup        *twofactor.Provisioning
	User         *models.User
	AccessExpiry string
	Location     string
}
