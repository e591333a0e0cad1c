package e2e_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/teacup-labs/teadesk/internal/api"
	"github.com/teacup-labs/teadesk/internal/console"
	"github.com/teacup-labs/teadesk/internal/session"
	"github.com/teacup-labs/teadesk/internal/state"
	"github.com/teacup-labs/teadesk/internal/tokenstore"
)

const (
	testPassword = "correct horse"

	plainEmail = "plain@example.org"
	codeEmail  = "code@example.org"
	setupEmail = "setup@example.org"
)

var (
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	signingKey = []byte("e2e-signing-key")
)

// account is a backend user. secret is empty until 2FA is enrolled.
type account struct {
	id       string
	name     string
	twoFA    bool
	secret   string
	verified bool
}

// backend is an in-memory tea-shop API: login with optional TOTP, token
// refresh with rotation, profile and phone verification.
type backend struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	accounts   map[string]*account
	temp       map[string]string // temp token -> email
	access     map[string]string // access token -> email
	refresh    map[string]string // refresh token -> email
	pending    map[string]*otp.Key
	phoneCalls map[string]int

	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	b := &backend{
		t: t,
		accounts: map[string]*account{
			plainEmail: {id: "u-plain", name: "Plain Operator"},
			codeEmail:  {id: "u-code", name: "Code Operator", twoFA: true},
			setupEmail: {id: "u-setup", name: "Setup Operator", twoFA: true},
		},
		temp:       make(map[string]string),
		access:     make(map[string]string),
		refresh:    make(map[string]string),
		pending:    make(map[string]*otp.Key),
		phoneCalls: make(map[string]int),
	}

	key, err := totp.Generate(totp.GenerateOpts{Issuer: "Teacup", AccountName: codeEmail})
	require.NoError(t, err)
	b.accounts[codeEmail].secret = key.Secret()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", b.handleLogin)
	mux.HandleFunc("POST /auth/2fa/setup", b.handleSetup)
	mux.HandleFunc("POST /auth/2fa/verify", b.handleVerify)
	mux.HandleFunc("POST /auth/refresh", b.handleRefresh)
	mux.HandleFunc("POST /auth/logout", b.handleLogout)
	mux.HandleFunc("GET /users/me", b.authed(b.handleProfile))
	mux.HandleFunc("POST /users/me/phone/verification", b.authed(b.handleStartPhone))
	mux.HandleFunc("GET /users/me/phone/verification/{id}", b.authed(b.handlePhoneStatus))

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)

	return b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request) map[string]string {
	var m map[string]string
	_ = json.NewDecoder(r.Body).Decode(&m)
	return m
}

// issue mints a session for email. Access tokens are JWTs so the client
// can show their expiry.
func (b *backend) issue(email string) map[string]string {
	claims := jwt.RegisteredClaims{
		Subject:   b.accounts[email].id,
		ID:        uuid.NewString(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(15 * time.Minute)),
	}

	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	require.NoError(b.t, err)

	refresh := uuid.NewString()
	b.access[access] = email
	b.refresh[refresh] = email

	return map[string]string{"access_token": access, "refresh_token": refresh}
}

func (b *backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	req := readJSON(r)

	b.mu.Lock()
	defer b.mu.Unlock()

	acct, ok := b.accounts[req["email"]]
	if !ok || req["password"] != testPassword {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "invalid_credentials", "message": "Invalid email or password"})
		return
	}

	if !acct.twoFA {
		resp := b.issue(req["email"])
		resp["state"] = "ok"
		writeJSON(w, http.StatusOK, resp)

		return
	}

	temp := uuid.NewString()
	b.temp[temp] = req["email"]

	state := "2fa_required"
	if acct.secret == "" {
		state = "2fa_setup_required"
	}

	writeJSON(w, http.StatusOK, map[string]string{"state": state, "temp_token": temp})
}

func (b *backend) handleSetup(w http.ResponseWriter, r *http.Request) {
	req := readJSON(r)

	b.mu.Lock()
	defer b.mu.Unlock()

	email, ok := b.temp[req["temp_token"]]
	if !ok {
		writeJSON(w, http.StatusGone, map[string]string{"code": "temp_token_expired", "message": "expired"})
		return
	}

	key, err := totp.Generate(totp.GenerateOpts{Issuer: "Teacup", AccountName: email})
	require.NoError(b.t, err)
	b.pending[email] = key

	writeJSON(w, http.StatusOK, map[string]string{"otpauth_url": key.URL()})
}

func (b *backend) handleVerify(w http.ResponseWriter, r *http.Request) {
	req := readJSON(r)

	b.mu.Lock()
	defer b.mu.Unlock()

	email, ok := b.temp[req["temp_token"]]
	if !ok {
		writeJSON(w, http.StatusGone, map[string]string{"code": "temp_token_expired", "message": "expired"})
		return
	}

	acct := b.accounts[email]
	secret := acct.secret
	if key, enrolling := b.pending[email]; enrolling {
		secret = key.Secret()
	}

	if !totp.Validate(req["code"], secret) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "invalid_code", "message": "Invalid code"})
		return
	}

	if key, enrolling := b.pending[email]; enrolling {
		acct.secret = key.Secret()
		delete(b.pending, email)
	}

	delete(b.temp, req["temp_token"])
	writeJSON(w, http.StatusOK, b.issue(email))
}

// handleRefresh rotates both tokens.
func (b *backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	b.refreshCalls.Add(1)
	req := readJSON(r)

	b.mu.Lock()
	defer b.mu.Unlock()

	email, ok := b.refresh[req["refresh_token"]]
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "invalid_refresh_token", "message": "refresh token revoked"})
		return
	}

	delete(b.refresh, req["refresh_token"])
	writeJSON(w, http.StatusOK, b.issue(email))
}

func (b *backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	b.logoutCalls.Add(1)

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	b.mu.Lock()
	email := b.access[token]
	delete(b.access, token)
	for rt, e := range b.refresh {
		if e == email {
			delete(b.refresh, rt)
		}
	}
	b.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, email string)

func (b *backend) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		b.mu.Lock()
		email, ok := b.access[token]
		b.mu.Unlock()

		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"code": "token_invalid", "message": "token expired"})
			return
		}

		next(w, r, email)
	}
}

func (b *backend) handleProfile(w http.ResponseWriter, _ *http.Request, email string) {
	b.mu.Lock()
	acct := b.accounts[email]
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"id":             acct.id,
		"email":          email,
		"name":           acct.name,
		"role":           "operator",
		"phone_verified": acct.verified,
		"bonus_balance":  "12.50",
	})
}

func (b *backend) handleStartPhone(w http.ResponseWriter, r *http.Request, _ string) {
	id := uuid.NewString()

	b.mu.Lock()
	b.phoneCalls[id] = 0
	b.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{
		"request_id":  id,
		"status":      "pending",
		"confirm_url": "https://t.me/teacup_bot?start=" + id,
		"expires_in":  60,
	})
}

// handlePhoneStatus reports verified on the second poll.
func (b *backend) handlePhoneStatus(w http.ResponseWriter, r *http.Request, email string) {
	id := r.PathValue("id")

	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.phoneCalls[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "unknown request"})
		return
	}

	b.phoneCalls[id] = n + 1

	status := "pending"
	if n >= 1 {
		status = "verified"
		b.accounts[email].verified = true
	}

	writeJSON(w, http.StatusOK, map[string]string{"request_id": id, "status": status})
}

// expireAccess invalidates every access token, as if they had all
// reached their exp.
func (b *backend) expireAccess() {
	b.mu.Lock()
	clear(b.access)
	b.mu.Unlock()
}

func (b *backend) revokeRefresh() {
	b.mu.Lock()
	clear(b.refresh)
	b.mu.Unlock()
}

func (b *backend) currentCode(t *testing.T, email string) string {
	t.Helper()

	b.mu.Lock()
	secret := b.accounts[email].secret
	if key, ok := b.pending[email]; ok {
		secret = key.Secret()
	}
	b.mu.Unlock()

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	return code
}

// harness runs the full client stack against the fake backend: sealed
// state file, token store, API client, login negotiator and console.
type harness struct {
	backend   *backend
	statePath string
	state     *state.State
	tokens    *tokenstore.Store
	client    *api.Client
	console   *console.Server
	URL       string
	browser   *http.Client

	expired atomic.Int32
}

const testPassphrase = "e2e passphrase"

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		backend:   newBackend(t),
		statePath: filepath.Join(t.TempDir(), "state.db"),
	}
	h.open(t)

	return h
}

// open builds the client stack on the harness's state file. It can be
// called again after closeStack to simulate a restart.
func (h *harness) open(t *testing.T) {
	t.Helper()

	st, err := state.LoadAt(h.statePath, testPassphrase)
	require.NoError(t, err)

	tokens, err := tokenstore.Open(st, testLogger)
	require.NoError(t, err)

	client := api.NewClient(api.Options{
		BaseURL:          h.backend.srv.URL,
		Tokens:           tokens,
		Logger:           testLogger,
		OnSessionExpired: func() { h.expired.Add(1) },
	})

	neg := session.NewNegotiator(session.Options{Backend: client, Tokens: tokens, Logger: testLogger})

	c := console.New(console.Config{
		Negotiator:        neg,
		Tokens:            tokens,
		API:               client,
		Logger:            testLogger,
		PhonePollInterval: 10 * time.Millisecond,
		PhoneVerifyTTL:    5 * time.Second,
	})

	srv := httptest.NewServer(c.Handler())

	h.state, h.tokens, h.client, h.console = st, tokens, client, c
	h.URL = srv.URL
	h.browser = &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}

	t.Cleanup(func() {
		srv.Close()
		h.closeStack()
	})
}

func (h *harness) closeStack() {
	if h.state == nil {
		return
	}

	h.console.Close()
	_ = h.state.Close()
	h.state = nil
}

var csrfPattern = regexp.MustCompile(`name="csrf_token" value="([0-9a-f]+)"`)

// csrf loads a page and returns the form token embedded in it.
func (h *harness) csrf(t *testing.T, path string) string {
	t.Helper()

	resp, err := h.browser.Get(h.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	m := csrfPattern.FindSubmatch(body)
	require.NotNil(t, m, "no csrf token on %s", path)

	return string(m[1])
}

func (h *harness) postForm(t *testing.T, path, tokenFrom string, form url.Values) (*http.Response, string) {
	t.Helper()

	form.Set("csrf_token", h.csrf(t, tokenFrom))

	resp, err := h.browser.PostForm(h.URL+path, form)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, string(body)
}

func (h *harness) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()

	resp, err := h.browser.Get(h.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, string(body)
}

func (h *harness) signIn(t *testing.T, email string) {
	t.Helper()

	resp, body := h.postForm(t, "/login", "/login", url.Values{"email": {email}, "password": {testPassword}})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode, body)
	require.Equal(t, "/", resp.Header.Get("Location"))
}
