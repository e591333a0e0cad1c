package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teacup-labs/teadesk/internal/api"
	"github.com/teacup-labs/teadesk/internal/config"
	"github.com/teacup-labs/teadesk/internal/state"
	"github.com/teacup-labs/teadesk/internal/tokenstore"
)

// codeBackend requires a second factor and accepts only validCode. Setting
// expired makes the temp token expire.
type codeBackend struct {
	verifyCalls atomic.Int32
	expired     atomic.Bool
}

const validCode = "123456"

func (b *codeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req map[string]string
	_ = json.NewDecoder(r.Body).Decode(&req)

	switch r.URL.Path {
	case "/auth/login":
		_ = json.NewEncoder(w).Encode(map[string]string{"state": "2fa_required", "temp_token": "tmp-1"})
	case "/auth/2fa/verify":
		b.verifyCalls.Add(1)

		switch {
		case b.expired.Load():
			w.WriteHeader(http.StatusGone)
			_ = json.NewEncoder(w).Encode(map[string]string{"code": "temp_token_expired", "message": "expired"})
		case req["temp_token"] != "tmp-1" || req["code"] != validCode:
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"code": "invalid_code", "message": "Invalid code"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "acc", "refresh_token": "ref"})
		}
	case "/users/me":
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "u1", "email": "op@example.org"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newLoginApp(t *testing.T, backend http.Handler) *app {
	t.Helper()

	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tokens, err := tokenstore.Open(st, logger)
	require.NoError(t, err)

	client := api.NewClient(api.Options{
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
		Tokens:     tokens,
		Logger:     logger,
	})

	return &app{
		cfg:    &config.Config{Email: "op@example.org", Password: "secret"},
		logger: logger,
		state:  st,
		tokens: tokens,
		client: client,
	}
}

func scripted(lines ...string) (*prompter, *bytes.Buffer) {
	var out bytes.Buffer
	in := strings.Join(lines, "\n") + "\n"

	return &prompter{in: bufio.NewScanner(strings.NewReader(in)), out: &out}, &out
}

func TestRunLogin_KeepsAskingUntilCodeAccepted(t *testing.T) {
	backend := &codeBackend{}
	a := newLoginApp(t, backend)

	p, out := scripted("000000", "000000", "000000", "000000", "000000", "000000", validCode)

	err := runLogin(context.Background(), a, p, out)
	require.NoError(t, err)

	assert.Equal(t, int32(7), backend.verifyCalls.Load())
	assert.True(t, a.tokens.Authenticated())
	assert.Equal(t, 6, strings.Count(out.String(), "That code is not valid"))
	assert.Contains(t, out.String(), "Signed in.")
}

func TestRunLogin_ExpiredAttemptStops(t *testing.T) {
	backend := &codeBackend{}
	backend.expired.Store(true)
	a := newLoginApp(t, backend)

	p, out := scripted(validCode, validCode)

	err := runLogin(context.Background(), a, p, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")

	assert.Equal(t, int32(1), backend.verifyCalls.Load())
	assert.False(t, a.tokens.Authenticated())
}

func TestRunLogin_EndOfInputStops(t *testing.T) {
	backend := &codeBackend{}
	a := newLoginApp(t, backend)

	p, out := scripted("000000")

	err := runLogin(context.Background(), a, p, out)
	require.Error(t, err)

	assert.Equal(t, int32(1), backend.verifyCalls.Load())
	assert.False(t, a.tokens.Authenticated())
}

func TestRunLogin_CancelledContextStops(t *testing.T) {
	backend := &codeBackend{}
	a := newLoginApp(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The password comes from config; the code prompt's first read
	// cancels ctx, so the code it returns is sent too late.
	var out bytes.Buffer
	p := &prompter{
		in:  bufio.NewScanner(&cancelOnRead{cancel: cancel, r: strings.NewReader(validCode + "\n" + validCode + "\n")}),
		out: &out,
	}

	err := runLogin(ctx, a, p, &out)
	require.Error(t, err)
	assert.False(t, a.tokens.Authenticated())
}

// cancelOnRead cancels ctx whenever input is read.
type cancelOnRead struct {
	cancel context.CancelFunc
	r      io.Reader
}

func (c *cancelOnRead) Read(p []byte) (int, error) {
	c.cancel()
	return c.r.Read(p)
}
