// Package tokenstore owns the session tokens and the bearer header
// derived from them. It is the only writer of that state: the API
// client reads Header at dispatch time and never sets Authorization
// itself.
package tokenstore

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/teacup-labs/teadesk/internal/models"
)

// Persister is the durable side of the store. *state.State satisfies it.
type Persister interface {
	Tokens() (models.SessionTokens, error)
	SaveTokens(t models.SessionTokens) error
	ClearTokens() error
}

// Change is delivered to subscribers after every successful write.
type Change struct {
	Authenticated bool
}

// Store holds the in-memory copy of the persisted session. Writes go to
// the persister first and to memory second, both under one lock, so a
// reader never observes a token that is not also on disk.
type Store struct {
	mu      sync.RWMutex
	tokens  models.SessionTokens
	persist Persister
	logger  *slog.Logger

	subMu  sync.Mutex
	subs   map[int]func(Change)
	nextID int
}

// Open creates a Store and hydrates it from the persister before
// returning. Callers must finish Open before serving any guarded route.
func Open(p Persister, logger *slog.Logger) (*Store, error) {
	t, err := p.Tokens()
	if err != nil {
		return nil, fmt.Errorf("hydrating token store: %w", err)
	}

	s := &Store{
		tokens:  t,
		persist: p,
		logger:  logger,
		subs:    make(map[int]func(Change)),
	}

	logger.Debug("token store hydrated", slog.Bool("authenticated", !t.Empty()))

	return s, nil
}

// SetTokens replaces both tokens. When persisting fails the in-memory
// state is left untouched and the error is returned.
func (s *Store) SetTokens(access, refresh string) error {
	if access == "" {
		return fmt.Errorf("setting tokens: access token is empty")
	}

	t := models.SessionTokens{AccessToken: access, RefreshToken: refresh}

	s.mu.Lock()
	if err := s.persist.SaveTokens(t); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persisting tokens: %w", err)
	}
	s.tokens = t
	s.mu.Unlock()

	s.notify(Change{Authenticated: true})

	return nil
}

// Clear drops both tokens. Memory is cleared even if the persister
// fails, so the process stops sending the old credential either way.
func (s *Store) Clear() error {
	s.mu.Lock()
	err := s.persist.ClearTokens()
	s.tokens = models.SessionTokens{}
	s.mu.Unlock()

	s.notify(Change{Authenticated: false})

	if err != nil {
		return fmt.Errorf("clearing persisted tokens: %w", err)
	}

	return nil
}

// Current returns the access token, or "" when signed out.
func (s *Store) Current() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.AccessToken
}

// RefreshToken returns the refresh token, or "".
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.RefreshToken
}

// Snapshot returns both tokens read under the same lock.
func (s *Store) Snapshot() models.SessionTokens {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens
}

// Header returns the Authorization header value for the current access
// token, or "" when signed out.
func (s *Store) Header() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return bearer(s.tokens.AccessToken)
}

// Authenticated reports whether an access token is present. Expiry is
// not checked; a stale token is discovered by the first failed call.
func (s *Store) Authenticated() bool {
	return s.Current() != ""
}

// Subscribe registers fn for change notifications and returns a function
// that removes it. fn runs on the writer's goroutine after the lock is
// released and must not block.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

func bearer(token string) string {
	if token == "" {
		return ""
	}

	return "Bearer " + token
}
