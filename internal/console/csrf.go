package console

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// csrfExpiry controls how long a form token remains valid.
	csrfExpiry = 30 * time.Minute

	// csrfTokenBytes is the number of random bytes used to generate
	// a CSRF token (hex-encoded to twice this length).
	csrfTokenBytes = 16

	// csrfPruneThreshold is the number of outstanding tokens above
	// which expired ones are dropped on the next issue.
	csrfPruneThreshold = 256
)

// csrfTokens issues single-use form tokens. Every page render issues a
// fresh one and every state-changing POST consumes one.
type csrfTokens struct {
	mu     sync.Mutex
	tokens map[string]time.Time
}

func newCSRFTokens() *csrfTokens {
	return &csrfTokens{tokens: make(map[string]time.Time)}
}

func (c *csrfTokens) issue() string {
	b := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	token := hex.EncodeToString(b)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.tokens) > csrfPruneThreshold {
		for t, exp := range c.tokens {
			if now.After(exp) {
				delete(c.tokens, t)
			}
		}
	}

	c.tokens[token] = now.Add(csrfExpiry)

	return token
}

// consume deletes token and reports whether it was valid.
func (c *csrfTokens) consume(token string) bool {
	if token == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	exp, ok := c.tokens[token]
	if !ok {
		return false
	}

	delete(c.tokens, token)

	return time.Now().Before(exp)
}
