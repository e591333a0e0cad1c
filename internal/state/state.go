package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/teacup-labs/teadesk/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.teadesk/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	sessionBucket = []byte("session")
	tokensKey     = []byte("tokens")
	saltKey       = []byte("salt")
)

// ErrSealed is returned when the stored tokens are sealed and the state
// was opened without a passphrase.
var ErrSealed = errors.New("stored session is sealed, set TEADESK_STATE_PASSPHRASE")

// State wraps a bbolt database holding the persisted session.
type State struct {
	db     *bolt.DB
	sealer *sealer
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. A non-empty passphrase seals tokens at rest.
func LoadAt(path, passphrase string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	var salt []byte

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sessionBucket)
		if err != nil {
			return err
		}

		if passphrase == "" {
			return nil
		}

		salt = b.Get(saltKey)
		if salt == nil {
			salt = newSalt()
			return b.Put(saltKey, salt)
		}

		// bbolt values are only valid inside the transaction.
		salt = append([]byte(nil), salt...)

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	s := &State{db: db}

	if passphrase != "" {
		s.sealer, err = newSealer(passphrase, salt)
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Sealed reports whether tokens are encrypted before they are written.
func (s *State) Sealed() bool {
	return s.sealer != nil
}

// Tokens returns the persisted session tokens. An empty value means no
// session is stored.
func (s *State) Tokens() (models.SessionTokens, error) {
	var t models.SessionTokens

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get(tokensKey)
		if v == nil {
			return nil
		}

		data, err := s.open(v)
		if err != nil {
			return err
		}

		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return models.SessionTokens{}, fmt.Errorf("reading session tokens: %w", err)
	}

	return t, nil
}

// SaveTokens persists both tokens in a single transaction.
func (s *State) SaveTokens(t models.SessionTokens) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}

	if s.sealer != nil {
		data, err = s.sealer.seal(data)
		if err != nil {
			return err
		}
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(tokensKey, data)
	})
}

// ClearTokens removes the persisted session. It succeeds when nothing is
// stored and does not need the passphrase.
func (s *State) ClearTokens() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete(tokensKey)
	})
}

// open returns the plaintext JSON for a stored value. Plain JSON written
// before a passphrase was configured is still readable.
func (s *State) open(v []byte) ([]byte, error) {
	if len(v) > 0 && v[0] == '{' {
		return v, nil
	}

	if s.sealer == nil {
		return nil, ErrSealed
	}

	return s.sealer.unseal(v)
}

// DefaultPath returns ~/.teadesk/state.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail rather than silently writing session tokens into the
		// current directory.
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".teadesk", "state.db"), nil
}
