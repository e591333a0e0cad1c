package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// sealKeyLen is the derived AES-256 key length in bytes.
	sealKeyLen = 32

	// saltLen is the length of the random per-database salt.
	saltLen = 16

	// sealVersion prefixes sealed values so they are never mistaken for
	// plaintext JSON.
	sealVersion = 0x01
)

var errUnseal = errors.New("unsealing session tokens failed, wrong passphrase?")

// sealer encrypts stored values with AES-GCM. Sealed layout is
// [version][12-byte nonce][ciphertext+tag].
type sealer struct {
	gcm cipher.AEAD
}

func newSealer(passphrase string, salt []byte) (*sealer, error) {
	key, err := scrypt.Key([]byte(norm.NFKC.String(passphrase)), salt, scryptN, scryptR, scryptP, sealKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving state key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &sealer{gcm: gcm}, nil
}

func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+s.gcm.Overhead())
	out = append(out, sealVersion)
	out = append(out, nonce...)

	return s.gcm.Seal(out, nonce, plaintext, nil), nil
}

func (s *sealer) unseal(data []byte) ([]byte, error) {
	ns := s.gcm.NonceSize()
	if len(data) < 1+ns || data[0] != sealVersion {
		return nil, errUnseal
	}

	plaintext, err := s.gcm.Open(nil, data[1:1+ns], data[1+ns:], nil)
	if err != nil {
		return nil, errUnseal
	}

	return plaintext, nil
}

func newSalt() []byte {
	b := make([]byte, saltLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return b
}
