package cache

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

// EnvSealKeyVar is the environment variable holding the URL-safe (or
// standard) base64-encoded 32-byte AEAD key used to seal credentials at rest on L2/L3, per §4.6's
// "process-held key sourced from environment".
const EnvSealKeyVar = "PROXYWHIRL_CACHE_KEY"

// EnvSealKeyPreviousVar optionally holds the prior key during rotation:
// Open tries the current key first, falling back to this one, so
// entries sealed before a key rotation stay readable until they expire
// or are rewritten.
const EnvSealKeyPreviousVar = "PROXYWHIRL_CACHE_KEY_PREVIOUS"

// Sealer encrypts and decrypts short credential blobs with
// ChaCha20-Poly1305, an AEAD scheme, matching the cache's
// encrypted-at-rest requirement.
type Sealer struct {
	aead     cipherAEAD
	previous cipherAEAD // optional, for key-rotation Open fallback
}

// cipherAEAD narrows the stdlib/x-crypto AEAD surface the sealer needs.
type cipherAEAD interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewSealerFromEnv builds a Sealer from the key in EnvSealKeyVar. If unset,
// a random in-process key is generated — entries remain sealed for the
// life of the process but are not recoverable across restarts, which is
// acceptable for L2 (rebuilt from L3/ingest) but should be configured
// explicitly in production deployments.
func NewSealerFromEnv() (*Sealer, error) {
	raw := os.Getenv(EnvSealKeyVar)
	var key []byte
	if raw == "" {
		key = make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("cache: generate ephemeral seal key: %w", err)
		}
	} else {
		decoded, err := decodeSealKey(EnvSealKeyVar, raw)
		if err != nil {
			return nil, err
		}
		key = decoded
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cache: init AEAD cipher: %w", err)
	}
	s := &Sealer{aead: aead}

	if prevRaw := os.Getenv(EnvSealKeyPreviousVar); prevRaw != "" {
		prevKey, err := decodeSealKey(EnvSealKeyPreviousVar, prevRaw)
		if err != nil {
			return nil, err
		}
		prevAEAD, err := chacha20poly1305.New(prevKey)
		if err != nil {
			return nil, fmt.Errorf("cache: init previous AEAD cipher: %w", err)
		}
		s.previous = prevAEAD
	}
	return s, nil
}

func decodeSealKey(envVar, raw string) ([]byte, error) {
	decoded, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		decoded, err = base64.StdEncoding.DecodeString(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("cache: decode %s: %w", envVar, err)
	}
	if len(decoded) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("cache: %s must decode to %d bytes, got %d", envVar, chacha20poly1305.KeySize, len(decoded))
	}
	return decoded, nil
}

// Seal encrypts plaintext, returning nonce||ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cache: generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a blob produced by Seal, trying the current key first
// and falling back to the previous key (EnvSealKeyPreviousVar) so
// entries sealed before a key rotation remain readable.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, errors.New("cache: sealed credential blob is truncated")
	}
	nonce, ciphertext := sealed[:n], sealed[n:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err == nil {
		return plaintext, nil
	}
	if s.previous != nil {
		if pn := s.previous.NonceSize(); len(sealed) >= pn {
			if plaintext, prevErr := s.previous.Open(nil, sealed[:pn], sealed[pn:], nil); prevErr == nil {
				return plaintext, nil
			}
		}
	}
	return nil, fmt.Errorf("cache: open sealed credential blob: %w", err)
}
