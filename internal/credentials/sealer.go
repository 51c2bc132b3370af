package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts integration payloads at rest with XChaCha20-Poly1305.
// The sealed form is nonce || ciphertext.
type Sealer struct {
	key []byte
}

// NewSealer derives a 256-bit key from secret. The same secret must be used
// across restarts or stored credentials become unreadable.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("credentials: sealing secret is empty")
	}
	sum := sha256.Sum256([]byte(secret))
	return &Sealer{key: sum[:]}, nil
}

// NewEphemeralSealer uses a random key. Anything sealed with it is lost on
// restart; intended for tests and local development only.
func NewEphemeralSealer() (*Sealer, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("credentials: generate key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// Seal JSON-encodes data and encrypts it.
func (s *Sealer) Seal(data map[string]any) ([]byte, error) {
	plain, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("credentials: encode payload: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("credentials: init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("credentials: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

// Open decrypts and decodes a payload produced by Seal.
func (s *Sealer) Open(sealed []byte) (map[string]any, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("credentials: init cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("credentials: sealed payload too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("credentials: decrypt: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(plain, &data); err != nil {
		return nil, fmt.Errorf("credentials: decode payload: %w", err)
	}
	return data, nil
}
