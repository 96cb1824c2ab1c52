package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	defaultIterations = 100000
	keyLength         = 32
	saltPrefix        = "pigeonmatch/frame/"
)

var ErrEmptySecret = errors.New("security: shared secret must not be empty")

// FrameCipher seals mesh frames with AES-GCM under a key every member of a
// network derives from the same shared secret. Safe for concurrent use.
type FrameCipher struct {
	gcm cipher.AEAD
}

// DeriveKey derives a frame key from the shared secret. The network id is
// the salt so the same secret yields different keys per network.
func DeriveKey(sharedSecret, networkID string, iterations int) []byte {
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return pbkdf2.Key(
		[]byte(sharedSecret),
		[]byte(saltPrefix+networkID),
		iterations,
		keyLength,
		sha256.New,
	)
}

// NewFrameCipher derives the network key and prepares the AEAD.
func NewFrameCipher(sharedSecret, networkID string) (*FrameCipher, error) {
	if sharedSecret == "" {
		return nil, ErrEmptySecret
	}
	return NewFrameCipherFromKey(DeriveKey(sharedSecret, networkID, defaultIterations))
}

// NewFrameCipherFromKey builds a cipher from a raw 16, 24 or 32 byte key.
func NewFrameCipherFromKey(key []byte) (*FrameCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &FrameCipher{gcm: gcm}, nil
}

// Seal encrypts a frame and returns it base64 encoded so it stays on one line.
func (f *FrameCipher) Seal(frame []byte) ([]byte, error) {
	nonce := make([]byte, f.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := f.gcm.Seal(nonce, nonce, frame, nil)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

// Open reverses Seal.
func (f *FrameCipher) Open(line []byte) ([]byte, error) {
	sealed := make([]byte, base64.StdEncoding.DecodedLen(len(line)))
	n, err := base64.StdEncoding.Decode(sealed, line)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	sealed = sealed[:n]

	nonceSize := f.gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := f.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}
