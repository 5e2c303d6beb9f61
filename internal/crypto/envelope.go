package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keyContext = "keyvault-envelope-v1"

// ErrDecryptFailed is returned for any undecryptable blob: bad base64,
// truncated input, or authentication tag mismatch.
var ErrDecryptFailed = errors.New("decryption failed")

// Envelope performs authenticated symmetric encryption of secret values.
// Each Encrypt call uses a fresh random nonce, so identical plaintexts
// yield different blobs.
type Envelope struct {
	aead cipher.AEAD
}

// NewEnvelope derives a 256-bit key from the configured key material via
// HKDF-SHA256 and returns a ready Envelope.
func NewEnvelope(keyMaterial string) (*Envelope, error) {
	if keyMaterial == "" {
		return nil, errors.New("encryption key material must not be empty")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(keyMaterial), nil, []byte(keyContext))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving encryption key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Envelope{aead: aead}, nil
}

// Encrypt seals plaintext with AES-256-GCM and returns
// base64(nonce || ciphertext || tag) as one opaque blob.
func (e *Envelope) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any tampering or truncation yields
// ErrDecryptFailed; corrupted plaintext is never returned.
func (e *Envelope) Decrypt(blob string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", ErrDecryptFailed
	}
	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", ErrDecryptFailed
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}
