package krypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher identifies an AEAD construction. Both variants take a 256-bit key
// and a 96-bit nonce.
type Cipher string

const (
	CipherAESGCM   Cipher = "aes-256-gcm"
	CipherChaCha20 Cipher = "chacha20-poly1305"

	// NonceSize is the 96-bit nonce size shared by every supported cipher.
	NonceSize = 12
)

// ErrAuthentication means the ciphertext could not be authenticated. It
// deliberately does not say whether the key, nonce or data was wrong.
var ErrAuthentication = errors.New("message authentication failed")

// ParseCipher maps a persisted tag to a Cipher. The empty tag is AES-GCM.
func ParseCipher(tag string) (Cipher, error) {
	switch Cipher(tag) {
	case "", CipherAESGCM:
		return CipherAESGCM, nil
	case CipherChaCha20:
		return CipherChaCha20, nil
	default:
		return "", fmt.Errorf("unsupported cipher %q", tag)
	}
}

func newAEAD(c Cipher, key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("%s requires a %d-byte key", c, KeyLen)
	}
	switch c {
	case CipherAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("create cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("create gcm: %w", err)
		}
		return gcm, nil
	case CipherChaCha20:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("create chacha20-poly1305: %w", err)
		}
		return aead, nil
	default:
		return nil, fmt.Errorf("unsupported cipher %q", c)
	}
}

// Seal encrypts plaintext under key with a nonce drawn fresh for this call.
// The returned ciphertext carries the authentication tag.
func Seal(c Cipher, key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	aead, err := newAEAD(c, key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, aad)
	return nonce, ciphertext, nil
}

// Open authenticates and decrypts ciphertext. Every failure, including
// malformed input, is reported as ErrAuthentication.
func Open(c Cipher, key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(c, key)
	if err != nil {
		return nil, ErrAuthentication
	}
	if len(nonce) != aead.NonceSize() || len(ciphertext) < aead.Overhead() {
		return nil, ErrAuthentication
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}
