package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

var ErrSealedPayload = errors.New("invalid sealed payload")

func Derive32ByteKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SealString encrypts plaintext with AES-GCM. The ciphertext only opens with
// the same binding, typically the id of the row that stores it.
func SealString(key []byte, plaintext, binding string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), []byte(binding))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func OpenString(key []byte, token, binding string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrSealedPayload
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	ns := gcm.NonceSize()
	if len(raw) < ns {
		return "", ErrSealedPayload
	}
	plain, err := gcm.Open(nil, raw[:ns], raw[ns:], []byte(binding))
	if err != nil {
		return "", ErrSealedPayload
	}
	return string(plain), nil
}
