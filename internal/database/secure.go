package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// secretBox seals token secrets at rest. A nil box stores them as hex.
type secretBox struct {
	aead cipher.AEAD
}

func newSecretBox(passphrase string, salt []byte) (*secretBox, error) {
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %v", err)
	}
	return &secretBox{aead: aead}, nil
}

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %v", err)
	}
	return key, nil
}

func newSalt() ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %v", err)
	}
	return salt, nil
}

func (b *secretBox) seal(secret []byte) (string, error) {
	if b == nil {
		return hex.EncodeToString(secret), nil
	}
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %v", err)
	}
	ciphertext := b.aead.Seal(nil, nonce, secret, nil)
	return base64.StdEncoding.EncodeToString(nonce) + ":" +
		base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (b *secretBox) open(stored string) ([]byte, error) {
	parts := strings.Split(stored, ":")
	if len(parts) == 1 {
		return hex.DecodeString(stored)
	}
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid ciphertext format")
	}
	if b == nil {
		return nil, fmt.Errorf("secret is encrypted but no passphrase is configured")
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid nonce: %v", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext: %v", err)
	}
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %v", err)
	}
	return plaintext, nil
}
