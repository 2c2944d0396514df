package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
	nonceLen     = 12
	keyBytes     = 32
)

func DeriveKey(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// RandomKey returns 64 hex characters drawn from 32 random bytes. It is used
// for e-mail confirmation and password reset keys.
func RandomKey() (string, error) {
	b := make([]byte, keyBytes)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashPassword returns the encoded hash and salt to store for password.
func HashPassword(password string) (hash, salt string, err error) {
	raw, err := GenerateSalt()
	if err != nil {
		return "", "", err
	}
	salt = base64.StdEncoding.EncodeToString(raw)
	return hashWithSalt(password, raw), salt, nil
}

func hashWithSalt(password string, salt []byte) string {
	return base64.StdEncoding.EncodeToString(DeriveKey(password, salt))
}

func VerifyPassword(password, salt, storedHash string) bool {
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil || storedHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(hashWithSalt(password, rawSalt)), []byte(storedHash)) == 1
}

func Encrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func Decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	if len(ciphertext) < nonceLen {
		return nil, fmt.Errorf("ciphertext too short")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm.Open(nil, ciphertext[:nonceLen], ciphertext[nonceLen:], nil)
}
