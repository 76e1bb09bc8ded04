package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// PIN-based encryption of private key material. AES-256-GCM with a key
// derived from the PIN via PBKDF2-SHA256. Salt and IV are fresh per
// encryption, so the same plaintext never produces the same blob twice.
const (
	pbkdf2Iterations = 100000
	vaultSaltLength  = 16
	vaultIVLength    = 12
	vaultKeyLength   = 32
)

// EncryptedBlob is the external representation of a PIN-encrypted secret.
// It is stored as a JSON string and must round-trip exactly in this shape.
type EncryptedBlob struct {
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

func deriveVaultKey(pin string, salt []byte) []byte {
	return pbkdf2.Key([]byte(pin), salt, pbkdf2Iterations, vaultKeyLength, sha256.New)
}

// EncryptKey encrypts plaintext key material under pin and returns the
// blob serialized as JSON.
func EncryptKey(pin, plaintext string) (string, error) {
	salt := make([]byte, vaultSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt generation failed: %w", err)
	}
	iv := make([]byte, vaultIVLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("iv generation failed: %w", err)
	}

	key := deriveVaultKey(pin, salt)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nil, iv, []byte(plaintext), nil)

	blob := EncryptedBlob{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	raw, err := json.Marshal(blob)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// DecryptKey decrypts a blob produced by EncryptKey. Every failure mode
// (malformed blob, wrong PIN, tampered ciphertext) surfaces as the same
// ErrDecryption; callers learn nothing about the cause.
func DecryptKey(pin, encrypted string) (string, error) {
	var blob EncryptedBlob
	if err := json.Unmarshal([]byte(encrypted), &blob); err != nil {
		return "", ErrDecryption
	}

	salt, err := base64.StdEncoding.DecodeString(blob.Salt)
	if err != nil {
		return "", ErrDecryption
	}
	iv, err := base64.StdEncoding.DecodeString(blob.IV)
	if err != nil {
		return "", ErrDecryption
	}
	ciphertext, err := base64.StdEncoding.DecodeString(blob.Ciphertext)
	if err != nil {
		return "", ErrDecryption
	}

	key := deriveVaultKey(pin, salt)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", ErrDecryption
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", ErrDecryption
	}
	if len(iv) != gcm.NonceSize() {
		return "", ErrDecryption
	}

	plaintext, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}

// zeroBytes clears sensitive byte material in place. Best effort: copies
// made by the runtime or callers are out of reach.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
