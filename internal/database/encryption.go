package database

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"

	"deskrelay/internal/constants"
	"deskrelay/internal/models"

	"golang.org/x/crypto/pbkdf2"
)

// encryptor encrypts visitor identity and message content columns at rest.
// With DESKRELAY_ENABLE_ENCRYPTION unset it degrades to a passthrough so
// development databases stay readable.
type encryptor struct {
	gcm cipher.AEAD
}

func NewEncryptor() (*encryptor, error) {
	if !isEncryptionEnabled() {
		return &encryptor{}, nil
	}

	gcm, err := newAEAD()
	if err != nil {
		return nil, err
	}
	return &encryptor{gcm: gcm}, nil
}

// newAEAD derives the key from the environment secret and builds an AES-GCM
// cipher around it.
func newAEAD() (cipher.AEAD, error) {
	key, err := deriveKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func deriveKey() ([]byte, error) {
	secret := os.Getenv("DESKRELAY_ENCRYPTION_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("DESKRELAY_ENCRYPTION_SECRET environment variable is required when encryption is enabled")
	}
	if len(secret) < constants.MinEncryptionSecretLength {
		return nil, fmt.Errorf("encryption secret must be at least %d characters long", constants.MinEncryptionSecretLength)
	}

	salt := []byte(constants.EncryptionSalt)
	return pbkdf2.Key([]byte(secret), salt, models.Iterations, models.KeySize, sha256.New), nil
}

// seal encrypts plaintext under the given nonce and encodes nonce||ciphertext
// as base64 for storage in a TEXT column.
func (e *encryptor) seal(nonce []byte, plaintext string) string {
	ciphertext := e.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, ciphertext...))
}

// Encrypt encrypts with a random nonce. Use for columns that are stored and
// read back but never matched in a WHERE clause.
func (e *encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || e.gcm == nil {
		return plaintext, nil
	}

	nonce := make([]byte, models.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.seal(nonce, plaintext), nil
}

// EncryptForLookup encrypts with a nonce derived from the plaintext, so equal
// inputs always produce equal ciphertext. That keeps encrypted identity
// columns usable for equality lookups at the cost of revealing row equality.
func (e *encryptor) EncryptForLookup(plaintext string) (string, error) {
	if plaintext == "" || e.gcm == nil {
		return plaintext, nil
	}

	hash := sha256.Sum256([]byte(plaintext + constants.EncryptionLookupSalt))
	nonce := hash[:models.NonceSize]
	// #nosec G407 - the nonce must be deterministic for lookup columns
	return e.seal(nonce, plaintext), nil
}

// Decrypt reverses either Encrypt or EncryptForLookup output.
func (e *encryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" || e.gcm == nil {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(data) < models.NonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, sealed := data[:models.NonceSize], data[models.NonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

func (e *encryptor) EncryptIfEnabled(plaintext string) (string, error) {
	if !isEncryptionEnabled() {
		return plaintext, nil
	}
	return e.Encrypt(plaintext)
}

func (e *encryptor) EncryptForLookupIfEnabled(plaintext string) (string, error) {
	if !isEncryptionEnabled() {
		return plaintext, nil
	}
	return e.EncryptForLookup(plaintext)
}

func (e *encryptor) DecryptIfEnabled(ciphertext string) (string, error) {
	if !isEncryptionEnabled() {
		return ciphertext, nil
	}
	return e.Decrypt(ciphertext)
}

func isEncryptionEnabled() bool {
	return os.Getenv("DESKRELAY_ENABLE_ENCRYPTION") == "true"
}
