package database

import (
	"os"
	"testing"

	"deskrelay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupEncryptionEnv(t *testing.T) {
	t.Helper()
	originalSecret := os.Getenv("DESKRELAY_ENCRYPTION_SECRET")
	originalEnabled := os.Getenv("DESKRELAY_ENABLE_ENCRYPTION")

	_ = os.Setenv("DESKRELAY_ENCRYPTION_SECRET", "this-is-a-very-long-test-secret-key-for-encryption-testing")
	_ = os.Setenv("DESKRELAY_ENABLE_ENCRYPTION", "true")

	t.Cleanup(func() {
		if originalSecret != "" {
			_ = os.Setenv("DESKRELAY_ENCRYPTION_SECRET", originalSecret)
		} else {
			_ = os.Unsetenv("DESKRELAY_ENCRYPTION_SECRET")
		}
		if originalEnabled != "" {
			_ = os.Setenv("DESKRELAY_ENABLE_ENCRYPTION", originalEnabled)
		} else {
			_ = os.Unsetenv("DESKRELAY_ENABLE_ENCRYPTION")
		}
	})
}

func TestEncryptor_EncryptDecrypt(t *testing.T) {
	setupEncryptionEnv(t)

	encryptor, err := NewEncryptor()
	require.NoError(t, err)

	testCases := []struct {
		name      string
		plaintext string
	}{
		{
			name:      "simple text",
			plaintext: "hello world",
		},
		{
			name:      "empty string",
			plaintext: "",
		},
		{
			name:      "unicode text",
			plaintext: "你好，请问发货了吗 🌍",
		},
		{
			name:      "long text",
			plaintext: "This is a very long message that contains multiple sentences and should test the encryption with larger data sizes to ensure it works correctly.",
		},
		{
			name:      "special characters",
			plaintext: "!@#$%^&*()_+-=[]{}|;':\",./<>?",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ciphertext, err := encryptor.Encrypt(tc.plaintext)
			require.NoError(t, err)

			if tc.plaintext == "" {
				assert.Equal(t, "", ciphertext)
				return
			}

			assert.NotEqual(t, tc.plaintext, ciphertext)
			assert.NotEmpty(t, ciphertext)

			decrypted, err := encryptor.Decrypt(ciphertext)
			require.NoError(t, err)
			assert.Equal(t, tc.plaintext, decrypted)
		})
	}
}

func TestEncryptor_EncryptionUniqueness(t *testing.T) {
	setupEncryptionEnv(t)

	encryptor, err := NewEncryptor()
	require.NoError(t, err)

	plaintext := "test message"

	ciphertext1, err := encryptor.Encrypt(plaintext)
	require.NoError(t, err)

	ciphertext2, err := encryptor.Encrypt(plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, ciphertext1, ciphertext2, "Same plaintext should produce different ciphertexts due to random nonces")

	decrypted1, err := encryptor.Decrypt(ciphertext1)
	require.NoError(t, err)

	decrypted2, err := encryptor.Decrypt(ciphertext2)
	require.NoError(t, err)

	assert.Equal(t, plaintext, decrypted1)
	assert.Equal(t, plaintext, decrypted2)
}

func TestEncryptor_EncryptForLookupDeterminism(t *testing.T) {
	setupEncryptionEnv(t)

	encryptor, err := NewEncryptor()
	require.NoError(t, err)

	plaintext := "visitor-external-id-12345"

	ciphertext1, err := encryptor.EncryptForLookup(plaintext)
	require.NoError(t, err)

	ciphertext2, err := encryptor.EncryptForLookup(plaintext)
	require.NoError(t, err)

	assert.Equal(t, ciphertext1, ciphertext2, "Lookup encryption must be deterministic for WHERE clauses")

	other, err := encryptor.EncryptForLookup("visitor-external-id-67890")
	require.NoError(t, err)
	assert.NotEqual(t, ciphertext1, other)

	decrypted, err := encryptor.Decrypt(ciphertext1)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptor_DecryptInvalidData(t *testing.T) {
	setupEncryptionEnv(t)

	encryptor, err := NewEncryptor()
	require.NoError(t, err)

	testCases := []struct {
		name       string
		ciphertext string
	}{
		{
			name:       "invalid base64",
			ciphertext: "invalid-base64!@#",
		},
		{
			name:       "too short",
			ciphertext: "dGVzdA==", // "test" in base64, but too short for nonce
		},
		{
			name:       "corrupted data",
			ciphertext: "YWJjZGVmZ2hpams=", // valid base64 but invalid encrypted data
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := encryptor.Decrypt(tc.ciphertext)
			assert.Error(t, err)
		})
	}
}

func TestEncryptor_DisabledPassthrough(t *testing.T) {
	originalSecret := os.Getenv("DESKRELAY_ENCRYPTION_SECRET")
	originalEnabled := os.Getenv("DESKRELAY_ENABLE_ENCRYPTION")
	defer func() {
		if originalSecret != "" {
			_ = os.Setenv("DESKRELAY_ENCRYPTION_SECRET", originalSecret)
		} else {
			_ = os.Unsetenv("DESKRELAY_ENCRYPTION_SECRET")
		}
		if originalEnabled != "" {
			_ = os.Setenv("DESKRELAY_ENABLE_ENCRYPTION", originalEnabled)
		} else {
			_ = os.Unsetenv("DESKRELAY_ENABLE_ENCRYPTION")
		}
	}()

	_ = os.Unsetenv("DESKRELAY_ENABLE_ENCRYPTION")
	_ = os.Unsetenv("DESKRELAY_ENCRYPTION_SECRET")

	encryptor, err := NewEncryptor()
	require.NoError(t, err)

	plaintext := "stored as-is"

	result, err := encryptor.EncryptIfEnabled(plaintext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, result)

	result, err = encryptor.EncryptForLookupIfEnabled(plaintext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, result)

	result, err = encryptor.DecryptIfEnabled(plaintext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, result)
}

func TestEncryptor_EnabledRoundTrip(t *testing.T) {
	setupEncryptionEnv(t)

	encryptor, err := NewEncryptor()
	require.NoError(t, err)

	plaintext := "test message"

	ciphertext, err := encryptor.EncryptIfEnabled(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)
	assert.NotEmpty(t, ciphertext)

	result, err := encryptor.DecryptIfEnabled(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, result)
}

func TestDeriveKey_WithCustomSecret(t *testing.T) {
	originalSecret := os.Getenv("DESKRELAY_ENCRYPTION_SECRET")
	defer func() {
		if originalSecret != "" {
			_ = os.Setenv("DESKRELAY_ENCRYPTION_SECRET", originalSecret)
		} else {
			_ = os.Unsetenv("DESKRELAY_ENCRYPTION_SECRET")
		}
	}()

	_ = os.Setenv("DESKRELAY_ENCRYPTION_SECRET", "this-is-a-very-long-custom-secret-key-for-testing-purposes")

	key1, err := deriveKey()
	require.NoError(t, err)
	assert.Len(t, key1, models.KeySize)

	_ = os.Setenv("DESKRELAY_ENCRYPTION_SECRET", "this-is-a-different-very-long-secret-key-for-testing-purposes")

	key2, err := deriveKey()
	require.NoError(t, err)
	assert.Len(t, key2, models.KeySize)

	assert.NotEqual(t, key1, key2, "Different secrets should produce different keys")
}

func TestDeriveKey_MissingSecret(t *testing.T) {
	originalSecret := os.Getenv("DESKRELAY_ENCRYPTION_SECRET")
	defer func() {
		if originalSecret != "" {
			_ = os.Setenv("DESKRELAY_ENCRYPTION_SECRET", originalSecret)
		} else {
			_ = os.Unsetenv("DESKRELAY_ENCRYPTION_SECRET")
		}
	}()

	_ = os.Unsetenv("DESKRELAY_ENCRYPTION_SECRET")

	_, err := deriveKey()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DESKRELAY_ENCRYPTION_SECRET environment variable is required")
}

func TestDeriveKey_ShortSecret(t *testing.T) {
	originalSecret := os.Getenv("DESKRELAY_ENCRYPTION_SECRET")
	defer func() {
		if originalSecret != "" {
			_ = os.Setenv("DESKRELAY_ENCRYPTION_SECRET", originalSecret)
		} else {
			_ = os.Unsetenv("DESKRELAY_ENCRYPTION_SECRET")
		}
	}()

	_ = os.Setenv("DESKRELAY_ENCRYPTION_SECRET", "short")

	_, err := deriveKey()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encryption secret must be at least 32 characters long")
}
