package feishu

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Decrypt opens an encrypted Feishu event. The AES-256 key is the SHA-256 of
// the configured encrypt key, the IV is the first block of the ciphertext and
// the plaintext carries PKCS#7 padding.
func Decrypt(encryptKey, encrypted string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted event: %w", err)
	}
	if len(raw) <= aes.BlockSize || (len(raw)-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("encrypted event has invalid length %d", len(raw))
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}

	iv := raw[:aes.BlockSize]
	data := make([]byte, len(raw)-aes.BlockSize)
	copy(data, raw[aes.BlockSize:])
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(data, data)

	padding := int(data[len(data)-1])
	if padding < 1 || padding > aes.BlockSize || padding > len(data) {
		return nil, fmt.Errorf("encrypted event has invalid padding")
	}

	return data[:len(data)-padding], nil
}

// VerifySignature checks the X-Lark-Signature header of an event callback.
// The signature is the hex SHA-256 of timestamp + nonce + encrypt key + body.
func VerifySignature(encryptKey, timestamp, nonce string, body []byte, signature string) error {
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(encryptKey))
	h.Write(body)
	expected := hex.EncodeToString(h.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}

	return nil
}
