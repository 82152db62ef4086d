package wecom

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

const envelopeHeaderLen = 20 // 16 random bytes plus a 4 byte message length

// Decrypt opens an encrypted WeCom callback payload. The configured
// EncodingAESKey is base64 without its trailing padding and decodes to a
// 32 byte AES key whose first block doubles as the IV. The plaintext starts
// with 16 random bytes and a big-endian message length; everything after the
// message is the receiver id, which the signature check already covers.
func Decrypt(aesKey, encrypted string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(aesKey + "=")
	if err != nil {
		return nil, fmt.Errorf("failed to decode AES key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("AES key must decode to 32 bytes, got %d", len(key))
	}

	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted payload: %w", err)
	}
	if len(raw) < 2*aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("encrypted payload has invalid length %d", len(raw))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}

	data := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, key[:aes.BlockSize]).CryptBlocks(data, raw)

	// WeCom pads with a 32 byte block size, twice the AES block
	padding := int(data[len(data)-1])
	if padding < 1 || padding > 32 || padding > len(data) {
		return nil, fmt.Errorf("encrypted payload has invalid padding")
	}
	data = data[:len(data)-padding]

	if len(data) < envelopeHeaderLen {
		return nil, fmt.Errorf("encrypted payload is too short for its header")
	}
	msgLen := int(binary.BigEndian.Uint32(data[16:envelopeHeaderLen]))
	if msgLen < 0 || envelopeHeaderLen+msgLen > len(data) {
		return nil, fmt.Errorf("encrypted payload declares an invalid message length %d", msgLen)
	}

	return data[envelopeHeaderLen : envelopeHeaderLen+msgLen], nil
}

// VerifySignature checks the msg_signature query parameter of a callback.
// The signature is the hex SHA-1 of the callback token, timestamp, nonce and
// encrypted payload sorted lexicographically and concatenated.
func VerifySignature(token, timestamp, nonce, payload, signature string) error {
	parts := []string{token, timestamp, nonce, payload}
	sort.Strings(parts)

	h := sha1.New()
	h.Write([]byte(strings.Join(parts, "")))
	expected := hex.EncodeToString(h.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}

	return nil
}
