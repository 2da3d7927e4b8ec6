package validate

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// defaultKey and defaultIV are the AES-128-CBC key/IV the vendor's own
// tool hard-codes for its sensitivity (validation) exchange.
var (
	defaultKey = []byte("miuiotavalided11")
	defaultIV  = []byte("0102030405060708")
)

const blockSize = aes.BlockSize // 16

// keyIV returns the AES key/IV pair: SENSITIVITY_AES_KEY and
// SENSITIVITY_AES_IV override the defaults when each is set to exactly
// 32 hex characters (16 bytes).
func keyIV() ([]byte, []byte) {
	key := defaultKey
	iv := defaultIV
	if v, ok := parseHex16(os.Getenv("SENSITIVITY_AES_KEY")); ok {
		key = v
	}
	if v, ok := parseHex16(os.Getenv("SENSITIVITY_AES_IV")); ok {
		iv = v
	}
	return key, iv
}

func parseHex16(s string) ([]byte, bool) {
	s = strings.TrimSpace(s)
	if len(s) != 32 {
		return nil, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}

func pkcs7Pad(data []byte) []byte {
	padLen := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("validate: pkcs7 unpad: invalid ciphertext length %d", len(data))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, fmt.Errorf("validate: pkcs7 unpad: invalid padding length %d", padLen)
	}
	return data[:len(data)-padLen], nil
}

// encryptCBCBase64 AES-128-CBC/PKCS7-encrypts plain and base64-encodes
// the ciphertext, the wire format the `q=` form field carries.
func encryptCBCBase64(plain []byte) (string, error) {
	key, iv := keyIV()
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("validate: aes cipher: %w", err)
	}
	padded := pkcs7Pad(append([]byte(nil), plain...))
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decryptCBCBase64 reverses encryptCBCBase64.
func decryptCBCBase64(b64 string) ([]byte, error) {
	key, iv := keyIV()
	ciphertext, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("validate: base64 decode: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%blockSize != 0 {
		return nil, fmt.Errorf("validate: ciphertext length %d not a multiple of block size", len(ciphertext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("validate: aes cipher: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)
	unpadded, err := pkcs7Unpad(plain)
	if err != nil {
		return nil, fmt.Errorf("validate: aes-128-cbc decrypt: %w (ciphertext %d bytes)", err, len(ciphertext))
	}
	return unpadded, nil
}
