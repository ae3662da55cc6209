package payload

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const separator = "."

// ParseKey decodes a standard base64 AES key. Keys are used as raw bytes and
// never derived from a password.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, errors.Join(ErrInvalidKey, err)
	}

	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(key))
	}
}

// GenerateKey returns a random base64 encoded AES-256 key.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals plaintext with AES-CBC and PKCS7 padding and renders it as
// "<iv base64>.<ciphertext base64>". A nil iv is drawn from crypto/rand.
func Encrypt(plaintext []byte, key string, iv []byte) (string, error) {
	rawKey, err := ParseKey(key)
	if err != nil {
		return "", err
	}

	if iv == nil {
		iv = make([]byte, aes.BlockSize)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return "", fmt.Errorf("generate iv: %w", err)
		}
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}

	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return "", errors.Join(ErrInvalidKey, err)
	}

	padded := pad(plaintext)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(iv) + separator + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decrypt(encrypted string, key []byte) ([]byte, error) {
	encodedIV, encodedCiphertext, ok := strings.Cut(encrypted, separator)
	if !ok || strings.Contains(encodedCiphertext, separator) {
		return nil, fmt.Errorf("%w: expected <iv>.<ciphertext>", ErrMalformedCiphertext)
	}

	iv, err := base64.StdEncoding.DecodeString(encodedIV)
	if err != nil {
		return nil, errors.Join(ErrMalformedCiphertext, fmt.Errorf("iv: %w", err))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrMalformedCiphertext, aes.BlockSize, len(iv))
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encodedCiphertext)
	if err != nil {
		return nil, errors.Join(ErrMalformedCiphertext, fmt.Errorf("ciphertext: %w", err))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a positive multiple of %d", ErrMalformedCiphertext, len(ciphertext), aes.BlockSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Join(ErrInvalidKey, err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return unpad(plaintext)
}

func pad(data []byte) []byte {
	padding := aes.BlockSize - len(data)%aes.BlockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(padding)}, padding)...)
}

// unpad validates every padding byte; a wrong key almost always fails here.
func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecryptionFailed)
	}

	padding := int(data[len(data)-1])
	if padding < 1 || padding > aes.BlockSize || padding > len(data) {
		return nil, fmt.Errorf("%w: invalid padding", ErrDecryptionFailed)
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("%w: invalid padding", ErrDecryptionFailed)
		}
	}

	return data[:len(data)-padding], nil
}
