// Package crypto provides the gateway's cryptographic primitives:
// AES-256-GCM authenticated encryption with field-level helpers,
// argon2id password hashing, and the encryption key store.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const gcmNonceSize = 12

// ErrDecrypt is returned for any decryption failure. Tampering and key
// mismatch are deliberately indistinguishable.
var ErrDecrypt = errors.New("crypto: decryption failed")

// Encryptor performs AES-256-GCM encryption with a random 96-bit nonce
// per message. Wire form is base64(nonce || ciphertext || tag).
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor builds an Encryptor from a base64-encoded 32-byte key.
func NewEncryptor(keyB64 string) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	return NewEncryptorFromKey(key)
}

// NewEncryptorFromKey builds an Encryptor from raw key material.
func NewEncryptorFromKey(key []byte) (*Encryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext and returns the base64 wire form. Empty input
// encrypts to the empty string.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}

// Decrypt opens a base64 wire-form ciphertext. Any failure (bad encoding,
// truncated data, tag mismatch) maps to ErrDecrypt.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecrypt
	}
	if len(data) < gcmNonceSize {
		return "", ErrDecrypt
	}
	plaintext, err := e.aead.Open(nil, data[:gcmNonceSize], data[gcmNonceSize:], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// EncryptFields replaces the named fields of a record with their encrypted
// form. Non-string values are serialized canonically (sorted keys, no
// extra whitespace) before encryption so DecryptFields restores identical
// structures. The input map is not mutated.
func (e *Encryptor) EncryptFields(record map[string]any, fields []string) (map[string]any, error) {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}
	for _, f := range fields {
		v, ok := out[f]
		if !ok || v == nil {
			continue
		}
		serialized, err := canonicalValue(v)
		if err != nil {
			return nil, fmt.Errorf("serialize field %s: %w", f, err)
		}
		enc, err := e.Encrypt(serialized)
		if err != nil {
			return nil, fmt.Errorf("encrypt field %s: %w", f, err)
		}
		out[f] = enc
	}
	return out, nil
}

// DecryptFields reverses EncryptFields. A field that fails to decrypt is
// set to nil rather than failing the whole record.
func (e *Encryptor) DecryptFields(record map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}
	for _, f := range fields {
		enc, ok := out[f].(string)
		if !ok || enc == "" {
			continue
		}
		plain, err := e.Decrypt(enc)
		if err != nil {
			out[f] = nil
			continue
		}
		out[f] = restoreValue(plain)
	}
	return out
}

// GenerateKey returns a fresh random AES-256 key, base64-encoded.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// canonicalValue serializes a field value for encryption. Strings pass
// through; everything else becomes canonical JSON (encoding/json sorts
// map keys and emits no extraneous whitespace).
func canonicalValue(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// restoreValue undoes canonicalValue: valid JSON objects, arrays,
// numbers, booleans and null come back as values, anything else stays a
// string.
func restoreValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	switch v.(type) {
	case map[string]any, []any, float64, bool, nil:
		return v
	default:
		return s
	}
}
