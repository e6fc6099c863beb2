// Package crypto encrypts and decrypts lanchat messages with RSA-OAEP.
//
// Padding is OAEP with SHA-256 for both the digest and MGF1, and no label.
// A message must fit in a single RSA block: there is no hybrid scheme and no
// chunking, so plaintexts above MaxPlaintext are rejected.
package crypto

import (
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/zeropr/lanchat/internal/keys"
)

// hashLen is the SHA-256 digest size used by OAEP.
const hashLen = 32

var (
	ErrMessageTooLarge = errors.New("message too large")
	// ErrDecryption covers every decryption failure. It never wraps the
	// underlying cause so callers cannot tell padding from format errors.
	ErrDecryption = errors.New("decryption failed")
	ErrDecode     = errors.New("decrypted message is not valid UTF-8")
)

// MessageTooLargeError reports a plaintext that does not fit the key.
type MessageTooLargeError struct {
	Size  int
	Limit int
	Bits  int
}

func (e *MessageTooLargeError) Error() string {
	return fmt.Sprintf("message too large: %d bytes, maximum is %d bytes for a %d-bit key", e.Size, e.Limit, e.Bits)
}

func (e *MessageTooLargeError) Is(target error) bool {
	return target == ErrMessageTooLarge
}

// MaxPlaintext returns the largest plaintext, in bytes, pub can encrypt.
func MaxPlaintext(pub *keys.PublicKey) int {
	return pub.Size() - 2*hashLen - 2
}

// Encrypt encrypts plaintext for the owner of pub and returns the ciphertext
// as standard base64.
func Encrypt(plaintext []byte, pub *keys.PublicKey) (string, error) {
	limit := MaxPlaintext(pub)
	if len(plaintext) > limit {
		return "", &MessageTooLargeError{Size: len(plaintext), Limit: limit, Bits: pub.Bits()}
	}

	ciphertext, err := pub.EncryptOAEP(plaintext)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// EncryptString encrypts UTF-8 text.
func EncryptString(text string, pub *keys.PublicKey) (string, error) {
	return Encrypt([]byte(text), pub)
}

// Decrypt decodes a base64 ciphertext and decrypts it with priv.
func Decrypt(ciphertextB64 string, priv *keys.PrivateKey) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil || len(ciphertext) != priv.Size() {
		return nil, ErrDecryption
	}

	plaintext, err := priv.DecryptOAEP(ciphertext)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// DecryptString decrypts a ciphertext that is expected to hold UTF-8 text.
func DecryptString(ciphertextB64 string, priv *keys.PrivateKey) (string, error) {
	plaintext, err := Decrypt(ciphertextB64, priv)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plaintext) {
		return "", ErrDecode
	}
	return string(plaintext), nil
}
