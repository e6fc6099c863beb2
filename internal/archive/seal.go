package archive

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sealVersion = 1
	saltSize    = 16
	sealPrefix  = "LANCHAT-SEALED1\n"

	kdfTime    = 2
	kdfMemory  = 64 * 1024
	kdfThreads = 1
)

var (
	ErrSealed      = errors.New("archive record is sealed")
	ErrAuthFailed  = errors.New("archive record authentication failed")
	ErrInvalid     = errors.New("archive record is invalid")
	ErrInvalidName = errors.New("invalid archive record name")
)

type sealed struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

func isSealed(data []byte) bool {
	return bytes.HasPrefix(data, []byte(sealPrefix))
}

func seal(passphrase string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}
	key := deriveKey(passphrase, salt, kdfTime, kdfMemory, kdfThreads)
	defer clear(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}

	raw, err := json.Marshal(sealed{
		Version:     sealVersion,
		KDF:         "argon2id",
		KDFTime:     kdfTime,
		KDFMemoryKB: kdfMemory,
		KDFThreads:  kdfThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, []byte(sealPrefix)),
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(sealPrefix), raw...), nil
}

func unseal(passphrase string, data []byte) ([]byte, error) {
	if !isSealed(data) {
		return nil, ErrInvalid
	}

	var s sealed
	if err := json.Unmarshal(data[len(sealPrefix):], &s); err != nil {
		return nil, ErrInvalid
	}
	if s.Version != sealVersion || s.KDF != "argon2id" || len(s.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}
	// Only records written with the current parameters are opened; the file
	// must not pick the cost of the key derivation.
	if s.KDFTime != kdfTime || s.KDFMemoryKB != kdfMemory || s.KDFThreads != kdfThreads || len(s.Salt) != saltSize {
		return nil, ErrInvalid
	}

	key := deriveKey(passphrase, s.Salt, s.KDFTime, s.KDFMemoryKB, s.KDFThreads)
	defer clear(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, s.Nonce, s.Ciphertext, []byte(sealPrefix))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func deriveKey(passphrase string, salt []byte, time, memoryKB uint32, threads uint8) []byte {
	return argon2.IDKey([]byte(passphrase), salt, time, memoryKB, threads, chacha20poly1305.KeySize)
}
