// Package secrets remembers private key passphrases in the OS keyring so a
// user can sign in without typing them again.
package secrets

import (
	"errors"
	"fmt"
	"os"

	"github.com/99designs/keyring"
)

// ServiceName namespaces lanchat entries in the keyring.
const ServiceName = "lanchat"

var ErrNotFound = errors.New("no remembered passphrase")

// Config selects the keyring backend. An empty Backend lets the keyring pick
// the platform default; "file" stores entries encrypted under FileDir.
type Config struct {
	Backend      string
	FileDir      string
	FilePassword string
}

// Store wraps a keyring. A nil *Store remembers nothing.
type Store struct {
	ring keyring.Keyring
}

// Open opens the keyring described by cfg.
func Open(cfg Config) (*Store, error) {
	kc := keyring.Config{
		ServiceName: ServiceName,
	}
	if cfg.Backend != "" {
		kc.AllowedBackends = []keyring.BackendType{keyring.BackendType(cfg.Backend)}
	}
	if cfg.FileDir != "" {
		kc.FileDir = cfg.FileDir
		kc.FilePasswordFunc = keyring.FixedStringPrompt(cfg.FilePassword)
	}

	ring, err := keyring.Open(kc)
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return New(ring), nil
}

// New wraps an already opened keyring.
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

func itemKey(user string) string {
	return "passphrase/" + user
}

// Remember stores the passphrase for user.
func (s *Store) Remember(user, passphrase string) error {
	if s == nil {
		return nil
	}
	err := s.ring.Set(keyring.Item{
		Key:         itemKey(user),
		Data:        []byte(passphrase),
		Label:       "lanchat passphrase for " + user,
		Description: "Private key passphrase",
	})
	if err != nil {
		return fmt.Errorf("failed to store passphrase in keyring: %w", err)
	}
	return nil
}

// Recall returns the remembered passphrase for user.
func (s *Store) Recall(user string) (string, error) {
	if s == nil {
		return "", ErrNotFound
	}
	item, err := s.ring.Get(itemKey(user))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get passphrase from keyring: %w", err)
	}
	return string(item.Data), nil
}

// Forget removes the remembered passphrase for user. Forgetting an unknown
// user is not an error.
func (s *Store) Forget(user string) error {
	if s == nil {
		return nil
	}
	err := s.ring.Remove(itemKey(user))
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove passphrase from keyring: %w", err)
	}
	return nil
}
