// Package contacts maps contact names and peer addresses to stored public
// keys.
package contacts

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zeropr/lanchat/internal/keys"
)

var (
	ErrUnknownContact = errors.New("unknown contact")
	ErrInvalidName    = keys.ErrInvalidName
)

// Contact is a stored public key and the name it is filed under.
type Contact struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint,omitempty"`
	// Local is set when the key directory also holds the private half.
	Local bool `json:"local"`
}

// AddressName derives the contact name used for keys learned from, or sent
// to, a peer address. Saving and lookup both use it.
func AddressName(address string) string {
	return strings.NewReplacer(".", "_", ":", "_").Replace(strings.TrimSpace(address))
}

// Book is a contact directory backed by a key store.
type Book struct {
	store *keys.Store
}

func NewBook(store *keys.Store) *Book {
	return &Book{store: store}
}

// Import validates pemText and files it under name, overwriting any
// previous key with that name.
func (b *Book) Import(name, pemText string) (*Contact, error) {
	if err := keys.ValidateName(name); err != nil {
		return nil, err
	}

	pub, err := keys.ParsePublicPEM(pemText)
	if err != nil {
		return nil, err
	}

	path := b.store.PublicPath(name)
	if err := keys.SavePublic(pub, path); err != nil {
		return nil, err
	}
	return &Contact{Name: name, Path: path, Fingerprint: pub.Fingerprint()}, nil
}

// SaveForAddress stores a key received from address under its derived name.
func (b *Book) SaveForAddress(address, pemText string) (*Contact, error) {
	name := AddressName(address)
	if name == "" {
		return nil, fmt.Errorf("%w: empty address", ErrInvalidName)
	}
	return b.Import(name, pemText)
}

// Lookup loads the public key filed under name.
func (b *Book) Lookup(name string) (*keys.PublicKey, error) {
	if err := keys.ValidateName(name); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContact, name)
	}

	path := b.store.PublicPath(name)
	if !keys.Exists(path) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContact, name)
	}
	return keys.LoadPublic(path)
}

// Resolve picks the recipient key for a send: the named contact when name is
// not empty, otherwise the key learned from address.
func (b *Book) Resolve(name, address string) (*keys.PublicKey, error) {
	if strings.TrimSpace(name) != "" {
		return b.Lookup(name)
	}
	return b.Lookup(AddressName(address))
}

// List returns every stored public key, sorted by name.
func (b *Book) List() ([]Contact, error) {
	owners, err := b.store.PublicOwners()
	if err != nil {
		return nil, err
	}
	users, err := b.store.Users()
	if err != nil {
		return nil, err
	}
	local := make(map[string]bool, len(users))
	for _, u := range users {
		local[u] = true
	}

	result := make([]Contact, 0, len(owners))
	for _, name := range owners {
		c := Contact{Name: name, Path: b.store.PublicPath(name), Local: local[name]}
		if pub, err := keys.LoadPublic(c.Path); err == nil {
			c.Fingerprint = pub.Fingerprint()
		}
		result = append(result, c)
	}
	return result, nil
}
