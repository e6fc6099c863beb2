package keys

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/youmark/pkcs8"
)

const (
	// DefaultDir is the directory holding every key file.
	DefaultDir = "claves"

	PrivateSuffix = "_privada.pem"
	PublicSuffix  = "_publica.pem"
)

// scrypt parameters for passphrase-protected private keys.
var encryptionOpts = &pkcs8.Opts{
	Cipher: pkcs8.AES256CBC,
	KDFOpts: pkcs8.ScryptOpts{
		CostParameter:            1 << 15,
		BlockSize:                8,
		ParallelizationParameter: 1,
		SaltSize:                 16,
	},
}

// Save writes the private key as PKCS8 PEM (encrypted when passphrase is
// not empty) and the public key as SubjectPublicKeyInfo PEM. Existing files
// are overwritten.
func Save(kp *KeyPair, privatePath, publicPath, passphrase string) error {
	privatePEM, err := encodePrivate(kp.Private, passphrase)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(privatePath), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	return SavePublic(kp.Public, publicPath)
}

// SavePublic writes pub as SubjectPublicKeyInfo PEM, overwriting path.
func SavePublic(pub *PublicKey, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, pub.PEM(), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}

func encodePrivate(priv *PrivateKey, passphrase string) ([]byte, error) {
	if passphrase == "" {
		der, err := priv.marshalPKCS8()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal private key: %w", err)
		}
		return pem.EncodeToMemory(&pem.Block{Type: privateBlockType, Bytes: der}), nil
	}

	der, err := pkcs8.MarshalPrivateKey(priv.key, []byte(passphrase), encryptionOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: encryptedPrivateBlockType, Bytes: der}), nil
}

// Load reads a PKCS8 PEM private key. Encrypted keys need the matching
// passphrase. A passphrase given for an unencrypted key does not match it
// either and fails with ErrInvalidPassphrase.
func Load(privatePath, passphrase string) (*PrivateKey, error) {
	data, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in %s", ErrCorruptKey, privatePath)
	}

	switch block.Type {
	case privateBlockType:
		if passphrase != "" {
			return nil, fmt.Errorf("%w: key is not encrypted", ErrInvalidPassphrase)
		}
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptKey, err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: key is not RSA", ErrCorruptKey)
		}
		return &PrivateKey{key: rsaKey}, nil

	case encryptedPrivateBlockType:
		if !isDERSequence(block.Bytes) {
			return nil, fmt.Errorf("%w: malformed encrypted key", ErrCorruptKey)
		}
		if passphrase == "" {
			return nil, fmt.Errorf("%w: key is encrypted", ErrInvalidPassphrase)
		}
		rsaKey, err := pkcs8.ParsePKCS8PrivateKeyRSA(block.Bytes, []byte(passphrase))
		if err != nil {
			// A wrong passphrase surfaces either as a padding failure or as
			// garbage that does not parse; both mean the same to the caller.
			return nil, ErrInvalidPassphrase
		}
		return &PrivateKey{key: rsaKey}, nil

	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrCorruptKey, block.Type)
	}
}

func isDERSequence(der []byte) bool {
	var raw asn1.RawValue
	rest, err := asn1.Unmarshal(der, &raw)
	return err == nil && len(rest) == 0 && raw.Tag == asn1.TagSequence
}

// LoadPublic reads a public key PEM file. The content goes through
// NormalizePEM before parsing.
func LoadPublic(publicPath string) (*PublicKey, error) {
	data, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}
	return ParsePublicPEM(string(data))
}

// Store resolves key file names inside a key directory.
type Store struct {
	Dir string
}

// NewStore returns a store rooted at dir, DefaultDir when empty.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = DefaultDir
	}
	return &Store{Dir: dir}
}

// ValidateName rejects owner names that cannot be used as a file name stem.
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" || name != strings.TrimSpace(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

func (s *Store) PrivatePath(owner string) string {
	return filepath.Join(s.Dir, owner+PrivateSuffix)
}

func (s *Store) PublicPath(owner string) string {
	return filepath.Join(s.Dir, owner+PublicSuffix)
}

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Create generates a key pair for owner and saves both halves.
func (s *Store) Create(owner string, bits int, passphrase string) (*KeyPair, error) {
	if err := ValidateName(owner); err != nil {
		return nil, err
	}
	kp, err := Generate(bits)
	if err != nil {
		return nil, err
	}
	if err := Save(kp, s.PrivatePath(owner), s.PublicPath(owner), passphrase); err != nil {
		return nil, err
	}
	return kp, nil
}

// Open loads the private key of owner.
func (s *Store) Open(owner, passphrase string) (*PrivateKey, error) {
	if err := ValidateName(owner); err != nil {
		return nil, err
	}
	return Load(s.PrivatePath(owner), passphrase)
}

// Users lists owners that have a private key in the store.
func (s *Store) Users() ([]string, error) {
	return s.owners(PrivateSuffix)
}

// PublicOwners lists owners that have a public key in the store.
func (s *Store) PublicOwners() ([]string, error) {
	return s.owners(PublicSuffix)
}

func (s *Store) owners(suffix string) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list key directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name, ok := strings.CutSuffix(entry.Name(), suffix); ok && name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
