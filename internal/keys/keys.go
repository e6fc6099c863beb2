// Package keys manages the RSA key material of lanchat users and contacts:
// generation, PEM persistence, loading and public key validation.
//
// Keys are handed around as opaque handles. A PrivateKey can decrypt, sign
// and derive its public half; a PublicKey can encrypt and export itself as PEM.
// Neither exposes the underlying rsa values.
package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

const (
	// DefaultBits is the recommended modulus size.
	DefaultBits = 2048
	// MinBits is the smallest modulus accepted by Generate.
	MinBits = 1024
	// PublicExponent is fixed for every generated key.
	PublicExponent = 65537
)

var (
	ErrInvalidKeySize    = errors.New("invalid key size")
	ErrInvalidKeyFormat  = errors.New("invalid key format")
	ErrCorruptKey        = errors.New("corrupt key")
	ErrInvalidPassphrase = errors.New("invalid passphrase")
	ErrInvalidName       = errors.New("invalid key owner name")
)

// PrivateKey is the private half of a key pair. It never leaves the process
// that loaded it.
type PrivateKey struct {
	key *rsa.PrivateKey
}

// PublicKey is the shareable half of a key pair.
type PublicKey struct {
	key *rsa.PublicKey
}

// KeyPair couples a freshly generated private key with its public half.
type KeyPair struct {
	Private *PrivateKey
	Public  *PublicKey
}

// Generate creates a new RSA key pair with the given modulus size.
func Generate(bits int) (*KeyPair, error) {
	if bits < MinBits {
		return nil, fmt.Errorf("%w: %d bits, minimum is %d", ErrInvalidKeySize, bits, MinBits)
	}

	// crypto/rsa always uses e = 65537.
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	priv := &PrivateKey{key: key}
	return &KeyPair{Private: priv, Public: priv.Public()}, nil
}

// DerivePublic returns the public half of priv.
func DerivePublic(priv *PrivateKey) *PublicKey {
	return priv.Public()
}

// Public returns the public half of the key.
func (k *PrivateKey) Public() *PublicKey {
	return &PublicKey{key: &k.key.PublicKey}
}

// Bits returns the modulus size in bits.
func (k *PrivateKey) Bits() int {
	return k.key.N.BitLen()
}

// Size returns the modulus size in bytes.
func (k *PrivateKey) Size() int {
	return k.key.Size()
}

// DecryptOAEP decrypts ciphertext with RSA-OAEP, SHA-256 for both the digest
// and MGF1, and no label.
func (k *PrivateKey) DecryptOAEP(ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), nil, k.key, ciphertext, nil)
}

// Sign produces an RSA-PSS signature over the SHA-256 digest of msg.
// Messages on the wire are not signed; this is used for local artifacts.
func (k *PrivateKey) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return rsa.SignPSS(rand.Reader, k.key, crypto.SHA256, digest[:], nil)
}

// Verify checks a signature made by Sign with the matching private key.
func (k *PublicKey) Verify(msg, sig []byte) error {
	digest := sha256.Sum256(msg)
	return rsa.VerifyPSS(k.key, crypto.SHA256, digest[:], sig, nil)
}

func (k *PrivateKey) marshalPKCS8() ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(k.key)
}

// Bits returns the modulus size in bits.
func (k *PublicKey) Bits() int {
	return k.key.N.BitLen()
}

// Size returns the modulus size in bytes.
func (k *PublicKey) Size() int {
	return k.key.Size()
}

// EncryptOAEP encrypts msg with RSA-OAEP, SHA-256 for both the digest and
// MGF1, and no label.
func (k *PublicKey) EncryptOAEP(msg []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, k.key, msg, nil)
}

// PEM encodes the key as a SubjectPublicKeyInfo PEM block.
func (k *PublicKey) PEM() []byte {
	der, err := x509.MarshalPKIXPublicKey(k.key)
	if err != nil {
		// MarshalPKIXPublicKey only fails for unsupported key types.
		panic(fmt.Sprintf("keys: marshal rsa public key: %v", err))
	}
	return pem.EncodeToMemory(&pem.Block{Type: publicBlockType, Bytes: der})
}

// Fingerprint returns the hex SHA-256 of the DER encoding, shortened to 16
// bytes, for display.
func (k *PublicKey) Fingerprint() string {
	der, _ := x509.MarshalPKIXPublicKey(k.key)
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:16])
}

// Equal reports whether both handles hold the same public key.
func (k *PublicKey) Equal(other *PublicKey) bool {
	if k == nil || other == nil {
		return k == other
	}
	return k.key.Equal(other.key)
}
