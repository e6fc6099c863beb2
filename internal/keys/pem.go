package keys

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"regexp"
	"strings"
)

const (
	publicBlockType           = "PUBLIC KEY"
	privateBlockType          = "PRIVATE KEY"
	encryptedPrivateBlockType = "ENCRYPTED PRIVATE KEY"

	publicHeader = "-----BEGIN PUBLIC KEY-----"
	publicFooter = "-----END PUBLIC KEY-----"
)

var repeatedNewlines = regexp.MustCompile(`\n\n+`)

// NormalizePEM cleans up a public key PEM that was likely pasted by hand.
//
// Surrounding and per-line whitespace is dropped, CRLF and CR become LF, the
// header and footer are forced onto their own lines and blank lines are
// collapsed. Text without both markers fails with ErrInvalidKeyFormat.
func NormalizePEM(text string) (string, error) {
	key := strings.TrimSpace(text)
	key = strings.ReplaceAll(key, "\r\n", "\n")
	key = strings.ReplaceAll(key, "\r", "\n")

	lines := strings.Split(key, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}
	key = strings.Join(kept, "\n")

	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKeyFormat)
	}
	if !strings.Contains(key, publicHeader) || !strings.Contains(key, publicFooter) {
		return "", fmt.Errorf("%w: expected %s ... %s", ErrInvalidKeyFormat, publicHeader, publicFooter)
	}

	key = strings.ReplaceAll(key, publicHeader, publicHeader+"\n")
	key = strings.ReplaceAll(key, publicFooter, "\n"+publicFooter)
	key = repeatedNewlines.ReplaceAllString(key, "\n")

	if !strings.HasSuffix(key, "\n") {
		key += "\n"
	}
	return key, nil
}

// ParsePublicPEM normalizes text and parses it as an RSA SubjectPublicKeyInfo.
func ParsePublicPEM(text string) (*PublicKey, error) {
	clean, err := NormalizePEM(text)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode([]byte(clean))
	if block == nil || block.Type != publicBlockType {
		return nil, fmt.Errorf("%w: no public key PEM block", ErrCorruptKey)
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKey, err)
	}

	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: key is not RSA", ErrCorruptKey)
	}
	return &PublicKey{key: rsaKey}, nil
}
