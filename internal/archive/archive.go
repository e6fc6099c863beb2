// Package archive keeps best-effort copies of sent and received messages,
// one JSON file per message.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zeropr/lanchat/internal/keys"
)

// DefaultDir is the directory holding archived messages.
const DefaultDir = "mensajes"

// Direction tells whether a record was sent or received. Its value is the
// file name prefix.
type Direction string

const (
	Sent     Direction = "para"
	Received Direction = "de"
)

// Record is one archived message. Sent records carry the ciphertext that
// went on the wire; received records carry the decrypted text.
type Record struct {
	ID         string    `json:"id"`
	Direction  Direction `json:"direction"`
	Peer       string    `json:"peer"`
	User       string    `json:"user,omitempty"`
	Contact    string    `json:"contact,omitempty"`
	Ciphertext string    `json:"ciphertext,omitempty"`
	Plaintext  string    `json:"plaintext,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Signature  []byte    `json:"signature,omitempty"`
}

func (r *Record) signedBytes() ([]byte, error) {
	unsigned := *r
	unsigned.Signature = nil
	return json.Marshal(unsigned)
}

// Sign attaches a signature made with the archiving user's key.
func (r *Record) Sign(priv *keys.PrivateKey) error {
	data, err := r.signedBytes()
	if err != nil {
		return err
	}
	sig, err := priv.Sign(data)
	if err != nil {
		return fmt.Errorf("failed to sign record: %w", err)
	}
	r.Signature = sig
	return nil
}

// Verify checks the record signature against pub.
func (r *Record) Verify(pub *keys.PublicKey) error {
	if len(r.Signature) == 0 {
		return errors.New("record is not signed")
	}
	data, err := r.signedBytes()
	if err != nil {
		return err
	}
	return pub.Verify(data, r.Signature)
}

// Archive writes records under a directory. Received records are sealed
// when a passphrase is set.
type Archive struct {
	dir        string
	passphrase string

	mu sync.Mutex
}

// New returns an archive rooted at dir, DefaultDir when empty.
func New(dir, passphrase string) *Archive {
	if dir == "" {
		dir = DefaultDir
	}
	return &Archive{dir: dir, passphrase: passphrase}
}

// Dir returns the archive directory.
func (a *Archive) Dir() string {
	return a.dir
}

// Append stores rec as <direction>_<peer>_<n>.json, with n the number of
// records already filed for that peer and direction. It fills in the id and
// timestamp when missing and returns the written path.
func (a *Archive) Append(rec Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}
	if rec.Direction == Received && a.passphrase != "" {
		if data, err = seal(a.passphrase, data); err != nil {
			return "", fmt.Errorf("failed to seal record: %w", err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(a.dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	prefix := string(rec.Direction) + "_" + fileSafe(rec.Peer) + "_"
	n, err := a.count(prefix)
	if err != nil {
		return "", err
	}

	for {
		path := filepath.Join(a.dir, prefix+strconv.Itoa(n)+".json")
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
		if errors.Is(err, os.ErrExist) {
			n++
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create record: %w", err)
		}

		_, werr := f.Write(data)
		cerr := f.Close()
		if werr != nil {
			return "", fmt.Errorf("failed to write record: %w", werr)
		}
		if cerr != nil {
			return "", fmt.Errorf("failed to write record: %w", cerr)
		}
		return path, nil
	}
}

func (a *Archive) count(prefix string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(a.dir, prefix+"*.json"))
	if err != nil {
		return 0, fmt.Errorf("failed to list archive: %w", err)
	}
	return len(matches), nil
}

// Read loads a record, unsealing it with the archive passphrase if needed.
func (a *Archive) Read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	if isSealed(data) {
		if a.passphrase == "" {
			return nil, ErrSealed
		}
		if data, err = unseal(a.passphrase, data); err != nil {
			return nil, err
		}
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &rec, nil
}

// Open reads the record stored under a file name returned by List.
func (a *Archive) Open(name string) (*Record, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return a.Read(filepath.Join(a.dir, name))
}

// validName reports whether name is a bare record file name.
func validName(name string) bool {
	if name != filepath.Base(name) || strings.ContainsAny(name, `/\`) || !strings.HasSuffix(name, ".json") {
		return false
	}
	return strings.HasPrefix(name, string(Sent)+"_") || strings.HasPrefix(name, string(Received)+"_")
}

// List returns the record paths for peer and direction in file order. An
// empty peer lists every record of that direction.
func (a *Archive) List(dir Direction, peer string) ([]string, error) {
	pattern := string(dir) + "_*.json"
	if peer != "" {
		pattern = string(dir) + "_" + fileSafe(peer) + "_*.json"
	}

	matches, err := filepath.Glob(filepath.Join(a.dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list archive: %w", err)
	}
	sort.Slice(matches, func(i, j int) bool {
		pi, ni := recordKey(matches[i])
		pj, nj := recordKey(matches[j])
		if pi != pj {
			return pi < pj
		}
		return ni < nj
	})
	return matches, nil
}

// recordKey splits a record file name into its prefix and index.
func recordKey(path string) (string, int) {
	base := strings.TrimSuffix(filepath.Base(path), ".json")
	i := strings.LastIndex(base, "_")
	n, err := strconv.Atoi(base[i+1:])
	if err != nil {
		return base, -1
	}
	return base[:i], n
}

// fileSafe keeps IPv4 addresses as they are and replaces characters that
// cannot appear in a file name or would be read as a glob pattern.
func fileSafe(peer string) string {
	return strings.NewReplacer(":", "_", "/", "_", `\`, "_", "*", "_", "?", "_", "[", "_", "]", "_").Replace(peer)
}
