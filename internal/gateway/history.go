package gateway

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/zeropr/lanchat/internal/archive"
	"github.com/zeropr/lanchat/internal/crypto"
	"github.com/zeropr/lanchat/internal/keys"
)

var ErrInvalidDirection = errors.New("invalid archive direction")

// ArchivedRecord is an archived message as shown to the user. Verified is
// set for received records whose signature matches the archiving user's
// public key.
type ArchivedRecord struct {
	archive.Record
	File        string `json:"file"`
	Verified    bool   `json:"verified"`
	VerifyError string `json:"verifyError,omitempty"`
}

// Archived lists archived record file names. An empty direction lists both
// directions and an empty peer lists every peer.
func (g *Gateway) Archived(dir archive.Direction, peer string) ([]string, error) {
	var dirs []archive.Direction
	switch dir {
	case "":
		dirs = []archive.Direction{archive.Sent, archive.Received}
	case archive.Sent, archive.Received:
		dirs = []archive.Direction{dir}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDirection, dir)
	}

	names := []string{}
	for _, d := range dirs {
		paths, err := g.archive.List(d, peer)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			names = append(names, filepath.Base(p))
		}
	}
	return names, nil
}

// ReadArchived loads the archived record stored under name.
func (g *Gateway) ReadArchived(name string) (*ArchivedRecord, error) {
	rec, err := g.archive.Open(name)
	if err != nil {
		return nil, err
	}

	out := &ArchivedRecord{Record: *rec, File: name}
	if rec.Direction == archive.Received {
		if err := g.verifyRecord(rec); err != nil {
			g.log.Debug().Err(err).Str("file", name).Msg("Archived record failed verification")
			out.VerifyError = err.Error()
		} else {
			out.Verified = true
		}
	}
	return out, nil
}

func (g *Gateway) verifyRecord(rec *archive.Record) error {
	if err := keys.ValidateName(rec.User); err != nil {
		return err
	}
	pub, err := keys.LoadPublic(g.store.PublicPath(rec.User))
	if err != nil {
		return err
	}
	return rec.Verify(pub)
}

// Decrypt decrypts a base64 ciphertext addressed to the active user.
func (g *Gateway) Decrypt(ciphertext string) (string, error) {
	id, ok := g.session.Current()
	if !ok {
		return "", ErrNoSession
	}
	return crypto.DecryptString(strings.TrimSpace(ciphertext), id.Private)
}
