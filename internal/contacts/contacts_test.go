package contacts

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/zeropr/lanchat/internal/keys"
)

func newBook(t *testing.T) (*Book, *keys.Store) {
	t.Helper()
	store := keys.NewStore(t.TempDir())
	return NewBook(store), store
}

func TestAddressName(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{address: "192.168.1.20", want: "192_168_1_20"},
		{address: "10.0.0.1", want: "10_0_0_1"},
		{address: "fe80::1", want: "fe80__1"},
		{address: " 127.0.0.1 ", want: "127_0_0_1"},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			if got := AddressName(tt.address); got != tt.want {
				t.Errorf("AddressName(%q) = %q, want %q", tt.address, got, tt.want)
			}
		})
	}
}

func TestImportAndResolve(t *testing.T) {
	book, store := newBook(t)
	kp, err := keys.Generate(keys.MinBits)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	exported := kp.Public.PEM()

	// Pasted keys often arrive with CRLF and indentation.
	pasted := "  " + strings.ReplaceAll(string(exported), "\n", "\r\n  ")
	c, err := book.Import("bob", pasted)
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if c.Fingerprint != kp.Public.Fingerprint() {
		t.Errorf("Fingerprint = %q, want %q", c.Fingerprint, kp.Public.Fingerprint())
	}

	stored, err := os.ReadFile(store.PublicPath("bob"))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(stored, exported) {
		t.Errorf("stored key is not byte-identical to the exported PEM")
	}

	pub, err := book.Resolve("bob", "10.0.0.9")
	if err != nil {
		t.Fatalf("Resolve(bob) failed: %v", err)
	}
	if !pub.Equal(kp.Public) {
		t.Error("resolved key differs")
	}
}

func TestSaveForAddressMatchesLookup(t *testing.T) {
	book, store := newBook(t)
	kp, err := keys.Generate(keys.MinBits)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	if _, err := book.SaveForAddress("192.168.1.20", string(kp.Public.PEM())); err != nil {
		t.Fatalf("SaveForAddress() failed: %v", err)
	}
	if !keys.Exists(store.PublicPath("192_168_1_20")) {
		t.Fatal("key not filed under the address-derived name")
	}

	pub, err := book.Resolve("", "192.168.1.20")
	if err != nil {
		t.Fatalf("Resolve() by address failed: %v", err)
	}
	if !pub.Equal(kp.Public) {
		t.Error("resolved key differs")
	}
}

func TestResolveUnknown(t *testing.T) {
	book, _ := newBook(t)

	tests := []struct {
		name    string
		contact string
		address string
	}{
		{name: "unknown name", contact: "nobody", address: "10.0.0.1"},
		{name: "unknown address", contact: "", address: "10.0.0.1"},
		{name: "path traversal", contact: "../etc/passwd", address: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := book.Resolve(tt.contact, tt.address)
			if !errors.Is(err, ErrUnknownContact) {
				t.Fatalf("Resolve() error = %v, want %v", err, ErrUnknownContact)
			}
		})
	}
}

func TestImportRejectsInvalid(t *testing.T) {
	book, _ := newBook(t)

	if _, err := book.Import("bob", "not a key"); !errors.Is(err, keys.ErrInvalidKeyFormat) {
		t.Errorf("Import(garbage) error = %v, want %v", err, keys.ErrInvalidKeyFormat)
	}
	if _, err := book.Import("a/b", "x"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("Import(a/b) error = %v, want %v", err, ErrInvalidName)
	}
}

func TestList(t *testing.T) {
	book, store := newBook(t)
	if _, err := store.Create("alice", keys.MinBits, ""); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	kp, err := keys.Generate(keys.MinBits)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if _, err := book.Import("bob", string(kp.Public.PEM())); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	list, err := book.List()
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(list) != 2 || list[0].Name != "alice" || list[1].Name != "bob" {
		t.Fatalf("List() = %+v, want alice and bob", list)
	}
	if !list[0].Local || list[1].Local {
		t.Errorf("Local flags = %v/%v, want true/false", list[0].Local, list[1].Local)
	}
}
