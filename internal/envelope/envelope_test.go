package envelope

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

const samplePEM = "-----BEGIN PUBLIC KEY-----\nMFwwDQYJKoZIhvcNAQEBBQADSwAwSAJBAK\n-----END PUBLIC KEY-----\n"

func TestEncodeIsSingleLine(t *testing.T) {
	data, err := Encode(PublicKey(samplePEM))
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if bytes.Count(data, []byte{Delimiter}) != 1 || data[len(data)-1] != Delimiter {
		t.Fatalf("Encode() = %q, want exactly one trailing delimiter", data)
	}
	if !bytes.HasPrefix(data, []byte(`{"type":"public_key","content":`)) {
		t.Errorf("Encode() = %q, unexpected field layout", data)
	}
}

func TestReadFraming(t *testing.T) {
	framed, err := Encode(Message("QUJD"))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	tests := []struct {
		name  string
		input io.Reader
	}{
		{name: "delimited", input: bytes.NewReader(framed)},
		{name: "undelimited until EOF", input: strings.NewReader(`{"type":"message","content":"QUJD"}`)},
		{name: "crlf", input: strings.NewReader(`{"type":"message","content":"QUJD"}` + "\r\n")},
		{name: "one byte at a time", input: &trickle{data: framed}},
		{name: "trailing bytes after delimiter", input: bytes.NewReader(append(append([]byte(nil), framed...), "garbage"...))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Read(tt.input, 0)
			if err != nil {
				t.Fatalf("Read() failed: %v", err)
			}
			if got.Type != TypeMessage || got.Content != "QUJD" {
				t.Errorf("Read() = %+v", got)
			}
		})
	}
}

func TestReadLargeEnvelope(t *testing.T) {
	content := strings.Repeat("A", 10000)
	framed, err := Encode(Message(content))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	got, err := Read(&trickle{data: framed, step: 700}, 0)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if got.Content != content {
		t.Errorf("content length = %d, want %d", len(got.Content), len(content))
	}
}

func TestReadErrors(t *testing.T) {
	oversized := `{"type":"message","content":"` + strings.Repeat("A", 200) + `"}` + "\n"

	tests := []struct {
		name    string
		input   string
		max     int
		wantErr error
	}{
		{name: "not json", input: "hello\n", wantErr: ErrProtocol},
		{name: "empty", input: "", wantErr: ErrProtocol},
		{name: "unknown type", input: `{"type":"mensaje","content":"x"}` + "\n", wantErr: ErrProtocol},
		{name: "missing type", input: `{"content":"x"}` + "\n", wantErr: ErrProtocol},
		{name: "missing content", input: `{"type":"message"}` + "\n", wantErr: ErrProtocol},
		{name: "extra field", input: `{"type":"message","content":"QQ==","from":"eve"}` + "\n", wantErr: ErrProtocol},
		{name: "trailing data", input: `{"type":"message","content":"QQ=="}{"type":"message"}` + "\n", wantErr: ErrProtocol},
		{name: "over limit", input: oversized, max: 64, wantErr: ErrTooLarge},
		{name: "over limit is protocol", input: oversized, max: 64, wantErr: ErrProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tt.input), tt.max)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Read() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncodeRejectsUnknownType(t *testing.T) {
	if _, err := Encode(Envelope{Type: "other"}); !errors.Is(err, ErrProtocol) {
		t.Fatalf("Encode() error = %v, want %v", err, ErrProtocol)
	}
}

func TestWriteThenRead(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, PublicKey(samplePEM)); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}
	got, err := Read(&buf, 0)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if got.Type != TypePublicKey || got.Content != samplePEM {
		t.Errorf("Read() = %+v", got)
	}
}

// trickle returns at most step bytes per Read call.
type trickle struct {
	data []byte
	step int
}

func (r *trickle) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.step
	if n <= 0 {
		n = 1
	}
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}
