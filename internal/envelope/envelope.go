// Package envelope implements the lanchat wire unit: one JSON object per
// connection, terminated by a newline.
package envelope

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Type tags the kind of payload an envelope carries.
type Type string

const (
	TypeMessage   Type = "message"
	TypePublicKey Type = "public_key"
)

// Delimiter terminates every envelope on the wire.
const Delimiter = '\n'

// MaxSize is the default upper bound for one encoded envelope.
const MaxSize = 64 * 1024

var (
	ErrProtocol = errors.New("protocol error")
	ErrTooLarge = errors.New("envelope too large")
)

// Envelope is either a base64 ciphertext (TypeMessage) or a public key PEM
// (TypePublicKey).
type Envelope struct {
	Type    Type   `json:"type"`
	Content string `json:"content"`
}

// Message wraps a base64 ciphertext.
func Message(ciphertextB64 string) Envelope {
	return Envelope{Type: TypeMessage, Content: ciphertextB64}
}

// PublicKey wraps a public key PEM.
func PublicKey(pem string) Envelope {
	return Envelope{Type: TypePublicKey, Content: pem}
}

// Validate checks the type tag.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeMessage, TypePublicKey:
		return nil
	case "":
		return fmt.Errorf("%w: missing type", ErrProtocol)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrProtocol, e.Type)
	}
}

// Encode returns the framed wire form of e.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return append(data, Delimiter), nil
}

// Decode parses one envelope from data, with or without the trailing
// delimiter.
func Decode(data []byte) (Envelope, error) {
	data = bytes.TrimRight(data, "\r\n")
	if len(bytes.TrimSpace(data)) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty envelope", ErrProtocol)
	}

	// The object has exactly the two fields type and content.
	var wire struct {
		Type    Type    `json:"type"`
		Content *string `json:"content"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if dec.More() {
		return Envelope{}, fmt.Errorf("%w: trailing data after envelope", ErrProtocol)
	}

	e := Envelope{Type: wire.Type}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	if wire.Content == nil {
		return Envelope{}, fmt.Errorf("%w: missing content", ErrProtocol)
	}
	e.Content = *wire.Content
	return e, nil
}

// Read consumes bytes from r until the delimiter or EOF and decodes them.
// Reading more than max bytes without finding the delimiter fails with
// ErrTooLarge, which also matches ErrProtocol. A max of zero means MaxSize.
func Read(r io.Reader, max int) (Envelope, error) {
	if max <= 0 {
		max = MaxSize
	}

	br := bufio.NewReader(io.LimitReader(r, int64(max)+1))
	data, err := br.ReadSlice(Delimiter)
	switch {
	case err == nil:
	case errors.Is(err, bufio.ErrBufferFull):
		// Delimiter not within the default buffer; keep reading.
		data, err = readRest(br, data)
		if err != nil && !errors.Is(err, io.EOF) {
			return Envelope{}, fmt.Errorf("failed to read envelope: %w", err)
		}
	case errors.Is(err, io.EOF):
	default:
		return Envelope{}, fmt.Errorf("failed to read envelope: %w", err)
	}

	if len(data) > max {
		return Envelope{}, fmt.Errorf("%w: %w: more than %d bytes", ErrProtocol, ErrTooLarge, max)
	}
	return Decode(data)
}

func readRest(br *bufio.Reader, head []byte) ([]byte, error) {
	buf := append([]byte(nil), head...)
	for {
		chunk, err := br.ReadSlice(Delimiter)
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf, err
	}
}

// Write frames e and writes it to w in a single call.
func Write(w io.Writer, e Envelope) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	return nil
}
