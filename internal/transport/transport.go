// Package transport moves lanchat envelopes over plain TCP: one envelope per
// connection, written by the client and read by the server.
package transport

import (
	"errors"
	"time"

	"github.com/zeropr/lanchat/internal/envelope"
)

// DefaultPort is the fixed port every peer listens on.
const DefaultPort = 55555

const (
	DefaultPollInterval   = time.Second
	DefaultReadTimeout    = 5 * time.Second
	DefaultConnectTimeout = 5 * time.Second
)

var (
	ErrAddressInUse   = errors.New("address already in use")
	ErrBind           = errors.New("failed to bind listener")
	ErrAlreadyRunning = errors.New("server already listening")
	ErrConnection     = errors.New("connection failed")
	ErrSend           = errors.New("send failed")
)

// Status events emitted by the server.
const (
	EventListening     = "server.listening"
	EventStopped       = "server.stopped"
	EventAddressInUse  = "server.address_in_use"
	EventBindFailed    = "server.bind_failed"
	EventBusy          = "server.busy"
	EventRateLimited   = "server.rate_limited"
	EventProtocolError = "server.protocol_error"
	EventReadFailed    = "server.read_failed"
)

// Status is a non-fatal event reported through a callback instead of an
// error return.
type Status struct {
	Event string
	Peer  string
	Err   error
	Time  time.Time
}

// NewStatus stamps an event with the current time.
func NewStatus(event, peer string, err error) Status {
	return Status{Event: event, Peer: peer, Err: err, Time: time.Now()}
}

// Inbound is a decoded envelope together with the sender's IP address.
type Inbound struct {
	Origin   string
	Envelope envelope.Envelope
}

// Callbacks run on server goroutines and may be called concurrently. Any
// status callback may call Stop.
type (
	EnvelopeFunc func(Inbound)
	StatusFunc   func(Status)
)
