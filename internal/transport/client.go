package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/zeropr/lanchat/internal/envelope"
)

// Client opens short-lived outbound connections.
type Client struct {
	// Timeout bounds both connecting and writing.
	Timeout time.Duration
}

// NewClient returns a client with the given timeout, DefaultConnectTimeout
// when zero.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &Client{Timeout: timeout}
}

// Conn is one outbound connection.
type Conn struct {
	conn         net.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// Connect dials address:port, failing with ErrConnection on refusal,
// unreachable host or timeout.
func (c *Client) Connect(ctx context.Context, address string, port int) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	target := net.JoinHostPort(address, strconv.Itoa(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnection, target, err)
	}
	return &Conn{conn: conn, writeTimeout: c.Timeout}, nil
}

// Deliver connects, sends one envelope and closes.
func (c *Client) Deliver(ctx context.Context, address string, port int, e envelope.Envelope) error {
	conn, err := c.Connect(ctx, address, port)
	if err != nil {
		return err
	}
	defer conn.Close()

	return conn.Send(e)
}

// Send writes one framed envelope.
func (c *Conn) Send(e envelope.Envelope) error {
	data, err := envelope.Encode(e)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	return nil
}

// Close closes the connection. It is safe to call more than once and always
// returns nil.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
	return nil
}
