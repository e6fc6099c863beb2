// Package gateway couples the message transport to the key store and the
// cipher: it decrypts inbound messages for the signed-in user, learns keys
// sent by peers, and encrypts and delivers outbound messages.
//
// A Gateway is an explicit value. Presentation layers create one and keep a
// reference; there is no process-wide instance.
package gateway

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zeropr/lanchat/internal/archive"
	"github.com/zeropr/lanchat/internal/contacts"
	"github.com/zeropr/lanchat/internal/keys"
	"github.com/zeropr/lanchat/internal/metrics"
	"github.com/zeropr/lanchat/internal/peers"
	"github.com/zeropr/lanchat/internal/secrets"
	"github.com/zeropr/lanchat/internal/session"
	"github.com/zeropr/lanchat/internal/transport"
)

// Status events. Transport events (server.*) are forwarded unchanged.
const (
	EventMessageReceived      = "message.received"
	EventMessageUndecryptable = "message.undecryptable"
	EventMessageUndecodable   = "message.undecodable"
	EventMessageNoSession     = "message.no_session"
	EventKeySaved             = "key.saved"
	EventKeyRejected          = "key.rejected"
	EventKeySent              = "key.sent"
	EventSendOK               = "send.ok"
	EventSendUnknownContact   = "send.unknown_contact"
	EventSendTooLarge         = "send.too_large"
	EventSendFailed           = "send.failed"
	EventSendNoSession        = "send.no_session"
	EventSignedIn             = "session.signed_in"
	EventSignedOut            = "session.signed_out"
)

var ErrNoSession = errors.New("no active user")

// DefaultInboxSize bounds the in-memory list of received messages.
const DefaultInboxSize = 200

// Status is a non-fatal event for presentation layers.
type Status = transport.Status

// Message is a decrypted inbound message.
type Message struct {
	ID         string    `json:"id"`
	Origin     string    `json:"origin"`
	Ciphertext string    `json:"ciphertext"`
	Plaintext  string    `json:"plaintext"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type (
	MessageFunc func(Message)
	StatusFunc  func(Status)
)

// Options wires a Gateway to its collaborators. Nil collaborators are
// allowed: a nil Secrets remembers nothing, a nil Peers tracks nothing and
// a nil Metrics records nothing.
type Options struct {
	KeyDir            string
	ArchiveDir        string
	ArchivePassphrase string
	// Port is the port outbound messages are delivered to.
	Port           int
	InboxSize      int
	ConnectTimeout time.Duration
	Server         transport.ServerOptions

	Secrets *secrets.Store
	Peers   *peers.Registry
	Metrics *metrics.Metrics
}

type observer struct {
	onMessage MessageFunc
	onStatus  StatusFunc
}

// Gateway is the orchestration context shared by every presentation layer.
type Gateway struct {
	opts    Options
	log     zerolog.Logger
	store   *keys.Store
	book    *contacts.Book
	archive *archive.Archive
	server  *transport.Server
	client  *transport.Client
	session *session.Manager

	mu        sync.RWMutex
	primary   observer
	observers map[int]observer
	nextObs   int
	inbox     []Message
}

// New creates a gateway. Nothing is started until StartServer.
func New(opts Options, logger zerolog.Logger) *Gateway {
	if opts.Port == 0 {
		opts.Port = transport.DefaultPort
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	if opts.Server.Metrics == nil {
		opts.Server.Metrics = opts.Metrics
	}
	opts.Server.Logger = logger

	store := keys.NewStore(opts.KeyDir)
	return &Gateway{
		opts:      opts,
		log:       logger.With().Str("component", "gateway").Logger(),
		store:     store,
		book:      contacts.NewBook(store),
		archive:   archive.New(opts.ArchiveDir, opts.ArchivePassphrase),
		server:    transport.NewServer(opts.Server),
		client:    transport.NewClient(opts.ConnectTimeout),
		session:   session.NewManager(),
		observers: make(map[int]observer),
	}
}

// Configure binds the active user and the primary callbacks.
func (g *Gateway) Configure(name string, priv *keys.PrivateKey, onMessage MessageFunc, onStatus StatusFunc) {
	g.SetCallbacks(onMessage, onStatus)
	g.session.Begin(name, priv)
	g.log.Info().Str("user", name).Msg("User configured")
}

// SetCallbacks replaces the primary callbacks without touching the session.
func (g *Gateway) SetCallbacks(onMessage MessageFunc, onStatus StatusFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.primary = observer{onMessage: onMessage, onStatus: onStatus}
}

// Observe registers additional callbacks and returns a function that
// removes them.
func (g *Gateway) Observe(onMessage MessageFunc, onStatus StatusFunc) func() {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextObs
	g.nextObs++
	g.observers[id] = observer{onMessage: onMessage, onStatus: onStatus}
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.observers, id)
	}
}

// CreateUser generates and stores a key pair for name.
func (g *Gateway) CreateUser(name string, bits int, passphrase string) (*keys.PublicKey, error) {
	kp, err := g.store.Create(name, bits, passphrase)
	if err != nil {
		return nil, err
	}
	g.log.Info().Str("user", name).Int("bits", bits).Bool("encrypted", passphrase != "").Msg("Key pair created")
	return kp.Public, nil
}

// Users lists the names that have a private key.
func (g *Gateway) Users() ([]string, error) {
	return g.store.Users()
}

// SignIn loads the private key of name and makes it the active user. An
// empty passphrase falls back to the remembered one; remember stores a
// working passphrase for next time.
func (g *Gateway) SignIn(name, passphrase string, remember bool) (*session.Identity, error) {
	if passphrase == "" {
		if recalled, err := g.opts.Secrets.Recall(name); err == nil {
			passphrase = recalled
		}
	}

	priv, err := g.store.Open(name, passphrase)
	if err != nil {
		return nil, err
	}

	if remember && passphrase != "" {
		if err := g.opts.Secrets.Remember(name, passphrase); err != nil {
			g.log.Warn().Err(err).Str("user", name).Msg("Failed to remember passphrase")
		}
	}

	id := g.session.Begin(name, priv)
	g.log.Info().Str("user", name).Str("fingerprint", id.Public.Fingerprint()).Msg("Signed in")
	g.emitStatus(transport.NewStatus(EventSignedIn, name, nil))
	return id, nil
}

// SignOut drops the active user. The server keeps running; inbound messages
// are reported as undeliverable until the next sign in.
func (g *Gateway) SignOut() {
	if id, ok := g.session.End(); ok {
		g.log.Info().Str("user", id.Name).Msg("Signed out")
		g.emitStatus(transport.NewStatus(EventSignedOut, id.Name, nil))
	}
}

// Forget removes the remembered passphrase of name.
func (g *Gateway) Forget(name string) error {
	return g.opts.Secrets.Forget(name)
}

// Identity returns the active user.
func (g *Gateway) Identity() (*session.Identity, bool) {
	return g.session.Current()
}

// PublicKeyPEM exports the active user's public key.
func (g *Gateway) PublicKeyPEM() (string, error) {
	id, ok := g.session.Current()
	if !ok {
		return "", ErrNoSession
	}
	return string(id.Public.PEM()), nil
}

// StartServer starts listening for envelopes on port.
func (g *Gateway) StartServer(port int) error {
	return g.server.Start(port, g.handleInbound, g.emitStatus)
}

// StopServer stops listening. It is safe to call when stopped.
func (g *Gateway) StopServer() {
	g.server.Stop()
}

// ServerState reports whether the server is listening.
func (g *Gateway) ServerState() transport.State {
	return g.server.State()
}

// ServerAddr returns the listening address, or nil when stopped.
func (g *Gateway) ServerAddr() net.Addr {
	return g.server.Addr()
}

// Port returns the delivery port.
func (g *Gateway) Port() int {
	return g.opts.Port
}

// ImportContact files a pasted public key under name.
func (g *Gateway) ImportContact(name, pemText string) (*contacts.Contact, error) {
	c, err := g.book.Import(name, pemText)
	if err != nil {
		return nil, err
	}
	g.log.Info().Str("contact", name).Str("fingerprint", c.Fingerprint).Msg("Contact imported")
	return c, nil
}

// Contacts lists every stored public key.
func (g *Gateway) Contacts() ([]contacts.Contact, error) {
	return g.book.List()
}

// Inbox returns the most recent decrypted messages, oldest first.
func (g *Gateway) Inbox() []Message {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Message, len(g.inbox))
	copy(out, g.inbox)
	return out
}

// ClearInbox empties the in-memory inbox. Archived records are kept.
func (g *Gateway) ClearInbox() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.inbox = nil
}

// Close stops the server.
func (g *Gateway) Close() error {
	g.server.Stop()
	return nil
}

func (g *Gateway) pushInbox(msg Message) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.inbox = append(g.inbox, msg)
	if over := len(g.inbox) - g.opts.InboxSize; over > 0 {
		g.inbox = append([]Message(nil), g.inbox[over:]...)
	}
}

func (g *Gateway) snapshotObservers() []observer {
	g.mu.RLock()
	defer g.mu.RUnlock()

	obs := make([]observer, 0, len(g.observers)+1)
	obs = append(obs, g.primary)
	for _, o := range g.observers {
		obs = append(obs, o)
	}
	return obs
}

func (g *Gateway) emitMessage(msg Message) {
	for _, o := range g.snapshotObservers() {
		if o.onMessage != nil {
			o.onMessage(msg)
		}
	}
}

func (g *Gateway) emitStatus(s Status) {
	for _, o := range g.snapshotObservers() {
		if o.onStatus != nil {
			o.onStatus(s)
		}
	}
}

func (g *Gateway) archiveRecord(rec archive.Record) {
	if _, err := g.archive.Append(rec); err != nil {
		g.log.Debug().Err(err).Str("peer", rec.Peer).Msg("Failed to archive message")
	}
}

func wrapStatus(event, peer string, err error) Status {
	if err != nil && peer != "" {
		err = fmt.Errorf("%s: %w", peer, err)
	}
	return transport.NewStatus(event, peer, err)
}
