package gateway

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/99designs/keyring"
	"github.com/rs/zerolog"

	"github.com/zeropr/lanchat/internal/contacts"
	"github.com/zeropr/lanchat/internal/keys"
	"github.com/zeropr/lanchat/internal/peers"
	"github.com/zeropr/lanchat/internal/secrets"
	"github.com/zeropr/lanchat/internal/transport"
)

type events struct {
	messages chan Message
	statuses chan Status
}

func newEvents() *events {
	return &events{
		messages: make(chan Message, 16),
		statuses: make(chan Status, 64),
	}
}

func (e *events) onMessage(m Message) { e.messages <- m }
func (e *events) onStatus(s Status)   { e.statuses <- s }

func (e *events) waitStatus(t *testing.T, event string) Status {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case s := <-e.statuses:
			if s.Event == event {
				return s
			}
		case <-timeout:
			t.Fatalf("timed out waiting for status %q", event)
		}
	}
}

func (e *events) waitMessage(t *testing.T) Message {
	t.Helper()
	select {
	case m := <-e.messages:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

type peer struct {
	gw     *Gateway
	events *events
	dir    string
}

// newPeer creates a gateway rooted in its own directory that delivers to
// sendPort on loopback.
func newPeer(t *testing.T, sendPort int, mutate func(*Options)) *peer {
	t.Helper()
	dir := t.TempDir()
	opts := Options{
		KeyDir:     filepath.Join(dir, keys.DefaultDir),
		ArchiveDir: filepath.Join(dir, "mensajes"),
		Port:       sendPort,
		Server: transport.ServerOptions{
			Host:         "127.0.0.1",
			PollInterval: 50 * time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&opts)
	}

	p := &peer{gw: New(opts, zerolog.Nop()), events: newEvents(), dir: dir}
	p.gw.SetCallbacks(p.events.onMessage, p.events.onStatus)
	t.Cleanup(func() { p.gw.Close() })
	return p
}

func (p *peer) signUp(t *testing.T, name string) {
	t.Helper()
	if _, err := p.gw.CreateUser(name, keys.MinBits, ""); err != nil {
		t.Fatalf("CreateUser(%s) failed: %v", name, err)
	}
	if _, err := p.gw.SignIn(name, "", false); err != nil {
		t.Fatalf("SignIn(%s) failed: %v", name, err)
	}
}

func (p *peer) listen(t *testing.T, port int) int {
	t.Helper()
	if err := p.gw.StartServer(port); err != nil {
		if errors.Is(err, transport.ErrAddressInUse) {
			t.Skipf("port %d is busy", port)
		}
		t.Fatalf("StartServer(%d) failed: %v", port, err)
	}
	return p.gw.ServerAddr().(*net.TCPAddr).Port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestSendHolaOverDefaultPort(t *testing.T) {
	bob := newPeer(t, transport.DefaultPort, nil)
	bob.signUp(t, "bob")
	bob.listen(t, transport.DefaultPort)

	ana := newPeer(t, transport.DefaultPort, nil)
	bobPEM, err := bob.gw.PublicKeyPEM()
	if err != nil {
		t.Fatalf("PublicKeyPEM() failed: %v", err)
	}
	if _, err := ana.gw.ImportContact("bob", bobPEM); err != nil {
		t.Fatalf("ImportContact() failed: %v", err)
	}

	if !ana.gw.SendTo(context.Background(), "127.0.0.1", "hola", "bob") {
		t.Fatalf("SendTo() = false, status %+v", ana.events.waitStatus(t, EventSendFailed))
	}

	msg := bob.events.waitMessage(t)
	if msg.Plaintext != "hola" || msg.Origin != "127.0.0.1" {
		t.Errorf("received %+v, want hola from 127.0.0.1", msg)
	}
	bob.events.waitStatus(t, EventMessageReceived)

	if inbox := bob.gw.Inbox(); len(inbox) != 1 || inbox[0].Plaintext != "hola" {
		t.Errorf("Inbox() = %+v", inbox)
	}
	if _, err := os.Stat(filepath.Join(ana.dir, "mensajes", "para_127.0.0.1_0.json")); err != nil {
		t.Errorf("sent message was not archived: %v", err)
	}
	if _, err := os.Stat(filepath.Join(bob.dir, "mensajes", "de_127.0.0.1_0.json")); err != nil {
		t.Errorf("received message was not archived: %v", err)
	}
}

func TestKeyExchangeThenReplyByAddress(t *testing.T) {
	anaPort, bobPort := freePort(t), freePort(t)

	ana := newPeer(t, bobPort, nil)
	ana.signUp(t, "ana")
	ana.listen(t, anaPort)

	bob := newPeer(t, anaPort, nil)
	bob.signUp(t, "bob")
	bob.listen(t, bobPort)

	if !ana.gw.SendPublicKey(context.Background(), "127.0.0.1") {
		t.Fatal("SendPublicKey() = false")
	}
	saved := bob.events.waitStatus(t, EventKeySaved)
	if saved.Peer != "127.0.0.1" {
		t.Errorf("key.saved peer = %q, want 127.0.0.1", saved.Peer)
	}

	stored, err := os.ReadFile(filepath.Join(bob.dir, keys.DefaultDir, contacts.AddressName("127.0.0.1")+keys.PublicSuffix))
	if err != nil {
		t.Fatalf("contact file missing: %v", err)
	}
	anaPEM, _ := ana.gw.PublicKeyPEM()
	if !bytes.Equal(stored, []byte(anaPEM)) {
		t.Error("stored contact is not byte-identical to the exported key")
	}

	// Bob replies using only the address the key came from.
	if !bob.gw.SendTo(context.Background(), "127.0.0.1", "recibido", "") {
		t.Fatal("SendTo() by address = false")
	}
	if msg := ana.events.waitMessage(t); msg.Plaintext != "recibido" {
		t.Errorf("ana received %q, want recibido", msg.Plaintext)
	}
}

func TestSendToUnknownContact(t *testing.T) {
	ana := newPeer(t, freePort(t), nil)

	if ana.gw.SendTo(context.Background(), "10.1.2.3", "hola", "nobody") {
		t.Fatal("SendTo() to unknown contact = true")
	}
	status := ana.events.waitStatus(t, EventSendUnknownContact)
	if !errors.Is(status.Err, contacts.ErrUnknownContact) {
		t.Errorf("status error = %v, want %v", status.Err, contacts.ErrUnknownContact)
	}

	if ana.gw.SendTo(context.Background(), "10.1.2.3", "hola", "") {
		t.Fatal("SendTo() to unknown address = true")
	}
	ana.events.waitStatus(t, EventSendUnknownContact)
}

func TestSendToUnreachablePeer(t *testing.T) {
	ana := newPeer(t, transport.DefaultPort, nil)
	kp, err := keys.Generate(keys.MinBits)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if _, err := ana.gw.ImportContact("bob", string(kp.Public.PEM())); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	start := time.Now()
	if ana.gw.SendTo(context.Background(), "192.0.2.1", "hola", "bob") {
		t.Fatal("SendTo() to unreachable peer = true")
	}
	if elapsed := time.Since(start); elapsed > transport.DefaultConnectTimeout+2*time.Second {
		t.Errorf("SendTo() took %v, want about the connect timeout", elapsed)
	}
	status := ana.events.waitStatus(t, EventSendFailed)
	if !errors.Is(status.Err, transport.ErrConnection) {
		t.Errorf("status error = %v, want %v", status.Err, transport.ErrConnection)
	}
}

func TestSendTooLarge(t *testing.T) {
	ana := newPeer(t, freePort(t), nil)
	kp, err := keys.Generate(keys.MinBits)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if _, err := ana.gw.ImportContact("bob", string(kp.Public.PEM())); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	if ana.gw.SendTo(context.Background(), "127.0.0.1", strings.Repeat("x", 200), "bob") {
		t.Fatal("SendTo() with oversized message = true")
	}
	ana.events.waitStatus(t, EventSendTooLarge)
}

func TestUndecryptableMessageKeepsServerRunning(t *testing.T) {
	bobPort := freePort(t)
	bob := newPeer(t, 0, nil)
	bob.signUp(t, "bob")
	bob.listen(t, bobPort)

	ana := newPeer(t, bobPort, nil)
	stranger, err := keys.Generate(keys.MinBits)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if _, err := ana.gw.ImportContact("wrong", string(stranger.Public.PEM())); err != nil {
		t.Fatalf("import failed: %v", err)
	}
	bobPEM, _ := bob.gw.PublicKeyPEM()
	if _, err := ana.gw.ImportContact("bob", bobPEM); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	if !ana.gw.SendTo(context.Background(), "127.0.0.1", "hola", "wrong") {
		t.Fatal("SendTo() = false")
	}
	bob.events.waitStatus(t, EventMessageUndecryptable)
	if bob.gw.ServerState() != transport.Listening {
		t.Fatal("server stopped after an undecryptable message")
	}

	if !ana.gw.SendTo(context.Background(), "127.0.0.1", "otra vez", "bob") {
		t.Fatal("SendTo() = false")
	}
	if msg := bob.events.waitMessage(t); msg.Plaintext != "otra vez" {
		t.Errorf("received %q, want otra vez", msg.Plaintext)
	}
}

func TestMessageWithoutSession(t *testing.T) {
	bobPort := freePort(t)
	bob := newPeer(t, 0, nil)
	bob.signUp(t, "bob")
	bob.listen(t, bobPort)
	bobPEM, _ := bob.gw.PublicKeyPEM()
	bob.gw.SignOut()
	bob.events.waitStatus(t, EventSignedOut)

	ana := newPeer(t, bobPort, nil)
	if _, err := ana.gw.ImportContact("bob", bobPEM); err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if !ana.gw.SendTo(context.Background(), "127.0.0.1", "hola", "bob") {
		t.Fatal("SendTo() = false")
	}

	status := bob.events.waitStatus(t, EventMessageNoSession)
	if !errors.Is(status.Err, ErrNoSession) {
		t.Errorf("status error = %v, want %v", status.Err, ErrNoSession)
	}
	if ana.gw.SendPublicKey(context.Background(), "127.0.0.1") {
		t.Error("SendPublicKey() without a session = true")
	}
}

func TestInboundPeersAreTracked(t *testing.T) {
	registry := peers.NewRegistry()
	bobPort := freePort(t)
	bob := newPeer(t, 0, func(o *Options) { o.Peers = registry })
	bob.signUp(t, "bob")
	bob.listen(t, bobPort)

	ana := newPeer(t, bobPort, nil)
	ana.signUp(t, "ana")
	if !ana.gw.SendPublicKey(context.Background(), "127.0.0.1") {
		t.Fatal("SendPublicKey() = false")
	}
	bob.events.waitStatus(t, EventKeySaved)

	p, ok := registry.Get("127.0.0.1")
	if !ok || !p.HasKey || p.Source != peers.SourceInbound {
		t.Errorf("registry entry = %+v, %v; want inbound peer with key", p, ok)
	}
}

func TestSignInWithRememberedPassphrase(t *testing.T) {
	store := secrets.New(keyring.NewArrayKeyring(nil))
	ana := newPeer(t, 0, func(o *Options) { o.Secrets = store })

	if _, err := ana.gw.CreateUser("ana", keys.MinBits, "s3cret"); err != nil {
		t.Fatalf("CreateUser() failed: %v", err)
	}
	if _, err := ana.gw.SignIn("ana", "wrong", true); !errors.Is(err, keys.ErrInvalidPassphrase) {
		t.Fatalf("SignIn(wrong) error = %v, want %v", err, keys.ErrInvalidPassphrase)
	}
	if _, err := ana.gw.SignIn("ana", "", false); !errors.Is(err, keys.ErrInvalidPassphrase) {
		t.Fatalf("SignIn() before remembering error = %v, want %v", err, keys.ErrInvalidPassphrase)
	}
	if _, err := ana.gw.SignIn("ana", "s3cret", true); err != nil {
		t.Fatalf("SignIn() failed: %v", err)
	}
	ana.gw.SignOut()

	id, err := ana.gw.SignIn("ana", "", false)
	if err != nil {
		t.Fatalf("SignIn() with remembered passphrase failed: %v", err)
	}
	if id.Name != "ana" {
		t.Errorf("identity = %q, want ana", id.Name)
	}

	if err := ana.gw.Forget("ana"); err != nil {
		t.Fatalf("Forget() failed: %v", err)
	}
	ana.gw.SignOut()
	if _, err := ana.gw.SignIn("ana", "", false); !errors.Is(err, keys.ErrInvalidPassphrase) {
		t.Errorf("SignIn() after Forget error = %v, want %v", err, keys.ErrInvalidPassphrase)
	}
}

func TestInboxIsBounded(t *testing.T) {
	g := newPeer(t, 0, func(o *Options) { o.InboxSize = 2 }).gw
	for _, text := range []string{"uno", "dos", "tres"} {
		g.pushInbox(Message{Plaintext: text})
	}

	inbox := g.Inbox()
	if len(inbox) != 2 || inbox[0].Plaintext != "dos" || inbox[1].Plaintext != "tres" {
		t.Errorf("Inbox() = %+v, want dos and tres", inbox)
	}
	g.ClearInbox()
	if len(g.Inbox()) != 0 {
		t.Error("ClearInbox() left messages")
	}
}

func TestObserve(t *testing.T) {
	g := newPeer(t, 0, nil).gw
	got := make(chan Message, 1)
	cancel := g.Observe(func(m Message) { got <- m }, nil)

	g.emitMessage(Message{Plaintext: "hola"})
	select {
	case m := <-got:
		if m.Plaintext != "hola" {
			t.Errorf("observer got %q", m.Plaintext)
		}
	default:
		t.Fatal("observer was not called")
	}

	cancel()
	g.emitMessage(Message{Plaintext: "otra"})
	select {
	case m := <-got:
		t.Errorf("cancelled observer got %q", m.Plaintext)
	default:
	}
}
