package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/zeropr/lanchat/internal/archive"
	"github.com/zeropr/lanchat/internal/contacts"
	"github.com/zeropr/lanchat/internal/crypto"
	"github.com/zeropr/lanchat/internal/envelope"
	"github.com/zeropr/lanchat/internal/metrics"
	"github.com/zeropr/lanchat/internal/transport"
)

// handleInbound runs on the server's handler goroutine. Nothing here may
// stop the server: every failure becomes a status event.
func (g *Gateway) handleInbound(in transport.Inbound) {
	if g.opts.Peers != nil {
		g.opts.Peers.Seen(in.Origin, 0)
	}

	switch in.Envelope.Type {
	case envelope.TypeMessage:
		g.receiveMessage(in)
	case envelope.TypePublicKey:
		g.receivePublicKey(in)
	}
}

func (g *Gateway) receiveMessage(in transport.Inbound) {
	id, ok := g.session.Current()
	if !ok {
		g.log.Warn().Str("origin", in.Origin).Msg("Message received with nobody signed in")
		g.emitStatus(wrapStatus(EventMessageNoSession, in.Origin, ErrNoSession))
		return
	}

	plaintext, err := crypto.DecryptString(in.Envelope.Content, id.Private)
	if err != nil {
		g.opts.Metrics.DecryptFailure()
		event := EventMessageUndecryptable
		if errors.Is(err, crypto.ErrDecode) {
			event = EventMessageUndecodable
		}
		g.log.Warn().Err(err).Str("origin", in.Origin).Msg("Failed to decrypt message")
		g.emitStatus(wrapStatus(event, in.Origin, err))
		return
	}

	msg := Message{
		ID:         uuid.NewString(),
		Origin:     in.Origin,
		Ciphertext: in.Envelope.Content,
		Plaintext:  plaintext,
		ReceivedAt: time.Now().UTC(),
	}
	g.pushInbox(msg)

	rec := archive.Record{
		ID:        msg.ID,
		Direction: archive.Received,
		Peer:      in.Origin,
		User:      id.Name,
		Plaintext: plaintext,
		CreatedAt: msg.ReceivedAt,
	}
	if err := rec.Sign(id.Private); err != nil {
		g.log.Debug().Err(err).Msg("Failed to sign archive record")
	}
	g.archiveRecord(rec)

	g.log.Info().Str("origin", in.Origin).Int("bytes", len(plaintext)).Msg("Message received")
	g.emitMessage(msg)
	g.emitStatus(wrapStatus(EventMessageReceived, in.Origin, nil))
}

func (g *Gateway) receivePublicKey(in transport.Inbound) {
	c, err := g.book.SaveForAddress(in.Origin, in.Envelope.Content)
	if err != nil {
		g.log.Warn().Err(err).Str("origin", in.Origin).Msg("Rejected public key")
		g.emitStatus(wrapStatus(EventKeyRejected, in.Origin, err))
		return
	}

	g.opts.Metrics.KeyLearned()
	if g.opts.Peers != nil {
		g.opts.Peers.MarkKey(in.Origin)
	}
	g.log.Info().Str("origin", in.Origin).Str("contact", c.Name).Str("fingerprint", c.Fingerprint).Msg("Public key saved")
	g.emitStatus(wrapStatus(EventKeySaved, in.Origin, nil))
}

// SendTo encrypts plaintext for the recipient and delivers it to address.
// The recipient key is the contact named contactName, or the key learned
// from address when contactName is empty. Failures are reported through the
// status callback; the return value tells whether the envelope was written.
func (g *Gateway) SendTo(ctx context.Context, address, plaintext, contactName string) bool {
	return g.Send(ctx, address, plaintext, contactName).Event == EventSendOK
}

// Send is SendTo returning the status it reported, so a caller can tell
// its own outcome apart from concurrent sends to the same address.
func (g *Gateway) Send(ctx context.Context, address, plaintext, contactName string) Status {
	pub, err := g.book.Resolve(contactName, address)
	if err != nil {
		event, result := EventSendFailed, metrics.ResultSendFailed
		if errors.Is(err, contacts.ErrUnknownContact) {
			event, result = EventSendUnknownContact, metrics.ResultUnknownContact
		}
		g.opts.Metrics.Send(result)
		g.log.Warn().Err(err).Str("address", address).Msg("No key for recipient")
		return g.report(wrapStatus(event, address, err))
	}

	ciphertext, err := crypto.EncryptString(plaintext, pub)
	if err != nil {
		event, result := EventSendFailed, metrics.ResultSendFailed
		if errors.Is(err, crypto.ErrMessageTooLarge) {
			event, result = EventSendTooLarge, metrics.ResultTooLarge
		}
		g.opts.Metrics.Send(result)
		return g.report(wrapStatus(event, address, err))
	}

	if err := g.client.Deliver(ctx, address, g.opts.Port, envelope.Message(ciphertext)); err != nil {
		g.opts.Metrics.Send(deliveryResult(err))
		g.log.Warn().Err(err).Str("address", address).Msg("Failed to deliver message")
		return g.report(wrapStatus(EventSendFailed, address, err))
	}

	g.archiveRecord(archive.Record{
		Direction:  archive.Sent,
		Peer:       address,
		User:       g.session.Name(),
		Contact:    contactName,
		Ciphertext: ciphertext,
	})

	g.opts.Metrics.Send(metrics.ResultOK)
	g.log.Info().Str("address", address).Str("contact", contactName).Msg("Message sent")
	return g.report(wrapStatus(EventSendOK, address, nil))
}

// SendPublicKey delivers the active user's public key to address so the
// peer can reply.
func (g *Gateway) SendPublicKey(ctx context.Context, address string) bool {
	return g.SharePublicKey(ctx, address).Event == EventKeySent
}

// SharePublicKey is SendPublicKey returning the status it reported.
func (g *Gateway) SharePublicKey(ctx context.Context, address string) Status {
	id, ok := g.session.Current()
	if !ok {
		g.opts.Metrics.Send(metrics.ResultNoSession)
		return g.report(wrapStatus(EventSendNoSession, address, ErrNoSession))
	}

	if err := g.client.Deliver(ctx, address, g.opts.Port, envelope.PublicKey(string(id.Public.PEM()))); err != nil {
		g.opts.Metrics.Send(deliveryResult(err))
		g.log.Warn().Err(err).Str("address", address).Msg("Failed to send public key")
		return g.report(wrapStatus(EventSendFailed, address, err))
	}

	g.log.Info().Str("address", address).Str("user", id.Name).Msg("Public key sent")
	return g.report(wrapStatus(EventKeySent, address, nil))
}

func deliveryResult(err error) string {
	if errors.Is(err, transport.ErrConnection) {
		return metrics.ResultConnectFailed
	}
	return metrics.ResultSendFailed
}

// report emits s to the observers and returns it.
func (g *Gateway) report(s Status) Status {
	g.emitStatus(s)
	return s
}
