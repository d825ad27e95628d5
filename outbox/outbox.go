// Package outbox encrypts payloads for a chat and hands the resulting envelopes to a transmitter.
// Direct chats are sealed with the line's session. Group payloads are sealed once per active member
// with that member's pairwise session.
package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-portmsg/config"
	"github.com/meow-io/go-portmsg/envelope"
	"github.com/meow-io/go-portmsg/group"
	"github.com/meow-io/go-portmsg/ids"
	"github.com/meow-io/go-portmsg/keystore"
	"github.com/meow-io/go-portmsg/storage"
	"go.uber.org/zap"
)

var (
	ErrUnknownChat  = errors.New("outbox: unknown chat")
	ErrDisconnected = errors.New("outbox: chat is disconnected")
	ErrNotReady     = errors.New("outbox: chat has no shared secret yet")
)

// Transmitter delivers an envelope to the server. For direct chats to is the line id; for groups it is
// the recipient's member id.
type Transmitter interface {
	Transmit(ctx context.Context, to string, env *envelope.Envelope) error
}

type Outbox struct {
	log    *zap.SugaredLogger
	store  *storage.Store
	keys   *keystore.Keystore
	groups *group.Manager
	tx     Transmitter
}

func New(c *config.Config, s *storage.Store, k *keystore.Keystore, g *group.Manager, t Transmitter) *Outbox {
	return &Outbox{
		log:    c.Logger("outbox"),
		store:  s,
		keys:   k,
		groups: g,
		tx:     t,
	}
}

// recorded lists the content types we keep a copy of after sending.
var recorded = map[envelope.ContentType]bool{
	envelope.Text:           true,
	envelope.Link:           true,
	envelope.Image:          true,
	envelope.Video:          true,
	envelope.File:           true,
	envelope.AudioRecording: true,
	envelope.ContactBundle:  true,
}

// Send wraps data in a payload with a fresh message id and sends it.
func (o *Outbox) Send(ctx context.Context, chatID string, ct envelope.ContentType, data interface{}) error {
	p, err := envelope.NewPayload(ids.NewMessageID(), ct, data)
	if err != nil {
		return err
	}
	return o.SendPayload(ctx, chatID, p)
}

type delivery struct {
	to  string
	env *envelope.Envelope
}

func (o *Outbox) SendPayload(ctx context.Context, chatID string, p *envelope.Payload) error {
	plaintext, err := p.Marshal()
	if err != nil {
		return fmt.Errorf("outbox: error encoding payload: %w", err)
	}

	var out []delivery
	if err := o.store.Run("send", func() error {
		conn, err := o.store.ConnectionOrNil(chatID)
		if err != nil {
			return err
		}
		if conn == nil {
			return fmt.Errorf("%w: %s", ErrUnknownChat, chatID)
		}
		if conn.Disconnected {
			return fmt.Errorf("%w: %s", ErrDisconnected, chatID)
		}
		if conn.Type == storage.ConnectionTypeGroup {
			out, err = o.sealGroup(chatID, plaintext)
		} else {
			out, err = o.sealDirect(chatID, p, plaintext)
		}
		if err != nil {
			return err
		}
		if !recorded[p.ContentType] {
			return nil
		}
		now := o.store.Now()
		if err := o.store.InsertMessage(&storage.Message{
			ChatID:      chatID,
			MessageID:   p.MessageID,
			Sender:      true,
			ContentType: string(p.ContentType),
			Data:        string(p.Data),
			ReplyID:     p.ReplyID,
			Timestamp:   now,
			ExpiresOn:   p.ExpiresOn,
			Status:      storage.MessageStatusSent,
		}); err != nil {
			return err
		}
		var text envelope.TextData
		_ = p.Decode(&text)
		return o.store.SetPreview(chatID, storage.Preview{
			Text:        text.Text,
			ContentType: string(p.ContentType),
			MessageID:   p.MessageID,
			Timestamp:   now,
		})
	}); err != nil {
		return err
	}

	var errs []error
	for _, d := range out {
		if err := o.tx.Transmit(ctx, d.to, d.env); err != nil {
			o.log.Warnf("error transmitting %s to %s: %v", p.MessageID, d.to, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Outbox) sealDirect(chatID string, p *envelope.Payload, plaintext []byte) ([]delivery, error) {
	line, err := o.store.LineOrNil(chatID)
	if err != nil {
		return nil, err
	}
	if line == nil {
		return nil, fmt.Errorf("%w: no line for %s", ErrUnknownChat, chatID)
	}
	sess, err := o.keys.Get(line.CryptoID)
	if err != nil {
		return nil, err
	}
	// handshake payloads carry only public values and must be readable before the peer holds the secret
	var content string
	switch {
	case p.ContentType.IsHandshake():
		content = string(plaintext)
	case sess.HasSharedSecret():
		if content, err = o.keys.Encrypt(line.CryptoID, plaintext); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotReady, chatID)
	}
	return []delivery{{to: line.LineID, env: &envelope.Envelope{LineID: line.LineID, MessageContent: content}}}, nil
}

func (o *Outbox) sealGroup(chatID string, plaintext []byte) ([]delivery, error) {
	s, err := o.groups.Load(chatID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: no group for %s", ErrUnknownChat, chatID)
	}
	var out []delivery
	for _, m := range s.ActiveMembers() {
		if m.CryptoID == "" {
			continue
		}
		content, err := o.keys.Encrypt(m.CryptoID, plaintext)
		if err != nil {
			return nil, fmt.Errorf("outbox: error sealing for member %s: %w", m.MemberID, err)
		}
		out = append(out, delivery{to: m.MemberID, env: &envelope.Envelope{
			Group:   s.Group.GroupID,
			Sender:  s.Group.SelfMemberID,
			Content: content,
		}})
	}
	return out, nil
}
