package receive

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-portmsg/envelope"
	"github.com/meow-io/go-portmsg/handshake"
	"github.com/meow-io/go-portmsg/storage"
)

func (r *Router) newDirectRegistry() Registry {
	return Registry{
		envelope.Name:                        r.directNameAction(),
		envelope.DisplayAvatar:               r.directAvatarAction(),
		envelope.DisplayImage:                r.directDisplayImageAction(),
		envelope.Text:                        r.textAction(),
		envelope.Link:                        r.linkAction(),
		envelope.Image:                       r.mediaAction("ReceiveImage"),
		envelope.Video:                       r.mediaAction("ReceiveVideo"),
		envelope.File:                        r.mediaAction("ReceiveFile"),
		envelope.AudioRecording:              r.mediaAction("ReceiveAudio"),
		envelope.HandshakeA1:                 r.handshakeA1Action(),
		envelope.HandshakeB2:                 r.handshakeB2Action(),
		envelope.InitialInfoRequest:          r.initialInfoAction(),
		envelope.ContactBundleRequest:        r.contactBundleRequestAction(),
		envelope.ContactBundleResponse:       r.storedAction("ReceiveContactBundleResponse", "Contact shared"),
		envelope.ContactBundleDenialResponse: r.storedAction("ReceiveContactBundleDenial", "Contact sharing declined"),
		envelope.ContactBundle:               r.storedAction("ReceiveContactBundle", "Contact shared"),
		envelope.Reaction:                    r.reactionAction(),
		envelope.EditedMessage:               r.editAction(),
		envelope.Deleted:                     r.messageDeletionAction(),
		envelope.DisappearingMessages:        r.directDisappearingAction(),
		envelope.Receipt:                     r.receiptAction(),
	}
}

// pickDirect chooses the action for a direct envelope. A nil action with a nil error means the content
// type is not supported and the envelope is ignored.
func (r *Router) pickDirect(c *Context) (Action, error) {
	env := c.Envelope
	if env.Deletion != "" {
		return r.deletion, nil
	}
	if env.MessageContent == "" {
		if env.LineLinkID != "" {
			if env.IsSuperport() {
				return r.newChatOverSuperport, nil
			}
			return r.newChatOverPort, nil
		}
		return nil, fmt.Errorf("%w: direct envelope without content", ErrMissingDecryptedContent)
	}
	// the line's keys are destroyed on disconnect, so there is nothing to decrypt with
	if c.Conn != nil && c.Conn.Disconnected {
		return nil, fmt.Errorf("%w: %s", ErrDisconnectedConversation, c.ChatID)
	}
	if c.Conn != nil && c.Line == nil {
		return nil, fmt.Errorf("%w: %s has no line", ErrDisconnectedConversation, c.ChatID)
	}

	p, err := r.decryptDirect(c)
	if err != nil {
		return nil, err
	}
	c.Payload = p
	a, ok := r.direct[p.ContentType]
	if !ok {
		r.log.Debugf("ignoring unsupported direct content type %s", p.ContentType)
		return nil, nil
	}
	return a, nil
}

// decryptDirect opens the line's payload. Handshake messages travel in the clear until both sides hold
// the secret, so a plaintext payload is accepted for those types only.
func (r *Router) decryptDirect(c *Context) (*envelope.Payload, error) {
	var decErr error
	if c.Line != nil {
		b, err := r.keys.Decrypt(c.Line.CryptoID, c.Envelope.Ciphertext())
		if err == nil {
			p, err := envelope.ParsePayload(b)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMissingDecryptedContent, err)
			}
			return p, nil
		}
		decErr = err
	}
	if p, err := envelope.ParsePayload([]byte(c.Envelope.Ciphertext())); err == nil && p.ContentType.IsHandshake() {
		return p, nil
	}
	if decErr == nil {
		decErr = errors.New("no line")
	}
	return nil, fmt.Errorf("%w: %v", ErrMissingDecryptedContent, decErr)
}

func (r *Router) validateDirect(c *Context) error {
	if c.Conn == nil || c.Line == nil {
		return fmt.Errorf("%w: %s", ErrMissingRoutingTarget, c.ChatID)
	}
	if c.Conn.Disconnected {
		return fmt.Errorf("%w: %s", ErrDisconnectedConversation, c.ChatID)
	}
	return nil
}

// withDirectValidation fills in the default validation for direct actions that have none.
func (r *Router) withDirectValidation(reg Registry) Registry {
	for ct, a := range reg {
		if da, ok := a.(*action); ok && da.validate == nil {
			da.validate = r.validateDirect
			reg[ct] = da
		}
	}
	return reg
}

// deletionAction handles the server telling us the peer deleted the line.
func (r *Router) deletionAction() Action {
	return &action{
		name: "Deletion",
		validate: func(c *Context) error {
			if c.Conn == nil {
				return fmt.Errorf("%w: %s", ErrMissingRoutingTarget, c.ChatID)
			}
			if c.Conn.Disconnected {
				return fmt.Errorf("%w: %s already disconnected", ErrAlreadyProcessed, c.ChatID)
			}
			return nil
		},
		apply: func(c *Context) ([]Event, error) {
			lineID, err := r.hs.Disconnect(c.ChatID)
			if err != nil {
				return nil, err
			}
			c.After(func(ctx context.Context) ([]Event, error) {
				r.hs.DisconnectRemote(ctx, lineID)
				return nil, nil
			})
			events, err := r.info(c, "Chat disconnected")
			if err != nil {
				return nil, err
			}
			return append(events, &ConnectionChanged{ChatID: c.ChatID}), nil
		},
	}
}

// newChatAction handles a reader using one of our ports. It has nothing to validate against since the
// chat does not exist yet.
func (r *Router) newChatAction(name string, superport bool) Action {
	return &action{
		name: name,
		apply: func(c *Context) ([]Event, error) {
			env := c.Envelope
			acc, err := r.hs.AcceptNewChat(handshake.NewChat{
				LineID:    env.LineID,
				PortID:    env.LineLinkID,
				PairHash:  env.PairHash,
				Superport: superport,
			})
			switch {
			case errors.Is(err, handshake.ErrLineExists):
				return nil, fmt.Errorf("%w: %v", ErrAlreadyProcessed, err)
			case errors.Is(err, handshake.ErrBlocked), errors.Is(err, handshake.ErrAlreadyConnected):
				r.log.Infof("refusing new chat on line %s: %v", env.LineID, err)
				lineID := env.LineID
				c.After(func(ctx context.Context) ([]Event, error) {
					r.hs.DisconnectRemote(ctx, lineID)
					return nil, nil
				})
				return nil, nil
			case err != nil:
				return nil, err
			}
			c.ChatID = acc.ChatID
			r.send(c, envelope.HandshakeA1, acc.A1)
			return []Event{&ConnectionChanged{ChatID: acc.ChatID}}, nil
		},
	}
}

// disconnectForFailedHandshake marks the chat disconnected and closes the line once committed.
func (r *Router) disconnectForFailedHandshake(c *Context, cause error) ([]Event, error) {
	r.log.Warnf("handshake failed for %s, disconnecting: %v", c.ChatID, cause)
	lineID, err := r.hs.Disconnect(c.ChatID)
	if err != nil {
		return nil, err
	}
	c.After(func(ctx context.Context) ([]Event, error) {
		r.hs.DisconnectRemote(ctx, lineID)
		return nil, nil
	})
	return []Event{&ConnectionChanged{ChatID: c.ChatID}}, nil
}

func (r *Router) handshakeA1Action() Action {
	return &action{
		name: "HandshakeResponseA1",
		apply: func(c *Context) ([]Event, error) {
			var d envelope.HandshakeA1Data
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			b2, err := r.hs.HandleA1(c.ChatID, &d)
			switch {
			case errors.Is(err, handshake.ErrReplay):
				return nil, fmt.Errorf("%w: %v", ErrAlreadyProcessed, err)
			case errors.Is(err, handshake.ErrKeyMismatch):
				return r.disconnectForFailedHandshake(c, err)
			case err != nil:
				return nil, err
			}
			r.send(c, envelope.HandshakeB2, b2)
			r.send(c, envelope.InitialInfoRequest, struct{}{})
			return []Event{&ConnectionChanged{ChatID: c.ChatID}}, nil
		},
	}
}

func (r *Router) handshakeB2Action() Action {
	return &action{
		name: "HandshakeResponseB2",
		apply: func(c *Context) ([]Event, error) {
			var d envelope.HandshakeB2Data
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			err := r.hs.HandleB2(c.ChatID, &d)
			switch {
			case errors.Is(err, handshake.ErrReplay):
				return nil, fmt.Errorf("%w: %v", ErrAlreadyProcessed, err)
			case errors.Is(err, handshake.ErrNonceMismatch):
				return r.disconnectForFailedHandshake(c, err)
			case err != nil:
				return nil, err
			}
			r.send(c, envelope.InitialInfoRequest, struct{}{})
			return []Event{&ConnectionChanged{ChatID: c.ChatID}}, nil
		},
	}
}

// initialInfoAction answers a peer asking who we are.
func (r *Router) initialInfoAction() Action {
	return &action{
		name: "InitialInfoResponse",
		apply: func(c *Context) ([]Event, error) {
			profile, err := r.store.Profile()
			if err != nil {
				return nil, err
			}
			r.send(c, envelope.Name, &envelope.NameData{Name: profile.Name})
			if c.Permissions.DisplayPicture && profile.DisplayPic != "" {
				r.send(c, envelope.DisplayAvatar, &envelope.AvatarData{Avatar: profile.DisplayPic})
			}
			return nil, nil
		},
	}
}

func (r *Router) directNameAction() Action {
	return &action{
		name: "ReceiveName",
		apply: func(c *Context) ([]Event, error) {
			var d envelope.NameData
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			if d.Name == "" || d.Name == c.Conn.Name {
				return nil, nil
			}
			if err := r.store.SetConnectionName(c.ChatID, d.Name); err != nil {
				return nil, err
			}
			if err := r.store.TouchContact(c.Conn.PairHash, d.Name, c.Received); err != nil {
				return nil, err
			}
			return []Event{&ConnectionChanged{ChatID: c.ChatID}}, nil
		},
	}
}

func (r *Router) directAvatarAction() Action {
	return &action{
		name: "ReceiveAvatar",
		apply: func(c *Context) ([]Event, error) {
			var d envelope.AvatarData
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			if !c.Permissions.DisplayPicture {
				return nil, nil
			}
			return r.setDirectPicture(c, d.Avatar)
		},
	}
}

func (r *Router) directDisplayImageAction() Action {
	return &action{
		name: "ReceiveDisplayImage",
		apply: func(c *Context) ([]Event, error) {
			var d envelope.PictureData
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			if !c.Permissions.DisplayPicture {
				return nil, nil
			}
			if d.FileURI != "" || r.enricher == nil || !c.Permissions.AutoDownload {
				pic := d.FileURI
				if pic == "" {
					pic = d.MediaID
				}
				return r.setDirectPicture(c, pic)
			}
			chatID := c.ChatID
			c.After(func(ctx context.Context) ([]Event, error) {
				uri, err := r.enricher.DownloadMedia(ctx, chatID, d.MediaID, d.Key)
				if err != nil {
					return nil, fmt.Errorf("receive: error downloading display image: %w", err)
				}
				var events []Event
				err = r.store.Run("display image", func() error {
					conn, err := r.store.ConnectionOrNil(chatID)
					if err != nil || conn == nil {
						return err
					}
					events, err = r.setDirectPicture(&Context{ChatID: chatID, Conn: conn}, uri)
					return err
				})
				return events, err
			})
			return nil, nil
		},
	}
}

func (r *Router) setDirectPicture(c *Context, pic string) ([]Event, error) {
	if err := r.store.SetConnectionDisplayPic(c.ChatID, pic); err != nil {
		return nil, err
	}
	if c.Conn.PairHash != "" {
		if err := r.store.SetContactDisplayPic(c.Conn.PairHash, pic); err != nil {
			return nil, err
		}
	}
	return []Event{&ConnectionChanged{ChatID: c.ChatID}}, nil
}

// contactBundleRequestAction answers a peer asking for a port they can pass on to someone else.
func (r *Router) contactBundleRequestAction() Action {
	return &action{
		name: "ReceiveContactBundleRequest",
		apply: func(c *Context) ([]Event, error) {
			if err := r.record(c); err != nil {
				return nil, err
			}
			if !c.Permissions.ContactSharing {
				r.send(c, envelope.ContactBundleDenialResponse, struct{}{})
				return nil, nil
			}
			bundle, err := r.hs.GeneratePort(c.Conn.Name, c.Conn.FolderID, false)
			if err != nil {
				return nil, err
			}
			r.send(c, envelope.ContactBundleResponse, &envelope.ContactBundleData{Bundle: bundle})
			return nil, nil
		},
	}
}

// storedAction saves the payload as a message with a fixed preview.
func (r *Router) storedAction(name, preview string) Action {
	return &action{
		name: name,
		apply: func(c *Context) ([]Event, error) {
			return r.saveIncoming(c, false)
		},
		preview: fixedPreview(preview),
	}
}

func (r *Router) directDisappearingAction() Action {
	return &action{
		name:  "ReceiveDisappearingMessages",
		apply: r.setDisappearing,
	}
}

var statusRank = map[string]int{
	"sent":      1,
	"delivered": 2,
	"read":      3,
}

// receiptAction advances the delivery status of one of our messages. Status never moves backwards.
func (r *Router) receiptAction() Action {
	return &action{
		name: "ReceiveReceipt",
		apply: func(c *Context) ([]Event, error) {
			var d envelope.ReceiptData
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			rank, ok := statusRank[d.Status]
			if !ok {
				return nil, fmt.Errorf("%w: unknown receipt status %q", ErrMissingDecryptedContent, d.Status)
			}
			msg, err := r.store.MessageOrNil(c.ChatID, d.MessageID)
			if err != nil {
				return nil, err
			}
			if msg == nil || !msg.Sender {
				return nil, fmt.Errorf("%w: receipt for message %s we did not send", ErrUnauthorizedMutation, d.MessageID)
			}
			if statusRank[string(msg.Status)] >= rank {
				return nil, fmt.Errorf("%w: status already %s", ErrAlreadyProcessed, msg.Status)
			}
			if err := r.store.UpdateMessageStatus(c.ChatID, d.MessageID, storage.MessageStatus(d.Status)); err != nil {
				return nil, err
			}
			return []Event{&MessageChanged{ChatID: c.ChatID, MessageID: d.MessageID}}, nil
		},
	}
}
