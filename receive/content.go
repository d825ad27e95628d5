package receive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meow-io/go-portmsg/envelope"
	"github.com/meow-io/go-portmsg/ids"
	"github.com/meow-io/go-portmsg/storage"
)

const peerReactionKey = "peer"

func decode(c *Context, v interface{}) error {
	if c.Payload == nil {
		return ErrMissingDecryptedContent
	}
	if err := c.Payload.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMissingDecryptedContent, err)
	}
	return nil
}

// saveIncoming stores the payload as a new message, bumps the chat preview and schedules the
// notification and delivery receipt.
func (r *Router) saveIncoming(c *Context, shouldDownload bool) ([]Event, error) {
	p := c.Payload
	if err := r.guard.Check(c.ChatID, p.MessageID); err != nil {
		return nil, err
	}
	if err := r.store.InsertMessage(&storage.Message{
		ChatID:         c.ChatID,
		MessageID:      p.MessageID,
		MemberID:       c.SenderID,
		ContentType:    string(p.ContentType),
		Data:           string(p.Data),
		ReplyID:        p.ReplyID,
		Timestamp:      c.Received,
		ExpiresOn:      r.expiry(c),
		Status:         storage.MessageStatusReceived,
		ShouldDownload: shouldDownload,
	}); err != nil {
		return nil, err
	}
	preview := c.preview()
	if err := r.store.BumpPreview(c.ChatID, storage.Preview{
		Text:        preview,
		ContentType: string(p.ContentType),
		MessageID:   p.MessageID,
		Timestamp:   c.Received,
	}); err != nil {
		return nil, err
	}
	r.notify(c, preview)
	if !c.IsGroup() && c.Permissions.ReadReceipts {
		r.send(c, envelope.Receipt, &envelope.ReceiptData{MessageID: p.MessageID, Status: string(storage.MessageStatusDelivered)})
	}
	return []Event{
		&MessageAdded{ChatID: c.ChatID, MessageID: p.MessageID, ContentType: string(p.ContentType)},
		&ConnectionChanged{ChatID: c.ChatID},
	}, nil
}

// record stores the payload for idempotency without touching the preview.
func (r *Router) record(c *Context) error {
	p := c.Payload
	if err := r.guard.Check(c.ChatID, p.MessageID); err != nil {
		return err
	}
	return r.store.InsertMessage(&storage.Message{
		ChatID:      c.ChatID,
		MessageID:   p.MessageID,
		MemberID:    c.SenderID,
		ContentType: string(p.ContentType),
		Data:        string(p.Data),
		Timestamp:   c.Received,
		Status:      storage.MessageStatusReceived,
	})
}

// info saves a locally generated message describing a change to the chat.
func (r *Router) info(c *Context, text string) ([]Event, error) {
	data, err := json.Marshal(&envelope.InfoData{Text: text})
	if err != nil {
		return nil, err
	}
	m := &storage.Message{
		ChatID:      c.ChatID,
		MessageID:   ids.NewMessageID(),
		ContentType: string(envelope.Info),
		Data:        string(data),
		Timestamp:   c.Received,
		Status:      storage.MessageStatusReceived,
	}
	if err := r.store.InsertMessage(m); err != nil {
		return nil, err
	}
	if err := r.store.SetPreview(c.ChatID, storage.Preview{
		Text:        text,
		ContentType: m.ContentType,
		MessageID:   m.MessageID,
		Timestamp:   c.Received,
	}); err != nil {
		return nil, err
	}
	return []Event{&MessageAdded{ChatID: c.ChatID, MessageID: m.MessageID, ContentType: m.ContentType}}, nil
}

func (r *Router) expiry(c *Context) int64 {
	if c.Payload.ExpiresOn > 0 {
		return c.Payload.ExpiresOn
	}
	if c.Permissions.DisappearingMessages > 0 {
		return int64(r.store.Clock().CurrentTimeMs()) + c.Permissions.DisappearingMessages*1000
	}
	return 0
}

func (r *Router) notify(c *Context, body string) {
	if r.notifier == nil || !c.Permissions.Notifications || body == "" {
		return
	}
	title := "New message"
	chatID := c.ChatID
	if c.Group != nil {
		title = c.Group.Group.Name
		body = fmt.Sprintf("%s: %s", c.Group.DisplayName(c.SenderID), body)
	} else if c.Conn != nil && c.Conn.Name != "" {
		title = c.Conn.Name
	}
	c.After(func(ctx context.Context) ([]Event, error) {
		return nil, r.notifier.Notify(title, body, true, chatID)
	})
}

func (r *Router) send(c *Context, ct envelope.ContentType, data interface{}) {
	if r.sender == nil {
		r.log.Debugf("no sender, dropping %s for %s", ct, c.ChatID)
		return
	}
	chatID := c.ChatID
	c.After(func(ctx context.Context) ([]Event, error) {
		return nil, r.sender.Send(ctx, chatID, ct, data)
	})
}

func textPreview(c *Context) string {
	var d envelope.TextData
	if c.Payload.Decode(&d) != nil {
		return ""
	}
	return d.Text
}

func mediaPreview(c *Context) string {
	var d envelope.MediaData
	if c.Payload.Decode(&d) == nil && d.Text != "" {
		return d.Text
	}
	switch c.Payload.ContentType {
	case envelope.Image:
		return "Image"
	case envelope.Video:
		return "Video"
	case envelope.AudioRecording:
		return "Audio message"
	}
	if d.FileName != "" {
		return d.FileName
	}
	return "File"
}

func fixedPreview(s string) func(c *Context) string {
	return func(c *Context) string { return s }
}

func (r *Router) textAction() Action {
	return &action{
		name: "ReceiveText",
		apply: func(c *Context) ([]Event, error) {
			var d envelope.TextData
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			return r.saveIncoming(c, false)
		},
		preview: textPreview,
	}
}

func (r *Router) linkAction() Action {
	return &action{
		name: "ReceiveLink",
		apply: func(c *Context) ([]Event, error) {
			var d envelope.LinkData
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			events, err := r.saveIncoming(c, false)
			if err != nil {
				return nil, err
			}
			if url := d.FirstURL(); url != "" && r.enricher != nil && d.Preview == nil {
				chatID, messageID := c.ChatID, c.Payload.MessageID
				c.After(func(ctx context.Context) ([]Event, error) {
					lp, err := r.enricher.FetchLinkPreview(ctx, url)
					if err != nil {
						return nil, fmt.Errorf("receive: error fetching preview for %s: %w", messageID, err)
					}
					return r.patchMessage(chatID, messageID, func(m map[string]interface{}) {
						m["preview"] = lp
					}, false)
				})
			}
			return events, nil
		},
		preview: textPreview,
	}
}

func (r *Router) mediaAction(name string) Action {
	return &action{
		name: name,
		apply: func(c *Context) ([]Event, error) {
			var d envelope.MediaData
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			if d.MediaID == "" || d.Key == "" {
				return nil, fmt.Errorf("%w: media without id or key", ErrMissingDecryptedContent)
			}
			events, err := r.saveIncoming(c, c.Payload.ContentType.IsMedia())
			if err != nil {
				return nil, err
			}
			if c.Permissions.AutoDownload && r.enricher != nil {
				chatID, messageID := c.ChatID, c.Payload.MessageID
				c.After(func(ctx context.Context) ([]Event, error) {
					uri, err := r.enricher.DownloadMedia(ctx, chatID, d.MediaID, d.Key)
					if err != nil {
						return nil, fmt.Errorf("receive: error downloading media for %s: %w", messageID, err)
					}
					return r.patchMessage(chatID, messageID, func(m map[string]interface{}) {
						m["fileUri"] = uri
					}, true)
				})
			}
			return events, nil
		},
		preview: mediaPreview,
	}
}

// patchMessage rewrites fields of a stored message's data after an enrichment finishes.
func (r *Router) patchMessage(chatID, messageID string, f func(m map[string]interface{}), downloaded bool) ([]Event, error) {
	err := r.store.Run("patch message", func() error {
		msg, err := r.store.MessageOrNil(chatID, messageID)
		if err != nil || msg == nil || msg.Deleted {
			return err
		}
		data := map[string]interface{}{}
		if err := json.Unmarshal([]byte(msg.Data), &data); err != nil {
			return fmt.Errorf("receive: error decoding stored message: %w", err)
		}
		f(data)
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		if err := r.store.UpdateMessageData(chatID, messageID, string(b), msg.Edited); err != nil {
			return err
		}
		if downloaded {
			return r.store.SetShouldDownload(chatID, messageID, false)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []Event{&MessageChanged{ChatID: chatID, MessageID: messageID}}, nil
}

// reactionAction records or clears the sender's reaction. Any participant may react to any message.
func (r *Router) reactionAction() Action {
	return &action{
		name: "ReceiveReaction",
		apply: func(c *Context) ([]Event, error) {
			var d envelope.ReactionData
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			target, err := r.store.MessageOrNil(c.ChatID, d.MessageID)
			if err != nil {
				return nil, err
			}
			if target == nil {
				return nil, fmt.Errorf("receive: reaction to unknown message %s", d.MessageID)
			}
			memberID := peerReactionKey
			if c.IsGroup() {
				memberID = c.SenderID
			}
			if d.Reaction == "" {
				err = r.store.DeleteReaction(c.ChatID, d.MessageID, memberID)
			} else {
				err = r.store.UpsertReaction(&storage.Reaction{
					ChatID:    c.ChatID,
					MessageID: d.MessageID,
					MemberID:  memberID,
					Reaction:  d.Reaction,
					Timestamp: c.Received,
				})
			}
			if err != nil {
				return nil, err
			}
			return []Event{&ReactionChanged{ChatID: c.ChatID, MessageID: d.MessageID, MemberID: memberID}}, nil
		},
	}
}

// mutationTarget loads the message an edit or deletion refers to and checks the sender wrote it.
func (r *Router) mutationTarget(c *Context, messageID string) (*storage.Message, error) {
	target, err := r.store.MessageOrNil(c.ChatID, messageID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("receive: mutation of unknown message %s", messageID)
	}
	if target.Sender || (c.IsGroup() && target.MemberID != c.SenderID) {
		return nil, fmt.Errorf("%w: %s is not the author of %s", ErrUnauthorizedMutation, c.SenderID, messageID)
	}
	return target, nil
}

func (r *Router) editAction() Action {
	return &action{
		name: "ReceiveEditedMessage",
		apply: func(c *Context) ([]Event, error) {
			var d envelope.EditData
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			target, err := r.mutationTarget(c, d.MessageID)
			if err != nil {
				return nil, err
			}
			if target.Deleted {
				return nil, fmt.Errorf("%w: %s was deleted", ErrAlreadyProcessed, d.MessageID)
			}
			data := map[string]interface{}{}
			if err := json.Unmarshal([]byte(target.Data), &data); err != nil {
				return nil, fmt.Errorf("receive: error decoding stored message: %w", err)
			}
			data["text"] = d.Text
			b, err := json.Marshal(data)
			if err != nil {
				return nil, err
			}
			if err := r.store.UpdateMessageData(c.ChatID, d.MessageID, string(b), true); err != nil {
				return nil, err
			}
			return []Event{&MessageChanged{ChatID: c.ChatID, MessageID: d.MessageID}}, nil
		},
	}
}

func (r *Router) messageDeletionAction() Action {
	return &action{
		name: "ReceiveMessageDeletion",
		apply: func(c *Context) ([]Event, error) {
			var d envelope.DeletionData
			if err := decode(c, &d); err != nil {
				return nil, err
			}
			target, err := r.mutationTarget(c, d.MessageID)
			if err != nil {
				return nil, err
			}
			if target.Deleted {
				return nil, fmt.Errorf("%w: %s already deleted", ErrAlreadyProcessed, d.MessageID)
			}
			if err := r.store.MarkMessageDeleted(c.ChatID, d.MessageID); err != nil {
				return nil, err
			}
			return []Event{&MessageChanged{ChatID: c.ChatID, MessageID: d.MessageID}}, nil
		},
	}
}

// setDisappearing rewrites the chat's disappearing message timer.
func (r *Router) setDisappearing(c *Context) ([]Event, error) {
	var d envelope.DisappearingData
	if err := decode(c, &d); err != nil {
		return nil, err
	}
	if d.TimeoutSeconds < 0 {
		return nil, fmt.Errorf("%w: negative timeout", ErrMissingDecryptedContent)
	}
	if c.Permissions.DisappearingMessages == d.TimeoutSeconds {
		return nil, fmt.Errorf("%w: timer already %d", ErrAlreadyProcessed, d.TimeoutSeconds)
	}
	p := *c.Permissions
	p.DisappearingMessages = d.TimeoutSeconds
	if err := r.store.UpsertPermissions(&p); err != nil {
		return nil, err
	}
	text := "Disappearing messages turned off"
	if d.TimeoutSeconds > 0 {
		text = fmt.Sprintf("Disappearing messages set to %d seconds", d.TimeoutSeconds)
	}
	events, err := r.info(c, text)
	if err != nil {
		return nil, err
	}
	return append(events, &PermissionsChanged{ChatID: c.ChatID}), nil
}
