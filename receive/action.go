package receive

import (
	"context"

	"github.com/meow-io/go-portmsg/envelope"
	"github.com/meow-io/go-portmsg/group"
	"github.com/meow-io/go-portmsg/storage"
)

// Action handles one kind of incoming envelope. Validate and Apply run inside the receiving
// transaction; Preview is a pure function of the payload.
type Action interface {
	Name() string
	Validate(c *Context) error
	Apply(c *Context) ([]Event, error)
	Preview(c *Context) string
}

// Registry maps a content type to the action that handles it.
type Registry map[envelope.ContentType]Action

type action struct {
	name     string
	validate func(c *Context) error
	apply    func(c *Context) ([]Event, error)
	preview  func(c *Context) string
}

func (a *action) Name() string {
	return a.name
}

func (a *action) Validate(c *Context) error {
	if a.validate == nil {
		return nil
	}
	return a.validate(c)
}

func (a *action) Apply(c *Context) ([]Event, error) {
	return a.apply(c)
}

func (a *action) Preview(c *Context) string {
	if a.preview == nil {
		return ""
	}
	return a.preview(c)
}

// Effect runs after the receiving transaction commits. Events it returns are published like any other.
type Effect func(ctx context.Context) ([]Event, error)

// Context is everything an action sees while handling one envelope.
type Context struct {
	Envelope *envelope.Envelope
	Payload  *envelope.Payload
	Control  *envelope.Control

	ChatID   string
	Found    bool
	SenderID string
	// Received is the server timestamp when there is one, otherwise the local receive time.
	Received string

	Conn        *storage.Connection
	Line        *storage.Line
	Group       *group.Snapshot
	Permissions *storage.Permissions

	action  Action
	effects []Effect
}

// After schedules f to run once the transaction commits. It is dropped if the transaction rolls back.
func (c *Context) After(f Effect) {
	c.effects = append(c.effects, f)
}

func (c *Context) IsGroup() bool {
	return c.Envelope.IsGroup()
}

func (c *Context) preview() string {
	if c.action == nil {
		return ""
	}
	return c.action.Preview(c)
}
