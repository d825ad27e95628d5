package transport

import (
	"fmt"

	"github.com/meow-io/go-portmsg/config"
	"github.com/meow-io/go-portmsg/transport/backlog"
	"github.com/meow-io/go-portmsg/transport/push"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Message interface {
	From() string
	Body() []byte
}

type MessageProcessor func([]Message) error

// Manager runs every inbound source and hands what they receive to a single processor. A push wake
// triggers an immediate backlog fetch.
type Manager struct {
	config  *config.Config
	log     *zap.SugaredLogger
	push    *push.Manager
	backlog *backlog.Manager
}

// NewManager builds the push endpoint and, when rdb is not nil, the backlog poller for backlogKey.
func NewManager(c *config.Config, rdb redis.UniversalClient, backlogKey string, processor MessageProcessor) *Manager {
	m := &Manager{
		config: c,
		log:    c.Logger("transport/manager"),
	}

	var wake func()
	if rdb != nil {
		m.backlog = backlog.NewManager(c, rdb, backlogKey, func(impls []*backlog.MessageImpl) error {
			messages := make([]Message, len(impls))
			for i, msg := range impls {
				messages[i] = Message(msg)
			}
			return processor(messages)
		})
		wake = m.backlog.Wake
	}
	m.push = push.NewManager(c, func(impls []*push.MessageImpl) error {
		messages := make([]Message, len(impls))
		for i, msg := range impls {
			messages[i] = Message(msg)
		}
		return processor(messages)
	}, wake)
	return m
}

func (m *Manager) Start() error {
	if err := m.push.Start(); err != nil {
		return err
	}
	if m.backlog != nil {
		if err := m.backlog.Start(); err != nil {
			return err
		}
	}
	m.log.Debugf("transports started, backlog enabled: %t", m.backlog != nil)
	return nil
}

// PushAddr is the address the push endpoint is bound to.
func (m *Manager) PushAddr() string {
	return m.push.Addr()
}

func (m *Manager) Shutdown() error {
	errors := make([]error, 0)
	if err := m.push.Shutdown(); err != nil {
		errors = append(errors, err)
	}
	if m.backlog != nil {
		if err := m.backlog.Shutdown(); err != nil {
			errors = append(errors, err)
		}
	}

	if len(errors) != 0 {
		return fmt.Errorf("errors encountered during shutdown: %#v", errors)
	}
	return nil
}
