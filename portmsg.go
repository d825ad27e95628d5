// Package portmsg is the receiving side of an end-to-end encrypted chat client. It opens the encrypted
// store, runs the inbound transports and routes every envelope they deliver to the conversation it
// belongs to. It also exposes the operations that create conversations: ports, direct handshakes and
// groups.
package portmsg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/meow-io/go-portmsg/clock"
	"github.com/meow-io/go-portmsg/config"
	"github.com/meow-io/go-portmsg/envelope"
	"github.com/meow-io/go-portmsg/group"
	"github.com/meow-io/go-portmsg/handshake"
	"github.com/meow-io/go-portmsg/internal/db"
	"github.com/meow-io/go-portmsg/keystore"
	"github.com/meow-io/go-portmsg/outbox"
	"github.com/meow-io/go-portmsg/receive"
	"github.com/meow-io/go-portmsg/storage"
	"github.com/meow-io/go-portmsg/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	StateNew = iota
	StateInitialized
	StateRunning
)

const janitorInterval = time.Minute

var ErrWrongState = errors.New("portmsg: wrong state")

// Services are the server and platform integrations the engine calls out to. Notifier, Enricher and
// Redis may be nil.
type Services struct {
	Lines       handshake.DirectAPI
	Groups      group.API
	Transmitter outbox.Transmitter
	Notifier    receive.Notifier
	Enricher    receive.Enricher
	// Redis enables the backlog poller on BacklogKey.
	Redis      redis.UniversalClient
	BacklogKey string
}

type PortMsg struct {
	DB         *db.Database
	config     *config.Config
	log        *zap.SugaredLogger
	state      int
	clock      clock.Clock
	services   Services
	store      *storage.Store
	keys       *keystore.Keystore
	handshake  *handshake.Engine
	groups     *group.Manager
	outbox     *outbox.Outbox
	router     *receive.Router
	transport  *transport.Manager
	updates    chan receive.Event
	cancelFunc context.CancelFunc
	finished   sync.WaitGroup
}

func NewPortMsg(c *config.Config, svc Services) (*PortMsg, error) {
	return newPortMsg(c, clock.NewSystemClock(), svc)
}

func newPortMsg(c *config.Config, cl clock.Clock, svc Services) (*PortMsg, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making portmsg, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	d, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if d.Initialized() {
		state = StateInitialized
	}
	return &PortMsg{
		DB:       d,
		config:   c,
		log:      log,
		state:    state,
		clock:    cl,
		services: svc,
		updates:  make(chan receive.Event, c.UpdateBufferSize),
	}, nil
}

// Makes a key from a password
func (p *PortMsg) NewKey(password string) ([]byte, error) {
	return newKey(password, p.config.RootDir, "salt")
}

// Updates delivers an event for every committed change to a conversation.
func (p *PortMsg) Updates() <-chan receive.Event {
	return p.updates
}

func (p *PortMsg) New() bool {
	return p.state == StateNew
}

func (p *PortMsg) Initialized() bool {
	return p.state == StateInitialized
}

func (p *PortMsg) Running() bool {
	return p.state == StateRunning
}

// Initialize creates the database with key and opens it.
func (p *PortMsg) Initialize(key []byte) error {
	if p.state != StateNew {
		return fmt.Errorf("%w: cannot initialize unless new", ErrWrongState)
	}
	if err := p.DB.Initialize(key); err != nil {
		return err
	}
	p.state = StateInitialized
	return p.Open(key)
}

// Open opens an existing database with key and starts receiving.
func (p *PortMsg) Open(key []byte) error {
	if p.state != StateInitialized {
		return fmt.Errorf("%w: cannot open unless initialized", ErrWrongState)
	}
	if err := p.DB.Open(key); err != nil {
		return err
	}

	store, err := storage.New(p.config, p.DB, p.clock)
	if err != nil {
		return err
	}
	p.store = store
	p.keys = keystore.New(p.config, store)
	p.handshake = handshake.New(p.config, store, p.keys, p.services.Lines)
	p.groups = group.New(p.config, store, p.keys, p.handshake, p.services.Groups)
	p.outbox = outbox.New(p.config, store, p.keys, p.groups, p.services.Transmitter)
	p.router = receive.New(p.config, store, p.keys, p.handshake, p.groups, p.services.Notifier, p.outbox, p.services.Enricher)

	ctx, cancelFunc := context.WithCancel(context.Background())
	p.cancelFunc = cancelFunc
	p.transport = transport.NewManager(p.config, p.services.Redis, p.services.BacklogKey, func(messages []transport.Message) error {
		for _, m := range messages {
			p.router.ReceiveRaw(ctx, m.Body())
		}
		return nil
	})
	if err := p.transport.Start(); err != nil {
		cancelFunc()
		return err
	}

	p.state = StateRunning
	p.startUpdatePassing(ctx)
	p.startJanitor(ctx)
	return nil
}

// Gracefully stop a running instance.
func (p *PortMsg) Shutdown() error {
	if p.state != StateRunning {
		return nil
	}
	// try to clean up memory after a shutdown
	defer runtime.GC()

	errs := make([]string, 0)
	if err := p.transport.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	p.router.Drain()
	p.cancelFunc()
	p.finished.Wait()
	p.keys.Close()
	if err := p.DB.Shutdown(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) != 0 {
		return fmt.Errorf("error during shutdown: %s", strings.Join(errs, ", "))
	}

	p.cancelFunc = nil
	p.transport = nil
	p.router = nil
	p.state = StateInitialized

	close(p.updates)
	p.updates = make(chan receive.Event, p.config.UpdateBufferSize)
	return nil
}

func (p *PortMsg) startUpdatePassing(ctx context.Context) {
	p.finished.Add(1)
	go func() {
		defer p.finished.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-p.router.Updates():
				p.log.Debugf("passing update: %T for %s", e, e.EventChatID())
				select {
				case p.updates <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

// startJanitor removes expired messages and ports once a minute.
func (p *PortMsg) startJanitor(ctx context.Context) {
	p.finished.Add(1)
	go func() {
		defer p.finished.Done()
		for {
			if _, _, err := p.Sweep(); err != nil {
				p.log.Warnf("error sweeping expired data: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(janitorInterval):
			}
		}
	}()
}

// Sweep deletes disappearing messages and plain ports that have expired.
func (p *PortMsg) Sweep() (int64, int, error) {
	var messages int64
	if err := p.store.Run("expire messages", func() error {
		var err error
		messages, err = p.store.DeleteExpiredMessages(int64(p.clock.CurrentTimeMs()))
		return err
	}); err != nil {
		return 0, 0, err
	}
	ports, err := p.handshake.ExpirePorts()
	if err != nil {
		return messages, 0, err
	}
	if messages != 0 || ports != 0 {
		p.log.Debugf("swept %d messages and %d ports", messages, ports)
	}
	return messages, ports, nil
}

// Receive processes an envelope delivered outside the managed transports.
func (p *PortMsg) Receive(ctx context.Context, env *envelope.Envelope) {
	p.router.Receive(ctx, env)
}

func (p *PortMsg) ReceiveRaw(ctx context.Context, b []byte) {
	p.router.ReceiveRaw(ctx, b)
}

// Drain waits for the side effects of everything received so far.
func (p *PortMsg) Drain() {
	p.router.Drain()
}

// PushAddr is where the push endpoint listens.
func (p *PortMsg) PushAddr() string {
	return p.transport.PushAddr()
}

func (p *PortMsg) SetProfile(name, displayPic string) error {
	return p.store.Run("set profile", func() error {
		return p.store.SetProfile(name, displayPic)
	})
}

// NewPort makes a single-use invitation.
func (p *PortMsg) NewPort(label, folderID string) (*envelope.PortBundle, error) {
	return p.handshake.NewPort(label, folderID, false)
}

// NewSuperport makes an invitation any number of people can use.
func (p *PortMsg) NewSuperport(label, folderID string) (*envelope.PortBundle, error) {
	return p.handshake.NewPort(label, folderID, true)
}

// ReadPort starts a direct chat with whoever made bundle and returns its chat id.
func (p *PortMsg) ReadPort(ctx context.Context, bundle *envelope.PortBundle) (string, error) {
	return p.handshake.ReadPort(ctx, bundle)
}

// Disconnect ends a direct chat here and on the server.
func (p *PortMsg) Disconnect(ctx context.Context, chatID string) error {
	var lineID string
	if err := p.store.Run("disconnect", func() error {
		var err error
		lineID, err = p.handshake.Disconnect(chatID)
		return err
	}); err != nil {
		return err
	}
	p.handshake.DisconnectRemote(ctx, lineID)
	return nil
}

func (p *PortMsg) Block(pairHash string) error {
	return p.store.Run("block", func() error {
		return p.store.Block(pairHash)
	})
}

func (p *PortMsg) Send(ctx context.Context, chatID string, ct envelope.ContentType, data interface{}) error {
	return p.outbox.Send(ctx, chatID, ct, data)
}

func (p *PortMsg) SendText(ctx context.Context, chatID, text string) error {
	return p.outbox.Send(ctx, chatID, envelope.Text, &envelope.TextData{Text: text})
}

func (p *PortMsg) CreateGroup(ctx context.Context, name, description string) (string, error) {
	return p.groups.Create(ctx, name, description)
}

func (p *PortMsg) JoinGroup(ctx context.Context, linkID string, superport bool) (string, error) {
	return p.groups.Join(ctx, linkID, superport)
}

func (p *PortMsg) LeaveGroup(ctx context.Context, chatID string) error {
	return p.groups.Leave(ctx, chatID)
}

func (p *PortMsg) DeleteGroup(chatID string) error {
	return p.groups.Delete(chatID)
}

func (p *PortMsg) RemoveMember(ctx context.Context, chatID, memberID string) error {
	return p.groups.RemoveMember(ctx, chatID, memberID)
}

func (p *PortMsg) Promote(ctx context.Context, chatID, memberID string) error {
	return p.groups.Promote(ctx, chatID, memberID)
}

func (p *PortMsg) Demote(ctx context.Context, chatID, memberID string) error {
	return p.groups.Demote(ctx, chatID, memberID)
}

func (p *PortMsg) Group(chatID string) (*group.Snapshot, error) {
	return p.groups.Get(chatID)
}

func (p *PortMsg) Connections() ([]*storage.Connection, error) {
	var conns []*storage.Connection
	if err := p.store.RunReadOnly("connections", func() error {
		var err error
		conns, err = p.store.Connections()
		return err
	}); err != nil {
		return nil, err
	}
	return conns, nil
}

func (p *PortMsg) Connection(chatID string) (*storage.Connection, error) {
	var conn *storage.Connection
	if err := p.store.RunReadOnly("connection", func() error {
		var err error
		conn, err = p.store.ConnectionOrNil(chatID)
		return err
	}); err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *PortMsg) Messages(chatID string) ([]*storage.Message, error) {
	var msgs []*storage.Message
	if err := p.store.RunReadOnly("messages", func() error {
		var err error
		msgs, err = p.store.Messages(chatID)
		return err
	}); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (p *PortMsg) MarkRead(chatID string) error {
	return p.store.Run("mark read", func() error {
		return p.store.MarkRead(chatID)
	})
}
