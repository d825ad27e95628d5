// Package receive takes envelopes from the transports, finds the conversation they belong to, decrypts
// them and applies each one exactly once through the action registered for its content type.
package receive

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/meow-io/go-portmsg/clock"
	"github.com/meow-io/go-portmsg/config"
	"github.com/meow-io/go-portmsg/envelope"
	"github.com/meow-io/go-portmsg/group"
	"github.com/meow-io/go-portmsg/handshake"
	"github.com/meow-io/go-portmsg/keystore"
	"github.com/meow-io/go-portmsg/storage"
	"go.uber.org/zap"
)

type Notifier interface {
	Notify(title, body string, shouldBadge bool, chatID string) error
}

// Sender encrypts and delivers a payload to a chat.
type Sender interface {
	Send(ctx context.Context, chatID string, ct envelope.ContentType, data interface{}) error
}

// Enricher fetches what a message refers to but does not carry.
type Enricher interface {
	FetchLinkPreview(ctx context.Context, url string) (*envelope.LinkPreview, error)
	DownloadMedia(ctx context.Context, chatID, mediaID, key string) (string, error)
}

type Router struct {
	config   *config.Config
	log      *zap.SugaredLogger
	store    *storage.Store
	keys     *keystore.Keystore
	hs       *handshake.Engine
	groups   *group.Manager
	resolver *Resolver
	guard    *Guard
	notifier Notifier
	sender   Sender
	enricher Enricher

	direct               Registry
	group                Registry
	deletion             Action
	newChatOverPort      Action
	newChatOverSuperport Action
	removeSelf           Action
	addMember            Action
	removeMember         Action
	adminPromotion       Action
	adminDemotion        Action
	promoteMember        Action
	demoteMember         Action

	locks    *chatLocks
	inflight *inflight
	updates  chan Event
}

// New builds a router. The notifier, sender and enricher may be nil, in which case the matching side
// effects are skipped.
func New(c *config.Config, s *storage.Store, k *keystore.Keystore, hs *handshake.Engine, g *group.Manager, n Notifier, snd Sender, en Enricher) *Router {
	r := &Router{
		config:   c,
		log:      c.Logger("receive/router"),
		store:    s,
		keys:     k,
		hs:       hs,
		groups:   g,
		resolver: NewResolver(s),
		guard:    NewGuard(s),
		notifier: n,
		sender:   snd,
		enricher: en,
		locks:    &chatLocks{locks: map[string]*chatLock{}},
		inflight: newInflight(),
		updates:  make(chan Event, c.UpdateBufferSize),
	}
	r.direct = r.withDirectValidation(r.newDirectRegistry())
	r.group = r.withGroupValidation(r.newGroupRegistry())
	r.deletion = r.deletionAction()
	r.newChatOverPort = r.newChatAction("NewChatOverPort", false)
	r.newChatOverSuperport = r.newChatAction("NewChatOverSuperport", true)

	r.removeSelf = r.removeSelfAction()
	r.addMember = r.addMemberAction()
	r.removeMember = r.removeMemberAction()
	r.adminPromotion = r.selfAdminAction("AdminPromotion", true, "You are now an admin")
	r.adminDemotion = r.selfAdminAction("AdminDemotion", false, "You are no longer an admin")
	r.promoteMember = r.memberAdminAction("PromoteMember", true)
	r.demoteMember = r.memberAdminAction("DemoteMember", false)
	for _, a := range []Action{r.addMember, r.removeMember, r.adminPromotion, r.adminDemotion, r.promoteMember, r.demoteMember} {
		a.(*action).validate = r.validateGroup
	}
	return r
}

// Updates delivers events for committed changes. Events are dropped when nobody keeps up with the buffer.
func (r *Router) Updates() <-chan Event {
	return r.updates
}

// ReceiveRaw parses a JSON envelope and receives it. Malformed input is logged and dropped.
func (r *Router) ReceiveRaw(ctx context.Context, b []byte) {
	env, err := envelope.Parse(b)
	if err != nil {
		r.log.Warnf("dropping envelope: %v", err)
		return
	}
	r.Receive(ctx, env)
}

// Receive processes one envelope. It never fails: errors are logged, and a duplicate delivery is only
// worth a debug line.
func (r *Router) Receive(ctx context.Context, env *envelope.Envelope) {
	routingID := env.RoutingID()
	if routingID == "" {
		r.log.Warnf("dropping envelope: %v", ErrMissingRoutingTarget)
		return
	}

	lockID := routingID
	if err := r.store.RunReadOnly("resolve", func() error {
		id, _, err := r.resolver.Resolve(routingID)
		lockID = id
		return err
	}); err != nil {
		r.log.Warnf("error resolving %s: %v", routingID, err)
		return
	}
	unlock := r.locks.lock(lockID)
	defer unlock()

	c := &Context{Envelope: env, SenderID: env.Sender}
	var events []Event
	scheduled := false
	r.inflight.add(1)
	err := r.store.Run("receive", func() error {
		if err := r.load(c, routingID); err != nil {
			return err
		}
		var a Action
		var err error
		if env.IsGroup() {
			a, err = r.pickGroup(c)
		} else {
			a, err = r.pickDirect(c)
		}
		if err != nil || a == nil {
			return err
		}
		c.action = a
		if err := a.Validate(c); err != nil {
			return err
		}
		if events, err = a.Apply(c); err != nil {
			return err
		}
		if len(c.effects) > 0 {
			effects := c.effects
			scheduled = true
			r.store.AfterCommit(func() {
				defer r.inflight.add(-1)
				r.runEffects(ctx, effects)
			})
		}
		return nil
	})
	if err != nil || !scheduled {
		r.inflight.add(-1)
	}
	if err != nil {
		r.handleError(ctx, c, err)
		return
	}
	if c.action != nil {
		r.log.Debugf("applied %s to %s", c.action.Name(), c.ChatID)
	}
	r.publish(events)
}

// load fills in the conversation state an action needs.
func (r *Router) load(c *Context, routingID string) error {
	chatID, found, err := r.resolver.Resolve(routingID)
	if err != nil {
		return err
	}
	c.ChatID, c.Found = chatID, found
	c.Received = r.received(c.Envelope)

	var permissionsID string
	if found {
		if c.Conn, err = r.store.ConnectionOrNil(chatID); err != nil {
			return err
		}
		if c.Conn != nil && c.Conn.Type == storage.ConnectionTypeGroup {
			if c.Group, err = r.groups.Load(chatID); err != nil {
				return err
			}
			if c.Group != nil {
				permissionsID = c.Group.Group.PermissionsID
			}
		} else {
			if c.Line, err = r.store.LineOrNil(chatID); err != nil {
				return err
			}
			if c.Line != nil {
				permissionsID = c.Line.PermissionsID
			}
		}
	}
	if permissionsID == "" {
		c.Permissions = storage.DefaultPermissions("")
		return nil
	}
	c.Permissions, err = r.store.PermissionsOrDefault(permissionsID)
	return err
}

// received is the server timestamp of env, either RFC 3339 or epoch milliseconds, or now.
func (r *Router) received(env *envelope.Envelope) string {
	if env.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, env.Timestamp); err == nil {
			return clock.ISO(t.UTC())
		}
		if ms, err := strconv.ParseInt(env.Timestamp, 10, 64); err == nil {
			return clock.ISO(time.UnixMilli(ms).UTC())
		}
	}
	return r.store.Now()
}

func (r *Router) handleError(ctx context.Context, c *Context, err error) {
	switch {
	case errors.Is(err, ErrAlreadyProcessed):
		r.log.Debugf("skipping envelope for %s: %v", c.ChatID, err)
	case errors.Is(err, ErrUnauthorizedMutation):
		r.log.Debugf("dropping envelope for %s: %v", c.ChatID, err)
	case errors.Is(err, ErrDisconnectedConversation):
		r.log.Warnf("envelope for disconnected chat %s: %v", c.ChatID, err)
		// a chat already marked disconnected had its line closed at the time
		if !c.IsGroup() && c.Found && c.Conn != nil && !c.Conn.Disconnected {
			r.disconnect(ctx, c.ChatID, c.Envelope.LineID)
		}
	default:
		r.log.Warnf("error receiving envelope for %s: %v", c.ChatID, err)
	}
}

// disconnect marks a chat found in an inconsistent state disconnected and closes its line on the server.
// routingID is closed when no line row is left to name it.
func (r *Router) disconnect(ctx context.Context, chatID, routingID string) {
	var lineID string
	if err := r.store.Run("disconnect", func() error {
		var err error
		lineID, err = r.hs.Disconnect(chatID)
		return err
	}); err != nil {
		r.log.Warnf("error disconnecting %s: %v", chatID, err)
		return
	}
	if lineID == "" {
		lineID = routingID
	}
	r.hs.DisconnectRemote(ctx, lineID)
}

func (r *Router) runEffects(ctx context.Context, effects []Effect) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(r.config.EnrichmentTimeoutMs)*time.Millisecond)
	defer cancel()
	for _, f := range effects {
		events, err := f(ctx)
		if err != nil {
			r.log.Warnf("error running side effect: %v", err)
			continue
		}
		r.publish(events)
	}
}

func (r *Router) publish(events []Event) {
	for _, e := range events {
		select {
		case r.updates <- e:
		default:
			r.log.Warnf("update buffer full, dropping %T for %s", e, e.EventChatID())
		}
	}
}

// Drain blocks until every side effect scheduled so far has finished.
func (r *Router) Drain() {
	r.inflight.wait()
}

// Idle reports whether no receive or side effect is in flight.
func (r *Router) Idle() bool {
	return r.inflight.idle()
}

type chatLock struct {
	sync.Mutex
	refs int
}

// chatLocks hands out one mutex per chat and forgets it once nobody holds or waits for it.
type chatLocks struct {
	mu    sync.Mutex
	locks map[string]*chatLock
}

func (l *chatLocks) lock(chatID string) func() {
	l.mu.Lock()
	cl, ok := l.locks[chatID]
	if !ok {
		cl = &chatLock{}
		l.locks[chatID] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.Lock()
	return func() {
		cl.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, chatID)
		}
		l.mu.Unlock()
	}
}

type inflight struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func newInflight() *inflight {
	f := &inflight{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *inflight) add(d int) {
	f.mu.Lock()
	f.n += d
	if f.n <= 0 {
		f.n = 0
		f.cond.Broadcast()
	}
	f.mu.Unlock()
}

func (f *inflight) wait() {
	f.mu.Lock()
	for f.n > 0 {
		f.cond.Wait()
	}
	f.mu.Unlock()
}

func (f *inflight) idle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n == 0
}
