package portmsg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-portmsg/clock"
	"github.com/meow-io/go-portmsg/config"
	"github.com/meow-io/go-portmsg/envelope"
	"github.com/meow-io/go-portmsg/group"
	"github.com/meow-io/go-portmsg/handshake"
	"github.com/meow-io/go-portmsg/receive"
	"github.com/meow-io/go-portmsg/storage"
	"github.com/stretchr/testify/require"
)

// server stands in for the chat server: it hands out lines and group rosters and queues envelopes
// until the test delivers them.
type server struct {
	lock   sync.Mutex
	lines  int
	groups map[string]map[string]group.MemberAuth
	queue  []queued
	nodes  map[string]*PortMsg
	order  []string
}

type queued struct {
	to  string
	env *envelope.Envelope
}

func newServer() *server {
	return &server{groups: map[string]map[string]group.MemberAuth{}, nodes: map[string]*PortMsg{}}
}

type client struct {
	s    *server
	name string
}

func (c *client) NewLine(ctx context.Context, portID string, superport bool) (*handshake.NewLine, error) {
	c.s.lock.Lock()
	defer c.s.lock.Unlock()
	c.s.lines++
	return &handshake.NewLine{LineID: fmt.Sprintf("line-%d", c.s.lines), PairHash: "pair-for-" + c.name}, nil
}

func (c *client) Disconnect(ctx context.Context, lineID string) error {
	return nil
}

func (c *client) CreateGroup(ctx context.Context, pubKey []byte) (*group.Created, error) {
	c.s.lock.Lock()
	defer c.s.lock.Unlock()
	groupID := fmt.Sprintf("G%d", len(c.s.groups)+1)
	c.s.groups[groupID] = map[string]group.MemberAuth{c.name: {MemberID: c.name, PubKey: pubKey, IsAdmin: true}}
	return &group.Created{GroupID: groupID, SelfMemberID: c.name}, nil
}

func (c *client) JoinGroup(ctx context.Context, linkID string, superport bool, pubKey []byte) (*group.Joined, error) {
	c.s.lock.Lock()
	defer c.s.lock.Unlock()
	roster := c.s.groups[linkID]
	roster[c.name] = group.MemberAuth{MemberID: c.name, PubKey: pubKey}
	j := &group.Joined{GroupID: linkID, SelfMemberID: c.name, Name: "crew"}
	for _, m := range roster {
		j.Members = append(j.Members, m)
	}
	// everyone already in the group hears about the newcomer
	for id := range roster {
		if id == c.name {
			continue
		}
		b, err := json.Marshal(&envelope.Control{NewMember: &envelope.NewMember{MemberID: c.name, PubKey: pubKey}})
		if err != nil {
			return nil, err
		}
		c.s.queue = append(c.s.queue, queued{to: id, env: &envelope.Envelope{Group: linkID, Content: string(b)}})
	}
	return j, nil
}

func (c *client) LeaveGroup(ctx context.Context, groupID string) error { return nil }

func (c *client) RemoveMember(ctx context.Context, groupID, memberID string) error { return nil }

func (c *client) ManageAdmin(ctx context.Context, groupID, memberID string, promote bool) error {
	return nil
}

func (c *client) Transmit(ctx context.Context, to string, env *envelope.Envelope) error {
	c.s.lock.Lock()
	defer c.s.lock.Unlock()
	if env.IsGroup() {
		c.s.queue = append(c.s.queue, queued{to: to, env: env})
		return nil
	}
	for _, name := range c.s.order {
		if name != c.name {
			c.s.queue = append(c.s.queue, queued{to: name, env: env})
		}
	}
	return nil
}

func (s *server) settle(ctx context.Context) {
	for {
		s.lock.Lock()
		nodes := make([]*PortMsg, 0, len(s.nodes))
		for _, n := range s.nodes {
			nodes = append(nodes, n)
		}
		s.lock.Unlock()
		for _, n := range nodes {
			n.Drain()
		}
		s.lock.Lock()
		batch := s.queue
		s.queue = nil
		s.lock.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, q := range batch {
			s.nodes[q.to].Receive(ctx, q.env)
		}
	}
}

func (s *server) start(t *testing.T, name string, cl clock.Clock) *PortMsg {
	c := &client{s: s, name: name}
	conf := config.NewConfig(
		config.WithRootDir(t.TempDir()),
		config.WithLoggingPrefix(name),
		config.WithPushListenAddr("127.0.0.1:0"),
	)
	p, err := newPortMsg(conf, cl, Services{Lines: c, Groups: c, Transmitter: c})
	require.Nil(t, err)
	require.True(t, p.New())
	key, err := p.NewKey("correct horse")
	require.Nil(t, err)
	require.Nil(t, p.Initialize(key))
	require.True(t, p.Running())
	t.Cleanup(func() { _ = p.Shutdown() })
	require.Nil(t, p.SetProfile(name, ""))

	s.lock.Lock()
	s.nodes[name] = p
	s.order = append(s.order, name)
	s.lock.Unlock()
	return p
}

func connect(t *testing.T, s *server, a, b *PortMsg, bName string) string {
	ctx := context.Background()
	bundle, err := a.NewPort(bName, "")
	require.Nil(t, err)
	chatID, err := b.ReadPort(ctx, bundle)
	require.Nil(t, err)
	// the server announces the new line with nothing but the line and the port it was opened on
	a.Receive(ctx, &envelope.Envelope{LineID: chatID, LineLinkID: bundle.PortID})
	s.settle(ctx)
	return chatID
}

func countText(msgs []*storage.Message) int {
	n := 0
	for _, m := range msgs {
		if m.ContentType == string(envelope.Text) {
			n++
		}
	}
	return n
}

func TestDirectChat(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s := newServer()
	alice := s.start(t, "alice", clock.NewSystemClock())
	bob := s.start(t, "bob", clock.NewSystemClock())

	chatID := connect(t, s, alice, bob, "bob")
	conn, err := bob.Connection(chatID)
	require.Nil(err)
	require.Equal("alice", conn.Name)

	require.Nil(alice.SendText(ctx, chatID, "hi bob"))
	s.settle(ctx)

	msgs, err := bob.Messages(chatID)
	require.Nil(err)
	require.Equal(1, countText(msgs))
	conn, err = bob.Connection(chatID)
	require.Nil(err)
	require.Equal("hi bob", conn.Text)
	require.NotZero(conn.NewMessageCount)

	require.Nil(bob.MarkRead(chatID))
	conn, err = bob.Connection(chatID)
	require.Nil(err)
	require.Zero(conn.NewMessageCount)

	require.Eventually(func() bool {
		for {
			select {
			case e := <-bob.Updates():
				if added, ok := e.(*receive.MessageAdded); ok && added.ContentType == string(envelope.Text) {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)
}

func TestPushEndpointFeedsRouter(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s := newServer()
	alice := s.start(t, "alice", clock.NewSystemClock())
	bob := s.start(t, "bob", clock.NewSystemClock())
	chatID := connect(t, s, alice, bob, "bob")

	require.Nil(alice.SendText(ctx, chatID, "over http"))
	s.lock.Lock()
	batch := s.queue
	s.queue = nil
	s.lock.Unlock()
	require.Len(batch, 1)

	body, err := batch[0].env.Marshal()
	require.Nil(err)
	resp, err := http.Post("http://"+bob.PushAddr()+"/v1/envelopes", "application/json", bytes.NewReader(body))
	require.Nil(err)
	resp.Body.Close()
	require.Equal(http.StatusAccepted, resp.StatusCode)
	s.settle(ctx)

	conn, err := bob.Connection(chatID)
	require.Nil(err)
	require.Equal("over http", conn.Text)
}

func TestGroupChat(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s := newServer()
	alice := s.start(t, "alice", clock.NewSystemClock())
	bob := s.start(t, "bob", clock.NewSystemClock())

	aliceChat, err := alice.CreateGroup(ctx, "crew", "")
	require.Nil(err)
	g, err := alice.Group(aliceChat)
	require.Nil(err)
	bobChat, err := bob.JoinGroup(ctx, g.Group.GroupID, false)
	require.Nil(err)
	s.settle(ctx)

	require.Nil(bob.SendText(ctx, bobChat, "hello crew"))
	s.settle(ctx)
	msgs, err := alice.Messages(aliceChat)
	require.Nil(err)
	require.Equal(1, countText(msgs))
	for _, m := range msgs {
		if m.ContentType == string(envelope.Text) {
			require.Equal("bob", m.MemberID)
		}
	}

	require.ErrorIs(bob.Promote(ctx, bobChat, "alice"), group.ErrNotAdmin)
	require.Nil(alice.Promote(ctx, aliceChat, "bob"))
}

func TestReopenKeepsState(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s := newServer()
	alice := s.start(t, "alice", clock.NewSystemClock())
	bob := s.start(t, "bob", clock.NewSystemClock())
	chatID := connect(t, s, alice, bob, "bob")
	require.Nil(alice.SendText(ctx, chatID, "remember me"))
	s.settle(ctx)

	require.Nil(bob.Shutdown())
	require.True(bob.Initialized())
	key, err := bob.NewKey("correct horse")
	require.Nil(err)
	require.Nil(bob.Open(key))

	conn, err := bob.Connection(chatID)
	require.Nil(err)
	require.Equal("remember me", conn.Text)

	require.Nil(alice.SendText(ctx, chatID, "still here"))
	s.settle(ctx)
	conn, err = bob.Connection(chatID)
	require.Nil(err)
	require.Equal("still here", conn.Text)
}

func TestSweepRemovesExpiredPorts(t *testing.T) {
	require := require.New(t)
	cl := clock.NewManual(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	s := newServer()
	alice := s.start(t, "alice", cl)

	_, err := alice.NewPort("someone", "")
	require.Nil(err)
	_, err = alice.NewSuperport("anyone", "")
	require.Nil(err)

	cl.Advance(8 * 24 * time.Hour)
	_, ports, err := alice.Sweep()
	require.Nil(err)
	require.Equal(1, ports)
}

func TestWrongStateTransitions(t *testing.T) {
	s := newServer()
	alice := s.start(t, "alice", clock.NewSystemClock())
	require.ErrorIs(t, alice.Initialize([]byte("k")), ErrWrongState)
	require.ErrorIs(t, alice.Open([]byte("k")), ErrWrongState)
}
