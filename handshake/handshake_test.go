package handshake

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/meow-io/go-portmsg/clock"
	"github.com/meow-io/go-portmsg/config"
	"github.com/meow-io/go-portmsg/envelope"
	"github.com/meow-io/go-portmsg/internal/test"
	"github.com/meow-io/go-portmsg/keystore"
	"github.com/meow-io/go-portmsg/storage"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type fakeAPI struct {
	lock         sync.Mutex
	next         int
	pairHash     string
	disconnected []string
}

func (f *fakeAPI) NewLine(ctx context.Context, portID string, superport bool) (*NewLine, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.next++
	return &NewLine{LineID: fmt.Sprintf("line-%d", f.next), PairHash: f.pairHash}, nil
}

func (f *fakeAPI) Disconnect(ctx context.Context, lineID string) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.disconnected = append(f.disconnected, lineID)
	return nil
}

type side struct {
	store *storage.Store
	keys  *keystore.Keystore
	clock *clock.Manual
	api   *fakeAPI
	e     *Engine
}

func newSide(t *testing.T, name string) *side {
	c := test.Config(fmt.Sprintf("%s-%s", t.Name(), name))
	config.WithPortTTLMs(60_000)(c)
	d := test.NewTestDatabase(c)
	t.Cleanup(func() { _ = d.Shutdown() })
	cl := clock.NewManual(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	s, err := storage.New(c, d, cl)
	require.Nil(t, err)
	k := keystore.New(c, s)
	api := &fakeAPI{pairHash: "pair-" + name}
	return &side{store: s, keys: k, clock: cl, api: api, e: New(c, s, k, api)}
}

func (s *side) session(t *testing.T, chatID string) *keystore.Session {
	var sess *keystore.Session
	require.Nil(t, s.store.RunReadOnly("session", func() error {
		line, err := s.store.LineOrNil(chatID)
		if err != nil {
			return err
		}
		sess, err = s.keys.Get(line.CryptoID)
		return err
	}))
	return sess
}

// connect runs a complete port handshake from a to b and returns the chat ids on each side.
func connect(t *testing.T, a, b *side, superport bool) (string, string) {
	require := require.New(t)
	ctx := context.Background()

	bundle, err := a.e.NewPort("bob", "", superport)
	require.Nil(err)

	bChat, err := b.e.ReadPort(ctx, bundle)
	require.Nil(err)

	var accepted *Accepted
	require.Nil(a.store.Run("accept", func() error {
		var err error
		accepted, err = a.e.AcceptNewChat(NewChat{LineID: bChat, PortID: bundle.PortID, PairHash: "pair-ab", Superport: superport})
		return err
	}))

	var b2 *envelope.HandshakeB2Data
	require.Nil(b.store.Run("a1", func() error {
		var err error
		b2, err = b.e.HandleA1(bChat, accepted.A1)
		return err
	}))
	require.Nil(a.store.Run("b2", func() error {
		return a.e.HandleB2(accepted.ChatID, b2)
	}))
	return accepted.ChatID, bChat
}

func TestPortHandshakeDerivesSameSecret(t *testing.T) {
	require := require.New(t)
	a := newSide(t, "a")
	b := newSide(t, "b")

	aChat, bChat := connect(t, a, b, false)
	require.Equal(aChat, bChat)

	aSess := a.session(t, aChat)
	bSess := b.session(t, bChat)
	require.True(aSess.HasSharedSecret())
	require.Equal(aSess.SharedSecret, bSess.SharedSecret)
	require.Equal(aSess.PublicKey, bSess.PeerPublicKey)
	require.Equal(bSess.PublicKey, aSess.PeerPublicKey)

	require.Nil(a.store.RunReadOnly("check", func() error {
		line, err := a.store.LineOrNil(aChat)
		require.Nil(err)
		require.True(line.Authenticated)
		ports, err := a.store.Ports()
		require.Nil(err)
		require.Len(ports, 0)
		conn, err := a.store.ConnectionOrNil(aChat)
		require.Nil(err)
		require.Equal("bob", conn.Name)
		return nil
	}))
}

func TestHandshakeReplaysAreRejected(t *testing.T) {
	require := require.New(t)
	a := newSide(t, "a")
	b := newSide(t, "b")
	aChat, bChat := connect(t, a, b, false)
	aSess := a.session(t, aChat)
	before := aSess.SharedSecret

	err := b.store.Run("a1 again", func() error {
		_, err := b.e.HandleA1(bChat, &envelope.HandshakeA1Data{PubKey: aSess.PublicKey})
		return err
	})
	require.ErrorIs(err, ErrReplay)

	err = a.store.Run("b2 again", func() error {
		return a.e.HandleB2(aChat, &envelope.HandshakeB2Data{PubKey: make([]byte, 32), EncryptedNonce: "x"})
	})
	require.ErrorIs(err, ErrReplay)
	require.Equal(before, a.session(t, aChat).SharedSecret)

	err = a.store.Run("accept again", func() error {
		_, err := a.e.AcceptNewChat(NewChat{LineID: aChat, PortID: "whatever", PairHash: "pair-ab"})
		return err
	})
	require.ErrorIs(err, ErrLineExists)
}

func TestA1WithWrongKeyIsRejected(t *testing.T) {
	require := require.New(t)
	a := newSide(t, "a")
	b := newSide(t, "b")

	bundle, err := a.e.NewPort("bob", "", false)
	require.Nil(err)
	bChat, err := b.e.ReadPort(context.Background(), bundle)
	require.Nil(err)

	err = b.store.Run("a1", func() error {
		_, err := b.e.HandleA1(bChat, &envelope.HandshakeA1Data{PubKey: make([]byte, 32)})
		return err
	})
	require.ErrorIs(err, ErrKeyMismatch)
	require.False(b.session(t, bChat).HasSharedSecret())
}

func TestSuperportServesManyReaders(t *testing.T) {
	require := require.New(t)
	a := newSide(t, "a")
	b := newSide(t, "b")
	c := newSide(t, "c")
	c.api.next = 100

	bundle, err := a.e.NewPort("everyone", "", true)
	require.Nil(err)
	require.Zero(bundle.ExpiresAt)

	for i, reader := range []*side{b, c} {
		chat, err := reader.e.ReadPort(context.Background(), bundle)
		require.Nil(err)
		require.Nil(a.store.Run("accept", func() error {
			_, err := a.e.AcceptNewChat(NewChat{LineID: chat, PortID: bundle.PortID, PairHash: fmt.Sprintf("pair-%d", i), Superport: true})
			return err
		}))
	}

	require.Nil(a.store.RunReadOnly("check", func() error {
		ports, err := a.store.Ports()
		require.Nil(err)
		require.Len(ports, 1)
		conns, err := a.store.Connections()
		require.Nil(err)
		require.Len(conns, 2)
		return nil
	}))
}

func TestNewChatWithoutPairHashUsesPort(t *testing.T) {
	require := require.New(t)
	a := newSide(t, "a")
	b := newSide(t, "b")
	c := newSide(t, "c")
	c.api.next = 100

	plain, err := a.e.NewPort("bob", "", false)
	require.Nil(err)
	chat, err := b.e.ReadPort(context.Background(), plain)
	require.Nil(err)
	require.Nil(a.store.Run("accept", func() error {
		_, err := a.e.AcceptNewChat(NewChat{LineID: chat, PortID: plain.PortID})
		return err
	}))

	super, err := a.e.NewPort("everyone", "", true)
	require.Nil(err)
	var lines []string
	for _, reader := range []*side{b, c} {
		chat, err := reader.e.ReadPort(context.Background(), super)
		require.Nil(err)
		require.Nil(a.store.Run("accept", func() error {
			_, err := a.e.AcceptNewChat(NewChat{LineID: chat, PortID: super.PortID, Superport: true})
			return err
		}))
		lines = append(lines, chat)
	}

	require.Nil(a.store.RunReadOnly("check", func() error {
		conn, err := a.store.ConnectionOrNil(chat)
		require.Nil(err)
		require.NotNil(conn)
		require.Equal(plain.PubKeyHash, conn.PairHash)

		var hashes []string
		for _, line := range lines {
			conn, err := a.store.ConnectionOrNil(line)
			require.Nil(err)
			require.NotNil(conn)
			require.NotEmpty(conn.PairHash)
			hashes = append(hashes, conn.PairHash)
		}
		require.NotEqual(hashes[0], hashes[1])
		return nil
	}))
}

func TestExpiredPortIsRefused(t *testing.T) {
	require := require.New(t)
	a := newSide(t, "a")
	b := newSide(t, "b")

	bundle, err := a.e.NewPort("bob", "", false)
	require.Nil(err)
	a.clock.Advance(2 * time.Minute)
	b.clock.Advance(2 * time.Minute)

	_, err = b.e.ReadPort(context.Background(), bundle)
	require.ErrorIs(err, ErrPortExpired)

	n, err := a.e.ExpirePorts()
	require.Nil(err)
	require.Equal(1, n)
}

func TestReconnectReusesDisconnectedChat(t *testing.T) {
	require := require.New(t)
	a := newSide(t, "a")
	b := newSide(t, "b")
	aChat, oldChat := connect(t, a, b, false)

	var lineID string
	require.Nil(a.store.Run("disconnect", func() error {
		var err error
		lineID, err = a.e.Disconnect(aChat)
		return err
	}))
	require.Equal(aChat, lineID)
	require.Nil(b.store.Run("disconnect", func() error {
		_, err := b.e.Disconnect(oldChat)
		return err
	}))

	bundle, err := a.e.NewPort("bob again", "", false)
	require.Nil(err)
	b.api.next = 50
	bChat, err := b.e.ReadPort(context.Background(), bundle)
	require.Nil(err)
	require.Equal(oldChat, bChat)

	var accepted *Accepted
	require.Nil(a.store.Run("accept", func() error {
		var err error
		accepted, err = a.e.AcceptNewChat(NewChat{LineID: "line-51", PortID: bundle.PortID, PairHash: "pair-ab"})
		return err
	}))
	require.True(accepted.Reused)
	require.Equal(aChat, accepted.ChatID)

	require.Nil(a.store.RunReadOnly("check", func() error {
		conn, err := a.store.ConnectionOrNil(aChat)
		require.Nil(err)
		require.False(conn.Disconnected)
		require.Equal("line-51", conn.RoutingID)
		return nil
	}))
}

func TestBlockedPeerCannotConnect(t *testing.T) {
	require := require.New(t)
	a := newSide(t, "a")
	b := newSide(t, "b")

	bundle, err := a.e.NewPort("bob", "", false)
	require.Nil(err)
	bChat, err := b.e.ReadPort(context.Background(), bundle)
	require.Nil(err)

	require.Nil(a.store.Run("block", func() error { return a.store.Block("pair-ab") }))
	err = a.store.Run("accept", func() error {
		_, err := a.e.AcceptNewChat(NewChat{LineID: bChat, PortID: bundle.PortID, PairHash: "pair-ab"})
		return err
	})
	require.ErrorIs(err, ErrBlocked)
}
