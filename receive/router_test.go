package receive

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/meow-io/go-portmsg/envelope"
	"github.com/meow-io/go-portmsg/storage"
	"github.com/stretchr/testify/require"
)

func TestRegistriesCoverContentTypes(t *testing.T) {
	require := require.New(t)
	n := newNode(t, newNetwork(), "alice")

	direct := []envelope.ContentType{
		envelope.Name, envelope.DisplayAvatar, envelope.DisplayImage, envelope.Text, envelope.Link,
		envelope.Image, envelope.Video, envelope.File, envelope.AudioRecording, envelope.HandshakeA1,
		envelope.HandshakeB2, envelope.InitialInfoRequest, envelope.ContactBundleRequest,
		envelope.ContactBundleResponse, envelope.ContactBundleDenialResponse, envelope.ContactBundle,
		envelope.Reaction, envelope.EditedMessage, envelope.Deleted, envelope.DisappearingMessages,
		envelope.Receipt,
	}
	groupTypes := []envelope.ContentType{
		envelope.Name, envelope.Text, envelope.Link, envelope.Image, envelope.Video, envelope.File,
		envelope.AudioRecording, envelope.GroupAvatar, envelope.GroupPicture, envelope.DisplayImage,
		envelope.DisplayAvatar, envelope.Reaction, envelope.GroupName, envelope.GroupDescription,
		envelope.Deleted, envelope.GroupInitialMemberInfo, envelope.EditedMessage, envelope.DisappearingMessages,
	}
	require.Len(n.router.direct, len(direct))
	require.Len(n.router.group, len(groupTypes))
	for _, ct := range direct {
		a, ok := n.router.direct[ct]
		require.True(ok, "no direct action for %s", ct)
		require.NotEmpty(a.Name())
		require.NotNil(a.(*action).validate, "direct %s has no validation", ct)
	}
	for _, ct := range groupTypes {
		a, ok := n.router.group[ct]
		require.True(ok, "no group action for %s", ct)
		require.NotNil(a.(*action).validate, "group %s has no validation", ct)
	}
}

func TestNewChatOverPortCompletesHandshake(t *testing.T) {
	require := require.New(t)
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")

	chatID := connect(t, net, alice, bob)
	require.Equal("line-1", chatID)

	conn := alice.conn(t, chatID)
	require.Equal("pair-bob", conn.PairHash)
	require.Equal("line-1", conn.RoutingID)
	require.False(conn.Disconnected)

	aliceSess := alice.lineSession(t, chatID)
	bobSess := bob.lineSession(t, chatID)
	require.True(aliceSess.HasSharedSecret())
	require.Equal(aliceSess.SharedSecret, bobSess.SharedSecret)

	// each side answered the other's initial info request
	require.Equal("alice", bob.conn(t, chatID).Name)
	require.Equal("bob", conn.Name)

	alice.sendPayload(t, chatID, "M1", envelope.Text, &envelope.TextData{Text: "hi"})
	bob.sendPayload(t, chatID, "M2", envelope.Text, &envelope.TextData{Text: "hello"})
	net.settle(context.Background())
	require.Equal("hi", textOf(t, bob.message(t, chatID, "M1")))
	require.Equal("hello", textOf(t, alice.message(t, chatID, "M2")))
}

func TestDuplicateTextIsStoredOnce(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")
	chatID := connect(t, net, alice, bob)

	alice.sendPayload(t, chatID, "M1", envelope.Text, &envelope.TextData{Text: "hi"})
	sent := net.take()
	require.Len(sent, 1)
	env := sent[0].env
	bob.router.Receive(ctx, env)
	net.settle(ctx)

	msgs := bob.messages(t, chatID)
	conn := bob.conn(t, chatID)
	require.Equal(1, countType(msgs, envelope.Text))
	require.Equal(1, conn.NewMessageCount)
	require.Equal("hi", conn.Text)
	require.Equal([]string{"hi"}, bob.notes.bodies())
	require.Equal(storage.MessageStatusDelivered, alice.message(t, chatID, "M1").Status)

	bob.router.Receive(ctx, env)
	net.settle(ctx)
	require.Equal(msgs, bob.messages(t, chatID))
	require.Equal(conn, bob.conn(t, chatID))
	require.Equal([]string{"hi"}, bob.notes.bodies())
}

func TestConcurrentDuplicatesAreStoredOnce(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")
	chatID := connect(t, net, alice, bob)

	alice.sendPayload(t, chatID, "M1", envelope.Text, &envelope.TextData{Text: "hi"})
	env := net.take()[0].env

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bob.router.Receive(ctx, env)
		}()
	}
	wg.Wait()
	net.settle(ctx)

	require.Equal(1, countType(bob.messages(t, chatID), envelope.Text))
	require.Equal(1, bob.conn(t, chatID).NewMessageCount)
}

func TestDeletionTakesPrecedence(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")
	chatID := connect(t, net, alice, bob)

	alice.sendPayload(t, chatID, "M1", envelope.Text, &envelope.TextData{Text: "hi"})
	env := net.take()[0].env
	env.Deletion = env.LineID
	bob.router.Receive(ctx, env)
	net.settle(ctx)

	require.True(bob.conn(t, chatID).Disconnected)
	require.Nil(bob.message(t, chatID, "M1"))
	require.Equal(1, countType(bob.messages(t, chatID), envelope.Info))

	// a second deletion is a duplicate
	bob.router.Receive(ctx, &envelope.Envelope{Deletion: chatID})
	net.settle(ctx)
	require.Equal(1, countType(bob.messages(t, chatID), envelope.Info))
}

func TestMessageToDisconnectedChatIsDropped(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")
	chatID := connect(t, net, alice, bob)

	bob.router.Receive(ctx, &envelope.Envelope{Deletion: chatID})
	alice.sendPayload(t, chatID, "M1", envelope.Text, &envelope.TextData{Text: "hi"})
	alice.sendPayload(t, chatID, "M2", envelope.Text, &envelope.TextData{Text: "anyone?"})
	net.settle(ctx)

	require.Nil(bob.message(t, chatID, "M1"))
	require.Nil(bob.message(t, chatID, "M2"))
	// the line is closed on the server once, not again for every envelope that follows
	require.Equal([]string{chatID}, bob.api.disconnected)
}

func TestChatWithoutLineIsDisconnectedOnce(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")
	chatID := connect(t, net, alice, bob)

	require.Nil(bob.store.Run("lose line", func() error { return bob.store.DeleteLine(chatID) }))
	alice.sendPayload(t, chatID, "M1", envelope.Text, &envelope.TextData{Text: "hi"})
	alice.sendPayload(t, chatID, "M2", envelope.Text, &envelope.TextData{Text: "anyone?"})
	net.settle(ctx)

	require.True(bob.conn(t, chatID).Disconnected)
	require.Nil(bob.message(t, chatID, "M1"))
	require.Nil(bob.message(t, chatID, "M2"))
	require.Equal([]string{chatID}, bob.api.disconnected)
}

func TestNewChatWithoutPairHashUsesPort(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")

	bundle, err := alice.hs.NewPort("bob", "", false)
	require.Nil(err)
	chatID, err := bob.hs.ReadPort(ctx, bundle)
	require.Nil(err)
	alice.router.Receive(ctx, &envelope.Envelope{LineID: chatID, LineLinkID: bundle.PortID})
	net.settle(ctx)

	conn := alice.conn(t, chatID)
	require.Equal(bundle.PubKeyHash, conn.PairHash)
	require.Equal("alice", bob.conn(t, chatID).Name)
	require.True(alice.lineSession(t, chatID).HasSharedSecret())
}

func TestOnlyAuthorsMayEdit(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")
	chatID := connect(t, net, alice, bob)

	alice.sendPayload(t, chatID, "M1", envelope.Text, &envelope.TextData{Text: "hi"})
	net.settle(ctx)

	bob.sendPayload(t, chatID, "E1", envelope.EditedMessage, &envelope.EditData{MessageID: "M1", Text: "bye"})
	net.settle(ctx)
	msg := alice.message(t, chatID, "M1")
	require.Equal("hi", textOf(t, msg))
	require.False(msg.Edited)

	alice.sendPayload(t, chatID, "E2", envelope.EditedMessage, &envelope.EditData{MessageID: "M1", Text: "hey"})
	net.settle(ctx)
	msg = bob.message(t, chatID, "M1")
	require.Equal("hey", textOf(t, msg))
	require.True(msg.Edited)

	alice.sendPayload(t, chatID, "D1", envelope.Deleted, &envelope.DeletionData{MessageID: "M1"})
	net.settle(ctx)
	require.True(bob.message(t, chatID, "M1").Deleted)
}

func TestReceiptsOnlyAdvanceStatus(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")
	chatID := connect(t, net, alice, bob)

	alice.sendPayload(t, chatID, "M1", envelope.Text, &envelope.TextData{Text: "hi"})
	net.settle(ctx)
	require.Equal(storage.MessageStatusDelivered, alice.message(t, chatID, "M1").Status)

	bob.sendPayload(t, chatID, "RC1", envelope.Receipt, &envelope.ReceiptData{MessageID: "M1", Status: "read"})
	net.settle(ctx)
	require.Equal(storage.MessageStatusRead, alice.message(t, chatID, "M1").Status)

	bob.sendPayload(t, chatID, "RC2", envelope.Receipt, &envelope.ReceiptData{MessageID: "M1", Status: "delivered"})
	bob.sendPayload(t, chatID, "RC3", envelope.Receipt, &envelope.ReceiptData{MessageID: "M1", Status: "sent"})
	net.settle(ctx)
	require.Equal(storage.MessageStatusRead, alice.message(t, chatID, "M1").Status)
}

func TestLinkPreviewIsPatchedIn(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")
	chatID := connect(t, net, alice, bob)

	alice.sendPayload(t, chatID, "L1", envelope.Link, &envelope.LinkData{Text: "see https://x.y", URL: "https://x.y"})
	net.settle(ctx)

	msg := bob.message(t, chatID, "L1")
	require.NotNil(msg)
	var d envelope.LinkData
	require.Nil(json.Unmarshal([]byte(msg.Data), &d))
	require.Equal("see https://x.y", d.Text)
	require.NotNil(d.Preview)
	require.Equal("title of https://x.y", d.Preview.Title)
}

func TestReactionsReplaceAndClear(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")
	chatID := connect(t, net, alice, bob)

	alice.sendPayload(t, chatID, "M1", envelope.Text, &envelope.TextData{Text: "hi"})
	net.settle(ctx)

	reactions := func() []*storage.Reaction {
		var rs []*storage.Reaction
		require.Nil(alice.store.RunReadOnly("reactions", func() error {
			var err error
			rs, err = alice.store.Reactions(chatID, "M1")
			return err
		}))
		return rs
	}
	bob.sendPayload(t, chatID, "R1", envelope.Reaction, &envelope.ReactionData{MessageID: "M1", Reaction: "+1"})
	bob.sendPayload(t, chatID, "R2", envelope.Reaction, &envelope.ReactionData{MessageID: "M1", Reaction: "heart"})
	net.settle(ctx)
	rs := reactions()
	require.Len(rs, 1)
	require.Equal("heart", rs[0].Reaction)

	bob.sendPayload(t, chatID, "R3", envelope.Reaction, &envelope.ReactionData{MessageID: "M1"})
	net.settle(ctx)
	require.Empty(reactions())
}

func TestMediaIsDownloadedAfterCommit(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")
	chatID := connect(t, net, alice, bob)

	alice.sendPayload(t, chatID, "P1", envelope.Image, &envelope.MediaData{MediaID: "m1", Key: "k1"})
	net.settle(ctx)

	msg := bob.message(t, chatID, "P1")
	require.NotNil(msg)
	require.False(msg.ShouldDownload)
	var d envelope.MediaData
	require.Nil(json.Unmarshal([]byte(msg.Data), &d))
	require.Equal("file:///media/m1", d.FileURI)
	require.Equal("Image", bob.conn(t, chatID).Text)
}

func TestDisappearingTimerIsApplied(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")
	chatID := connect(t, net, alice, bob)

	alice.sendPayload(t, chatID, "T1", envelope.DisappearingMessages, &envelope.DisappearingData{TimeoutSeconds: 60})
	alice.sendPayload(t, chatID, "T2", envelope.DisappearingMessages, &envelope.DisappearingData{TimeoutSeconds: 60})
	alice.sendPayload(t, chatID, "M1", envelope.Text, &envelope.TextData{Text: "soon gone"})
	net.settle(ctx)

	require.Equal(1, countType(bob.messages(t, chatID), envelope.Info))
	require.NotZero(bob.message(t, chatID, "M1").ExpiresOn)
}

func TestContactBundleRequestIsAnswered(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")
	chatID := connect(t, net, alice, bob)

	alice.sendPayload(t, chatID, "Q1", envelope.ContactBundleRequest, struct{}{})
	net.settle(ctx)

	var ports []*storage.Port
	require.Nil(bob.store.RunReadOnly("ports", func() error {
		var err error
		ports, err = bob.store.Ports()
		return err
	}))
	require.Len(ports, 1)
	require.Equal(1, countType(alice.messages(t, chatID), envelope.ContactBundleResponse))
}

func TestGroupTextReachesMembers(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")
	aliceChat, bobChat := groupOf(t, net, alice, bob)

	_, ok := alice.snapshot(t, aliceChat).ActiveMember("bob")
	require.True(ok)

	alice.sendPayload(t, aliceChat, "M1", envelope.Text, &envelope.TextData{Text: "hi all"})
	bob.sendPayload(t, bobChat, "M2", envelope.Text, &envelope.TextData{Text: "hi alice"})
	net.settle(ctx)

	msg := bob.message(t, bobChat, "M1")
	require.Equal("hi all", textOf(t, msg))
	require.Equal("alice", msg.MemberID)
	require.Equal("bob", alice.message(t, aliceChat, "M2").MemberID)
	require.Equal([]string{"bob: hi alice"}, alice.notes.bodies())
}

func TestNonAdminCannotRenameGroup(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")
	aliceChat, bobChat := groupOf(t, net, alice, bob)

	bob.sendPayload(t, bobChat, "N1", envelope.GroupName, &envelope.GroupNameData{Name: "hijacked"})
	net.settle(ctx)
	require.Equal("friends", alice.snapshot(t, aliceChat).Group.Name)
	require.Equal("friends", alice.conn(t, aliceChat).Name)

	alice.sendPayload(t, aliceChat, "N2", envelope.GroupName, &envelope.GroupNameData{Name: "family"})
	net.settle(ctx)
	require.Equal("family", bob.snapshot(t, bobChat).Group.Name)
	require.Equal("family", bob.conn(t, bobChat).Name)
}

func TestReplayedRosterChangeIsIgnored(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")
	aliceChat, _ := groupOf(t, net, alice, bob)
	groupID := alice.snapshot(t, aliceChat).Group.GroupID

	net.lock.Lock()
	auth := net.groups[groupID]["bob"]
	net.lock.Unlock()
	announce := &envelope.Envelope{Group: groupID, Content: control(t, &envelope.Control{
		NewMember: &envelope.NewMember{MemberID: "bob", PubKey: auth.PubKey, PairHash: auth.PairHash},
	})}
	infos := countType(alice.messages(t, aliceChat), envelope.Info)

	alice.router.Receive(ctx, announce)
	require.Equal(infos, countType(alice.messages(t, aliceChat), envelope.Info))

	alice.router.Receive(ctx, &envelope.Envelope{Group: groupID, Content: control(t, &envelope.Control{RemovedMember: "bob"})})
	_, ok := alice.snapshot(t, aliceChat).ActiveMember("bob")
	require.False(ok)

	alice.router.Receive(ctx, announce)
	_, ok = alice.snapshot(t, aliceChat).ActiveMember("bob")
	require.False(ok)
}

func TestRemovedMemberIsNotHeard(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")
	aliceChat, bobChat := groupOf(t, net, alice, bob)
	groupID := alice.snapshot(t, aliceChat).Group.GroupID

	alice.router.Receive(ctx, &envelope.Envelope{Group: groupID, Content: control(t, &envelope.Control{RemovedMember: "bob"})})
	net.settle(ctx)

	bob.sendPayload(t, bobChat, "M1", envelope.Text, &envelope.TextData{Text: "let me back in"})
	net.settle(ctx)
	require.Nil(alice.message(t, aliceChat, "M1"))
	require.Empty(alice.notes.bodies())
}

func TestOnlyGroupAuthorsMayEdit(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")
	carol := newNode(t, net, "carol")
	aliceChat, bobChat := groupOf(t, net, alice, bob)
	groupID := alice.snapshot(t, aliceChat).Group.GroupID

	carolChat, err := carol.groups.Join(ctx, groupID, false)
	require.Nil(err)
	net.lock.Lock()
	auth := net.groups[groupID]["carol"]
	net.lock.Unlock()
	announce := &envelope.Envelope{Group: groupID, Content: control(t, &envelope.Control{
		NewMember: &envelope.NewMember{MemberID: "carol", PubKey: auth.PubKey, PairHash: auth.PairHash},
	})}
	alice.router.Receive(ctx, announce)
	bob.router.Receive(ctx, announce)
	net.settle(ctx)

	bob.sendPayload(t, bobChat, "M1", envelope.Text, &envelope.TextData{Text: "mine"})
	net.settle(ctx)
	require.Equal("bob", carol.message(t, carolChat, "M1").MemberID)

	alice.sendPayload(t, aliceChat, "E1", envelope.EditedMessage, &envelope.EditData{MessageID: "M1", Text: "not yours"})
	alice.sendPayload(t, aliceChat, "D1", envelope.Deleted, &envelope.DeletionData{MessageID: "M1"})
	net.settle(ctx)
	msg := carol.message(t, carolChat, "M1")
	require.Equal("mine", textOf(t, msg))
	require.False(msg.Edited)
	require.False(msg.Deleted)

	bob.sendPayload(t, bobChat, "E2", envelope.EditedMessage, &envelope.EditData{MessageID: "M1", Text: "still mine"})
	net.settle(ctx)
	msg = carol.message(t, carolChat, "M1")
	require.Equal("still mine", textOf(t, msg))
	require.True(msg.Edited)
}

func TestRemovedFromGroupDisconnects(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")
	aliceChat, bobChat := groupOf(t, net, alice, bob)
	groupID := alice.snapshot(t, aliceChat).Group.GroupID

	removed := &envelope.Envelope{Group: groupID, RemovedFromGroup: true}
	bob.router.Receive(ctx, removed)
	bob.router.Receive(ctx, removed)
	require.True(bob.conn(t, bobChat).Disconnected)
	require.Equal(1, countType(bob.messages(t, bobChat), envelope.Info))

	alice.sendPayload(t, aliceChat, "M1", envelope.Text, &envelope.TextData{Text: "still there?"})
	net.settle(ctx)
	require.Nil(bob.message(t, bobChat, "M1"))
}

func TestPromotionFromServer(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")
	bob := newNode(t, net, "bob")
	aliceChat, bobChat := groupOf(t, net, alice, bob)
	groupID := alice.snapshot(t, aliceChat).Group.GroupID

	require.False(bob.snapshot(t, bobChat).Group.AmAdmin)
	bob.router.Receive(ctx, &envelope.Envelope{Group: groupID, Content: control(t, &envelope.Control{Promotion: true})})
	require.True(bob.snapshot(t, bobChat).Group.AmAdmin)

	alice.router.Receive(ctx, &envelope.Envelope{Group: groupID, Content: control(t, &envelope.Control{PromotedMember: "bob"})})
	require.True(alice.snapshot(t, aliceChat).IsAdmin("bob"))

	bob.sendPayload(t, bobChat, "N1", envelope.GroupName, &envelope.GroupNameData{Name: "ours"})
	net.settle(ctx)
	require.Equal("ours", alice.snapshot(t, aliceChat).Group.Name)
}

func TestMalformedEnvelopesAreDropped(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	alice := newNode(t, net, "alice")

	alice.router.ReceiveRaw(ctx, []byte("not json"))
	alice.router.ReceiveRaw(ctx, []byte(`{}`))
	alice.router.ReceiveRaw(ctx, []byte(`{"lineId":"unknown","messageContent":"AAAA"}`))
	alice.router.Drain()
	require.True(t, alice.router.Idle())
}

func TestChatLocksAreReleased(t *testing.T) {
	l := &chatLocks{locks: map[string]*chatLock{}}
	unlock := l.lock("a")
	done := make(chan struct{})
	go func() {
		u := l.lock("a")
		u()
		close(done)
	}()
	unlock()
	<-done
	require.Empty(t, l.locks)
}
