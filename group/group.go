// Package group maintains group rosters and the pairwise sessions shared with every member.
//
// Operations that talk to the server take a context and run their own transactions. Operations called
// while processing an incoming message take a Snapshot, must run inside the caller's transaction and
// return the new Snapshot.
package group

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-portmsg/config"
	"github.com/meow-io/go-portmsg/crypto"
	"github.com/meow-io/go-portmsg/envelope"
	"github.com/meow-io/go-portmsg/handshake"
	"github.com/meow-io/go-portmsg/ids"
	"github.com/meow-io/go-portmsg/keystore"
	"github.com/meow-io/go-portmsg/storage"
	"go.uber.org/zap"
)

var (
	ErrNotAdmin         = errors.New("group: not an admin")
	ErrUnknownGroup     = errors.New("group: unknown group")
	ErrUnknownMember    = errors.New("group: unknown member")
	ErrStillConnected   = errors.New("group: group must be left before it is deleted")
	ErrDisconnected     = errors.New("group: group is disconnected")
	ErrCannotTargetSelf = errors.New("group: operation cannot target ourselves")
)

type MemberAuth struct {
	MemberID string
	PubKey   []byte
	PairHash string
	IsAdmin  bool
	JoinedAt string
}

type Created struct {
	GroupID      string
	SelfMemberID string
}

type Joined struct {
	GroupID      string
	SelfMemberID string
	IsAdmin      bool
	Name         string
	Members      []MemberAuth
}

// API is the part of the server API that manages group membership.
type API interface {
	CreateGroup(ctx context.Context, pubKey []byte) (*Created, error)
	JoinGroup(ctx context.Context, linkID string, superport bool, pubKey []byte) (*Joined, error)
	LeaveGroup(ctx context.Context, groupID string) error
	RemoveMember(ctx context.Context, groupID, memberID string) error
	ManageAdmin(ctx context.Context, groupID, memberID string, promote bool) error
}

type Manager struct {
	log   *zap.SugaredLogger
	store *storage.Store
	keys  *keystore.Keystore
	hs    *handshake.Engine
	api   API
}

func New(c *config.Config, s *storage.Store, k *keystore.Keystore, hs *handshake.Engine, api API) *Manager {
	return &Manager{
		log:   c.Logger("group"),
		store: s,
		keys:  k,
		hs:    hs,
		api:   api,
	}
}

// Load reads the snapshot for chatID, or nil if it is not a group.
func (m *Manager) Load(chatID string) (*Snapshot, error) {
	g, err := m.store.GroupOrNil(chatID)
	if err != nil || g == nil {
		return nil, err
	}
	rows, err := m.store.Members(chatID)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{Group: *g, Members: make([]storage.GroupMember, len(rows))}
	for i, r := range rows {
		s.Members[i] = *r
	}
	return s, nil
}

func (m *Manager) Get(chatID string) (*Snapshot, error) {
	var s *Snapshot
	if err := m.store.RunReadOnly("get group", func() error {
		var err error
		s, err = m.Load(chatID)
		return err
	}); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, chatID)
	}
	return s, nil
}

// Create registers a new group with the server and stores it with ourselves as its only admin.
func (m *Manager) Create(ctx context.Context, name, description string) (string, error) {
	kp := crypto.GenerateKeyPair()
	defer crypto.WipeKeyPair(kp)
	created, err := m.api.CreateGroup(ctx, kp.Public)
	if err != nil {
		return "", fmt.Errorf("group: error creating group: %w", err)
	}

	chatID := ids.NewID()
	err = m.store.Run("create group", func() error {
		self := &keystore.Session{ID: ids.NewID(), PrivateKey: kp.Private, PublicKey: kp.Public}
		if err := m.keys.Save(self); err != nil {
			return err
		}
		permissionsID := ids.NewID()
		if err := m.store.UpsertPermissions(storage.DefaultPermissions(permissionsID)); err != nil {
			return err
		}
		if err := m.store.InsertConnection(&storage.Connection{
			ChatID:    chatID,
			Type:      storage.ConnectionTypeGroup,
			RoutingID: created.GroupID,
			Name:      name,
			Timestamp: m.store.Now(),
		}); err != nil {
			return err
		}
		next := &Snapshot{Group: storage.Group{
			ChatID:        chatID,
			GroupID:       created.GroupID,
			SelfMemberID:  created.SelfMemberID,
			Name:          name,
			Description:   description,
			AmAdmin:       true,
			SelfCryptoID:  self.ID,
			PermissionsID: permissionsID,
			JoinedAt:      m.store.Now(),
		}}
		return m.save(nil, next)
	})
	if err != nil {
		return "", err
	}
	m.log.Debugf("created group %s as %s", created.GroupID, chatID)
	return chatID, nil
}

// Join joins the group behind linkID. Joining a group we already have, connected or not, keeps its
// chat id but replaces our identity and every member session, since the server now holds our new key.
func (m *Manager) Join(ctx context.Context, linkID string, superport bool) (string, error) {
	kp := crypto.GenerateKeyPair()
	defer crypto.WipeKeyPair(kp)
	joined, err := m.api.JoinGroup(ctx, linkID, superport, kp.Public)
	if err != nil {
		return "", fmt.Errorf("group: error joining group: %w", err)
	}

	var chatID string
	err = m.store.Run("join group", func() error {
		existing, found, err := m.store.ChatIDForRoutingID(joined.GroupID)
		if err != nil {
			return err
		}
		var prev *Snapshot
		if found {
			if prev, err = m.Load(existing); err != nil {
				return err
			}
		}

		self := &keystore.Session{ID: ids.NewID(), PrivateKey: kp.Private, PublicKey: kp.Public}
		if err := m.keys.Save(self); err != nil {
			return err
		}

		var next *Snapshot
		if prev != nil {
			chatID = existing
			g := prev.Group
			g.SelfMemberID = joined.SelfMemberID
			g.SelfCryptoID = self.ID
			g.AmAdmin = joined.IsAdmin
			if joined.Name != "" {
				g.Name = joined.Name
			}
			next = prev.WithGroup(g)
			// members we no longer see are gone; their old keys go with them
			for _, mem := range prev.ActiveMembers() {
				mem.Deleted = true
				mem.CryptoID = ""
				next = next.WithMember(mem)
			}
			if err := m.store.SetDisconnected(chatID, false); err != nil {
				return err
			}
		} else {
			chatID = ids.NewID()
			permissionsID := ids.NewID()
			if err := m.store.UpsertPermissions(storage.DefaultPermissions(permissionsID)); err != nil {
				return err
			}
			if err := m.store.InsertConnection(&storage.Connection{
				ChatID:    chatID,
				Type:      storage.ConnectionTypeGroup,
				RoutingID: joined.GroupID,
				Name:      joined.Name,
				Timestamp: m.store.Now(),
			}); err != nil {
				return err
			}
			next = &Snapshot{Group: storage.Group{
				ChatID:        chatID,
				GroupID:       joined.GroupID,
				SelfMemberID:  joined.SelfMemberID,
				Name:          joined.Name,
				AmAdmin:       joined.IsAdmin,
				SelfCryptoID:  self.ID,
				PermissionsID: permissionsID,
				JoinedAt:      m.store.Now(),
			}}
		}

		for _, ma := range joined.Members {
			if ma.MemberID == joined.SelfMemberID {
				continue
			}
			sess, err := m.hs.DeriveGroupSession(self.ID, ma.PubKey)
			if err != nil {
				return err
			}
			mem, _ := next.Member(ma.MemberID)
			mem.ChatID = chatID
			mem.MemberID = ma.MemberID
			mem.PairHash = ma.PairHash
			mem.IsAdmin = ma.IsAdmin
			mem.CryptoID = sess.ID
			mem.PubKeyHash = crypto.HashPublicKey(ma.PubKey)
			mem.Deleted = false
			mem.JoinedAt = ma.JoinedAt
			if mem.JoinedAt == "" {
				mem.JoinedAt = m.store.Now()
			}
			next = next.WithMember(mem)
		}
		return m.save(prev, next)
	})
	if err != nil {
		return "", err
	}
	m.log.Debugf("joined group %s as %s", joined.GroupID, chatID)
	return chatID, nil
}

// Leave tells the server we left and marks the group disconnected. Keys are kept until Delete.
func (m *Manager) Leave(ctx context.Context, chatID string) error {
	s, err := m.Get(chatID)
	if err != nil {
		return err
	}
	if err := m.api.LeaveGroup(ctx, s.Group.GroupID); err != nil {
		return fmt.Errorf("group: error leaving group: %w", err)
	}
	return m.store.Run("leave group", func() error {
		return m.store.SetDisconnected(chatID, true)
	})
}

// RemoveMember asks the server to remove memberID and tombstones them locally. Only admins may do this.
func (m *Manager) RemoveMember(ctx context.Context, chatID, memberID string) error {
	s, err := m.adminSnapshot(chatID, memberID)
	if err != nil {
		return err
	}
	if err := m.api.RemoveMember(ctx, s.Group.GroupID, memberID); err != nil {
		return fmt.Errorf("group: error removing member: %w", err)
	}
	return m.store.Run("remove member", func() error {
		cur, err := m.Load(chatID)
		if err != nil || cur == nil {
			return err
		}
		_, _, err = m.MarkRemoved(cur, memberID)
		return err
	})
}

func (m *Manager) Promote(ctx context.Context, chatID, memberID string) error {
	return m.manageAdmin(ctx, chatID, memberID, true)
}

func (m *Manager) Demote(ctx context.Context, chatID, memberID string) error {
	return m.manageAdmin(ctx, chatID, memberID, false)
}

func (m *Manager) manageAdmin(ctx context.Context, chatID, memberID string, promote bool) error {
	s, err := m.adminSnapshot(chatID, memberID)
	if err != nil {
		return err
	}
	if err := m.api.ManageAdmin(ctx, s.Group.GroupID, memberID, promote); err != nil {
		return fmt.Errorf("group: error changing admin status: %w", err)
	}
	return m.store.Run("manage admin", func() error {
		cur, err := m.Load(chatID)
		if err != nil || cur == nil {
			return err
		}
		_, _, err = m.SetMemberAdmin(cur, memberID, promote)
		return err
	})
}

// adminSnapshot loads chatID and checks we may run an admin operation against memberID. Nothing has
// been written or sent when it fails.
func (m *Manager) adminSnapshot(chatID, memberID string) (*Snapshot, error) {
	s, err := m.Get(chatID)
	if err != nil {
		return nil, err
	}
	if !s.Group.AmAdmin {
		return nil, ErrNotAdmin
	}
	if memberID == s.Group.SelfMemberID {
		return nil, ErrCannotTargetSelf
	}
	if _, ok := s.ActiveMember(memberID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMember, memberID)
	}
	return s, nil
}

// Delete removes a group we have left or were removed from, with every message and session it owns.
func (m *Manager) Delete(chatID string) error {
	return m.store.Run("delete group", func() error {
		s, err := m.Load(chatID)
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("%w: %s", ErrUnknownGroup, chatID)
		}
		conn, err := m.store.ConnectionOrNil(chatID)
		if err != nil {
			return err
		}
		if conn != nil && !conn.Disconnected {
			return ErrStillConnected
		}
		for _, mem := range s.Members {
			if err := m.keys.Delete(mem.CryptoID); err != nil {
				return err
			}
		}
		if err := m.keys.Delete(s.Group.SelfCryptoID); err != nil {
			return err
		}
		if err := m.store.DeleteMessages(chatID); err != nil {
			return err
		}
		if err := m.store.DeleteMembers(chatID); err != nil {
			return err
		}
		if err := m.store.DeleteGroup(chatID); err != nil {
			return err
		}
		if err := m.store.DeletePermissions(s.Group.PermissionsID); err != nil {
			return err
		}
		return m.store.DeleteConnection(chatID)
	})
}

// AddMember derives a session with a newly announced member. Announcements for a key we already hold,
// including one for a member we have since removed, change nothing.
func (m *Manager) AddMember(s *Snapshot, nm *envelope.NewMember) (*Snapshot, bool, error) {
	if nm.MemberID == "" || nm.MemberID == s.Group.SelfMemberID {
		return s, false, nil
	}
	hash := crypto.HashPublicKey(nm.PubKey)
	existing, ok := s.Member(nm.MemberID)
	if ok && existing.PubKeyHash == hash {
		return s, false, nil
	}
	sess, err := m.hs.DeriveGroupSession(s.Group.SelfCryptoID, nm.PubKey)
	if err != nil {
		return nil, false, err
	}
	mem := existing
	mem.ChatID = s.ChatID()
	mem.MemberID = nm.MemberID
	mem.PairHash = nm.PairHash
	mem.IsAdmin = nm.IsAdmin
	mem.CryptoID = sess.ID
	mem.PubKeyHash = hash
	mem.Deleted = false
	mem.JoinedAt = nm.JoinedAt
	if mem.JoinedAt == "" {
		mem.JoinedAt = m.store.Now()
	}
	next := s.WithMember(mem)
	if err := m.save(s, next); err != nil {
		return nil, false, err
	}
	return next, true, nil
}

// MarkRemoved tombstones memberID and destroys their session.
func (m *Manager) MarkRemoved(s *Snapshot, memberID string) (*Snapshot, bool, error) {
	mem, ok := s.ActiveMember(memberID)
	if !ok {
		return s, false, nil
	}
	mem.Deleted = true
	mem.IsAdmin = false
	mem.CryptoID = ""
	next := s.WithMember(mem)
	if err := m.save(s, next); err != nil {
		return nil, false, err
	}
	return next, true, nil
}

func (m *Manager) SetMemberAdmin(s *Snapshot, memberID string, admin bool) (*Snapshot, bool, error) {
	mem, ok := s.ActiveMember(memberID)
	if !ok || mem.IsAdmin == admin {
		return s, false, nil
	}
	mem.IsAdmin = admin
	next := s.WithMember(mem)
	if err := m.save(s, next); err != nil {
		return nil, false, err
	}
	return next, true, nil
}

func (m *Manager) SetSelfAdmin(s *Snapshot, admin bool) (*Snapshot, bool, error) {
	if s.Group.AmAdmin == admin {
		return s, false, nil
	}
	g := s.Group
	g.AmAdmin = admin
	next := s.WithGroup(g)
	if err := m.save(s, next); err != nil {
		return nil, false, err
	}
	return next, true, nil
}

func (m *Manager) SetMemberInfo(s *Snapshot, memberID, name, displayPic string) (*Snapshot, error) {
	mem, ok := s.ActiveMember(memberID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMember, memberID)
	}
	if name != "" {
		mem.Name = name
	}
	if displayPic != "" {
		mem.DisplayPic = displayPic
	}
	next := s.WithMember(mem)
	if err := m.save(s, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Update applies f to a copy of the group row and saves the result.
func (m *Manager) Update(s *Snapshot, f func(g *storage.Group)) (*Snapshot, error) {
	g := s.Group
	f(&g)
	next := s.WithGroup(g)
	if err := m.save(s, next); err != nil {
		return nil, err
	}
	return next, nil
}

// save writes what changed between prev and next. Sessions no longer referenced are destroyed.
func (m *Manager) save(prev, next *Snapshot) error {
	if prev == nil || prev.Group != next.Group {
		if err := m.store.UpsertGroup(&next.Group); err != nil {
			return err
		}
	}
	if prev != nil && prev.Group.SelfCryptoID != next.Group.SelfCryptoID {
		if err := m.keys.Delete(prev.Group.SelfCryptoID); err != nil {
			return err
		}
	}
	for _, mem := range next.Members {
		if prev != nil {
			if old, ok := prev.Member(mem.MemberID); ok {
				if old == mem {
					continue
				}
				if old.CryptoID != "" && old.CryptoID != mem.CryptoID {
					if err := m.keys.Delete(old.CryptoID); err != nil {
						return err
					}
				}
			}
		}
		mem := mem
		if err := m.store.UpsertMember(&mem); err != nil {
			return err
		}
	}
	return nil
}
