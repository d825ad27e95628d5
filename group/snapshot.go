package group

import (
	"github.com/meow-io/go-portmsg/storage"
	"golang.org/x/exp/slices"
)

// Snapshot is an immutable view of a group and its roster as of one read. Methods that change it
// return a new Snapshot and leave the receiver untouched.
type Snapshot struct {
	Group   storage.Group
	Members []storage.GroupMember
}

func (s *Snapshot) ChatID() string {
	return s.Group.ChatID
}

func (s *Snapshot) Member(memberID string) (storage.GroupMember, bool) {
	i := s.index(memberID)
	if i < 0 {
		return storage.GroupMember{}, false
	}
	return s.Members[i], true
}

// ActiveMember returns memberID only if they have not been removed.
func (s *Snapshot) ActiveMember(memberID string) (storage.GroupMember, bool) {
	m, ok := s.Member(memberID)
	if !ok || m.Deleted {
		return storage.GroupMember{}, false
	}
	return m, true
}

func (s *Snapshot) ActiveMembers() []storage.GroupMember {
	out := make([]storage.GroupMember, 0, len(s.Members))
	for _, m := range s.Members {
		if !m.Deleted {
			out = append(out, m)
		}
	}
	return out
}

// IsAdmin reports whether memberID is an active admin. Our own id is answered from the group row.
func (s *Snapshot) IsAdmin(memberID string) bool {
	if memberID != "" && memberID == s.Group.SelfMemberID {
		return s.Group.AmAdmin
	}
	m, ok := s.ActiveMember(memberID)
	return ok && m.IsAdmin
}

// DisplayName is the best name we have for memberID.
func (s *Snapshot) DisplayName(memberID string) string {
	if m, ok := s.Member(memberID); ok && m.Name != "" {
		return m.Name
	}
	return memberID
}

func (s *Snapshot) WithGroup(g storage.Group) *Snapshot {
	n := s.clone()
	n.Group = g
	return n
}

// WithMember replaces the member with the same id, or appends m.
func (s *Snapshot) WithMember(m storage.GroupMember) *Snapshot {
	n := s.clone()
	if i := n.index(m.MemberID); i >= 0 {
		n.Members[i] = m
	} else {
		n.Members = append(n.Members, m)
	}
	return n
}

func (s *Snapshot) clone() *Snapshot {
	return &Snapshot{Group: s.Group, Members: slices.Clone(s.Members)}
}

func (s *Snapshot) index(memberID string) int {
	return slices.IndexFunc(s.Members, func(m storage.GroupMember) bool {
		return m.MemberID == memberID
	})
}
