package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

func (s *Store) UpsertGroup(g *Group) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _groups (chat_id, group_id, self_member_id, name, description, picture, am_admin, self_crypto_id, permissions_id, joined_at) VALUES (:chat_id, :group_id, :self_member_id, :name, :description, :picture, :am_admin, :self_crypto_id, :permissions_id, :joined_at) ON CONFLICT(chat_id) DO UPDATE SET group_id = :group_id, self_member_id = :self_member_id, name = :name, description = :description, picture = :picture, am_admin = :am_admin, self_crypto_id = :self_crypto_id, permissions_id = :permissions_id, joined_at = :joined_at", g); err != nil {
		return fmt.Errorf("storage: error upserting group: %w", err)
	}
	return nil
}

func (s *Store) GroupOrNil(chatID string) (*Group, error) {
	g := Group{}
	if err := s.Tx.Get(&g, "SELECT * FROM _groups WHERE chat_id = $1", chatID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: error getting group: %w", err)
	}
	return &g, nil
}

func (s *Store) DeleteGroup(chatID string) error {
	if _, err := s.Tx.Exec("DELETE FROM _groups WHERE chat_id = $1", chatID); err != nil {
		return fmt.Errorf("storage: error deleting group: %w", err)
	}
	return nil
}

func (s *Store) UpsertMember(m *GroupMember) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _group_members (chat_id, member_id, pair_hash, name, display_pic, is_admin, crypto_id, public_key_hash, joined_at, deleted) VALUES (:chat_id, :member_id, :pair_hash, :name, :display_pic, :is_admin, :crypto_id, :public_key_hash, :joined_at, :deleted) ON CONFLICT(chat_id, member_id) DO UPDATE SET pair_hash = :pair_hash, name = :name, display_pic = :display_pic, is_admin = :is_admin, crypto_id = :crypto_id, public_key_hash = :public_key_hash, joined_at = :joined_at, deleted = :deleted", m); err != nil {
		return fmt.Errorf("storage: error upserting group member: %w", err)
	}
	return nil
}

func (s *Store) MemberOrNil(chatID, memberID string) (*GroupMember, error) {
	m := GroupMember{}
	if err := s.Tx.Get(&m, "SELECT * FROM _group_members WHERE chat_id = $1 AND member_id = $2", chatID, memberID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: error getting group member: %w", err)
	}
	return &m, nil
}

// Members returns every member row including tombstoned ones, ordered by join time.
func (s *Store) Members(chatID string) ([]*GroupMember, error) {
	var ms []*GroupMember
	if err := s.Tx.Select(&ms, "SELECT * FROM _group_members WHERE chat_id = $1 ORDER BY joined_at, member_id", chatID); err != nil {
		return nil, fmt.Errorf("storage: error listing group members: %w", err)
	}
	return ms, nil
}

func (s *Store) DeleteMembers(chatID string) error {
	if _, err := s.Tx.Exec("DELETE FROM _group_members WHERE chat_id = $1", chatID); err != nil {
		return fmt.Errorf("storage: error deleting group members: %w", err)
	}
	return nil
}
