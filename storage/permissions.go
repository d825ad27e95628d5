package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

func (s *Store) UpsertPermissions(p *Permissions) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _permissions (id, notifications, auto_download, display_picture, read_receipts, contact_sharing, disappearing_messages) VALUES (:id, :notifications, :auto_download, :display_picture, :read_receipts, :contact_sharing, :disappearing_messages) ON CONFLICT(id) DO UPDATE SET notifications = :notifications, auto_download = :auto_download, display_picture = :display_picture, read_receipts = :read_receipts, contact_sharing = :contact_sharing, disappearing_messages = :disappearing_messages", p); err != nil {
		return fmt.Errorf("storage: error upserting permissions: %w", err)
	}
	return nil
}

func (s *Store) PermissionsOrNil(id string) (*Permissions, error) {
	p := Permissions{}
	if err := s.Tx.Get(&p, "SELECT * FROM _permissions WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: error getting permissions: %w", err)
	}
	return &p, nil
}

// PermissionsOrDefault never returns nil; missing rows read as the defaults.
func (s *Store) PermissionsOrDefault(id string) (*Permissions, error) {
	p, err := s.PermissionsOrNil(id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return DefaultPermissions(id), nil
	}
	return p, nil
}

// CopyPermissions stores a copy of the permissions at fromID under toID.
func (s *Store) CopyPermissions(fromID, toID string) error {
	p, err := s.PermissionsOrDefault(fromID)
	if err != nil {
		return err
	}
	cp := *p
	cp.ID = toID
	return s.UpsertPermissions(&cp)
}

func (s *Store) DeletePermissions(id string) error {
	if _, err := s.Tx.Exec("DELETE FROM _permissions WHERE id = $1", id); err != nil {
		return fmt.Errorf("storage: error deleting permissions: %w", err)
	}
	return nil
}
