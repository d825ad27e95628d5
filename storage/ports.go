package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

func (s *Store) UpsertPort(p *Port) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _ports (port_id, version, label, crypto_id, permissions_id, folder_id, expires_at, superport, pair_hash) VALUES (:port_id, :version, :label, :crypto_id, :permissions_id, :folder_id, :expires_at, :superport, :pair_hash) ON CONFLICT(port_id) DO UPDATE SET label = :label, folder_id = :folder_id, expires_at = :expires_at, pair_hash = :pair_hash", p); err != nil {
		return fmt.Errorf("storage: error upserting port: %w", err)
	}
	return nil
}

func (s *Store) PortOrNil(portID string) (*Port, error) {
	p := Port{}
	if err := s.Tx.Get(&p, "SELECT * FROM _ports WHERE port_id = $1", portID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: error getting port: %w", err)
	}
	return &p, nil
}

func (s *Store) Ports() ([]*Port, error) {
	var ps []*Port
	if err := s.Tx.Select(&ps, "SELECT * FROM _ports ORDER BY port_id"); err != nil {
		return nil, fmt.Errorf("storage: error listing ports: %w", err)
	}
	return ps, nil
}

func (s *Store) DeletePort(portID string) error {
	if _, err := s.Tx.Exec("DELETE FROM _ports WHERE port_id = $1", portID); err != nil {
		return fmt.Errorf("storage: error deleting port: %w", err)
	}
	return nil
}
