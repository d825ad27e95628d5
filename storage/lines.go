package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

func (s *Store) UpsertLine(l *Line) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _lines (chat_id, line_id, crypto_id, permissions_id, port_id, authenticated) VALUES (:chat_id, :line_id, :crypto_id, :permissions_id, :port_id, :authenticated) ON CONFLICT(chat_id) DO UPDATE SET line_id = :line_id, crypto_id = :crypto_id, permissions_id = :permissions_id, port_id = :port_id, authenticated = :authenticated", l); err != nil {
		return fmt.Errorf("storage: error upserting line: %w", err)
	}
	return nil
}

func (s *Store) LineOrNil(chatID string) (*Line, error) {
	l := Line{}
	if err := s.Tx.Get(&l, "SELECT * FROM _lines WHERE chat_id = $1", chatID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: error getting line: %w", err)
	}
	return &l, nil
}

func (s *Store) LineExists(lineID string) (bool, error) {
	var exists int
	if err := s.Tx.Get(&exists, "SELECT EXISTS(SELECT 1 FROM _lines WHERE line_id = $1)", lineID); err != nil {
		return false, fmt.Errorf("storage: error checking line %q: %w", lineID, err)
	}
	return exists == 1, nil
}

func (s *Store) SetAuthenticated(chatID string) error {
	if _, err := s.Tx.Exec("UPDATE _lines SET authenticated = 1 WHERE chat_id = $1", chatID); err != nil {
		return fmt.Errorf("storage: error authenticating line: %w", err)
	}
	return nil
}

func (s *Store) DeleteLine(chatID string) error {
	if _, err := s.Tx.Exec("DELETE FROM _lines WHERE chat_id = $1", chatID); err != nil {
		return fmt.Errorf("storage: error deleting line: %w", err)
	}
	return nil
}
