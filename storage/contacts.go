package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// TouchContact ensures a contact row exists for pairHash. A non-empty name only fills an empty one.
func (s *Store) TouchContact(pairHash, name, connectedOn string) error {
	if pairHash == "" {
		return nil
	}
	if _, err := s.Tx.Exec("INSERT INTO _contacts (pair_hash, name, connected_on) VALUES ($1, $2, $3) ON CONFLICT(pair_hash) DO UPDATE SET name = CASE WHEN _contacts.name = '' THEN excluded.name ELSE _contacts.name END", pairHash, name, connectedOn); err != nil {
		return fmt.Errorf("storage: error touching contact: %w", err)
	}
	return nil
}

func (s *Store) SetContactName(pairHash, name string) error {
	if pairHash == "" {
		return nil
	}
	if _, err := s.Tx.Exec("UPDATE _contacts SET name = $1 WHERE pair_hash = $2", name, pairHash); err != nil {
		return fmt.Errorf("storage: error setting contact name: %w", err)
	}
	return nil
}

func (s *Store) SetContactDisplayPic(pairHash, pic string) error {
	if pairHash == "" {
		return nil
	}
	if _, err := s.Tx.Exec("UPDATE _contacts SET display_pic = $1 WHERE pair_hash = $2", pic, pairHash); err != nil {
		return fmt.Errorf("storage: error setting contact picture: %w", err)
	}
	return nil
}

func (s *Store) ContactOrNil(pairHash string) (*Contact, error) {
	c := Contact{}
	if err := s.Tx.Get(&c, "SELECT * FROM _contacts WHERE pair_hash = $1", pairHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: error getting contact: %w", err)
	}
	return &c, nil
}

func (s *Store) Block(pairHash string) error {
	if _, err := s.Tx.Exec("INSERT INTO _blocked (pair_hash, blocked_at) VALUES ($1, $2) ON CONFLICT(pair_hash) DO NOTHING", pairHash, s.Now()); err != nil {
		return fmt.Errorf("storage: error blocking: %w", err)
	}
	return nil
}

func (s *Store) IsBlocked(pairHash string) (bool, error) {
	if pairHash == "" {
		return false, nil
	}
	var exists int
	if err := s.Tx.Get(&exists, "SELECT EXISTS(SELECT 1 FROM _blocked WHERE pair_hash = $1)", pairHash); err != nil {
		return false, fmt.Errorf("storage: error checking blocked: %w", err)
	}
	return exists == 1, nil
}

func (s *Store) Profile() (*Profile, error) {
	p := Profile{}
	if err := s.Tx.Get(&p, "SELECT * FROM _profile WHERE id = 1"); err != nil {
		return nil, fmt.Errorf("storage: error getting profile: %w", err)
	}
	return &p, nil
}

func (s *Store) SetProfile(name, displayPic string) error {
	if _, err := s.Tx.Exec("UPDATE _profile SET name = $1, display_pic = $2 WHERE id = 1", name, displayPic); err != nil {
		return fmt.Errorf("storage: error setting profile: %w", err)
	}
	return nil
}
