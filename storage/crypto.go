package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

func (s *Store) UpsertCrypto(c *CryptoRow) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _crypto (id, private_key, public_key, peer_public_key, peer_public_key_hash, shared_secret, nonce, rad) VALUES (:id, :private_key, :public_key, :peer_public_key, :peer_public_key_hash, :shared_secret, :nonce, :rad) ON CONFLICT(id) DO UPDATE SET private_key = :private_key, public_key = :public_key, peer_public_key = :peer_public_key, peer_public_key_hash = :peer_public_key_hash, shared_secret = :shared_secret, nonce = :nonce, rad = :rad", c); err != nil {
		return fmt.Errorf("storage: error upserting crypto: %w", err)
	}
	return nil
}

func (s *Store) CryptoOrNil(id string) (*CryptoRow, error) {
	c := CryptoRow{}
	if err := s.Tx.Get(&c, "SELECT * FROM _crypto WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: error getting crypto: %w", err)
	}
	return &c, nil
}

func (s *Store) DeleteCrypto(id string) error {
	if _, err := s.Tx.Exec("DELETE FROM _crypto WHERE id = $1", id); err != nil {
		return fmt.Errorf("storage: error deleting crypto: %w", err)
	}
	return nil
}

func (s *Store) CryptoCount() (int, error) {
	var n int
	if err := s.Tx.Get(&n, "SELECT count(*) FROM _crypto"); err != nil {
		return 0, fmt.Errorf("storage: error counting crypto: %w", err)
	}
	return n, nil
}
