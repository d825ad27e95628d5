// Package storage persists conversations, messages, crypto sessions and ports in the encrypted database.
// Every method expects to be called inside a transaction started with Run or RunReadOnly.
package storage

import (
	"database/sql"

	"github.com/meow-io/go-portmsg/clock"
	"github.com/meow-io/go-portmsg/config"
	"github.com/meow-io/go-portmsg/internal/db"
	"github.com/meow-io/go-portmsg/internal/migration"
	"go.uber.org/zap"
)

type Store struct {
	*db.Database
	log   *zap.SugaredLogger
	clock clock.Clock
}

func New(c *config.Config, d *db.Database, cl clock.Clock) (*Store, error) {
	s := &Store{
		Database: d,
		log:      c.Logger("storage"),
		clock:    cl,
	}
	if err := d.Migrate("_storage", migrations); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Clock() clock.Clock {
	return s.clock
}

// Now is the current time formatted for storage.
func (s *Store) Now() string {
	return clock.ISO(s.clock.Now())
}

var migrations = []*migration.Migration{
	{
		Name: "Create initial tables",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
	CREATE TABLE _permissions (
		id TEXT PRIMARY KEY NOT NULL,
		notifications BOOLEAN NOT NULL DEFAULT 1,
		auto_download BOOLEAN NOT NULL DEFAULT 1,
		display_picture BOOLEAN NOT NULL DEFAULT 1,
		read_receipts BOOLEAN NOT NULL DEFAULT 1,
		contact_sharing BOOLEAN NOT NULL DEFAULT 1,
		disappearing_messages INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE _crypto (
		id TEXT PRIMARY KEY NOT NULL,
		private_key BLOB,
		public_key BLOB,
		peer_public_key BLOB,
		peer_public_key_hash TEXT NOT NULL DEFAULT '',
		shared_secret BLOB,
		nonce TEXT NOT NULL DEFAULT '',
		rad TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE _connections (
		chat_id TEXT PRIMARY KEY NOT NULL,
		type INTEGER NOT NULL,
		routing_id TEXT NOT NULL UNIQUE,
		pair_hash TEXT NOT NULL DEFAULT '',
		folder_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		display_pic TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		recent_content_type TEXT NOT NULL DEFAULT '',
		read_status TEXT NOT NULL DEFAULT 'read',
		timestamp TEXT NOT NULL DEFAULT '',
		new_message_count INTEGER NOT NULL DEFAULT 0,
		latest_message_id TEXT NOT NULL DEFAULT '',
		disconnected BOOLEAN NOT NULL DEFAULT 0
	);
	CREATE INDEX _connections_pair_hash ON _connections (pair_hash);
	CREATE TABLE _lines (
		chat_id TEXT PRIMARY KEY NOT NULL,
		line_id TEXT NOT NULL UNIQUE,
		crypto_id TEXT NOT NULL,
		permissions_id TEXT NOT NULL,
		port_id TEXT NOT NULL DEFAULT '',
		authenticated BOOLEAN NOT NULL DEFAULT 0
	);
	CREATE TABLE _groups (
		chat_id TEXT PRIMARY KEY NOT NULL,
		group_id TEXT NOT NULL UNIQUE,
		self_member_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		picture TEXT NOT NULL DEFAULT '',
		am_admin BOOLEAN NOT NULL DEFAULT 0,
		self_crypto_id TEXT NOT NULL,
		permissions_id TEXT NOT NULL,
		joined_at TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE _group_members (
		chat_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		pair_hash TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		display_pic TEXT NOT NULL DEFAULT '',
		is_admin BOOLEAN NOT NULL DEFAULT 0,
		crypto_id TEXT NOT NULL DEFAULT '',
		public_key_hash TEXT NOT NULL DEFAULT '',
		joined_at TEXT NOT NULL DEFAULT '',
		deleted BOOLEAN NOT NULL DEFAULT 0,
		PRIMARY KEY (chat_id, member_id)
	);
	CREATE TABLE _messages (
		chat_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		member_id TEXT NOT NULL DEFAULT '',
		sender BOOLEAN NOT NULL DEFAULT 0,
		content_type TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		reply_id TEXT NOT NULL DEFAULT '',
		timestamp TEXT NOT NULL,
		expires_on INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'received',
		edited BOOLEAN NOT NULL DEFAULT 0,
		deleted BOOLEAN NOT NULL DEFAULT 0,
		should_download BOOLEAN NOT NULL DEFAULT 0,
		PRIMARY KEY (chat_id, message_id)
	);
	CREATE TABLE _reactions (
		chat_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		reaction TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		PRIMARY KEY (chat_id, message_id, member_id)
	);
	CREATE TABLE _ports (
		port_id TEXT PRIMARY KEY NOT NULL,
		version TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		crypto_id TEXT NOT NULL,
		permissions_id TEXT NOT NULL,
		folder_id TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL DEFAULT 0,
		superport BOOLEAN NOT NULL DEFAULT 0
	);
	CREATE TABLE _contacts (
		pair_hash TEXT PRIMARY KEY NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		display_pic TEXT NOT NULL DEFAULT '',
		connected_on TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE _blocked (
		pair_hash TEXT PRIMARY KEY NOT NULL,
		blocked_at TEXT NOT NULL
	);
	CREATE TABLE _profile (
		id INTEGER PRIMARY KEY NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		display_pic TEXT NOT NULL DEFAULT ''
	);
	INSERT INTO _profile (id, name, display_pic) VALUES (1, '', '');
`)
			return err
		},
	},
	{
		Name: "Ports remember the pair they connect",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`ALTER TABLE _ports ADD COLUMN pair_hash TEXT NOT NULL DEFAULT ''`)
			return err
		},
	},
}
