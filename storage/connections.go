package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const connectionColumns = "chat_id, type, routing_id, pair_hash, folder_id, name, display_pic, text, recent_content_type, read_status, timestamp, new_message_count, latest_message_id, disconnected"

func (s *Store) InsertConnection(c *Connection) error {
	if c.ReadStatus == "" {
		c.ReadStatus = ReadStatusRead
	}
	if _, err := s.Tx.NamedExec("INSERT INTO _connections ("+connectionColumns+") VALUES (:chat_id, :type, :routing_id, :pair_hash, :folder_id, :name, :display_pic, :text, :recent_content_type, :read_status, :timestamp, :new_message_count, :latest_message_id, :disconnected)", c); err != nil {
		return fmt.Errorf("storage: error inserting connection: %w", err)
	}
	return nil
}

func (s *Store) UpdateConnection(c *Connection) error {
	if _, err := s.Tx.NamedExec("UPDATE _connections SET routing_id = :routing_id, pair_hash = :pair_hash, folder_id = :folder_id, name = :name, display_pic = :display_pic, text = :text, recent_content_type = :recent_content_type, read_status = :read_status, timestamp = :timestamp, new_message_count = :new_message_count, latest_message_id = :latest_message_id, disconnected = :disconnected WHERE chat_id = :chat_id", c); err != nil {
		return fmt.Errorf("storage: error updating connection: %w", err)
	}
	return nil
}

func (s *Store) ConnectionOrNil(chatID string) (*Connection, error) {
	c := Connection{}
	if err := s.Tx.Get(&c, "SELECT * FROM _connections WHERE chat_id = $1", chatID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: error getting connection: %w", err)
	}
	return &c, nil
}

// DirectConnectionForPairHashOrNil returns the direct chat previously established with the holder of pairHash.
func (s *Store) DirectConnectionForPairHashOrNil(pairHash string) (*Connection, error) {
	if pairHash == "" {
		return nil, nil
	}
	c := Connection{}
	if err := s.Tx.Get(&c, "SELECT * FROM _connections WHERE pair_hash = $1 AND type = $2 LIMIT 1", pairHash, ConnectionTypeDirect); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: error getting connection for pair hash: %w", err)
	}
	return &c, nil
}

// ChatIDForRoutingID maps a server routing id (line id or group id) to the local chat id.
func (s *Store) ChatIDForRoutingID(routingID string) (string, bool, error) {
	var chatID string
	if err := s.Tx.Get(&chatID, "SELECT chat_id FROM _connections WHERE routing_id = $1", routingID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("storage: error resolving routing id: %w", err)
	}
	return chatID, true, nil
}

func (s *Store) Connections() ([]*Connection, error) {
	var cs []*Connection
	if err := s.Tx.Select(&cs, "SELECT * FROM _connections ORDER BY timestamp DESC"); err != nil {
		return nil, fmt.Errorf("storage: error listing connections: %w", err)
	}
	return cs, nil
}

func (s *Store) SetDisconnected(chatID string, disconnected bool) error {
	if _, err := s.Tx.Exec("UPDATE _connections SET disconnected = $1 WHERE chat_id = $2", disconnected, chatID); err != nil {
		return fmt.Errorf("storage: error setting disconnected: %w", err)
	}
	return nil
}

func (s *Store) SetConnectionName(chatID, name string) error {
	if _, err := s.Tx.Exec("UPDATE _connections SET name = $1 WHERE chat_id = $2", name, chatID); err != nil {
		return fmt.Errorf("storage: error setting connection name: %w", err)
	}
	return nil
}

func (s *Store) SetConnectionDisplayPic(chatID, pic string) error {
	if _, err := s.Tx.Exec("UPDATE _connections SET display_pic = $1 WHERE chat_id = $2", pic, chatID); err != nil {
		return fmt.Errorf("storage: error setting connection picture: %w", err)
	}
	return nil
}

// Preview is what a newly received message contributes to the chat list row.
type Preview struct {
	Text        string
	ContentType string
	MessageID   string
	Timestamp   string
}

// BumpPreview records a newly received message: it replaces the preview and increments the unread count.
func (s *Store) BumpPreview(chatID string, p Preview) error {
	if _, err := s.Tx.Exec("UPDATE _connections SET text = $1, recent_content_type = $2, latest_message_id = $3, timestamp = $4, read_status = $5, new_message_count = new_message_count + 1 WHERE chat_id = $6", p.Text, p.ContentType, p.MessageID, p.Timestamp, ReadStatusNew, chatID); err != nil {
		return fmt.Errorf("storage: error updating preview: %w", err)
	}
	return nil
}

// SetPreview replaces the preview without touching unread state.
func (s *Store) SetPreview(chatID string, p Preview) error {
	if _, err := s.Tx.Exec("UPDATE _connections SET text = $1, recent_content_type = $2, latest_message_id = $3, timestamp = $4 WHERE chat_id = $5", p.Text, p.ContentType, p.MessageID, p.Timestamp, chatID); err != nil {
		return fmt.Errorf("storage: error setting preview: %w", err)
	}
	return nil
}

func (s *Store) MarkRead(chatID string) error {
	if _, err := s.Tx.Exec("UPDATE _connections SET read_status = $1, new_message_count = 0 WHERE chat_id = $2", ReadStatusRead, chatID); err != nil {
		return fmt.Errorf("storage: error marking read: %w", err)
	}
	return nil
}

func (s *Store) DeleteConnection(chatID string) error {
	if _, err := s.Tx.Exec("DELETE FROM _connections WHERE chat_id = $1", chatID); err != nil {
		return fmt.Errorf("storage: error deleting connection: %w", err)
	}
	return nil
}
