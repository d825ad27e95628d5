package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

func (s *Store) InsertMessage(m *Message) error {
	if m.Status == "" {
		m.Status = MessageStatusReceived
	}
	if m.Data == "" {
		m.Data = "{}"
	}
	if _, err := s.Tx.NamedExec("INSERT INTO _messages (chat_id, message_id, member_id, sender, content_type, data, reply_id, timestamp, expires_on, status, edited, deleted, should_download) VALUES (:chat_id, :message_id, :member_id, :sender, :content_type, :data, :reply_id, :timestamp, :expires_on, :status, :edited, :deleted, :should_download)", m); err != nil {
		return fmt.Errorf("storage: error inserting message: %w", err)
	}
	return nil
}

// MessageExists reports whether messageID has already been stored in chatID.
func (s *Store) MessageExists(chatID, messageID string) (bool, error) {
	var exists int
	if err := s.Tx.Get(&exists, "SELECT EXISTS(SELECT 1 FROM _messages WHERE chat_id = $1 AND message_id = $2)", chatID, messageID); err != nil {
		return false, fmt.Errorf("storage: error checking message %q: %w", messageID, err)
	}
	return exists == 1, nil
}

func (s *Store) MessageOrNil(chatID, messageID string) (*Message, error) {
	m := Message{}
	if err := s.Tx.Get(&m, "SELECT * FROM _messages WHERE chat_id = $1 AND message_id = $2", chatID, messageID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: error getting message: %w", err)
	}
	return &m, nil
}

func (s *Store) Messages(chatID string) ([]*Message, error) {
	var ms []*Message
	if err := s.Tx.Select(&ms, "SELECT * FROM _messages WHERE chat_id = $1 ORDER BY timestamp, rowid", chatID); err != nil {
		return nil, fmt.Errorf("storage: error listing messages: %w", err)
	}
	return ms, nil
}

func (s *Store) UpdateMessageData(chatID, messageID, data string, edited bool) error {
	if _, err := s.Tx.Exec("UPDATE _messages SET data = $1, edited = $2 WHERE chat_id = $3 AND message_id = $4", data, edited, chatID, messageID); err != nil {
		return fmt.Errorf("storage: error updating message data: %w", err)
	}
	return nil
}

func (s *Store) SetShouldDownload(chatID, messageID string, shouldDownload bool) error {
	if _, err := s.Tx.Exec("UPDATE _messages SET should_download = $1 WHERE chat_id = $2 AND message_id = $3", shouldDownload, chatID, messageID); err != nil {
		return fmt.Errorf("storage: error updating message download state: %w", err)
	}
	return nil
}

// MarkMessageDeleted clears the content of a message and leaves a deletion marker in its place.
func (s *Store) MarkMessageDeleted(chatID, messageID string) error {
	if _, err := s.Tx.Exec("UPDATE _messages SET deleted = 1, data = '{}', should_download = 0 WHERE chat_id = $1 AND message_id = $2", chatID, messageID); err != nil {
		return fmt.Errorf("storage: error deleting message: %w", err)
	}
	return nil
}

func (s *Store) UpdateMessageStatus(chatID, messageID string, status MessageStatus) error {
	if _, err := s.Tx.Exec("UPDATE _messages SET status = $1 WHERE chat_id = $2 AND message_id = $3", status, chatID, messageID); err != nil {
		return fmt.Errorf("storage: error updating message status: %w", err)
	}
	return nil
}

func (s *Store) DeleteMessages(chatID string) error {
	if _, err := s.Tx.Exec("DELETE FROM _messages WHERE chat_id = $1", chatID); err != nil {
		return fmt.Errorf("storage: error deleting messages: %w", err)
	}
	if _, err := s.Tx.Exec("DELETE FROM _reactions WHERE chat_id = $1", chatID); err != nil {
		return fmt.Errorf("storage: error deleting reactions: %w", err)
	}
	return nil
}

// DeleteExpiredMessages removes disappearing messages whose expiry is at or before nowMs.
func (s *Store) DeleteExpiredMessages(nowMs int64) (int64, error) {
	res, err := s.Tx.Exec("DELETE FROM _messages WHERE expires_on > 0 AND expires_on <= $1", nowMs)
	if err != nil {
		return 0, fmt.Errorf("storage: error deleting expired messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("storage: error counting expired messages: %w", err)
	}
	return n, nil
}

func (s *Store) UpsertReaction(r *Reaction) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _reactions (chat_id, message_id, member_id, reaction, timestamp) VALUES (:chat_id, :message_id, :member_id, :reaction, :timestamp) ON CONFLICT(chat_id, message_id, member_id) DO UPDATE SET reaction = :reaction, timestamp = :timestamp", r); err != nil {
		return fmt.Errorf("storage: error upserting reaction: %w", err)
	}
	return nil
}

func (s *Store) DeleteReaction(chatID, messageID, memberID string) error {
	if _, err := s.Tx.Exec("DELETE FROM _reactions WHERE chat_id = $1 AND message_id = $2 AND member_id = $3", chatID, messageID, memberID); err != nil {
		return fmt.Errorf("storage: error deleting reaction: %w", err)
	}
	return nil
}

func (s *Store) Reactions(chatID, messageID string) ([]*Reaction, error) {
	var rs []*Reaction
	if err := s.Tx.Select(&rs, "SELECT * FROM _reactions WHERE chat_id = $1 AND message_id = $2 ORDER BY member_id", chatID, messageID); err != nil {
		return nil, fmt.Errorf("storage: error listing reactions: %w", err)
	}
	return rs, nil
}
