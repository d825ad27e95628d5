package receive

import (
	"fmt"

	"github.com/meow-io/go-portmsg/storage"
)

// Guard rejects messages already stored for a chat.
type Guard struct {
	store *storage.Store
}

func NewGuard(s *storage.Store) *Guard {
	return &Guard{store: s}
}

func (g *Guard) Check(chatID, messageID string) error {
	exists, err := g.store.MessageExists(chatID, messageID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s/%s", ErrAlreadyProcessed, chatID, messageID)
	}
	return nil
}
