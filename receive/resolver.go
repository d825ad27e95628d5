package receive

import "github.com/meow-io/go-portmsg/storage"

// Resolver maps routing ids from the server to local chat ids. It must be called inside a transaction.
type Resolver struct {
	store *storage.Store
}

func NewResolver(s *storage.Store) *Resolver {
	return &Resolver{store: s}
}

// Resolve returns the chat for routingID. When there is none, the routing id is returned with found
// set to false, since a chat created by a new line is keyed by that line id.
func (r *Resolver) Resolve(routingID string) (string, bool, error) {
	chatID, found, err := r.store.ChatIDForRoutingID(routingID)
	if err != nil {
		return "", false, err
	}
	if !found {
		return routingID, false, nil
	}
	return chatID, true, nil
}
