package receive

// Event describes a committed change, published on Router.Updates for whatever renders conversations.
type Event interface {
	EventChatID() string
}

type MessageAdded struct {
	ChatID      string
	MessageID   string
	ContentType string
}

func (e *MessageAdded) EventChatID() string { return e.ChatID }

// MessageChanged reports an edit, deletion, status change or enrichment of a stored message.
type MessageChanged struct {
	ChatID    string
	MessageID string
}

func (e *MessageChanged) EventChatID() string { return e.ChatID }

type ReactionChanged struct {
	ChatID    string
	MessageID string
	MemberID  string
}

func (e *ReactionChanged) EventChatID() string { return e.ChatID }

// ConnectionChanged reports a change to the chat list entry: preview, name, picture, connection state.
type ConnectionChanged struct {
	ChatID string
}

func (e *ConnectionChanged) EventChatID() string { return e.ChatID }

type MembershipChanged struct {
	ChatID   string
	MemberID string
}

func (e *MembershipChanged) EventChatID() string { return e.ChatID }

type PermissionsChanged struct {
	ChatID string
}

func (e *PermissionsChanged) EventChatID() string { return e.ChatID }
