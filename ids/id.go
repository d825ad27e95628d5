// This package defines the string ids used throughout portmsg. They are random uuids rendered as hex.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewMessageID returns an id suitable for a locally generated message. Remote message ids are opaque strings.
func NewMessageID() string {
	return uuid.NewString()
}

// Valid reports whether s looks like an id produced by NewID.
func Valid(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
