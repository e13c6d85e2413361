package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrIdentityMismatch is returned when the server reports a conversation id
	// different from the one the session already holds.
	ErrIdentityMismatch = errors.New("conversation id mismatch")
	ErrEmptyIdentity    = errors.New("empty conversation id")
)

// Navigator receives the resolved conversation id so the surrounding UI can
// update its location without remounting the session.
type Navigator interface {
	ReplaceConversation(conversationID string)
}

// Identity is the conversation id of a session. It is set at most once.
type Identity struct {
	id      string
	resumed bool
}

// NewIdentity returns an identity for a resumed conversation, or an unresolved
// one when id is empty.
func NewIdentity(id string) *Identity {
	return &Identity{id: id, resumed: id != ""}
}

func (i *Identity) ID() string {
	return i.id
}

// Resumed reports whether the id was supplied by the caller.
func (i *Identity) Resumed() bool {
	return i.resumed
}

// Resolved reports whether an id is known.
func (i *Identity) Resolved() bool {
	return i.id != ""
}

// Resolve records the server-assigned id. It reports true only on the first
// resolution of a new conversation. Repeating the current id is a no-op.
func (i *Identity) Resolve(serverID string) (bool, error) {
	if serverID == "" {
		return false, ErrEmptyIdentity
	}
	if i.id == "" {
		i.id = serverID
		return true, nil
	}
	if i.id == serverID {
		return false, nil
	}
	return false, fmt.Errorf("%w: have %q, server sent %q", ErrIdentityMismatch, i.id, serverID)
}
