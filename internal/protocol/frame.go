// Package protocol defines the frames exchanged over the streaming chat socket.
//
// Inbound frames form a closed set: every concrete type implements Frame and
// Decode never returns a kind outside it.
package protocol

import (
	"errors"

	"unichat/internal/models"
)

// Wire discriminators.
const (
	TypeUserMessage = "user_message"
	TypeContent     = "content"
	TypeSystem      = "system"
	TypeError       = "error"

	EventChatID  = "chat_id"
	EventRoute   = "route"
	EventCost    = "cost"
	EventWarning = "warning"
)

// Close codes with protocol meaning.
const (
	CloseNormal = 1000
	// CloseAbnormal is reported when the socket dropped without a close frame.
	CloseAbnormal = 1006
	// CloseTerminal ends the session for good: insufficient credits or unauthorized.
	CloseTerminal = 1008
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownFrame   = errors.New("unknown frame")
)

// Frame is an inbound server frame.
type Frame interface {
	frame()
}

// ContentDelta is a piece of assistant text.
type ContentDelta struct {
	Delta string
}

// ConversationIDEvent carries the server-assigned conversation id.
type ConversationIDEvent struct {
	ConversationID string
}

// RouteEvent names the model that will answer the next assistant message.
type RouteEvent struct {
	Model string
}

// CostEvent reports the charge for the turn and marks its end.
type CostEvent struct {
	Cost string
}

// WarningEvent is an operator notice shown to the user.
type WarningEvent struct {
	Message string
}

// ErrorFrame reports a failed turn.
type ErrorFrame struct {
	Message string
}

func (ContentDelta) frame()        {}
func (ConversationIDEvent) frame() {}
func (RouteEvent) frame()          {}
func (CostEvent) frame()           {}
func (WarningEvent) frame()        {}
func (ErrorFrame) frame()          {}

// UserMessage is the single outbound frame kind.
type UserMessage struct {
	Content     string                 `json:"content"`
	Attachments []models.AttachmentRef `json:"attachments"`
}
