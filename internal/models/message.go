package models

import "time"

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a persisted conversation entry as served by the history endpoint.
type Message struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id,omitempty"`
	ConversationID string          `json:"conversation_id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Model          string          `json:"model,omitempty"`
	Attachments    []AttachmentRef `json:"attachments,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Attachment is the display metadata of a file attached to a chat message.
type Attachment struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// AttachmentRef references a file that was already uploaded to the backend.
type AttachmentRef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// Attachment drops the server-side identity of the reference.
func (r AttachmentRef) Attachment() Attachment {
	return Attachment{Name: r.Name, Size: r.Size, MimeType: r.MimeType}
}
