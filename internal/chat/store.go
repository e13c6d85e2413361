package chat

import (
	"time"

	"github.com/google/uuid"

	"unichat/internal/models"
)

// Message is one entry of the in-memory conversation.
type Message struct {
	ID          string
	Role        models.Role
	Content     string
	Model       string
	Attachments []models.Attachment
	CreatedAt   time.Time
}

func (m Message) clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]models.Attachment(nil), m.Attachments...)
	}
	return m
}

// FromHistory converts a persisted message into a store entry.
func FromHistory(m models.Message) Message {
	var atts []models.Attachment
	for _, ref := range m.Attachments {
		atts = append(atts, ref.Attachment())
	}
	return Message{
		ID:          uuid.NewString(),
		Role:        m.Role,
		Content:     m.Content,
		Model:       m.Model,
		Attachments: atts,
		CreatedAt:   m.CreatedAt,
	}
}

// Store is the ordered message list of one conversation. It is owned by the
// session loop and is not safe for concurrent use.
type Store struct {
	msgs []Message
}

// NewStore returns a store holding msgs.
func NewStore(msgs ...Message) *Store {
	s := &Store{}
	for _, m := range msgs {
		s.Append(m)
	}
	return s
}

func (s *Store) Len() int {
	return len(s.msgs)
}

// Last returns the most recent message.
func (s *Store) Last() (Message, bool) {
	if len(s.msgs) == 0 {
		return Message{}, false
	}
	return s.msgs[len(s.msgs)-1].clone(), true
}

// Append adds m to the end, assigning an id and timestamp when missing.
func (s *Store) Append(m Message) Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m = m.clone()
	s.msgs = append(s.msgs, m)
	return m
}

// AppendToLast extends the content of the last message if it is an assistant
// message. It reports whether anything was appended.
func (s *Store) AppendToLast(delta string) bool {
	if len(s.msgs) == 0 {
		return false
	}
	last := &s.msgs[len(s.msgs)-1]
	if last.Role != models.RoleAssistant {
		return false
	}
	last.Content += delta
	return true
}

// Prepend places msgs in front of the current contents.
func (s *Store) Prepend(msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	merged := make([]Message, 0, len(msgs)+len(s.msgs))
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		merged = append(merged, m.clone())
	}
	s.msgs = append(merged, s.msgs...)
}

// Messages returns a copy of the contents.
func (s *Store) Messages() []Message {
	out := make([]Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.clone()
	}
	return out
}
