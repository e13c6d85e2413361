package protocol

import (
	"fmt"
	"net/url"
)

// Connect query keys.
const (
	QueryToken  = "token"
	QueryModel  = "model"
	QueryChatID = "chat_id"
)

// ConnectParams parameterise one socket connection.
type ConnectParams struct {
	Token          string
	Model          string
	ConversationID string
}

// URL appends the parameters to the gateway base URL.
func (p ConnectParams) URL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported gateway scheme %q", u.Scheme)
	}
	q := u.Query()
	if p.Token != "" {
		q.Set(QueryToken, p.Token)
	}
	if p.Model != "" {
		q.Set(QueryModel, p.Model)
	}
	if p.ConversationID != "" {
		q.Set(QueryChatID, p.ConversationID)
	} else {
		q.Del(QueryChatID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ParseConnectParams reads the parameters back from a request query.
func ParseConnectParams(q url.Values) ConnectParams {
	return ConnectParams{
		Token:          q.Get(QueryToken),
		Model:          q.Get(QueryModel),
		ConversationID: q.Get(QueryChatID),
	}
}
