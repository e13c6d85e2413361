package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"unichat/internal/models"
)

type wireFrame struct {
	Type    string          `json:"type"`
	Delta   *string         `json:"delta,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
}

type wireUserMessage struct {
	Type        string                 `json:"type"`
	Content     string                 `json:"content"`
	Attachments []models.AttachmentRef `json:"attachments"`
}

// Decode parses one inbound frame.
func Decode(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch w.Type {
	case TypeContent:
		if w.Delta == nil {
			return nil, fmt.Errorf("%w: content frame without delta", ErrMalformedFrame)
		}
		return ContentDelta{Delta: *w.Delta}, nil
	case TypeSystem:
		payload, err := payloadText(w.Payload)
		if err != nil {
			return nil, err
		}
		switch w.Event {
		case EventChatID:
			if payload == "" {
				return nil, fmt.Errorf("%w: empty chat_id", ErrMalformedFrame)
			}
			return ConversationIDEvent{ConversationID: payload}, nil
		case EventRoute:
			return RouteEvent{Model: payload}, nil
		case EventCost:
			return CostEvent{Cost: payload}, nil
		case EventWarning:
			return WarningEvent{Message: payload}, nil
		default:
			return nil, fmt.Errorf("%w: system event %q", ErrUnknownFrame, w.Event)
		}
	case TypeError:
		return ErrorFrame{Message: w.Message}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnknownFrame, w.Type)
	}
}

// payloadText accepts a JSON string, or keeps any other scalar verbatim.
func payloadText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: payload: %v", ErrMalformedFrame, err)
		}
		return s, nil
	}
	if raw[0] == '{' || raw[0] == '[' {
		return "", fmt.Errorf("%w: payload must be a scalar", ErrMalformedFrame)
	}
	return string(raw), nil
}

// Encode serializes an inbound frame; the gateway uses it to write to clients.
func Encode(f Frame) ([]byte, error) {
	var w wireFrame
	switch v := f.(type) {
	case ContentDelta:
		delta := v.Delta
		w = wireFrame{Type: TypeContent, Delta: &delta}
	case ConversationIDEvent:
		w = systemFrame(EventChatID, v.ConversationID)
	case RouteEvent:
		w = systemFrame(EventRoute, v.Model)
	case CostEvent:
		w = systemFrame(EventCost, v.Cost)
	case WarningEvent:
		w = systemFrame(EventWarning, v.Message)
	case ErrorFrame:
		w = wireFrame{Type: TypeError, Message: v.Message}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownFrame, f)
	}
	return json.Marshal(w)
}

func systemFrame(event, payload string) wireFrame {
	raw, _ := json.Marshal(payload)
	return wireFrame{Type: TypeSystem, Event: event, Payload: raw}
}

// EncodeUserMessage serializes the outbound user_message frame.
func EncodeUserMessage(m UserMessage) ([]byte, error) {
	attachments := m.Attachments
	if attachments == nil {
		attachments = []models.AttachmentRef{}
	}
	return json.Marshal(wireUserMessage{Type: TypeUserMessage, Content: m.Content, Attachments: attachments})
}

// DecodeUserMessage parses an outbound frame on the gateway side.
func DecodeUserMessage(data []byte) (UserMessage, error) {
	var w wireUserMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return UserMessage{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if w.Type != TypeUserMessage {
		return UserMessage{}, fmt.Errorf("%w: type %q", ErrUnknownFrame, w.Type)
	}
	return UserMessage{Content: w.Content, Attachments: w.Attachments}, nil
}
