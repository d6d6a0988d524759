package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// MessageColumns selects a message together with its sender profile.
// PostgREST may render the joined relation as an object or as a one-element array.
const MessageColumns = "id,content,created_at,deleted_at,sender_id,conversation_id,sender:profiles!sender_id(*)"

// MessageRow is a raw messages row as returned by the backend.
type MessageRow struct {
	ID             string          `json:"id"`
	Content        string          `json:"content"`
	CreatedAt      time.Time       `json:"created_at"`
	DeletedAt      *time.Time      `json:"deleted_at"`
	SenderID       string          `json:"sender_id"`
	ConversationID string          `json:"conversation_id"`
	Sender         json.RawMessage `json:"sender"`
}

// Project normalizes a raw row into a confirmed Message. It never fails: a missing
// or malformed sender relation becomes a nil Sender.
func (r MessageRow) Project() Message {
	return Message{
		ID:             r.ID,
		Content:        r.Content,
		CreatedAt:      r.CreatedAt,
		DeletedAt:      r.DeletedAt,
		SenderID:       r.SenderID,
		ConversationID: r.ConversationID,
		Sender:         ProjectProfile(r.Sender),
	}
}

// ProjectRows projects every row, preserving order.
func ProjectRows(rows []MessageRow) []Message {
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Project())
	}
	return out
}

// ProjectProfile decodes a joined profile relation given as null, an object or a list.
func ProjectProfile(raw json.RawMessage) *Profile {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}

	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil || len(items) == 0 {
			return nil
		}
		first := bytes.TrimSpace(items[0])
		if len(first) == 0 || first[0] != '{' {
			return nil
		}
		return decodeProfile(first)
	case '{':
		return decodeProfile(raw)
	default:
		return nil
	}
}

func decodeProfile(raw json.RawMessage) *Profile {
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return nil
	}
	return &p
}
