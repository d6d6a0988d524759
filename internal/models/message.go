package models

import (
	"errors"
	"time"
)

// MessageStatus is the transient delivery state of a locally originated message.
// Confirmed messages carry the zero value and are never serialized with a status.
type MessageStatus string

const (
	StatusConfirmed MessageStatus = ""
	StatusSending   MessageStatus = "sending"
	StatusFailed    MessageStatus = "failed"
)

// CanTransition reports whether a message may move from s to next.
//
//	sending -> confirmed | failed
//	failed  -> sending (retry re-enters as a new entry)
//
// Confirmed is terminal; removing an entry (discard, delete) is not a status change.
func (s MessageStatus) CanTransition(next MessageStatus) bool {
	switch s {
	case StatusSending:
		return next == StatusConfirmed || next == StatusFailed
	case StatusFailed:
		return next == StatusSending
	default:
		return false
	}
}

// Message is a direct message as rendered in a conversation.
type Message struct {
	// ID is the server-assigned identifier, or the temp id while unconfirmed
	ID string `json:"id"`

	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	SenderID       string     `json:"sender_id"`
	ConversationID string     `json:"conversation_id"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`

	// Sender is the backend's profile snapshot, read-only here
	Sender *Profile `json:"sender,omitempty"`

	Status MessageStatus `json:"status,omitempty"`
	TempID string        `json:"temp_id,omitempty"`
}

// Pending reports whether the message has not been confirmed by the backend.
func (m Message) Pending() bool {
	return m.Status != StatusConfirmed
}

var errInvalidEntry = errors.New("invalid message entry")

// Validate checks the identity invariant of a list entry: a confirmed entry has a
// server id and no temp id; a pending entry is keyed by its temp id.
func (m Message) Validate() error {
	switch m.Status {
	case StatusConfirmed:
		if m.ID == "" || m.TempID != "" {
			return errInvalidEntry
		}
	case StatusSending, StatusFailed:
		if m.TempID == "" || m.ID != m.TempID {
			return errInvalidEntry
		}
	default:
		return errInvalidEntry
	}
	return nil
}

// SendMessageRequest is the insert payload for a new message
type SendMessageRequest struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
}
