package models

import "time"

// OnlineThreshold is how long an online flag stays fresh without a heartbeat.
const OnlineThreshold = 30 * time.Second

// OnlineStatus is the single mutable presence row of a user.
type OnlineStatus struct {
	UserID    string    `json:"user_id"`
	IsOnline  bool      `json:"is_online"`
	LastSeen  time.Time `json:"last_seen"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// FreshAt reports whether the user counts as online at now.
// A set flag alone is not enough: clients that crash never announce going offline.
func (s OnlineStatus) FreshAt(now time.Time) bool {
	return s.IsOnline && now.Sub(s.LastSeen) < OnlineThreshold
}

// TypingStatus is the single mutable typing row of a user in a conversation.
type TypingStatus struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	IsTyping       bool      `json:"is_typing"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// TypingAt reports whether the row shows the user typing at now.
// Rows without an updated_at are trusted as-is.
func (s TypingStatus) TypingAt(now time.Time) bool {
	if !s.IsTyping {
		return false
	}
	if s.UpdatedAt.IsZero() {
		return true
	}
	return now.Sub(s.UpdatedAt) < OnlineThreshold
}

// OnlineStatusUpdate is the upsert payload for a heartbeat
type OnlineStatusUpdate struct {
	UserID   string    `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

// TypingStatusUpdate is the upsert payload for a typing change
type TypingStatusUpdate struct {
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	IsTyping       bool      `json:"is_typing"`
	UpdatedAt      time.Time `json:"updated_at"`
}
