package models

import "time"

// PersonalNote is a user's private scratchpad. One row per user.
type PersonalNote struct {
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReadReceipt records that a user has read a message.
type ReadReceipt struct {
	UserID    string    `json:"user_id"`
	MessageID string    `json:"message_id"`
	ReadAt    time.Time `json:"read_at"`
}
