package models

import (
	"encoding/json"
	"time"
)

// Principal is the authenticated user behind a session token.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Profile is the public profile of a user.
// The backend owns profiles; this application only reads them.
type Profile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	FullName  string    `json:"full_name,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	IsAdmin   bool      `json:"is_admin,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Conversation is a direct conversation between two participants.
// The pair is unordered and not unique: duplicates between the same users are tolerated.
type Conversation struct {
	ID             string    `json:"id"`
	Participant1ID string    `json:"participant1_id"`
	Participant2ID string    `json:"participant2_id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	Participant1 *Profile `json:"participant1,omitempty"`
	Participant2 *Profile `json:"participant2,omitempty"`
}

// ConversationColumns selects a conversation with both participant profiles.
const ConversationColumns = "*,participant1:profiles!conversations_participant1_id_fkey(*),participant2:profiles!conversations_participant2_id_fkey(*)"

// ConversationRow is a raw conversations row with its joined relations.
type ConversationRow struct {
	ID             string          `json:"id"`
	Participant1ID string          `json:"participant1_id"`
	Participant2ID string          `json:"participant2_id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Participant1   json.RawMessage `json:"participant1"`
	Participant2   json.RawMessage `json:"participant2"`
}

// Project normalizes the joined participant relations.
func (r ConversationRow) Project() Conversation {
	return Conversation{
		ID:             r.ID,
		Participant1ID: r.Participant1ID,
		Participant2ID: r.Participant2ID,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		Participant1:   ProjectProfile(r.Participant1),
		Participant2:   ProjectProfile(r.Participant2),
	}
}

// IsSelf reports whether both participants are the same user.
func (c Conversation) IsSelf() bool {
	return c.Participant1ID == c.Participant2ID
}

// OtherParticipant returns the id of the participant who is not userID.
func (c Conversation) OtherParticipant(userID string) string {
	if c.Participant1ID == userID {
		return c.Participant2ID
	}
	return c.Participant1ID
}

// OtherProfile returns the joined profile of the participant who is not userID.
func (c Conversation) OtherProfile(userID string) *Profile {
	if c.Participant1ID == userID {
		return c.Participant2
	}
	return c.Participant1
}

// CreateConversationRequest is the insert payload for a conversation
type CreateConversationRequest struct {
	Participant1ID string `json:"participant1_id"`
	Participant2ID string `json:"participant2_id"`
}
