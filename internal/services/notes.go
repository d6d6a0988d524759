package services

import (
	"context"
	"fmt"
	"time"

	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/supabase"
)

const notesTable = "personal_notes"

// NoteService reads and writes a user's personal notes.
type NoteService struct {
	db  DB
	now func() time.Time
}

// NewNoteService creates a new NoteService instance.
func NewNoteService(db DB) *NoteService {
	return &NoteService{db: db, now: time.Now}
}

// Load returns the user's note. A user without a note gets an empty one.
func (s *NoteService) Load(ctx context.Context, userID string) (models.PersonalNote, error) {
	var note models.PersonalNote
	found, err := s.db.SelectOne(ctx, supabase.From(notesTable).Where(supabase.Eq("user_id", userID)), &note)
	if err != nil {
		return models.PersonalNote{}, fmt.Errorf("failed to load notes: %w", err)
	}
	if !found {
		return models.PersonalNote{UserID: userID}, nil
	}
	return note, nil
}

// Save replaces the user's note with content.
func (s *NoteService) Save(ctx context.Context, userID, content string) (models.PersonalNote, error) {
	note := models.PersonalNote{
		UserID:    userID,
		Content:   content,
		UpdatedAt: s.now().UTC(),
	}
	if err := s.db.Upsert(ctx, notesTable, note, "user_id"); err != nil {
		return models.PersonalNote{}, fmt.Errorf("failed to save notes: %w", err)
	}
	return note, nil
}
