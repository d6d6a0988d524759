package services

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/supabase"
)

const (
	conversationsTable = "conversations"
	profilesTable      = "profiles"
)

// ConversationService lists and starts direct conversations for a user.
type ConversationService struct {
	db DB
}

// NewConversationService creates a new ConversationService instance.
func NewConversationService(db DB) *ConversationService {
	return &ConversationService{db: db}
}

// List returns the conversations userID takes part in, most recently updated
// first, with both participant profiles joined. Self-conversations are skipped.
func (s *ConversationService) List(ctx context.Context, userID string) ([]models.Conversation, error) {
	var rows []models.ConversationRow
	q := supabase.From(conversationsTable).
		Select(models.ConversationColumns).
		Either(supabase.Eq("participant1_id", userID), supabase.Eq("participant2_id", userID)).
		OrderBy(supabase.Desc("updated_at"))
	if err := s.db.Select(ctx, q, &rows); err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	out := make([]models.Conversation, 0, len(rows))
	for _, r := range rows {
		c := r.Project()
		if c.IsSelf() {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Get returns the conversation with id if userID takes part in it.
func (s *ConversationService) Get(ctx context.Context, userID, id string) (models.Conversation, error) {
	var row models.ConversationRow
	found, err := s.db.SelectOne(ctx, supabase.From(conversationsTable).
		Select(models.ConversationColumns).
		Where(supabase.Eq("id", id)), &row)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	c := row.Project()
	if !found || (c.Participant1ID != userID && c.Participant2ID != userID) {
		return models.Conversation{}, ErrConversationNotFound
	}
	return c, nil
}

// Start finds the user whose username matches query and returns the
// conversation with them, creating it when none exists in either direction.
// Two concurrent starts may both create a row; duplicates are tolerated.
func (s *ConversationService) Start(ctx context.Context, userID, query string) (models.Conversation, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return models.Conversation{}, ErrUserNotFound
	}

	var other models.Profile
	found, err := s.db.SelectOne(ctx, supabase.From(profilesTable).Where(
		supabase.ILike("username", escapeLike(query)),
		supabase.Neq("id", userID),
	), &other)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to find user: %w", err)
	}
	if !found {
		return models.Conversation{}, ErrUserNotFound
	}
	if other.ID == userID {
		return models.Conversation{}, ErrSelfConversation
	}

	existing, err := s.find(ctx, userID, other.ID)
	if err != nil {
		return models.Conversation{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	var row models.ConversationRow
	err = s.db.Insert(ctx, conversationsTable, models.CreateConversationRequest{
		Participant1ID: userID,
		Participant2ID: other.ID,
	}, models.ConversationColumns, &row)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	return row.Project(), nil
}

// find looks the pair up in both orientations at once.
func (s *ConversationService) find(ctx context.Context, a, b string) (*models.Conversation, error) {
	var forward, backward models.ConversationRow
	var foundForward, foundBackward bool

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		foundForward, err = s.db.SelectOne(gctx, pairQuery(a, b), &forward)
		return err
	})
	g.Go(func() error {
		var err error
		foundBackward, err = s.db.SelectOne(gctx, pairQuery(b, a), &backward)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to look up conversation: %w", err)
	}

	switch {
	case foundForward:
		c := forward.Project()
		return &c, nil
	case foundBackward:
		c := backward.Project()
		return &c, nil
	}
	return nil, nil
}

func pairQuery(p1, p2 string) supabase.Query {
	return supabase.From(conversationsTable).
		Select(models.ConversationColumns).
		Where(supabase.Eq("participant1_id", p1), supabase.Eq("participant2_id", p2)).
		OrderBy(supabase.Asc("created_at"))
}

// escapeLike makes query match literally in an ilike pattern.
func escapeLike(query string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(query)
}
