package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/supabase/supabasetest"
)

type row = supabasetest.Row

func directory() *supabasetest.Store {
	s := supabasetest.New()
	s.Seed(profilesTable,
		row{"id": "u1", "username": "alice"},
		row{"id": "u2", "username": "bob"},
		row{"id": "u3", "username": "carol"},
		row{"id": "u4", "username": "a_ice"},
	)
	s.Seed(conversationsTable,
		row{"id": "c1", "participant1_id": "u1", "participant2_id": "u2",
			"created_at": "2024-05-01T09:00:00Z", "updated_at": "2024-05-01T10:00:00Z"},
		row{"id": "c2", "participant1_id": "u3", "participant2_id": "u1",
			"created_at": "2024-05-01T09:00:00Z", "updated_at": "2024-05-01T11:00:00Z"},
		row{"id": "c3", "participant1_id": "u1", "participant2_id": "u1",
			"created_at": "2024-05-01T09:00:00Z", "updated_at": "2024-05-01T12:00:00Z"},
		row{"id": "c4", "participant1_id": "u2", "participant2_id": "u3",
			"created_at": "2024-05-01T09:00:00Z", "updated_at": "2024-05-01T13:00:00Z"},
	)
	return s
}

func ids(convs []models.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func TestConversationService_List(t *testing.T) {
	for _, asArray := range []bool{false, true} {
		s := directory()
		s.RelationsAsArray = asArray
		svc := NewConversationService(s)

		convs, err := svc.List(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, []string{"c2", "c1"}, ids(convs), "newest first, self-conversation skipped")

		require.NotNil(t, convs[0].OtherProfile("u1"))
		assert.Equal(t, "carol", convs[0].OtherProfile("u1").Username)
		assert.Equal(t, "bob", convs[1].OtherProfile("u1").Username)
	}
}

func TestConversationService_ListError(t *testing.T) {
	s := directory()
	s.Fail(supabasetest.OpSelect, conversationsTable, errors.New("boom"))
	_, err := NewConversationService(s).List(context.Background(), "u1")
	assert.ErrorContains(t, err, "boom")
}

func TestConversationService_StartReusesEitherDirection(t *testing.T) {
	s := directory()
	svc := NewConversationService(s)

	c, err := svc.Start(context.Background(), "u2", "ALICE")
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, "alice", c.OtherProfile("u2").Username)

	c, err = svc.Start(context.Background(), "u1", " carol ")
	require.NoError(t, err)
	assert.Equal(t, "c2", c.ID)
	assert.Empty(t, s.Calls(supabasetest.OpInsert))
}

func TestConversationService_StartCreates(t *testing.T) {
	s := directory()
	svc := NewConversationService(s)

	c, err := svc.Start(context.Background(), "u4", "carol")
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "u4", c.Participant1ID)
	assert.Equal(t, "u3", c.Participant2ID)
	require.NotNil(t, c.Participant2)
	assert.Equal(t, "carol", c.Participant2.Username)

	inserts := s.Calls(supabasetest.OpInsert)
	require.Len(t, inserts, 1)
	assert.Equal(t, row{"participant1_id": "u4", "participant2_id": "u3"}, inserts[0].Record)

	again, err := svc.Start(context.Background(), "u3", "a_ice")
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)
}

func TestConversationService_StartUnknownUser(t *testing.T) {
	svc := NewConversationService(directory())
	ctx := context.Background()

	_, err := svc.Start(ctx, "u1", "dave")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = svc.Start(ctx, "u1", "alice")
	assert.ErrorIs(t, err, ErrUserNotFound, "own username is excluded")

	_, err = svc.Start(ctx, "u2", "a%")
	assert.ErrorIs(t, err, ErrUserNotFound, "wildcards match literally")

	_, err = svc.Start(ctx, "u1", "  ")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestConversationService_StartLookupError(t *testing.T) {
	s := directory()
	s.Fail(supabasetest.OpSelect, conversationsTable, errors.New("timeout"))
	_, err := NewConversationService(s).Start(context.Background(), "u1", "bob")
	assert.ErrorContains(t, err, "timeout")
}

func TestConversationService_Get(t *testing.T) {
	svc := NewConversationService(directory())
	ctx := context.Background()

	c, err := svc.Get(ctx, "u2", "c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", c.OtherProfile("u2").Username)

	_, err = svc.Get(ctx, "u1", "c4")
	assert.ErrorIs(t, err, ErrConversationNotFound, "not a participant")
	_, err = svc.Get(ctx, "u1", "nope")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}
