package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Robertgreenwood27/messagingapp/internal/models"
	"github.com/Robertgreenwood27/messagingapp/internal/supabase/supabasetest"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestNoteService(t *testing.T) {
	s := supabasetest.New()
	svc := NewNoteService(s)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	note, err := svc.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, models.PersonalNote{UserID: "u1"}, note)

	_, err = svc.Save(ctx, "u1", "buy milk")
	require.NoError(t, err)
	saved, err := svc.Save(ctx, "u1", "buy milk\nand eggs")
	require.NoError(t, err)
	assert.Equal(t, now, saved.UpdatedAt)

	note, err = svc.Load(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "buy milk\nand eggs", note.Content)
	assert.Len(t, s.Rows(notesTable), 1)

	other, err := svc.Load(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, other.Content)
}

func TestNoteService_Errors(t *testing.T) {
	s := supabasetest.New()
	s.Fail(supabasetest.OpSelect, "", errors.New("offline"))
	s.Fail(supabasetest.OpUpsert, "", errors.New("offline"))
	svc := NewNoteService(s)

	_, err := svc.Load(context.Background(), "u1")
	assert.ErrorContains(t, err, "failed to load notes")
	_, err = svc.Save(context.Background(), "u1", "x")
	assert.ErrorContains(t, err, "failed to save notes")
}

func TestReceiptService_MarkRead(t *testing.T) {
	s := supabasetest.New()
	svc := NewReceiptService(s)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	msgs := []models.Message{
		{ID: "m1", SenderID: "u2"},
		{ID: "m2", SenderID: "u1"},
		{ID: "tmp_u2_1_1", SenderID: "u2", Status: models.StatusSending, TempID: "tmp_u2_1_1"},
		{ID: "m3", SenderID: "u2"},
		{ID: "m1", SenderID: "u2"},
	}
	n, err := svc.MarkRead(ctx, "u1", msgs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = svc.MarkRead(ctx, "u1", msgs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, s.Rows(receiptsTable), 2, "receipts are upserted")

	receipts, err := svc.ForMessages(ctx, []string{"m1", "m2", "m3"})
	require.NoError(t, err)
	assert.Len(t, receipts["m1"], 1)
	assert.Empty(t, receipts["m2"])
	assert.True(t, IsRead(msgs[0], receipts["m1"]))
	assert.False(t, IsRead(msgs[1], receipts["m2"]))
}

func TestReceiptService_Errors(t *testing.T) {
	s := supabasetest.New()
	s.Fail(supabasetest.OpUpsert, receiptsTable, errors.New("denied"))
	svc := NewReceiptService(s)

	_, err := svc.MarkRead(context.Background(), "u1", []models.Message{{ID: "m1", SenderID: "u2"}})
	assert.ErrorContains(t, err, "denied")

	empty, err := svc.ForMessages(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Empty(t, s.Calls(supabasetest.OpSelect))
}

func TestIsRead_OwnReceiptDoesNotCount(t *testing.T) {
	m := models.Message{ID: "m1", SenderID: "u1"}
	assert.False(t, IsRead(m, []models.ReadReceipt{{UserID: "u1", MessageID: "m1"}}))
	assert.False(t, IsRead(m, []models.ReadReceipt{{UserID: "u2", MessageID: "m9"}}))
	assert.True(t, IsRead(m, []models.ReadReceipt{{UserID: "u2", MessageID: "m1"}}))
}
