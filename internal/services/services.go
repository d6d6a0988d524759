// Package services holds the application logic that sits beside the message
// engine: conversations, notes, read receipts and the cleanup job.
package services

import (
	"context"
	"errors"

	"github.com/Robertgreenwood27/messagingapp/internal/supabase"
)

var (
	// ErrUserNotFound is returned when no other user matches a username.
	ErrUserNotFound = errors.New("user not found")

	// ErrConversationNotFound is returned for unknown conversations and for
	// conversations the user is not part of.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrSelfConversation is returned when a user tries to message themselves.
	ErrSelfConversation = errors.New("cannot start a conversation with yourself")
)

// DB is the part of the backend API the services use. *supabase.Client
// implements it.
type DB interface {
	Select(ctx context.Context, q supabase.Query, dest any) error
	SelectOne(ctx context.Context, q supabase.Query, dest any) (bool, error)
	Insert(ctx context.Context, table string, record any, columns string, dest any) error
	Upsert(ctx context.Context, table string, record any, onConflict string) error
	Count(ctx context.Context, table string, filters []supabase.Filter) (int, error)
	RPC(ctx context.Context, fn string, args any, dest any) error
}
