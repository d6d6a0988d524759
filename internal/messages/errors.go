package messages

import "errors"

var (
	// ErrUnauthenticated means there is no current user.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrFetchFailed means the initial load query failed.
	ErrFetchFailed = errors.New("failed to load messages")

	// ErrSendFailed means the insert of a new message failed.
	ErrSendFailed = errors.New("failed to send message")

	// ErrDeleteFailed means a soft delete failed and was rolled back.
	ErrDeleteFailed = errors.New("failed to delete message")

	// ErrNotFound means the identifier is not in the local list.
	ErrNotFound = errors.New("message not found")

	// ErrEmptyContent rejects blank messages.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrClosed is returned by operations on a torn-down engine.
	ErrClosed = errors.New("conversation closed")
)
