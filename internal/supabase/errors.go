package supabase

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Error is a failed REST call. Code, Message, Details and Hint come from the
// PostgREST error body when one was returned.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
	Body    string `json:"-"`
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("supabase error (status %d, code %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("supabase error (status %d): %s", e.Status, e.Body)
}

func newError(status int, body []byte) *Error {
	e := &Error{Status: status, Body: string(body)}
	_ = json.Unmarshal(body, e)
	return e
}

// IsStatus reports whether err is a backend error with the given HTTP status.
func IsStatus(err error, status int) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == status
}

// IsUnauthorized reports whether the backend rejected the credentials.
func IsUnauthorized(err error) bool {
	return IsStatus(err, http.StatusUnauthorized) || IsStatus(err, http.StatusForbidden)
}
