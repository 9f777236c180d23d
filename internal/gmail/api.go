// Package gmail provides a Gmail REST client with rate limiting and
// retry logic, exposed through a narrow interface so the sync engine and
// archive orchestrator can be tested against a mock.
package gmail

import (
	"context"
	"errors"
	"fmt"
)

// AccountReader provides read access to account-level data.
type AccountReader interface {
	// GetProfile returns the authenticated user's profile.
	GetProfile(ctx context.Context) (*Profile, error)
}

// MessageReader provides read access to message listings and content.
type MessageReader interface {
	// ListMessages returns one page of message IDs matching the query.
	// pageSize is clamped to the API maximum of 500.
	ListMessages(ctx context.Context, query, pageToken string, pageSize int) (*MessageListResponse, error)

	// GetMessageRaw fetches a single message with raw MIME data.
	GetMessageRaw(ctx context.Context, messageID string) (*RawMessage, error)

	// GetMessageLabels fetches only the label set of a message.
	// This is the cheap refresh path for already-cached messages.
	GetMessageLabels(ctx context.Context, messageID string) (*MessageLabels, error)
}

// MessageMutator provides bulk label mutation.
type MessageMutator interface {
	// BatchModify adds and removes labels on up to 1000 messages in one call.
	BatchModify(ctx context.Context, messageIDs, addLabelIDs, removeLabelIDs []string) error
}

// API is the full remote mailbox surface consumed by this program.
type API interface {
	AccountReader
	MessageReader
	MessageMutator

	// Close releases any resources held by the client.
	Close() error
}

// Profile represents the authenticated user's mailbox profile.
type Profile struct {
	EmailAddress  string
	MessagesTotal int64
	ThreadsTotal  int64
}

// MessageRef is a message reference returned by list operations.
type MessageRef struct {
	ID       string
	ThreadID string
}

// MessageListResponse contains one page of message references.
type MessageListResponse struct {
	Messages           []MessageRef
	NextPageToken      string
	ResultSizeEstimate int64
}

// RawMessage contains the raw MIME data and list metadata for a message.
type RawMessage struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	Snippet      string
	InternalDate int64 // Unix milliseconds
	SizeEstimate int64
	Raw          []byte // decoded from base64url
}

// MessageLabels is the label-only view of a message.
type MessageLabels struct {
	ID       string
	LabelIDs []string
}

// Well-known system label IDs.
const (
	LabelInbox  = "INBOX"
	LabelUnread = "UNREAD"
)

// AuthError indicates the remote rejected our credentials (401, or 403
// for insufficient permission). It is distinguishable with errors.As so
// callers can route it through the token-refresh capability.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authorization rejected (%d): %s", e.StatusCode, e.Body)
}

// IsAuthError reports whether err wraps an *AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// NotFoundError indicates a 404 response.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}
