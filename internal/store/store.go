// ABOUTME: Store interface and data types for ochre-gateway persistence
// ABOUTME: Defines Session, Message structs and the Store interface for transcript storage

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateSession is returned when trying to create a session that already exists
var ErrDuplicateSession = errors.New("session already exists")

// Role constants for message rows
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Session represents a single conversation session
type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// Message represents one durable transcript row. Seq is assigned by the
// store on insert and defines transcript order; it is never reordered.
type Message struct {
	Seq       int64          `json:"seq"`
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"createdAt"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Store defines the interface for session and message persistence
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, limit int) ([]*Session, error)
	TouchSession(ctx context.Context, id string) error
	DeleteSession(ctx context.Context, id string) error

	// Messages. AddMessage assigns Seq and also touches the session.
	AddMessage(ctx context.Context, msg *Message) error
	// UpdateMessageContent rewrites a message's content (the segment flush
	// path). Meta, when non-nil, is merged into the existing meta rather
	// than replacing it, so fields written at insert time survive the flush.
	UpdateMessageContent(ctx context.Context, messageID, content string, meta map[string]any) error
	// ListMessages returns the most recent limit messages in ascending
	// seq order. limit <= 0 means no limit.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)

	Close() error
}
