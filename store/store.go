// Package store persists sessions and their conversation history. It is
// the persistence collaborator the loop itself stays ignorant of: callers
// load history before a run and append the result's new turns after.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/openloop-ai/openloop/loop"
)

// ErrNotFound is returned when a session id resolves to nothing.
var ErrNotFound = errors.New("store: session not found")

// Session is one persisted conversation.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persistence contract. Message order within a session is
// append order and is never rewritten.
type Store interface {
	CreateSession(ctx context.Context, title string) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	DeleteSession(ctx context.Context, id string) error

	// AppendMessages adds new turns to a session atomically, preserving
	// their order, and touches the session's updated_at.
	AppendMessages(ctx context.Context, sessionID string, msgs []loop.Message) error
	// History returns a session's messages in append order.
	History(ctx context.Context, sessionID string) ([]loop.Message, error)

	Ping(ctx context.Context) error
	Close() error
}
