// Package discovery provides a reference discovery service. It implements
// lobby.Discovery over a pluggable Store and delivers create, join and list
// results asynchronously on the lobby notification topics.
package discovery

import (
	"context"
	"errors"
	"time"

	"github.com/cory-johannsen/lobbysync/internal/lobby"
)

var (
	// ErrSessionNotFound is returned when no session has the given id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionFull is returned when a join would exceed the session capacity.
	ErrSessionFull = errors.New("session is full")
	// ErrNotOwner is returned when a non-owner modifies a session.
	ErrNotOwner = errors.New("only the session owner may modify it")
)

// Record is a stored session.
type Record struct {
	ID         lobby.SessionID
	Owner      string
	Visibility lobby.Visibility
	Capacity   int
	Members    []string
	Metadata   map[string]string
	CreatedAt  time.Time
}

// Summary projects r onto the listing shape.
func (r Record) Summary() lobby.Summary {
	return lobby.Summary{
		ID:       r.ID,
		Name:     r.Metadata[lobby.MetaName],
		Members:  len(r.Members),
		Capacity: r.Capacity,
	}
}

// Store persists sessions, their members and their metadata.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create stores a new session with owner as its only member and returns its id.
	Create(ctx context.Context, owner string, visibility lobby.Visibility, capacity int) (lobby.SessionID, error)
	// Get returns the session with id, or ErrSessionNotFound.
	Get(ctx context.Context, id lobby.SessionID) (Record, error)
	// AddMember adds user to the session. Adding an existing member is a no-op.
	// Returns ErrSessionFull when the session is at capacity.
	AddMember(ctx context.Context, id lobby.SessionID, user string) error
	// RemoveMember removes user from the session. When user is the owner the
	// whole session is deleted; deleted reports whether that happened.
	RemoveMember(ctx context.Context, id lobby.SessionID, user string) (deleted bool, err error)
	SetMetadata(ctx context.Context, id lobby.SessionID, key, value string) error
	SetVisibility(ctx context.Context, id lobby.SessionID, visibility lobby.Visibility) error
	SetCapacity(ctx context.Context, id lobby.SessionID, capacity int) error
	// List returns up to limit public sessions in creation order.
	List(ctx context.Context, limit int) ([]lobby.Summary, error)
}
