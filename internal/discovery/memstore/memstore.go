// Package memstore provides an in-memory discovery.Store.
package memstore

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cory-johannsen/lobbysync/internal/discovery"
	"github.com/cory-johannsen/lobbysync/internal/lobby"
)

type entry struct {
	rec discovery.Record
	seq uint64
}

// Store keeps sessions in memory. It is safe for concurrent use and shared by
// every discovery.Service in the process.
type Store struct {
	mu       sync.RWMutex
	sessions map[lobby.SessionID]*entry
	seq      uint64
	now      func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[lobby.SessionID]*entry),
		now:      time.Now,
	}
}

// Create stores a new session owned by owner.
//
// Precondition: capacity must be at least 1.
// Postcondition: owner is the only member; the id is a fresh UUID.
func (s *Store) Create(_ context.Context, owner string, visibility lobby.Visibility, capacity int) (lobby.SessionID, error) {
	if capacity < 1 {
		return "", lobby.ErrInvalidCapacity
	}
	id := lobby.SessionID(uuid.NewString())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.sessions[id] = &entry{
		seq: s.seq,
		rec: discovery.Record{
			ID:         id,
			Owner:      owner,
			Visibility: visibility,
			Capacity:   capacity,
			Members:    []string{owner},
			Metadata:   make(map[string]string),
			CreatedAt:  s.now(),
		},
	}
	return id, nil
}

// Get returns a copy of the session with id.
func (s *Store) Get(_ context.Context, id lobby.SessionID) (discovery.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return discovery.Record{}, discovery.ErrSessionNotFound
	}
	return cloneRecord(e.rec), nil
}

// AddMember adds user to id.
func (s *Store) AddMember(_ context.Context, id lobby.SessionID, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return discovery.ErrSessionNotFound
	}
	if slices.Contains(e.rec.Members, user) {
		return nil
	}
	if len(e.rec.Members) >= e.rec.Capacity {
		return discovery.ErrSessionFull
	}
	e.rec.Members = append(e.rec.Members, user)
	return nil
}

// RemoveMember removes user from id, deleting the session when user owns it.
func (s *Store) RemoveMember(_ context.Context, id lobby.SessionID, user string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return false, discovery.ErrSessionNotFound
	}
	if e.rec.Owner == user {
		delete(s.sessions, id)
		return true, nil
	}
	e.rec.Members = slices.DeleteFunc(e.rec.Members, func(m string) bool { return m == user })
	return false, nil
}

func (s *Store) SetMetadata(_ context.Context, id lobby.SessionID, key, value string) error {
	return s.update(id, func(r *discovery.Record) { r.Metadata[key] = value })
}

func (s *Store) SetVisibility(_ context.Context, id lobby.SessionID, visibility lobby.Visibility) error {
	return s.update(id, func(r *discovery.Record) { r.Visibility = visibility })
}

func (s *Store) SetCapacity(_ context.Context, id lobby.SessionID, capacity int) error {
	if capacity < 1 {
		return lobby.ErrInvalidCapacity
	}
	return s.update(id, func(r *discovery.Record) { r.Capacity = capacity })
}

func (s *Store) update(id lobby.SessionID, fn func(*discovery.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return discovery.ErrSessionNotFound
	}
	fn(&e.rec)
	return nil
}

// List returns up to limit public sessions, oldest first.
func (s *Store) List(_ context.Context, limit int) ([]lobby.Summary, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		if e.rec.Visibility == lobby.VisibilityPublic {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(a, b *entry) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]lobby.Summary, 0, min(limit, len(entries)))
	for _, e := range entries {
		if len(out) == limit {
			break
		}
		out = append(out, e.rec.Summary())
	}
	s.mu.RUnlock()
	return out, nil
}

func cloneRecord(r discovery.Record) discovery.Record {
	r.Members = slices.Clone(r.Members)
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

var _ discovery.Store = (*Store)(nil)
