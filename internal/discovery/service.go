package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobbysync/internal/lobby"
)

// Service is a discovery service for one local user. Create, join and list
// requests return once accepted; their results are published from background
// goroutines, in the order the service learns them.
type Service struct {
	store  Store
	user   lobby.User
	notes  *lobby.Notifications
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewService creates a Service acting as user. An empty user id is replaced
// by a random one.
//
// Precondition: store and logger must be non-nil.
func NewService(store Store, user lobby.User, logger *zap.Logger) *Service {
	if strings.TrimSpace(user.ID) == "" {
		user.ID = uuid.NewString()
	}
	return &Service{
		store:  store,
		user:   user,
		notes:  lobby.NewNotifications(),
		logger: logger.With(zap.String("user_id", user.ID)),
	}
}

// LocalUser returns the user this service acts as.
func (s *Service) LocalUser() lobby.User { return s.user }

// Notifications returns the topics results are published on.
func (s *Service) Notifications() *lobby.Notifications { return s.notes }

// Close waits for pending results to be published, then closes every topic.
// Requests made after Close are rejected.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	s.notes.Close()
}

// async runs fn in the background unless the service is closed.
func (s *Service) async(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("discovery service closed")
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
	return nil
}

// CreateSession requests a new session owned by the local user. A Created
// result carrying req follows, and on success an Entered result for the same
// session.
//
// Precondition: capacity must be at least 1.
func (s *Service) CreateSession(ctx context.Context, req lobby.RequestID, visibility lobby.Visibility, capacity int) error {
	if capacity < 1 {
		return lobby.ErrInvalidCapacity
	}
	ctx = context.WithoutCancel(ctx)
	return s.async(func() {
		id, err := s.store.Create(ctx, s.user.ID, visibility, capacity)
		if err != nil {
			s.logger.Error("creating session", zap.Error(err))
			s.publish("created", s.notes.Created.Publish(lobby.CreateResult{Request: req, Err: err}))
			return
		}
		s.logger.Info("session created",
			zap.String("session_id", string(id)),
			zap.Stringer("visibility", visibility),
			zap.Int("capacity", capacity),
		)
		s.publish("created", s.notes.Created.Publish(lobby.CreateResult{Request: req, ID: id}))
		s.publish("entered", s.notes.Entered.Publish(lobby.EnterResult{ID: id}))
	})
}

// JoinSession requests membership of id. An Entered result follows.
//
// Precondition: id must be non-empty.
func (s *Service) JoinSession(ctx context.Context, id lobby.SessionID) error {
	if id == "" {
		return lobby.ErrInvalidSessionID
	}
	ctx = context.WithoutCancel(ctx)
	return s.async(func() {
		err := s.store.AddMember(ctx, id, s.user.ID)
		if err != nil {
			s.logger.Warn("joining session", zap.String("session_id", string(id)), zap.Error(err))
		} else {
			s.logger.Info("session joined", zap.String("session_id", string(id)))
		}
		s.publish("entered", s.notes.Entered.Publish(lobby.EnterResult{ID: id, Err: err}))
	})
}

// LeaveSession removes the local user from id. The owner leaving deletes the
// session. Leaving a session that no longer exists succeeds.
func (s *Service) LeaveSession(ctx context.Context, id lobby.SessionID) error {
	deleted, err := s.store.RemoveMember(ctx, id, s.user.ID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("leaving session %s: %w", id, err)
	}
	s.logger.Info("session left", zap.String("session_id", string(id)), zap.Bool("deleted", deleted))
	return nil
}

// QueryList requests up to maxResults public sessions. A ListReady result
// carrying req follows unless the store fails, in which case nothing is
// published.
func (s *Service) QueryList(ctx context.Context, req lobby.RequestID, maxResults int) error {
	if maxResults < 1 {
		return fmt.Errorf("max results must be positive, got %d", maxResults)
	}
	ctx = context.WithoutCancel(ctx)
	return s.async(func() {
		summaries, err := s.store.List(ctx, maxResults)
		if err != nil {
			s.logger.Error("listing sessions", zap.Error(err))
			return
		}
		s.publish("list_ready", s.notes.ListReady.Publish(lobby.ListResult{Request: req, Summaries: summaries}))
	})
}

// RequestJoin delivers a join request for id, as if the local user accepted
// an invite to it.
func (s *Service) RequestJoin(id lobby.SessionID) error {
	return s.async(func() {
		s.publish("join_requested", s.notes.JoinRequested.Publish(lobby.JoinRequest{ID: id}))
	})
}

// GetMetadata returns the value stored under key, or "" when unset.
func (s *Service) GetMetadata(ctx context.Context, id lobby.SessionID, key string) (string, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("reading metadata %q of %s: %w", key, id, err)
	}
	return rec.Metadata[key], nil
}

// SetMetadata stores value under key.
//
// Postcondition: Returns ErrNotOwner unless the local user owns id.
func (s *Service) SetMetadata(ctx context.Context, id lobby.SessionID, key, value string) error {
	if err := s.requireOwner(ctx, id); err != nil {
		return err
	}
	return s.store.SetMetadata(ctx, id, key, value)
}

// SetVisibility changes who can discover id.
//
// Postcondition: Returns ErrNotOwner unless the local user owns id.
func (s *Service) SetVisibility(ctx context.Context, id lobby.SessionID, visibility lobby.Visibility) error {
	if err := s.requireOwner(ctx, id); err != nil {
		return err
	}
	return s.store.SetVisibility(ctx, id, visibility)
}

// SetCapacity changes the member limit of id.
//
// Postcondition: Returns ErrNotOwner unless the local user owns id.
func (s *Service) SetCapacity(ctx context.Context, id lobby.SessionID, capacity int) error {
	if capacity < 1 {
		return lobby.ErrInvalidCapacity
	}
	if err := s.requireOwner(ctx, id); err != nil {
		return err
	}
	return s.store.SetCapacity(ctx, id, capacity)
}

func (s *Service) requireOwner(ctx context.Context, id lobby.SessionID) error {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Owner != s.user.ID {
		return ErrNotOwner
	}
	return nil
}

func (s *Service) publish(kind string, err error) {
	if err != nil {
		s.logger.Warn("dropped discovery notification", zap.String("kind", kind), zap.Error(err))
	}
}
