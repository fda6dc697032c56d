package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/lobbysync/internal/discovery"
	"github.com/cory-johannsen/lobbysync/internal/lobby"
)

// SessionStore persists discovery sessions in PostgreSQL.
type SessionStore struct {
	db *pgxpool.Pool
}

// NewSessionStore creates a SessionStore backed by the given pool.
//
// Precondition: db must be a valid, open connection pool with the schema migrated.
func NewSessionStore(db *pgxpool.Pool) *SessionStore {
	return &SessionStore{db: db}
}

// Create inserts a session owned by owner, with owner as its first member.
//
// Precondition: capacity must be at least 1.
// Postcondition: Returns the new session id or a non-nil error.
func (s *SessionStore) Create(ctx context.Context, owner string, visibility lobby.Visibility, capacity int) (lobby.SessionID, error) {
	if capacity < 1 {
		return "", lobby.ErrInvalidCapacity
	}
	id := uuid.NewString()
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO sessions (id, owner_id, visibility, capacity) VALUES ($1, $2, $3, $4)`,
			id, owner, visibility.String(), capacity,
		); err != nil {
			return fmt.Errorf("inserting session: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO session_members (session_id, user_id) VALUES ($1, $2)`,
			id, owner,
		); err != nil {
			return fmt.Errorf("inserting owner: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	return lobby.SessionID(id), nil
}

// Get loads a session with its members and metadata.
//
// Postcondition: Returns the record or ErrSessionNotFound.
func (s *SessionStore) Get(ctx context.Context, id lobby.SessionID) (discovery.Record, error) {
	var (
		rec        discovery.Record
		visibility string
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, owner_id, visibility, capacity, created_at FROM sessions WHERE id = $1`,
		string(id),
	).Scan(&rec.ID, &rec.Owner, &visibility, &rec.Capacity, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return discovery.Record{}, discovery.ErrSessionNotFound
		}
		return discovery.Record{}, fmt.Errorf("querying session %s: %w", id, err)
	}
	if rec.Visibility, err = lobby.ParseVisibility(visibility); err != nil {
		return discovery.Record{}, fmt.Errorf("session %s: %w", id, err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT user_id FROM session_members WHERE session_id = $1 ORDER BY seq`, string(id))
	if err != nil {
		return discovery.Record{}, fmt.Errorf("querying members of %s: %w", id, err)
	}
	rec.Members, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return discovery.Record{}, fmt.Errorf("scanning members of %s: %w", id, err)
	}

	rows, err = s.db.Query(ctx,
		`SELECT key, value FROM session_metadata WHERE session_id = $1`, string(id))
	if err != nil {
		return discovery.Record{}, fmt.Errorf("querying metadata of %s: %w", id, err)
	}
	defer rows.Close()
	rec.Metadata = make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return discovery.Record{}, fmt.Errorf("scanning metadata of %s: %w", id, err)
		}
		rec.Metadata[k] = v
	}
	return rec, rows.Err()
}

// AddMember adds user to the session, locking the session row so concurrent
// joins cannot exceed its capacity.
//
// Postcondition: Returns nil if user is a member, ErrSessionFull, or ErrSessionNotFound.
func (s *SessionStore) AddMember(ctx context.Context, id lobby.SessionID, user string) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var capacity, members int
		var present bool
		err := tx.QueryRow(ctx,
			`SELECT capacity FROM sessions WHERE id = $1 FOR UPDATE`, string(id),
		).Scan(&capacity)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return discovery.ErrSessionNotFound
			}
			return fmt.Errorf("locking session %s: %w", id, err)
		}
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*), COALESCE(BOOL_OR(user_id = $2), FALSE)
			 FROM session_members WHERE session_id = $1`,
			string(id), user,
		).Scan(&members, &present)
		if err != nil {
			return fmt.Errorf("counting members of %s: %w", id, err)
		}
		if present {
			return nil
		}
		if members >= capacity {
			return discovery.ErrSessionFull
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO session_members (session_id, user_id) VALUES ($1, $2)`,
			string(id), user,
		); err != nil {
			return fmt.Errorf("adding member to %s: %w", id, err)
		}
		return nil
	})
}

// RemoveMember removes user from the session. When user owns the session the
// session row is deleted and its members and metadata cascade.
//
// Postcondition: deleted reports whether the session itself was removed.
func (s *SessionStore) RemoveMember(ctx context.Context, id lobby.SessionID, user string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM sessions WHERE id = $1 AND owner_id = $2`, string(id), user)
	if err != nil {
		return false, fmt.Errorf("deleting session %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, string(id),
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking session %s: %w", id, err)
	}
	if !exists {
		return false, discovery.ErrSessionNotFound
	}
	if _, err := s.db.Exec(ctx,
		`DELETE FROM session_members WHERE session_id = $1 AND user_id = $2`, string(id), user,
	); err != nil {
		return false, fmt.Errorf("removing member from %s: %w", id, err)
	}
	return false, nil
}

// SetMetadata upserts key on the session.
//
// Postcondition: Returns ErrSessionNotFound if the session does not exist.
func (s *SessionStore) SetMetadata(ctx context.Context, id lobby.SessionID, key, value string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO session_metadata (session_id, key, value) VALUES ($1, $2, $3)
		 ON CONFLICT (session_id, key) DO UPDATE SET value = EXCLUDED.value`,
		string(id), key, value,
	)
	if isForeignKeyError(err) {
		return discovery.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("setting metadata %q on %s: %w", key, id, err)
	}
	return nil
}

func (s *SessionStore) SetVisibility(ctx context.Context, id lobby.SessionID, visibility lobby.Visibility) error {
	return s.updateSession(ctx, id, `UPDATE sessions SET visibility = $2 WHERE id = $1`, visibility.String())
}

func (s *SessionStore) SetCapacity(ctx context.Context, id lobby.SessionID, capacity int) error {
	if capacity < 1 {
		return lobby.ErrInvalidCapacity
	}
	return s.updateSession(ctx, id, `UPDATE sessions SET capacity = $2 WHERE id = $1`, capacity)
}

func (s *SessionStore) updateSession(ctx context.Context, id lobby.SessionID, sql string, arg any) error {
	tag, err := s.db.Exec(ctx, sql, string(id), arg)
	if err != nil {
		return fmt.Errorf("updating session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return discovery.ErrSessionNotFound
	}
	return nil
}

// List returns up to limit public sessions in creation order.
//
// Postcondition: Returns a possibly empty slice or a non-nil error.
func (s *SessionStore) List(ctx context.Context, limit int) ([]lobby.Summary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT s.id,
		       COALESCE(m.value, ''),
		       (SELECT COUNT(*) FROM session_members sm WHERE sm.session_id = s.id),
		       s.capacity
		FROM sessions s
		LEFT JOIN session_metadata m ON m.session_id = s.id AND m.key = $1
		WHERE s.visibility = $2
		ORDER BY s.seq
		LIMIT $3`,
		lobby.MetaName, lobby.VisibilityPublic.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	out := []lobby.Summary{}
	for rows.Next() {
		var sum lobby.Summary
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.Members, &sum.Capacity); err != nil {
			return nil, fmt.Errorf("scanning session summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// isForeignKeyError checks if a pgx error is a foreign key violation.
func isForeignKeyError(err error) bool {
	// pgx wraps PostgreSQL errors; check for SQLSTATE 23503 (foreign_key_violation)
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23503"
	}
	return false
}

var _ discovery.Store = (*SessionStore)(nil)
