package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/agent-scheduler/internal/domain"
)

// UpsertSession creates the session or refreshes last_active_at.
func (s *Store) UpsertSession(ctx domain.Context, sess domain.Session) error {
	now := time.Now().UTC()
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO sessions (id, channel, external_user_id, created_at, last_active_at)
		 VALUES ($1,$2,$3,$4,$4)
		 ON CONFLICT (id) DO UPDATE SET last_active_at = EXCLUDED.last_active_at`,
		sess.ID, sess.Channel, sess.ExternalUserID, now)
	if err != nil {
		return fmt.Errorf("op=sessions.upsert: %w", err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx domain.Context, id string) (domain.Session, error) {
	row := s.Pool.QueryRow(ctx,
		`SELECT id, channel, external_user_id, created_at, last_active_at FROM sessions WHERE id=$1`, id)
	var sess domain.Session
	if err := row.Scan(&sess.ID, &sess.Channel, &sess.ExternalUserID, &sess.CreatedAt, &sess.LastActiveAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Session{}, fmt.Errorf("op=sessions.get: %w", domain.ErrNotFound)
		}
		return domain.Session{}, fmt.Errorf("op=sessions.get: %w", err)
	}
	return sess, nil
}
