package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateSession inserts a new session in BUILDING_TEAM state and returns it.
// The id must be unique; reusing an id is a caller error.
func (s *Store) CreateSession(ctx context.Context, id, task, model string) (Session, error) {
	sess := Session{
		ID:        id,
		Task:      task,
		Model:     model,
		Status:    StatusBuildingTeam,
		CreatedAt: time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, task, model, status, created_at)
		VALUES (?, ?, ?, ?, ?);
	`, sess.ID, sess.Task, sess.Model, string(sess.Status), sess.CreatedAt.UnixNano())
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// GetSession returns the session with the given id, or ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task, model, status, created_at
		FROM sessions WHERE id = ?;
	`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("query session: %w", err)
	}
	return sess, nil
}

// ListSessions returns all sessions, most recent first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task, model, status, created_at
		FROM sessions ORDER BY created_at DESC, id;
	`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// UpdateStatus sets the session's status row. It does not validate the
// transition; that is the lifecycle controller's job, which is the only
// writer of this column.
func (s *Store) UpdateStatus(ctx context.Context, id string, status SessionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ? WHERE id = ?;
	`, string(status), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var status string
	var createdNS int64
	if err := row.Scan(&sess.ID, &sess.Task, &sess.Model, &status, &createdNS); err != nil {
		return Session{}, err
	}
	sess.Status = SessionStatus(status)
	sess.CreatedAt = time.Unix(0, createdNS)
	return sess, nil
}
