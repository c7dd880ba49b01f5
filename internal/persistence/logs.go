package persistence

import (
	"context"
	"fmt"
	"time"
)

// AppendLog appends one transcript record. Records are never mutated or
// deleted afterwards.
func (s *Store) AppendLog(ctx context.Context, sessionID string, kind RecordKind, content string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_logs (session_id, kind, content, ts_ns)
		VALUES (?, ?, ?, ?);
	`, sessionID, string(kind), content, ts.UnixNano())
	if err != nil {
		return fmt.Errorf("insert log record: %w", err)
	}
	return nil
}

// ListLogs returns a session's transcript in timestamp order, with the
// autoincrement id breaking ties so equal-timestamp records keep append
// order. Unknown session ids return ErrNotFound.
func (s *Store) ListLogs(ctx context.Context, sessionID string) ([]LogRecord, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, content, ts_ns
		FROM session_logs
		WHERE session_id = ?
		ORDER BY ts_ns, id;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query log records: %w", err)
	}
	defer rows.Close()

	var out []LogRecord
	for rows.Next() {
		var rec LogRecord
		var kind string
		var tsNS int64
		if err := rows.Scan(&rec.ID, &rec.SessionID, &kind, &rec.Content, &tsNS); err != nil {
			return nil, fmt.Errorf("scan log record: %w", err)
		}
		rec.Kind = RecordKind(kind)
		rec.Timestamp = time.Unix(0, tsNS)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("log record rows: %w", err)
	}
	return out, nil
}

// CountLogs returns the number of transcript records for a session.
func (s *Store) CountLogs(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM session_logs WHERE session_id = ?;
	`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count log records: %w", err)
	}
	return count, nil
}
