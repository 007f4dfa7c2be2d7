package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

const sessionColumns = `session_id, phone_number, status, channels, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s        Session
		channels pq.StringArray
	)
	if err := row.Scan(&s.SessionID, &s.PhoneNumber, &s.Status, &channels, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return Session{}, err
	}
	s.Channels = []string(channels)
	if s.Channels == nil {
		s.Channels = []string{}
	}
	return s, nil
}

// CreateSession registers a newly authorized account.
func (s *Store) CreateSession(ctx context.Context, sess Session) (Session, error) {
	if sess.SessionID == "" || sess.PhoneNumber == "" {
		return Session{}, fmt.Errorf("session_id and phone_number are required")
	}
	if sess.Status == "" {
		sess.Status = SessionStatusActive
	}
	if sess.Channels == nil {
		sess.Channels = []string{}
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO sessions (session_id, phone_number, status, channels)
VALUES ($1,$2,$3,$4)
RETURNING `+sessionColumns, sess.SessionID, sess.PhoneNumber, sess.Status, pq.Array(sess.Channels))
	created, err := scanSession(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Session{}, fmt.Errorf("phone %s: %w", sess.PhoneNumber, ErrSessionExists)
		}
		return Session{}, err
	}
	return created, nil
}

// ListSessions returns every session in registry order (oldest first).
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at, session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// GetSession fetches a session by id. The bool indicates whether a record was found.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, bool, error) {
	sess, err := scanSession(s.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id=$1`, sessionID))
	if err != nil {
		if err == sql.ErrNoRows {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	return sess, true, nil
}

// GetSessionByPhone fetches a session by its phone number.
func (s *Store) GetSessionByPhone(ctx context.Context, phone string) (Session, bool, error) {
	sess, err := scanSession(s.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE phone_number=$1`, phone))
	if err != nil {
		if err == sql.ErrNoRows {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	return sess, true, nil
}

// UpdateSessionChannels overwrites the whole channels list. Last writer wins.
func (s *Store) UpdateSessionChannels(ctx context.Context, sessionID string, channels []string) error {
	if channels == nil {
		channels = []string{}
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE sessions SET channels=$2, updated_at=NOW() WHERE session_id=$1`, sessionID, pq.Array(channels))
	if err != nil {
		return err
	}
	return expectOneRow(res, sessionID)
}

// PushSessionChannel appends a key to the channels list in a single statement.
func (s *Store) PushSessionChannel(ctx context.Context, sessionID, key string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE sessions SET channels=array_append(channels, $2), updated_at=NOW() WHERE session_id=$1`, sessionID, key)
	if err != nil {
		return err
	}
	return expectOneRow(res, sessionID)
}

// DeleteSession removes a session document.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sessions WHERE session_id=$1`, sessionID)
	if err != nil {
		return err
	}
	return expectOneRow(res, sessionID)
}

// SetSessionStatus flips a session between active and inactive.
func (s *Store) SetSessionStatus(ctx context.Context, phone, status string) error {
	if status != SessionStatusActive && status != SessionStatusInactive {
		return fmt.Errorf("invalid session status %q", status)
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE sessions SET status=$2, updated_at=NOW() WHERE phone_number=$1`, phone, status)
	if err != nil {
		return err
	}
	return expectOneRow(res, phone)
}

func expectOneRow(res sql.Result, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", key, ErrSessionNotFound)
	}
	return nil
}
