package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const sourceColumns = `id, url, type, title, session_id, assigned_at, created_at`

func scanSource(row rowScanner) (Source, error) {
	var (
		src        Source
		sessionID  sql.NullString
		assignedAt sql.NullTime
	)
	if err := row.Scan(&src.ID, &src.URL, &src.Type, &src.Title, &sessionID, &assignedAt, &src.CreatedAt); err != nil {
		return Source{}, err
	}
	src.SessionID = sessionID.String
	if assignedAt.Valid {
		t := assignedAt.Time
		src.AssignedAt = &t
	}
	return src, nil
}

// InsertSource registers a scrape target. Duplicate urls yield ErrSourceExists.
func (s *Store) InsertSource(ctx context.Context, src Source) (Source, error) {
	src.URL = strings.TrimSpace(src.URL)
	if src.URL == "" || src.Type == "" {
		return Source{}, fmt.Errorf("url and type are required")
	}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO sources (url, type, title)
VALUES ($1,$2,$3)
RETURNING `+sourceColumns, src.URL, src.Type, src.Title)
	created, err := scanSource(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Source{}, fmt.Errorf("%s: %w", src.URL, ErrSourceExists)
		}
		return Source{}, err
	}
	return created, nil
}

// SourceExists reports whether a url is already registered.
func (s *Store) SourceExists(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sources WHERE url=$1)`, strings.TrimSpace(url)).Scan(&exists)
	return exists, err
}

// ListSources returns sources in insertion order.
func (s *Store) ListSources(ctx context.Context, filter SourceFilter) ([]Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources`
	var (
		conds []string
		args  []interface{}
	)
	if filter.Type != "" {
		args = append(args, filter.Type)
		conds = append(conds, fmt.Sprintf("type=$%d", len(args)))
	}
	if filter.Unassigned {
		conds = append(conds, "session_id IS NULL")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// SetSourceAssignment writes the back-reference for a target.
func (s *Store) SetSourceAssignment(ctx context.Context, url, sessionID string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE sources SET session_id=$2, assigned_at=$3 WHERE url=$1`, url, sessionID, at)
	return err
}

// ClearSourceAssignment drops the back-reference for a single target.
func (s *Store) ClearSourceAssignment(ctx context.Context, url string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE sources SET session_id=NULL, assigned_at=NULL WHERE url=$1`, url)
	return err
}

// ClearAllSourceAssignments drops every back-reference in one statement and returns the number of rows touched.
func (s *Store) ClearAllSourceAssignments(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE sources SET session_id=NULL, assigned_at=NULL WHERE session_id IS NOT NULL OR assigned_at IS NOT NULL`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
