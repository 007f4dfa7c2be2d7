package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

type Store struct {
	DB *sql.DB
}

var (
	// ErrSessionNotFound is returned when no session matches the lookup key.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSourceExists is returned when a source with the same url is already registered.
	ErrSourceExists = errors.New("source already exists")
	// ErrOperatorNotFound is returned when no operator matches the email.
	ErrOperatorNotFound = errors.New("operator not found")
	// ErrSessionExists is returned when the phone number is already registered.
	ErrSessionExists = errors.New("session already exists")
)

// Session statuses.
const (
	SessionStatusActive   = "active"
	SessionStatusInactive = "inactive"
)

// Operator roles.
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// Session is an authorized Telegram account usable for scraping.
type Session struct {
	SessionID   string    `json:"session_id"`
	PhoneNumber string    `json:"phone_number"`
	Status      string    `json:"status"`
	Channels    []string  `json:"channels"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Source is a scrape target. SessionID and AssignedAt mirror session channel membership.
type Source struct {
	ID         int64      `json:"id"`
	URL        string     `json:"url"`
	Type       string     `json:"type"`
	Title      string     `json:"title,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Assigned reports whether the back-reference is set.
func (s Source) Assigned() bool { return s.SessionID != "" }

// SourceFilter narrows ListSources. Zero value lists everything.
type SourceFilter struct {
	Type       string
	Unassigned bool
}

// Operator is a bot/API user allowed to trigger distribution tasks.
type Operator struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pq.Error
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
