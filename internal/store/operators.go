package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// CreateOperator stores a new operator with an already-hashed password.
func (s *Store) CreateOperator(ctx context.Context, email, hash, role string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if role != RoleAdmin && role != RoleViewer {
		return "", fmt.Errorf("invalid role %q", role)
	}
	var id string
	err := s.DB.QueryRowContext(ctx, `INSERT INTO operators (email, password_hash, role) VALUES ($1,$2,$3) RETURNING id`, email, hash, role).Scan(&id)
	return id, err
}

func (s *Store) GetOperatorByEmail(ctx context.Context, email string) (Operator, error) {
	var op Operator
	err := s.DB.QueryRowContext(ctx, `SELECT id, email, password_hash, role, created_at FROM operators WHERE email=$1`,
		strings.ToLower(strings.TrimSpace(email))).Scan(&op.ID, &op.Email, &op.PasswordHash, &op.Role, &op.CreatedAt)
	if err == sql.ErrNoRows {
		return Operator{}, ErrOperatorNotFound
	}
	return op, err
}

// ClaimIdempotency attempts to register a processed event. It returns false if the key already exists.
func (s *Store) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	if scope == "" || key == "" {
		return false, fmt.Errorf("scope and key must be provided")
	}
	var inserted bool
	err := s.DB.QueryRowContext(ctx, `INSERT INTO idempotency_keys (scope, key) VALUES ($1,$2) ON CONFLICT DO NOTHING RETURNING true`, scope, key).Scan(&inserted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}
