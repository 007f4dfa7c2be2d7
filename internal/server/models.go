package server

import (
	"github.com/mohammad-safakhou/teleagg/internal/tasks"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token  string   `json:"token"`
	Scopes []string `json:"scopes"`
}

// CreateSessionRequest registers an authorized account.
type CreateSessionRequest struct {
	SessionID   string `json:"session_id"`
	PhoneNumber string `json:"phone_number"`
}

// SessionStatusRequest toggles a session.
type SessionStatusRequest struct {
	Status string `json:"status"`
}

// SourceInput is one uploaded target.
type SourceInput struct {
	URL   string `json:"url"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

// UploadSourcesRequest accepts a batch of targets.
type UploadSourcesRequest struct {
	Sources []SourceInput `json:"sources"`
	// Probe fetches rss targets with a feed parser before storing them.
	Probe bool `json:"probe"`
}

// Upload outcomes per source.
const (
	UploadCreated   = "created"
	UploadDuplicate = "duplicate"
	UploadInvalid   = "invalid"
)

// UploadResult reports what happened to one uploaded target.
type UploadResult struct {
	URL    string `json:"url"`
	Type   string `json:"type,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	ID     int64  `json:"id,omitempty"`
}

// UploadSourcesResponse summarises a batch upload.
type UploadSourcesResponse struct {
	Created    int            `json:"created"`
	Duplicates int            `json:"duplicates"`
	Invalid    int            `json:"invalid"`
	Results    []UploadResult `json:"results"`
}

// DistributeRequest optionally names explicit targets.
type DistributeRequest struct {
	Targets []string `json:"targets"`
}

// TaskAccepted is returned when a task is enqueued.
type TaskAccepted struct {
	TaskID string       `json:"task_id"`
	Kind   tasks.Kind   `json:"kind"`
	Status tasks.Status `json:"status"`
}
