// Package tasks defines distribution task payloads, their lifecycle records and
// the dispatcher that enqueues them on the task stream.
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind names a distribution operation.
type Kind string

const (
	KindDistribute      Kind = "distribute"
	KindRedistribute    Kind = "redistribute"
	KindRemoveSession   Kind = "remove_session"
	KindCleanDuplicates Kind = "clean_duplicates"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDistribute, KindRedistribute, KindRemoveSession, KindCleanDuplicates:
		return true
	}
	return false
}

// ParseKind accepts kinds with dashes or underscores.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool { return s == StatusSucceeded || s == StatusFailed }

var (
	ErrUnknownKind  = errors.New("unknown task kind")
	ErrMissingPhone = errors.New("remove_session requires a phone number")
)

// Payload is the data carried in the stream envelope.
type Payload struct {
	TaskID      string    `json:"task_id"`
	Kind        Kind      `json:"kind"`
	Targets     []string  `json:"targets,omitempty"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Validate checks kind-specific requirements.
func (p Payload) Validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}
	if p.Kind == KindRemoveSession && strings.TrimSpace(p.PhoneNumber) == "" {
		return ErrMissingPhone
	}
	return nil
}

// Record is what callers poll for a task.
type Record struct {
	TaskID      string          `json:"task_id"`
	Kind        Kind            `json:"kind"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	RequestedBy string          `json:"requested_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}
