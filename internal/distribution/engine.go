// Package distribution assigns Telegram channels to authorized sessions.
//
// An assignment is stored twice: the session's channels list and the source's
// back-reference (session_id, assigned_at). The two registries are written
// independently without a transaction; operations are best-effort per target and
// report what they could not place in not_loaded.
package distribution

import (
	"context"
	"log"
	"time"

	"github.com/mohammad-safakhou/teleagg/internal/runlock"
	"github.com/mohammad-safakhou/teleagg/internal/sources"
	"github.com/mohammad-safakhou/teleagg/internal/store"
)

// Lock keys, one per guarded operation kind.
const (
	DistributeLockKey   = "distribute_channels_running"
	RedistributeLockKey = "redistribute_channels_running"
)

// DefaultMaxChannelsPerAccount is the per-session capacity when none is configured.
const DefaultMaxChannelsPerAccount = 20

// Report statuses.
const (
	StatusOK             = "ok"
	StatusAlreadyRunning = "already_running"
)

// SessionRegistry is the subset of the store the engine reads and writes sessions through.
type SessionRegistry interface {
	ListSessions(ctx context.Context) ([]store.Session, error)
	GetSession(ctx context.Context, sessionID string) (store.Session, bool, error)
	GetSessionByPhone(ctx context.Context, phone string) (store.Session, bool, error)
	UpdateSessionChannels(ctx context.Context, sessionID string, channels []string) error
	PushSessionChannel(ctx context.Context, sessionID, key string) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// SourceRegistry is the subset of the store holding targets and their back-references.
type SourceRegistry interface {
	ListSources(ctx context.Context, filter store.SourceFilter) ([]store.Source, error)
	SetSourceAssignment(ctx context.Context, url, sessionID string, at time.Time) error
	ClearSourceAssignment(ctx context.Context, url string) error
	ClearAllSourceAssignments(ctx context.Context) (int64, error)
}

// SessionFiles removes the remote-session credential state of a deleted account.
type SessionFiles interface {
	Remove(ctx context.Context, phone string) error
}

// Report is the result of Distribute and the base of RebalanceReport.
type Report struct {
	Status      string              `json:"status"`
	Distributed map[string][]string `json:"distributed"`
	NotLoaded   []string            `json:"not_loaded"`
	TotalSlots  int                 `json:"total_slots"`
}

// RebalanceReport adds post-write observability counters.
type RebalanceReport struct {
	Report
	TotalSavedChannels    int `json:"total_saved_channels"`
	TotalExpectedChannels int `json:"total_expected_channels"`
}

// RemovalReport describes what happened to a removed session's channels.
type RemovalReport struct {
	SessionID   string              `json:"session_id"`
	PhoneNumber string              `json:"phone_number"`
	Orphaned    []string            `json:"orphaned"`
	Reassigned  map[string][]string `json:"reassigned"`
	Unassigned  []string            `json:"unassigned"`
}

// CleanupReport summarises duplicate reconciliation.
type CleanupReport struct {
	CleanedCount int            `json:"cleaned_count"`
	Sessions     map[string]int `json:"sessions"`
}

func newReport() Report {
	return Report{Status: StatusOK, Distributed: map[string][]string{}, NotLoaded: []string{}}
}

func alreadyRunning() Report {
	r := newReport()
	r.Status = StatusAlreadyRunning
	return r
}

// Engine runs the capacity-constrained assignment, rebalancing, removal and dedup operations.
type Engine struct {
	sessions SessionRegistry
	sources  SourceRegistry
	files    SessionFiles
	locker   runlock.Locker
	lockTTL  time.Duration
	capacity int
	classify sources.Classifier
	logger   *log.Logger
	metrics  *Metrics
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithCapacity sets MAX_CHANNELS_PER_ACCOUNT for this engine.
func WithCapacity(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.capacity = n
		}
	}
}

// WithLocker guards Distribute and Redistribute with a run-lock.
func WithLocker(l runlock.Locker, ttl time.Duration) Option {
	return func(e *Engine) {
		e.locker = l
		if ttl > 0 {
			e.lockTTL = ttl
		}
	}
}

// WithClassifier swaps the eligibility predicate.
func WithClassifier(c sources.Classifier) Option {
	return func(e *Engine) {
		if c != nil {
			e.classify = c
		}
	}
}

func WithSessionFiles(f SessionFiles) Option {
	return func(e *Engine) { e.files = f }
}

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the assigned_at timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New builds an Engine over the two registries.
func New(sessions SessionRegistry, srcs SourceRegistry, opts ...Option) *Engine {
	e := &Engine{
		sessions: sessions,
		sources:  srcs,
		lockTTL:  runlock.DefaultTTL,
		capacity: DefaultMaxChannelsPerAccount,
		classify: sources.IsTelegram,
		logger:   log.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Capacity returns the per-session channel limit.
func (e *Engine) Capacity() int { return e.capacity }

// eligibleSources loads every source and keeps those the classifier accepts, in registry order.
func (e *Engine) eligibleSources(ctx context.Context) ([]store.Source, error) {
	all, err := e.sources.ListSources(ctx, store.SourceFilter{})
	if err != nil {
		return nil, err
	}
	out := make([]store.Source, 0, len(all))
	for _, src := range all {
		if e.classify(src.Type, src.URL) {
			out = append(out, src)
		}
	}
	return out, nil
}

func contains(list []string, key string) bool {
	for _, item := range list {
		if item == key {
			return true
		}
	}
	return false
}

// dedupe keeps the first occurrence of every item, preserving order.
func dedupe(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	out := make([]string, 0, len(list))
	for _, item := range list {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
