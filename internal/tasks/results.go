package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const resultKeyPrefix = "task:result:"

// DefaultResultTTL bounds how long finished task records stay pollable.
const DefaultResultTTL = 24 * time.Hour

// ResultStore persists task records.
type ResultStore interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, taskID string) (Record, bool, error)
}

// Results keeps task records as JSON strings in Redis with a TTL.
type Results struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewResults(client redis.UniversalClient, ttl time.Duration) *Results {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &Results{client: client, ttl: ttl}
}

func resultKey(taskID string) string { return resultKeyPrefix + taskID }

func (r *Results) Put(ctx context.Context, rec Record) error {
	if rec.TaskID == "" {
		return fmt.Errorf("task id is required")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := r.client.Set(ctx, resultKey(rec.TaskID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("store task %s: %w", rec.TaskID, err)
	}
	return nil
}

func (r *Results) Get(ctx context.Context, taskID string) (Record, bool, error) {
	raw, err := r.client.Get(ctx, resultKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load task %s: %w", taskID, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return rec, true, nil
}

// Start marks rec running.
func Start(rec Record, at time.Time) Record {
	rec.Status = StatusRunning
	rec.StartedAt = &at
	rec.Error = ""
	return rec
}

// Finish marks rec succeeded with result, or failed when runErr is non-nil.
func Finish(rec Record, result any, runErr error, at time.Time) Record {
	rec.FinishedAt = &at
	if result != nil {
		if raw, err := json.Marshal(result); err == nil {
			rec.Result = raw
		} else {
			rec.Error = fmt.Sprintf("encode result: %v", err)
		}
	}
	if runErr != nil {
		rec.Status = StatusFailed
		rec.Error = runErr.Error()
		return rec
	}
	rec.Status = StatusSucceeded
	return rec
}
