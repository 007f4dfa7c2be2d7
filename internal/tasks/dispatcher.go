package tasks

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/teleagg/internal/queue/streams"
)

// Publisher is the stream side of the dispatcher.
type Publisher interface {
	PublishJSON(ctx context.Context, stream, eventType, version, eventID string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

// Dispatcher records a pending task and appends it to the task stream.
type Dispatcher struct {
	pub     Publisher
	results ResultStore
	stream  string
	maxLen  int64
	logger  *log.Logger
	now     func() time.Time
}

func NewDispatcher(pub Publisher, results ResultStore, stream string, maxLen int64, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		pub:     pub,
		results: results,
		stream:  stream,
		maxLen:  maxLen,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue validates p, assigns a task id when missing and publishes it.
// The pending record is written before publishing so a fast worker never races an absent record.
func (d *Dispatcher) Enqueue(ctx context.Context, p Payload) (Record, error) {
	if err := p.Validate(); err != nil {
		return Record{}, err
	}
	if p.TaskID == "" {
		p.TaskID = uuid.NewString()
	}
	if p.RequestedAt.IsZero() {
		p.RequestedAt = d.now()
	}
	rec := Record{
		TaskID:      p.TaskID,
		Kind:        p.Kind,
		Status:      StatusPending,
		RequestedBy: p.RequestedBy,
		CreatedAt:   p.RequestedAt,
	}
	if err := d.results.Put(ctx, rec); err != nil {
		return Record{}, err
	}
	id, err := d.pub.PublishJSON(ctx, d.stream, streams.EventDistributionTask, streams.PayloadV1, p.TaskID, p, streams.WithMaxLenApprox(d.maxLen))
	if err != nil {
		failed := Finish(rec, nil, fmt.Errorf("enqueue: %w", err), d.now())
		if perr := d.results.Put(ctx, failed); perr != nil {
			d.logger.Printf("warn: record enqueue failure for %s: %v", p.TaskID, perr)
		}
		return Record{}, fmt.Errorf("publish task: %w", err)
	}
	d.logger.Printf("enqueued %s task %s as %s", p.Kind, p.TaskID, id)
	return rec, nil
}
