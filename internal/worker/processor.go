package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mohammad-safakhou/teleagg/internal/distribution"
	"github.com/mohammad-safakhou/teleagg/internal/queue/streams"
	"github.com/mohammad-safakhou/teleagg/internal/tasks"
)

// Engine is the distribution surface the worker executes tasks against.
type Engine interface {
	Distribute(ctx context.Context, targets []string) (distribution.Report, error)
	Redistribute(ctx context.Context) (distribution.RebalanceReport, error)
	RemoveSession(ctx context.Context, phone string) (distribution.RemovalReport, error)
	CleanDuplicates(ctx context.Context) (distribution.CleanupReport, error)
}

// Claims records processed events so redelivered messages are not executed twice.
type Claims interface {
	ClaimIdempotency(ctx context.Context, scope, key string) (bool, error)
}

// MessageSource is the consumer-group side of the task stream.
type MessageSource interface {
	Read(ctx context.Context, stream string, opts ...streams.ConsumerOption) ([]streams.Message, error)
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]streams.Message, string, error)
	Ack(ctx context.Context, stream string, ids ...string) error
}

// Options tune the consume loop.
type Options struct {
	Block       time.Duration
	Count       int64
	ReclaimIdle time.Duration
}

func (o Options) withDefaults() Options {
	if o.Block <= 0 {
		o.Block = 5 * time.Second
	}
	if o.Count <= 0 {
		o.Count = 8
	}
	if o.ReclaimIdle <= 0 {
		o.ReclaimIdle = time.Minute
	}
	return o
}

// Processor consumes distribution tasks, runs them and records their outcome.
type Processor struct {
	logger      *log.Logger
	engine      Engine
	claims      Claims
	results     tasks.ResultStore
	source      MessageSource
	stream      string
	opts        Options
	now         func() time.Time
	tracer      trace.Tracer
	taskCounter otelmetric.Int64Counter
	skipCounter otelmetric.Int64Counter
	duration    otelmetric.Float64Histogram
}

// NewProcessor constructs a Processor. meter and tracer may be nil.
func NewProcessor(logger *log.Logger, engine Engine, claims Claims, results tasks.ResultStore, source MessageSource, stream string, opts Options, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if logger == nil {
		logger = log.Default()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("worker")
	}
	p := &Processor{
		logger:  logger,
		engine:  engine,
		claims:  claims,
		results: results,
		source:  source,
		stream:  stream,
		opts:    opts.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
		tracer:  tracer,
	}
	if meter != nil {
		var err error
		p.taskCounter, err = meter.Int64Counter("worker_tasks_processed")
		if err != nil {
			logger.Printf("warn: create task counter failed: %v", err)
		}
		p.skipCounter, err = meter.Int64Counter("worker_tasks_skipped")
		if err != nil {
			logger.Printf("warn: create skip counter failed: %v", err)
		}
		p.duration, err = meter.Float64Histogram("worker_task_duration_seconds", otelmetric.WithUnit("s"))
		if err != nil {
			logger.Printf("warn: create duration histogram failed: %v", err)
		}
	}
	return p
}

// Start blocks, processing tasks until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker processor starting; consuming stream %s", p.stream)
	p.reclaim(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("worker processor stopping: %v", ctx.Err())
			return nil
		default:
		}

		msgs, err := p.source.Read(ctx, p.stream, streams.WithBlock(p.opts.Block), streams.WithCount(p.opts.Count))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if len(msgs) == 0 {
			p.reclaim(ctx)
			continue
		}
		p.handleAll(ctx, msgs)
	}
}

// reclaim picks up messages a crashed worker left pending.
func (p *Processor) reclaim(ctx context.Context) {
	cursor := "0-0"
	for {
		msgs, next, err := p.source.AutoClaim(ctx, p.stream, p.opts.ReclaimIdle, cursor, p.opts.Count)
		if err != nil {
			p.logger.Printf("warn: reclaim pending tasks: %v", err)
			return
		}
		if len(msgs) > 0 {
			p.logger.Printf("reclaimed %d pending tasks", len(msgs))
			p.handleAll(ctx, msgs)
		}
		if next == "" || next == "0-0" || len(msgs) == 0 {
			return
		}
		cursor = next
	}
}

func (p *Processor) handleAll(ctx context.Context, msgs []streams.Message) {
	for _, msg := range msgs {
		if err := p.Handle(ctx, msg); err != nil {
			if errors.Is(err, errRetry) {
				// left unacked; reclaim redelivers it after ReclaimIdle
				p.logger.Printf("warn: task message %s left pending: %v", msg.ID, err)
				continue
			}
			p.logger.Printf("error handling task message %s: %v", msg.ID, err)
		}
		if err := p.source.Ack(ctx, p.stream, msg.ID); err != nil {
			p.logger.Printf("warn: failed to ack message %s: %v", msg.ID, err)
		}
	}
}

// errRetry marks transient failures; the message must stay pending.
var errRetry = errors.New("transient failure")

// Handle runs one task message end to end. Task failures are recorded on the task
// record. A returned error wrapping errRetry means nothing ran and the message must
// not be acked; any other error reports a message that can never run.
func (p *Processor) Handle(ctx context.Context, msg streams.Message) error {
	ctx, span := p.tracer.Start(ctx, "worker.handle_task")
	defer span.End()

	var payload tasks.Payload
	if err := msg.Envelope.Decode(&payload); err != nil {
		p.failUndecodable(ctx, msg.Envelope.EventID, err)
		return fmt.Errorf("decode task %s: %w", msg.Envelope.EventID, err)
	}
	span.SetAttributes(attribute.String("task.id", payload.TaskID), attribute.String("task.kind", string(payload.Kind)))

	claimed, err := p.claims.ClaimIdempotency(ctx, msg.Envelope.EventType, msg.Envelope.EventID)
	if err != nil {
		return fmt.Errorf("%w: claim idempotency: %v", errRetry, err)
	}

	rec, ok, err := p.results.Get(ctx, payload.TaskID)
	if err != nil {
		if !claimed {
			return fmt.Errorf("%w: load record for %s: %v", errRetry, payload.TaskID, err)
		}
		p.logger.Printf("warn: load record for %s: %v", payload.TaskID, err)
	}
	if !claimed {
		// claimed by an earlier delivery that never finished; run it again
		if !ok || rec.Status.Terminal() {
			p.logger.Printf("skip event %s: already processed", msg.Envelope.EventID)
			if p.skipCounter != nil {
				p.skipCounter.Add(ctx, 1)
			}
			return nil
		}
		p.logger.Printf("resuming task %s left %s by an earlier delivery", payload.TaskID, rec.Status)
	}
	if !ok {
		rec = tasks.Record{TaskID: payload.TaskID, Kind: payload.Kind, RequestedBy: payload.RequestedBy, CreatedAt: payload.RequestedAt}
	}
	rec = tasks.Start(rec, p.now())
	if err := p.results.Put(ctx, rec); err != nil {
		p.logger.Printf("warn: mark %s running: %v", payload.TaskID, err)
	}

	start := time.Now()
	result, runErr := p.Execute(ctx, payload)
	elapsed := time.Since(start)
	rec = tasks.Finish(rec, result, runErr, p.now())
	if err := p.results.Put(ctx, rec); err != nil {
		p.logger.Printf("warn: record outcome of %s: %v", payload.TaskID, err)
	}
	if runErr != nil {
		span.RecordError(runErr)
		p.logger.Printf("task %s (%s) failed after %s: %v", payload.TaskID, payload.Kind, elapsed, runErr)
	} else {
		p.logger.Printf("task %s (%s) succeeded in %s", payload.TaskID, payload.Kind, elapsed)
	}

	attrs := otelmetric.WithAttributes(attribute.String("kind", string(payload.Kind)), attribute.String("status", string(rec.Status)))
	if p.taskCounter != nil {
		p.taskCounter.Add(ctx, 1, attrs)
	}
	if p.duration != nil {
		p.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
	return nil
}

// failUndecodable closes the record of a task whose payload cannot be read.
func (p *Processor) failUndecodable(ctx context.Context, taskID string, decodeErr error) {
	if taskID == "" {
		return
	}
	rec, ok, err := p.results.Get(ctx, taskID)
	if err != nil {
		p.logger.Printf("warn: load record for %s: %v", taskID, err)
	}
	if !ok {
		rec = tasks.Record{TaskID: taskID, CreatedAt: p.now()}
	}
	rec = tasks.Finish(rec, nil, fmt.Errorf("decode payload: %w", decodeErr), p.now())
	if err := p.results.Put(ctx, rec); err != nil {
		p.logger.Printf("warn: record decode failure of %s: %v", taskID, err)
	}
}

// Execute dispatches a payload to the matching engine operation.
func (p *Processor) Execute(ctx context.Context, payload tasks.Payload) (any, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	switch payload.Kind {
	case tasks.KindDistribute:
		return outcome(p.engine.Distribute(ctx, payload.Targets))
	case tasks.KindRedistribute:
		return outcome(p.engine.Redistribute(ctx))
	case tasks.KindRemoveSession:
		rep, err := p.engine.RemoveSession(ctx, payload.PhoneNumber)
		if err != nil && rep.SessionID == "" {
			return nil, err
		}
		// a partial report survives a failed re-read of the remaining sessions
		return rep, err
	case tasks.KindCleanDuplicates:
		return outcome(p.engine.CleanDuplicates(ctx))
	}
	return nil, fmt.Errorf("%w: %q", tasks.ErrUnknownKind, payload.Kind)
}

func outcome[T any](rep T, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return rep, nil
}
