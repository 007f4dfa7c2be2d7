package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/teleagg/config"
	"github.com/mohammad-safakhou/teleagg/internal/tasks"
)

// Job is a cron-triggered task enqueue.
type Job struct {
	Name string
	Kind tasks.Kind
	expr *cronexpr.Expression
	next time.Time
}

// JobsFromConfig parses the configured cron specs. Empty specs are skipped.
func JobsFromConfig(cfg config.SchedulerConfig) ([]*Job, error) {
	specs := []struct {
		name string
		kind tasks.Kind
		spec string
	}{
		{"clean_duplicates", tasks.KindCleanDuplicates, cfg.CleanDupsCron},
		{"distribute", tasks.KindDistribute, cfg.DistributeCron},
	}
	var jobs []*Job
	for _, s := range specs {
		if s.spec == "" {
			continue
		}
		expr, err := cronexpr.Parse(s.spec)
		if err != nil {
			return nil, fmt.Errorf("scheduler.%s cron %q: %w", s.name, s.spec, err)
		}
		jobs = append(jobs, &Job{Name: s.name, Kind: s.kind, expr: expr})
	}
	return jobs, nil
}

// Scheduler enqueues periodic maintenance tasks. Each firing is claimed with SETNX on
// a per-slot key so replicas do not enqueue the same slot twice.
type Scheduler struct {
	Tasks  TaskDispatcher
	Rdb    redis.UniversalClient
	Jobs   []*Job
	Tick   time.Duration
	Logger *log.Logger
	now    func() time.Time
}

// Start runs the scheduler loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.prime()
	ticker := time.NewTicker(s.Tick)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

func (s *Scheduler) prime() {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.Tick <= 0 {
		s.Tick = time.Minute
	}
	now := s.now()
	for _, j := range s.Jobs {
		j.next = j.expr.Next(now)
		s.Logger.Printf("job %s next at %s", j.Name, j.next.Format(time.RFC3339))
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, j := range s.Jobs {
		if j.next.IsZero() || j.next.After(now) {
			continue
		}
		slot := j.next
		j.next = j.expr.Next(now)

		if s.Rdb != nil {
			lockKey := fmt.Sprintf("sched:lock:%s:%d", j.Name, slot.Unix())
			ok, err := s.Rdb.SetNX(ctx, lockKey, "1", 10*time.Minute).Result()
			if err != nil {
				s.Logger.Printf("warn: claim %s: %v", lockKey, err)
				continue
			}
			if !ok {
				continue
			}
		}
		rec, err := s.Tasks.Enqueue(ctx, tasks.Payload{Kind: j.Kind, RequestedBy: "scheduler"})
		if err != nil {
			s.Logger.Printf("enqueue %s failed: %v", j.Name, err)
			continue
		}
		s.Logger.Printf("enqueued %s as task %s", j.Name, rec.TaskID)
	}
}
