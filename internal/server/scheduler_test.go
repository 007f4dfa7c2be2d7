package server

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mohammad-safakhou/teleagg/config"
	"github.com/mohammad-safakhou/teleagg/internal/tasks"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time { return c.t }

func TestJobsFromConfig(t *testing.T) {
	jobs, err := JobsFromConfig(config.SchedulerConfig{CleanDupsCron: "@daily", DistributeCron: "*/15 * * * *"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(jobs) != 2 || jobs[0].Kind != tasks.KindCleanDuplicates || jobs[1].Kind != tasks.KindDistribute {
		t.Fatalf("unexpected jobs %+v", jobs)
	}

	jobs, err = JobsFromConfig(config.SchedulerConfig{CleanDupsCron: "@daily"})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected empty distribute spec to be skipped, got %d jobs err=%v", len(jobs), err)
	}

	if _, err := JobsFromConfig(config.SchedulerConfig{DistributeCron: "not a cron"}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSchedulerEnqueuesWhenDue(t *testing.T) {
	jobs, err := JobsFromConfig(config.SchedulerConfig{DistributeCron: "*/15 * * * *"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	clock := &stepClock{t: time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC)}
	d := &fakeDispatcher{}
	s := &Scheduler{Tasks: d, Jobs: jobs, Logger: log.New(io.Discard, "", 0), now: clock.now}
	s.prime()

	s.tick(context.Background())
	if len(d.payloads) != 0 {
		t.Fatalf("nothing should be due before 10:15, got %d", len(d.payloads))
	}

	clock.t = time.Date(2024, 5, 1, 10, 15, 30, 0, time.UTC)
	s.tick(context.Background())
	s.tick(context.Background())
	if len(d.payloads) != 1 {
		t.Fatalf("expected exactly one enqueue for the 10:15 slot, got %d", len(d.payloads))
	}
	p := d.last(t)
	if p.Kind != tasks.KindDistribute || p.RequestedBy != "scheduler" {
		t.Fatalf("unexpected payload %+v", p)
	}
	if want := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC); !jobs[0].next.Equal(want) {
		t.Fatalf("expected next run %s, got %s", want, jobs[0].next)
	}
}

func TestSchedulerSlotClaimedOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = redisC.Terminate(ctx) })
	endpoint, err := redisC.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &stepClock{t: time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC)}
	d := &fakeDispatcher{}
	var replicas []*Scheduler
	for i := 0; i < 3; i++ {
		jobs, err := JobsFromConfig(config.SchedulerConfig{CleanDupsCron: "@daily"})
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		s := &Scheduler{Tasks: d, Rdb: rdb, Jobs: jobs, Logger: log.New(io.Discard, "", 0), now: clock.now}
		s.prime()
		replicas = append(replicas, s)
	}

	clock.t = time.Date(2024, 5, 2, 0, 0, 10, 0, time.UTC)
	for _, s := range replicas {
		s.tick(ctx)
	}
	if len(d.payloads) != 1 {
		t.Fatalf("expected one enqueue across replicas, got %d", len(d.payloads))
	}
}
