package distribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/teleagg/internal/runlock"
	"github.com/mohammad-safakhou/teleagg/internal/sources"
	"github.com/mohammad-safakhou/teleagg/internal/store"
)

// Distribute assigns targets that no session holds yet to sessions with spare capacity.
// An empty targets list distributes every eligible source from the registry.
// If another Distribute holds the run-lock the report has status already_running and
// nothing is written.
func (e *Engine) Distribute(ctx context.Context, targets []string) (Report, error) {
	start := time.Now()
	var report Report
	err := runlock.Do(ctx, e.locker, DistributeLockKey, e.lockTTL, e.logger, func(ctx context.Context) error {
		var err error
		report, err = e.distribute(ctx, targets)
		return err
	})
	if errors.Is(err, runlock.ErrLocked) {
		e.logger.Printf("distribute: skipped, %s is held", DistributeLockKey)
		e.metrics.observeRun(opDistribute, StatusAlreadyRunning, start)
		return alreadyRunning(), nil
	}
	if err != nil {
		e.metrics.observeRun(opDistribute, "error", start)
		return Report{}, err
	}
	e.metrics.observeRun(opDistribute, StatusOK, start)
	e.metrics.observeReport(opDistribute, report)
	return report, nil
}

func (e *Engine) distribute(ctx context.Context, targets []string) (Report, error) {
	sessions, err := e.sessions.ListSessions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list sessions: %w", err)
	}
	eligible, err := e.eligibleSources(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list sources: %w", err)
	}
	registryKeys := make(map[string]struct{}, len(eligible))
	for _, src := range eligible {
		registryKeys[src.URL] = struct{}{}
	}

	var candidates []string
	if len(targets) == 0 {
		for _, src := range eligible {
			candidates = append(candidates, src.URL)
		}
	} else {
		for _, t := range targets {
			if key := sources.NormalizeKey(t); key != "" {
				candidates = append(candidates, key)
			}
		}
	}
	candidates = dedupe(candidates)

	report := newReport()
	distributed := make(map[string]struct{})
	order := make([]string, 0, len(sessions))
	remaining := make(map[string]int, len(sessions))
	for _, s := range sessions {
		for _, ch := range s.Channels {
			distributed[ch] = struct{}{}
		}
		free := e.capacity - len(s.Channels)
		if free < 0 {
			free = 0
		}
		order = append(order, s.SessionID)
		remaining[s.SessionID] = free
	}

	newTargets := make([]string, 0, len(candidates))
	for _, key := range candidates {
		if _, ok := distributed[key]; !ok {
			newTargets = append(newTargets, key)
		}
	}
	if len(newTargets) == 0 {
		report.TotalSlots = freeSlots(remaining)
		e.logger.Printf("distribute: nothing new among %d targets", len(candidates))
		return report, nil
	}

	n := len(order)
	cursor := 0
	for _, key := range newTargets {
		handled := false
		for i := 0; i < n && !handled; i++ {
			sid := order[(cursor+i)%n]
			if remaining[sid] <= 0 {
				continue
			}
			written, err := e.place(ctx, sid, key)
			if err != nil {
				e.logger.Printf("warn: assign %s to %s: %v", key, sid, err)
				if errors.Is(err, store.ErrSessionNotFound) {
					remaining[sid] = 0
					continue
				}
				break
			}
			handled = true
			if !written {
				e.logger.Printf("distribute: %s already in session %s, skipping", key, sid)
				break
			}
			remaining[sid]--
			report.Distributed[sid] = append(report.Distributed[sid], key)
			if _, ok := registryKeys[key]; ok {
				e.setBackReference(ctx, key, sid)
			}
		}
		if !handled {
			report.NotLoaded = append(report.NotLoaded, key)
		}
		if n > 0 {
			cursor = (cursor + 1) % n
		}
	}

	report.TotalSlots = freeSlots(remaining)
	e.logger.Printf("distribute: placed %d of %d new targets over %d sessions, %d not loaded",
		len(newTargets)-len(report.NotLoaded), len(newTargets), n, len(report.NotLoaded))
	return report, nil
}

// freeSlots sums the capacity left after placement.
func freeSlots(remaining map[string]int) int {
	total := 0
	for _, free := range remaining {
		if free > 0 {
			total += free
		}
	}
	return total
}

// place re-reads the session and writes its channel list with key appended.
// It returns false without writing when key is already present.
func (e *Engine) place(ctx context.Context, sessionID, key string) (bool, error) {
	fresh, ok, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("refetch session: %w", err)
	}
	if !ok {
		return false, fmt.Errorf("refetch %s: %w", sessionID, store.ErrSessionNotFound)
	}
	if contains(fresh.Channels, key) {
		return false, nil
	}
	updated := make([]string, 0, len(fresh.Channels)+1)
	updated = append(updated, fresh.Channels...)
	updated = append(updated, key)
	if err := e.sessions.UpdateSessionChannels(ctx, sessionID, updated); err != nil {
		return false, fmt.Errorf("update channels: %w", err)
	}
	return true, nil
}

func (e *Engine) setBackReference(ctx context.Context, key, sessionID string) {
	if err := e.sources.SetSourceAssignment(ctx, key, sessionID, e.now()); err != nil {
		e.logger.Printf("warn: set back-reference %s -> %s: %v", key, sessionID, err)
	}
}
