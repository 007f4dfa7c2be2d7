package distribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/teleagg/internal/runlock"
)

// Redistribute clears every assignment and spreads all eligible sources evenly.
// It is not atomic: a crash between the clear and the reassignment leaves everything
// unassigned, and rerunning from that state converges.
func (e *Engine) Redistribute(ctx context.Context) (RebalanceReport, error) {
	start := time.Now()
	var report RebalanceReport
	err := runlock.Do(ctx, e.locker, RedistributeLockKey, e.lockTTL, e.logger, func(ctx context.Context) error {
		var err error
		report, err = e.redistribute(ctx)
		return err
	})
	if errors.Is(err, runlock.ErrLocked) {
		e.logger.Printf("redistribute: skipped, %s is held", RedistributeLockKey)
		e.metrics.observeRun(opRedistribute, StatusAlreadyRunning, start)
		return RebalanceReport{Report: alreadyRunning()}, nil
	}
	if err != nil {
		e.metrics.observeRun(opRedistribute, "error", start)
		return RebalanceReport{}, err
	}
	e.metrics.observeRun(opRedistribute, StatusOK, start)
	e.metrics.observeReport(opRedistribute, report.Report)
	return report, nil
}

func (e *Engine) redistribute(ctx context.Context) (RebalanceReport, error) {
	eligible, err := e.eligibleSources(ctx)
	if err != nil {
		return RebalanceReport{}, fmt.Errorf("list sources: %w", err)
	}
	keys := make([]string, 0, len(eligible))
	for _, src := range eligible {
		keys = append(keys, src.URL)
	}
	keys = dedupe(keys)

	sessions, err := e.sessions.ListSessions(ctx)
	if err != nil {
		return RebalanceReport{}, fmt.Errorf("list sessions: %w", err)
	}
	report := RebalanceReport{Report: newReport()}
	if len(sessions) == 0 {
		report.NotLoaded = append(report.NotLoaded, keys...)
		e.logger.Printf("redistribute: no sessions, %d targets not loaded", len(keys))
		return report, nil
	}

	order := make([]string, 0, len(sessions))
	for _, s := range sessions {
		order = append(order, s.SessionID)
		if err := e.sessions.UpdateSessionChannels(ctx, s.SessionID, []string{}); err != nil {
			e.logger.Printf("warn: clear channels of %s: %v", s.SessionID, err)
		}
	}
	if n, err := e.sources.ClearAllSourceAssignments(ctx); err != nil {
		e.logger.Printf("warn: clear back-references: %v", err)
	} else {
		e.logger.Printf("redistribute: cleared %d back-references", n)
	}
	for _, sid := range order {
		fresh, ok, err := e.sessions.GetSession(ctx, sid)
		if err != nil {
			e.logger.Printf("warn: verify clear of %s: %v", sid, err)
			continue
		}
		if ok && len(fresh.Channels) > 0 {
			e.logger.Printf("warn: session %s still reports %d channels after clear", sid, len(fresh.Channels))
		}
	}

	n := len(order)
	remaining := make(map[string]int, n)
	for _, sid := range order {
		remaining[sid] = e.capacity
	}

	expected := make(map[string][]string, n)
	for i, key := range keys {
		sid := order[i%n]
		if remaining[sid] <= 0 {
			report.NotLoaded = append(report.NotLoaded, key)
			continue
		}
		remaining[sid]--
		expected[sid] = append(expected[sid], key)

		written, err := e.place(ctx, sid, key)
		if err != nil {
			e.logger.Printf("warn: assign %s to %s: %v", key, sid, err)
			report.NotLoaded = append(report.NotLoaded, key)
			continue
		}
		if !written {
			e.logger.Printf("redistribute: %s already in session %s", key, sid)
		}
		report.Distributed[sid] = append(report.Distributed[sid], key)
		e.setBackReference(ctx, key, sid)
	}

	report.TotalSlots = freeSlots(remaining)
	e.reconcile(ctx, &report, expected)
	e.logger.Printf("redistribute: %d targets over %d sessions, expected %d saved %d, %d not loaded",
		len(keys), n, report.TotalExpectedChannels, report.TotalSavedChannels, len(report.NotLoaded))
	return report, nil
}

// reconcile re-reads all sessions and forces the expected list into sessions that
// read back empty. It makes a single attempt and never fails the run.
func (e *Engine) reconcile(ctx context.Context, report *RebalanceReport, expected map[string][]string) {
	for _, list := range expected {
		report.TotalExpectedChannels += len(list)
	}
	actual, err := e.sessions.ListSessions(ctx)
	if err != nil {
		e.logger.Printf("warn: post-write verification: %v", err)
		return
	}
	for _, s := range actual {
		want := expected[s.SessionID]
		if len(s.Channels) != len(want) {
			e.logger.Printf("warn: session %s has %d channels, expected %d", s.SessionID, len(s.Channels), len(want))
		}
		if len(s.Channels) > 0 || len(want) == 0 {
			report.TotalSavedChannels += len(s.Channels)
			continue
		}
		if err := e.sessions.UpdateSessionChannels(ctx, s.SessionID, want); err != nil {
			e.logger.Printf("warn: corrective write for %s failed: %v", s.SessionID, err)
			continue
		}
		e.logger.Printf("redistribute: corrected session %s with %d channels", s.SessionID, len(want))
		report.TotalSavedChannels += len(want)
		e.adoptCorrected(ctx, report, s.SessionID, want)
	}
}

// adoptCorrected moves keys recovered by a corrective write out of not_loaded.
func (e *Engine) adoptCorrected(ctx context.Context, report *RebalanceReport, sessionID string, keys []string) {
	recovered := make(map[string]struct{})
	for _, key := range keys {
		if contains(report.Distributed[sessionID], key) {
			continue
		}
		recovered[key] = struct{}{}
		e.setBackReference(ctx, key, sessionID)
	}
	if len(recovered) == 0 {
		return
	}
	report.Distributed[sessionID] = append([]string(nil), keys...)
	kept := report.NotLoaded[:0]
	for _, key := range report.NotLoaded {
		if _, ok := recovered[key]; !ok {
			kept = append(kept, key)
		}
	}
	report.NotLoaded = kept
}
