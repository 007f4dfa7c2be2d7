package distribution

import (
	"context"
	"fmt"
)

// CleanDuplicates removes repeated keys from every session's channel list, keeping
// the first occurrence. Sessions without duplicates are not written.
func (e *Engine) CleanDuplicates(ctx context.Context) (CleanupReport, error) {
	sessions, err := e.sessions.ListSessions(ctx)
	if err != nil {
		return CleanupReport{}, fmt.Errorf("list sessions: %w", err)
	}
	report := CleanupReport{Sessions: map[string]int{}}
	for _, s := range sessions {
		unique := dedupe(s.Channels)
		removed := len(s.Channels) - len(unique)
		if removed == 0 {
			continue
		}
		if err := e.sessions.UpdateSessionChannels(ctx, s.SessionID, unique); err != nil {
			e.logger.Printf("warn: dedup write for %s: %v", s.SessionID, err)
			continue
		}
		report.CleanedCount += removed
		report.Sessions[s.SessionID] = removed
	}
	e.logger.Printf("dedup: removed %d duplicates across %d sessions", report.CleanedCount, len(report.Sessions))
	e.metrics.observeCleanup(report)
	return report, nil
}
