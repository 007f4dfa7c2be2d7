package distribution

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/teleagg/internal/store"
)

// RemoveSession deletes the session registered under phone and hands its channels
// to the remaining sessions by index-modulo. Reassignment ignores capacity, so a
// receiving session may temporarily exceed MaxChannelsPerAccount until the next
// Redistribute. With no sessions left the orphans stay unassigned.
func (e *Engine) RemoveSession(ctx context.Context, phone string) (RemovalReport, error) {
	sess, ok, err := e.sessions.GetSessionByPhone(ctx, phone)
	if err != nil {
		return RemovalReport{}, fmt.Errorf("lookup session: %w", err)
	}
	if !ok {
		return RemovalReport{}, fmt.Errorf("phone %s: %w", phone, store.ErrSessionNotFound)
	}

	orphans := dedupe(sess.Channels)
	report := RemovalReport{
		SessionID:   sess.SessionID,
		PhoneNumber: sess.PhoneNumber,
		Orphaned:    orphans,
		Reassigned:  map[string][]string{},
		Unassigned:  []string{},
	}
	if err := e.sessions.DeleteSession(ctx, sess.SessionID); err != nil {
		return RemovalReport{}, fmt.Errorf("delete session: %w", err)
	}
	e.logger.Printf("remove: deleted session %s (%s) holding %d channels", sess.SessionID, phone, len(orphans))

	if e.files != nil {
		if err := e.files.Remove(ctx, phone); err != nil {
			e.logger.Printf("warn: remove session files for %s: %v", phone, err)
		}
	}
	for _, key := range orphans {
		if err := e.sources.ClearSourceAssignment(ctx, key); err != nil {
			e.logger.Printf("warn: clear back-reference of %s: %v", key, err)
		}
	}

	remaining, err := e.sessions.ListSessions(ctx)
	if err != nil {
		report.Unassigned = append(report.Unassigned, orphans...)
		e.metrics.observeRemoval(report)
		return report, fmt.Errorf("list remaining sessions: %w", err)
	}
	if len(remaining) == 0 {
		report.Unassigned = append(report.Unassigned, orphans...)
		e.logger.Printf("remove: no sessions left, %d channels unassigned", len(orphans))
		e.metrics.observeRemoval(report)
		return report, nil
	}

	n := len(remaining)
	for i, key := range orphans {
		sid := remaining[i%n].SessionID
		if err := e.sessions.PushSessionChannel(ctx, sid, key); err != nil {
			e.logger.Printf("warn: reassign %s to %s: %v", key, sid, err)
			report.Unassigned = append(report.Unassigned, key)
			continue
		}
		report.Reassigned[sid] = append(report.Reassigned[sid], key)
		e.setBackReference(ctx, key, sid)
	}
	e.logger.Printf("remove: reassigned %d channels over %d sessions", len(orphans)-len(report.Unassigned), n)
	e.metrics.observeRemoval(report)
	return report, nil
}
