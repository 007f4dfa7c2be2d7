package distribution

import (
	"context"
	"fmt"
	"sort"

	"github.com/mohammad-safakhou/teleagg/internal/sources"
	"github.com/mohammad-safakhou/teleagg/internal/store"
)

// SessionLoad is one session's share of the assignment.
type SessionLoad struct {
	SessionID   string `json:"session_id"`
	PhoneNumber string `json:"phone_number"`
	Status      string `json:"status"`
	Channels    int    `json:"channels"`
	Duplicates  int    `json:"duplicates"`
	Free        int    `json:"free"`
	OverCap     bool   `json:"over_capacity"`
}

// Divergence is a source whose back-reference disagrees with session membership.
type Divergence struct {
	Key       string   `json:"key"`
	SessionID string   `json:"session_id,omitempty"`
	ListedIn  []string `json:"listed_in"`
}

// Overview is a read-only snapshot of the assignment state.
type Overview struct {
	Capacity    int             `json:"capacity"`
	TotalSlots  int             `json:"total_slots"`
	Sessions    []SessionLoad   `json:"sessions"`
	Eligible    int             `json:"eligible_sources"`
	Unassigned  []string        `json:"unassigned"`
	Divergences []Divergence    `json:"divergences"`
	Running     map[string]bool `json:"running"`
}

// Overview reads both registries and reports load and inconsistencies.
func (e *Engine) Overview(ctx context.Context) (Overview, error) {
	sessions, err := e.sessions.ListSessions(ctx)
	if err != nil {
		return Overview{}, fmt.Errorf("list sessions: %w", err)
	}
	all, err := e.sources.ListSources(ctx, store.SourceFilter{})
	if err != nil {
		return Overview{}, fmt.Errorf("list sources: %w", err)
	}
	ov := BuildOverview(sessions, all, e.capacity, e.classify)
	ov.Running = map[string]bool{DistributeLockKey: false, RedistributeLockKey: false}
	if e.locker != nil {
		for key := range ov.Running {
			held, err := e.locker.Locked(ctx, key)
			if err != nil {
				e.logger.Printf("warn: check lock %s: %v", key, err)
				continue
			}
			ov.Running[key] = held
		}
	}
	return ov, nil
}

// BuildOverview computes an Overview from registry snapshots.
func BuildOverview(sessions []store.Session, all []store.Source, capacity int, classify sources.Classifier) Overview {
	if classify == nil {
		classify = sources.IsTelegram
	}
	ov := Overview{
		Capacity:    capacity,
		Sessions:    make([]SessionLoad, 0, len(sessions)),
		Unassigned:  []string{},
		Divergences: []Divergence{},
	}
	holders := make(map[string][]string)
	for _, s := range sessions {
		unique := dedupe(s.Channels)
		free := capacity - len(s.Channels)
		if free < 0 {
			free = 0
		}
		ov.TotalSlots += free
		ov.Sessions = append(ov.Sessions, SessionLoad{
			SessionID:   s.SessionID,
			PhoneNumber: s.PhoneNumber,
			Status:      s.Status,
			Channels:    len(s.Channels),
			Duplicates:  len(s.Channels) - len(unique),
			Free:        free,
			OverCap:     len(s.Channels) > capacity,
		})
		for _, key := range unique {
			holders[key] = append(holders[key], s.SessionID)
		}
	}

	for _, src := range all {
		if !classify(src.Type, src.URL) {
			continue
		}
		ov.Eligible++
		listed := holders[src.URL]
		switch {
		case len(listed) == 0 && !src.Assigned():
			ov.Unassigned = append(ov.Unassigned, src.URL)
		case len(listed) == 1 && listed[0] == src.SessionID:
		default:
			d := Divergence{Key: src.URL, SessionID: src.SessionID, ListedIn: append([]string{}, listed...)}
			sort.Strings(d.ListedIn)
			ov.Divergences = append(ov.Divergences, d)
		}
	}
	return ov
}
