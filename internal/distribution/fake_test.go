package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mohammad-safakhou/teleagg/internal/store"
)

// registry is an in-memory SessionRegistry and SourceRegistry.
type registry struct {
	mu          sync.Mutex
	sessions    []store.Session
	sources     []store.Source
	writes      int
	failUpdate  map[string]bool
	dropUpdates map[string]int
	onList      func()
}

func newRegistry() *registry {
	return &registry{failUpdate: map[string]bool{}, dropUpdates: map[string]int{}}
}

func (r *registry) addSession(id, phone string, channels ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, store.Session{
		SessionID:   id,
		PhoneNumber: phone,
		Status:      store.SessionStatusActive,
		Channels:    append([]string{}, channels...),
	})
}

func (r *registry) addSources(sourceType string, keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		r.sources = append(r.sources, store.Source{ID: int64(len(r.sources) + 1), URL: k, Type: sourceType})
	}
}

func (r *registry) channels(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.SessionID == id {
			return append([]string{}, s.Channels...)
		}
	}
	return nil
}

func (r *registry) source(url string) store.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sources {
		if s.URL == url {
			return s
		}
	}
	return store.Source{}
}

func (r *registry) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

func (r *registry) ListSessions(context.Context) ([]store.Session, error) {
	if r.onList != nil {
		r.onList()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		s.Channels = append([]string{}, s.Channels...)
		out = append(out, s)
	}
	return out, nil
}

func (r *registry) find(id string) int {
	for i, s := range r.sessions {
		if s.SessionID == id {
			return i
		}
	}
	return -1
}

func (r *registry) GetSession(_ context.Context, id string) (store.Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.find(id)
	if i < 0 {
		return store.Session{}, false, nil
	}
	s := r.sessions[i]
	s.Channels = append([]string{}, s.Channels...)
	return s, true, nil
}

func (r *registry) GetSessionByPhone(_ context.Context, phone string) (store.Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.PhoneNumber == phone {
			s.Channels = append([]string{}, s.Channels...)
			return s, true, nil
		}
	}
	return store.Session{}, false, nil
}

func (r *registry) UpdateSessionChannels(_ context.Context, id string, channels []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdate[id] {
		return errors.New("write refused")
	}
	i := r.find(id)
	if i < 0 {
		return store.ErrSessionNotFound
	}
	r.writes++
	if r.dropUpdates[id] > 0 {
		r.dropUpdates[id]--
		return nil
	}
	r.sessions[i].Channels = append([]string{}, channels...)
	return nil
}

func (r *registry) PushSessionChannel(_ context.Context, id, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.find(id)
	if i < 0 {
		return store.ErrSessionNotFound
	}
	r.writes++
	r.sessions[i].Channels = append(r.sessions[i].Channels, key)
	return nil
}

func (r *registry) DeleteSession(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.find(id)
	if i < 0 {
		return store.ErrSessionNotFound
	}
	r.writes++
	r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
	return nil
}

func (r *registry) ListSources(_ context.Context, f store.SourceFilter) ([]store.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.Source
	for _, s := range r.sources {
		if f.Type != "" && s.Type != f.Type {
			continue
		}
		if f.Unassigned && s.Assigned() {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *registry) SetSourceAssignment(_ context.Context, url, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.sources {
		if r.sources[i].URL == url {
			r.writes++
			r.sources[i].SessionID = id
			ts := at
			r.sources[i].AssignedAt = &ts
			return nil
		}
	}
	return fmt.Errorf("source %s not found", url)
}

func (r *registry) ClearSourceAssignment(_ context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.sources {
		if r.sources[i].URL == url {
			r.writes++
			r.sources[i].SessionID = ""
			r.sources[i].AssignedAt = nil
		}
	}
	return nil
}

func (r *registry) ClearAllSourceAssignments(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for i := range r.sources {
		if r.sources[i].Assigned() {
			n++
		}
		r.sources[i].SessionID = ""
		r.sources[i].AssignedAt = nil
	}
	r.writes++
	return n, nil
}

type recordingFiles struct{ removed []string }

func (f *recordingFiles) Remove(_ context.Context, phone string) error {
	f.removed = append(f.removed, phone)
	return nil
}

func telegramKeys(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("@%s%02d", prefix, i)
	}
	return out
}
