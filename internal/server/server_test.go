package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mohammad-safakhou/teleagg/config"
	"github.com/mohammad-safakhou/teleagg/internal/distribution"
	"github.com/mohammad-safakhou/teleagg/internal/queue/streams"
	"github.com/mohammad-safakhou/teleagg/internal/runtime"
	"github.com/mohammad-safakhou/teleagg/internal/sources"
	"github.com/mohammad-safakhou/teleagg/internal/store"
	"github.com/mohammad-safakhou/teleagg/internal/tasks"
)

var testSecret = []byte("test-secret")

type memStore struct {
	mu        sync.Mutex
	operators map[string]store.Operator
	sessions  []store.Session
	sources   []store.Source
}

func (m *memStore) GetOperatorByEmail(_ context.Context, email string) (store.Operator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operators[email]
	if !ok {
		return store.Operator{}, store.ErrOperatorNotFound
	}
	return op, nil
}

func (m *memStore) ListSessions(context.Context) ([]store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Session(nil), m.sessions...), nil
}

func (m *memStore) GetSessionByPhone(_ context.Context, phone string) (store.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.PhoneNumber == phone {
			return s, true, nil
		}
	}
	return store.Session{}, false, nil
}

func (m *memStore) CreateSession(_ context.Context, sess store.Session) (store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.PhoneNumber == sess.PhoneNumber {
			return store.Session{}, store.ErrSessionExists
		}
	}
	if sess.Channels == nil {
		sess.Channels = []string{}
	}
	m.sessions = append(m.sessions, sess)
	return sess, nil
}

func (m *memStore) SetSessionStatus(_ context.Context, phone, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.sessions {
		if m.sessions[i].PhoneNumber == phone {
			m.sessions[i].Status = status
			return nil
		}
	}
	return store.ErrSessionNotFound
}

func (m *memStore) ListSources(_ context.Context, filter store.SourceFilter) ([]store.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Source
	for _, s := range m.sources {
		if filter.Type != "" && s.Type != filter.Type {
			continue
		}
		if filter.Unassigned && s.Assigned() {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) SourceExists(_ context.Context, url string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sources {
		if s.URL == url {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) InsertSource(_ context.Context, src store.Source) (store.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src.ID = int64(len(m.sources) + 1)
	m.sources = append(m.sources, src)
	return src, nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	payloads []tasks.Payload
}

func (f *fakeDispatcher) Enqueue(_ context.Context, p tasks.Payload) (tasks.Record, error) {
	if err := p.Validate(); err != nil {
		return tasks.Record{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
	return tasks.Record{TaskID: "task-" + string(p.Kind), Kind: p.Kind, Status: tasks.StatusPending}, nil
}

func (f *fakeDispatcher) last(t *testing.T) tasks.Payload {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		t.Fatalf("expected an enqueued task")
	}
	return f.payloads[len(f.payloads)-1]
}

type fakeResults map[string]tasks.Record

func (f fakeResults) Put(_ context.Context, rec tasks.Record) error {
	f[rec.TaskID] = rec
	return nil
}

func (f fakeResults) Get(_ context.Context, id string) (tasks.Record, bool, error) {
	rec, ok := f[id]
	return rec, ok, nil
}

type fakeProber struct{ title string }

func (f fakeProber) Probe(context.Context, string) (sources.FeedInfo, error) {
	return sources.FeedInfo{Title: f.title, Items: 3}, nil
}

type fakeOverview struct{ ov distribution.Overview }

func (f fakeOverview) Overview(context.Context) (distribution.Overview, error) { return f.ov, nil }

type testServer struct {
	st      *memStore
	tasks   *fakeDispatcher
	results fakeResults
	h       http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	st := &memStore{operators: map[string]store.Operator{
		"admin@example.com": {ID: "op-1", Email: "admin@example.com", PasswordHash: string(hash), Role: store.RoleAdmin},
	}}
	ts := &testServer{st: st, tasks: &fakeDispatcher{}, results: fakeResults{}}
	ts.h = NewRouter(Deps{
		Secret:    testSecret,
		Operators: st,
		Sessions:  st,
		Sources:   st,
		Prober:    fakeProber{title: "Probed Feed"},
		Tasks:     ts.tasks,
		Results:   ts.results,
		Overview:  fakeOverview{ov: distribution.Overview{Capacity: 20, TotalSlots: 40}},
		Lag: func(context.Context) (streams.LagMetrics, error) {
			return streams.LagMetrics{Stream: "distribution.tasks", Pending: 2}, nil
		},
		Logger: log.New(io.Discard, "", 0),
	})
	return ts
}

func token(t *testing.T, role string) string {
	t.Helper()
	tok, err := runtime.SignJWT("op-1", testSecret, time.Hour, runtime.ScopesForRole(role)...)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, role, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, role))
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/auth/login", "", `{"email":"admin@example.com","password":"correct-horse"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp TokenResponse
	decode(t, rec, &resp)
	if resp.Token == "" {
		t.Fatalf("expected token")
	}
	if len(resp.Scopes) != 2 {
		t.Fatalf("expected admin+viewer scopes, got %v", resp.Scopes)
	}

	rec = ts.do(t, http.MethodPost, "/api/auth/login", "", `{"email":"admin@example.com","password":"wrong-password"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var herr HTTPError
	decode(t, rec, &herr)
	if herr.Error != "invalid credentials" {
		t.Fatalf("unexpected error body %+v", herr)
	}
}

func TestSessionsRequireScopes(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodGet, "/api/sessions", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/sessions", store.RoleViewer, `{"phone_number":"+100"}`); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/sessions", store.RoleViewer, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for viewer list, got %d", rec.Code)
	}
}

func TestCreateSession(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/sessions", store.RoleAdmin, `{"phone_number":" +100 "}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var sess store.Session
	decode(t, rec, &sess)
	if sess.PhoneNumber != "+100" || sess.SessionID == "" || sess.Status != store.SessionStatusActive {
		t.Fatalf("unexpected session %+v", sess)
	}

	if rec := ts.do(t, http.MethodPost, "/api/sessions", store.RoleAdmin, `{"phone_number":"+100"}`); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate phone, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/sessions", store.RoleAdmin, `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without phone, got %d", rec.Code)
	}
}

func TestSessionStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.st.sessions = []store.Session{{SessionID: "s1", PhoneNumber: "+100", Status: store.SessionStatusActive}}

	if rec := ts.do(t, http.MethodPatch, "/api/sessions/+100/status", store.RoleAdmin, `{"status":"paused"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPatch, "/api/sessions/+100/status", store.RoleAdmin, `{"status":"inactive"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if ts.st.sessions[0].Status != store.SessionStatusInactive {
		t.Fatalf("status not updated: %+v", ts.st.sessions[0])
	}
	if rec := ts.do(t, http.MethodPatch, "/api/sessions/+999/status", store.RoleAdmin, `{"status":"active"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteSessionEnqueuesRemoval(t *testing.T) {
	ts := newTestServer(t)
	ts.st.sessions = []store.Session{{SessionID: "s1", PhoneNumber: "+100", Status: store.SessionStatusActive}}

	rec := ts.do(t, http.MethodDelete, "/api/sessions/+100", store.RoleAdmin, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var acc TaskAccepted
	decode(t, rec, &acc)
	if acc.Kind != tasks.KindRemoveSession || acc.Status != tasks.StatusPending {
		t.Fatalf("unexpected response %+v", acc)
	}
	p := ts.tasks.last(t)
	if p.PhoneNumber != "+100" || p.RequestedBy != "op-1" {
		t.Fatalf("unexpected payload %+v", p)
	}

	if rec := ts.do(t, http.MethodDelete, "/api/sessions/+999", store.RoleAdmin, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestUploadSources(t *testing.T) {
	ts := newTestServer(t)
	ts.st.sources = []store.Source{{ID: 1, URL: "@existing", Type: sources.TypeTelegram}}

	body := `{"probe":true,"sources":[
		{"url":" @news "},
		{"url":"@news"},
		{"url":"@existing"},
		{"url":"https://example.com/feed.xml"},
		{"url":""}
	]}`
	rec := ts.do(t, http.MethodPost, "/api/sources", store.RoleAdmin, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp UploadSourcesResponse
	decode(t, rec, &resp)
	if resp.Created != 2 || resp.Duplicates != 2 || resp.Invalid != 1 {
		t.Fatalf("unexpected summary %+v", resp)
	}
	if resp.Results[0].Type != sources.TypeTelegram || resp.Results[3].Type != sources.TypeRSS {
		t.Fatalf("unexpected type detection %+v", resp.Results)
	}
	stored, _ := ts.st.ListSources(context.Background(), store.SourceFilter{Type: sources.TypeRSS})
	if len(stored) != 1 || stored[0].Title != "Probed Feed" {
		t.Fatalf("expected probed rss source, got %+v", stored)
	}

	rec = ts.do(t, http.MethodPost, "/api/sources", store.RoleAdmin, `{"sources":[{"url":"@existing"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when nothing created, got %d", rec.Code)
	}
}

func TestListSourcesFilters(t *testing.T) {
	ts := newTestServer(t)
	ts.st.sources = []store.Source{
		{ID: 1, URL: "@a", Type: sources.TypeTelegram, SessionID: "s1"},
		{ID: 2, URL: "@b", Type: sources.TypeTelegram},
		{ID: 3, URL: "https://x/rss", Type: sources.TypeRSS},
	}
	rec := ts.do(t, http.MethodGet, "/api/sources?type=telegram&unassigned=true", store.RoleViewer, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []store.Source
	decode(t, rec, &got)
	if len(got) != 1 || got[0].URL != "@b" {
		t.Fatalf("unexpected filter result %+v", got)
	}
	if rec := ts.do(t, http.MethodGet, "/api/sources?unassigned=maybe", store.RoleViewer, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad bool, got %d", rec.Code)
	}
}

func TestDistributionTriggers(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/distribution/distribute", store.RoleAdmin, `{"targets":[" @a ","","@b"]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	p := ts.tasks.last(t)
	if p.Kind != tasks.KindDistribute || len(p.Targets) != 2 || p.Targets[0] != "@a" {
		t.Fatalf("unexpected payload %+v", p)
	}

	if rec := ts.do(t, http.MethodPost, "/api/distribution/distribute", store.RoleAdmin, ""); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 without body, got %d", rec.Code)
	}
	if p := ts.tasks.last(t); len(p.Targets) != 0 {
		t.Fatalf("expected no explicit targets, got %v", p.Targets)
	}

	for path, kind := range map[string]tasks.Kind{
		"/api/distribution/redistribute":     tasks.KindRedistribute,
		"/api/distribution/clean-duplicates": tasks.KindCleanDuplicates,
	} {
		if rec := ts.do(t, http.MethodPost, path, store.RoleAdmin, ""); rec.Code != http.StatusAccepted {
			t.Fatalf("%s: expected 202, got %d", path, rec.Code)
		}
		if got := ts.tasks.last(t).Kind; got != kind {
			t.Fatalf("%s: expected kind %s, got %s", path, kind, got)
		}
	}

	if rec := ts.do(t, http.MethodPost, "/api/distribution/redistribute", store.RoleViewer, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer, got %d", rec.Code)
	}
}

func TestOverviewAndQueue(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/distribution/overview", store.RoleViewer, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var ov distribution.Overview
	decode(t, rec, &ov)
	if ov.Capacity != 20 || ov.TotalSlots != 40 {
		t.Fatalf("unexpected overview %+v", ov)
	}

	rec = ts.do(t, http.MethodGet, "/api/distribution/queue", store.RoleViewer, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var lag streams.LagMetrics
	decode(t, rec, &lag)
	if lag.Pending != 2 {
		t.Fatalf("unexpected lag %+v", lag)
	}
}

func TestTaskPolling(t *testing.T) {
	ts := newTestServer(t)
	ts.results["t1"] = tasks.Record{TaskID: "t1", Kind: tasks.KindRedistribute, Status: tasks.StatusSucceeded, Result: json.RawMessage(`{"status":"ok"}`)}

	rec := ts.do(t, http.MethodGet, "/api/tasks/t1", store.RoleViewer, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got tasks.Record
	decode(t, rec, &got)
	if got.Status != tasks.StatusSucceeded || string(got.Result) != `{"status":"ok"}` {
		t.Fatalf("unexpected record %+v", got)
	}
	if rec := ts.do(t, http.MethodGet, "/api/tasks/missing", store.RoleViewer, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	if rec := ts.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz %d %q", rec.Code, rec.Body.String())
	}
}

func TestRunRequiresCallerSuppliedBackends(t *testing.T) {
	cases := map[string]Backends{
		"none":       {},
		"store only": {Store: &store.Store{}},
	}
	for name, b := range cases {
		err := Run(context.Background(), &config.Config{}, b)
		if !errors.Is(err, ErrMissingBackend) {
			t.Fatalf("%s: expected ErrMissingBackend, got %v", name, err)
		}
	}
}
