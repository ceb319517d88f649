package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bandmonitor/internal/models"
	"bandmonitor/internal/monitor"
	"bandmonitor/internal/probe"
	"bandmonitor/internal/storage"
)

type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	accounts map[int64]models.Account
}

func newFakeStore() *fakeStore {
	return &fakeStore{accounts: make(map[int64]models.Account)}
}

func (s *fakeStore) AddAccount(username, password string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range s.accounts {
		if acc.Username == username {
			return 0, errors.New("username already exists")
		}
	}
	s.nextID++
	s.accounts[s.nextID] = models.Account{
		ID:       s.nextID,
		Username: username,
		Password: password,
		Status:   models.StatusStopped,
	}
	return s.nextID, nil
}

func (s *fakeStore) Account(id int64) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return models.Account{}, storage.ErrNotFound
	}
	return acc, nil
}

func (s *fakeStore) Accounts() ([]models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, acc)
	}
	return out, nil
}

func (s *fakeStore) Delete(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
	return nil
}

func (s *fakeStore) SetTargetAndNotes(id int64, target int, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc := s.accounts[id]
	acc.Target = target
	acc.Notes = notes
	s.accounts[id] = acc
	return nil
}

func (s *fakeStore) put(acc models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acc.ID] = acc
	if acc.ID > s.nextID {
		s.nextID = acc.ID
	}
}

type fakeMonitor struct {
	mu       sync.Mutex
	startErr error
	pauseErr error
	running  map[int64]bool
	closed   []int64
	recent   []models.MonitorEvent
	events   chan models.MonitorEvent
	calls    []string
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{
		running: make(map[int64]bool),
		events:  make(chan models.MonitorEvent, 8),
	}
}

func (m *fakeMonitor) Start(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.running[id] = true
	return nil
}

func (m *fakeMonitor) Pause(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pauseErr != nil {
		return m.pauseErr
	}
	m.running[id] = false
	return nil
}

func (m *fakeMonitor) Resume(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[id] = true
	return nil
}

func (m *fakeMonitor) Close(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[id] = false
	m.closed = append(m.closed, id)
	return nil
}

func (m *fakeMonitor) Running(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[id]
}

func (m *fakeMonitor) Subscribe() (<-chan models.MonitorEvent, func()) {
	m.mu.Lock()
	m.calls = append(m.calls, "subscribe")
	m.mu.Unlock()
	return m.events, func() {}
}

func (m *fakeMonitor) RecentEvents() []models.MonitorEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "recent")
	return append([]models.MonitorEvent(nil), m.recent...)
}

func (m *fakeMonitor) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type fakeSessionProbe struct {
	position probe.Position
	posErr   error
	shotPath string
	shotErr  error
	reasons  []string
}

func (p *fakeSessionProbe) CheckPosition(context.Context, int64) (probe.Position, error) {
	return p.position, p.posErr
}

func (p *fakeSessionProbe) CaptureArtifact(_ context.Context, _ int64, reason string) (string, error) {
	p.reasons = append(p.reasons, reason)
	return p.shotPath, p.shotErr
}

type fixture struct {
	store   *fakeStore
	monitor *fakeMonitor
	probe   *fakeSessionProbe
	ts      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   newFakeStore(),
		monitor: newFakeMonitor(),
		probe:   &fakeSessionProbe{},
	}
	srv := New("127.0.0.1:0", f.store, f.monitor, f.probe)
	f.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func dataAsMap(t *testing.T, env envelope) map[string]any {
	t.Helper()
	m, ok := env.Data.(map[string]any)
	require.True(t, ok, "data is not an object: %#v", env.Data)
	return m
}

func TestAddAndListAccounts(t *testing.T) {
	f := newFixture(t)

	resp, env := f.do(t, http.MethodPost, "/api/accounts", map[string]string{
		"username": "alice@example.com",
		"password": "secret",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, env.Success)
	created := dataAsMap(t, env)
	assert.Equal(t, "alice@example.com", created["username"])
	assert.Equal(t, "stopped", created["status"])
	// Credentials never leave the server.
	_, leaked := created["password"]
	assert.False(t, leaked)

	resp, env = f.do(t, http.MethodGet, "/api/accounts", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	list, ok := env.Data.([]any)
	require.True(t, ok)
	assert.Len(t, list, 1)
}

func TestAddAccountValidation(t *testing.T) {
	f := newFixture(t)

	resp, env := f.do(t, http.MethodPost, "/api/accounts", map[string]string{"username": "alice@example.com"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, env.Success)

	f.store.put(models.Account{ID: 1, Username: "alice@example.com", Status: models.StatusStopped})
	resp, env = f.do(t, http.MethodPost, "/api/accounts", map[string]string{
		"username": "alice@example.com",
		"password": "secret",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.False(t, env.Success)
}

func TestGetAccountErrors(t *testing.T) {
	f := newFixture(t)

	resp, env := f.do(t, http.MethodGet, "/api/accounts/42", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, env.Success)

	resp, _ = f.do(t, http.MethodGet, "/api/accounts/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAccountViewDerivedFields(t *testing.T) {
	f := newFixture(t)
	f.store.put(models.Account{
		ID: 1, Username: "a", Status: models.StatusRunning,
		BandID:          "79083578",
		InitialMembers:  5, InitialRequests: 2,
		CurrentMembers:  8, CurrentRequests: 3,
		Delta:  4,
		Target: 10,
	})
	f.monitor.running[1] = true

	_, env := f.do(t, http.MethodGet, "/api/accounts/1", nil)
	acc := dataAsMap(t, env)
	assert.Equal(t, "https://band.us/band/79083578/member", acc["member_url"])
	assert.InDelta(t, 40.0, acc["progress_percentage"], 0.001)
	assert.Equal(t, false, acc["goal_reached"])
	assert.Equal(t, true, acc["task_active"])
}

func TestLifecycleRoutes(t *testing.T) {
	f := newFixture(t)
	f.store.put(models.Account{ID: 1, Username: "a", Status: models.StatusStopped})

	resp, env := f.do(t, http.MethodPost, "/api/accounts/1/start", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)
	assert.True(t, f.monitor.Running(1))

	resp, _ = f.do(t, http.MethodPost, "/api/accounts/1/pause", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.monitor.Running(1))

	resp, _ = f.do(t, http.MethodPost, "/api/accounts/1/resume", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/accounts/1/close", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int64{1}, f.monitor.closed)
}

func TestStartFailureMapsToBadGateway(t *testing.T) {
	f := newFixture(t)
	f.store.put(models.Account{ID: 1, Username: "a", Status: models.StatusStopped})
	f.monitor.startErr = errors.New("acquire session: login failed")

	resp, env := f.do(t, http.MethodPost, "/api/accounts/1/start", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.False(t, env.Success)
	assert.Contains(t, env.Message, "login failed")
}

func TestPauseConflictWhenNotRunning(t *testing.T) {
	f := newFixture(t)
	f.store.put(models.Account{ID: 1, Username: "a", Status: models.StatusStopped})
	f.monitor.pauseErr = monitor.ErrNotRunning

	resp, env := f.do(t, http.MethodPost, "/api/accounts/1/pause", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.False(t, env.Success)
}

func TestSetTarget(t *testing.T) {
	f := newFixture(t)
	f.store.put(models.Account{ID: 1, Username: "a", Status: models.StatusStopped})

	resp, env := f.do(t, http.MethodPut, "/api/accounts/1/target", map[string]any{
		"target": 25,
		"notes":  "spring campaign",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	acc := dataAsMap(t, env)
	assert.Equal(t, float64(25), acc["target"])
	assert.Equal(t, "spring campaign", acc["notes"])

	resp, _ = f.do(t, http.MethodPut, "/api/accounts/1/target", map[string]any{"target": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteClosesSessionFirst(t *testing.T) {
	f := newFixture(t)
	f.store.put(models.Account{ID: 1, Username: "a", Status: models.StatusRunning})
	f.monitor.running[1] = true

	resp, env := f.do(t, http.MethodDelete, "/api/accounts/1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)
	assert.Equal(t, []int64{1}, f.monitor.closed)

	_, err := f.store.Account(1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStatusIncludesLivePosition(t *testing.T) {
	f := newFixture(t)
	f.store.put(models.Account{ID: 1, Username: "a", Status: models.StatusRunning, BandID: "100"})
	f.probe.position = probe.Position{
		SessionOpen:  true,
		OnMemberPage: true,
		CurrentURL:   "https://band.us/band/100/member",
	}

	_, env := f.do(t, http.MethodGet, "/api/accounts/1/status", nil)
	data := dataAsMap(t, env)
	pos, ok := data["position"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, pos["session_open"])
	assert.Equal(t, true, pos["on_member_page"])
}

func TestStatusToleratesPositionCheckFailure(t *testing.T) {
	f := newFixture(t)
	f.store.put(models.Account{ID: 1, Username: "a", Status: models.StatusStopped})
	f.probe.posErr = errors.New("no session")

	resp, env := f.do(t, http.MethodGet, "/api/accounts/1/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := dataAsMap(t, env)
	pos, ok := data["position"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, false, pos["session_open"])
}

func TestScreenshotRoute(t *testing.T) {
	f := newFixture(t)
	f.store.put(models.Account{ID: 1, Username: "a", Status: models.StatusRunning})
	f.probe.shotPath = "screenshots/account_1_manual_20260830_120000.png"

	resp, env := f.do(t, http.MethodPost, "/api/accounts/1/screenshot", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data := dataAsMap(t, env)
	assert.Equal(t, f.probe.shotPath, data["path"])
	assert.Equal(t, []string{"manual"}, f.probe.reasons)
}

func TestHealthRoute(t *testing.T) {
	f := newFixture(t)
	resp, env := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, env.Success)
}

func TestIndexServed(t *testing.T) {
	f := newFixture(t)
	resp, err := f.ts.Client().Get(f.ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func TestEventStreamReplaysRecentThenLive(t *testing.T) {
	f := newFixture(t)
	f.monitor.recent = []models.MonitorEvent{
		{AccountID: 1, Members: 5, Requests: 2, Timestamp: time.Now().UTC()},
	}

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var ev models.MonitorEvent
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, int64(1), ev.AccountID)
	assert.Equal(t, 5, ev.Members)

	f.monitor.events <- models.MonitorEvent{AccountID: 1, Members: 6, Requests: 2, Timestamp: time.Now().UTC()}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, 6, ev.Members)
}

func TestEventStreamSubscribesBeforeReplay(t *testing.T) {
	f := newFixture(t)
	f.monitor.recent = []models.MonitorEvent{
		{AccountID: 1, Members: 5, Requests: 2, Timestamp: time.Now().UTC()},
	}

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// An event published while the replay is in flight must not be
	// lost, which requires the subscription to exist before the replay
	// starts.
	var ev models.MonitorEvent
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, []string{"subscribe", "recent"}, f.monitor.callLog())
}

func TestEventStreamRejectsCrossOrigin(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/api/events"
	header := http.Header{"Origin": []string{"http://evil.example.com"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if conn != nil {
		conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
