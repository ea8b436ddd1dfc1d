package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"automationsync/internal/core"
	"automationsync/internal/logging"
	"automationsync/internal/store"
)

type blockingSyncer struct {
	release chan struct{}
	started chan struct{}
}

func (b *blockingSyncer) Sync(ctx context.Context) core.SyncResult {
	started := time.Now().UTC()
	if b.started != nil {
		close(b.started)
	}
	if b.release != nil {
		<-b.release
	}
	return core.SyncResult{State: core.SyncStateDone, StartedAt: started, EndedAt: time.Now().UTC(), Retrieved: 2, Written: 2}
}

type testEnv struct {
	server    *Server
	store     *store.Store
	scheduler *core.Scheduler
}

func newTestEnv(t *testing.T, token string, syncer core.Syncer) *testEnv {
	t.Helper()
	st, err := store.Open(context.Background(), t.TempDir(), 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	sched, err := core.NewScheduler(st, syncer, nil, logging.Discard(), core.SchedulerOptions{
		Cron:     "0 * * * *",
		Location: time.UTC,
	})
	require.NoError(t, err)
	t.Cleanup(sched.Wait)
	srv := NewServer("127.0.0.1:0", token, st, sched, nil, logging.Discard(), time.UTC)
	return &testEnv{server: srv, store: st, scheduler: sched}
}

func (e *testEnv) do(t *testing.T, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, "secret", &blockingSyncer{})
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, "secret", &blockingSyncer{})

	rec := env.do(t, http.MethodGet, "/v1/sync", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode[map[string]map[string]string](t, rec)["error"]["code"])

	rec = env.do(t, http.MethodGet, "/v1/sync", "", http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/sync", "", http.Header{"Authorization": {"Bearer secret"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/sync?token=secret", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListAutomations(t *testing.T) {
	env := newTestEnv(t, "", &blockingSyncer{})
	ctx := context.Background()
	de, err := env.store.OpenDataExtension(ctx, core.DestinationTable)
	require.NoError(t, err)
	ran := time.Date(2024, 4, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, de.AddRow(ctx, core.StatusRow{Name: "Zeta", Status: "Ready", CustomerKey: "z"}.Fields()))
	require.NoError(t, de.AddRow(ctx, core.StatusRow{Name: "Alpha", Status: "Running", CustomerKey: "a", LastRunTime: &ran}.Fields()))

	rec := env.do(t, http.MethodGet, "/v1/automations", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[[]automationResponse](t, rec)
	require.Len(t, all, 2)
	assert.Equal(t, "Alpha", all[0].Name)
	require.NotNil(t, all[0].LastRunTime)
	assert.Equal(t, "2024-04-01T06:00:00Z", *all[0].LastRunTime)
	assert.Nil(t, all[1].LastRunTime)

	rec = env.do(t, http.MethodGet, "/v1/automations?status=Ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ready := decode[[]automationResponse](t, rec)
	require.Len(t, ready, 1)
	assert.Equal(t, "z", ready[0].CustomerKey)
}

func TestRunSync_AcceptsThenConflicts(t *testing.T) {
	syncer := &blockingSyncer{release: make(chan struct{}), started: make(chan struct{})}
	env := newTestEnv(t, "", syncer)

	rec := env.do(t, http.MethodPost, "/v1/sync", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	runID := decode[map[string]string](t, rec)["run_id"]
	require.NotEmpty(t, runID)
	<-syncer.started

	status := decode[syncStatusResponse](t, env.do(t, http.MethodGet, "/v1/sync", "", nil))
	assert.True(t, status.Running)
	_, err := time.Parse(time.RFC3339, status.NextRun)
	assert.NoError(t, err)

	rec = env.do(t, http.MethodPost, "/v1/sync", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(syncer.release)
	env.scheduler.Wait()

	rec = env.do(t, http.MethodGet, "/v1/runs/"+runID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	run := decode[runResponse](t, rec)
	assert.Equal(t, "succeeded", run.Status)
	assert.Equal(t, "manual", run.Trigger)
	assert.Equal(t, 2, run.Written)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.EndedAt)

	rec = env.do(t, http.MethodGet, "/v1/runs?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode[[]runResponse](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)
}

func TestGetRun_NotFound(t *testing.T) {
	env := newTestEnv(t, "", &blockingSyncer{})
	rec := env.do(t, http.MethodGet, "/v1/runs/does-not-exist", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[map[string]map[string]string](t, rec)["error"]["code"])
}

func TestCronPreview(t *testing.T) {
	env := newTestEnv(t, "", &blockingSyncer{})

	rec := env.do(t, http.MethodPost, "/v1/cron/preview", `{"expr":"*/15 * * * *","now":"2024-01-01T10:07:00Z","count":3}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[cronPreviewResponse](t, rec)
	assert.True(t, resp.Valid)
	assert.Equal(t, []string{"2024-01-01T10:15:00Z", "2024-01-01T10:30:00Z", "2024-01-01T10:45:00Z"}, resp.NextTimes)

	rec = env.do(t, http.MethodPost, "/v1/cron/preview", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[cronPreviewResponse](t, rec)
	assert.True(t, resp.Valid)
	assert.Equal(t, "0 * * * *", resp.Expr)
	assert.Len(t, resp.NextTimes, 5)

	rec = env.do(t, http.MethodPost, "/v1/cron/preview", `{"expr":"61 * * * *"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[cronPreviewResponse](t, rec)
	assert.False(t, resp.Valid)
	assert.NotEmpty(t, resp.Message)

	rec = env.do(t, http.MethodPost, "/v1/cron/preview", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
