//go:build integration
// +build integration

// Package integration exercises the HTTP surface end to end against an
// in-memory store, the way tests/integration/scheduler_test.go does for
// the teacher, but driving the real router/handlers/engine instead of
// inline fiber.New stubs.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minisource/runsched/internal/api"
	"github.com/minisource/runsched/internal/catalog"
	"github.com/minisource/runsched/internal/engine"
	"github.com/minisource/runsched/internal/queue"
	"github.com/minisource/runsched/internal/runs"
	"github.com/minisource/runsched/internal/store"
)

// noopNotifier discards every transition, standing in for internal/notify
// so the suite needs no Redis instance.
type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, *runs.Run, runs.State) {}

func newTestApp(t *testing.T) (*fiber.App, *engine.Engine) {
	t.Helper()

	st, _ := store.NewMemoryStore()
	cat := catalog.New(map[string]*catalog.Job{
		"echo-job": {
			JobID:   "echo-job",
			Params:  []string{"message"},
			Program: catalog.ProgramTemplate{Shell: "true"},
			Reruns:  catalog.RerunPolicy{Count: 0},
		},
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(st, cat, queue.New(), noopNotifier{}, logger)

	handlers := &api.Handlers{
		Job:    api.NewJobHandler(cat, eng),
		Run:    api.NewRunHandler(eng),
		Health: api.NewHealthHandler(nil),
	}

	app := fiber.New()
	api.SetupRouter(app, handlers)
	return app, eng
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHealthEndpoints(t *testing.T) {
	app, _ := newTestApp(t)

	for _, path := range []string{"/health", "/ready", "/live"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestListAndGetJob(t *testing.T) {
	app, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var listBody api.Response
	decode(t, resp, &listBody)
	assert.Empty(t, listBody.Error)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs/echo-job", nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing-job", nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestScheduleRunToCompletion(t *testing.T) {
	app, eng := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/echo-job/schedule", nil)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, int(5*time.Second/time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var body api.Response
	decode(t, resp, &body)
	created, ok := body.Data.(map[string]interface{})
	require.True(t, ok)
	runID, _ := created["run_id"].(string)
	require.NotEmpty(t, runID)

	require.Eventually(t, func() bool {
		run, err := eng.GetRun(context.Background(), runID)
		return err == nil && run.State.Terminal()
	}, 2*time.Second, 10*time.Millisecond, "run never reached a terminal state")

	req = httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+runID, nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var getBody api.Response
	decode(t, resp, &getBody)
	view, ok := getBody.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, string(runs.StateSuccess), view["state"])
}

func TestCancelScheduledRun(t *testing.T) {
	app, _ := newTestApp(t)

	future := time.Now().Add(time.Hour).Format(time.RFC3339)
	body := `{"at":"` + future + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/echo-job/schedule", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var created api.Response
	decode(t, resp, &created)
	data := created.Data.(map[string]interface{})
	runID := data["run_id"].(string)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+runID+"/cancel", nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+runID+"/cancel", nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}
