package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmill/internal/api"
	"taskmill/internal/backend"
	"taskmill/internal/domain"
	"taskmill/internal/registry"
	"taskmill/internal/scheduler"
	"taskmill/internal/store"
)

func newTestServer(t *testing.T) (http.Handler, *scheduler.Scheduler) {
	t.Helper()
	b := backend.NewMemory()
	t.Cleanup(func() { _ = b.Close() })
	reg := registry.New()
	require.NoError(t, reg.Register(&registry.Definition{
		Name: "email",
		Handler: registry.HandlerFunc(func(ctx context.Context, run domain.Run, payload json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		}),
	}))
	sched := scheduler.New(b, store.New(b), reg, zerolog.Nop())
	return api.NewServer(sched), sched
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSubmitTask(t *testing.T) {
	t.Parallel()

	srv, sched := newTestServer(t)

	body := `{"name":"email","payload":{"to":"a@b.c"},"priority":2,"max_attempts":3,"delay_ms":1000}`
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)

	task, err := sched.GetTask(context.Background(), resp.ID)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "email", task.Name)
	assert.Equal(t, 2, task.Priority)
	assert.Equal(t, 3, task.MaxAttempts)
}

func TestSubmitTask_Invalid(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader("{not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"payload":{}}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "name is required")

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"name":"email","priority":4096}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "priority above the packing window")

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks", strings.NewReader(`{"name":"email","priority":-1}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "negative priority")
}

func TestGetTask(t *testing.T) {
	t.Parallel()

	srv, sched := newTestServer(t)

	id, err := sched.Enqueue(context.Background(), "email", json.RawMessage(`{}`))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var task domain.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, id, task.ID)
	assert.Equal(t, domain.StatusPending, task.Status)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks/tsk_nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
