package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ferry/internal/broadcast"
	"ferry/internal/config"
	"ferry/internal/controller"
	"ferry/internal/database"
	"ferry/internal/model"
	"ferry/internal/queue"
	"ferry/internal/schema"
)

const contactsYAML = `
schemas:
  - id: contacts
    collection: contacts
    natural_key: [id]
    fields:
      - name: id
        type: int
        required: true
      - name: email
`

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T, tokens map[string]config.AuthToken, checks map[string]controller.HealthCheck) http.Handler {
	t.Helper()
	schemas, err := schema.Parse([]byte(contactsYAML), nil, nil)
	require.NoError(t, err)

	bus := broadcast.New(16, nil)
	q := queue.New(database.NewMemory(), queue.Options{
		Policy:    queue.DefaultRetryPolicy(),
		Validate:  controller.NewSpecValidator(schemas),
		Publisher: bus,
	})
	t.Cleanup(q.Close)

	var authz controller.Authorizer
	var resolver TokenResolver
	if tokens != nil {
		ta := controller.NewTokenAuthorizer(config.AuthConfig{Enabled: true, Tokens: tokens})
		authz, resolver = ta, ta
	}

	jc := controller.NewJobController(q, bus, schemas, authz, nil, 70)
	return NewServer(*config.Default(), controller.NewServer(checks), jc, resolver).RegisterRoutes()
}

func do(h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeJob(t *testing.T, w *httptest.ResponseRecorder) model.Job {
	t.Helper()
	var job model.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	return job
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestServer(t, nil, map[string]controller.HealthCheck{
		"database": func(context.Context) error { return nil },
	})
	w := do(h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy":true`)

	h = newTestServer(t, nil, map[string]controller.HealthCheck{
		"cache": func(context.Context) error { return errors.New("dial tcp: refused") },
	})
	w = do(h, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "dial tcp: refused")

	w = do(h, http.MethodGet, "/online", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Online", w.Body.String())
}

func TestImportLifecycle(t *testing.T) {
	h := newTestServer(t, nil, nil)

	w := do(h, http.MethodPost, "/v1/imports", "", gin.H{"source": "contacts.csv", "schema": "contacts"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	job := decodeJob(t, w)
	assert.Equal(t, model.StatusQueued, job.Status)
	assert.Equal(t, controller.Anonymous, job.Principal)

	w = do(h, http.MethodGet, "/v1/jobs/"+job.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, job.ID, decodeJob(t, w).ID)

	w = do(h, http.MethodGet, "/v1/jobs?status=queued,processing&kind=import", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Jobs []model.Job `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 1)

	w = do(h, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", "", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, model.StatusCancelled, decodeJob(t, w).Status)

	w = do(h, http.MethodGet, "/v1/jobs?status=cancelled", "", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Jobs, 1)
}

func TestRequestErrors(t *testing.T) {
	h := newTestServer(t, nil, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{name: "missing fields", method: http.MethodPost, path: "/v1/imports", body: gin.H{"source": "a.csv"}, status: http.StatusBadRequest},
		{name: "unknown schema", method: http.MethodPost, path: "/v1/imports", body: gin.H{"source": "a.csv", "schema": "nope"}, status: http.StatusBadRequest},
		{name: "unknown template", method: http.MethodPost, path: "/v1/exports", body: gin.H{"template": "nope"}, status: http.StatusBadRequest},
		{name: "unknown job", method: http.MethodGet, path: "/v1/jobs/missing", status: http.StatusNotFound},
		{name: "cancel unknown job", method: http.MethodPost, path: "/v1/jobs/missing/cancel", status: http.StatusNotFound},
		{name: "bad status filter", method: http.MethodGet, path: "/v1/jobs?status=done", status: http.StatusBadRequest},
		{name: "bad kind filter", method: http.MethodGet, path: "/v1/jobs?kind=sync", status: http.StatusBadRequest},
		{name: "events of unknown job", method: http.MethodGet, path: "/v1/jobs/missing/events", status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(h, tt.method, tt.path, "", tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	h := newTestServer(t, map[string]config.AuthToken{
		controller.HashToken("reader-secret"): {Principal: "reader", Actions: []string{"read"}},
		controller.HashToken("loader-secret"): {Principal: "loader", Actions: []string{"import", "read"}},
	}, nil)
	body := gin.H{"source": "contacts.csv", "schema": "contacts"}

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodPost, "/v1/imports", "", body).Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodPost, "/v1/imports", "wrong", body).Code)
	assert.Equal(t, http.StatusForbidden, do(h, http.MethodPost, "/v1/imports", "reader-secret", body).Code)

	w := do(h, http.MethodPost, "/v1/imports", "loader-secret", body)
	require.Equal(t, http.StatusAccepted, w.Code)
	job := decodeJob(t, w)
	assert.Equal(t, "loader", job.Principal)

	assert.Equal(t, http.StatusForbidden, do(h, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", "loader-secret", nil).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/v1/jobs/"+job.ID, "reader-secret", nil).Code)

	// health stays public
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health", "", nil).Code)
}

func TestSuggestMappingEndpoint(t *testing.T) {
	h := newTestServer(t, nil, nil)

	w := do(h, http.MethodPost, "/v1/schemas/contacts/suggest", "", gin.H{"headers": []string{"ID", "E-mail"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"target":"email"`)

	w = do(h, http.MethodGet, "/v1/schemas", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"schemas":["contacts"]}`, w.Body.String())
}

func TestEventsStreamEndsWithTerminalEvent(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, nil, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/imports", "application/json",
		strings.NewReader(`{"source":"contacts.csv","schema":"contacts"}`))
	require.NoError(t, err)
	var job model.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/v1/jobs/"+job.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/v1/jobs/" + job.ID + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event:progress")
	assert.Contains(t, string(body), `"status":"cancelled"`)
	assert.Contains(t, string(body), `"terminal":true`)
}
