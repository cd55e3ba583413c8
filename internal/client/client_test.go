package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nadmax/queuewatch/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticToken string

func (s staticToken) Token() string { return string(s) }

type recordedRequest struct {
	Method string
	Path   string
	Auth   string
	Body   map[string]any
}

type fakeBackend struct {
	t        *testing.T
	mu       sync.Mutex
	requests []recordedRequest
	handler  http.HandlerFunc
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization")}
	if r.Body != nil && r.ContentLength != 0 {
		_ = json.NewDecoder(r.Body).Decode(&rec.Body)
	}

	f.mu.Lock()
	f.requests = append(f.requests, rec)
	f.mu.Unlock()

	f.handler(w, r)
}

func (f *fakeBackend) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	require.NotEmpty(f.t, f.requests)
	return f.requests[len(f.requests)-1]
}

func setupTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *fakeBackend) {
	t.Helper()

	backend := &fakeBackend{t: t, handler: handler}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	c := NewClient(Options{
		APIURL:      srv.URL + "/api",
		BalancerURL: srv.URL + "/lb/api/",
	}, staticToken("secret-token"))

	return c, backend
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestListTasks_FilterPaths(t *testing.T) {
	c, backend := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{
			{"id": 1, "number": 10, "status": "queued", "queue_position": 2},
		})
	})

	tests := []struct {
		filter task.Filter
		path   string
	}{
		{task.FilterAll, "/api/tasks/"},
		{task.FilterActive, "/api/tasks/active/"},
		{task.FilterHistory, "/api/tasks/history/"},
	}

	for _, tt := range tests {
		t.Run(string(tt.filter), func(t *testing.T) {
			tasks, err := c.ListTasks(context.Background(), tt.filter)
			require.NoError(t, err)
			require.Len(t, tasks, 1)
			assert.Equal(t, task.ID("1"), tasks[0].ID)

			req := backend.last()
			assert.Equal(t, http.MethodGet, req.Method)
			assert.Equal(t, tt.path, req.Path)
			assert.Equal(t, "Bearer secret-token", req.Auth)
		})
	}
}

func TestListTasks_EmptyList(t *testing.T) {
	c, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []any{})
	})

	tasks, err := c.ListTasks(context.Background(), task.FilterAll)

	require.NoError(t, err)
	assert.NotNil(t, tasks)
	assert.Empty(t, tasks)
}

func TestListTasks_Unauthorized(t *testing.T) {
	c, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "token expired"})
	})

	_, err := c.ListTasks(context.Background(), task.FilterAll)

	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestListTasks_ServerError(t *testing.T) {
	c, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.ListTasks(context.Background(), task.FilterAll)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusBadGateway, netErr.StatusCode)
	assert.Equal(t, "list tasks", netErr.Op)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestListTasks_BadJSON(t *testing.T) {
	c, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	})

	_, err := c.ListTasks(context.Background(), task.FilterAll)

	var netErr *NetworkError
	assert.ErrorAs(t, err, &netErr)
}

func TestListTasks_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(Options{APIURL: srv.URL + "/api"}, nil)

	_, err := c.ListTasks(context.Background(), task.FilterAll)

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Zero(t, netErr.StatusCode)
	assert.NotNil(t, errors.Unwrap(err))
}

func TestCreateTask(t *testing.T) {
	for _, status := range []int{http.StatusCreated, http.StatusAccepted} {
		c, backend := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, status, map[string]any{"id": 5})
		})

		require.NoError(t, c.CreateTask(context.Background(), 30))

		req := backend.last()
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/lb/api/tasks/", req.Path)
		assert.Equal(t, "Bearer secret-token", req.Auth)
		assert.Equal(t, 30.0, req.Body["number"])
	}
}

func TestCreateTask_LocalValidation(t *testing.T) {
	c, backend := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("backend must not be called for invalid input")
	})

	for _, n := range []int{-1, 100001} {
		err := c.CreateTask(context.Background(), n)

		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Contains(t, ve.Fields, "number")
	}
	assert.Empty(t, backend.requests)
}

func TestCreateTask_BackendValidation(t *testing.T) {
	c, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"number": []string{"Maximum active tasks (3) reached"},
		})
	})

	err := c.CreateTask(context.Background(), 12)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"Maximum active tasks (3) reached"}, ve.Fields["number"])
	assert.Equal(t, "validation failed: number: Maximum active tasks (3) reached", ve.Error())
}

func TestCancelTask(t *testing.T) {
	c, backend := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": 9, "status": "cancelled"})
	})

	require.NoError(t, c.CancelTask(context.Background(), "9"))

	req := backend.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/api/tasks/9/cancel/", req.Path)
}

func TestCancelTask_NotCancellable(t *testing.T) {
	c, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Task cannot be cancelled"})
	})

	err := c.CancelTask(context.Background(), "9")

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"Task cannot be cancelled"}, ve.Fields["error"])
}

func TestQueueStatus(t *testing.T) {
	c, backend := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"queue_length": 4, "estimated_wait_time": "10 minutes"})
	})

	qs, err := c.QueueStatus(context.Background())

	require.NoError(t, err)
	assert.Equal(t, QueueStatus{QueueLength: 4, EstimatedWaitTime: "10 minutes"}, qs)
	assert.Equal(t, "/lb/api/queue-status/", backend.last().Path)
}

func TestLogin(t *testing.T) {
	c, backend := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"access": "new-token", "refresh": "r"})
	})

	token, err := c.Login(context.Background(), "alice", "hunter22")

	require.NoError(t, err)
	assert.Equal(t, "new-token", token)

	req := backend.last()
	assert.Equal(t, "/api/token/", req.Path)
	assert.Equal(t, "alice", req.Body["username"])
	assert.Equal(t, "hunter22", req.Body["password"])
}

func TestLogin_Rejected(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusBadRequest} {
		c, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, status, map[string]string{"detail": "No active account"})
		})

		_, err := c.Login(context.Background(), "alice", "wrong")

		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}
}

func TestLogin_MissingToken(t *testing.T) {
	c, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{})
	})

	_, err := c.Login(context.Background(), "alice", "pw")

	var netErr *NetworkError
	assert.ErrorAs(t, err, &netErr)
}

func TestRegister(t *testing.T) {
	c, backend := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{"id": 1, "username": "bob"})
	})

	require.NoError(t, c.Register(context.Background(), "bob", "secret1"))
	assert.Equal(t, "/api/auth/register/", backend.last().Path)
}

func TestRegister_ValidationError(t *testing.T) {
	c, _ := setupTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"username": []string{"A user with that username already exists."},
			"password": []string{"Ensure this field has at least 6 characters."},
		})
	})

	err := c.Register(context.Background(), "bob", "123")

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Len(t, ve.Fields, 2)
	assert.Equal(t,
		"validation failed: password: Ensure this field has at least 6 characters. | username: A user with that username already exists.",
		ve.Error())
}

func TestNoTokenSendsNoAuthorization(t *testing.T) {
	backend := &fakeBackend{t: t, handler: func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []any{})
	}}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	c := NewClient(Options{APIURL: srv.URL + "/api"}, staticToken(""))
	_, err := c.ListTasks(context.Background(), task.FilterAll)

	require.NoError(t, err)
	assert.Empty(t, backend.last().Auth)
}

func TestDecodeFieldErrors_PlainText(t *testing.T) {
	fields := decodeFieldErrors([]byte("bad input"))

	assert.Equal(t, map[string][]string{"detail": {"bad input"}}, fields)
}

func TestValidateNumber(t *testing.T) {
	assert.NoError(t, ValidateNumber(0))
	assert.NoError(t, ValidateNumber(100000))
	assert.Error(t, ValidateNumber(-1))
	assert.Error(t, ValidateNumber(100001))
}
