// Package api serves the dashboard to the browser: login, the current view,
// task submission and cancellation, and the websocket feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nadmax/queuewatch/internal/client"
	"github.com/nadmax/queuewatch/internal/dashboard"
	"github.com/nadmax/queuewatch/internal/httputil"
	"github.com/nadmax/queuewatch/internal/logger"
	"github.com/nadmax/queuewatch/internal/middleware"
	"github.com/nadmax/queuewatch/internal/session"
	"github.com/nadmax/queuewatch/internal/task"
	"github.com/nadmax/queuewatch/internal/throttle"
)

type Authenticator interface {
	Login(ctx context.Context, username, password string) (string, error)
	Register(ctx context.Context, username, password string) error
}

type SessionManager interface {
	Begin(ctx context.Context, c session.Credentials) (string, error)
	Resume(ctx context.Context) (string, bool, error)
	Logout(ctx context.Context)
	OnLogout(fn func(ctx context.Context))
	Active() bool
	Username() string
}

// ViewSource is where the last rendered view lives; the websocket hub in
// production.
type ViewSource interface {
	http.Handler
	Latest() (dashboard.View, bool)
	Reset()
}

type Config struct {
	Auth     Authenticator
	Sessions SessionManager
	Views    ViewSource
	// NewDashboard builds a fresh dashboard for each login.
	NewDashboard func() *dashboard.Dashboard
	StaticDir    string
}

type API struct {
	cfg     Config
	baseCtx context.Context
	mux     *http.ServeMux
	handler http.Handler

	mu   sync.Mutex
	dash *dashboard.Dashboard
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type submitRequest struct {
	Number json.RawMessage `json:"number"`
}

type filterRequest struct {
	Filter string `json:"filter"`
}

// NewAPI builds the handler. ctx bounds every session's polling, so it should
// live as long as the process.
func NewAPI(ctx context.Context, cfg Config) *API {
	api := &API{
		cfg:     cfg,
		baseCtx: ctx,
		mux:     http.NewServeMux(),
	}

	cfg.Sessions.OnLogout(api.teardown)
	api.setupRoutes()
	api.handler = middleware.RequestID(middleware.MetricsMiddleware(api.mux))
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("/api/login", a.handleLogin)
	a.mux.HandleFunc("/api/register", a.handleRegister)
	a.mux.HandleFunc("/api/logout", a.handleLogout)
	a.mux.HandleFunc("/api/session", a.handleSession)
	a.mux.HandleFunc("/api/view", a.handleView)
	a.mux.HandleFunc("/api/tasks", a.handleTasks)
	a.mux.HandleFunc("/api/tasks/", a.handleTaskByID)
	a.mux.HandleFunc("/api/filter", a.handleFilter)
	a.mux.HandleFunc("/api/throttle", a.handleThrottle)
	a.mux.Handle("/ws", a.cfg.Views)
	a.mux.Handle("/metrics", promhttp.Handler())

	if a.cfg.StaticDir != "" {
		a.mux.Handle("/", http.FileServer(http.Dir(a.cfg.StaticDir)))
	}
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.handler.ServeHTTP(w, r)
}

// Resume reopens the dashboard for credentials stored by an earlier run.
func (a *API) Resume(ctx context.Context) error {
	id, ok, err := a.cfg.Sessions.Resume(ctx)
	if err != nil || !ok {
		return err
	}

	return a.startSession(id)
}

// Shutdown closes the active dashboard without logging out.
func (a *API) Shutdown() {
	a.mu.Lock()
	dash := a.dash
	a.dash = nil
	a.mu.Unlock()

	if dash != nil {
		dash.Close()
		dash.Wait()
	}
}

// SetEndpoints pushes a new capacity probe list to the open dashboard.
// Dashboards built later get the list from NewDashboard.
func (a *API) SetEndpoints(endpoints []string) {
	if dash := a.current(); dash != nil {
		dash.SetEndpoints(endpoints)
	}
}

func (a *API) startSession(id string) error {
	dash := a.cfg.NewDashboard()

	a.mu.Lock()
	prev := a.dash
	a.dash = dash
	a.mu.Unlock()

	if prev != nil {
		prev.Close()
	}

	return dash.Open(logger.WithSessionID(a.baseCtx, id))
}

// teardown runs on every logout, explicit or forced by an unauthorized
// response mid-cycle. It must not wait on the cycle that triggered it.
func (a *API) teardown(ctx context.Context) {
	a.mu.Lock()
	dash := a.dash
	a.dash = nil
	a.mu.Unlock()

	if dash != nil {
		dash.Close()
	}
	a.cfg.Views.Reset()

	logger.Get(ctx).Info().Msg("dashboard closed")
}

func (a *API) current() *dashboard.Dashboard {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.dash
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	token, err := a.cfg.Auth.Login(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, client.ErrInvalidCredentials) {
			httputil.WriteJSONError(w, "Invalid username or password", http.StatusUnauthorized)
			return
		}
		logger.Get(ctx).Warn().Err(err).Msg("login request failed")
		httputil.WriteJSONError(w, "Backend unavailable", http.StatusBadGateway)
		return
	}

	a.cfg.Sessions.Logout(ctx)

	id, err := a.cfg.Sessions.Begin(ctx, session.Credentials{Token: token, Username: req.Username})
	if err != nil {
		logger.Get(ctx).Error().Err(err).Msg("failed to store session")
		httputil.WriteJSONError(w, "Failed to store session", http.StatusInternalServerError)
		return
	}

	if err := a.startSession(id); err != nil {
		httputil.WriteJSONError(w, "Session rejected by backend", http.StatusUnauthorized)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"username":   req.Username,
		"session_id": id,
	})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	if err := a.cfg.Auth.Register(r.Context(), req.Username, req.Password); err != nil {
		var ve *client.ValidationError
		if errors.As(err, &ve) {
			httputil.WriteFieldErrors(w, ve.Fields)
			return
		}
		logger.Get(r.Context()).Warn().Err(err).Msg("register request failed")
		httputil.WriteJSONError(w, "Backend unavailable", http.StatusBadGateway)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"username": req.Username})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	a.cfg.Sessions.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"active":   a.cfg.Sessions.Active(),
		"username": a.cfg.Sessions.Username(),
	})
}

func (a *API) handleView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.current() == nil {
		httputil.WriteJSONError(w, "Not logged in", http.StatusUnauthorized)
		return
	}

	v, ok := a.cfg.Views.Latest()
	if !ok {
		httputil.WriteJSONError(w, "View not ready", http.StatusServiceUnavailable)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, v)
}

func (a *API) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dash := a.current()
	if dash == nil {
		httputil.WriteJSONError(w, "Not logged in", http.StatusUnauthorized)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	number, err := strconv.Atoi(strings.Trim(string(req.Number), `"`))
	if err != nil {
		httputil.WriteFieldErrors(w, map[string][]string{"number": {"A valid integer is required."}})
		return
	}

	if err := dash.Submit(r.Context(), number); err != nil {
		writeDashboardError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
		"number":   number,
		"throttle": dash.ThrottleState(),
	})
}

func (a *API) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "cancel" {
		httputil.WriteJSONError(w, "Not found", http.StatusNotFound)
		return
	}

	dash := a.current()
	if dash == nil {
		httputil.WriteJSONError(w, "Not logged in", http.StatusUnauthorized)
		return
	}

	id := task.ID(parts[0])
	if err := dash.Cancel(r.Context(), id); err != nil {
		writeDashboardError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, map[string]task.ID{"id": id})
}

func (a *API) handleFilter(w http.ResponseWriter, r *http.Request) {
	dash := a.current()
	if dash == nil {
		httputil.WriteJSONError(w, "Not logged in", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSON(w, http.StatusOK, filterRequest{Filter: string(dash.Filter())})
	case http.MethodPut:
		a.setFilter(w, r, dash)
	default:
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) setFilter(w http.ResponseWriter, r *http.Request, dash *dashboard.Dashboard) {
	var req filterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	f, err := task.ParseFilter(req.Filter)
	if err != nil {
		httputil.WriteFieldErrors(w, map[string][]string{"filter": {err.Error()}})
		return
	}

	// a failed refresh still switches the filter; the next tick retries
	if err := dash.SetFilter(r.Context(), f); errors.Is(err, client.ErrUnauthorized) {
		httputil.WriteJSONError(w, "Session expired", http.StatusUnauthorized)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, filterRequest{Filter: string(f)})
}

func (a *API) handleThrottle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var s throttle.State
	if dash := a.current(); dash != nil {
		s = dash.ThrottleState()
	}
	httputil.WriteJSON(w, http.StatusOK, s)
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, bool) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return req, false
	}

	fields := make(map[string][]string)
	if req.Username == "" {
		fields["username"] = []string{"This field is required."}
	}
	if req.Password == "" {
		fields["password"] = []string{"This field is required."}
	}
	if len(fields) > 0 {
		httputil.WriteFieldErrors(w, fields)
		return req, false
	}

	return req, true
}

func writeDashboardError(w http.ResponseWriter, err error) {
	var (
		ve *client.ValidationError
		te *dashboard.ThrottledError
	)
	switch {
	case errors.As(err, &te):
		w.Header().Set("Retry-After", strconv.Itoa(te.State.SecondsRemaining))
		httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":    "Please wait before submitting another task",
			"throttle": te.State,
		})
	case errors.As(err, &ve):
		httputil.WriteFieldErrors(w, ve.Fields)
	case errors.Is(err, client.ErrUnauthorized):
		httputil.WriteJSONError(w, "Session expired", http.StatusUnauthorized)
	default:
		httputil.WriteJSONError(w, "Backend unavailable", http.StatusBadGateway)
	}
}
