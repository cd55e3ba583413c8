// Package client talks to the task backend, the load balancer in front of it,
// and its token endpoint. Every failure is mapped onto ErrUnauthorized,
// *ValidationError or *NetworkError.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nadmax/queuewatch/internal/task"
)

const (
	DefaultTimeout = 10 * time.Second

	// maxErrorBody caps how much of an error response is read.
	maxErrorBody = 64 << 10
)

// ErrInvalidCredentials is returned by Login when the backend rejects the pair.
var ErrInvalidCredentials = errors.New("invalid username or password")

// TokenSource supplies the bearer token for authenticated calls. An empty
// token sends no Authorization header.
type TokenSource interface {
	Token() string
}

type QueueStatus struct {
	QueueLength       int    `json:"queue_length"`
	EstimatedWaitTime string `json:"estimated_wait_time"`
}

type Options struct {
	APIURL      string
	BalancerURL string
	Timeout     time.Duration
	Transport   http.RoundTripper
}

type Client struct {
	apiURL      string
	balancerURL string
	httpClient  *http.Client
}

// bearerRoundTripper injects the current session token into every request.
type bearerRoundTripper struct {
	base   http.RoundTripper
	tokens TokenSource
}

func (t *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.tokens != nil {
		if token := t.tokens.Token(); token != "" && req.Header.Get("Authorization") == "" {
			req = req.Clone(req.Context())
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return t.base.RoundTrip(req)
}

func NewClient(opts Options, tokens TokenSource) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	return &Client{
		apiURL:      strings.TrimRight(opts.APIURL, "/"),
		balancerURL: strings.TrimRight(opts.BalancerURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &bearerRoundTripper{base: base, tokens: tokens},
		},
	}
}

func (c *Client) tasksURL(filter task.Filter) string {
	switch filter {
	case task.FilterActive:
		return c.apiURL + "/tasks/active/"
	case task.FilterHistory:
		return c.apiURL + "/tasks/history/"
	default:
		return c.apiURL + "/tasks/"
	}
}

// ListTasks fetches the current user's tasks for the given view filter.
func (c *Client) ListTasks(ctx context.Context, filter task.Filter) ([]task.Task, error) {
	var tasks []task.Task
	if err := c.do(ctx, "list tasks", http.MethodGet, c.tasksURL(filter), nil, &tasks, http.StatusOK); err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []task.Task{}
	}

	return tasks, nil
}

// CreateTask submits a new computation through the load balancer.
func (c *Client) CreateTask(ctx context.Context, number int) error {
	if err := ValidateNumber(number); err != nil {
		return err
	}

	body := map[string]int{"number": number}
	return c.do(ctx, "create task", http.MethodPost, c.balancerURL+"/tasks/", body, nil,
		http.StatusOK, http.StatusCreated, http.StatusAccepted)
}

func (c *Client) CancelTask(ctx context.Context, id task.ID) error {
	u := fmt.Sprintf("%s/tasks/%s/cancel/", c.apiURL, url.PathEscape(string(id)))
	return c.do(ctx, "cancel task", http.MethodPost, u, nil, nil, http.StatusOK)
}

// QueueStatus reads the global queue banner from the load balancer.
func (c *Client) QueueStatus(ctx context.Context) (QueueStatus, error) {
	var qs QueueStatus
	if err := c.do(ctx, "queue status", http.MethodGet, c.balancerURL+"/queue-status/", nil, &qs, http.StatusOK); err != nil {
		return QueueStatus{}, err
	}

	return qs, nil
}

// Login exchanges credentials for an access token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var resp struct {
		Access string `json:"access"`
	}
	body := map[string]string{"username": username, "password": password}

	err := c.do(ctx, "login", http.MethodPost, c.apiURL+"/token/", body, &resp, http.StatusOK)
	var ve *ValidationError
	if errors.Is(err, ErrUnauthorized) || errors.As(err, &ve) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if resp.Access == "" {
		return "", &NetworkError{Op: "login", Err: errors.New("response carried no access token")}
	}

	return resp.Access, nil
}

func (c *Client) Register(ctx context.Context, username, password string) error {
	body := map[string]string{"username": username, "password": password}
	return c.do(ctx, "register", http.MethodPost, c.apiURL+"/auth/register/", body, nil,
		http.StatusOK, http.StatusCreated)
}

func (c *Client) do(ctx context.Context, op, method, target string, body, out any, ok ...int) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal body: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if !statusIn(resp.StatusCode, ok) {
		return statusError(op, resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}

	return nil
}

func statusIn(code int, ok []int) bool {
	for _, c := range ok {
		if code == c {
			return true
		}
	}
	return false
}

func statusError(op string, resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	case http.StatusBadRequest:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ValidationError{Fields: decodeFieldErrors(data)}
	default:
		return &NetworkError{Op: op, StatusCode: resp.StatusCode}
	}
}

// decodeFieldErrors flattens a {"field": ["msg", ...]} or {"field": "msg"}
// error body. Anything else is kept verbatim under "detail".
func decodeFieldErrors(data []byte) map[string][]string {
	fields := make(map[string][]string)

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		if msg := strings.TrimSpace(string(data)); msg != "" {
			fields["detail"] = []string{msg}
		}
		return fields
	}

	for key, value := range raw {
		switch v := value.(type) {
		case string:
			fields[key] = []string{v}
		case []any:
			for _, item := range v {
				fields[key] = append(fields[key], fmt.Sprint(item))
			}
		default:
			fields[key] = []string{fmt.Sprint(v)}
		}
	}

	return fields
}
