// Package client is a typed HTTP client for the taskboard API.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"taskboard/domain"
)

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
	Fields  []domain.FieldError
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("taskboard: status %d", e.Status)
	}
	return fmt.Sprintf("taskboard: %s (status %d)", e.Message, e.Status)
}

// Session is what sign-up and sign-in return.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Client wraps http.Client with helpers for the JSON API.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New creates a new Client. token may be empty until the caller signs in.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, header http.Header) error {
	var rd io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var e struct {
			Error  string              `json:"error"`
			Fields []domain.FieldError `json:"fields"`
		}
		if sonic.Unmarshal(data, &e) == nil {
			apiErr.Message = e.Error
			apiErr.Fields = e.Fields
		}
		return apiErr
	}
	if out != nil && len(data) > 0 {
		if err := sonic.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// SignUp registers an account and keeps its token on the client.
func (c *Client) SignUp(ctx context.Context, name, email, password string) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/api/auth/signup", map[string]string{
		"name": name, "email": email, "password": password,
	}, &s, nil)
	if err == nil {
		c.Token = s.Token
	}
	return s, err
}

// SignIn opens a session and keeps its token on the client.
func (c *Client) SignIn(ctx context.Context, email, password string) (Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/api/auth/signin", map[string]string{
		"email": email, "password": password,
	}, &s, nil)
	if err == nil {
		c.Token = s.Token
	}
	return s, err
}

// LogOut ends the session and forgets the token.
func (c *Client) LogOut(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil, nil); err != nil {
		return err
	}
	c.Token = ""
	return nil
}

// CreateTask creates a task. A non-empty idempotencyKey makes retries safe.
func (c *Client) CreateTask(ctx context.Context, in domain.TaskInput, idempotencyKey string) (domain.Result, error) {
	var header http.Header
	if idempotencyKey != "" {
		header = http.Header{"Idempotency-Key": []string{idempotencyKey}}
	}
	var res domain.Result
	err := c.do(ctx, http.MethodPost, "/api/tasks", in, &res, header)
	return res, err
}

func (c *Client) UpdateTask(ctx context.Context, id string, in domain.TaskInput) (domain.Result, error) {
	var res domain.Result
	err := c.do(ctx, http.MethodPut, taskPath(id), in, &res, nil)
	return res, err
}

func (c *Client) UpdateStatus(ctx context.Context, id string, status domain.Status) (domain.Result, error) {
	var res domain.Result
	err := c.do(ctx, http.MethodPatch, taskPath(id)+"/status", map[string]domain.Status{"status": status}, &res, nil)
	return res, err
}

func (c *Client) DeleteTask(ctx context.Context, id string) (domain.Result, error) {
	var res domain.Result
	err := c.do(ctx, http.MethodDelete, taskPath(id), nil, &res, nil)
	return res, err
}

// GetAll lists the caller's tasks, most urgent first.
func (c *Client) GetAll(ctx context.Context) ([]domain.Task, error) {
	tasks := []domain.Task{}
	err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &tasks, nil)
	return tasks, err
}

func (c *Client) GetByID(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	err := c.do(ctx, http.MethodGet, taskPath(id), nil, &t, nil)
	return t, err
}

func taskPath(id string) string {
	return "/api/tasks/" + url.PathEscape(id)
}
