package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nblistener/backend/internal/monitor"
	"github.com/nblistener/backend/internal/session"
	"github.com/nblistener/backend/internal/store"
	"github.com/nblistener/backend/internal/ws"
)

// HTTPClient makes REST calls to the daemon.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient targets baseURL (e.g. "http://127.0.0.1:8080").
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Notebooks lists tracked notebooks. activeOnly keeps only the focused one.
func (c *HTTPClient) Notebooks(ctx context.Context, activeOnly bool) ([]session.TrackedNotebook, error) {
	path := "/api/notebooks"
	if activeOnly {
		path += "?active=true"
	}
	var out []session.TrackedNotebook
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) Notebook(ctx context.Context, id session.NotebookID) (*session.TrackedNotebook, error) {
	var out session.TrackedNotebook
	if err := c.do(ctx, http.MethodGet, notebookPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Open reports a notebook as opened in the UI.
func (c *HTTPClient) Open(ctx context.Context, nb session.Notebook) (*session.TrackedNotebook, error) {
	body := ws.NotebookOpenedPayload{ID: nb.ID, Path: nb.Path, Name: nb.Name}
	var out session.TrackedNotebook
	if err := c.do(ctx, http.MethodPost, "/api/notebooks", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Close(ctx context.Context, id session.NotebookID) error {
	return c.do(ctx, http.MethodDelete, notebookPath(id), nil, nil)
}

// Refresh forces a session query for id and returns the resulting state.
func (c *HTTPClient) Refresh(ctx context.Context, id session.NotebookID) (*session.TrackedNotebook, error) {
	var out session.TrackedNotebook
	if err := c.do(ctx, http.MethodPost, notebookPath(id)+"/refresh", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) State(ctx context.Context) (*ws.StateResponse, error) {
	var out ws.StateResponse
	if err := c.do(ctx, http.MethodGet, "/api/state", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health returns the source health report. A failed source is reported
// with a 503, which is still decoded.
func (c *HTTPClient) Health(ctx context.Context) (*monitor.HealthReport, error) {
	var out monitor.HealthReport
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &out)
	if err != nil && out.Status != monitor.StatusFailed {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Snapshots(ctx context.Context) ([]store.Record, error) {
	var out []store.Record
	if err := c.do(ctx, http.MethodGet, "/api/snapshots", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func notebookPath(id session.NotebookID) string {
	return "/api/notebooks/" + url.PathEscape(string(id))
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, strings.TrimSpace(e.Body))
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
