package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/nblistener/backend/internal/session"
)

// JupyterSource queries a Jupyter server's REST sessions endpoint.
type JupyterSource struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewJupyterSource(baseURL, token string, timeout time.Duration) *JupyterSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &JupyterSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *JupyterSource) Name() string { return "jupyter" }

// jupyterSession is the subset of /api/sessions entries we read.
type jupyterSession struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Notebook *struct {
		Path string `json:"path"`
	} `json:"notebook"`
	Kernel *struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		ExecutionState string `json:"execution_state"`
	} `json:"kernel"`
}

func (js jupyterSession) matches(p string) bool {
	want := cleanNotebookPath(p)
	if want == "" {
		return false
	}
	if cleanNotebookPath(js.Path) == want {
		return true
	}
	return js.Notebook != nil && cleanNotebookPath(js.Notebook.Path) == want
}

func cleanNotebookPath(p string) string {
	if p == "" {
		return ""
	}
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

func (s *JupyterSource) Query(ctx context.Context, nb session.Notebook) (session.Snapshot, error) {
	sessions, err := s.listSessions(ctx)
	if err != nil {
		return session.Snapshot{}, err
	}
	for _, js := range sessions {
		if !js.matches(nb.Path) {
			continue
		}
		if js.ID == "" || js.Kernel == nil {
			return session.Snapshot{}, fmt.Errorf("%w: session for %s has no id or kernel", session.ErrMalformed, nb.Path)
		}
		return session.Snapshot{
			SessionID:  js.ID,
			Status:     session.ParseKernelStatus(js.Kernel.ExecutionState),
			CapturedAt: time.Now(),
		}, nil
	}
	return session.Snapshot{}, fmt.Errorf("%w: %s", session.ErrNotFound, nb.Path)
}

func (s *JupyterSource) listSessions(ctx context.Context) ([]jupyterSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "token "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", session.ErrTransientUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: sessions endpoint returned 404", session.ErrNotFound)
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", session.ErrTransientUnavailable, resp.Status)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		// Auth failures are reported as unavailable, never as "no session".
		return nil, fmt.Errorf("%w: %s", session.ErrTransientUnavailable, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", session.ErrTransientUnavailable, err)
	}
	var sessions []jupyterSession
	if err := json.Unmarshal(body, &sessions); err != nil {
		return nil, fmt.Errorf("%w: decode sessions: %w", session.ErrMalformed, err)
	}
	return sessions, nil
}
