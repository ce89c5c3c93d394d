package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nblistener/backend/internal/logging"
	"github.com/nblistener/backend/internal/monitor"
	"github.com/nblistener/backend/internal/session"
	"github.com/nblistener/backend/internal/store"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

const maxClientMessage = 64 << 10

// Deps are the pipeline pieces the server exposes. Store and Metrics are
// optional.
type Deps struct {
	Listener       *monitor.Listener
	Tracker        *monitor.NotebookTracker
	Shell          *monitor.ShellEvents
	Active         *monitor.ActiveListener
	Broadcaster    *Broadcaster
	Store          *store.Store
	Metrics        http.Handler
	RefreshTimeout time.Duration
}

type Server struct {
	Deps
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
	log            *zerolog.Logger
}

func NewServer(deps Deps, allowedOrigins []string, authToken string) *Server {
	if deps.RefreshTimeout <= 0 {
		deps.RefreshTimeout = 10 * time.Second
	}
	s := &Server{
		Deps:           deps,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
		log:            logging.Component("server"),
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/notebooks", s.requireAuth(s.handleNotebooks))
	mux.HandleFunc("/api/notebooks/", s.requireAuth(s.handleNotebookRoutes))
	mux.HandleFunc("/api/shell/current", s.requireAuth(s.handleShellCurrent))
	mux.HandleFunc("/api/state", s.requireAuth(s.handleState))
	mux.HandleFunc("/api/health", s.requireAuth(s.handleHealth))
	mux.HandleFunc("/api/snapshots", s.requireAuth(s.handleSnapshots))
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics)
	}
}

// Handler returns every route wrapped with the security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("ws upgrade failed")
		return
	}

	c, err := s.Broadcaster.AddClient(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejecting ws client")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	s.log.Info().Str("remote", r.RemoteAddr).Str("client", c.id).Msg("ws client connected")

	go func() {
		defer func() {
			s.Broadcaster.RemoveClient(c)
			s.log.Info().Str("remote", r.RemoteAddr).Str("client", c.id).Msg("ws client disconnected")
		}()
		conn.SetReadLimit(maxClientMessage)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := s.handleClientMessage(data); err != nil {
				s.log.Debug().Err(err).Str("client", c.id).Msg("bad client message")
				s.sendError(c, err)
			}
		}
	}()
}

func (s *Server) sendError(c *client, err error) {
	data, merr := json.Marshal(WSMessage{Type: MsgError, Payload: ErrorPayload{Message: err.Error()}})
	if merr != nil {
		return
	}
	s.Broadcaster.sendTo(c, data)
}

// handleClientMessage applies a shell event sent by the notebook UI.
func (s *Server) handleClientMessage(data []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	switch msg.Type {
	case MsgNotebookOpened:
		var p NotebookOpenedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		if p.ID == "" {
			return fmt.Errorf("%s: missing notebook id", msg.Type)
		}
		if !s.Tracker.Open(p.WidgetID, session.Notebook{ID: p.ID, Path: p.Path, Name: p.Name}) {
			return fmt.Errorf("notebook %s is not trackable", p.ID)
		}

	case MsgNotebookClosed:
		var p NotebookClosedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		switch {
		case p.WidgetID != "":
			s.Tracker.Close(p.WidgetID)
		case p.ID != "":
			s.Tracker.CloseNotebook(p.ID)
		default:
			return fmt.Errorf("%s: missing widget or notebook id", msg.Type)
		}

	case MsgCurrentChanged:
		var p CurrentChangedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		s.Shell.Publish(p.WidgetID)

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

func (s *Server) handleNotebooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		notebooks := s.Listener.Notebooks()
		if r.URL.Query().Get("active") == "true" {
			notebooks = lo.Filter(notebooks, func(nb session.TrackedNotebook, _ int) bool { return nb.Active })
		}
		if prefix := r.URL.Query().Get("path"); prefix != "" {
			notebooks = lo.Filter(notebooks, func(nb session.TrackedNotebook, _ int) bool {
				return strings.HasPrefix(nb.Path, prefix)
			})
		}
		writeJSON(w, http.StatusOK, notebooks)

	case http.MethodPost:
		var p NotebookOpenedPayload
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxClientMessage)).Decode(&p); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
			return
		}
		if p.ID == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "id is required"})
			return
		}
		if !s.Tracker.Open(p.WidgetID, session.Notebook{ID: p.ID, Path: p.Path, Name: p.Name}) {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "notebook path is not allowed"})
			return
		}
		nb, _ := s.Listener.Get(p.ID)
		writeJSON(w, http.StatusCreated, nb)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleNotebookRoutes(w http.ResponseWriter, r *http.Request) {
	// /api/notebooks/{id} or /api/notebooks/{id}/refresh. Ids are notebook
	// paths and may contain escaped slashes.
	rest := strings.TrimPrefix(r.URL.EscapedPath(), "/api/notebooks/")
	refresh := false
	if strings.HasSuffix(rest, "/refresh") {
		refresh = true
		rest = strings.TrimSuffix(rest, "/refresh")
	}
	raw, err := url.PathUnescape(rest)
	if err != nil || raw == "" {
		http.Error(w, "invalid notebook id", http.StatusBadRequest)
		return
	}
	id := session.NotebookID(raw)

	if refresh {
		s.handleRefresh(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		nb, ok := s.Listener.Get(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "notebook not tracked"})
			return
		}
		writeJSON(w, http.StatusOK, nb)

	case http.MethodDelete:
		if !s.Tracker.CloseNotebook(id) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "notebook not tracked"})
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, id session.NotebookID) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.Listener.IsTracked(id) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "notebook not tracked"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.RefreshTimeout)
	defer cancel()
	if err := s.Listener.Refresh(ctx, id); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.Canceled) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, errorBody{Error: err.Error(), Kind: session.Classify(err)})
		return
	}

	nb, ok := s.Listener.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "notebook not tracked"})
		return
	}
	writeJSON(w, http.StatusOK, nb)
}

func (s *Server) handleShellCurrent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var p CurrentChangedPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxClientMessage)).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body: " + err.Error()})
		return
	}
	s.Shell.Publish(p.WidgetID)

	var state monitor.ActiveState
	if s.Active != nil {
		state = s.Active.State()
	}
	writeJSON(w, http.StatusOK, state)
}

// StateResponse is the body of GET /api/state.
type StateResponse struct {
	Active          session.NotebookID `json:"active,omitempty"`
	PersistedActive session.NotebookID `json:"persistedActive,omitempty"`
	Source          string             `json:"source"`
	Tracked         int                `json:"tracked"`
	ByStatus        map[string]int     `json:"byStatus"`
	Clients         int                `json:"clients"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	notebooks := s.Listener.Notebooks()
	resp := StateResponse{
		Active:  s.Listener.Active(),
		Source:  s.Listener.SourceName(),
		Tracked: len(notebooks),
		ByStatus: lo.CountValuesBy(notebooks, func(nb session.TrackedNotebook) string {
			return nb.Snapshot.Status.String()
		}),
		Clients: s.Broadcaster.ClientCount(),
	}
	if s.Store != nil {
		if id, err := s.Store.ActiveNotebook(); err == nil {
			resp.PersistedActive = id
		} else {
			s.log.Warn().Err(err).Msg("reading persisted active notebook")
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	report := s.Listener.Health()
	status := http.StatusOK
	if report.Status == monitor.StatusFailed {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "persistence disabled"})
		return
	}
	records, err := s.Store.LastKnown()
	if err != nil {
		s.log.Error().Err(err).Msg("reading snapshots")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "reading snapshots failed"})
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Nblistener-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	hostname := parsed.Hostname()
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}

// NewHTTPServer builds the http.Server for addr. Callers own its lifecycle.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logging.StdErrorLogger(),
	}
}
