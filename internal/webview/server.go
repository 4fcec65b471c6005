package webview

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"

	"rally/internal/tabstore"
	"rally/internal/ui"
	"rally/pkg/logger"
)

const snapshotInterval = 500 * time.Millisecond

// inputRequest is the body of POST /api/tabs/{id}/input.
type inputRequest struct {
	Text string `json:"text"`
}

// snapshotMessage is the periodic broadcast payload: every tab's
// ui.TabSummary, with no log content — browsers fetch a tab's full log
// on demand via GET /api/tabs/{id}.
type snapshotMessage struct {
	Type  string          `json:"type"`
	Tabs  []ui.TabSummary `json:"tabs"`
	AtUTC string          `json:"at"`
}

// Server is the optional HTTP/websocket mirror of orchestrator state.
// It owns no tab data itself; every request reads through to store and
// boundary.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *Hub
	store      *tabstore.Store
	boundary   *ui.Boundary

	stopSnapshot context.CancelFunc
}

// New builds a Server that mirrors store/boundary on port.
func New(store *tabstore.Store, boundary *ui.Boundary, port int) *Server {
	router := mux.NewRouter()
	s := &Server{
		router:   router,
		hub:      NewHub(),
		store:    store,
		boundary: boundary,
	}

	handler := recoveryMiddleware(corsMiddleware(loggingMiddleware(router)))
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/tabs", s.handleListTabs).Methods(http.MethodGet)
	api.HandleFunc("/tabs/{id}", s.handleGetTab).Methods(http.MethodGet)
	api.HandleFunc("/tabs/{id}/input", s.handleSubmitInput).Methods(http.MethodPost)
	api.HandleFunc("/tabs/{id}/interrupt", s.handleInterrupt).Methods(http.MethodPost)
	s.router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(s.hub, s.submitInput, s.boundary.Interrupt, w, r)
	})
}

func (s *Server) handleListTabs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.boundary.Summaries(s.store.MainTabID()))
}

func (s *Server) handleGetTab(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tab, ok := s.store.GetByID(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown tab"})
		return
	}
	writeJSON(w, http.StatusOK, tab.Snapshot())
}

func (s *Server) handleSubmitInput(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body inputRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}
	if err := s.submitInput(id, body.Text); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.boundary.Interrupt(id); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// submitInput adapts ui.Boundary.SubmitInput's context-carrying
// signature to the context-free callbacks Client and the REST handlers
// use; a browser-driven submission has no caller-supplied deadline.
func (s *Server) submitInput(tabID, text string) error {
	return s.boundary.SubmitInput(context.Background(), tabID, text)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start runs the hub's fan-out loop, the periodic snapshot broadcaster,
// and the HTTP server, blocking until the server is stopped.
func (s *Server) Start() error {
	go s.hub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	s.stopSnapshot = cancel
	go s.snapshotLoop(ctx)

	logger.Infof("webview: listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webview: serve: %w", err)
	}
	return nil
}

func (s *Server) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.hub.ClientCount() == 0 {
				continue
			}
			msg := snapshotMessage{Type: "snapshot", Tabs: s.boundary.Summaries(s.store.MainTabID()), AtUTC: now.UTC().Format(time.RFC3339)}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			s.hub.Broadcast(data)
		}
	}
}

// Shutdown stops the snapshot loop and gracefully drains the HTTP
// server within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopSnapshot != nil {
		s.stopSnapshot()
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorf("webview: panic handling %s %s: %v\n%s", r.Method, r.URL.Path, err, debug.Stack())
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debugf("webview: %s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
