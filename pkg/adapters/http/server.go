package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aretw0/waymark/internal/logging"
	"github.com/aretw0/waymark/internal/presentation/graph"
	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/gate"
	"github.com/aretw0/waymark/pkg/registry"
)

// Server is the REST surface over a gate.
type Server struct {
	gate     *gate.Gate
	streams  *StreamManager
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	version  string
}

// Option configures the Server.
type Option func(*Server)

// WithLogger configures structured logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStreams attaches the StreamManager whose hooks are wired into the
// engine. Without it the events endpoint only ever sends the handshake.
func WithStreams(sm *StreamManager) Option {
	return func(s *Server) {
		s.streams = sm
	}
}

// WithMetrics exposes the gatherer on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithVersion sets the version reported by /info.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = strings.TrimSpace(v)
	}
}

// NewServer creates the REST server.
func NewServer(g *gate.Gate, opts ...Option) *Server {
	s := &Server{
		gate:    g,
		logger:  logging.NewNop(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.streams == nil {
		s.streams = NewStreamManager(s.logger)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(enableCORS)

	r.Get("/health", s.getHealth)
	r.Get("/info", s.getInfo)
	r.Get("/graph", s.getGraph)
	r.Get("/tools", s.listTools)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
			r.Post("/reset", s.resetSession)
			r.Get("/events", s.subscribeEvents)
			r.Post("/tools/{tool}", s.callTool)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/expire", s.expire)
		r.Post("/backup", s.backup)
	})

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("Shutdown signal received, stopping HTTP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"app":     "waymark-http",
		"version": s.version,
	})
}

// getGraph renders the stage graph as Mermaid. With ?session=<id> the
// session's path is highlighted.
func (s *Server) getGraph(w http.ResponseWriter, r *http.Request) {
	var overlay *graph.GraphOverlay
	if id := r.URL.Query().Get("session"); id != "" {
		sess, err := s.gate.Engine().GetSession(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		overlay = &graph.GraphOverlay{Visited: sess.History, Current: sess.Stage}
	}
	w.Header().Set("Content-Type", "text/vnd.mermaid")
	fmt.Fprint(w, graph.GenerateMermaid(s.gate.Registry().ByStage(), overlay))
}

type toolView struct {
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	Stages       []domain.Stage   `json:"stages,omitempty"`
	Requires     []domain.Field   `json:"requires,omitempty"`
	Advance      domain.Stage     `json:"advance,omitempty"`
	Unrestricted bool             `json:"unrestricted,omitempty"`
	Params       []registry.Param `json:"params,omitempty"`
}

func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	specs := s.gate.Registry().List()
	out := make([]toolView, len(specs))
	for i, spec := range specs {
		out[i] = toolView{
			Name:         spec.Name,
			Description:  spec.Description,
			Stages:       spec.Stages,
			Requires:     spec.Requires,
			Advance:      spec.Advance,
			Unrestricted: spec.Unrestricted,
			Params:       spec.Params,
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.gate.Engine().ListSessions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]domain.Summary, len(sessions))
	for i, sess := range sessions {
		out[i] = sess.Summarize()
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.gate.Engine().CurrentStageInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	existed, err := s.gate.Engine().Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !existed {
		s.writeError(w, domain.ErrSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.gate.Engine().Reset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess.Summarize())
}

// callTool runs a tool through the gate. Rejections answer 409 with the
// structured refusal; tool failures still answer 200 with is_error set.
func (s *Server) callTool(w http.ResponseWriter, r *http.Request) {
	args := map[string]any{}
	if r.ContentLength != 0 {
		if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&args); err != nil {
			s.logger.Warn("callTool: invalid request body", "err", err)
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	args[gate.SessionArg] = chi.URLParam(r, "id")

	resp, err := s.gate.Call(r.Context(), chi.URLParam(r, "tool"), args)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if resp.Rejection != nil {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) expire(w http.ResponseWriter, r *http.Request) {
	maxAge, err := time.ParseDuration(r.URL.Query().Get("max_age"))
	if err != nil || maxAge < 0 {
		http.Error(w, "max_age must be a non-negative duration", http.StatusBadRequest)
		return
	}
	n, err := s.gate.Engine().ExpireOlderThan(r.Context(), maxAge)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

func (s *Server) backup(w http.ResponseWriter, r *http.Request) {
	loc, err := s.gate.Engine().BackupAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"location": loc})
}

// subscribeEvents streams committed session events. ?watch=stage,fields
// keeps only events touching those parts of the session.
func (s *Server) subscribeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	sessionID := chi.URLParam(r, "id")

	var watchList []string
	if watch := r.URL.Query().Get("watch"); watch != "" {
		for _, f := range strings.Split(watch, ",") {
			watchList = append(watchList, strings.TrimSpace(f))
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.streams.Subscribe(sessionID)
	defer cancel()
	s.logger.Info("SSE: Subscribing to session updates", "session_id", sessionID)

	fmt.Fprintf(w, "event: ping\ndata: connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Info("SSE client disconnected", "session_id", sessionID)
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if len(watchList) > 0 && !matchesWatch(msg, watchList) {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func matchesWatch(msg string, watchList []string) bool {
	var event domain.SessionEvent
	if err := sonic.ConfigStd.UnmarshalFromString(msg, &event); err != nil {
		return true
	}
	if event.Type == domain.EventReset || event.Type == domain.EventExpire {
		return true
	}
	d := event.Diff
	if d == nil {
		return false
	}
	for _, field := range watchList {
		switch field {
		case "stage":
			if d.Stage != nil || len(d.Appended) > 0 {
				return true
			}
		case "fields":
			if len(d.Fields) > 0 || d.Refinements != nil {
				return true
			}
		case "side_data":
			if len(d.SideData) > 0 {
				return true
			}
		}
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := sonic.ConfigStd.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, registry.ErrToolNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrSessionExists):
		status = http.StatusConflict
	case domain.IsPersistence(err):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
