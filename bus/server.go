package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/orchestra/engine"
	"github.com/c360studio/orchestra/store"
)

// Socket and WAL file names under the root.
const (
	SocketFile = "bus.sock"
	WALFile    = "bus.wal"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20 // 1 MB

// EngineAPI is the slice of the engine the bus needs.
type EngineAPI interface {
	SubmitEvidence(ctx context.Context, id string, sub engine.Submission) (engine.Outcome, error)
	Get(id string) (*store.State, error)
	List() ([]*store.State, error)
}

// Options configures a bus server.
type Options struct {
	Root           string
	Engine         EngineAPI
	Logger         *slog.Logger
	Metrics        *Metrics
	Gatherer       prometheus.Gatherer
	InboxTimeout time.Duration
	InboxBatch   int
}

// Server is the local IPC endpoint: JSON over HTTP on a Unix domain
// socket at <root>/bus.sock, with queued messages made durable in
// <root>/bus.wal. Handlers serialize engine mutations through the
// engine's own per-workflow locks.
type Server struct {
	root         string
	engine       EngineAPI
	logger       *slog.Logger
	metrics      *Metrics
	gatherer     prometheus.Gatherer
	inboxTimeout time.Duration
	inboxBatch   int

	wal     *WAL
	inboxes *inboxes

	hbMu       sync.Mutex
	heartbeats map[string]string

	httpServer *http.Server
	listener   net.Listener
}

// New opens the WAL, replays pending messages into the inboxes, and
// returns a server ready to Start.
func New(opts Options) (*Server, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.InboxTimeout <= 0 {
		opts.InboxTimeout = 10 * time.Second
	}
	if opts.InboxBatch <= 0 {
		opts.InboxBatch = 10
	}

	wal, live, err := OpenWAL(filepath.Join(opts.Root, WALFile), logger)
	if err != nil {
		return nil, err
	}
	in := newInboxes()
	for _, msg := range live {
		in.enqueue(msg)
	}
	if len(live) > 0 {
		logger.Info("bus WAL replayed", slog.Int("pending", len(live)))
	}

	s := &Server{
		root:         opts.Root,
		engine:       opts.Engine,
		logger:       logger,
		metrics:      opts.Metrics,
		gatherer:     opts.Gatherer,
		inboxTimeout: opts.InboxTimeout,
		inboxBatch:   opts.InboxBatch,
		wal:          wal,
		inboxes:      in,
		heartbeats:   make(map[string]string),
	}
	s.httpServer = &http.Server{Handler: s.router()}
	return s, nil
}

// SocketPath returns the socket the server listens on.
func (s *Server) SocketPath() string {
	return filepath.Join(s.root, SocketFile)
}

// Start listens on the Unix socket and serves until Shutdown. A stale
// socket file from a previous run is removed first.
func (s *Server) Start() error {
	socket := s.SocketPath()
	if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale bus socket: %w", err)
	}
	listener, err := net.Listen("unix", socket)
	if err != nil {
		return fmt.Errorf("listen on bus socket: %w", err)
	}
	s.listener = listener
	s.logger.Info("bus listening", slog.String("socket", socket))
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("bus serve failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Shutdown stops serving, compacts the WAL down to the still-pending
// messages, and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := s.wal.Compact(s.inboxes.pending()); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := os.Remove(s.SocketPath()); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (s *Server) router() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", s.handleStatus)
	r.Get("/workflow/{id}", s.handleWorkflow)
	r.Post("/evidence/{id}", s.handleEvidence)
	r.Post("/heartbeat/{agent}", s.handleHeartbeat)
	r.Post("/messages", s.handleSend)
	r.Get("/inbox/{agent}", s.handleInbox)
	r.Post("/ack", s.handleAck)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.metrics.incRoute("status")
	workflows, err := s.engine.List()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.hbMu.Lock()
	heartbeats := make(map[string]string, len(s.heartbeats))
	for agent, at := range s.heartbeats {
		heartbeats[agent] = at
	}
	s.hbMu.Unlock()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"workflows":  workflows,
		"heartbeats": heartbeats,
	})
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	s.metrics.incRoute("workflow")
	wf, err := s.engine.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown_workflow"})
		return
	}
	s.writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	s.metrics.incRoute("evidence")
	s.metrics.incSubmissions()
	id := chi.URLParam(r, "id")
	var sub engine.Submission
	if !s.readJSON(w, r, &sub) {
		return
	}
	outcome, err := s.engine.SubmitEvidence(r.Context(), id, sub)
	if err != nil {
		// Structural faults surface as a stable rejection shape.
		s.writeJSON(w, http.StatusOK, engine.Outcome{
			WorkflowID: id,
			Status:     engine.StatusRejected,
			Reason:     err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.metrics.incRoute("heartbeat")
	agent := chi.URLParam(r, "agent")
	at := time.Now().UTC().Format(time.RFC3339)
	s.hbMu.Lock()
	s.heartbeats[agent] = at
	s.hbMu.Unlock()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"agentId": agent,
		"at":      at,
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	s.metrics.incRoute("messages")
	var req SendRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.To == "" {
		s.writeError(w, http.StatusBadRequest, "to is required")
		return
	}
	requiresAck := true
	if req.RequiresAck != nil {
		requiresAck = *req.RequiresAck
	}
	msg := &Message{
		ID:          uuid.NewString(),
		From:        req.From,
		To:          req.To,
		Type:        req.Type,
		WorkflowID:  req.WorkflowID,
		Phase:       req.Phase,
		Timestamp:   time.Now().UTC(),
		Payload:     req.Payload,
		RequiresAck: requiresAck,
	}
	// WAL first: a message is only accepted once it is durable.
	if err := s.wal.AppendEnqueue(msg); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.inboxes.enqueue(msg)
	s.metrics.incEnqueued()
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": msg.ID})
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	s.metrics.incRoute("inbox")
	agent := chi.URLParam(r, "agent")
	timeout := s.inboxTimeout
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms >= 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	max := s.inboxBatch
	if raw := r.URL.Query().Get("max"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			max = n
		}
	}
	msgs, consumed := s.inboxes.poll(r.Context(), agent, max, timeout)
	for _, id := range consumed {
		if err := s.wal.AppendAck(id); err != nil {
			s.logger.Warn("tombstone for consumed message failed",
				slog.String("message_id", id),
				slog.String("error", err.Error()))
		}
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	s.metrics.incRoute("ack")
	var req AckRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	found := s.inboxes.ack(req.ID)
	if found {
		if err := s.wal.AppendAck(req.ID); err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.metrics.incAcked()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": found})
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
