// Package api is the read surface of the daemon: instance status, proof
// records, archived decisions, a live proof stream over websocket, and an
// event-injection endpoint for demos and tests. It never mutates agent
// state beyond enqueueing events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/clawinfra/opsclaw/internal/agent"
	"github.com/clawinfra/opsclaw/internal/archive"
	"github.com/clawinfra/opsclaw/internal/ingest"
	"github.com/clawinfra/opsclaw/internal/proof"
	"github.com/clawinfra/opsclaw/internal/types"
)

// Server exposes the HTTP API.
type Server struct {
	port    int
	loops   map[types.Env]*agent.Loop
	proofs  *proof.Log
	archive *archive.Store
	queue   *ingest.Queue
	secret  []byte
	logger  *slog.Logger

	httpServer *http.Server
}

// NewServer wires the API over the running instances. archive and queue may
// be nil; their endpoints then return 404. A nil secret disables auth.
func NewServer(port int, loops map[types.Env]*agent.Loop, proofs *proof.Log, arch *archive.Store, queue *ingest.Queue, secret []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:    port,
		loops:   loops,
		proofs:  proofs,
		archive: arch,
		queue:   queue,
		secret:  secret,
		logger:  logger.With("component", "api"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/status/{env}", s.handleEnvStatus)
	mux.HandleFunc("GET /api/proof", s.handleProof)
	mux.HandleFunc("GET /api/decisions", s.handleDecisions)
	mux.HandleFunc("GET /api/events", s.handleEventStream)
	mux.HandleFunc("POST /api/events", s.handleEventPush)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return authMiddleware(s.secret, s.logger)(mux)
}

// Start serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "port", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string]agent.Status, len(s.loops))
	for env, loop := range s.loops {
		out[string(env)] = loop.Status()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEnvStatus(w http.ResponseWriter, r *http.Request) {
	env, err := types.ParseEnv(r.PathValue("env"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	loop, ok := s.loops[env]
	if !ok {
		writeError(w, http.StatusNotFound, "no instance for environment")
		return
	}
	writeJSON(w, http.StatusOK, loop.Status())
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	records, err := s.proofs.ReadAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	limit := queryInt(r, "limit", 100)
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, "archive disabled")
		return
	}
	env, err := types.ParseEnv(r.URL.Query().Get("env"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := s.archive.Recent(r.Context(), env, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleEventPush injects a runtime event into the ingest queue. The loop's
// VALIDATE phase does the real vetting; this handler only rejects payloads
// that do not even parse.
func (s *Server) handleEventPush(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeError(w, http.StatusNotFound, "ingest disabled")
		return
	}
	var ev types.RuntimeEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "malformed event: "+err.Error())
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := s.queue.Push(ev); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
