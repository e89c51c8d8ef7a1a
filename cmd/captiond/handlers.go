package main

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/WessleyAI/captionstore/engine/domain"
	"github.com/WessleyAI/captionstore/engine/events"
	"github.com/WessleyAI/captionstore/engine/ingest"
	"github.com/WessleyAI/captionstore/engine/reconcile"
	"github.com/WessleyAI/captionstore/engine/retrieval"
	"github.com/WessleyAI/captionstore/internal/app"
	"github.com/WessleyAI/captionstore/pkg/mid"
)

type server struct {
	app *app.App
	bus *events.Bus
	log *slog.Logger

	// syncMu serializes syncs started over HTTP, NATS and auto-sync.
	syncMu  sync.Mutex
	planner *reconcile.Planner
}

func newServer(a *app.App, bus *events.Bus) *server {
	return &server{
		app:     a,
		bus:     bus,
		log:     a.Log,
		planner: a.Planner(reconcile.Options{}),
	}
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/label", s.handleLabel)
	mux.HandleFunc("POST /api/embed", s.handleEmbed)
	mux.HandleFunc("POST /api/search", s.handleSearch)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("GET /api/images", s.handleImages)
	mux.HandleFunc("GET /api/images/{hash}/status", s.handleStatus)
	mux.HandleFunc("PATCH /api/embeddings/{hash}", s.handleUpdateEmbedding)
	mux.HandleFunc("DELETE /api/embeddings/{hash}", s.handleDeleteEmbedding)
	mux.Handle("GET /metrics", s.app.Registry.Handler())

	cfg := s.app.Config.Server
	return mid.Chain(mux,
		mid.RequestID(),
		mid.Recover(s.log),
		mid.Logger(s.log),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("captiond"),
		mid.MaxBytes(cfg.MaxBodyBytes),
		mid.Metrics(s.app.Metrics),
	)
}

// --- Operations shared by HTTP and NATS ---

type labelRequest struct {
	Dir    string `json:"dir"`
	Prompt string `json:"prompt"`
	Sync   bool   `json:"sync,omitempty"`
}

func (s *server) label(ctx context.Context, req labelRequest) (ingest.Summary, error) {
	if req.Prompt == "" {
		req.Prompt = s.app.Config.Caption.Prompt
	}
	var syncer ingest.Syncer
	if req.Sync {
		syncer = syncFunc(s.sync)
	}
	o := s.app.Orchestrator(syncer, s.bus, ingest.Options{SyncAfter: req.Sync})
	return o.Run(ctx, req.Dir, req.Prompt)
}

func (s *server) sync(ctx context.Context) (reconcile.Report, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.planner.Sync(ctx)
}

type syncFunc func(context.Context) (reconcile.Report, error)

func (f syncFunc) Sync(ctx context.Context) (reconcile.Report, error) { return f(ctx) }

// --- Handlers ---

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Ping(r.Context()); err != nil {
		s.log.Warn("health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleLabel(w http.ResponseWriter, r *http.Request) {
	var req labelRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Dir == "" {
		writeError(w, http.StatusBadRequest, "dir is required")
		return
	}
	sum, err := s.label(r.Context(), req)
	if err != nil {
		s.fail(w, "label", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	rep, err := s.sync(r.Context())
	if err != nil {
		s.fail(w, "sync", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// SearchRequest is the JSON body for POST /api/search. Exactly one of
// Query and Hash is set.
type SearchRequest struct {
	Query string `json:"query,omitempty"`
	Hash  string `json:"content_hash,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !decode(w, r, &req) {
		return
	}
	var (
		res *retrieval.Result
		err error
	)
	switch {
	case req.Hash != "" && req.Query != "":
		writeError(w, http.StatusBadRequest, "set query or content_hash, not both")
		return
	case req.Hash != "":
		res, err = s.app.Retrieval.Similar(r.Context(), req.Hash, req.Limit)
	default:
		res, err = s.app.Retrieval.Query(r.Context(), req.Query, req.Limit)
	}
	if err != nil {
		s.fail(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Confirm string `json:"confirm"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.app.Admin.Reset(r.Context(), req.Confirm); err != nil {
		s.fail(w, "reset", err)
		return
	}
	s.app.Metrics.IndexSize(0)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *server) handleImages(w http.ResponseWriter, r *http.Request) {
	var (
		recs []domain.ImageRecord
		err  error
	)
	if p := r.URL.Query().Get("prompt"); p != "" {
		recs, err = s.app.Catalog.ForPrompt(r.Context(), p)
	} else {
		recs, err = s.app.Catalog.AllRecords(r.Context())
	}
	if err != nil {
		s.fail(w, "images", err)
		return
	}
	if recs == nil {
		recs = []domain.ImageRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	prompt := r.URL.Query().Get("prompt")
	if prompt == "" {
		prompt = s.app.Config.Caption.Prompt
	}
	st, err := s.app.Orchestrator(nil, nil, ingest.Options{}).Status(r.Context(), hash, prompt)
	if err != nil {
		s.fail(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"content_hash": hash,
		"prompt":       prompt,
		"state":        st.String(),
	})
}

func (s *server) handleUpdateEmbedding(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caption string `json:"caption"`
	}
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Caption) == "" {
		writeError(w, http.StatusBadRequest, "caption is required")
		return
	}
	if err := s.app.Admin.UpdateCaption(r.Context(), r.PathValue("hash"), req.Caption); err != nil {
		s.fail(w, "update embedding", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDeleteEmbedding(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Admin.DeleteEmbedding(r.Context(), r.PathValue("hash")); err != nil {
		s.fail(w, "delete embedding", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Helpers ---

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case domain.IsValidation(err),
		errors.Is(err, domain.ErrResetNotConfirmed),
		errors.Is(err, domain.ErrDimensionMismatch):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func (s *server) fail(w http.ResponseWriter, op string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.log.Error(op+" failed", "err", err)
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}
