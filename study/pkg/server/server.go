// Package server exposes the importer over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/studydata/study/pkg/dupes"
	"github.com/malbeclabs/studydata/study/pkg/importer"
	"github.com/malbeclabs/studydata/study/pkg/metrics"
	"github.com/malbeclabs/studydata/study/pkg/model"
	"github.com/malbeclabs/studydata/study/pkg/rows"
	"github.com/malbeclabs/studydata/study/pkg/storage"
	"github.com/malbeclabs/studydata/study/pkg/validation"
)

const HeaderUserID = "X-User-Id"

// MaxBodyBytes caps the size of an import request body.
const MaxBodyBytes = 32 << 20

// Importer is the part of importer.Importer the server calls.
type Importer interface {
	ImportRows(ctx context.Context, ds *model.Dataset, user *model.User, in rows.Iterator, opts importer.Options) ([]string, error)
}

// Datasets resolves the dataset named by a request.
type Datasets interface {
	Dataset(ctx context.Context, container string, datasetID int) (*model.Dataset, error)
}

type Config struct {
	Logger   *slog.Logger
	Importer Importer
	Datasets Datasets
	// Ready reports whether dependencies are reachable. Optional.
	Ready   func(ctx context.Context) error
	Version string

	ImportRate     rate.Limit
	ImportBurst    int
	AllowedOrigins []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Importer == nil {
		return errors.New("importer is required")
	}
	if cfg.Datasets == nil {
		return errors.New("dataset source is required")
	}
	if cfg.ImportRate <= 0 {
		cfg.ImportRate = rate.Every(time.Minute / 60)
	}
	if cfg.ImportBurst <= 0 {
		cfg.ImportBurst = 10
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return nil
}

type Server struct {
	log     *slog.Logger
	cfg     Config
	router  chi.Router
	limiter *RateLimiter
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		router:  chi.NewRouter(),
		limiter: NewRateLimiter(cfg.ImportRate, cfg.ImportBurst),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Close() {
	s.limiter.Close()
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", HeaderUserID},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Version})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/containers/{container}/datasets/{dataset}", func(r chi.Router) {
		r.With(RateLimitMiddleware(s.limiter)).Post("/import", s.handleImport)
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.cfg.Ready(ctx); err != nil {
			s.log.Warn("readiness check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ImportOptions is the wire form of importer.Options.
type ImportOptions struct {
	CheckDuplicates        dupes.Policy `json:"checkDuplicates"`
	AllowImportManagedKeys bool         `json:"allowImportManagedKeys"`
	DisableImportAliases   bool         `json:"disableImportAliases"`
	ForUpdate              bool         `json:"forUpdate"`
	FailFast               bool         `json:"failFast"`
	AutoCreateQCStates     bool         `json:"autoCreateQCStates"`
	DefaultQCStateID       *int64       `json:"defaultQCStateId,omitempty"`
	TargetContainer        string       `json:"targetContainer,omitempty"`
	Comment                string       `json:"comment,omitempty"`
}

type ImportRequest struct {
	Rows    []map[string]any `json:"rows"`
	Options ImportOptions    `json:"options"`
}

type ImportResponse struct {
	LSIDs []string `json:"lsids"`
	Count int      `json:"count"`
}

type ErrorResponse struct {
	Error  string             `json:"error"`
	Errors []validation.Error `json:"errors,omitempty"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	container := chi.URLParam(r, "container")
	datasetID, err := strconv.Atoi(chi.URLParam(r, "dataset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "dataset id must be an integer")
		return
	}
	userID, err := strconv.ParseInt(r.Header.Get(HeaderUserID), 10, 64)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing or invalid "+HeaderUserID+" header")
		return
	}

	var req ImportRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	ds, err := s.cfg.Datasets.Dataset(r.Context(), container, datasetID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("dataset %d not found in %s", datasetID, container))
			return
		}
		s.log.Error("failed to load dataset", "container", container, "dataset_id", datasetID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load dataset")
		return
	}

	opts := importer.Options{
		CheckDuplicates:        req.Options.CheckDuplicates,
		AllowImportManagedKeys: req.Options.AllowImportManagedKeys,
		DisableImportAliases:   req.Options.DisableImportAliases,
		ForUpdate:              req.Options.ForUpdate,
		FailFast:               req.Options.FailFast,
		AutoCreateQCStates:     req.Options.AutoCreateQCStates,
		TargetContainer:        req.Options.TargetContainer,
		AuditComment:           req.Options.Comment,
	}
	if opts.TargetContainer == "" {
		opts.TargetContainer = container
	}
	if req.Options.DefaultQCStateID != nil {
		opts.DefaultQCState = &model.QCState{RowID: *req.Options.DefaultQCStateID, Container: opts.TargetContainer}
	}

	ids, err := s.cfg.Importer.ImportRows(r.Context(), ds, &model.User{ID: userID}, rows.FromMaps(req.Rows), opts)
	if err != nil {
		var be *validation.BatchError
		switch {
		case errors.As(err, &be):
			writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "validation failed", Errors: be.Errors})
		case errors.Is(err, importer.ErrForbidden):
			writeError(w, http.StatusForbidden, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "import failed")
		}
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ImportResponse{LSIDs: ids, Count: len(ids)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: listen failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	s.log.Info("server: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown failed: %w", err)
	}
	return nil
}
