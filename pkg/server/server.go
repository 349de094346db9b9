// Package server exposes the reclamation pipeline as an HTTP control
// surface: scan, judge, reclaim, stats, activity, settings, and whitelist.
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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mr-tron/base58"

	"github.com/malbeclabs/rentsweep/pkg/sweep"
)

type Config struct {
	Logger  *slog.Logger
	Service *sweep.Service

	ListenAddr        string
	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
	AllowedOrigins    []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Service == nil {
		return errors.New("service is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return nil
}

type Server struct {
	log     *slog.Logger
	cfg     Config
	svc     *sweep.Service
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log: cfg.Logger,
		cfg: cfg,
		svc: cfg.Service,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", s.healthzHandler)
	r.Get("/readyz", s.healthzHandler)

	r.Post("/scan", s.scanHandler)
	r.Post("/judge", s.judgeHandler)
	r.Get("/eligible", s.eligibleHandler)
	r.Post("/reclaim", s.reclaimBatchHandler)
	r.Post("/reclaim/{address}", s.reclaimOneHandler)
	r.Get("/stats", s.statsHandler)
	r.Get("/activity", s.activityHandler)
	r.Get("/settings", s.getSettingsHandler)
	r.Put("/settings", s.putSettingsHandler)
	r.Get("/whitelist", s.getWhitelistHandler)
	r.Post("/whitelist", s.addWhitelistHandler)
	r.Delete("/whitelist/{address}", s.removeWhitelistHandler)

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s, nil
}

// Handler returns the configured router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("server: failed to write response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var reclaimErr *sweep.ReclaimError
	if errors.As(err, &reclaimErr) {
		status := http.StatusConflict
		if reclaimErr.Code == sweep.CodeAccountNotFound {
			status = http.StatusNotFound
		}
		s.writeJSON(w, status, errorResponse{Error: reclaimErr.Reason, Code: reclaimErr.Code})
		return
	}
	s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

// validAddress checks that the path parameter is a base58-encoded 32-byte key
// before it reaches the pipeline.
func validAddress(address string) bool {
	raw, err := base58.Decode(address)
	return err == nil && len(raw) == 32
}

// dryRunParam resolves the effective mode: explicit dry_run query parameter
// wins, otherwise the stored dry_run_mode setting (safe default true).
func (s *Server) dryRunParam(r *http.Request) (bool, error) {
	if raw := r.URL.Query().Get("dry_run"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return true, fmt.Errorf("invalid dry_run parameter %q", raw)
		}
		return v, nil
	}
	settings, err := s.svc.Settings(r.Context())
	if err != nil {
		return true, err
	}
	return settings.DryRun, nil
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("server: failed to write health response", "error", err)
	}
}

func (s *Server) scanHandler(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.Scan(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) judgeHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.JudgeAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) eligibleHandler(w http.ResponseWriter, r *http.Request) {
	verdicts, err := s.svc.Eligible(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if verdicts == nil {
		verdicts = []sweep.Verdict{}
	}
	s.writeJSON(w, http.StatusOK, verdicts)
}

func (s *Server) reclaimOneHandler(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !validAddress(address) {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid account address"})
		return
	}
	dryRun, err := s.dryRunParam(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	result, err := s.svc.ReclaimOne(r.Context(), address, dryRun)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) reclaimBatchHandler(w http.ResponseWriter, r *http.Request) {
	dryRun, err := s.dryRunParam(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	result, err := s.svc.ReclaimBatch(r.Context(), dryRun)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) activityHandler(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid limit %q", raw)})
			return
		}
		limit = v
	}
	entries, err := s.svc.Activity(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []sweep.ActivityEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) getSettingsHandler(w http.ResponseWriter, r *http.Request) {
	settings, err := s.svc.Settings(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Server) putSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var settings sweep.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid settings body: %v", err)})
		return
	}
	if err := s.svc.UpdateSettings(r.Context(), settings); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, settings)
}

func (s *Server) getWhitelistHandler(w http.ResponseWriter, r *http.Request) {
	addrs, err := s.svc.WhitelistAddresses(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if addrs == nil {
		addrs = []string{}
	}
	s.writeJSON(w, http.StatusOK, addrs)
}

type whitelistRequest struct {
	Address string `json:"address"`
}

func (s *Server) addWhitelistHandler(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid whitelist body: %v", err)})
		return
	}
	if !validAddress(req.Address) {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid account address"})
		return
	}
	if err := s.svc.WhitelistAdd(r.Context(), req.Address); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, req)
}

func (s *Server) removeWhitelistHandler(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !validAddress(address) {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid account address"})
		return
	}
	if err := s.svc.WhitelistRemove(r.Context(), address); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
