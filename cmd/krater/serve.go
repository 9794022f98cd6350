package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/krater-dev/krater/cache"
	"github.com/krater-dev/krater/executor"
	"github.com/krater-dev/krater/pool"
	"github.com/krater-dev/krater/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP execution host",
	Long: `Start an HTTP server for pooled code execution.

Endpoints:
  POST /execute      Execute code, streaming events as NDJSON
  POST /cancel       Cancel a queued or running job by id
  POST /cache/clear  Drop prepared artifacts (all, or one source)
  GET  /health       Host status, pool occupancy and cache counters
  GET  /metrics      Prometheus metrics`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().String("config", "", "YAML config file")
	rootCmd.AddCommand(serveCmd)
}

// executionHost is the server's view of the execution service.
type executionHost interface {
	Submit(source, languageID string, opts executor.Options, prio executor.Priority, sink executor.Sink) (*service.Submission, error)
	Cancel(jobID string) error
	ClearCache(source string)
	Languages() []string
	CacheStats() cache.Stats
	PoolStats() map[string]pool.Stats
}

type server struct {
	host    executionHost
	logger  *zap.Logger
	timeout time.Duration
	metrics http.Handler
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("POST /cancel", s.handleCancel)
	mux.HandleFunc("POST /cache/clear", s.handleCacheClear)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

type executeRequest struct {
	Code          string `json:"code"`
	Lang          string `json:"lang"`
	Timeout       string `json:"timeout,omitempty"`
	Priority      string `json:"priority,omitempty"`
	Instrument    bool   `json:"instrument,omitempty"`
	ShowUndefined bool   `json:"show_undefined,omitempty"`
}

// handleExecute streams the job's events as NDJSON. The terminal
// complete or error event is always the last line.
func (s *server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		http.Error(w, "code required", http.StatusBadRequest)
		return
	}

	languageID, err := resolveLanguage(req.Lang, "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	prio, err := parsePriority(req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	timeout := s.timeout
	if req.Timeout != "" {
		if d, err := time.ParseDuration(req.Timeout); err == nil {
			timeout = d
		}
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")

	var mu sync.Mutex
	enc := json.NewEncoder(w)
	sink := func(ev executor.Event) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(ev); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	sub, err := s.host.Submit(req.Code, languageID, executor.Options{
		Timeout:             timeout,
		Instrument:          req.Instrument,
		ShowUndefinedValues: req.ShowUndefined,
	}, prio, sink)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	select {
	case <-sub.Result:
	case <-r.Context().Done():
		// Client went away: stop paying for the job.
		s.host.Cancel(sub.Job.ID)
		<-sub.Result
	}
}

type cancelRequest struct {
	ID string `json:"id"`
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		http.Error(w, "job id required", http.StatusBadRequest)
		return
	}
	if err := s.host.Cancel(req.ID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cacheClearRequest struct {
	Source string `json:"source,omitempty"`
}

func (s *server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	var req cacheClearRequest
	json.NewDecoder(r.Body).Decode(&req)
	s.host.ClearCache(req.Source)
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status    string                `json:"status"`
	Languages []string              `json:"languages"`
	Pools     map[string]pool.Stats `json:"pools"`
	Cache     cache.Stats           `json:"cache"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:    "ok",
		Languages: s.host.Languages(),
		Pools:     s.host.PoolStats(),
		Cache:     s.host.CacheStats(),
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := loadServeConfig(configPath)
	if err != nil {
		return err
	}

	logger := buildLogger(cmd)
	defer logger.Sync()

	runtimes := cfg.RuntimesDir
	if runtimes == "" {
		runtimes = runtimeDir(cmd)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	svc, err := service.New(service.Config{
		MinUnits:            cfg.Pool.MinUnits,
		MaxUnits:            cfg.Pool.MaxUnits,
		IdleTimeout:         time.Duration(cfg.Pool.IdleTimeout),
		InitTimeout:         time.Duration(cfg.Pool.InitTimeout),
		HealthInterval:      time.Duration(cfg.Pool.HealthInterval),
		StuckThreshold:      time.Duration(cfg.Pool.StuckThreshold),
		DefaultTimeout:      cfg.DefaultTimeout.or(30 * time.Second),
		CacheBudget:         cfg.Cache.BudgetBytes,
		PackageDir:          cfg.Packages.Dir,
		BlockedModules:      cfg.Packages.Blocked,
		CompilationCacheDir: cfg.CompilationCacheDir,
		Metrics:             registry,
	}, buildRegistry(runtimes), logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start execution host: %w", err)
	}

	srv := &server{
		host:    svc,
		logger:  logger,
		timeout: cfg.DefaultTimeout.or(30 * time.Second),
		metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}

	addr := cfg.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", port)
	}
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("execution host listening", zap.String("addr", addr))
		fmt.Printf("krater listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	return svc.Close(shutdownCtx)
}
