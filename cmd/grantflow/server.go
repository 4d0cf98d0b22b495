package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/grantflow/config"
	"github.com/BaSui01/grantflow/internal/cache"
	"github.com/BaSui01/grantflow/internal/server"
	"github.com/BaSui01/grantflow/types"
	"github.com/BaSui01/grantflow/workflow"
)

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	watch := fs.Bool("watch", false, "Reload workflows when the config file changes")
	fs.Parse(args)

	cfg, ok := loadConfig(*configPath)
	if !ok {
		return exitError
	}
	logger, level := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("Starting GrantFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return exitError
	}
	defer closeApp(a, logger)

	svc := workflow.NewService(a.engine, a.defs, workflow.NewHistoryStore(cfg.Engine.HistorySize), logger)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := svc.Shutdown(sctx); err != nil {
			logger.Error("service shutdown failed", zap.Error(err))
		}
	}()

	if *watch && *configPath != "" {
		reloader := config.NewHotReloadManager(cfg,
			config.WithConfigPath(*configPath),
			config.WithHotReloadLogger(logger))
		reloader.OnReload(func(_, next *config.Config) error {
			level.SetLevel(parseLevel(next.Log.Level))
			return svc.SetDefinitions(workflow.DefinitionsFromConfig(next))
		})
		if err := reloader.Start(ctx); err != nil {
			logger.Error("config watch failed", zap.Error(err))
			return exitError
		}
		defer reloader.Stop()
	}

	handler := newAPI(svc, a.cache, logger).routes()
	mux := http.NewServeMux()
	mux.Handle("/", handler)
	if a.promReg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}))
	}

	httpManager := server.NewManager(
		Chain(mux, Recovery(logger), RequestID(), OTelTracing(), RequestLogger(logger)),
		server.Config{
			Addr:            cfg.Server.Addr,
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			IdleTimeout:     2 * cfg.Server.ReadTimeout,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		},
		logger,
	)
	if err := httpManager.Start(); err != nil {
		logger.Error("failed to start HTTP server", zap.Error(err))
		return exitError
	}

	// 独立的 /metrics 端口
	if a.promReg != nil && cfg.Metrics.Addr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}))
		metricsManager := server.NewManager(metricsMux, server.Config{
			Addr:            cfg.Metrics.Addr,
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, logger)
		if err := metricsManager.Start(); err != nil {
			logger.Error("failed to start metrics server", zap.Error(err))
			return exitError
		}
		defer metricsManager.Shutdown(context.Background())
	}

	logger.Info("GrantFlow started",
		zap.String("addr", cfg.Server.Addr),
		zap.Strings("workflows", svc.Workflows()))

	httpManager.WaitForShutdown()
	logger.Info("GrantFlow stopped")
	return exitOK
}

// =============================================================================
// 🌐 HTTP API
// =============================================================================

type api struct {
	svc    *workflow.Service
	cache  *cache.Cache
	logger *zap.Logger
}

func newAPI(svc *workflow.Service, c *cache.Cache, logger *zap.Logger) *api {
	return &api{svc: svc, cache: c, logger: logger.With(zap.String("component", "api"))}
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.health)
	mux.HandleFunc("GET /v1/workflows", a.listWorkflows)
	mux.HandleFunc("POST /v1/runs", a.startRun)
	mux.HandleFunc("GET /v1/runs", a.listRuns)
	mux.HandleFunc("GET /v1/runs/{id}", a.getRun)
	mux.HandleFunc("DELETE /v1/runs/{id}", a.cancelRun)
	mux.HandleFunc("GET /v1/cache/{type}/{id}/{namespace}", a.getCache)
	mux.HandleFunc("DELETE /v1/cache/{type}/{id}", a.invalidateCache)
	return mux
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status": "ok",
		"cache":  a.cache.Stats(),
	}
	if pool, ok := a.cache.StorePool(); ok {
		body["db_pool"] = pool
		if !pool.Healthy {
			body["status"] = "degraded"
		}
	}
	writeJSONResponse(w, http.StatusOK, body)
}

func (a *api) listWorkflows(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{"workflows": a.svc.Workflows()})
}

// startRunRequest POST /v1/runs 请求体
type startRunRequest struct {
	Workflow string   `json:"workflow"`
	Entities []string `json:"entities"`
	RunID    string   `json:"run_id,omitempty"`
	// Deadline Go duration 字符串，例如 "30s"
	Deadline string `json:"deadline,omitempty"`
}

func (a *api) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid request body: %v", err))
		return
	}
	refs, err := types.ParseEntityRefs(req.Entities)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	opts := workflow.RunOptions{RunID: req.RunID}
	if req.Deadline != "" {
		d, err := time.ParseDuration(req.Deadline)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("invalid deadline: %v", err))
			return
		}
		opts.Deadline = d
	}

	runID, err := a.svc.StartWorkflow(r.Context(), req.Workflow, refs, opts)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/runs/"+runID)
	writeJSONResponse(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (a *api) listRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{"runs": a.svc.List()})
}

func (a *api) getRun(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.GetStatus(r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, res)
}

func (a *api) cancelRun(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.Cancel(r.PathValue("id")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) getCache(w http.ResponseWriter, r *http.Request) {
	ref := types.NewEntityRef(r.PathValue("type"), r.PathValue("id"))
	var raw json.RawMessage
	err := a.cache.GetJSON(r.Context(), ref, r.PathValue("namespace"), &raw)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(raw)
	case errors.Is(err, cache.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "cache entry not found")
	default:
		a.logger.Warn("cache read failed", zap.String("entity", ref.Key()), zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, string(types.ErrCacheIO), "cache unavailable")
	}
}

func (a *api) invalidateCache(w http.ResponseWriter, r *http.Request) {
	ref := types.NewEntityRef(r.PathValue("type"), r.PathValue("id"))
	var namespaces []string
	if ns := r.URL.Query().Get("namespaces"); ns != "" {
		namespaces = strings.Split(ns, ",")
	}
	if err := a.cache.Invalidate(r.Context(), ref, namespaces...); err != nil {
		a.logger.Warn("cache invalidate failed", zap.String("entity", ref.Key()), zap.Error(err))
		writeJSONError(w, http.StatusServiceUnavailable, string(types.ErrCacheIO), "cache unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError 把服务错误映射为 HTTP 状态码
func (a *api) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrRunNotFound):
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, workflow.ErrWorkflowNotFound):
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, workflow.ErrServiceClosed):
		writeJSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	case types.GetErrorCode(err) == types.ErrConfiguration:
		writeJSONError(w, http.StatusConflict, string(types.ErrConfiguration), err.Error())
	default:
		a.logger.Error("request failed", zap.Error(err))
		writeJSONError(w, http.StatusInternalServerError, string(types.ErrInternal), "internal error")
	}
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, "write response:", err)
	}
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSONResponse(w, status, map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": message},
	})
}
