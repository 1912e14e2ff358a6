// Package api implements the Control API (spec.md §4.I / §6): a small
// HTTP surface exposing health and the current location configuration,
// fronted by the teacher's middleware stack.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"

	apierrors "github.com/rfidops/ingestpipe/internal/api/errors"
	"github.com/rfidops/ingestpipe/internal/api/middleware"
	"github.com/rfidops/ingestpipe/internal/core"
	"github.com/rfidops/ingestpipe/internal/metrics"
	"github.com/rfidops/ingestpipe/internal/staging"
)

// ConfigReader is the subset of locationcfg.Subscriber the Control API
// reads from.
type ConfigReader interface {
	Current() core.LocationConfig
}

// ConfigPatcher applies a PUT /api/config/location/:name patch to the
// remote document store.
type ConfigPatcher interface {
	Update(ctx context.Context, path string, patch []byte) error
}

// QueueStatus is the subset of staging.Store the Control API reports
// on for GET /api/redis/status.
type QueueStatus interface {
	Stats(ctx context.Context) (staging.Stats, error)
	UsingFallback() bool
}

// TokenHealth is the subset of auth.Manager the Control API reads for
// /health's auth field.
type TokenHealth interface {
	Token(ctx context.Context) (string, error)
}

// ForwarderHealth is the subset of forward.Forwarder the Control API
// reads for /health's queue field.
type ForwarderHealth interface {
	Healthy() bool
}

// Config wires the Control API's five endpoints to the rest of the
// gateway process.
type Config struct {
	Logger *slog.Logger

	Location  string
	CompanyID string

	ConfigReader  ConfigReader
	ConfigPatcher ConfigPatcher
	Queue         QueueStatus
	Tokens        TokenHealth
	Forwarder     ForwarderHealth

	// UpdateStatusPath is the local JSON file the out-of-process
	// updater writes its status to (spec.md §6's "local update-status
	// file"); read verbatim and echoed back under "status".
	UpdateStatusPath string

	AuthConfig         middleware.AuthConfig
	EnableAuth         bool
	RateLimitPerMinute int
	RateLimitBurst     int

	// Metrics is optional; when set, every request is recorded and
	// /metrics serves the Prometheus scrape endpoint.
	Metrics *metrics.HTTPMetrics
}

// NewRouter builds the Control API's mux.Router.
//
// @title RFID Ingestion Gateway Control API
// @version 1.0.0
// @description Health and live-configuration surface for the gateway process
// @BasePath /
func NewRouter(cfg Config) *mux.Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	router := mux.NewRouter()
	router.Use(middleware.RequestIDMiddleware)
	router.Use(middleware.LoggingMiddleware(cfg.Logger))
	router.Use(middleware.CORSMiddleware(middleware.DefaultCORSConfig()))
	if cfg.Metrics != nil {
		router.Use(cfg.Metrics.Middleware)
		router.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)
	}

	h := &handlers{cfg: cfg}

	router.HandleFunc("/health", h.health).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	if cfg.EnableAuth {
		api.Use(middleware.AuthMiddleware(cfg.AuthConfig))
	}
	if cfg.RateLimitPerMinute > 0 {
		api.Use(middleware.RateLimitMiddleware(cfg.RateLimitPerMinute, cfg.RateLimitBurst))
	}

	api.HandleFunc("/config/location/{name}", h.getLocationConfig).Methods(http.MethodGet)
	api.HandleFunc("/config/location/{name}", h.putLocationConfig).Methods(http.MethodPut)
	api.HandleFunc("/redis/status", h.redisStatus).Methods(http.MethodGet)
	api.HandleFunc("/config/updates/status", h.updatesStatus).Methods(http.MethodGet)

	router.PathPrefix("/docs").Handler(httpSwagger.WrapHandler)

	return router
}

type handlers struct {
	cfg Config
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// health implements GET /health: `200 {status, auth, queue, config}`.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	authOK := h.cfg.Tokens == nil
	if h.cfg.Tokens != nil {
		_, err := h.cfg.Tokens.Token(ctx)
		authOK = err == nil
	}

	queueOK := h.cfg.Forwarder == nil || h.cfg.Forwarder.Healthy()

	configStale := h.cfg.ConfigReader == nil

	status := "healthy"
	if !authOK || !queueOK {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"auth":   authOK,
		"queue":  queueOK,
		"config": !configStale,
	})
}

// getLocationConfig implements `GET /api/config/location/:name?companyId=…`
// → `200 {success, config, fromCache}`.
func (h *handlers) getLocationConfig(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	name := mux.Vars(r)["name"]

	companyID := r.URL.Query().Get("companyId")
	if companyID == "" {
		apierrors.WriteError(w, apierrors.MissingCompanyIDError().WithRequestID(requestID))
		return
	}
	if name != h.cfg.Location || companyID != h.cfg.CompanyID {
		apierrors.WriteError(w, apierrors.LocationNotFoundError(name).WithRequestID(requestID))
		return
	}

	cfg := h.cfg.ConfigReader.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"config":    cfg,
		"fromCache": cfg.FromCache,
	})
}

// putLocationConfig implements `PUT /api/config/location/:name?companyId=…`
// → `200 {success}`. The patch itself is forwarded verbatim to the
// remote document store; validation and diffing against the live
// snapshot is the out-of-process updater's job (spec.md §3 treats
// update_window/safety_checks as opaque here).
func (h *handlers) putLocationConfig(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())
	name := mux.Vars(r)["name"]

	companyID := r.URL.Query().Get("companyId")
	if companyID == "" {
		apierrors.WriteError(w, apierrors.MissingCompanyIDError().WithRequestID(requestID))
		return
	}
	if name != h.cfg.Location || companyID != h.cfg.CompanyID {
		apierrors.WriteError(w, apierrors.LocationNotFoundError(name).WithRequestID(requestID))
		return
	}

	patch, err := io.ReadAll(r.Body)
	if err != nil {
		apierrors.WriteError(w, apierrors.InternalError("read request body").WithRequestID(requestID))
		return
	}

	if err := h.cfg.ConfigPatcher.Update(r.Context(), "locations/"+name, patch); err != nil {
		h.cfg.Logger.Error("api: location config patch failed", "error", err, "request_id", requestID)
		apierrors.WriteError(w, apierrors.InternalError("failed to apply config patch").WithRequestID(requestID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// redisStatus implements `GET /api/redis/status` → `200 {connected,
// retryQueueLength, isProcessing}`.
func (h *handlers) redisStatus(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	stats, err := h.cfg.Queue.Stats(r.Context())
	if err != nil {
		h.cfg.Logger.Error("api: queue stats failed", "error", err, "request_id", requestID)
		apierrors.WriteError(w, apierrors.InternalError("failed to read queue status").WithRequestID(requestID))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connected":        !h.cfg.Queue.UsingFallback(),
		"retryQueueLength": stats.Size,
		"isProcessing":     stats.Size > 0,
	})
}

// updatesStatus implements `GET /api/config/updates/status` → `200
// {status}`, echoing the out-of-process updater's local status file.
func (h *handlers) updatesStatus(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	if h.cfg.UpdateStatusPath == "" {
		writeJSON(w, http.StatusOK, map[string]any{"status": nil})
		return
	}

	raw, err := os.ReadFile(h.cfg.UpdateStatusPath)
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, map[string]any{"status": nil})
			return
		}
		h.cfg.Logger.Error("api: read update status file failed", "error", err, "request_id", requestID)
		apierrors.WriteError(w, apierrors.InternalError("failed to read update status").WithRequestID(requestID))
		return
	}

	var status any
	if err := json.Unmarshal(raw, &status); err != nil {
		status = string(raw)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}
