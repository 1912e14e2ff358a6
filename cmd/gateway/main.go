// Command gateway runs the Gateway process (spec.md §4.G-I): it holds
// the credential lifecycle, drains the staging queue onto the remote
// document store, and serves the Control API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rfidops/ingestpipe/internal/api"
	"github.com/rfidops/ingestpipe/internal/api/middleware"
	"github.com/rfidops/ingestpipe/internal/auth"
	"github.com/rfidops/ingestpipe/internal/config"
	"github.com/rfidops/ingestpipe/internal/core"
	"github.com/rfidops/ingestpipe/internal/forward"
	"github.com/rfidops/ingestpipe/internal/locationcfg"
	"github.com/rfidops/ingestpipe/internal/metrics"
	"github.com/rfidops/ingestpipe/internal/staging"
	"github.com/rfidops/ingestpipe/internal/storeclient"
	"github.com/rfidops/ingestpipe/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("gateway: config load failed", "error", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: "stdout",
	})
	slog.SetDefault(log)

	log.Info("gateway: starting", "location", cfg.LocationName, "control_api_port", cfg.ControlAPIPort)

	if cfg.InvitationCode == "" {
		log.Error("gateway: INVITATION_CODE is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	authStore, err := auth.OpenStore(cfg.AuthDBPath)
	if err != nil {
		log.Error("gateway: auth store open failed", "error", err)
		os.Exit(1)
	}
	defer authStore.Close()

	invitationClient := auth.NewInvitationClient(cfg.FirebaseFunctionsURL)
	authManager, err := auth.New(ctx, invitationClient, authStore, cfg.LocationName, cfg.CompanyID, cfg.InvitationCode, log)
	if err != nil {
		log.Error("gateway: auth manager init failed", "error", err)
		os.Exit(1)
	}

	storeClient := storeclient.New(cfg.FirebaseStoreURL, authManager, log)

	redisQueue, err := staging.NewRedisQueue(ctx, staging.RedisQueueConfig{
		Addr:         cfg.RedisHost + ":" + strconv.Itoa(cfg.RedisPort),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		MaxQueueSize: cfg.MaxQueueSize,
		MaxMemoryMB:  cfg.MaxMemoryMB,
	}, log)
	if err != nil {
		log.Error("gateway: redis queue init failed", "error", err)
		os.Exit(1)
	}
	store := staging.NewStore(redisQueue, cfg.MaxQueueSize, log)
	defer store.Close()

	forwarder := forward.New(forward.Config{
		LeaseBatchSize: cfg.StagingMaxLease,
		Concurrency:    cfg.ForwarderConcurrency,
	}, store, storeClient, authManager, log)

	subscriber := locationcfg.New(storeClient, cfg.LocationName, cfg.CompanyID, core.LocationConfig{}, log)

	httpMetrics := metrics.NewHTTPMetrics()

	authConfig := middleware.AuthConfig{}
	if cfg.ControlAPIKey != "" {
		authConfig.APIKeys = map[string]*middleware.User{
			cfg.ControlAPIKey: {ID: "control-api", APIKey: cfg.ControlAPIKey},
		}
	}

	router := api.NewRouter(api.Config{
		Logger:           log,
		Location:         cfg.LocationName,
		CompanyID:        cfg.CompanyID,
		ConfigReader:     subscriber,
		ConfigPatcher:    storeClient,
		Queue:            store,
		Tokens:           authManager,
		Forwarder:        forwarder,
		UpdateStatusPath: cfg.UpdateStatusPath,
		AuthConfig:       authConfig,
		EnableAuth:       cfg.ControlAPIKey != "",
		Metrics:          httpMetrics,
	})

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ControlAPIPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := authManager.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("gateway: auth manager exited", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := forwarder.Run(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			log.Error("gateway: forwarder exited", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := subscriber.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("gateway: config subscriber exited", "error", err)
		}
	}()

	go func() {
		log.Info("gateway: control API listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("gateway: control API server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("gateway: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("gateway: control API shutdown incomplete", "error", err)
	}
	authManager.Stop()

	wg.Wait()
	log.Info("gateway: stopped")
}
