// Command ingestor runs the Ingestor process (spec.md §4.E): it
// subscribes to the broker, deduplicates and enriches tag reads, and
// stages accepted documents onto the durable queue the Gateway drains.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rfidops/ingestpipe/internal/config"
	"github.com/rfidops/ingestpipe/internal/core"
	"github.com/rfidops/ingestpipe/internal/dedup"
	"github.com/rfidops/ingestpipe/internal/ingest"
	"github.com/rfidops/ingestpipe/internal/locationcfg"
	"github.com/rfidops/ingestpipe/internal/staging"
	"github.com/rfidops/ingestpipe/internal/storeclient"
	"github.com/rfidops/ingestpipe/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("ingestor: config load failed", "error", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: "stdout",
	})
	slog.SetDefault(log)

	log.Info("ingestor: starting", "location", cfg.LocationName, "mobile", cfg.Mobile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ensureHostGroupsFile(cfg.HostGroupsPath); err != nil {
		log.Error("ingestor: host-group bootstrap failed", "error", err)
		os.Exit(1)
	}

	groups, err := config.NewHostGroupWatcher(cfg.HostGroupsPath, log)
	if err != nil {
		log.Error("ingestor: host-group watcher failed", "error", err)
		os.Exit(1)
	}
	defer groups.Close()

	redisQueue, err := staging.NewRedisQueue(ctx, staging.RedisQueueConfig{
		Addr:         cfg.RedisHost + ":" + strconv.Itoa(cfg.RedisPort),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		MaxQueueSize: cfg.MaxQueueSize,
		MaxMemoryMB:  cfg.MaxMemoryMB,
	}, log)
	if err != nil {
		log.Error("ingestor: redis queue init failed", "error", err)
		os.Exit(1)
	}
	store := staging.NewStore(redisQueue, cfg.MaxQueueSize, log)
	defer store.Close()

	initialDedupMinutes := 1
	deduper := dedup.New(time.Duration(initialDedupMinutes)*time.Minute, log)
	defer deduper.Shutdown(context.Background())

	// The Config Subscriber feeds the Deduplicator's window interval;
	// the process context it otherwise reads comes straight off the
	// most recent snapshot (spec.md §4.F notifies "Ingestor for
	// deduplicate_interval_minutes").
	noopTokens := noopTokenSource{}
	snapshotClient := storeclient.New(cfg.FirebaseStoreURL, noopTokens, log)
	subscriber := locationcfg.New(snapshotClient, cfg.LocationName, cfg.CompanyID, core.LocationConfig{}, log)
	subscriber.OnUpdate(func(snap core.LocationConfig) {
		_, minutes, _ := snap.Effective(cfg.Mobile)
		if minutes > 0 {
			deduper.SetInterval(minutes)
		}
	})

	processCtx := core.ProcessContext{
		Location:    cfg.LocationName,
		CompanyID:   cfg.CompanyID,
		FrequencyHz: cfg.RFIDFrequency,
		TxPowerCdBm: cfg.RFIDTransmitPowerCdBm,
		Mobile:      cfg.Mobile,
	}

	ingestor := ingest.New(ingest.Config{
		BrokerHost:       cfg.MQTTHost,
		BrokerPort:       cfg.MQTTPort,
		Topic:            cfg.MQTTTopic,
		AliveIntervalSec: int(cfg.MQTTAliveInterval.Seconds()),
		Mobile:           cfg.Mobile,
		ProcessContext:   processCtx,
	}, deduper, groups, store, subscriber, log)

	deduper.SetOnDelayedReport(ingestor.OnDelayedReport)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := subscriber.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("ingestor: config subscriber exited", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := ingestor.Connect(ctx); err != nil {
			log.Error("ingestor: broker connect failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("ingestor: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := deduper.Shutdown(shutdownCtx); err != nil {
		log.Warn("ingestor: deduplicator shutdown incomplete", "error", err)
	}

	wg.Wait()
	log.Info("ingestor: stopped")
}

// noopTokenSource satisfies storeclient.TokenSource for the snapshot
// stream, which in this deployment is read-only and unauthenticated at
// the network boundary (the Gateway process owns write credentials).
type noopTokenSource struct{}

func (noopTokenSource) Token(ctx context.Context) (string, error) { return "", nil }

func ensureHostGroupsFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	defaultGroups := config.HostGroups{DeduplicationGroup: "hostname", Groups: map[string][]string{}}
	data, err := json.MarshalIndent(defaultGroups, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
