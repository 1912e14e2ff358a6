// Package ingest implements the Ingestor (spec.md §4.E): subscribes to
// the broker, classifies and normalises each message, applies the
// dedup decision against the live configuration snapshot, and hands
// accepted documents to the durable staging queue.
package ingest

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rfidops/ingestpipe/internal/core"
	"github.com/rfidops/ingestpipe/internal/metrics"
)

const tagReadsTarget = "tagReads"

// Deduplicator is the subset of dedup.Deduplicator the Ingestor needs,
// narrowed to an interface so tests can substitute a fake.
type Deduplicator interface {
	Admit(ctx context.Context, key string, event *core.TagEvent, now time.Time) (bool, error)
}

// GroupResolver maps a reader hostname to its deduplication group
// (spec.md component B, config.HostGroupWatcher.Resolve in production).
type GroupResolver interface {
	Resolve(hostname string) string
}

// Enqueuer is the subset of staging.Store the Ingestor needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, target string, payload []byte) (bool, error)
}

// SnapshotReader exposes the live location configuration (subset of
// locationcfg.Subscriber).
type SnapshotReader interface {
	Current() core.LocationConfig
}

// Config bundles the process-wide context the Ingestor stamps onto
// every tag document it builds.
type Config struct {
	BrokerHost       string
	BrokerPort       int
	Topic            string
	AliveIntervalSec int
	Mobile           bool
	ProcessContext   core.ProcessContext
}

// Ingestor wires the broker client to the classify/normalise/decide
// pipeline from spec.md §4.E.
type Ingestor struct {
	cfg      Config
	dedup    Deduplicator
	resolver GroupResolver
	queue    Enqueuer
	snapshot SnapshotReader
	logger   *slog.Logger

	client mqtt.Client
}

// New wires an Ingestor. Connect is separate so tests can exercise the
// decision pipeline without a broker.
func New(cfg Config, dedup Deduplicator, resolver GroupResolver, queue Enqueuer, snapshot SnapshotReader, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{cfg: cfg, dedup: dedup, resolver: resolver, queue: queue, snapshot: snapshot, logger: logger}
}

func randomClientSuffix() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 6)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			b[i] = alphabet[0]
			continue
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b)
}

// Connect opens the broker connection per spec.md §6: QoS 2, client ID
// <6-char-random>-<fixed|mobile>, clean session, fixed 1s reconnect
// interval, 30s connect timeout.
func (ig *Ingestor) Connect(ctx context.Context) error {
	mode := "fixed"
	if ig.cfg.Mobile {
		mode = "mobile"
	}
	clientID := fmt.Sprintf("%s-%s", randomClientSuffix(), mode)

	keepalive := time.Duration(ig.cfg.AliveIntervalSec) * time.Second
	if keepalive <= 0 {
		keepalive = 60 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", ig.cfg.BrokerHost, ig.cfg.BrokerPort)).
		SetClientID(clientID).
		SetCleanSession(true).
		SetKeepAlive(keepalive).
		SetAutoReconnect(true).
		SetConnectRetryInterval(1 * time.Second).
		SetConnectTimeout(30 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			ig.logger.Info("ingest: broker connected", "client_id", clientID)
			if token := c.Subscribe(ig.cfg.Topic, 2, ig.handleMessage); token.Wait() && token.Error() != nil {
				ig.logger.Error("ingest: subscribe failed", "error", token.Error())
			}
		}).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			ig.logger.Warn("ingest: broker connection lost", "error", err)
		})

	ig.client = mqtt.NewClient(opts)
	token := ig.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("ingest: connect: timed out after 30s")
	}
	if token.Error() != nil {
		return fmt.Errorf("ingest: connect: %w", token.Error())
	}

	go func() {
		<-ctx.Done()
		ig.client.Disconnect(250)
	}()
	return nil
}

// handleMessage is the paho delivery callback: classify, normalise,
// decide, enqueue. Runs sequentially per topic (QoS-2 in-order per
// sender, spec.md §5), so it performs no internal fan-out.
func (ig *Ingestor) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	start := time.Now()
	defer func() {
		metrics.ProcessingLatency.Observe(float64(time.Since(start).Milliseconds()))
	}()

	if err := ig.Process(context.Background(), msg.Topic(), msg.Payload(), time.Now()); err != nil {
		ig.logger.Debug("ingest: message dropped", "error", err, "topic", msg.Topic())
	}
}

// Process runs the classify/normalise/decide pipeline for one message.
// now is injected so tests can drive deterministic scenarios (S1-S4).
func (ig *Ingestor) Process(ctx context.Context, topic string, payload []byte, now time.Time) error {
	event, isTagInventory, err := classify(payload, topic, now)
	if err != nil {
		reason := dropReason(err)
		metrics.MessagesDroppedTotal.WithLabelValues(reason).Inc()
		return err
	}

	if !isTagInventory {
		metrics.MessagesReceivedTotal.WithLabelValues("generic").Inc()
		doc := core.BuildTagDocument(event, topic, ig.cfg.ProcessContext, now)
		return ig.stage(ctx, doc)
	}

	metrics.MessagesReceivedTotal.WithLabelValues("tagInventory").Inc()
	return ig.decideTagInventory(ctx, event, topic, now)
}

// decideTagInventory is the literal pipeline from spec.md §4.E.
func (ig *Ingestor) decideTagInventory(ctx context.Context, event *core.TagEvent, topic string, now time.Time) error {
	state := ig.snapshot.Current()
	deduplicate, _, reporting := state.Effective(ig.cfg.Mobile)

	document := core.BuildTagDocument(event, topic, ig.cfg.ProcessContext, now)
	group := ig.resolver.Resolve(event.NormaliseHostname())
	key := group + ":" + event.TID

	shouldForward := true
	if deduplicate {
		admitted, err := ig.dedup.Admit(ctx, key, event, now)
		if err != nil {
			return fmt.Errorf("ingest: admit: %w", err)
		}
		shouldForward = admitted
	}

	if !shouldForward {
		// Suppressed by dedup; the delayed report will fire later via
		// the callback wired in the composition root.
		return nil
	}

	if !reporting {
		ig.logger.Debug("ingest: reporting disabled, not staged", "key", key)
		return nil
	}

	return ig.stage(ctx, document)
}

func (ig *Ingestor) stage(ctx context.Context, doc *core.TagDocument) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("ingest: marshal document: %w", err)
	}
	ok, err := ig.queue.Enqueue(ctx, tagReadsTarget, payload)
	if err != nil {
		return fmt.Errorf("ingest: enqueue: %w", err)
	}
	if !ok {
		ig.logger.Error("ingest: staging queue rejected write at capacity", "key", doc.Key.String())
	}
	return nil
}

// OnDelayedReport is wired as the Deduplicator's report callback: the
// delayed report is enqueued unconditionally with respect to the
// reporting flag captured when the window opened (spec.md §4.E).
func (ig *Ingestor) OnDelayedReport(ctx context.Context, key string, event *core.TagEvent) {
	doc := core.BuildTagDocument(event, event.Topic, ig.cfg.ProcessContext, time.Now())
	if err := ig.stage(ctx, doc); err != nil {
		ig.logger.Error("ingest: delayed report staging failed", "key", key, "error", err)
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, errMissingTID):
		return "missing_tid"
	case errors.Is(err, errMissingHostname):
		return "missing_hostname"
	default:
		return "parse_error"
	}
}
