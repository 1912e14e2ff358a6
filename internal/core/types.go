// Package core holds the domain types shared by every component of the
// ingestion pipeline: tag events, tag documents, staging items and the
// live location configuration snapshot.
package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// NoHostPlaceholder substitutes for a tag event's hostname when the
// broker message omits it.
const NoHostPlaceholder = "NoHostUpgradeToVersion8"

// TagEvent is a single normalised observation produced by a reader.
type TagEvent struct {
	TID            string           `json:"tid"`
	EPC            string           `json:"epc"`
	Hostname       string           `json:"hostname"`
	Antenna        int              `json:"antenna"`
	RSSI           *decimal.Decimal `json:"rssi,omitempty"`
	HostTimestamp  time.Time        `json:"host_timestamp"`
	Lat            *decimal.Decimal `json:"lat,omitempty"`
	Lon            *decimal.Decimal `json:"lon,omitempty"`
	Topic          string           `json:"topic"`
	Read           bool             `json:"read"`
	GenericPayload map[string]any   `json:"payload,omitempty"`
}

// NormaliseHostname returns the event's hostname or the documented
// placeholder when absent.
func (e *TagEvent) NormaliseHostname() string {
	if e.Hostname == "" {
		return NoHostPlaceholder
	}
	return e.Hostname
}

// NormaliseAntenna returns the antenna port (default 1) and its string
// name, per spec.md §8's boundary behaviour.
func (e *TagEvent) NormaliseAntenna() (int, string) {
	if e.Antenna <= 0 {
		return 1, "1"
	}
	return e.Antenna, fmt.Sprintf("%d", e.Antenna)
}

// DocumentKey is the idempotency identity of a TagDocument:
// (company_id, tid, host_timestamp, hostname).
type DocumentKey struct {
	CompanyID     string
	TID           string
	HostTimestamp time.Time
	Hostname      string
}

// String renders the key both as the remote-store document path and as
// a structured log field value.
func (k DocumentKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%d", k.CompanyID, k.TID, k.Hostname, k.HostTimestamp.UnixNano())
}

// TagDocument is the normalised record written downstream to the
// remote document store.
type TagDocument struct {
	Key             DocumentKey      `json:"-"`
	TID             string           `json:"tid"`
	EPC             string           `json:"epc"`
	Hostname        string           `json:"hostname"`
	AntennaPort     int              `json:"antennaPort"`
	AntennaName     string           `json:"antennaName"`
	RSSI            *decimal.Decimal `json:"rssi,omitempty"`
	HostTimestamp   time.Time        `json:"hostTimestamp"`
	ServerTimestamp time.Time        `json:"serverTimestamp"`
	Lat             *decimal.Decimal `json:"lat,omitempty"`
	Lon             *decimal.Decimal `json:"lon,omitempty"`
	Topic           string           `json:"topic"`
	Location        string           `json:"location"`
	CompanyID       string           `json:"companyId"`
	FrequencyHz     int64            `json:"frequencyHz,omitempty"`
	TxPowerCdBm     int              `json:"txPowerCdbm,omitempty"`
	Mobile          bool             `json:"mobile"`
	Read            bool             `json:"read"`
	TTL             time.Time        `json:"ttl"`
	GenericPayload  map[string]any   `json:"payload,omitempty"`
}

// ProcessContext is the process-wide metadata attached to every tag
// document built by this instance (spec.md §3 "tag document" fields
// derived from process context rather than the event itself).
type ProcessContext struct {
	Location        string
	CompanyID       string
	FrequencyHz     int64
	TxPowerCdBm     int
	Mobile          bool
	RetentionPeriod time.Duration
}

// BuildTagDocument derives a TagDocument from a normalised tag event,
// the originating broker topic and process-wide context. now is the
// server-assigned timestamp.
func BuildTagDocument(e *TagEvent, topic string, ctx ProcessContext, now time.Time) *TagDocument {
	port, name := e.NormaliseAntenna()
	hostname := e.NormaliseHostname()
	retention := ctx.RetentionPeriod
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	doc := &TagDocument{
		TID:             e.TID,
		EPC:             e.EPC,
		Hostname:        hostname,
		AntennaPort:     port,
		AntennaName:     name,
		RSSI:            e.RSSI,
		HostTimestamp:   e.HostTimestamp,
		ServerTimestamp: now,
		Lat:             e.Lat,
		Lon:             e.Lon,
		Topic:           topic,
		Location:        ctx.Location,
		CompanyID:       ctx.CompanyID,
		FrequencyHz:     ctx.FrequencyHz,
		TxPowerCdBm:     ctx.TxPowerCdBm,
		Mobile:          ctx.Mobile,
		Read:            e.Read,
		TTL:             now.Add(retention),
	}
	doc.Key = DocumentKey{
		CompanyID:     ctx.CompanyID,
		TID:           e.TID,
		HostTimestamp: e.HostTimestamp,
		Hostname:      hostname,
	}
	return doc
}

// LocationConfig is the live, atomically-swapped configuration for a
// location, as maintained by the Config Subscriber (internal/locationcfg)
// and consumed by the Ingestor and Deduplicator on every message.
type LocationConfig struct {
	Deduplicate                bool `json:"deduplicate"`
	DeduplicateIntervalMinutes int  `json:"deduplicateIntervalMinutes"`
	Reporting                  bool `json:"reporting"`

	// Mobile variants override the fields above when the process runs
	// in mobile mode (MOBILE=1).
	MobileDeduplicate                bool `json:"mobileDeduplicate"`
	MobileDeduplicateIntervalMinutes int  `json:"mobileDeduplicateIntervalMinutes"`
	MobileReporting                  bool `json:"mobileReporting"`

	// UpdateWindow and SafetyChecks are consumed by the out-of-process
	// updater; this pipeline treats them as opaque pass-through fields.
	UpdateWindow  map[string]any `json:"updateWindow,omitempty"`
	SafetyChecks  map[string]any `json:"safetyChecks,omitempty"`
	FromCache     bool           `json:"fromCache,omitempty"`
	Version       int64          `json:"version"`
}

// Effective returns the dedup/reporting policy in effect, applying the
// mobile overrides when mobile is true.
func (c *LocationConfig) Effective(mobile bool) (deduplicate bool, intervalMinutes int, reporting bool) {
	if !mobile {
		return c.Deduplicate, c.DeduplicateIntervalMinutes, c.Reporting
	}
	return c.MobileDeduplicate, c.MobileDeduplicateIntervalMinutes, c.MobileReporting
}

// StagingItem is a unit of pending work in the durable forwarding queue.
type StagingItem struct {
	ID          string    `json:"id"`
	TargetPath  string    `json:"targetPath"`
	Payload     []byte    `json:"payload"`
	Attempts    int       `json:"attempts"`
	AddedAt     time.Time `json:"addedAt"`
	NextRetryAt time.Time `json:"nextRetryAt"`

	// AuthRetried marks whether this item has already been rescheduled
	// once for an auth failure without its attempt counter advancing
	// (spec.md §4.H: "attempts unchanged for the first such occurrence").
	AuthRetried bool `json:"authRetried"`
}
