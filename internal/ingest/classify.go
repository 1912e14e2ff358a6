package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rfidops/ingestpipe/internal/core"
)

const eventTypeTagInventory = "tagInventory"

// classification errors are wrapped so callers can bump the right
// messages_dropped_total reason without string-matching the message.
var (
	errParse           = errors.New("parse_error")
	errMissingTID      = errors.New("missing_tid")
	errMissingHostname = errors.New("missing_hostname")
)

// wireMessage is the text-encoded structured record delivered on the
// broker topic, discriminated by event_type (spec.md §4.E).
type wireMessage struct {
	EventType string          `json:"event_type"`
	Hostname  json.RawMessage `json:"hostname"`
	Tag       json.RawMessage `json:"tag"`
}

type wireTag struct {
	TID           string  `json:"tid"`
	EPC           string  `json:"epc"`
	Antenna       int     `json:"antenna"`
	RSSI          *string `json:"rssi"`
	HostTimestamp string  `json:"host_timestamp"`
	Lat           *string `json:"lat"`
	Lon           *string `json:"lon"`
}

// decodeHostname accepts a present-but-empty/absent hostname (the
// placeholder substitution path), but treats a hostname field present
// with the wrong JSON type as a distinct, non-recoverable failure —
// unlike "absent", a type mismatch means the message can't be trusted
// to not actually carry a hostname we failed to read.
func decodeHostname(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var hostname string
	if err := json.Unmarshal(raw, &hostname); err != nil {
		return "", errMissingHostname
	}
	return hostname, nil
}

func parseDecimal(raw *string) *decimal.Decimal {
	if raw == nil || *raw == "" {
		return nil
	}
	d, err := decimal.NewFromString(*raw)
	if err != nil {
		return nil
	}
	return &d
}

// classifyTagInventory extracts the nested tag record and builds a
// TagEvent, dropping the message when tid is missing per spec.md §4.E.
func classifyTagInventory(msg wireMessage, topic string, now time.Time) (*core.TagEvent, error) {
	hostname, err := decodeHostname(msg.Hostname)
	if err != nil {
		return nil, err
	}

	if len(msg.Tag) == 0 {
		return nil, errMissingTID
	}
	var tag wireTag
	if err := json.Unmarshal(msg.Tag, &tag); err != nil {
		return nil, fmt.Errorf("%w: tag record: %v", errParse, err)
	}
	if tag.TID == "" {
		return nil, errMissingTID
	}
	// tid is case-insensitive hex (spec.md §3); lower-case it here so
	// every downstream consumer — dedup key, document identity — sees
	// one canonical form instead of treating "ABC123" and "abc123" as
	// distinct tags.
	tag.TID = strings.ToLower(tag.TID)
	tag.EPC = strings.ToLower(tag.EPC)

	hostTS := now
	if tag.HostTimestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, tag.HostTimestamp); err == nil {
			hostTS = parsed
		}
	}

	epc := tag.EPC
	if epc == "" {
		epc = tag.TID
	}

	return &core.TagEvent{
		TID:           tag.TID,
		EPC:           epc,
		Hostname:      hostname,
		Antenna:       tag.Antenna,
		RSSI:          parseDecimal(tag.RSSI),
		HostTimestamp: hostTS,
		Lat:           parseDecimal(tag.Lat),
		Lon:           parseDecimal(tag.Lon),
		Topic:         topic,
		Read:          true,
	}, nil
}

// classifyGeneric wraps any non-tagInventory message into a generic
// event document: raw payload, hostname, server timestamp, read=false.
func classifyGeneric(msg wireMessage, raw []byte, topic string, now time.Time) (*core.TagEvent, error) {
	hostname, err := decodeHostname(msg.Hostname)
	if err != nil {
		return nil, err
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: generic payload: %v", errParse, err)
	}

	return &core.TagEvent{
		Hostname:       hostname,
		HostTimestamp:  now,
		Topic:          topic,
		Read:           false,
		GenericPayload: payload,
	}, nil
}

// classify parses raw and routes it to the tagInventory or generic
// path. The bool return reports whether this was a tagInventory event
// (only those participate in deduplication).
func classify(raw []byte, topic string, now time.Time) (*core.TagEvent, bool, error) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, false, fmt.Errorf("%w: envelope: %v", errParse, err)
	}

	if msg.EventType == eventTypeTagInventory {
		event, err := classifyTagInventory(msg, topic, now)
		return event, true, err
	}
	event, err := classifyGeneric(msg, raw, topic, now)
	return event, false, err
}
