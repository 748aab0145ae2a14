// Package attribution classifies behavioral events, resolves first and last touch
// attribution, and serves conversion analytics.
package attribution

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/dripflow/dripflow/pkg/apperr"
	"github.com/dripflow/dripflow/pkg/model"
)

const UnknownSource = "unknown"

// MaxClockSkew is how far ahead of the server clock a client timestamp may run. Anything
// inside the window is pulled back to now.
const MaxClockSkew = 5 * time.Minute

var conversionTypes = map[model.EventType]bool{
	model.EventRegistration:   true,
	model.EventPurchase:       true,
	model.EventUpsellAccept:   true,
	model.EventDownsellAccept: true,
}

// IsConversion reports whether events of type t count as conversions.
func IsConversion(t model.EventType) bool {
	return conversionTypes[t]
}

var commonMetadataKeys = []string{"device", "user_agent", "locale", "page"}

var metadataAllowList = map[model.EventType][]string{
	model.EventView:            {"referrer_path", "title"},
	model.EventStart:           {},
	model.EventComplete:        {"duration_seconds"},
	model.EventRegistration:    {"form", "landing_page"},
	model.EventPurchase:        {"order_id", "product_id", "product_name", "quantity"},
	model.EventUnsubscribe:     {"reason", "list"},
	model.EventUpsellAccept:    {"offer_id", "product_id"},
	model.EventUpsellDecline:   {"offer_id", "product_id"},
	model.EventDownsellAccept:  {"offer_id", "product_id"},
	model.EventDownsellDecline: {"offer_id", "product_id"},
	model.EventTagAdded:        {"tag"},
	model.EventTagRemoved:      {"tag"},
	model.EventLogin:           {"method"},
	model.EventVideoProgress:   {"video_id", "percent", "position_seconds"},
}

// engineTypes are written by the progression state machine itself and never accepted from
// callers.
var engineTypes = map[model.EventType]bool{
	model.EventStart:        true,
	model.EventComplete:     true,
	model.EventRegistration: true,
}

// EngineOwned reports whether events of type t may only be produced by the engine.
func EngineOwned(t model.EventType) bool {
	return engineTypes[t]
}

// KnownType reports whether t is an accepted event type.
func KnownType(t model.EventType) bool {
	_, ok := metadataAllowList[t]
	return ok
}

// ValidateMetadata checks metadata keys against the allow-list of the event type and
// rejects nested values.
func ValidateMetadata(t model.EventType, metadata model.JSONB) error {
	allowed, ok := metadataAllowList[t]
	if !ok {
		return apperr.Invalid("unknown event type %q", t)
	}
	var unknown []string
	for key, value := range metadata {
		if !containsKey(allowed, key) && !containsKey(commonMetadataKeys, key) {
			unknown = append(unknown, key)
			continue
		}
		if !isScalar(value) {
			return apperr.Invalid("metadata %s must be a scalar", key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return apperr.Invalid("metadata keys not allowed for %s: %s", t, strings.Join(unknown, ", "))
	}
	return nil
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case nil, string, bool, float64, float32, int, int32, int64, json.Number:
		return true
	default:
		return false
	}
}

// Classify normalizes an event before it is written: type, conversion flag, metadata and
// retention horizon. Timestamps later than now plus MaxClockSkew are rejected.
func Classify(event *model.Event, now time.Time, horizon time.Duration) error {
	event.Type = model.EventType(strings.ToLower(strings.TrimSpace(string(event.Type))))
	if err := ValidateMetadata(event.Type, event.Metadata); err != nil {
		return err
	}
	if event.Value != nil && *event.Value < 0 {
		return apperr.Invalid("event value must not be negative")
	}
	switch {
	case event.Timestamp.IsZero():
		event.Timestamp = now
	case event.Timestamp.After(now.Add(MaxClockSkew)):
		return apperr.Invalid("event timestamp %s is in the future", event.Timestamp.UTC().Format(time.RFC3339))
	case event.Timestamp.After(now):
		event.Timestamp = now
	}
	event.Timestamp = event.Timestamp.UTC()
	event.IsConversion = IsConversion(event.Type)
	event.Source = normalizeSource(event.Source)
	if event.ExpiresAt.IsZero() && horizon > 0 {
		event.ExpiresAt = event.Timestamp.Add(horizon)
	}
	return nil
}

func normalizeSource(s model.Source) model.Source {
	s.UTMSource = strings.ToLower(strings.TrimSpace(s.UTMSource))
	s.UTMMedium = strings.ToLower(strings.TrimSpace(s.UTMMedium))
	s.UTMCampaign = strings.TrimSpace(s.UTMCampaign)
	s.UTMTerm = strings.TrimSpace(s.UTMTerm)
	s.UTMContent = strings.TrimSpace(s.UTMContent)
	return s
}

// ApplyTouch records the event's acquisition source on p. Only events that carry a source
// count as touches: the first one is kept forever, the most recent one replaces lastTouch.
// A source without utm_source is attributed to the unknown bucket.
func ApplyTouch(p *model.Participant, event *model.Event) bool {
	if event.Source.IsEmpty() {
		return false
	}

	source := event.Source.UTMSource
	if source == "" {
		source = UnknownSource
	}
	ts := event.Timestamp
	touch := model.Touch{
		Source:   source,
		Medium:   event.Source.UTMMedium,
		Campaign: event.Source.UTMCampaign,
		At:       &ts,
	}

	changed := false
	if !p.Attribution.FirstTouch.IsSet() {
		p.Attribution.FirstTouch = touch
		changed = true
	}
	last := p.Attribution.LastTouch
	if !last.IsSet() || !ts.Before(*last.At) {
		p.Attribution.LastTouch = touch
		changed = true
	}
	return changed
}
