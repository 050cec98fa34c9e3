package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Partition identifies one independent substream of the input broker.
type Partition struct {
	Topic     string
	Partition int32
}

func (p Partition) String() string {
	return fmt.Sprintf("%s/%d", p.Topic, p.Partition)
}

// RawEvent is the normalized shape of an ingestion event after parsing off
// the wire. distinct_id arrives as a dynamic JSON scalar upstream, so it is
// kept as json.RawMessage rather than a Go string.
type RawEvent struct {
	UUID       string                     `json:"uuid,omitempty"`
	Event      string                     `json:"event"`
	DistinctID json.RawMessage            `json:"distinct_id,omitempty"`
	Token      string                     `json:"token,omitempty"`
	Timestamp  string                     `json:"timestamp,omitempty"`
	Properties map[string]json.RawMessage `json:"properties,omitempty"`
}

const unknownField = "unknown"

// DeduplicationKey is the structured primary key for the Partition Store.
type DeduplicationKey struct {
	TimestampUnixSeconds uint64
	DistinctID           string
	Token                string
	EventName            string
}

// KeyFromEvent canonicalizes a RawEvent into a DeduplicationKey. Missing
// fields degrade to the literal "unknown"; a missing or unparseable
// timestamp degrades to the current wall clock.
func KeyFromEvent(ev *RawEvent, now time.Time) DeduplicationKey {
	distinctID := unknownField
	if len(ev.DistinctID) > 0 {
		var s string
		if err := json.Unmarshal(ev.DistinctID, &s); err == nil && s != "" {
			distinctID = s
		} else if raw := string(ev.DistinctID); raw != "" && raw != "null" {
			distinctID = raw
		}
	}

	token := ev.Token
	if token == "" {
		token = unknownField
	}

	eventName := ev.Event
	if eventName == "" {
		eventName = unknownField
	}

	return DeduplicationKey{
		TimestampUnixSeconds: parseTimestamp(ev.Timestamp, now),
		DistinctID:           distinctID,
		Token:                token,
		EventName:            eventName,
	}
}

// parseTimestamp reads the event's timestamp field as a decimal
// Unix-seconds string. A missing or non-numeric timestamp falls back to the
// current wall clock, which means a backdated event with a broken timestamp
// clusters with current events rather than its real window.
func parseTimestamp(raw string, now time.Time) uint64 {
	if raw == "" {
		return uint64(now.Unix())
	}
	ts, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return uint64(now.Unix())
	}
	return ts
}

// keyTimestampWidth is wide enough to hold any uint64 as zero-padded
// decimal digits, preserving byte-lex order == numeric order.
const keyTimestampWidth = 20

// Encode produces the canonical on-disk byte string for this key:
// "<timestamp>:<distinct_id>:<token>:<event_name>", with the timestamp
// zero-padded to a fixed width so lexicographic order over encoded keys
// matches ascending-timestamp order.
func (k DeduplicationKey) Encode() []byte {
	return []byte(fmt.Sprintf("%0*d:%s:%s:%s", keyTimestampWidth, k.TimestampUnixSeconds, k.DistinctID, k.Token, k.EventName))
}

// DayPrefix returns the encoded lower bound for the key's calendar day and
// the encoded lower bound of the following day: a half-open range
// [dayStart, dayEnd) usable directly as bbolt cursor bounds.
func (k DeduplicationKey) DayPrefix() (start, end []byte) {
	const secondsPerDay = 86400
	dayStart := (k.TimestampUnixSeconds / secondsPerDay) * secondsPerDay
	dayEnd := dayStart + secondsPerDay
	start = []byte(fmt.Sprintf("%0*d:", keyTimestampWidth, dayStart))
	end = []byte(fmt.Sprintf("%0*d:", keyTimestampWidth, dayEnd))
	return start, end
}

// Classification is the outcome of a PutEvent call.
type Classification int

const (
	// ClassificationNew means the key was absent before this call.
	ClassificationNew Classification = iota
	// ClassificationConfirmedDuplicate means the key was present and only
	// the event UUID differs from the stored original.
	ClassificationConfirmedDuplicate
	// ClassificationPotentialDuplicate means the key was present and at
	// least one non-UUID field or property differs.
	ClassificationPotentialDuplicate
)

func (c Classification) String() string {
	switch c {
	case ClassificationNew:
		return "new"
	case ClassificationConfirmedDuplicate:
		return "confirmed_duplicate"
	case ClassificationPotentialDuplicate:
		return "potential_duplicate"
	default:
		return "unknown"
	}
}

// IsDuplicate reports whether the classification represents any kind of
// duplicate (confirmed or potential).
func (c Classification) IsDuplicate() bool {
	return c == ClassificationConfirmedDuplicate || c == ClassificationPotentialDuplicate
}

// maxTrackedUUIDs bounds the UUID ring kept per key; the oldest UUID is
// dropped once the ring is full.
const maxTrackedUUIDs = 16

// SimilaritySnapshot captures how a duplicate compares to the first-seen
// event for this key.
type SimilaritySnapshot struct {
	DifferentFieldCount    int      `json:"different_field_count"`
	DifferentFields        []string `json:"different_fields,omitempty"`
	DifferentPropertyCount int      `json:"different_property_count"`
	PropertiesSimilarity   float64  `json:"properties_similarity"`
	OverallScore           float64  `json:"overall_score"`
}

// MetadataV1 is the current (and so far only) version of DuplicateMetadata.
const MetadataV1 = 1

// DuplicateMetadata is the versioned value stored alongside each
// DeduplicationKey.
type DuplicateMetadata struct {
	Version        int                `json:"version"`
	Original       RawEvent           `json:"original"`
	Count          uint64             `json:"count"`
	UUIDs          []string           `json:"uuids"`
	LastSimilarity SimilaritySnapshot `json:"last_similarity"`
	FirstSeen      time.Time          `json:"first_seen"`
	LastSeen       time.Time          `json:"last_seen"`
}

// NewDuplicateMetadata creates the metadata for a first-seen key.
func NewDuplicateMetadata(ev *RawEvent, now time.Time) *DuplicateMetadata {
	m := &DuplicateMetadata{
		Version:   MetadataV1,
		Original:  *ev,
		Count:     1,
		FirstSeen: now,
		LastSeen:  now,
	}
	if ev.UUID != "" {
		m.UUIDs = []string{ev.UUID}
	}
	return m
}

// Observe folds a newly-arrived duplicate event into the metadata: bumps the
// count, updates the bounded UUID ring, and recomputes the similarity
// snapshot against the originally stored event. Returns the classification
// for this arrival.
func (m *DuplicateMetadata) Observe(ev *RawEvent, now time.Time) Classification {
	m.Count++
	m.LastSeen = now

	if ev.UUID != "" && !containsString(m.UUIDs, ev.UUID) {
		m.UUIDs = append(m.UUIDs, ev.UUID)
		if len(m.UUIDs) > maxTrackedUUIDs {
			m.UUIDs = m.UUIDs[len(m.UUIDs)-maxTrackedUUIDs:]
		}
	}

	snapshot, onlyUUIDDiffers := ComputeSimilarity(&m.Original, ev)
	m.LastSimilarity = snapshot

	if onlyUUIDDiffers {
		return ClassificationConfirmedDuplicate
	}
	return ClassificationPotentialDuplicate
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
