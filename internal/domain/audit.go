package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/animus-labs/snippet-marshal/internal/platform/auditlog"
)

type EventKind string

const (
	EventStagingCreated     EventKind = "StagingCreated"
	EventExecutionCompleted EventKind = "ExecutionCompleted"
	EventExecutionFailed    EventKind = "ExecutionFailed"
	EventVerified           EventKind = "Verified"
	EventPromoted           EventKind = "Promoted"
	EventStagingAbandoned   EventKind = "StagingAbandoned"
	EventSlotLocked         EventKind = "SlotLocked"
	EventSlotUnlocked       EventKind = "SlotUnlocked"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventStagingCreated, EventExecutionCompleted, EventExecutionFailed, EventVerified,
		EventPromoted, EventStagingAbandoned, EventSlotLocked, EventSlotUnlocked:
		return true
	default:
		return false
	}
}

// AuditEvent is an immutable, hash-chained audit record. Seq, PrevHash and
// IntegritySHA256 are assigned by the log on append.
type AuditEvent struct {
	Seq             int64          `json:"seq"`
	EventID         string         `json:"event_id"`
	Kind            EventKind      `json:"kind"`
	OccurredAt      time.Time      `json:"occurred_at"`
	StagingID       string         `json:"staging_id,omitempty"`
	Language        Language       `json:"language,omitempty"`
	SlotID          string         `json:"slot_id,omitempty"`
	ContentHash     string         `json:"content_hash,omitempty"`
	Actor           string         `json:"actor"`
	RequestID       string         `json:"request_id,omitempty"`
	Payload         map[string]any `json:"payload,omitempty"`
	PrevHash        string         `json:"prev_sha256"`
	IntegritySHA256 string         `json:"integrity_sha256"`
}

func (e AuditEvent) Validate() error {
	if !e.Kind.Valid() {
		return errors.New("kind is invalid")
	}
	if e.OccurredAt.IsZero() {
		return errors.New("occurred_at is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("actor is required")
	}
	if e.Kind == EventSlotLocked || e.Kind == EventSlotUnlocked {
		if e.Language == "" || e.SlotID == "" {
			return errors.New("slot events require language and slot_id")
		}
		return nil
	}
	if strings.TrimSpace(e.StagingID) == "" {
		return errors.New("staging_id is required")
	}
	return nil
}

func (e AuditEvent) SlotKey() SlotKey {
	return SlotKey{Language: e.Language, SlotID: e.SlotID}
}

// Entry is the hashed form of the event; payload is its canonical JSON.
func (e AuditEvent) Entry(payload json.RawMessage) auditlog.Entry {
	return auditlog.Entry{
		Seq:         e.Seq,
		EventID:     e.EventID,
		Kind:        string(e.Kind),
		OccurredAt:  e.OccurredAt,
		StagingID:   e.StagingID,
		Language:    string(e.Language),
		SlotID:      e.SlotID,
		ContentHash: e.ContentHash,
		Actor:       e.Actor,
		RequestID:   e.RequestID,
		Payload:     payload,
		PrevHash:    e.PrevHash,
	}
}
