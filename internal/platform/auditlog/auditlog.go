package auditlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// GenesisHash is the PrevHash of the first entry in a chain.
var GenesisHash = strings.Repeat("0", 64)

// Entry is the hashed portion of an audit record.
type Entry struct {
	Seq         int64           `json:"seq"`
	EventID     string          `json:"event_id"`
	Kind        string          `json:"kind"`
	OccurredAt  time.Time       `json:"occurred_at"`
	StagingID   string          `json:"staging_id,omitempty"`
	Language    string          `json:"language,omitempty"`
	SlotID      string          `json:"slot_id,omitempty"`
	ContentHash string          `json:"content_hash,omitempty"`
	Actor       string          `json:"actor"`
	RequestID   string          `json:"request_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	PrevHash    string          `json:"prev_sha256"`
}

// EncodePayload renders payload as canonical JSON; map keys sort deterministically.
func EncodePayload(payload map[string]any) (json.RawMessage, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return blob, nil
}

// ComputeIntegritySHA256 hashes the entry, which already names its predecessor.
func ComputeIntegritySHA256(e Entry) (string, error) {
	e.OccurredAt = e.OccurredAt.UTC()
	e.Actor = strings.TrimSpace(e.Actor)
	e.RequestID = strings.TrimSpace(e.RequestID)
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("{}")
	}
	if e.PrevHash == "" {
		e.PrevHash = GenesisHash
	}
	blob, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// SealedEntry pairs an entry with its stored hash.
type SealedEntry struct {
	Entry
	IntegritySHA256 string
}

// VerifyChain recomputes every hash and checks each entry names its predecessor.
// entries must be contiguous and in sequence order, starting at the chain head
// or at an entry whose PrevHash is trusted.
func VerifyChain(entries []SealedEntry) error {
	for i, e := range entries {
		if i > 0 {
			prev := entries[i-1]
			if e.Seq != prev.Seq+1 {
				return fmt.Errorf("seq %d follows %d", e.Seq, prev.Seq)
			}
			if e.PrevHash != prev.IntegritySHA256 {
				return fmt.Errorf("seq %d: prev hash does not match seq %d", e.Seq, prev.Seq)
			}
		}
		want, err := ComputeIntegritySHA256(e.Entry)
		if err != nil {
			return err
		}
		if want != e.IntegritySHA256 {
			return fmt.Errorf("seq %d: integrity mismatch", e.Seq)
		}
	}
	return nil
}
