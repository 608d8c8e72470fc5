package auditlog

import (
	"testing"
	"time"
)

func chain(t *testing.T, n int) []SealedEntry {
	t.Helper()
	out := make([]SealedEntry, 0, n)
	prev := GenesisHash
	for i := 1; i <= n; i++ {
		payload, err := EncodePayload(map[string]any{"i": i, "b": "x", "a": true})
		if err != nil {
			t.Fatalf("EncodePayload: %v", err)
		}
		e := Entry{
			Seq:        int64(i),
			EventID:    "evt",
			Kind:       "StagingCreated",
			OccurredAt: time.Date(2026, 2, 10, 14, 0, i, 0, time.UTC),
			StagingID:  "stg-000000000001",
			Actor:      "tester",
			Payload:    payload,
			PrevHash:   prev,
		}
		sum, err := ComputeIntegritySHA256(e)
		if err != nil {
			t.Fatalf("ComputeIntegritySHA256: %v", err)
		}
		out = append(out, SealedEntry{Entry: e, IntegritySHA256: sum})
		prev = sum
	}
	return out
}

func TestVerifyChain(t *testing.T) {
	entries := chain(t, 4)
	if err := VerifyChain(entries); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}

	tampered := append([]SealedEntry(nil), entries...)
	tampered[2].Actor = "mallory"
	if err := VerifyChain(tampered); err == nil {
		t.Fatalf("expected integrity failure")
	}

	gap := []SealedEntry{entries[0], entries[2]}
	if err := VerifyChain(gap); err == nil {
		t.Fatalf("expected gap failure")
	}
}

func TestComputeIntegritySHA256_Deterministic(t *testing.T) {
	p1, _ := EncodePayload(map[string]any{"z": 1, "a": 2})
	p2, _ := EncodePayload(map[string]any{"a": 2, "z": 1})
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.FixedZone("x", 3600))
	a, err := ComputeIntegritySHA256(Entry{Seq: 1, Kind: "k", OccurredAt: at, Actor: " a ", Payload: p1})
	if err != nil {
		t.Fatal(err)
	}
	b, err := ComputeIntegritySHA256(Entry{Seq: 1, Kind: "k", OccurredAt: at.UTC(), Actor: "a", Payload: p2, PrevHash: GenesisHash})
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("hash differs: %s vs %s", a, b)
	}
}
