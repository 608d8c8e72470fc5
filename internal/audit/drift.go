package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/animus-labs/snippet-marshal/internal/domain"
)

// Payload keys written with Verified events.
const (
	PayloadStatus    = "status"
	PayloadElapsedNS = "elapsed_ns"
	PayloadDetail    = "detail"
	PayloadVersion   = "version"
)

type DriftAttempt struct {
	StagingID  string            `json:"staging_id"`
	Language   domain.Language   `json:"language"`
	SlotID     string            `json:"slot_id"`
	Status     domain.SpecStatus `json:"status"`
	Elapsed    time.Duration     `json:"elapsed_ns"`
	VerifiedAt time.Time         `json:"verified_at"`
}

// DriftReport shows how the elapsed time of identical code moves across attempts.
type DriftReport struct {
	ContentHash string         `json:"content_hash"`
	Attempts    []DriftAttempt `json:"attempts"`
	Min         time.Duration  `json:"min_ns"`
	Max         time.Duration  `json:"max_ns"`
	Mean        time.Duration  `json:"mean_ns"`
}

func (l *Log) Drift(ctx context.Context, hash string) (DriftReport, error) {
	events, err := l.ForContent(ctx, hash, domain.EventVerified)
	if err != nil {
		return DriftReport{}, err
	}
	report := DriftReport{ContentHash: hash, Attempts: make([]DriftAttempt, 0, len(events))}
	var total time.Duration
	for _, e := range events {
		status, _ := e.Payload[PayloadStatus].(string)
		a := DriftAttempt{
			StagingID:  e.StagingID,
			Language:   e.Language,
			SlotID:     e.SlotID,
			Status:     domain.SpecStatus(status),
			Elapsed:    time.Duration(payloadInt(e.Payload[PayloadElapsedNS])),
			VerifiedAt: e.OccurredAt,
		}
		if len(report.Attempts) == 0 || a.Elapsed < report.Min {
			report.Min = a.Elapsed
		}
		if a.Elapsed > report.Max {
			report.Max = a.Elapsed
		}
		total += a.Elapsed
		report.Attempts = append(report.Attempts, a)
	}
	if n := len(report.Attempts); n > 0 {
		report.Mean = total / time.Duration(n)
	}
	return report, nil
}

// payloadInt reads a number that may have been through a JSON round trip.
func payloadInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case time.Duration:
		return int64(n)
	default:
		return 0
	}
}
