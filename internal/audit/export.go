package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/platform/env"
)

// Exporter ships stored events to an external sink.
type Exporter interface {
	Export(ctx context.Context, event domain.AuditEvent) error
}

type NoopExporter struct{}

func (NoopExporter) Export(context.Context, domain.AuditEvent) error { return nil }

// NDJSONExporter writes one JSON object per line.
type NDJSONExporter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewNDJSONExporter(w io.Writer) *NDJSONExporter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	return &NDJSONExporter{enc: enc}
}

func (e *NDJSONExporter) Export(_ context.Context, event domain.AuditEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(exportEventFromDomain(event))
}

type exportEvent struct {
	Seq             int64           `json:"seq"`
	EventID         string          `json:"event_id"`
	Kind            string          `json:"kind"`
	OccurredAt      string          `json:"occurred_at"`
	StagingID       string          `json:"staging_id,omitempty"`
	Language        string          `json:"language,omitempty"`
	SlotID          string          `json:"slot_id,omitempty"`
	ContentHash     string          `json:"content_hash,omitempty"`
	Actor           string          `json:"actor"`
	RequestID       string          `json:"request_id,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	PrevSHA256      string          `json:"prev_sha256"`
	IntegritySHA256 string          `json:"integrity_sha256"`
}

func exportEventFromDomain(event domain.AuditEvent) exportEvent {
	payload, err := json.Marshal(event.Payload)
	if err != nil || event.Payload == nil {
		payload = json.RawMessage("{}")
	}
	return exportEvent{
		Seq:             event.Seq,
		EventID:         event.EventID,
		Kind:            string(event.Kind),
		OccurredAt:      event.OccurredAt.UTC().Format(timeFormatRFC3339Nano),
		StagingID:       event.StagingID,
		Language:        string(event.Language),
		SlotID:          event.SlotID,
		ContentHash:     event.ContentHash,
		Actor:           event.Actor,
		RequestID:       event.RequestID,
		Payload:         payload,
		PrevSHA256:      event.PrevHash,
		IntegritySHA256: event.IntegritySHA256,
	}
}

const timeFormatRFC3339Nano = "2006-01-02T15:04:05.999999999Z07:00"

// ExportConfig selects where stored events are mirrored.
type ExportConfig struct {
	Format string
	// Path is an NDJSON file opened for append; "-" is stdout, empty disables export.
	Path string
}

func ExportConfigFromEnv() (ExportConfig, error) {
	cfg := ExportConfig{
		Format: env.String("MARSHAL_AUDIT_EXPORT_FORMAT", "ndjson"),
		Path:   env.String("MARSHAL_AUDIT_EXPORT_PATH", ""),
	}
	if err := cfg.Validate(); err != nil {
		return ExportConfig{}, err
	}
	return cfg, nil
}

func (c ExportConfig) Validate() error {
	format := strings.ToLower(strings.TrimSpace(c.Format))
	if format != "" && format != "ndjson" {
		return fmt.Errorf("unsupported audit export format: %s", format)
	}
	return nil
}

// OpenExporter returns the exporter for cfg and a close func for its sink.
func OpenExporter(cfg ExportConfig) (Exporter, func() error, error) {
	path := strings.TrimSpace(cfg.Path)
	switch path {
	case "":
		return NoopExporter{}, func() error { return nil }, nil
	case "-":
		return NewNDJSONExporter(os.Stdout), func() error { return nil }, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit export file: %w", err)
	}
	return NewNDJSONExporter(f), f.Close, nil
}
