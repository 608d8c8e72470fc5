// Package audit records the append-only, hash-chained history of every
// staging attempt and slot mutation.
package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/platform/auditlog"
	"github.com/animus-labs/snippet-marshal/internal/platform/auth"
	"github.com/animus-labs/snippet-marshal/internal/platform/httpserver"
	"github.com/animus-labs/snippet-marshal/internal/repo"
)

// SystemActor is recorded for events raised outside a request.
const SystemActor = "system"

// Appender is the write side of the log, used by the pipeline components.
type Appender interface {
	Append(ctx context.Context, event domain.AuditEvent) (domain.AuditEvent, error)
}

type Log struct {
	repo     repo.AuditRepository
	exporter Exporter
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Log)

func WithExporter(e Exporter) Option {
	return func(l *Log) {
		if e != nil {
			l.exporter = e
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

func New(r repo.AuditRepository, opts ...Option) *Log {
	l := &Log{
		repo:     r,
		exporter: NoopExporter{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append fills event id, time, actor and request id from ctx when unset and
// persists the event. Export failures are logged; the stored event stands.
func (l *Log) Append(ctx context.Context, event domain.AuditEvent) (domain.AuditEvent, error) {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = l.now()
	}
	event.OccurredAt = event.OccurredAt.UTC().Truncate(time.Microsecond)
	if event.Actor == "" {
		event.Actor = auth.Subject(ctx, SystemActor)
	}
	if event.RequestID == "" {
		event.RequestID, _ = httpserver.RequestIDFromContext(ctx)
	}

	stored, err := l.repo.AppendEvent(ctx, event)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("append %s event: %w", event.Kind, err)
	}
	if err := l.exporter.Export(ctx, stored); err != nil {
		l.logger.Warn("audit export failed", "seq", stored.Seq, "kind", string(stored.Kind), "error", err)
	}
	return stored, nil
}

// ForSlot returns a slot's events in sequence order, except that Promoted
// events are placed in slot version order. A Promoted event is appended after
// its commit, so two promotions can land in the log out of version order.
func (l *Log) ForSlot(ctx context.Context, key domain.SlotKey, kinds ...domain.EventKind) ([]domain.AuditEvent, error) {
	events, err := l.repo.ListEvents(ctx, repo.AuditFilter{Slot: &key, Kinds: kinds})
	if err != nil {
		return nil, err
	}
	orderPromotions(events)
	return events, nil
}

// orderPromotions sorts the Promoted events by version while leaving every
// other event at its position.
func orderPromotions(events []domain.AuditEvent) {
	var at []int
	var promoted []domain.AuditEvent
	for i, e := range events {
		if e.Kind == domain.EventPromoted {
			at = append(at, i)
			promoted = append(promoted, e)
		}
	}
	sort.SliceStable(promoted, func(i, j int) bool {
		return payloadInt(promoted[i].Payload[PayloadVersion]) < payloadInt(promoted[j].Payload[PayloadVersion])
	})
	for n, i := range at {
		events[i] = promoted[n]
	}
}

func (l *Log) ForStaging(ctx context.Context, stagingID string) ([]domain.AuditEvent, error) {
	return l.repo.ListEvents(ctx, repo.AuditFilter{StagingID: stagingID})
}

// ForContent returns every event that mentions the content hash.
func (l *Log) ForContent(ctx context.Context, hash string, kinds ...domain.EventKind) ([]domain.AuditEvent, error) {
	return l.repo.ListEvents(ctx, repo.AuditFilter{ContentHash: hash, Kinds: kinds})
}

func (l *Log) Recent(ctx context.Context, afterSeq int64, limit int) ([]domain.AuditEvent, error) {
	return l.repo.ListEvents(ctx, repo.AuditFilter{
		AfterSeq: afterSeq,
		Limit:    repo.ClampLimit(limit, 100, 1000),
	})
}

// VerifyChain re-reads the whole log and checks every link and digest.
func (l *Log) VerifyChain(ctx context.Context) (int, error) {
	events, err := l.repo.ListEvents(ctx, repo.AuditFilter{})
	if err != nil {
		return 0, err
	}
	sealed := make([]auditlog.SealedEntry, 0, len(events))
	for _, e := range events {
		payload, err := auditlog.EncodePayload(e.Payload)
		if err != nil {
			return 0, fmt.Errorf("event %d: %w", e.Seq, err)
		}
		sealed = append(sealed, auditlog.SealedEntry{Entry: e.Entry(payload), IntegritySHA256: e.IntegritySHA256})
	}
	return len(sealed), auditlog.VerifyChain(sealed)
}
