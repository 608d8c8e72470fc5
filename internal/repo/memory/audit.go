package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/platform/auditlog"
	"github.com/animus-labs/snippet-marshal/internal/repo"
)

type AuditRepo struct {
	mu     sync.RWMutex
	events []domain.AuditEvent
}

func (r *AuditRepo) AppendEvent(_ context.Context, event domain.AuditEvent) (domain.AuditEvent, error) {
	if err := event.Validate(); err != nil {
		return domain.AuditEvent{}, fmt.Errorf("audit event: %w", err)
	}
	payload, err := auditlog.EncodePayload(event.Payload)
	if err != nil {
		return domain.AuditEvent{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	event.Seq = int64(len(r.events)) + 1
	event.PrevHash = auditlog.GenesisHash
	if n := len(r.events); n > 0 {
		event.PrevHash = r.events[n-1].IntegritySHA256
	}
	event.OccurredAt = event.OccurredAt.UTC().Truncate(time.Microsecond)
	sum, err := auditlog.ComputeIntegritySHA256(event.Entry(payload))
	if err != nil {
		return domain.AuditEvent{}, err
	}
	event.IntegritySHA256 = sum
	r.events = append(r.events, event)
	return event, nil
}

func (r *AuditRepo) ListEvents(_ context.Context, filter repo.AuditFilter) ([]domain.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AuditEvent, 0)
	for _, e := range r.events {
		if !filter.Matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}
