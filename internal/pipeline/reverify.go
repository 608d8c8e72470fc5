package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/intake"
)

const reverifySubmitter = "reverify"

type ReverifyResult struct {
	Slot    domain.SlotKey `json:"slot"`
	Skipped string         `json:"skipped,omitempty"`
	Error   string         `json:"error,omitempty"`
	Result  *Result        `json:"result,omitempty"`
}

// Reverify re-runs the slot's active snippet as a fresh attempt and promotes
// it on PASS, so the slot history records each re-benchmark.
func (p *Pipeline) Reverify(ctx context.Context, key domain.SlotKey) (Result, error) {
	slot, err := p.promoter.GetSlot(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if !slot.Occupied() {
		return Result{}, &domain.ValidationError{Issues: []string{fmt.Sprintf("slot %s has no active snippet", slot.Key)}}
	}
	active, err := p.staging.GetStaging(ctx, slot.ActiveStagingID)
	if err != nil {
		return Result{}, fmt.Errorf("load active staging %s: %w", slot.ActiveStagingID, err)
	}
	snippet, err := p.content.Fetch(ctx, slot.ActiveSnippetHash)
	if err != nil {
		return Result{}, err
	}
	p.logger.Info("reverifying slot", "slot", slot.Key.String(), "active_staging_id", active.StagingID)
	return p.RunFull(ctx, intake.Request{
		Language:    active.Language,
		Engine:      active.Engine,
		SlotID:      active.SlotID,
		Label:       active.Label,
		Source:      string(snippet.Source),
		Submitter:   reverifySubmitter,
		AutoPromote: true,
	})
}

// ReverifyAll re-verifies every occupied, unlocked slot with bounded
// parallelism. Per-slot failures are reported in the results.
func (p *Pipeline) ReverifyAll(ctx context.Context) ([]ReverifyResult, error) {
	slots, err := p.promoter.ListSlots(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]ReverifyResult, len(slots))
	var g errgroup.Group
	g.SetLimit(p.cfg.ReverifyParallelism)
	for i, slot := range slots {
		out[i].Slot = slot.Key
		switch {
		case !slot.Occupied():
			out[i].Skipped = "empty"
			continue
		case slot.Locked:
			out[i].Skipped = "locked"
			continue
		}
		g.Go(func() error {
			res, err := p.Reverify(ctx, slot.Key)
			if err != nil {
				out[i].Error = err.Error()
				return nil
			}
			out[i].Result = &res
			if res.PromotionError != "" {
				out[i].Error = res.PromotionError
			}
			return nil
		})
	}
	_ = g.Wait()
	return out, ctx.Err()
}
