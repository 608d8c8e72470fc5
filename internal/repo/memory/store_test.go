package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/platform/auditlog"
	"github.com/animus-labs/snippet-marshal/internal/repo"
)

var base = time.Date(2026, 2, 10, 14, 48, 58, 0, time.UTC)

func seedPass(t *testing.T, s *Store, id string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	rec := domain.StagingRecord{
		StagingID:   id,
		ContentHash: "hash-" + id,
		Language:    "rust",
		Engine:      "RUST-d",
		SlotID:      "d2",
		Position:    2,
		Label:       "Factorial",
		CreatedAt:   at,
	}
	if err := s.Staging().CreateStaging(ctx, rec); err != nil {
		t.Fatalf("CreateStaging: %v", err)
	}
	if _, err := s.Staging().AttachSpecResult(ctx, id, domain.SpecResult{Status: domain.SpecStatusPass, Elapsed: time.Millisecond, VerifiedAt: at}); err != nil {
		t.Fatalf("AttachSpecResult: %v", err)
	}
}

func TestStaging_CreateDuplicate(t *testing.T) {
	s := New()
	rec := domain.StagingRecord{StagingID: "stg-aaaaaaaaaaaa", CreatedAt: base}
	if err := s.Staging().CreateStaging(context.Background(), rec); err != nil {
		t.Fatalf("CreateStaging: %v", err)
	}
	if err := s.Staging().CreateStaging(context.Background(), rec); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("err=%v, want ErrConflict", err)
	}
}

func TestStaging_AttachOnce(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedPass(t, s, "stg-aaaaaaaaaaaa", base)

	_, err := s.Staging().AttachSpecResult(ctx, "stg-aaaaaaaaaaaa", domain.SpecResult{Status: domain.SpecStatusFail, VerifiedAt: base})
	if !errors.Is(err, repo.ErrAlreadyVerified) {
		t.Fatalf("err=%v, want ErrAlreadyVerified", err)
	}
	got, err := s.Staging().GetStaging(ctx, "stg-aaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("GetStaging: %v", err)
	}
	if got.SpecResult.Status != domain.SpecStatusPass {
		t.Fatalf("status=%s, want PASS", got.SpecResult.Status)
	}
	if _, err := s.Staging().MarkAbandoned(ctx, "stg-aaaaaaaaaaaa", base); !errors.Is(err, repo.ErrAlreadyVerified) {
		t.Fatalf("abandon err=%v", err)
	}
}

func TestStaging_AbandonedCannotBeVerified(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Staging().CreateStaging(ctx, domain.StagingRecord{StagingID: "stg-1", CreatedAt: base}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Staging().MarkAbandoned(ctx, "stg-1", base); err != nil {
		t.Fatalf("MarkAbandoned: %v", err)
	}
	_, err := s.Staging().AttachSpecResult(ctx, "stg-1", domain.SpecResult{Status: domain.SpecStatusPass, VerifiedAt: base})
	if !errors.Is(err, repo.ErrAbandoned) {
		t.Fatalf("err=%v, want ErrAbandoned", err)
	}
}

func TestStaging_ListOrderAndFilter(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i, id := range []string{"stg-c", "stg-a", "stg-b"} {
		rec := domain.StagingRecord{StagingID: id, ContentHash: "same", Language: "rust", SlotID: "d2", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := s.Staging().CreateStaging(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Staging().ListStaging(ctx, repo.StagingFilter{ContentHash: "same"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].StagingID != "stg-c" || got[2].StagingID != "stg-b" {
		t.Fatalf("order=%v", got)
	}
	got, _ = s.Staging().ListStaging(ctx, repo.StagingFilter{ContentHash: "other"})
	if len(got) != 0 {
		t.Fatalf("expected no matches, got %d", len(got))
	}
	counts, _ := s.Staging().CountByState(ctx)
	if counts[domain.StateStaged] != 3 {
		t.Fatalf("counts=%v", counts)
	}
}

func TestSlots_CommitPromotion(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := domain.SlotKey{Language: "rust", SlotID: "d2"}
	seedPass(t, s, "stg-first", base)
	seedPass(t, s, "stg-second", base.Add(time.Second))

	slot, ev, err := s.Slots().CommitPromotion(ctx, repo.PromotionCommit{Slot: key, Position: 2, ExpectedVersion: 0, StagingID: "stg-first", ContentHash: "hash-stg-first", PromotedAt: base.Add(2 * time.Second)})
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if slot.Version != 1 || ev.OutgoingStagingID != "" || slot.ActiveStagingID != "stg-first" {
		t.Fatalf("slot=%+v ev=%+v", slot, ev)
	}

	_, _, err = s.Slots().CommitPromotion(ctx, repo.PromotionCommit{Slot: key, Position: 2, ExpectedVersion: 0, StagingID: "stg-second", ContentHash: "hash-stg-second", PromotedAt: base.Add(3 * time.Second)})
	if !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("stale commit err=%v", err)
	}

	slot, ev, err = s.Slots().CommitPromotion(ctx, repo.PromotionCommit{Slot: key, Position: 2, ExpectedVersion: 1, StagingID: "stg-second", ContentHash: "hash-stg-second", PromotedAt: base.Add(3 * time.Second)})
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if slot.Version != 2 || len(slot.History) != 2 || ev.OutgoingStagingID != "stg-first" {
		t.Fatalf("slot=%+v ev=%+v", slot, ev)
	}

	_, _, err = s.Slots().CommitPromotion(ctx, repo.PromotionCommit{Slot: key, Position: 2, ExpectedVersion: 2, StagingID: "stg-second", PromotedAt: base.Add(4 * time.Second)})
	if !errors.Is(err, repo.ErrAlreadyPromoted) {
		t.Fatalf("repeat commit err=%v", err)
	}

	rec, _ := s.Staging().GetStaging(ctx, "stg-second")
	if rec.State() != domain.StatePromoted {
		t.Fatalf("state=%s", rec.State())
	}
}

func TestSlots_LockBlocksPromotion(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := domain.SlotKey{Language: "rust", SlotID: "d3"}
	seedPass(t, s, "stg-x", base)

	locked, err := s.Slots().SetLock(ctx, repo.LockChange{Slot: key, Position: 3, Locked: true, Reason: "freeze", At: base})
	if err != nil || !locked.Locked || locked.Version != 0 {
		t.Fatalf("SetLock slot=%+v err=%v", locked, err)
	}
	_, _, err = s.Slots().CommitPromotion(ctx, repo.PromotionCommit{Slot: key, Position: 3, StagingID: "stg-x", PromotedAt: base})
	if !errors.Is(err, repo.ErrSlotLocked) {
		t.Fatalf("err=%v, want ErrSlotLocked", err)
	}
	if _, err := s.Slots().SetLock(ctx, repo.LockChange{Slot: key, Position: 3, Locked: false, At: base}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Slots().CommitPromotion(ctx, repo.PromotionCommit{Slot: key, Position: 3, StagingID: "stg-x", PromotedAt: base}); err != nil {
		t.Fatalf("unlocked commit: %v", err)
	}
}

func TestSlots_ConcurrentCommitsNoLostUpdates(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := domain.SlotKey{Language: "rust", SlotID: "d2"}
	const n = 32
	for i := 0; i < n; i++ {
		seedPass(t, s, fmt.Sprintf("stg-%02d", i), base)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			id := fmt.Sprintf("stg-%02d", i)
			for {
				cur, err := s.Slots().DeclareSlot(ctx, key, 2, base)
				if err != nil {
					t.Error(err)
					return
				}
				_, _, err = s.Slots().CommitPromotion(ctx, repo.PromotionCommit{Slot: key, Position: 2, ExpectedVersion: cur.Version, StagingID: id, PromotedAt: base.Add(time.Minute)})
				if errors.Is(err, repo.ErrVersionConflict) {
					continue
				}
				if err != nil {
					t.Error(err)
				}
				return
			}
		}(i)
	}
	close(start)
	wg.Wait()

	slot, err := s.Slots().GetSlot(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if slot.Version != n || len(slot.History) != n {
		t.Fatalf("version=%d history=%d, want %d", slot.Version, len(slot.History), n)
	}
	seen := map[string]bool{}
	for i, h := range slot.History {
		if h.Version != int64(i+1) {
			t.Fatalf("history[%d].Version=%d", i, h.Version)
		}
		if seen[h.StagingID] {
			t.Fatalf("duplicate history entry %s", h.StagingID)
		}
		seen[h.StagingID] = true
		if i > 0 && h.OutgoingStagingID != slot.History[i-1].StagingID {
			t.Fatalf("history[%d] outgoing=%s, want %s", i, h.OutgoingStagingID, slot.History[i-1].StagingID)
		}
	}
}

func TestSlots_FirstPromotionPublishesOccupiedSlot(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := domain.SlotKey{Language: "rust", SlotID: "d4"}
	seedPass(t, s, "stg-new", base)

	stop := make(chan struct{})
	var bad error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			slot, err := s.Slots().GetSlot(ctx, key)
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			if err != nil || slot.Version != 1 || slot.ActiveStagingID != "stg-new" {
				bad = fmt.Errorf("observed slot=%+v err=%v", slot, err)
				return
			}
		}
	}()
	_, _, err := s.Slots().CommitPromotion(ctx, repo.PromotionCommit{Slot: key, Position: 4, StagingID: "stg-new", ContentHash: "hash-stg-new", PromotedAt: base})
	close(stop)
	wg.Wait()
	if err != nil {
		t.Fatalf("CommitPromotion: %v", err)
	}
	if bad != nil {
		t.Fatal(bad)
	}
}

func TestSlots_LockTogglesNeverReportStaleVersion(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := domain.SlotKey{Language: "rust", SlotID: "d5"}
	const n = 16
	for i := 0; i < n; i++ {
		seedPass(t, s, fmt.Sprintf("stg-%02d", i), base)
	}
	if _, err := s.Slots().DeclareSlot(ctx, key, 5, base); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_, _ = s.Slots().SetLock(ctx, repo.LockChange{Slot: key, Position: 5, Locked: i%2 == 0, Reason: "flap", At: base})
		}
	}()

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("stg-%02d", i)
		for {
			cur, err := s.Slots().GetSlot(ctx, key)
			if err != nil {
				t.Fatal(err)
			}
			_, _, err = s.Slots().CommitPromotion(ctx, repo.PromotionCommit{Slot: key, Position: 5, ExpectedVersion: cur.Version, StagingID: id, PromotedAt: base})
			if errors.Is(err, repo.ErrSlotLocked) {
				continue
			}
			if err != nil {
				close(stop)
				wg.Wait()
				t.Fatalf("commit %s: %v", id, err)
			}
			break
		}
	}
	close(stop)
	wg.Wait()

	slot, err := s.Slots().GetSlot(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if slot.Version != n {
		t.Fatalf("version=%d, want %d", slot.Version, n)
	}
}

func TestAudit_ChainAndFilter(t *testing.T) {
	s := New()
	ctx := context.Background()
	kinds := []domain.EventKind{domain.EventStagingCreated, domain.EventExecutionCompleted, domain.EventPromoted}
	for i, k := range kinds {
		_, err := s.Audit().AppendEvent(ctx, domain.AuditEvent{
			EventID:    fmt.Sprintf("evt-%d", i),
			Kind:       k,
			OccurredAt: base.Add(time.Duration(i) * time.Second),
			StagingID:  "stg-1",
			Language:   "rust",
			SlotID:     "d2",
			Actor:      "tester",
			Payload:    map[string]any{"i": i},
		})
		if err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	if _, err := s.Audit().AppendEvent(ctx, domain.AuditEvent{Kind: domain.EventPromoted, OccurredAt: base}); err == nil {
		t.Fatalf("expected validation error")
	}

	all, _ := s.Audit().ListEvents(ctx, repo.AuditFilter{})
	if len(all) != 3 {
		t.Fatalf("events=%d", len(all))
	}
	sealed := make([]auditlog.SealedEntry, 0, len(all))
	for _, e := range all {
		payload, _ := auditlog.EncodePayload(e.Payload)
		sealed = append(sealed, auditlog.SealedEntry{Entry: e.Entry(payload), IntegritySHA256: e.IntegritySHA256})
	}
	if err := auditlog.VerifyChain(sealed); err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}

	promoted, _ := s.Audit().ListEvents(ctx, repo.AuditFilter{Kinds: []domain.EventKind{domain.EventPromoted}})
	if len(promoted) != 1 || promoted[0].Seq != 3 {
		t.Fatalf("promoted=%v", promoted)
	}
	after, _ := s.Audit().ListEvents(ctx, repo.AuditFilter{AfterSeq: 1, Limit: 1})
	if len(after) != 1 || after[0].Seq != 2 {
		t.Fatalf("after=%v", after)
	}
}
