package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/platform/auth"
	"github.com/animus-labs/snippet-marshal/internal/platform/httpserver"
	"github.com/animus-labs/snippet-marshal/internal/repo/memory"
)

var t0 = time.Date(2026, 2, 10, 14, 48, 58, 0, time.UTC)

func fixedClock() func() time.Time { return func() time.Time { return t0 } }

func verified(id, hash string, elapsed time.Duration, status domain.SpecStatus) domain.AuditEvent {
	return domain.AuditEvent{
		Kind:        domain.EventVerified,
		StagingID:   id,
		Language:    "rust",
		SlotID:      "d2",
		ContentHash: hash,
		Payload: map[string]any{
			PayloadStatus:    string(status),
			PayloadElapsedNS: int64(elapsed),
		},
	}
}

func TestAppendFillsContext(t *testing.T) {
	var buf bytes.Buffer
	log := New(memory.New().Audit(), WithClock(fixedClock()), WithExporter(NewNDJSONExporter(&buf)))

	ctx := auth.ContextWithIdentity(context.Background(), auth.Identity{Subject: "alice"})
	ctx = httpserver.WithRequestID(ctx, "req-1")
	ev, err := log.Append(ctx, domain.AuditEvent{Kind: domain.EventStagingCreated, StagingID: "stg-1"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ev.Seq != 1 || ev.Actor != "alice" || ev.RequestID != "req-1" || ev.EventID == "" || !ev.OccurredAt.Equal(t0) {
		t.Fatalf("unexpected event %+v", ev)
	}

	sys, err := log.Append(context.Background(), domain.AuditEvent{Kind: domain.EventExecutionCompleted, StagingID: "stg-1"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if sys.Actor != SystemActor || sys.PrevHash != ev.IntegritySHA256 {
		t.Fatalf("unexpected chained event %+v", sys)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 exported lines, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if first["kind"] != "StagingCreated" || first["actor"] != "alice" || first["integrity_sha256"] != ev.IntegritySHA256 {
		t.Fatalf("unexpected export %v", first)
	}
}

func TestAppendRejectsInvalid(t *testing.T) {
	log := New(memory.New().Audit())
	if _, err := log.Append(context.Background(), domain.AuditEvent{Kind: domain.EventPromoted}); err == nil {
		t.Fatalf("expected missing staging_id error")
	}
}

type failingExporter struct{}

func (failingExporter) Export(context.Context, domain.AuditEvent) error {
	return errors.New("sink down")
}

func TestExportFailureDoesNotFailAppend(t *testing.T) {
	log := New(memory.New().Audit(), WithExporter(failingExporter{}))
	if _, err := log.Append(context.Background(), domain.AuditEvent{Kind: domain.EventStagingCreated, StagingID: "stg-1"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestReadsAndChain(t *testing.T) {
	log := New(memory.New().Audit(), WithClock(fixedClock()))
	ctx := context.Background()
	d2 := domain.SlotKey{Language: "rust", SlotID: "d2"}
	events := []domain.AuditEvent{
		{Kind: domain.EventStagingCreated, StagingID: "stg-a", Language: "rust", SlotID: "d2", ContentHash: "h1"},
		verified("stg-a", "h1", time.Second, domain.SpecStatusPass),
		{Kind: domain.EventPromoted, StagingID: "stg-a", Language: "rust", SlotID: "d2", ContentHash: "h1"},
		{Kind: domain.EventStagingCreated, StagingID: "stg-b", Language: "rust", SlotID: "d3", ContentHash: "h2"},
		{Kind: domain.EventSlotLocked, Language: "rust", SlotID: "d2"},
	}
	for _, e := range events {
		if _, err := log.Append(ctx, e); err != nil {
			t.Fatalf("Append %s: %v", e.Kind, err)
		}
	}

	slot, err := log.ForSlot(ctx, d2)
	if err != nil || len(slot) != 4 {
		t.Fatalf("ForSlot=%d,%v", len(slot), err)
	}
	promos, err := log.ForSlot(ctx, d2, domain.EventPromoted)
	if err != nil || len(promos) != 1 || promos[0].StagingID != "stg-a" {
		t.Fatalf("ForSlot promoted=%+v,%v", promos, err)
	}
	byStaging, _ := log.ForStaging(ctx, "stg-b")
	if len(byStaging) != 1 {
		t.Fatalf("ForStaging=%d", len(byStaging))
	}
	content, _ := log.ForContent(ctx, "h1")
	if len(content) != 3 {
		t.Fatalf("ForContent=%d", len(content))
	}
	recent, _ := log.Recent(ctx, 3, 0)
	if len(recent) != 2 || recent[0].Seq != 4 {
		t.Fatalf("Recent=%+v", recent)
	}

	n, err := log.VerifyChain(ctx)
	if err != nil || n != len(events) {
		t.Fatalf("VerifyChain=%d,%v", n, err)
	}
}

func TestDrift(t *testing.T) {
	log := New(memory.New().Audit(), WithClock(fixedClock()))
	ctx := context.Background()
	for i, d := range []time.Duration{300 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond} {
		id := "stg-" + string(rune('a'+i))
		if _, err := log.Append(ctx, verified(id, "h1", d, domain.SpecStatusPass)); err != nil {
			t.Fatal(err)
		}
	}
	// JSON-decoded payloads carry float64.
	ev := verified("stg-x", "h1", 0, domain.SpecStatusTimeout)
	ev.Payload[PayloadElapsedNS] = float64(400 * time.Millisecond)
	if _, err := log.Append(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if _, err := log.Append(ctx, verified("stg-other", "h2", time.Hour, domain.SpecStatusPass)); err != nil {
		t.Fatal(err)
	}

	report, err := log.Drift(ctx, "h1")
	if err != nil {
		t.Fatalf("Drift: %v", err)
	}
	if len(report.Attempts) != 4 {
		t.Fatalf("attempts=%d", len(report.Attempts))
	}
	if report.Min != 100*time.Millisecond || report.Max != 400*time.Millisecond || report.Mean != 250*time.Millisecond {
		t.Fatalf("stats min=%s max=%s mean=%s", report.Min, report.Max, report.Mean)
	}
	if report.Attempts[3].Status != domain.SpecStatusTimeout {
		t.Fatalf("status=%q", report.Attempts[3].Status)
	}

	empty, err := log.Drift(ctx, "missing")
	if err != nil || len(empty.Attempts) != 0 || empty.Mean != 0 {
		t.Fatalf("empty drift=%+v,%v", empty, err)
	}
}

func TestExportConfig(t *testing.T) {
	t.Setenv("MARSHAL_AUDIT_EXPORT_FORMAT", "csv")
	if _, err := ExportConfigFromEnv(); err == nil {
		t.Fatalf("expected unsupported format")
	}
	t.Setenv("MARSHAL_AUDIT_EXPORT_FORMAT", "ndjson")
	t.Setenv("MARSHAL_AUDIT_EXPORT_PATH", t.TempDir()+"/audit.ndjson")
	cfg, err := ExportConfigFromEnv()
	if err != nil {
		t.Fatalf("ExportConfigFromEnv: %v", err)
	}
	exp, closeFn, err := OpenExporter(cfg)
	if err != nil {
		t.Fatalf("OpenExporter: %v", err)
	}
	defer closeFn()
	if _, ok := exp.(*NDJSONExporter); !ok {
		t.Fatalf("expected NDJSON exporter, got %T", exp)
	}
	noop, _, _ := OpenExporter(ExportConfig{})
	if _, ok := noop.(NoopExporter); !ok {
		t.Fatalf("expected noop exporter, got %T", noop)
	}
}

func TestForSlotOrdersPromotionsByVersion(t *testing.T) {
	ctx := context.Background()
	log := New(memory.New().Audit(), WithClock(fixedClock()))
	promoted := func(id string, version int64) domain.AuditEvent {
		return domain.AuditEvent{
			Kind:      domain.EventPromoted,
			StagingID: id,
			Language:  "rust",
			SlotID:    "d2",
			Payload:   map[string]any{PayloadVersion: version},
		}
	}
	for _, ev := range []domain.AuditEvent{
		{Kind: domain.EventStagingCreated, StagingID: "stg-3", Language: "rust", SlotID: "d2"},
		promoted("stg-2", 2),
		{Kind: domain.EventSlotLocked, Language: "rust", SlotID: "d2"},
		promoted("stg-1", 1),
		{Kind: domain.EventPromoted, StagingID: "stg-9", Language: "rust", SlotID: "d3", Payload: map[string]any{PayloadVersion: int64(1)}},
	} {
		if _, err := log.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := log.ForSlot(ctx, domain.SlotKey{Language: "rust", SlotID: "d2"})
	if err != nil {
		t.Fatalf("ForSlot: %v", err)
	}
	var got []string
	for _, e := range events {
		got = append(got, string(e.Kind)+":"+e.StagingID)
	}
	want := []string{"StagingCreated:stg-3", "Promoted:stg-1", "SlotLocked:", "Promoted:stg-2"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("ForSlot order = %v, want %v", got, want)
	}

	only, err := log.ForSlot(ctx, domain.SlotKey{Language: "rust", SlotID: "d2"}, domain.EventPromoted)
	if err != nil {
		t.Fatalf("ForSlot: %v", err)
	}
	if len(only) != 2 || only[0].StagingID != "stg-1" || only[1].StagingID != "stg-2" {
		t.Fatalf("promoted events %+v", only)
	}
}
