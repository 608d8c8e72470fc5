package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/engine"
)

type fetcher map[string][]byte

func (f fetcher) Fetch(_ context.Context, hash string) (domain.Snippet, error) {
	src, ok := f[hash]
	if !ok {
		return domain.Snippet{}, &domain.UnknownContentError{Hash: hash}
	}
	return domain.Snippet{Hash: hash, Source: src}, nil
}

const factorialHash = "58b38b0d91ea1b4a0000000000000000000000000000000000000000000000ff"

func factorialRecord() (domain.StagingRecord, domain.PromotionEvent) {
	created := time.Date(2026, 2, 10, 8, 34, 12, 0, time.UTC)
	promoted := created.Add(1500 * time.Millisecond)
	rec := domain.StagingRecord{
		StagingID:   "stg-55ce4f44ddcf",
		ContentHash: factorialHash,
		Language:    "rust",
		Engine:      "RUST-d",
		SlotID:      "d2",
		Position:    2,
		Label:       "Factorial",
		CreatedAt:   created,
		SpecResult:  &domain.SpecResult{Status: domain.SpecStatusPass, Elapsed: 1446300 * time.Microsecond, VerifiedAt: promoted},
		PromotedAt:  &promoted,
	}
	return rec, domain.PromotionEvent{StagingID: rec.StagingID, ContentHash: factorialHash, PromotedAt: promoted, Version: 1}
}

func newWriter(t *testing.T, src fetcher) (*Writer, string) {
	t.Helper()
	engines, err := engine.DefaultCatalog(1)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	w, err := NewWriter(dir, engines, src)
	if err != nil {
		t.Fatal(err)
	}
	return w, dir
}

func TestWriteFactorialSnapshot(t *testing.T) {
	src := "fn main() {\n    println!(\"{}\", 3628800);\n}"
	w, dir := newWriter(t, fetcher{factorialHash: []byte(src)})
	rec, event := factorialRecord()

	path, err := w.Write(context.Background(), rec, event)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	wantPath := filepath.Join(dir, "rust", "d2_stg-55ce4f44ddcf_20260210T083413.rs")
	if path != wantPath {
		t.Fatalf("path = %s, want %s", path, wantPath)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := strings.Join([]string{
		"// " + rule,
		"//  " + title,
		"//  staging_id:  stg-55ce4f44ddcf",
		"//  language:    rust",
		"//  engine:      RUST (d)",
		"//  slot:        d2 (position 2)",
		"//  label:       Factorial",
		"//  code_hash:   58b38b0d91ea1b4a…",
		"//  created:     2026-02-10T08:34:12Z",
		"//  promoted:    2026-02-10T08:34:13Z",
		"//  spec_time:   1.4463s",
		"//  spec_result: PASS",
		"//  version:     1",
		"//  size:        42 B",
		"// " + rule,
		"",
		src,
		"",
	}, "\n")
	if diff := cmp.Diff(want, string(data)); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "rust"))
	if len(entries) != 1 {
		t.Fatalf("expected only the snapshot in the language dir, got %d entries", len(entries))
	}
}

func TestPythonUsesHashComments(t *testing.T) {
	rec, event := factorialRecord()
	rec.Language, rec.SlotID, rec.Engine = "python", "a1", "PYTHON-a"
	engines, _ := engine.DefaultCatalog(1)
	desc, pos, err := engines.ForSlot(rec.SlotKey())
	if err != nil {
		t.Fatal(err)
	}
	out := string(Render(rec, desc, pos, event, []byte("print(1)\n")))
	if !strings.HasPrefix(out, "# "+rule+"\n") || !strings.Contains(out, "#  slot:        a1 (position 1)\n") {
		t.Fatalf("unexpected header:\n%s", out)
	}
	if !strings.HasSuffix(out, "\n\nprint(1)\n") {
		t.Fatalf("source not appended verbatim:\n%s", out)
	}
	if got := FileName(rec, desc, event.PromotedAt); got != "a1_stg-55ce4f44ddcf_20260210T083413.py" {
		t.Fatalf("FileName = %s", got)
	}
}

func TestSecondPromotionAddsFile(t *testing.T) {
	w, dir := newWriter(t, fetcher{factorialHash: []byte("fn main() {}\n")})
	rec, event := factorialRecord()
	ctx := context.Background()
	if err := w.Promoted(ctx, rec, domain.Slot{}, event); err != nil {
		t.Fatal(err)
	}
	later := event
	later.PromotedAt = event.PromotedAt.Add(time.Hour)
	later.Version = 2
	if err := w.Promoted(ctx, rec, domain.Slot{}, later); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "rust"))
	if len(entries) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(entries))
	}
}

func TestWriteErrors(t *testing.T) {
	w, _ := newWriter(t, fetcher{})
	rec, event := factorialRecord()
	_, err := w.Write(context.Background(), rec, event)
	var unknown *domain.UnknownContentError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownContentError, got %v", err)
	}

	rec.SlotID = "z9"
	if _, err := w.Write(context.Background(), rec, event); !errors.As(err, new(*domain.InvalidSlotError)) {
		t.Fatalf("expected InvalidSlotError, got %v", err)
	}

	if _, err := NewWriter("", nil, nil); err == nil {
		t.Fatal("expected error for empty dir")
	}
}
