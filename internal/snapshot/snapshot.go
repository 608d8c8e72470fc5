// Package snapshot writes promoted snippets to disk as annotated source files.
//
// Each promotion produces <dir>/<language>/<slot>_<staging_id>_<YYYYMMDDTHHMMSS>.<ext>.
// Files are never rewritten; a later promotion to the same slot adds a new file.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/engine"
)

const (
	rule        = "═══════════════════════════════════════════════════════"
	title       = "Snippet Marshal: PROMOTED TO PRODUCTION"
	stampLayout = "20060102T150405"
	headLayout  = "2006-01-02T15:04:05Z"
	hashPrefix  = 16
)

type ContentFetcher interface {
	Fetch(ctx context.Context, hash string) (domain.Snippet, error)
}

type Writer struct {
	dir     string
	engines *engine.Catalog
	content ContentFetcher
}

func NewWriter(dir string, engines *engine.Catalog, content ContentFetcher) (*Writer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("snapshot dir is required")
	}
	if engines == nil || content == nil {
		return nil, errors.New("snapshot writer needs an engine catalog and a content store")
	}
	return &Writer{dir: dir, engines: engines, content: content}, nil
}

// Promoted implements promotion.Observer.
func (w *Writer) Promoted(ctx context.Context, rec domain.StagingRecord, _ domain.Slot, event domain.PromotionEvent) error {
	_, err := w.Write(ctx, rec, event)
	return err
}

// Write renders the snapshot and returns its path.
func (w *Writer) Write(ctx context.Context, rec domain.StagingRecord, event domain.PromotionEvent) (string, error) {
	desc, pos, err := w.engines.ForSlot(rec.SlotKey())
	if err != nil {
		return "", err
	}
	snippet, err := w.content.Fetch(ctx, rec.ContentHash)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rec.ContentHash, err)
	}

	langDir := filepath.Join(w.dir, string(rec.Language))
	if err := os.MkdirAll(langDir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	name := FileName(rec, desc, event.PromotedAt)
	path := filepath.Join(langDir, name)

	body := Render(rec, desc, pos, event, snippet.Source)
	tmp, err := os.CreateTemp(langDir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", fmt.Errorf("chmod snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("publish snapshot: %w", err)
	}
	return path, nil
}

func FileName(rec domain.StagingRecord, desc engine.Descriptor, promotedAt time.Time) string {
	ext := strings.TrimPrefix(desc.Extension, ".")
	if ext == "" {
		ext = "txt"
	}
	return fmt.Sprintf("%s_%s_%s.%s", rec.SlotID, rec.StagingID, promotedAt.UTC().Format(stampLayout), ext)
}

// Render returns the comment header followed by the source.
func Render(rec domain.StagingRecord, desc engine.Descriptor, position int, event domain.PromotionEvent, source []byte) []byte {
	prefix := desc.CommentPrefix
	if prefix == "" {
		prefix = "#"
	}
	hash := rec.ContentHash
	if len(hash) > hashPrefix {
		hash = hash[:hashPrefix] + "…"
	}
	var (
		elapsed time.Duration
		status  domain.SpecStatus
	)
	if rec.SpecResult != nil {
		elapsed = rec.SpecResult.Elapsed
		status = rec.SpecResult.Status
	}

	var b bytes.Buffer
	line := func(format string, args ...any) {
		b.WriteString(prefix)
		fmt.Fprintf(&b, format, args...)
		b.WriteByte('\n')
	}
	line(" %s", rule)
	line("  %s", title)
	line("  staging_id:  %s", rec.StagingID)
	line("  language:    %s", rec.Language)
	line("  engine:      %s", desc.Display())
	line("  slot:        %s (position %d)", rec.SlotID, position)
	line("  label:       %s", rec.Label)
	line("  code_hash:   %s", hash)
	line("  created:     %s", rec.CreatedAt.UTC().Format(headLayout))
	line("  promoted:    %s", event.PromotedAt.UTC().Format(headLayout))
	line("  spec_time:   %.4fs", elapsed.Seconds())
	line("  spec_result: %s", status)
	line("  version:     %d", event.Version)
	line("  size:        %s", humanize.IBytes(uint64(len(source))))
	line(" %s", rule)
	b.WriteByte('\n')
	b.Write(source)
	if len(source) > 0 && source[len(source)-1] != '\n' {
		b.WriteByte('\n')
	}
	return b.Bytes()
}
