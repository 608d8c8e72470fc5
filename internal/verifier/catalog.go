package verifier

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/animus-labs/snippet-marshal/internal/domain"
)

//go:embed builtin.yaml
var builtinSpecs []byte

type specKey struct {
	label    string
	language domain.Language
}

func keyOf(label string, language domain.Language) specKey {
	return specKey{label: strings.ToLower(strings.TrimSpace(label)), language: language.Normalized()}
}

// Catalog resolves expected specs. Specs loaded from a directory shadow the
// built-in set; a language-specific spec shadows a wildcard one.
type Catalog struct {
	mu      sync.RWMutex
	builtin map[specKey]Spec
	dir     map[specKey]Spec
}

func NewCatalog(builtin []Spec) (*Catalog, error) {
	m, err := index(builtin)
	if err != nil {
		return nil, err
	}
	return &Catalog{builtin: m, dir: map[specKey]Spec{}}, nil
}

// DefaultCatalog holds the embedded spec set.
func DefaultCatalog() (*Catalog, error) {
	specs, err := ParseSpecs(builtinSpecs)
	if err != nil {
		return nil, fmt.Errorf("builtin specs: %w", err)
	}
	return NewCatalog(specs)
}

func index(specs []Spec) (map[specKey]Spec, error) {
	out := make(map[specKey]Spec, len(specs))
	for _, s := range specs {
		k := keyOf(s.Label, s.Language)
		if _, dup := out[k]; dup {
			return nil, fmt.Errorf("duplicate spec for %q/%s", s.Label, s.Language)
		}
		out[k] = s
	}
	return out, nil
}

func (c *Catalog) Lookup(label string, language domain.Language) (Spec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, k := range []specKey{keyOf(label, language), keyOf(label, AnyLanguage)} {
		if s, ok := c.dir[k]; ok {
			return s, true
		}
		if s, ok := c.builtin[k]; ok {
			return s, true
		}
	}
	return Spec{}, false
}

// List returns the effective specs ordered by label then language.
func (c *Catalog) List() []Spec {
	c.mu.RLock()
	merged := make(map[specKey]Spec, len(c.builtin)+len(c.dir))
	for k, s := range c.builtin {
		merged[k] = s
	}
	for k, s := range c.dir {
		merged[k] = s
	}
	c.mu.RUnlock()

	out := make([]Spec, 0, len(merged))
	for _, s := range merged {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].Language < out[j].Language
	})
	return out
}

// LoadDir replaces the directory layer with every *.yaml / *.yml file in dir.
// On error the previous layer is kept.
func (c *Catalog) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read spec dir: %w", err)
	}
	var all []Spec
	for _, e := range entries {
		if e.IsDir() || !isSpecFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", path, err)
		}
		specs, err := ParseSpecs(data)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
		all = append(all, specs...)
	}
	m, err := index(all)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.dir = m
	c.mu.Unlock()
	return len(m), nil
}

func isSpecFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

// Watch reloads dir whenever a spec file changes until ctx is done.
// Bursts of events are coalesced.
func (c *Catalog) Watch(ctx context.Context, dir string, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("spec watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	go c.watchLoop(ctx, w, dir, logger)
	return nil
}

const reloadDebounce = 100 * time.Millisecond

func (c *Catalog) watchLoop(ctx context.Context, w *fsnotify.Watcher, dir string, logger *slog.Logger) {
	defer w.Close()
	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !isSpecFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(reloadDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				logger.Warn("spec watcher error", "dir", dir, "error", err)
				continue
			}
			timer.Reset(reloadDebounce)
		case <-timer.C:
			n, err := c.LoadDir(dir)
			if err != nil {
				logger.Error("spec reload failed; keeping previous specs", "dir", dir, "error", err)
				continue
			}
			logger.Info("specs reloaded", "dir", dir, "count", n)
		}
	}
}
