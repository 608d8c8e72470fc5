package engine

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/animus-labs/snippet-marshal/internal/domain"
	"gopkg.in/yaml.v3"
)

// Catalog is the immutable set of known engines, indexed by letter.
type Catalog struct {
	byLetter map[string]Descriptor
	ordered  []Descriptor
}

func NewCatalog(descriptors []Descriptor) (*Catalog, error) {
	c := &Catalog{byLetter: make(map[string]Descriptor, len(descriptors))}
	var v domain.ValidationError
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			v.Add(err.Error())
			continue
		}
		if prev, ok := c.byLetter[d.Letter]; ok {
			v.Add(fmt.Sprintf("letter %q used by both %s and %s", d.Letter, prev.Name, d.Name))
			continue
		}
		c.byLetter[d.Letter] = d
		c.ordered = append(c.ordered, d)
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}
	sort.Slice(c.ordered, func(i, j int) bool { return c.ordered[i].Letter < c.ordered[j].Letter })
	return c, nil
}

// DefaultCatalog returns the built-in catalog with workers per engine applied.
func DefaultCatalog(workers int) (*Catalog, error) {
	list := Defaults()
	if workers > 0 {
		for i := range list {
			list[i].Workers = workers
		}
	}
	return NewCatalog(list)
}

func (c *Catalog) List() []Descriptor {
	return append([]Descriptor(nil), c.ordered...)
}

func (c *Catalog) ByLetter(letter string) (Descriptor, bool) {
	d, ok := c.byLetter[letter]
	return d, ok
}

// Resolve validates a (language, engine) pair. engine may be the full id
// ("RUST-d", case-insensitive) or the bare letter.
func (c *Catalog) Resolve(language domain.Language, engineID domain.EngineID) (Descriptor, error) {
	lang := language.Normalized()
	raw := strings.TrimSpace(string(engineID))
	letter := raw
	if i := strings.LastIndex(raw, "-"); i >= 0 {
		letter = raw[i+1:]
	}
	d, ok := c.byLetter[letter]
	if !ok || (raw != letter && !strings.EqualFold(raw, string(d.ID()))) {
		return Descriptor{}, &domain.InvalidEngineError{Language: lang, Engine: engineID, Reason: "unknown engine"}
	}
	if d.Language != lang {
		return Descriptor{}, &domain.InvalidEngineError{Language: lang, Engine: engineID, Reason: fmt.Sprintf("engine runs %s", d.Language)}
	}
	if !d.Enabled {
		return Descriptor{}, &domain.InvalidEngineError{Language: lang, Engine: engineID, Reason: "engine disabled"}
	}
	return d, nil
}

// ForSlot resolves the engine that owns a slot of language.
func (c *Catalog) ForSlot(key domain.SlotKey) (Descriptor, int, error) {
	letter, _, err := domain.ParseSlotID(key.SlotID)
	if err != nil {
		return Descriptor{}, 0, &domain.InvalidSlotError{Language: key.Language, SlotID: key.SlotID, Reason: err.Error()}
	}
	d, ok := c.byLetter[letter]
	if !ok || d.Language != key.Language.Normalized() {
		return Descriptor{}, 0, &domain.InvalidSlotError{Language: key.Language, SlotID: key.SlotID, Reason: "no engine of this language owns the slot letter"}
	}
	pos, err := d.SlotPosition(key.SlotID)
	if err != nil {
		return Descriptor{}, 0, err
	}
	return d, pos, nil
}

// DeclaredSlots lists every slot the catalog pre-declares.
func (c *Catalog) DeclaredSlots() []domain.SlotKey {
	out := make([]domain.SlotKey, 0)
	for _, d := range c.ordered {
		for _, p := range d.DeclareSlots {
			out = append(out, domain.SlotKey{Language: d.Language, SlotID: domain.FormatSlotID(d.Letter, p)})
		}
	}
	return out
}

type fileEngine struct {
	Name          string            `yaml:"name"`
	Letter        string            `yaml:"letter"`
	Language      string            `yaml:"language"`
	Filename      string            `yaml:"filename"`
	Extension     string            `yaml:"extension"`
	CommentPrefix string            `yaml:"comment_prefix"`
	Image         string            `yaml:"image"`
	Command       []string          `yaml:"command"`
	Env           map[string]string `yaml:"env"`
	Enabled       *bool             `yaml:"enabled"`
	Workers       *int              `yaml:"workers"`
	MaxSlots      *int              `yaml:"max_slots"`
	DeclareSlots  []int             `yaml:"declare_slots"`
	Normalize     *NormalizeRules   `yaml:"normalize"`
}

type fileCatalog struct {
	// ReplaceDefaults drops the built-in engines instead of merging over them.
	ReplaceDefaults bool         `yaml:"replace_defaults"`
	Workers         int          `yaml:"workers"`
	Engines         []fileEngine `yaml:"engines"`
}

// ParseCatalog merges YAML engine definitions over the built-in catalog.
// Entries match built-ins by letter; unknown letters add new engines.
func ParseCatalog(data []byte, workers int) (*Catalog, error) {
	var file fileCatalog
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse engine catalog: %w", err)
	}
	if file.Workers > 0 {
		workers = file.Workers
	}

	var base []Descriptor
	if !file.ReplaceDefaults {
		base = Defaults()
	}
	if workers > 0 {
		for i := range base {
			base[i].Workers = workers
		}
	}
	index := make(map[string]int, len(base))
	for i, d := range base {
		index[d.Letter] = i
	}

	for _, fe := range file.Engines {
		if fe.Letter == "" {
			return nil, errors.New("parse engine catalog: every engine needs a letter")
		}
		i, ok := index[fe.Letter]
		if !ok {
			d := Descriptor{Enabled: true, Workers: workers, MaxSlots: domain.DefaultMaxSlots}
			if d.Workers < 1 {
				d.Workers = 1
			}
			base = append(base, d)
			i = len(base) - 1
			index[fe.Letter] = i
		}
		fe.apply(&base[i])
	}
	return NewCatalog(base)
}

func LoadCatalogFile(path string, workers int) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine catalog: %w", err)
	}
	return ParseCatalog(data, workers)
}

func (fe fileEngine) apply(d *Descriptor) {
	d.Letter = fe.Letter
	if fe.Name != "" {
		d.Name = fe.Name
	}
	if fe.Language != "" {
		d.Language = domain.Language(fe.Language).Normalized()
	}
	if fe.Filename != "" {
		d.Filename = fe.Filename
	}
	if fe.Extension != "" {
		d.Extension = fe.Extension
	}
	if fe.CommentPrefix != "" {
		d.CommentPrefix = fe.CommentPrefix
	}
	if fe.Image != "" {
		d.Image = fe.Image
	}
	if len(fe.Command) > 0 {
		d.Command = fe.Command
	}
	if fe.Env != nil {
		d.Env = fe.Env
	}
	if fe.Enabled != nil {
		d.Enabled = *fe.Enabled
	}
	if fe.Workers != nil {
		d.Workers = *fe.Workers
	}
	if fe.MaxSlots != nil {
		d.MaxSlots = *fe.MaxSlots
	}
	if fe.DeclareSlots != nil {
		d.DeclareSlots = fe.DeclareSlots
	}
	if fe.Normalize != nil {
		d.Normalize = *fe.Normalize
	}
	if d.CommentPrefix == "" {
		d.CommentPrefix = "#"
	}
}
