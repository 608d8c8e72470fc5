package engine

import (
	"fmt"
	"strings"

	"github.com/animus-labs/snippet-marshal/internal/domain"
)

// Descriptor is a stateless description of one runtime variant.
type Descriptor struct {
	Name     string          `yaml:"name" json:"name"`
	Letter   string          `yaml:"letter" json:"letter"`
	Language domain.Language `yaml:"language" json:"language"`
	// Filename is the source file written into the scratch area.
	Filename      string `yaml:"filename" json:"filename"`
	Extension     string `yaml:"extension" json:"extension"`
	CommentPrefix string `yaml:"comment_prefix" json:"comment_prefix"`
	Image         string `yaml:"image" json:"image,omitempty"`
	// Command runs inside the scratch directory.
	Command      []string          `yaml:"command" json:"command"`
	Env          map[string]string `yaml:"env" json:"env,omitempty"`
	Enabled      bool              `yaml:"enabled" json:"enabled"`
	Workers      int               `yaml:"workers" json:"workers"`
	MaxSlots     int               `yaml:"max_slots" json:"max_slots"`
	DeclareSlots []int             `yaml:"declare_slots" json:"declare_slots,omitempty"`
	Normalize    NormalizeRules    `yaml:"normalize" json:"normalize"`
}

func (d Descriptor) ID() domain.EngineID {
	return domain.EngineID(strings.ToUpper(d.Name) + "-" + d.Letter)
}

// Display renders the engine the way snapshot headers show it: "RUST (d)".
func (d Descriptor) Display() string {
	return fmt.Sprintf("%s (%s)", strings.ToUpper(d.Name), d.Letter)
}

func (d Descriptor) Validate() error {
	var v domain.ValidationError
	if strings.TrimSpace(d.Name) == "" {
		v.Add("name is required")
	}
	if len(d.Letter) != 1 || d.Letter < "a" || d.Letter > "z" {
		v.Add(fmt.Sprintf("%s: letter must be a single lower-case character", d.Name))
	}
	if d.Language.Normalized() == "" || d.Language.Normalized() != d.Language {
		v.Add(fmt.Sprintf("%s: language must be lower-case and non-empty", d.Name))
	}
	if strings.TrimSpace(d.Filename) == "" {
		v.Add(fmt.Sprintf("%s: filename is required", d.Name))
	}
	if len(d.Command) == 0 {
		v.Add(fmt.Sprintf("%s: command is required", d.Name))
	}
	if d.Workers < 1 {
		v.Add(fmt.Sprintf("%s: workers must be >= 1", d.Name))
	}
	if d.MaxSlots < 1 {
		v.Add(fmt.Sprintf("%s: max_slots must be >= 1", d.Name))
	}
	for _, p := range d.DeclareSlots {
		if p < 1 || p > d.MaxSlots {
			v.Add(fmt.Sprintf("%s: declared slot %d outside 1..%d", d.Name, p, d.MaxSlots))
		}
	}
	return v.OrNil()
}

// SlotPosition checks that slotID belongs to this engine and returns its position.
func (d Descriptor) SlotPosition(slotID string) (int, error) {
	letter, pos, err := domain.ParseSlotID(slotID)
	if err != nil {
		return 0, &domain.InvalidSlotError{Language: d.Language, SlotID: slotID, Reason: err.Error()}
	}
	if letter != d.Letter {
		return 0, &domain.InvalidSlotError{
			Language: d.Language,
			SlotID:   slotID,
			Reason:   fmt.Sprintf("slot letter %q does not match engine %s", letter, d.ID()),
		}
	}
	if pos > d.MaxSlots {
		return 0, &domain.InvalidSlotError{
			Language: d.Language,
			SlotID:   slotID,
			Reason:   fmt.Sprintf("position %d exceeds max_slots %d", pos, d.MaxSlots),
		}
	}
	return pos, nil
}
