package verifier

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/animus-labs/snippet-marshal/internal/domain"
)

const (
	SchemaV1 = "marshal.spec.v1"

	// AnyLanguage makes a spec apply to every language lacking a specific one.
	AnyLanguage domain.Language = "*"
)

type CheckType string

const (
	CheckStdoutEquals   CheckType = "stdout_equals"
	CheckStdoutContains CheckType = "stdout_contains"
	CheckStdoutRegex    CheckType = "stdout_regex"
	CheckStdoutLines    CheckType = "stdout_lines"
	CheckMaxElapsed     CheckType = "max_elapsed"
)

type Check struct {
	Type  CheckType `yaml:"type" json:"type"`
	Value string    `yaml:"value,omitempty" json:"value,omitempty"`
	Lines []string  `yaml:"lines,omitempty" json:"lines,omitempty"`

	re  *regexp.Regexp
	max time.Duration
}

// Spec is the expected behaviour of a snippet identified by (label, language).
type Spec struct {
	Label       string          `yaml:"label" json:"label"`
	Language    domain.Language `yaml:"language" json:"language"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
	Checks      []Check         `yaml:"checks" json:"checks"`
}

type specFile struct {
	Schema string `yaml:"schema"`
	Specs  []Spec `yaml:"specs"`
}

// ParseSpecs decodes and compiles a spec document.
func ParseSpecs(data []byte) ([]Spec, error) {
	var doc specFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode specs: %w", err)
	}
	if doc.Schema != SchemaV1 {
		return nil, fmt.Errorf("unsupported spec schema %q (want %s)", doc.Schema, SchemaV1)
	}
	for i := range doc.Specs {
		if err := doc.Specs[i].compile(); err != nil {
			return nil, fmt.Errorf("spec %d: %w", i, err)
		}
	}
	return doc.Specs, nil
}

func (s *Spec) compile() error {
	var v domain.ValidationError
	s.Label = strings.TrimSpace(s.Label)
	s.Language = s.Language.Normalized()
	if s.Label == "" {
		v.Add("label is required")
	}
	if s.Language == "" {
		v.Add(fmt.Sprintf("%s: language is required (use %q for any)", s.Label, AnyLanguage))
	}
	if len(s.Checks) == 0 {
		v.Add(fmt.Sprintf("%s: at least one check is required", s.Label))
	}
	for i := range s.Checks {
		if err := s.Checks[i].compile(); err != nil {
			v.Add(fmt.Sprintf("%s: check %d: %v", s.Label, i, err))
		}
	}
	return v.OrNil()
}

func (c *Check) compile() error {
	switch c.Type {
	case CheckStdoutEquals, CheckStdoutContains:
		if c.Type == CheckStdoutContains && c.Value == "" {
			return fmt.Errorf("%s needs a value", c.Type)
		}
	case CheckStdoutRegex:
		re, err := regexp.Compile(c.Value)
		if err != nil {
			return fmt.Errorf("regex: %w", err)
		}
		c.re = re
	case CheckStdoutLines:
		if len(c.Lines) == 0 {
			return fmt.Errorf("%s needs lines", c.Type)
		}
	case CheckMaxElapsed:
		d, err := time.ParseDuration(c.Value)
		if err != nil || d <= 0 {
			return fmt.Errorf("max_elapsed needs a positive duration, got %q", c.Value)
		}
		c.max = d
	default:
		return fmt.Errorf("unknown check type %q", c.Type)
	}
	return nil
}

// evaluate returns an empty string when the check holds, otherwise why not.
func (c Check) evaluate(stdout string, elapsed time.Duration) string {
	switch c.Type {
	case CheckStdoutEquals:
		want := canonicalOutput(c.Value)
		if stdout != want {
			return fmt.Sprintf("expected stdout %q, got %q", want, clip(stdout, 200))
		}
	case CheckStdoutContains:
		if !strings.Contains(stdout, c.Value) {
			return fmt.Sprintf("stdout does not contain %q", c.Value)
		}
	case CheckStdoutRegex:
		if !c.re.MatchString(stdout) {
			return fmt.Sprintf("stdout does not match /%s/", c.Value)
		}
	case CheckStdoutLines:
		got := outputLines(stdout)
		if diff := cmp.Diff(c.Lines, got); diff != "" {
			return "stdout lines differ (-want +got):\n" + diff
		}
	case CheckMaxElapsed:
		if elapsed > c.max {
			return fmt.Sprintf("elapsed %s exceeds %s", elapsed, c.max)
		}
	}
	return ""
}

// canonicalOutput unifies line endings and drops surrounding whitespace.
func canonicalOutput(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(s)
}

func outputLines(stdout string) []string {
	if stdout == "" {
		return []string{}
	}
	lines := strings.Split(stdout, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t\r")
	}
	return lines
}

// clip makes s storable as text: invalid UTF-8 is replaced, NUL bytes are
// dropped and the result is cut to at most n bytes on a rune boundary.
func clip(s string, n int) string {
	s = strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
	if len(s) <= n {
		return s
	}
	i := n
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i] + "…"
}
