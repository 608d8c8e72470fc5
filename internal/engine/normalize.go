package engine

import (
	"bytes"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeRules tune the canonical form for one engine.
type NormalizeRules struct {
	// KeepTrailingWhitespace leaves spaces and tabs at line ends untouched.
	KeepTrailingWhitespace bool `yaml:"keep_trailing_whitespace" json:"keep_trailing_whitespace"`
	// TabWidth > 0 expands tabs in leading indentation to that many spaces.
	TabWidth int `yaml:"tab_width" json:"tab_width"`
}

var bom = []byte("\uFEFF")

// Normalize returns the canonical bytes that get hashed. It is deterministic
// and idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(rules NormalizeRules, src []byte) []byte {
	for bytes.HasPrefix(src, bom) {
		src = src[len(bom):]
	}
	text := strings.ReplaceAll(string(src), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if rules.TabWidth > 0 {
			line = expandIndent(line, rules.TabWidth)
		}
		if !rules.KeepTrailingWhitespace {
			line = strings.TrimRight(line, " \t\f\v")
		}
		lines[i] = line
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return []byte{}
	}
	out := strings.Join(lines, "\n") + "\n"
	return norm.NFC.Bytes([]byte(out))
}

func expandIndent(line string, width int) string {
	end := 0
	for end < len(line) && (line[end] == ' ' || line[end] == '\t') {
		end++
	}
	if !strings.Contains(line[:end], "\t") {
		return line
	}
	indent := strings.ReplaceAll(line[:end], "\t", strings.Repeat(" ", width))
	return indent + line[end:]
}
