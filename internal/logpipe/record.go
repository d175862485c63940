// Package logpipe buffers the child's output lines in a bounded queue and
// hands them to a consumer in batches on a fixed cadence.
package logpipe

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

// Source identifies which stream produced a record.
type Source int

const (
	SourceStdout Source = iota
	SourceStderr
	SourceSystem
)

func (s Source) String() string {
	switch s {
	case SourceStdout:
		return "stdout"
	case SourceStderr:
		return "stderr"
	case SourceSystem:
		return "system"
	default:
		return "unknown"
	}
}

func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Source) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stdout":
		*s = SourceStdout
	case "stderr":
		*s = SourceStderr
	case "system":
		*s = SourceSystem
	default:
		return fmt.Errorf("unknown log source %q", b)
	}
	return nil
}

// Record is one normalized output line.
type Record struct {
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Text   string    `json:"text"`
	Source Source    `json:"source"`
	// System marks records synthesized by the pipeline, such as eviction
	// notices, as opposed to child output.
	System bool `json:"system"`
	// Evicted is the number of lines this marker stands for.
	Evicted int `json:"evicted,omitempty"`
}

// Normalize replaces invalid UTF-8, strips terminal escape sequences and
// drops remaining control characters other than tab.
func Normalize(raw string) string {
	s := raw
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	s = ansi.Strip(s)
	if strings.IndexFunc(s, isControl) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isControl(r) {
			return -1
		}
		return r
	}, s)
}

func isControl(r rune) bool {
	return (r < 0x20 && r != '\t') || r == 0x7f
}
