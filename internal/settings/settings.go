// Package settings persists the launch configuration in a flat, line-oriented
// text file:
//
//	line 1: executable path
//	line 2: profile
//	line 3: port
//
// Files written by older launchers carry an "AUTO_START=..." line in second
// position; Load skips it and shifts the remaining fields down.
package settings

import (
	"bufio"
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/loykin/bootvisor/internal/fault"
)

const legacyAutoStartPrefix = "AUTO_START="

// Config is the launch configuration. Empty strings mean "not set".
type Config struct {
	ExecutablePath string `json:"executable_path"`
	Port           string `json:"port,omitempty"`
	Profile        string `json:"profile,omitempty"`
}

// HasExecutable reports whether ExecutablePath names an existing regular file.
func (c Config) HasExecutable() bool {
	if strings.TrimSpace(c.ExecutablePath) == "" {
		return false
	}
	fi, err := os.Stat(c.ExecutablePath)
	return err == nil && !fi.IsDir()
}

// Store reads and writes Config to a single file. Load and Save are
// serialized so concurrent callers never observe a half-written file.
type Store struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// DefaultPath returns <user config dir>/bootvisor/settings.txt.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "bootvisor", "settings.txt")
}

func NewStore(path string, logger *slog.Logger) *Store {
	if path == "" {
		path = DefaultPath()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{path: path, logger: logger}
}

func (s *Store) Path() string { return s.path }

// Load returns the stored Config. A missing file yields a zero Config and no
// error. Any read failure yields a zero Config together with a non-fatal
// ConfigParseDefaulted error.
func (s *Store) Load() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		s.logger.Info("settings unreadable, using defaults", "path", s.path, "error", err)
		return Config{}, fault.New(fault.KindConfigParseDefaulted, "settings load", err)
	}
	cfg, err := Parse(b)
	if err != nil {
		s.logger.Info("settings malformed, using defaults", "path", s.path, "error", err)
		return Config{}, fault.New(fault.KindConfigParseDefaulted, "settings load", err)
	}
	return cfg, nil
}

// Save writes cfg in canonical order. The file is replaced atomically.
func (s *Store) Save(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(Format(cfg)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Format renders cfg in the canonical three-line layout.
func Format(cfg Config) []byte {
	var buf bytes.Buffer
	buf.WriteString(oneLine(cfg.ExecutablePath))
	buf.WriteByte('\n')
	buf.WriteString(oneLine(cfg.Profile))
	buf.WriteByte('\n')
	buf.WriteString(oneLine(cfg.Port))
	buf.WriteByte('\n')
	return buf.Bytes()
}

// Parse decodes the flat representation. Trailing lines may be missing.
// The only error is invalid UTF-8 content.
func Parse(b []byte) (Config, error) {
	b = bytes.TrimPrefix(b, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(b) {
		return Config{}, errors.New("settings file is not valid UTF-8")
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}
	if err := sc.Err(); err != nil {
		return Config{}, err
	}
	at := func(i int) string {
		if i < len(lines) {
			return lines[i]
		}
		return ""
	}

	var cfg Config
	cfg.ExecutablePath = at(0)
	if isLegacyAutoStart(at(1)) {
		cfg.Profile = at(2)
		cfg.Port = at(3)
	} else {
		cfg.Profile = at(1)
		cfg.Port = at(2)
	}
	return cfg, nil
}

func isLegacyAutoStart(line string) bool {
	return len(line) >= len(legacyAutoStartPrefix) &&
		strings.EqualFold(line[:len(legacyAutoStartPrefix)], legacyAutoStartPrefix)
}

// oneLine keeps a value from spilling into the next field.
func oneLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return s
}
