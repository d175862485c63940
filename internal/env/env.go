// Package env builds the extra environment handed to the child. Entries are
// layered over the launcher's own environment and may reference earlier
// entries or OS variables as ${VAR}.
package env

import (
	"os"
	"path/filepath"
	"strings"
)

// Overlay is an ordered set of variables. Later Sets override earlier ones
// but keep the key's first-seen position.
type Overlay struct {
	keys   []string
	vals   map[string]string
	lookup func(string) (string, bool)
}

func New() *Overlay {
	return &Overlay{vals: make(map[string]string), lookup: os.LookupEnv}
}

// WithLookup replaces the OS lookup used for ${VAR} references.
func (o *Overlay) WithLookup(fn func(string) (string, bool)) *Overlay {
	o.lookup = fn
	return o
}

// Set stores k=v after expanding ${VAR} in v. An empty key is ignored.
func (o *Overlay) Set(k, v string) {
	if k == "" {
		return
	}
	if _, ok := o.vals[k]; !ok {
		o.keys = append(o.keys, k)
	}
	o.vals[k] = o.expand(v)
}

// SetPairs applies "K=V" entries in order, skipping malformed ones.
func (o *Overlay) SetPairs(kvs []string) {
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			o.Set(kv[:i], kv[i+1:])
		}
	}
}

// LoadFile applies the entries of a .env file.
func (o *Overlay) LoadFile(path string) error {
	pairs, err := ParseFile(path)
	if err != nil {
		return err
	}
	for _, kv := range pairs {
		o.Set(kv[0], kv[1])
	}
	return nil
}

// List returns the overlay as "K=V" in first-seen key order.
func (o *Overlay) List() []string {
	out := make([]string, 0, len(o.keys))
	for _, k := range o.keys {
		out = append(out, k+"="+o.vals[k])
	}
	return out
}

// expand resolves ${VAR} against the overlay first, then the OS. Unknown
// names expand to "". Expansion is single pass, so values never recurse.
func (o *Overlay) expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		name := s[i+2 : i+2+j]
		if v, ok := o.vals[name]; ok {
			b.WriteString(v)
		} else if o.lookup != nil {
			v, _ := o.lookup(name)
			b.WriteString(v)
		}
		s = s[i+3+j:]
	}
}

// ParseFile reads KEY=VALUE lines (no export, no quotes). Blank lines and
// lines starting with # are skipped, as are lines without a key.
func ParseFile(path string) ([][2]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	var out [][2]string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i > 0 {
			out = append(out, [2]string{strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:])})
		}
	}
	return out, nil
}
