package env

import (
	"strings"
	"testing"
)

func FuzzOverlay(f *testing.F) {
	f.Add("A=1\nB=${A}-x\nA=2")
	f.Add("FOO=bar\nFOO=${FOO}${FOO}")
	f.Add("X=$Y\nY=${X}")
	f.Add("U=${\nV=}${}\n=skip")

	f.Fuzz(func(t *testing.T, input string) {
		pairs := strings.Split(input, "\n")
		if len(pairs) > 40 {
			pairs = pairs[:40]
		}
		o := New().WithLookup(func(string) (string, bool) { return "", false })
		o.SetPairs(pairs)

		want := map[string]string{}
		for _, kv := range pairs {
			if i := strings.IndexByte(kv, '='); i > 0 {
				want[kv[:i]] = kv[i+1:]
			}
		}

		seen := map[string]bool{}
		for _, kv := range o.List() {
			k, v, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				t.Fatalf("malformed entry %q", kv)
			}
			if seen[k] {
				t.Fatalf("duplicate key %q", k)
			}
			seen[k] = true
			raw, ok := want[k]
			if !ok {
				t.Fatalf("unexpected key %q", k)
			}
			if !strings.Contains(raw, "$") && v != raw {
				t.Fatalf("%s: literal value changed from %q to %q", k, raw, v)
			}
		}
		if len(seen) != len(want) {
			t.Fatalf("got %d keys, want %d", len(seen), len(want))
		}
	})
}
