// Package env composes the environment handed to the supervised child.
package env

import (
	"os"
	"sort"
	"strings"
)

// Env is an immutable environment builder. The zero value has an empty base.
type Env struct {
	base map[string]string
	vars map[string]string
}

// New returns an Env whose base is the supervisor's own environment when
// inherit is true, and empty otherwise.
func New(inherit bool) *Env {
	e := &Env{base: map[string]string{}, vars: map[string]string{}}
	if inherit {
		for k, v := range parse(os.Environ()) {
			e.base[k] = v
		}
	}
	return e
}

// WithSet returns a copy of e with K=V applied on top of the base.
func (e *Env) WithSet(k, v string) *Env {
	out := &Env{base: e.base, vars: make(map[string]string, len(e.vars)+1)}
	for kk, vv := range e.vars {
		out.vars[kk] = vv
	}
	if k != "" {
		out.vars[k] = v
	}
	return out
}

// Merge layers base, then values from WithSet, then extra "K=V" entries, and
// expands ${VAR} references against the composed map. Entries without '=' or
// with an empty key are dropped. The result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	m := make(map[string]string, len(e.base)+len(e.vars)+len(extra))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parse(extra) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// expand replaces ${VAR} with its value from m; unknown references are kept
// verbatim. Expansion is single-pass, so values are never re-expanded.
func expand(s string, m map[string]string) string {
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
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}

func parse(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}
