// Package env composes the environment handed to the cloudflared subprocess.
package env

import (
	"os"
	"sort"
	"strings"
)

type Vars map[string]string

// Env layers configured overrides on top of a base environment.
type Env struct {
	Overrides Vars
	base      Vars
}

func New(overrides Vars) *Env {
	e := &Env{Overrides: make(Vars, len(overrides))}
	for k, v := range overrides {
		e.Set(k, v)
	}
	return e
}

// FromOS snapshots the current process environment as the base layer.
func (e *Env) FromOS() *Env {
	e.base = Parse(os.Environ())
	return e
}

// WithBase replaces the base layer; used by tests to avoid the real environment.
func (e *Env) WithBase(base Vars) *Env {
	e.base = make(Vars, len(base))
	for k, v := range base {
		if k != "" {
			e.base[k] = v
		}
	}
	return e
}

// Set records an override. Empty keys are ignored.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	if e.Overrides == nil {
		e.Overrides = make(Vars)
	}
	e.Overrides[k] = v
}

// Environ returns the composed environment in sorted "K=V" form. Override values
// may reference other variables with ${VAR}; references resolve against the base
// layer plus the other overrides, single pass, unknown names become empty.
func (e *Env) Environ() []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Vars, len(e.base)+len(e.Overrides))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Overrides {
		m[k] = v
	}
	resolved := make(Vars, len(e.Overrides))
	for k, v := range e.Overrides {
		resolved[k] = expand(v, m)
	}
	for k, v := range resolved {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Parse splits "K=V" pairs, skipping malformed entries.
func Parse(kvs []string) Vars {
	m := make(Vars, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// expand only honours the braced form so cloudflared flags containing a bare $
// pass through untouched.
func expand(s string, m Vars) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
