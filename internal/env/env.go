// Package env composes the environment handed to spawned application
// processes.
package env

import (
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var ref = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Env holds the daemon-wide variables layered over the OS environment.
type Env struct {
	global []string

	once sync.Once
	base map[string]string
}

// New returns an Env with global "K=V" entries. Entries without '=' or with
// an empty key are ignored.
func New(global []string) *Env {
	return &Env{global: append([]string(nil), global...)}
}

func (e *Env) osBase() map[string]string {
	e.once.Do(func() {
		e.base = make(map[string]string)
		for _, kv := range os.Environ() {
			if k, v, ok := split(kv); ok {
				e.base[k] = v
			}
		}
	})
	return e.base
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

// Compose applies the global entries and then each layer in order, later
// keys winning, and returns only the overridden keys as sorted "K=V"
// entries. ${VAR} references resolve against the OS environment plus the
// overrides, one level deep; unknown references are kept verbatim.
func (e *Env) Compose(layers ...[]string) []string {
	set := make(map[string]string)
	apply := func(kvs []string) {
		for _, kv := range kvs {
			if k, v, ok := split(kv); ok {
				set[k] = v
			}
		}
	}
	if e != nil {
		apply(e.global)
	}
	for _, l := range layers {
		apply(l)
	}

	var base map[string]string
	if e != nil {
		base = e.osBase()
	}
	lookup := func(k string) (string, bool) {
		if v, ok := set[k]; ok {
			return v, true
		}
		v, ok := base[k]
		return v, ok
	}

	out := make([]string, 0, len(set))
	for k, v := range set {
		v = ref.ReplaceAllStringFunc(v, func(m string) string {
			if r, ok := lookup(m[2 : len(m)-1]); ok {
				return r
			}
			return m
		})
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
