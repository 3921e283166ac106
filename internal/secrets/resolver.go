// Package secrets resolves secret references used in sandbox configuration
// and keeps resolved values out of log output.
package secrets

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Resolver resolves secret references to their values.
type Resolver interface {
	// Resolve looks up a secret reference and returns its value.
	// The ref format depends on the implementation (e.g., "env(VAR_NAME)").
	Resolve(ctx context.Context, ref string) (string, error)
}

// IsRef reports whether v is a reference of the form "name(...)" rather than a literal.
func IsRef(v string) bool {
	open := strings.IndexByte(v, '(')
	return open > 0 && strings.HasSuffix(v, ")") && !strings.ContainsAny(v[:open], " =/")
}

// ResolveMap resolves every reference value in env, leaving literals untouched.
// It returns the resolved map and the list of values that came from references,
// which callers register with a RedactFilter.
func ResolveMap(ctx context.Context, r Resolver, env map[string]string) (map[string]string, []string, error) {
	out := make(map[string]string, len(env))
	var resolved []string

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := env[k]
		if !IsRef(v) {
			out[k] = v
			continue
		}
		val, err := r.Resolve(ctx, v)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve %s: %w", k, err)
		}
		out[k] = val
		resolved = append(resolved, val)
	}
	return out, resolved, nil
}
