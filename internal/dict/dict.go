// Package dict implements the table/map stack used for transport tables,
// canonical maps, and other address-to-value lookups.
//
// A Map exposes a uniform Lookup, distinguishing "not found" from
// "transient failure" (ErrTryAgain): callers MUST treat ErrTryAgain as a
// request to retry the whole higher-level operation later, never as a
// license to guess. Maps compose: Pipeline chains them, Union merges them,
// and Debug wraps any of them with tracing, mirroring the way
// internal/aliases layers file parsing, hooks, and recursive resolution
// into one Resolver.
package dict

import (
	"context"
	"errors"
	"strings"
)

// ErrTryAgain is returned by Lookup when the failure is transient (a
// timeout, a lock held by someone else, a backend that's temporarily
// unreachable). It is distinct from a plain "not found", which Lookup
// signals by returning found=false with a nil error.
var ErrTryAgain = errors.New("dict: lookup failed transiently, try again")

// Map is the uniform interface every table/map backend implements.
type Map interface {
	// Lookup returns the value associated with key. found is false (and err
	// is nil) when the key is simply absent. A transient failure is
	// reported as err == ErrTryAgain (found is meaningless in that case).
	Lookup(ctx context.Context, key string) (value string, found bool, err error)

	// Name identifies the map for logging and the Debug wrapper.
	Name() string
}

// Updater is implemented by Maps that support writes.
type Updater interface {
	Map
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Iterable is implemented by Maps that can enumerate their contents.
type Iterable interface {
	Map
	Iterate(ctx context.Context, f func(key, value string) error) error
}

// Static always returns the same value, regardless of key — used for
// "default transport" style configuration entries.
type Static struct {
	Value string
}

func (s *Static) Name() string { return "static" }

func (s *Static) Lookup(ctx context.Context, key string) (string, bool, error) {
	return s.Value, true, nil
}

// Inline is a read-only in-memory table parsed from the compact textual
// syntax "{k1=v1, k2=v2}", with balanced-brace quoting so a value may itself
// contain commas or braces as long as they nest.
//
// This generalizes aliases.parseRHS's comma-split, which has no quoting at
// all; Inline adds just enough (brace balancing) to let a value contain "{"
// and "}" verbatim, per spec.md §4.B.
type Inline struct {
	name string
	m    map[string]string
}

// ParseInline parses the "{k=v, k=v}" syntax into an Inline map.
func ParseInline(name, src string) (*Inline, error) {
	src = strings.TrimSpace(src)
	src = strings.TrimPrefix(src, "{")
	src = strings.TrimSuffix(src, "}")

	m := map[string]string{}
	for _, entry := range splitBalanced(src, ',') {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			return nil, errors.New("dict: inline entry missing '=': " + entry)
		}
		m[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}

	return &Inline{name: name, m: m}, nil
}

// splitBalanced splits s on sep, except where sep appears inside a
// brace-balanced region.
func splitBalanced(s string, sep byte) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		default:
			if s[i] == sep && depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func (i *Inline) Name() string { return i.name }

func (i *Inline) Lookup(ctx context.Context, key string) (string, bool, error) {
	v, ok := i.m[key]
	return v, ok, nil
}

func (i *Inline) Iterate(ctx context.Context, f func(key, value string) error) error {
	for k, v := range i.m {
		if err := f(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Pipeline chains maps m1:m2:...:mn. The result is the fixed point of
// feeding each non-"not found" lookup result into the next map as its key.
// A transient failure from any stage is a transient failure for the whole
// pipeline.
type Pipeline struct {
	Maps []Map
}

func (p *Pipeline) Name() string { return "pipeline" }

func (p *Pipeline) Lookup(ctx context.Context, key string) (string, bool, error) {
	cur := key
	found := false
	for _, m := range p.Maps {
		v, ok, err := m.Lookup(ctx, cur)
		if err != nil {
			return "", false, err
		}
		if !ok {
			// A stage with no match breaks the chain: the pipeline as a
			// whole only succeeds if every non-empty stage has a match to
			// feed forward, matching spec.md's "fixed point of sequentially
			// feeding each non-null lookup result into the next".
			return "", false, nil
		}
		cur = v
		found = true
	}
	return cur, found, nil
}

// Union looks the key up in every map, concatenating successful results
// with commas (mirroring how aliases.Resolve accumulates recipients from
// multiple sources). A transient failure in any stage propagates.
type Union struct {
	Maps []Map
}

func (u *Union) Name() string { return "union" }

func (u *Union) Lookup(ctx context.Context, key string) (string, bool, error) {
	var results []string
	for _, m := range u.Maps {
		v, ok, err := m.Lookup(ctx, key)
		if err != nil {
			return "", false, err
		}
		if ok {
			results = append(results, v)
		}
	}
	if len(results) == 0 {
		return "", false, nil
	}
	return strings.Join(results, ","), true, nil
}

// FoldCase wraps a Map so lookups are case-insensitive, lower-casing the
// key before delegating.
type FoldCase struct {
	Map
}

func (f FoldCase) Lookup(ctx context.Context, key string) (string, bool, error) {
	return f.Map.Lookup(ctx, strings.ToLower(key))
}
