package crawler

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Registry is the immutable set of configured targets keyed by target key.
type Registry struct {
	targets map[string]Target
	order   []string
}

// NewRegistry validates targets and freezes them into a registry.
func NewRegistry(targets []Target) (*Registry, error) {
	if len(targets) == 0 {
		return nil, ErrEmptyRegistry
	}
	r := &Registry{targets: make(map[string]Target, len(targets))}
	for _, t := range targets {
		if err := validateTarget(t); err != nil {
			return nil, err
		}
		if _, dup := r.targets[t.Key]; dup {
			return nil, fmt.Errorf("target %q: duplicate key", t.Key)
		}
		r.targets[t.Key] = cloneTarget(t)
		r.order = append(r.order, t.Key)
	}
	return r, nil
}

// Get returns a copy of the target registered under key.
func (r *Registry) Get(key string) (Target, error) {
	t, ok := r.targets[key]
	if !ok {
		return Target{}, fmt.Errorf("%w: %s", ErrTargetUnknown, key)
	}
	return cloneTarget(t), nil
}

// Keys returns target keys in configuration order.
func (r *Registry) Keys() []string {
	return slices.Clone(r.order)
}

// Targets returns all targets in configuration order.
func (r *Registry) Targets() []Target {
	out := make([]Target, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, cloneTarget(r.targets[k]))
	}
	return out
}

// Len returns the number of targets.
func (r *Registry) Len() int { return len(r.order) }

// Select narrows the registry to the given keys. An empty selection returns r.
func (r *Registry) Select(keys []string) (*Registry, error) {
	if len(keys) == 0 {
		return r, nil
	}
	picked := make([]Target, 0, len(keys))
	for _, k := range keys {
		t, err := r.Get(k)
		if err != nil {
			return nil, err
		}
		picked = append(picked, t)
	}
	return NewRegistry(picked)
}

func validateTarget(t Target) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("target %q: %s", t.Key, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(t.Key) == "" {
		return fmt.Errorf("target key is required")
	}
	if !identifierPattern.MatchString(t.Table) {
		return fail("invalid table name %q", t.Table)
	}
	if t.URLTemplate == "" {
		return fail("url template is required")
	}
	switch t.Pagination {
	case PaginationFinitePage:
		if !strings.Contains(t.URLTemplate, "{page}") {
			return fail("finite-page url template must contain {page}")
		}
		if t.MaxPages <= 0 {
			return fail("finite-page targets need max_pages > 0")
		}
	case PaginationScrollToEnd:
	default:
		return fail("unknown pagination mode %q", t.Pagination)
	}
	switch t.Render {
	case RenderBrowser, RenderStatic:
	default:
		return fail("unknown render mode %q", t.Render)
	}
	if t.Render == RenderStatic && t.Pagination == PaginationScrollToEnd {
		return fail("scroll-to-end requires browser rendering")
	}
	if t.ContainerSelector == "" || t.ItemSelector == "" {
		return fail("container and item selectors are required")
	}
	if len(t.Fields) == 0 {
		return fail("at least one field mapping is required")
	}
	seen := make(map[string]struct{}, len(t.Fields))
	identity := 0
	for _, f := range t.Fields {
		if !identifierPattern.MatchString(f.Field) {
			return fail("invalid field name %q", f.Field)
		}
		if _, dup := seen[f.Field]; dup {
			return fail("duplicate field %q", f.Field)
		}
		seen[f.Field] = struct{}{}
		switch f.Type {
		case FieldString, FieldInt, FieldDate, FieldPhone, FieldURL:
		default:
			return fail("field %q: unknown type %q", f.Field, f.Type)
		}
		if f.Method != ExtractText && f.Method != ExtractHTML {
			if _, ok := f.Attribute(); !ok {
				return fail("field %q: unknown extract method %q", f.Field, f.Method)
			}
		}
		if f.Identity {
			identity++
		}
	}
	if identity == 0 {
		return fail("at least one identity field is required")
	}
	return nil
}

func cloneTarget(t Target) Target {
	t.Fields = slices.Clone(t.Fields)
	return t
}
