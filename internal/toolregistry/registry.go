// Package toolregistry implements the Tool Registry (spec §4.C): the
// catalog of tool descriptors, loaded from YAML at startup, queryable by id,
// tag, kind, and capability, with a session-scoped promotion overlay so the
// Cluster Optimizer can steer one conversation onto a variant without
// mutating the shared catalog.
package toolregistry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/kortexai/kortex/internal/telemetry"
	"github.com/kortexai/kortex/internal/toolspec"
)

// Registry holds the loaded tool descriptor catalog.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*toolspec.Descriptor

	// overlay maps "sessionID\x00toolID" -> promoted variant id, letting a
	// session prefer a specific variant without touching byID.
	overlay sync.Map

	usage *usageCounters

	log telemetry.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger overrides the registry's logger.
func WithLogger(l telemetry.Logger) Option { return func(r *Registry) { r.log = l } }

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byID:  map[string]*toolspec.Descriptor{},
		usage: newUsageCounters(),
		log:   telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadDir loads every *.yaml/*.yml file in dir as a tool descriptor.
// A descriptor that fails schema validation or tagged-union consistency is
// logged and skipped; LoadDir never aborts startup over one bad file (spec
// §4.C: "an invalid descriptor must never block the rest of the catalog").
func LoadDir(ctx context.Context, dir string, opts ...Option) (*Registry, error) {
	r := New(opts...)
	schema, err := compileDescriptorSchema()
	if err != nil {
		return nil, fmt.Errorf("compile descriptor schema: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read tool descriptor dir %q: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := r.loadFile(ctx, schema, path); err != nil {
			r.log.Warn(ctx, "skipping invalid tool descriptor", "path", path, "err", err.Error())
		}
	}
	return r, nil
}

func (r *Registry) loadFile(ctx context.Context, schema *jsonschema.Schema, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %q: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("parse yaml %q: %w", path, err)
	}
	if err := validateDescriptorEnvelope(schema, normalizeYAMLMap(raw)); err != nil {
		return fmt.Errorf("schema validation %q: %w", path, err)
	}

	var desc toolspec.Descriptor
	if err := yaml.Unmarshal(b, &desc); err != nil {
		return fmt.Errorf("decode descriptor %q: %w", path, err)
	}
	if !desc.MatchesInvocation() {
		return fmt.Errorf("descriptor %q: kind %q does not match its invocation union", desc.ID, desc.Kind)
	}

	r.Put(&desc)
	return nil
}

// normalizeYAMLMap recursively converts map[string]interface{} keys that
// yaml.v3 may produce as map[any]any-like structures into the
// map[string]any shape jsonschema/v6 expects. yaml.v3's Unmarshal into
// map[string]any already normalizes top-level keys, but nested maps need
// the same treatment when sourced from generic `any` decoding.
func normalizeYAMLMap(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAMLMap(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAMLMap(val)
		}
		return out
	default:
		return v
	}
}

// Put inserts or replaces a descriptor directly, bypassing file loading.
// Used by tests and by programmatic tool registration.
func (r *Registry) Put(desc *toolspec.Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[desc.ID] = desc
}

// Get returns the descriptor for id, honoring sessionID's promotion overlay
// if one is set.
func (r *Registry) Get(sessionID, id string) (*toolspec.Descriptor, bool) {
	if sessionID != "" {
		if v, ok := r.overlay.Load(overlayKey(sessionID, id)); ok {
			id = v.(string)
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// PromoteForSession makes id resolve to variantID within sessionID's future
// Get/dispatch calls, without touching the shared catalog (spec §4.J:
// cluster promotion is session-scoped until it earns a permanent bump).
func (r *Registry) PromoteForSession(sessionID, id, variantID string) {
	r.overlay.Store(overlayKey(sessionID, id), variantID)
}

// ClearSessionOverlay removes every promotion recorded for sessionID.
func (r *Registry) ClearSessionOverlay(sessionID string) {
	prefix := sessionID + "\x00"
	r.overlay.Range(func(k, _ any) bool {
		if strings.HasPrefix(k.(string), prefix) {
			r.overlay.Delete(k)
		}
		return true
	})
}

func overlayKey(sessionID, id string) string { return sessionID + "\x00" + id }

// FindByKind returns every descriptor of the given kind, sorted by id.
func (r *Registry) FindByKind(kind toolspec.Kind) []*toolspec.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*toolspec.Descriptor
	for _, d := range r.byID {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	sortDescriptors(out)
	return out
}

// FindByTags returns descriptors carrying every tag given (AND semantics).
func (r *Registry) FindByTags(tags ...string) []*toolspec.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*toolspec.Descriptor
	for _, d := range r.byID {
		all := true
		for _, t := range tags {
			if !d.HasTag(t) {
				all = false
				break
			}
		}
		if all {
			out = append(out, d)
		}
	}
	sortDescriptors(out)
	return out
}

// FindByCapability returns descriptors advertising capability.
func (r *Registry) FindByCapability(capability string) []*toolspec.Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*toolspec.Descriptor
	for _, d := range r.byID {
		if d.HasCapability(capability) {
			out = append(out, d)
		}
	}
	sortDescriptors(out)
	return out
}

// RecordUsage bumps id's usage counter, fed by the Smoothing Buffer's
// flushed batches (spec §4.D) rather than per-call, to keep hot-path
// invocation free of registry-wide lock contention.
func (r *Registry) RecordUsage(id string, n int) { r.usage.add(id, n) }

// UsageCount returns id's recorded usage count.
func (r *Registry) UsageCount(id string) int { return r.usage.get(id) }

func sortDescriptors(ds []*toolspec.Descriptor) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].ID < ds[j].ID })
}
