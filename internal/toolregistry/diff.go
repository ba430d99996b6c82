package toolregistry

import (
	"reflect"

	"github.com/kortexai/kortex/internal/toolspec"
)

// ChangeKind classifies how a reload affected one descriptor.
type ChangeKind string

const (
	ChangeAdded        ChangeKind = "added"
	ChangeRemoved      ChangeKind = "removed"
	ChangeVersionBump  ChangeKind = "version_bump"
	ChangeContentOnly  ChangeKind = "content_only" // same version, different spec body
)

// Change describes one descriptor's delta between two catalog snapshots.
type Change struct {
	ID   string
	Kind ChangeKind
	Old  *toolspec.Descriptor
	New  *toolspec.Descriptor
}

// Diff compares the registry's current catalog against a freshly loaded one,
// used after a reload to report what changed without forcing every caller
// to re-resolve every tool id from scratch.
func (r *Registry) Diff(other *Registry) []Change {
	r.mu.RLock()
	defer r.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	var changes []Change
	for id, oldDesc := range r.byID {
		newDesc, ok := other.byID[id]
		if !ok {
			changes = append(changes, Change{ID: id, Kind: ChangeRemoved, Old: oldDesc})
			continue
		}
		if newDesc.Version.Compare(oldDesc.Version) != 0 {
			changes = append(changes, Change{ID: id, Kind: ChangeVersionBump, Old: oldDesc, New: newDesc})
		} else if descriptorBodyChanged(oldDesc, newDesc) {
			changes = append(changes, Change{ID: id, Kind: ChangeContentOnly, Old: oldDesc, New: newDesc})
		}
	}
	for id, newDesc := range other.byID {
		if _, ok := r.byID[id]; !ok {
			changes = append(changes, Change{ID: id, Kind: ChangeAdded, New: newDesc})
		}
	}
	return changes
}

func descriptorBodyChanged(a, b *toolspec.Descriptor) bool {
	return a.Description != b.Description ||
		!reflect.DeepEqual(a.Invocation, b.Invocation) ||
		!stringSlicesEqual(a.Tags, b.Tags) ||
		!stringSlicesEqual(a.Capabilities, b.Capabilities)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
