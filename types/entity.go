package types

import (
	"fmt"
	"sort"
	"strings"
)

// Well-known entity types.
const (
	EntityOrganization = "org"
	EntityFoundation   = "foundation"
	EntityOpportunity  = "opportunity"
)

// EntityRef identifies an entity tracked across the pipeline.
type EntityRef struct {
	Type string `json:"type" yaml:"type"`
	ID   string `json:"id" yaml:"id"`
}

// NewEntityRef creates a reference from its parts.
func NewEntityRef(entityType, id string) EntityRef {
	return EntityRef{Type: entityType, ID: id}
}

// ParseEntityRef parses the "type:id" form. The id may itself contain colons.
func ParseEntityRef(s string) (EntityRef, error) {
	entityType, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || entityType == "" || id == "" {
		return EntityRef{}, fmt.Errorf("invalid entity reference %q: want type:id", s)
	}
	return EntityRef{Type: entityType, ID: id}, nil
}

// ParseEntityRefs parses a list of "type:id" strings, dropping duplicates.
func ParseEntityRefs(values []string) ([]EntityRef, error) {
	refs := make([]EntityRef, 0, len(values))
	for _, v := range values {
		ref, err := ParseEntityRef(v)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return UniqueRefs(refs), nil
}

// Key returns the canonical "type:id" key.
func (r EntityRef) Key() string {
	return r.Type + ":" + r.ID
}

// String implements fmt.Stringer.
func (r EntityRef) String() string {
	return r.Key()
}

// IsZero reports whether the reference is empty.
func (r EntityRef) IsZero() bool {
	return r.Type == "" && r.ID == ""
}

// UniqueRefs removes duplicates and returns refs sorted by key.
func UniqueRefs(refs []EntityRef) []EntityRef {
	seen := make(map[string]struct{}, len(refs))
	out := make([]EntityRef, 0, len(refs))
	for _, r := range refs {
		if _, ok := seen[r.Key()]; ok {
			continue
		}
		seen[r.Key()] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
