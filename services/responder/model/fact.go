// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model provides the fact, relationship, link and operation types
// shared by the responder planner and its collaborators.
//
// # Identity
//
// Facts are matched by (trait, value). CollectedBy records which agent
// produced the fact and is compared separately by provenance checks.
//
// # Ownership Model
//
// An Operation owns its chain of links. The chain is append-only: the
// planner reads it and the tasking service appends completed links to it.
// Nothing in this package removes a link from a chain.
//
// # Thread Safety
//
// Operation is safe for concurrent use. Fact, Relationship, Link and Ability
// are plain values; callers that share a *Link across goroutines must not
// mutate it after it has been appended to a chain.
package model

import "fmt"

// Fact is a typed observation with collection provenance.
type Fact struct {
	// Trait names the kind of observation, e.g. "host.process.id".
	Trait string `json:"trait" yaml:"trait" validate:"required"`

	// Value is the observed value.
	Value string `json:"value" yaml:"value"`

	// CollectedBy is the paw of the agent that produced the fact.
	// Empty when the fact was seeded rather than collected.
	CollectedBy string `json:"collected_by,omitempty" yaml:"collected_by,omitempty"`
}

// Key returns the (trait, value) identity of the fact as a single string.
func (f Fact) Key() string {
	return f.Trait + "\x00" + f.Value
}

// Equal reports whether two facts share the same trait and value.
// CollectedBy is deliberately not compared.
func (f Fact) Equal(other Fact) bool {
	return f.Trait == other.Trait && f.Value == other.Value
}

// IsZero reports whether the fact is unset.
func (f Fact) IsZero() bool {
	return f.Trait == "" && f.Value == ""
}

// String renders the fact as trait=value.
func (f Fact) String() string {
	return fmt.Sprintf("%s=%s", f.Trait, f.Value)
}

// Relationship ties a source fact to an optional edge and target fact.
//
// A relationship with no target is a bare observation of its source.
type Relationship struct {
	Source Fact   `json:"source" yaml:"source"`
	Edge   string `json:"edge,omitempty" yaml:"edge,omitempty"`
	Target *Fact  `json:"target,omitempty" yaml:"target,omitempty"`
}

// NewRelationship builds a relationship with a target fact.
func NewRelationship(source Fact, edge string, target Fact) Relationship {
	t := target
	return Relationship{Source: source, Edge: edge, Target: &t}
}

// HasTarget reports whether the relationship carries a target fact.
func (r Relationship) HasTarget() bool {
	return r.Target != nil
}

// Mentions reports whether f equals the source or the target of r.
func (r Relationship) Mentions(f Fact) bool {
	if r.Source.Equal(f) {
		return true
	}
	return r.Target != nil && r.Target.Equal(f)
}

// Find returns the fact in r that equals f, with r's provenance attached.
func (r Relationship) Find(f Fact) (Fact, bool) {
	if r.Source.Equal(f) {
		return r.Source, true
	}
	if r.Target != nil && r.Target.Equal(f) {
		return *r.Target, true
	}
	return Fact{}, false
}

// Facts returns the source and, if present, the target of r.
func (r Relationship) Facts() []Fact {
	if r.Target == nil {
		return []Fact{r.Source}
	}
	return []Fact{r.Source, *r.Target}
}

// Clone returns a deep copy of r.
func (r Relationship) Clone() Relationship {
	out := Relationship{Source: r.Source, Edge: r.Edge}
	if r.Target != nil {
		t := *r.Target
		out.Target = &t
	}
	return out
}

// String renders the relationship as source -edge-> target.
func (r Relationship) String() string {
	if r.Target == nil {
		return r.Source.String()
	}
	return fmt.Sprintf("%s -%s-> %s", r.Source, r.Edge, *r.Target)
}

// DedupeFacts removes facts with duplicate (trait, value), keeping the first
// occurrence and its provenance. Order is preserved.
func DedupeFacts(facts []Fact) []Fact {
	seen := make(map[string]struct{}, len(facts))
	out := make([]Fact, 0, len(facts))
	for _, f := range facts {
		k := f.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, f)
	}
	return out
}

// ContainsFact reports whether facts holds a fact equal to f.
func ContainsFact(facts []Fact, f Fact) bool {
	for _, candidate := range facts {
		if candidate.Equal(f) {
			return true
		}
	}
	return false
}
