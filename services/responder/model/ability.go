// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"regexp"
	"strings"
)

// Planner buckets. An ability's tactic doubles as its default bucket.
const (
	BucketSetup     = "setup"
	BucketDetection = "detection"
	BucketHunt      = "hunt"
	BucketResponse  = "response"
)

// Buckets lists the planner buckets in cycle order.
var Buckets = []string{BucketSetup, BucketDetection, BucketHunt, BucketResponse}

// LastSegment returns the part of a dotted identifier after its last dot,
// trimmed. Module paths and traits are both keyed this way, e.g.
// "plugins.stockpile.app.requirements.basic" is "basic".
func LastSegment(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.LastIndex(id, "."); i >= 0 {
		return id[i+1:]
	}
	return id
}

// variablePattern matches #{trait} placeholders in a command template.
var variablePattern = regexp.MustCompile(`#\{([^}]+)\}`)

// RelationshipMatch is one relationship shape a requirement accepts.
type RelationshipMatch struct {
	Source string `json:"source" yaml:"source" validate:"required"`
	Edge   string `json:"edge,omitempty" yaml:"edge,omitempty"`
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
}

// MentionsTrait reports whether trait is the match's source or target.
func (m RelationshipMatch) MentionsTrait(trait string) bool {
	return m.Source == trait || (m.Target != "" && m.Target == trait)
}

// Requirement declares which relationship shapes license an ability's use of
// a fact. Module selects the evaluator, e.g. "paw_provenance" or "basic".
type Requirement struct {
	Module            string              `json:"module" yaml:"module" validate:"required"`
	RelationshipMatch []RelationshipMatch `json:"relationship_match" yaml:"relationship_match" validate:"dive"`
}

// MatchesFor returns the relationship matches that mention trait.
func (r Requirement) MatchesFor(trait string) []RelationshipMatch {
	var out []RelationshipMatch
	for _, m := range r.RelationshipMatch {
		if m.MentionsTrait(trait) {
			out = append(out, m)
		}
	}
	return out
}

// Mapper maps parsed output onto a relationship shape.
type Mapper struct {
	Source string `json:"source" yaml:"source" validate:"required"`
	Edge   string `json:"edge,omitempty" yaml:"edge,omitempty"`
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
}

// ParserConfig binds an output parser to the mappers it should apply.
type ParserConfig struct {
	Module  string   `json:"module" yaml:"module" validate:"required"`
	Mappers []Mapper `json:"mappers" yaml:"mappers" validate:"dive"`
}

// Ability is a catalog entry the planner can instantiate into links.
type Ability struct {
	ID          string   `json:"id" yaml:"id" validate:"required"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Tactic      string   `json:"tactic" yaml:"tactic" validate:"required"`
	Buckets     []string `json:"buckets,omitempty" yaml:"buckets,omitempty"`

	// Command is the template executed on the agent. #{trait} placeholders
	// are filled from operation facts.
	Command  string `json:"command" yaml:"command"`
	Platform string `json:"platform,omitempty" yaml:"platform,omitempty"`
	Executor string `json:"executor,omitempty" yaml:"executor,omitempty"`

	Requirements []Requirement  `json:"requirements,omitempty" yaml:"requirements,omitempty" validate:"dive"`
	Parsers      []ParserConfig `json:"parsers,omitempty" yaml:"parsers,omitempty" validate:"dive"`
	Repeatable   bool           `json:"repeatable" yaml:"repeatable"`

	// Singleton abilities run at most once per operation across all agents.
	Singleton bool `json:"singleton,omitempty" yaml:"singleton,omitempty"`

	// SeverityModifier is added to an agent's severity each time a link of
	// this ability completes with relationships.
	SeverityModifier float64 `json:"severity_modifier,omitempty" yaml:"severity_modifier,omitempty"`

	// SeverityRequirement is the minimum agent severity a response link of
	// this ability needs before it may run.
	SeverityRequirement float64 `json:"severity_requirement,omitempty" yaml:"severity_requirement,omitempty" validate:"gte=0"`
}

// InBucket reports whether the ability belongs to bucket. Abilities without
// explicit buckets belong to the bucket named by their tactic.
func (a *Ability) InBucket(bucket string) bool {
	if len(a.Buckets) == 0 {
		return a.Tactic == bucket
	}
	for _, b := range a.Buckets {
		if b == bucket {
			return true
		}
	}
	return false
}

// Variables returns the distinct traits referenced by the command template,
// in order of first appearance.
func (a *Ability) Variables() []string {
	matches := variablePattern.FindAllStringSubmatch(a.Command, -1)
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		trait := strings.TrimSpace(m[1])
		if _, ok := seen[trait]; ok {
			continue
		}
		seen[trait] = struct{}{}
		out = append(out, trait)
	}
	return out
}

// BuildCommand substitutes facts into the command template. Placeholders
// without a matching fact are left in place.
func (a *Ability) BuildCommand(facts []Fact) string {
	return variablePattern.ReplaceAllStringFunc(a.Command, func(placeholder string) string {
		trait := strings.TrimSpace(placeholder[2 : len(placeholder)-1])
		for _, f := range facts {
			if f.Trait == trait {
				return f.Value
			}
		}
		return placeholder
	})
}

// HasUnresolved reports whether command still contains a placeholder.
func HasUnresolved(command string) bool {
	return variablePattern.MatchString(command)
}

// RequirementsFor returns the requirements with at least one match that
// mentions trait.
func (a *Ability) RequirementsFor(trait string) []Requirement {
	var out []Requirement
	for _, r := range a.Requirements {
		if len(r.MatchesFor(trait)) > 0 {
			out = append(out, r)
		}
	}
	return out
}

// Clone returns a deep copy of the ability.
func (a *Ability) Clone() *Ability {
	if a == nil {
		return nil
	}
	out := *a
	out.Buckets = append([]string(nil), a.Buckets...)
	out.Requirements = make([]Requirement, len(a.Requirements))
	for i, r := range a.Requirements {
		out.Requirements[i] = Requirement{
			Module:            r.Module,
			RelationshipMatch: append([]RelationshipMatch(nil), r.RelationshipMatch...),
		}
	}
	out.Parsers = make([]ParserConfig, len(a.Parsers))
	for i, p := range a.Parsers {
		out.Parsers[i] = ParserConfig{Module: p.Module, Mappers: append([]Mapper(nil), p.Mappers...)}
	}
	return &out
}

// Agent is an executing actor attached to an operation.
type Agent struct {
	Paw       string   `json:"paw" yaml:"paw" validate:"required"`
	Host      string   `json:"host" yaml:"host" validate:"required"`
	Platform  string   `json:"platform,omitempty" yaml:"platform,omitempty"`
	Group     string   `json:"group,omitempty" yaml:"group,omitempty"`
	Executors []string `json:"executors,omitempty" yaml:"executors,omitempty"`
}
