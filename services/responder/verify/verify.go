// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify decides whether a parent link licenses a candidate link's
// use of the facts the parent produced.
//
// The check runs the candidate's requirements against a probe: a throwaway
// single-link operation holding a copy of the parent reduced to what the
// parent manufactured. The real operation is never read or modified, and
// the probe is never persisted.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
)

var tracer = otel.Tracer("aleutian.responder.verify")

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "responder_verify_cache_hits_total",
		Help: "Verification results served from cache",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "responder_verify_cache_misses_total",
		Help: "Verification results computed",
	})
)

// DefaultCacheSize bounds the number of cached verification outcomes.
const DefaultCacheSize = 4096

// ErrNilFilter is returned by New when no requirement filter is given.
var ErrNilFilter = errors.New("verify: requirement filter must not be nil")

// RequirementFilter evaluates links against an operation and keeps those
// whose requirements pass. The tasking service satisfies it.
type RequirementFilter interface {
	RemoveLinksMissingRequirements(ctx context.Context, links []*model.Link, probe *model.Operation) ([]*model.Link, error)
}

// Verifier runs probe verifications and caches their outcomes.
//
// Thread Safety: safe for concurrent use.
type Verifier struct {
	filter RequirementFilter
	cache  *lru.Cache[string, int]
	logger *slog.Logger
	agents func() []model.Agent
	source func() []model.Fact
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithCacheSize sets the cache capacity. Zero or less disables caching.
func WithCacheSize(n int) Option {
	return func(v *Verifier) {
		if n <= 0 {
			v.cache = nil
			return
		}
		v.cache, _ = lru.New[string, int](n)
	}
}

// WithAgents supplies the agents copied onto each probe.
func WithAgents(fn func() []model.Agent) Option {
	return func(v *Verifier) { v.agents = fn }
}

// WithSource supplies the operation's seeded facts copied onto each probe,
// so requirements on source facts judge the probe like the live operation.
func WithSource(fn func() []model.Fact) Option {
	return func(v *Verifier) { v.source = fn }
}

// New creates a Verifier backed by filter.
func New(filter RequirementFilter, opts ...Option) (*Verifier, error) {
	if filter == nil {
		return nil, ErrNilFilter
	}
	cache, err := lru.New[string, int](DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating verification cache: %w", err)
	}
	v := &Verifier{filter: filter, cache: cache, logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// group is one requirement rule and the shared facts that hit it.
type group struct {
	module string
	match  model.RelationshipMatch
	facts  []model.Fact
}

// Verify reports how strongly parent licenses candidate.
//
// Description:
//
//	Collects the candidate's used facts that the parent produced, groups
//	them by the requirement rule that mentions their trait and evaluates one
//	synthetic copy of the candidate per rule against a probe built from the
//	parent. Rules whose source fact the parent did not produce are dropped.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	candidate - Link being considered. Not modified.
//	parent - Completed link that may justify candidate. Not modified.
//
// Outputs:
//
//	int - 0 when parent does not license candidate. Otherwise the number of
//	      passing rules, or 1 when no rule applied.
//	error - Non-nil when requirement evaluation failed.
func (v *Verifier) Verify(ctx context.Context, candidate, parent *model.Link) (int, error) {
	ctx, span := tracer.Start(ctx, "verify.Verify",
		trace.WithAttributes(
			attribute.String("candidate.paw", candidate.Paw),
			attribute.String("candidate.ability", candidate.AbilityID()),
			attribute.String("parent.id", parent.ID),
		),
	)
	defer span.End()

	key := cacheKey(candidate, parent)
	if v.cache != nil && key != "" {
		if n, ok := v.cache.Get(key); ok {
			cacheHits.Inc()
			span.SetAttributes(attribute.Bool("cache_hit", true), attribute.Int("result", n))
			return n, nil
		}
	}
	cacheMisses.Inc()

	start := time.Now()
	n, err := v.verify(ctx, candidate, parent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Int("result", n))

	if v.cache != nil && key != "" {
		v.cache.Add(key, n)
	}
	v.logger.Debug("verified parent",
		slog.String("paw", candidate.Paw),
		slog.String("ability", candidate.AbilityID()),
		slog.String("parent", parent.ID),
		slog.Int("result", n),
		slog.Duration("duration", time.Since(start)),
	)
	return n, nil
}

func (v *Verifier) verify(ctx context.Context, candidate, parent *model.Link) (int, error) {
	produced := Produced(parent)
	var shared []model.Fact
	for _, f := range candidate.Used {
		if model.ContainsFact(produced, f) {
			shared = append(shared, f)
		}
	}
	if len(shared) == 0 {
		return 0, nil
	}

	groups := groupByRule(candidate.Ability, shared)
	if len(groups) == 0 {
		return 1, nil
	}

	var agents []model.Agent
	if v.agents != nil {
		agents = v.agents()
	}
	var source []model.Fact
	if v.source != nil {
		source = v.source()
	}
	probe := BuildProbe(parent, agents, source)

	var synthetic []*model.Link
	for _, g := range groups {
		used := model.DedupeFacts(append(append([]model.Fact(nil), g.facts...),
			relevantUsed(candidate.Used, g.match, produced)...))
		if !hasTrait(used, g.match.Source) {
			continue
		}
		synthetic = append(synthetic, syntheticLink(candidate, g, used))
	}
	if len(synthetic) == 0 {
		return 1, nil
	}

	passed, err := v.filter.RemoveLinksMissingRequirements(ctx, synthetic, probe)
	if err != nil {
		return 0, fmt.Errorf("evaluating requirements against parent %s: %w", parent.ID, err)
	}
	if len(passed) < len(synthetic) {
		return 0, nil
	}
	return len(passed), nil
}

// groupByRule pairs each shared fact with every requirement match that
// mentions its trait, merging facts that hit the same rule. Facts with no
// matching rule are trivially satisfied and do not appear.
func groupByRule(ability *model.Ability, shared []model.Fact) []*group {
	if ability == nil {
		return nil
	}
	byKey := make(map[string]*group)
	var ordered []*group
	for _, f := range shared {
		for _, req := range ability.Requirements {
			for _, m := range req.MatchesFor(f.Trait) {
				module := model.LastSegment(req.Module)
				key := module + "|" + m.Source + "|" + m.Edge + "|" + m.Target
				g, ok := byKey[key]
				if !ok {
					g = &group{module: req.Module, match: m}
					byKey[key] = g
					ordered = append(ordered, g)
				}
				g.facts = append(g.facts, f)
			}
		}
	}
	return ordered
}

// relevantUsed returns the candidate's used facts of the rule's source or
// target trait that the parent produced.
func relevantUsed(used []model.Fact, m model.RelationshipMatch, produced []model.Fact) []model.Fact {
	var out []model.Fact
	for _, f := range used {
		if m.MentionsTrait(f.Trait) && model.ContainsFact(produced, f) {
			out = append(out, f)
		}
	}
	return out
}

func hasTrait(facts []model.Fact, trait string) bool {
	for _, f := range facts {
		if f.Trait == trait {
			return true
		}
	}
	return false
}

func syntheticLink(candidate *model.Link, g *group, used []model.Fact) *model.Link {
	l := candidate.Clone()
	if l.Ability == nil {
		l.Ability = &model.Ability{}
	}
	l.Ability.Requirements = []model.Requirement{{
		Module:            g.module,
		RelationshipMatch: []model.RelationshipMatch{g.match},
	}}
	l.Used = used
	return l
}

// Produced returns the facts parent manufactured: every fact its
// relationships mention, minus the facts it used. Facts without a
// collector are attributed to the parent's agent.
func Produced(parent *model.Link) []model.Fact {
	var out []model.Fact
	for _, f := range parent.RelationshipFacts() {
		if parent.Uses(f) {
			continue
		}
		if f.CollectedBy == "" {
			f.CollectedBy = parent.Paw
		}
		out = append(out, f)
	}
	return model.DedupeFacts(out)
}

// BuildProbe constructs the single-link operation a verification runs
// against. The probe holds a deep copy of parent whose facts are replaced
// by Produced(parent), plus copies of agents and source; none of the
// inputs is modified.
func BuildProbe(parent *model.Link, agents []model.Agent, source []model.Fact) *model.Operation {
	p := parent.Clone()
	p.Facts = Produced(parent)
	p.Status = model.LinkSuccess
	for i := range p.Relationships {
		r := &p.Relationships[i]
		if r.Source.CollectedBy == "" {
			r.Source.CollectedBy = parent.Paw
		}
		if r.Target != nil && r.Target.CollectedBy == "" {
			r.Target.CollectedBy = parent.Paw
		}
	}
	probe := model.NewOperation("probe-"+parent.ID, agents, source)
	probe.AppendLink(p)
	return probe
}

type digestLink struct {
	Paw           string               `json:"paw"`
	Ability       string               `json:"ability"`
	Requirements  []model.Requirement  `json:"requirements,omitempty"`
	Used          []model.Fact         `json:"used,omitempty"`
	Relationships []model.Relationship `json:"relationships,omitempty"`
}

// cacheKey digests everything a verification outcome depends on. An empty
// key disables caching for the pair.
func cacheKey(candidate, parent *model.Link) string {
	in := struct {
		Candidate digestLink `json:"candidate"`
		Parent    digestLink `json:"parent"`
	}{
		Candidate: digestLink{Paw: candidate.Paw, Ability: candidate.AbilityID(), Used: candidate.Used},
		Parent:    digestLink{Paw: parent.Paw, Used: parent.Used, Relationships: parent.Relationships},
	}
	if candidate.Ability != nil {
		in.Candidate.Requirements = candidate.Ability.Requirements
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
