// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
	"github.com/AleutianAI/AleutianResponder/services/responder/requirements"
)

// registryFilter adapts a requirements registry to RequirementFilter.
type registryFilter struct {
	reg   *requirements.Registry
	calls int
}

func (f *registryFilter) RemoveLinksMissingRequirements(ctx context.Context, links []*model.Link, probe *model.Operation) ([]*model.Link, error) {
	f.calls++
	return f.reg.Filter(ctx, links, probe)
}

type failingFilter struct{}

func (failingFilter) RemoveLinksMissingRequirements(context.Context, []*model.Link, *model.Operation) ([]*model.Link, error) {
	return nil, errors.New("boom")
}

func newVerifier(t *testing.T, opts ...Option) (*Verifier, *registryFilter) {
	t.Helper()
	f := &registryFilter{reg: requirements.DefaultRegistry()}
	v, err := New(f, opts...)
	require.NoError(t, err)
	return v, f
}

func candidate(paw string, reqs []model.Requirement, used ...model.Fact) *model.Link {
	return &model.Link{
		ID:      "candidate",
		Paw:     paw,
		Ability: &model.Ability{ID: "hunt1", Tactic: model.BucketHunt, Requirements: reqs},
		Used:    used,
		Status:  model.LinkPending,
	}
}

var (
	t1 = model.Fact{Trait: "t1", Value: "a", CollectedBy: "agent1"}
	t2 = model.Fact{Trait: "t2", Value: "b", CollectedBy: "agent1"}
)

// TestVerify_BasicRoundTrip verifies an exact edge match passes and a changed edge fails.
func TestVerify_BasicRoundTrip(t *testing.T) {
	ctx := context.Background()
	v, _ := newVerifier(t)

	reqs := []model.Requirement{{Module: "plugins.stockpile.app.requirements.basic",
		RelationshipMatch: []model.RelationshipMatch{{Source: "t1", Edge: "e", Target: "t2"}}}}
	cand := candidate("agent1", reqs, t1, t2)
	parent := &model.Link{ID: "parent", Paw: "agent1", Relationships: []model.Relationship{model.NewRelationship(t1, "e", t2)}}

	n, err := v.Verify(ctx, cand, parent)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	parent.Relationships[0].Edge = "changed"
	n, err = v.Verify(ctx, cand, parent)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	parent.Relationships[0].Edge = "e"
	n, err = v.Verify(ctx, cand, parent)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestVerify_NoSharedFacts verifies unrelated parents never license.
func TestVerify_NoSharedFacts(t *testing.T) {
	v, _ := newVerifier(t)
	cand := candidate("agent1", nil, model.Fact{Trait: "other", Value: "x"})
	parent := &model.Link{ID: "parent", Paw: "agent1", Relationships: []model.Relationship{{Source: t1}}}

	n, err := v.Verify(context.Background(), cand, parent)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestVerify_UsedByParentIsNotProduced verifies a parent that consumed a fact does not license it.
func TestVerify_UsedByParentIsNotProduced(t *testing.T) {
	v, _ := newVerifier(t)
	cand := candidate("agent1", nil, t1)
	parent := &model.Link{ID: "parent", Paw: "agent1", Used: []model.Fact{t1},
		Relationships: []model.Relationship{model.NewRelationship(t1, "edge", t2)}}

	n, err := v.Verify(context.Background(), cand, parent)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = v.Verify(context.Background(), candidate("agent1", nil, t2), parent)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "no requirement on the shared fact is trivially satisfied")
}

// TestVerify_PawProvenance verifies the probe carries collector provenance.
func TestVerify_PawProvenance(t *testing.T) {
	ctx := context.Background()
	v, _ := newVerifier(t, WithCacheSize(0))

	reqs := []model.Requirement{{Module: requirements.ModulePawProvenance,
		RelationshipMatch: []model.RelationshipMatch{{Source: "t1"}}}}
	cand := candidate("agent1", reqs, t1)

	foreign := t1
	foreign.CollectedBy = "someotherpaw"
	parent := &model.Link{ID: "parent", Paw: "agent1", Relationships: []model.Relationship{{Source: foreign}}}

	n, err := v.Verify(ctx, cand, parent)
	require.NoError(t, err)
	assert.Zero(t, n)

	parent.Relationships[0].Source.CollectedBy = "agent1"
	n, err = v.Verify(ctx, cand, parent)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	parent.Relationships[0].Source.CollectedBy = ""
	n, err = v.Verify(ctx, cand, parent)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "uncollected facts are attributed to the parent's agent")
}

// TestVerify_DropsRuleWithoutProducedSource verifies rules are dropped, not failed.
func TestVerify_DropsRuleWithoutProducedSource(t *testing.T) {
	v, _ := newVerifier(t)
	reqs := []model.Requirement{{Module: requirements.ModuleBasic,
		RelationshipMatch: []model.RelationshipMatch{{Source: "t1", Edge: "e", Target: "t2"}}}}
	cand := candidate("agent1", reqs, t1, t2)
	parent := &model.Link{ID: "parent", Paw: "agent1", Used: []model.Fact{t1},
		Relationships: []model.Relationship{model.NewRelationship(t1, "e", t2)}}

	n, err := v.Verify(context.Background(), cand, parent)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestVerify_EveryRuleMustPass verifies grouped rules are all required.
func TestVerify_EveryRuleMustPass(t *testing.T) {
	v, _ := newVerifier(t)
	reqs := []model.Requirement{
		{Module: requirements.ModuleBasic, RelationshipMatch: []model.RelationshipMatch{{Source: "t1", Edge: "e", Target: "t2"}}},
		{Module: requirements.ModulePawProvenance, RelationshipMatch: []model.RelationshipMatch{{Source: "t2"}}},
	}
	parent := &model.Link{ID: "parent", Paw: "agent1", Relationships: []model.Relationship{model.NewRelationship(t1, "e", t2)}}

	n, err := v.Verify(context.Background(), candidate("agent1", reqs, t1, t2), parent)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = v.Verify(context.Background(), candidate("agent2", reqs, t1, t2), parent)
	require.NoError(t, err)
	assert.Zero(t, n, "paw provenance fails for a different agent")
}

// TestVerify_CacheAndImmutability verifies cached results and untouched inputs.
func TestVerify_CacheAndImmutability(t *testing.T) {
	v, f := newVerifier(t)
	reqs := []model.Requirement{{Module: requirements.ModulePawProvenance,
		RelationshipMatch: []model.RelationshipMatch{{Source: "t1"}}}}
	cand := candidate("agent1", reqs, t1)
	parent := &model.Link{ID: "parent", Paw: "agent1", Facts: []model.Fact{t2},
		Relationships: []model.Relationship{{Source: model.Fact{Trait: "t1", Value: "a"}}}}

	for i := 0; i < 3; i++ {
		n, err := v.Verify(context.Background(), cand, parent)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	assert.Equal(t, 1, f.calls)

	assert.Equal(t, []model.Fact{t2}, parent.Facts)
	assert.Empty(t, parent.Relationships[0].Source.CollectedBy)
	assert.Len(t, cand.Ability.Requirements, 1)
}

// TestVerify_FilterError verifies evaluator failures propagate.
func TestVerify_FilterError(t *testing.T) {
	v, err := New(failingFilter{})
	require.NoError(t, err)
	reqs := []model.Requirement{{Module: requirements.ModuleBasic, RelationshipMatch: []model.RelationshipMatch{{Source: "t1"}}}}
	parent := &model.Link{ID: "parent", Paw: "agent1", Relationships: []model.Relationship{{Source: t1}}}

	_, err = v.Verify(context.Background(), candidate("agent1", reqs, t1), parent)
	assert.Error(t, err)

	_, err = New(nil)
	assert.ErrorIs(t, err, ErrNilFilter)
}

// TestBuildProbe verifies the probe isolates the parent's produced facts.
func TestBuildProbe(t *testing.T) {
	parent := &model.Link{ID: "parent", Paw: "agent1", Status: model.LinkError, Used: []model.Fact{t1},
		Facts:         []model.Fact{{Trait: "unrelated", Value: "z"}},
		Relationships: []model.Relationship{model.NewRelationship(t1, "e", model.Fact{Trait: "t2", Value: "b"})}}

	source := []model.Fact{{Trait: "seed", Value: "s"}}
	probe := BuildProbe(parent, []model.Agent{{Paw: "agent1", Host: "h1"}}, source)
	chain := probe.Chain()
	require.Len(t, chain, 1)
	assert.NotSame(t, parent, chain[0])
	assert.Equal(t, []model.Fact{{Trait: "t2", Value: "b", CollectedBy: "agent1"}}, chain[0].Facts)
	assert.True(t, chain[0].Succeeded())
	assert.Len(t, probe.Agents(), 1)
	assert.Equal(t, source, probe.Source)
	probe.Source[0].Value = "changed"
	assert.Equal(t, "s", source[0].Value)

	assert.Equal(t, model.LinkError, parent.Status)
	assert.Empty(t, parent.Relationships[0].Target.CollectedBy)
}

// TestVerify_SourceFactOnReobservedFact verifies a seeded fact the parent
// observed again still satisfies a source_fact requirement.
func TestVerify_SourceFactOnReobservedFact(t *testing.T) {
	reqs := []model.Requirement{{Module: "plugins.response.app.requirements.source_fact",
		RelationshipMatch: []model.RelationshipMatch{{Source: "t2"}}}}
	parent := &model.Link{ID: "parent", Paw: "agent1", Relationships: []model.Relationship{model.NewRelationship(t1, "e", t2)}}
	seeded := []model.Fact{{Trait: "t2", Value: "b"}}

	v, _ := newVerifier(t, WithSource(func() []model.Fact { return seeded }))
	n, err := v.Verify(context.Background(), candidate("agent1", reqs, t2), parent)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	unseeded, _ := newVerifier(t)
	n, err = unseeded.Verify(context.Background(), candidate("agent1", reqs, t2), parent)
	require.NoError(t, err)
	assert.Zero(t, n)
}
