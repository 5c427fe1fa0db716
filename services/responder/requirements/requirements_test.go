// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package requirements

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
)

func linkWith(paw string, module string, match model.RelationshipMatch, used ...model.Fact) *model.Link {
	return &model.Link{
		ID:  "candidate",
		Paw: paw,
		Ability: &model.Ability{
			ID:           "a1",
			Tactic:       model.BucketResponse,
			Requirements: []model.Requirement{{Module: module, RelationshipMatch: []model.RelationshipMatch{match}}},
		},
		Used: used,
	}
}

// TestRegistry_DottedNames verifies a module registered under its dotted
// path resolves by its last segment and the reverse.
func TestRegistry_DottedNames(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("plugins.custom.app.requirements.always", Basic{}))
	assert.Equal(t, []string{"always"}, r.Modules())

	_, err := r.Lookup("always")
	assert.NoError(t, err)
	_, err = r.Lookup("other.plugin.always")
	assert.NoError(t, err)
	assert.ErrorIs(t, r.Register("  ", Basic{}), ErrEmptyModule)
}

// TestRegistry_Lookup verifies registration and unknown modules.
func TestRegistry_Lookup(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"basic", "has_property", "paw_provenance", "source_fact"}, r.Modules())

	_, err := r.Lookup("plugins.stockpile.app.requirements.basic")
	require.NoError(t, err)

	_, err = r.Lookup("plugins.stockpile.app.requirements.nope")
	var unknown *UnknownModuleError
	require.True(t, errors.As(err, &unknown))
	assert.Contains(t, unknown.Error(), "nope")

	assert.ErrorIs(t, r.Register("x", nil), ErrNilEvaluator)
	assert.ErrorIs(t, r.Register("", PawProvenance{}), ErrEmptyModule)
}

// TestPawProvenance verifies the collector must match the link's paw.
func TestPawProvenance(t *testing.T) {
	ctx := context.Background()
	f := model.Fact{Trait: "some.test.fact1", Value: "fact1"}
	op := model.NewOperation("op", nil, nil)
	producer := &model.Link{ID: "p", Paw: "agent1", Facts: []model.Fact{{Trait: f.Trait, Value: f.Value, CollectedBy: "other"}}}
	op.AppendLink(producer)

	link := linkWith("agent1", "plugins.stockpile.app.requirements.paw_provenance", model.RelationshipMatch{Source: f.Trait}, f)

	ok, err := DefaultRegistry().Satisfied(ctx, link, op)
	require.NoError(t, err)
	assert.False(t, ok)

	producer.Facts[0].CollectedBy = "agent1"
	ok, err = DefaultRegistry().Satisfied(ctx, link, op)
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestBasic_EdgeMustMatch verifies the edge and target of the relationship.
func TestBasic_EdgeMustMatch(t *testing.T) {
	ctx := context.Background()
	t1 := model.Fact{Trait: "t1", Value: "a"}
	t2 := model.Fact{Trait: "t2", Value: "b"}

	parent := &model.Link{ID: "p", Paw: "agent1", Relationships: []model.Relationship{model.NewRelationship(t1, "e", t2)}}
	op := model.NewOperation("op", nil, nil)
	op.AppendLink(parent)

	match := model.RelationshipMatch{Source: "t1", Edge: "e", Target: "t2"}
	link := linkWith("agent1", ModuleBasic, match, t1, t2)

	ok, err := DefaultRegistry().Satisfied(ctx, link, op)
	require.NoError(t, err)
	assert.True(t, ok)

	parent.Relationships[0].Edge = "other"
	ok, err = DefaultRegistry().Satisfied(ctx, link, op)
	require.NoError(t, err)
	assert.False(t, ok)

	parent.Relationships[0].Edge = "e"
	onlySource := linkWith("agent1", ModuleBasic, match, t1)
	ok, err = DefaultRegistry().Satisfied(ctx, onlySource, op)
	require.NoError(t, err)
	assert.False(t, ok, "target must be among used facts")
}

// TestHasPropertyAndSourceFact verifies the supplementary modules.
func TestHasPropertyAndSourceFact(t *testing.T) {
	ctx := context.Background()
	file := model.Fact{Trait: "file.path", Value: "/tmp/evil"}
	seed := model.Fact{Trait: "remote.ip", Value: "10.0.0.1"}

	op := model.NewOperation("op", nil, []model.Fact{seed})
	op.AppendLink(&model.Link{ID: "p", Relationships: []model.Relationship{
		model.NewRelationship(file, PropertyEdge, model.Fact{Trait: "file.unauthorized", Value: "true"}),
	}})

	ok, err := DefaultRegistry().Satisfied(ctx,
		linkWith("a", ModuleHasProperty, model.RelationshipMatch{Source: "file.path", Target: "file.unauthorized"}, file), op)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = DefaultRegistry().Satisfied(ctx,
		linkWith("a", ModuleHasProperty, model.RelationshipMatch{Source: "file.path", Target: "file.owner"}, file), op)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = DefaultRegistry().Satisfied(ctx,
		linkWith("a", ModuleSourceFact, model.RelationshipMatch{Source: "remote.ip"}, seed), op)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = DefaultRegistry().Satisfied(ctx,
		linkWith("a", ModuleSourceFact, model.RelationshipMatch{Source: "file.path"}, file), op)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestRegistry_Filter verifies unknown modules propagate as errors.
func TestRegistry_Filter(t *testing.T) {
	ctx := context.Background()
	op := model.NewOperation("op", nil, nil)

	plain := &model.Link{ID: "plain", Ability: &model.Ability{ID: "x"}}
	bad := linkWith("a", "does.not.exist", model.RelationshipMatch{Source: "t"})

	out, err := DefaultRegistry().Filter(ctx, []*model.Link{plain}, op)
	require.NoError(t, err)
	assert.Len(t, out, 1)

	_, err = DefaultRegistry().Filter(ctx, []*model.Link{plain, bad}, op)
	var unknown *UnknownModuleError
	assert.True(t, errors.As(err, &unknown))
}
