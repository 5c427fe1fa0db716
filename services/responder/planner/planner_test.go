// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package planner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
	"github.com/AleutianAI/AleutianResponder/services/responder/requirements"
	"github.com/AleutianAI/AleutianResponder/services/responder/tasking"
)

// abilityList is a mutable ability source for tests.
type abilityList struct {
	abilities []*model.Ability
}

func (a *abilityList) AbilitiesForBucket(bucket string) []*model.Ability {
	var out []*model.Ability
	for _, ab := range a.abilities {
		if ab.InBucket(bucket) {
			out = append(out, ab)
		}
	}
	return out
}

func (a *abilityList) Ability(id string) (*model.Ability, error) {
	for _, ab := range a.abilities {
		if ab.ID == id {
			return ab, nil
		}
	}
	return nil, fmt.Errorf("ability %s not found", id)
}

func (a *abilityList) add(tactic, id, command string) *model.Ability {
	ab := &model.Ability{
		ID:         id,
		Tactic:     tactic,
		Buckets:    []string{tactic},
		Command:    command,
		Executor:   "sh",
		Platform:   "linux",
		Repeatable: true,
	}
	a.abilities = append(a.abilities, ab)
	return ab
}

type fixture struct {
	agent     model.Agent
	op        *model.Operation
	abilities *abilityList
	detLink   *model.Link
	fact1     model.Fact
	planner   *Planner
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CycleInterval = 0
	cfg.BatchTimeout = 0
	return cfg
}

// newFixture builds an operation with one agent and one completed
// detection link that produced some.test.fact1.
func newFixture(t *testing.T, executor tasking.Executor, opts ...Option) *fixture {
	t.Helper()
	agent := model.Agent{Paw: "agent1", Host: "h1", Platform: "linux", Executors: []string{"sh"}}
	abilities := &abilityList{}
	det := abilities.add(model.BucketDetection, "detection0", "detection0")

	fact1 := model.Fact{Trait: "some.test.fact1", Value: "fact1", CollectedBy: agent.Paw}
	detLink := &model.Link{
		ID:            "det-link",
		Paw:           agent.Paw,
		Host:          agent.Host,
		Command:       "detection0",
		Ability:       det,
		Facts:         []model.Fact{fact1},
		Relationships: []model.Relationship{{Source: fact1}},
	}
	op := model.NewOperation("test1", []model.Agent{agent}, nil)
	op.AppendLink(detLink)

	if executor == nil {
		executor = tasking.NewReplayExecutor(nil)
	}
	svc, err := tasking.NewMemory(abilities, executor, tasking.WithLogger(quiet))
	require.NoError(t, err)

	base := []Option{WithConfig(testConfig()), WithAbilities(abilities), WithLogger(quiet)}
	p, err := New(op, svc, append(base, opts...)...)
	require.NoError(t, err)
	return &fixture{agent: agent, op: op, abilities: abilities, detLink: detLink, fact1: fact1, planner: p}
}

func (f *fixture) run(t *testing.T, bucket string) {
	t.Helper()
	var err error
	switch bucket {
	case model.BucketHunt:
		err = f.planner.Hunt(context.Background())
	case model.BucketResponse:
		err = f.planner.Response(context.Background())
	default:
		t.Fatalf("not a reactive bucket: %s", bucket)
	}
	require.NoError(t, err)
}

// siblingLink returns a completed copy of the detection link with a new ID
// and no facts or relationships.
func (f *fixture) siblingLink(id string) *model.Link {
	return &model.Link{ID: id, Paw: f.agent.Paw, Host: f.agent.Host, Command: f.detLink.Command, Ability: f.detLink.Ability}
}

var reactiveBuckets = []string{model.BucketHunt, model.BucketResponse}

// TestNew_Validation verifies required collaborators.
func TestNew_Validation(t *testing.T) {
	svc, err := tasking.NewMemory(&abilityList{}, tasking.NewReplayExecutor(nil))
	require.NoError(t, err)

	_, err = New(nil, svc)
	assert.ErrorIs(t, err, ErrNilOperation)
	_, err = New(model.NewOperation("op", nil, nil), nil)
	assert.ErrorIs(t, err, ErrNilTasking)

	p, err := New(model.NewOperation("op", nil, nil), svc)
	require.NoError(t, err)
	assert.Equal(t, model.BucketSetup, p.NextBucket())
}

// TestSetup verifies severity seeding and one setup link per agent.
func TestSetup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.abilities.add(model.BucketSetup, "setup0", "setup0")

	require.NoError(t, f.planner.Setup(ctx))
	assert.Equal(t, 2, f.op.ChainLen())
	assert.Equal(t, map[string]float64{"agent1": 0}, f.planner.Snapshot().Severity)

	require.NoError(t, f.planner.Setup(ctx))
	assert.Equal(t, 2, f.op.ChainLen())
	assert.Len(t, f.planner.Snapshot().Severity, 1)

	f.op.AddAgent(model.Agent{Paw: "agent2", Host: "h2", Platform: "linux", Executors: []string{"sh"}})
	require.NoError(t, f.planner.Setup(ctx))
	assert.Equal(t, 3, f.op.ChainLen())
	assert.Len(t, f.planner.Snapshot().Severity, 2)
}

// TestSetup_KeepsExistingSeverity verifies setup never resets a score.
func TestSetup_KeepsExistingSeverity(t *testing.T) {
	f := newFixture(t, nil)
	f.planner.SetSeverity("agent1", 7)
	require.NoError(t, f.planner.Setup(context.Background()))
	got, ok := f.planner.Severity("agent1")
	assert.True(t, ok)
	assert.Equal(t, 7.0, got)
}

// TestDetection verifies every detection ability runs on every cycle.
func TestDetection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.abilities.add(model.BucketDetection, "detection1", "detection1")
	f.abilities.add(model.BucketDetection, "detection2", "detection2")

	require.NoError(t, f.planner.Detection(ctx))
	assert.Equal(t, 4, f.op.ChainLen())

	require.NoError(t, f.planner.Detection(ctx))
	assert.Equal(t, 7, f.op.ChainLen())
}

// TestReactiveBucket_NoParent verifies a candidate whose fact nobody
// produced is never applied.
func TestReactiveBucket_NoParent(t *testing.T) {
	for _, bucket := range reactiveBuckets {
		t.Run(bucket, func(t *testing.T) {
			f := newFixture(t, nil)
			f.abilities.add(bucket, bucket+"1", "#{some.test.fact2}")

			f.run(t, bucket)
			assert.Equal(t, 1, f.op.ChainLen())
			assert.Same(t, f.detLink, f.op.Chain()[0])
			assert.Empty(t, f.planner.Addressed(bucket))
		})
	}
}

// TestReactiveBucket_ParentAddressedOnce verifies a parent triggers one
// reaction and a new parent with the same evidence triggers another.
func TestReactiveBucket_ParentAddressedOnce(t *testing.T) {
	for _, bucket := range reactiveBuckets {
		t.Run(bucket, func(t *testing.T) {
			f := newFixture(t, nil)
			f.abilities.add(bucket, bucket+"1", "#{some.test.fact1}")

			f.run(t, bucket)
			require.Equal(t, 2, f.op.ChainLen())
			assert.Equal(t, bucket+"1", f.op.Chain()[1].AbilityID())
			assert.Equal(t, []string{"det-link"}, f.planner.Addressed(bucket))

			f.run(t, bucket)
			assert.Equal(t, 2, f.op.ChainLen())
			assert.Len(t, f.planner.Addressed(bucket), 1)

			det2 := f.siblingLink("det-link-2")
			det2.Relationships = []model.Relationship{f.detLink.Relationships[0]}
			f.op.AppendLink(det2)

			f.run(t, bucket)
			require.Equal(t, 4, f.op.ChainLen())
			assert.Equal(t, bucket+"1", f.op.Chain()[3].AbilityID())
			assert.Len(t, f.planner.Addressed(bucket), 2)
		})
	}
}

// TestReactiveBucket_UsedIsNotProduced verifies a link that used a fact is
// not a parent for it.
func TestReactiveBucket_UsedIsNotProduced(t *testing.T) {
	for _, bucket := range reactiveBuckets {
		t.Run(bucket, func(t *testing.T) {
			f := newFixture(t, nil)
			require.NoError(t, f.planner.MarkAddressed(bucket, f.detLink.ID))

			fact2 := model.Fact{Trait: "some.test.fact2", Value: "fact2", CollectedBy: f.agent.Paw}
			det2 := f.siblingLink("det-link-2")
			det2.Used = []model.Fact{f.fact1}
			det2.Facts = []model.Fact{fact2}
			det2.Relationships = []model.Relationship{model.NewRelationship(f.fact1, "edge", fact2)}
			f.op.AppendLink(det2)

			f.abilities.add(bucket, bucket+"1", "#{some.test.fact1}")
			f.run(t, bucket)
			require.Equal(t, 2, f.op.ChainLen())
			assert.Same(t, f.detLink, f.op.Chain()[0])
			assert.Same(t, det2, f.op.Chain()[1])
			assert.Len(t, f.planner.Addressed(bucket), 1)
		})
	}
}

// TestReactiveBucket_TwoParentsOneReaction verifies duplicate evidence
// yields one link while crediting both parents.
func TestReactiveBucket_TwoParentsOneReaction(t *testing.T) {
	for _, bucket := range reactiveBuckets {
		t.Run(bucket, func(t *testing.T) {
			f := newFixture(t, nil)
			det2 := f.siblingLink("det-link-2")
			det2.Relationships = []model.Relationship{f.detLink.Relationships[0]}
			f.op.AppendLink(det2)

			f.abilities.add(bucket, bucket+"1", "#{some.test.fact1}")
			f.run(t, bucket)
			require.Equal(t, 3, f.op.ChainLen())
			assert.Equal(t, bucket+"1", f.op.Chain()[2].AbilityID())
			assert.Equal(t, []string{"det-link", "det-link-2"}, f.planner.Addressed(bucket))

			f.run(t, bucket)
			assert.Equal(t, 3, f.op.ChainLen())
			assert.Len(t, f.planner.Addressed(bucket), 2)
		})
	}
}

// TestReactiveBucket_TwoValuesTwoReactions verifies each value of a trait
// gets its own reaction.
func TestReactiveBucket_TwoValuesTwoReactions(t *testing.T) {
	for _, bucket := range reactiveBuckets {
		t.Run(bucket, func(t *testing.T) {
			f := newFixture(t, nil)
			other := model.Fact{Trait: "some.test.fact1", Value: "fact2", CollectedBy: f.agent.Paw}
			det2 := f.siblingLink("det-link-2")
			det2.Facts = []model.Fact{other}
			det2.Relationships = []model.Relationship{{Source: other}}
			f.op.AppendLink(det2)

			f.abilities.add(bucket, bucket+"1", "#{some.test.fact1}")
			f.run(t, bucket)
			require.Equal(t, 4, f.op.ChainLen())
			assert.Equal(t, bucket+"1", f.op.Chain()[2].AbilityID())
			assert.Equal(t, bucket+"1", f.op.Chain()[3].AbilityID())
			assert.Len(t, f.planner.Addressed(bucket), 2)

			f.run(t, bucket)
			assert.Equal(t, 4, f.op.ChainLen())
			assert.Len(t, f.planner.Addressed(bucket), 2)
		})
	}
}

// TestReactiveBucket_PawProvenanceRequirement verifies a paw provenance
// requirement is checked against the parent alone.
func TestReactiveBucket_PawProvenanceRequirement(t *testing.T) {
	for _, bucket := range reactiveBuckets {
		t.Run(bucket, func(t *testing.T) {
			f := newFixture(t, nil)
			require.NoError(t, f.planner.MarkAddressed(bucket, f.detLink.ID))

			foreign := model.Fact{Trait: "some.test.fact1", Value: "fact1", CollectedBy: "someotherpaw"}
			det2 := f.siblingLink("det-link-2")
			det2.Facts = []model.Fact{foreign}
			det2.Relationships = []model.Relationship{{Source: foreign}}
			f.op.AppendLink(det2)

			ab := f.abilities.add(bucket, bucket+"1", "#{some.test.fact1}")
			ab.Requirements = []model.Requirement{{
				Module:            "plugins.stockpile.app.requirements." + requirements.ModulePawProvenance,
				RelationshipMatch: []model.RelationshipMatch{{Source: "some.test.fact1"}},
			}}

			f.run(t, bucket)
			require.Equal(t, 2, f.op.ChainLen())
			assert.Same(t, f.detLink, f.op.Chain()[0])
			assert.Same(t, det2, f.op.Chain()[1])
			assert.Len(t, f.planner.Addressed(bucket), 1)

			det2.Facts[0].CollectedBy = f.agent.Paw
			det2.Relationships[0].Source.CollectedBy = f.agent.Paw
			f.run(t, bucket)
			require.Equal(t, 3, f.op.ChainLen())
			assert.Equal(t, bucket+"1", f.op.Chain()[2].AbilityID())
			assert.Len(t, f.planner.Addressed(bucket), 2)

			f.run(t, bucket)
			assert.Equal(t, 3, f.op.ChainLen())
			assert.Len(t, f.planner.Addressed(bucket), 2)
		})
	}
}

// TestReactiveBucket_MultiFactCandidate verifies a parent that used one
// fact still licenses through the fact it produced.
func TestReactiveBucket_MultiFactCandidate(t *testing.T) {
	for _, bucket := range reactiveBuckets {
		t.Run(bucket, func(t *testing.T) {
			f := newFixture(t, nil)
			require.NoError(t, f.planner.MarkAddressed(bucket, f.detLink.ID))

			fact2 := model.Fact{Trait: "some.test.fact2", Value: "fact2", CollectedBy: f.agent.Paw}
			det2 := f.siblingLink("det-link-2")
			det2.Used = []model.Fact{f.fact1}
			det2.Facts = []model.Fact{fact2}
			det2.Relationships = []model.Relationship{model.NewRelationship(f.fact1, "edge", fact2)}
			f.op.AppendLink(det2)

			f.abilities.add(bucket, bucket+"1", "#{some.test.fact1} #{some.test.fact2}")
			f.run(t, bucket)
			require.Equal(t, 3, f.op.ChainLen())
			assert.Equal(t, "fact1 fact2", f.op.Chain()[2].Command)
			assert.Equal(t, []string{"det-link", "det-link-2"}, f.planner.Addressed(bucket))
		})
	}
}

// TestResponse_RequiresSameActor verifies response ignores evidence
// collected by another agent while hunt accepts it.
func TestResponse_RequiresSameActor(t *testing.T) {
	tests := []struct {
		bucket string
		chain  int
		credit int
	}{
		{bucket: model.BucketResponse, chain: 1, credit: 0},
		{bucket: model.BucketHunt, chain: 2, credit: 1},
	}
	for _, tt := range tests {
		t.Run(tt.bucket, func(t *testing.T) {
			f := newFixture(t, nil)
			f.detLink.Facts[0].CollectedBy = "someotherpaw"
			f.detLink.Relationships[0].Source.CollectedBy = "someotherpaw"

			f.abilities.add(tt.bucket, tt.bucket+"1", "#{some.test.fact1}")
			f.run(t, tt.bucket)
			assert.Equal(t, tt.chain, f.op.ChainLen())
			assert.Len(t, f.planner.Addressed(tt.bucket), tt.credit)
		})
	}
}

// TestResponse_ParentOnOtherAgent verifies response ignores parents that
// ran on a different agent.
func TestResponse_ParentOnOtherAgent(t *testing.T) {
	f := newFixture(t, nil)
	f.detLink.Paw = "agent2"
	f.abilities.add(model.BucketResponse, "response1", "#{some.test.fact1}")

	f.run(t, model.BucketResponse)
	assert.Equal(t, 1, f.op.ChainLen())
}

// TestResponse_SeverityRequirement verifies the severity gate.
func TestResponse_SeverityRequirement(t *testing.T) {
	f := newFixture(t, nil)
	f.planner.SetSeverity(f.agent.Paw, 0)
	ab := f.abilities.add(model.BucketResponse, "response1", "response")
	ab.SeverityRequirement = 50

	f.run(t, model.BucketResponse)
	assert.Equal(t, 1, f.op.ChainLen())

	f.planner.SetSeverity(f.agent.Paw, 50)
	f.run(t, model.BucketResponse)
	assert.Equal(t, 2, f.op.ChainLen())
}

// TestReactiveBucket_UnusedFactsAlwaysEligible verifies candidates without
// used facts need no parent.
func TestReactiveBucket_UnusedFactsAlwaysEligible(t *testing.T) {
	f := newFixture(t, nil)
	f.abilities.add(model.BucketHunt, "hunt1", "hunt")

	f.run(t, model.BucketHunt)
	f.run(t, model.BucketHunt)
	assert.Equal(t, 3, f.op.ChainLen())
	assert.Empty(t, f.planner.Addressed(model.BucketHunt))
}

// TestReactiveBucket_FailedParentIgnored verifies only successful links
// count as parents.
func TestReactiveBucket_FailedParentIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.detLink.Status = model.LinkError
	f.abilities.add(model.BucketHunt, "hunt1", "#{some.test.fact1}")

	_, err := f.planner.doReactiveBucket(context.Background(), model.BucketHunt)
	require.NoError(t, err)
	assert.Equal(t, 1, f.op.ChainLen())
}

// TestDoReactiveBucket_RejectsOtherBuckets verifies only hunt and response
// are reactive.
func TestDoReactiveBucket_RejectsOtherBuckets(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.planner.doReactiveBucket(context.Background(), model.BucketDetection)
	assert.ErrorIs(t, err, ErrUnknownBucket)
	assert.ErrorIs(t, f.planner.MarkAddressed(model.BucketSetup, "x"), ErrUnknownBucket)
}

// TestDetection_ThrottledBatchTimeout verifies a batch the rate limiter
// cannot dispatch before BatchTimeout is a warning, not a failure, while
// the caller's own cancellation still is.
func TestDetection_ThrottledBatchTimeout(t *testing.T) {
	agent := model.Agent{Paw: "agent1", Host: "h1", Platform: "linux", Executors: []string{"sh"}}
	abilities := &abilityList{}
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("detection%d", i)
		abilities.add(model.BucketDetection, id, id)
	}
	svc, err := tasking.NewMemory(abilities, tasking.NewReplayExecutor(nil),
		tasking.WithRateLimit(1, 1),
		tasking.WithLogger(quiet),
	)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.BatchTimeout = 200 * time.Millisecond
	op := model.NewOperation("throttled", []model.Agent{agent}, nil)
	p, err := New(op, svc, WithConfig(cfg), WithLogger(quiet))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Detection(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Less(t, op.ChainLen(), 6, "throttled links are left for a later cycle")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Detection(ctx), context.Canceled)
}
