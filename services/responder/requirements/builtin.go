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

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
)

// PropertyEdge is the edge has_property looks for.
const PropertyEdge = "has_property"

// PawProvenance passes when a used fact of the match's source trait was
// collected in op by the link's own agent.
type PawProvenance struct{}

// Evaluate implements Evaluator.
func (PawProvenance) Evaluate(_ context.Context, match model.RelationshipMatch, link *model.Link, op *model.Operation) (bool, error) {
	facts := op.AllFactsWithProvenance()
	for _, uf := range link.Used {
		if uf.Trait != match.Source {
			continue
		}
		for _, f := range facts {
			if f.Equal(uf) && f.CollectedBy == link.Paw {
				return true, nil
			}
		}
	}
	return false, nil
}

// Basic passes when op holds a relationship whose source is a used fact of
// the match's source trait, whose edge equals the match's edge, and, if
// the match names a target, whose target is also among the used facts.
type Basic struct{}

// Evaluate implements Evaluator.
func (Basic) Evaluate(_ context.Context, match model.RelationshipMatch, link *model.Link, op *model.Operation) (bool, error) {
	rels := op.AllRelationships()
	for _, uf := range link.Used {
		if uf.Trait != match.Source {
			continue
		}
		for _, r := range rels {
			if !r.Source.Equal(uf) {
				continue
			}
			if validRelationship(match, r, link.Used) {
				return true, nil
			}
		}
	}
	return false, nil
}

func validRelationship(match model.RelationshipMatch, r model.Relationship, used []model.Fact) bool {
	if match.Edge != "" && r.Edge != match.Edge {
		return false
	}
	if match.Target == "" {
		return true
	}
	if r.Target == nil || r.Target.Trait != match.Target {
		return false
	}
	return model.ContainsFact(used, *r.Target)
}

// HasProperty passes when a used fact of the match's source trait has a
// has_property relationship to a fact of the match's target trait.
type HasProperty struct{}

// Evaluate implements Evaluator.
func (HasProperty) Evaluate(_ context.Context, match model.RelationshipMatch, link *model.Link, op *model.Operation) (bool, error) {
	rels := op.AllRelationships()
	for _, uf := range link.Used {
		if uf.Trait != match.Source {
			continue
		}
		for _, r := range rels {
			if !r.Source.Equal(uf) || r.Edge != PropertyEdge || r.Target == nil {
				continue
			}
			if r.Target.Trait == match.Target {
				return true, nil
			}
		}
	}
	return false, nil
}

// SourceFact passes when a used fact of the match's source trait was seeded
// in the operation's source rather than collected.
type SourceFact struct{}

// Evaluate implements Evaluator.
func (SourceFact) Evaluate(_ context.Context, match model.RelationshipMatch, link *model.Link, op *model.Operation) (bool, error) {
	for _, uf := range link.Used {
		if uf.Trait != match.Source {
			continue
		}
		if model.ContainsFact(op.Source, uf) {
			return true, nil
		}
	}
	return false, nil
}
