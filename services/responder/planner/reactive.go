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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
	"github.com/AleutianAI/AleutianResponder/services/responder/telemetry"
)

// doReactiveBucket runs the hunt or response bucket.
//
// Description:
//
//	Fetches candidate links for bucket and keeps those that are licensed:
//	a candidate that uses no facts is always licensed, any other needs at
//	least one unaddressed parent that produced one of its used facts and
//	passes verification. Response additionally requires the parent and the
//	fact's collector to be the candidate's own agent, and the agent's
//	severity to meet the ability's severity requirement. Licensed
//	candidates are deduplicated by (command, paw), their parents are
//	credited in the bucket's addressed set and the batch is executed.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	bucket - model.BucketHunt or model.BucketResponse.
//
// Outputs:
//
//	int - Number of links submitted.
//	error - Non-nil on tasking, verification or execution failure. Nothing
//	        is credited when selection fails.
func (p *Planner) doReactiveBucket(ctx context.Context, bucket string) (int, error) {
	ctx, span := tracer.Start(ctx, "planner.doReactiveBucket",
		trace.WithAttributes(attribute.String("bucket", bucket)),
	)
	defer span.End()

	p.mu.RLock()
	addressed := p.addressedLocked(bucket)
	p.mu.RUnlock()
	if addressed == nil {
		return 0, fmt.Errorf("%w: %s is not reactive", ErrUnknownBucket, bucket)
	}
	sameActor := bucket == model.BucketResponse

	// Parents come from the chain as it stood when the bucket started.
	chain := p.op.Chain()

	candidates, err := p.tasking.GetLinks(ctx, p.op, bucket)
	if err != nil {
		telemetry.RecordError(span, err)
		return 0, fmt.Errorf("getting %s links: %w", bucket, err)
	}

	var selected []*model.Link
	credited := make(map[string]struct{})
	seen := make(map[string]struct{})
	for _, c := range candidates {
		if sameActor && !p.meetsSeverity(c) {
			p.logger.Debug("severity requirement not met",
				slog.String("paw", c.Paw),
				slog.String("ability", c.AbilityID()),
			)
			continue
		}

		parents, licensed, err := p.licensingParents(ctx, bucket, c, chain, addressed, sameActor)
		if err != nil {
			telemetry.RecordError(span, err)
			return 0, err
		}
		if !licensed {
			continue
		}
		for _, id := range parents {
			credited[id] = struct{}{}
		}

		key := c.Command + "\x00" + c.Paw
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		selected = append(selected, c)
	}

	p.mu.Lock()
	for id := range credited {
		addressed.add(id)
	}
	p.mu.Unlock()

	span.SetAttributes(attribute.Int("candidates", len(candidates)), attribute.Int("selected", len(selected)))
	if err := p.apply(ctx, bucket, selected); err != nil {
		return 0, err
	}
	return len(selected), nil
}

// meetsSeverity reports whether the candidate's agent has reached the
// ability's severity requirement.
func (p *Planner) meetsSeverity(c *model.Link) bool {
	if c.Ability == nil || c.Ability.SeverityRequirement <= 0 {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.severity[c.Paw] >= c.Ability.SeverityRequirement
}

// licensingParents returns the IDs of the unaddressed parents that license
// c. A candidate with no used facts is licensed with no parents.
func (p *Planner) licensingParents(ctx context.Context, bucket string, c *model.Link, chain []*model.Link, addressed linkSet, sameActor bool) ([]string, bool, error) {
	if len(c.Used) == 0 {
		return nil, true, nil
	}

	p.mu.RLock()
	snapshot := make(linkSet, len(addressed))
	for id := range addressed {
		snapshot.add(id)
	}
	p.mu.RUnlock()

	m := plannerMetrics()
	var parents []string
	checked := make(map[string]struct{})
	for _, f := range c.Used {
		for _, parent := range chain {
			if _, done := checked[parent.ID]; done {
				continue
			}
			if snapshot.has(parent.ID) || !isParent(parent, f, c.Paw, sameActor) {
				continue
			}
			checked[parent.ID] = struct{}{}

			start := time.Now()
			n, err := p.verifier.Verify(ctx, c, parent)
			m.VerifyDuration.Record(ctx, time.Since(start).Seconds())
			if err != nil {
				return nil, false, fmt.Errorf("verifying parent %s of %s: %w", parent.ID, c.AbilityID(), err)
			}
			outcome := "rejected"
			if n > 0 {
				outcome = "licensed"
				parents = append(parents, parent.ID)
			}
			m.Verifications.Add(ctx, 1, metric.WithAttributes(
				attribute.String("bucket", bucket),
				attribute.String("outcome", outcome),
			))
		}
	}
	return parents, len(parents) > 0, nil
}

// isParent reports whether link produced f. With sameActor set the link
// must have run on paw and the fact must have been collected by paw.
func isParent(link *model.Link, f model.Fact, paw string, sameActor bool) bool {
	if !link.Succeeded() || link.Uses(f) || !link.MentionsFact(f) {
		return false
	}
	if !sameActor {
		return true
	}
	return link.Paw == paw && collector(link, f) == paw
}

// collector returns who collected f on link, defaulting to the link's paw.
func collector(link *model.Link, f model.Fact) string {
	for _, r := range link.Relationships {
		if got, ok := r.Find(f); ok && got.CollectedBy != "" {
			return got.CollectedBy
		}
	}
	for _, got := range link.Facts {
		if got.Equal(f) && got.CollectedBy != "" {
			return got.CollectedBy
		}
	}
	return link.Paw
}
