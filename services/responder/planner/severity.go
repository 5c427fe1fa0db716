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
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
)

// UpdateSeverity folds the severity modifiers of newly finished links into
// the severity of the agents that ran them.
//
// A link is folded once. It adds its ability's modifier only if it produced
// something and no identical, still unresponded link was folded before it;
// repeating the same detection on the same agent does not raise severity
// again until the first one has been responded to.
func (p *Planner) UpdateSeverity(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "planner.UpdateSeverity")
	defer span.End()

	m := plannerMetrics()
	for _, link := range p.op.Chain() {
		if !link.IsFinished() {
			continue
		}
		p.mu.RLock()
		done := p.processed.has(link.ID)
		p.mu.RUnlock()
		if done {
			continue
		}

		fold := link.Succeeded() &&
			link.Ability != nil &&
			link.Ability.SeverityModifier != 0 &&
			(len(link.Facts) > 0 || len(link.Relationships) > 0) &&
			!p.IsDetectionNotRespondedTo(link)

		p.mu.Lock()
		if fold {
			p.severity[link.Paw] += link.Ability.SeverityModifier
			p.folded.add(link.ID)
		}
		p.processed.add(link.ID)
		severity := p.severity[link.Paw]
		p.mu.Unlock()

		if fold {
			m.SeverityFolds.Add(ctx, 1, metric.WithAttributes(attribute.String("paw", link.Paw)))
			p.logger.Info("severity raised",
				slog.String("paw", link.Paw),
				slog.String("link_id", link.ID),
				slog.String("ability", link.AbilityID()),
				slog.Float64("severity", severity),
			)
		}
	}
	return nil
}

// IsDetectionNotRespondedTo reports whether a link with the same paw and
// command as link already raised severity and has not yet been responded
// to.
//
// Only paw and command are compared, so a hunt can match an earlier
// detection. Links that were processed without folding, such as a
// detection that found nothing, never match. link itself is never its own
// match.
func (p *Planner) IsDetectionNotRespondedTo(link *model.Link) bool {
	chain := p.op.Chain()
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, prior := range chain {
		if prior.ID == link.ID || !p.folded.has(prior.ID) {
			continue
		}
		if prior.Paw == link.Paw && prior.Command == link.Command && !p.responded.has(prior.ID) {
			return true
		}
	}
	return false
}
