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
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
	"github.com/AleutianAI/AleutianResponder/services/responder/processtree"
	"github.com/AleutianAI/AleutianResponder/services/responder/tasking"
	"github.com/AleutianAI/AleutianResponder/services/responder/telemetry"
)

// DiscoverChildProcesses expands the process tree below a process.
//
// # Description
//
// Breadth first from (pid, guid) on paw's host: each depth level runs the
// configured child process ability once per frontier process as a single
// batch, records every reported child in the host's process tree and uses
// the new children as the next frontier. Expansion stops at
// ChildProcessDepth levels or when a level reports nothing new.
//
// # Inputs
//
//   - ctx: Context for cancellation and tracing.
//   - paw: Agent that runs the discovery ability.
//   - pid, guid: Process to expand. It is added to the tree as a root if
//     it is not already known.
//
// # Outputs
//
//   - []processtree.Child: Every newly recorded descendant, level by level.
//   - error: ErrNoChildProcessAbility, tasking.ErrAgentNotFound, or a
//     tasking failure.
func (p *Planner) DiscoverChildProcesses(ctx context.Context, paw string, pid int, guid string) ([]processtree.Child, error) {
	ctx, span := tracer.Start(ctx, "planner.DiscoverChildProcesses",
		trace.WithAttributes(attribute.String("paw", paw), attribute.String("guid", guid)),
	)
	defer span.End()

	if p.cfg.ChildProcessAbility == "" || p.abilities == nil {
		return nil, ErrNoChildProcessAbility
	}
	ability, err := p.abilities.Ability(p.cfg.ChildProcessAbility)
	if err != nil {
		return nil, fmt.Errorf("child process ability: %w", err)
	}
	agent, ok := p.op.AgentByPaw(paw)
	if !ok {
		return nil, fmt.Errorf("%w: %s", tasking.ErrAgentNotFound, paw)
	}

	tree := p.trees.Tree(agent.Host)
	tree.AddProcessNode(guid, pid, nil, "")

	hostAttr := metric.WithAttributes(attribute.String("host", agent.Host))
	var discovered []processtree.Child
	frontier := []processtree.Child{{GUID: guid, PID: pid}}
	for depth := 0; depth < p.cfg.ChildProcessDepth && len(frontier) > 0; depth++ {
		links := make([]*model.Link, 0, len(frontier))
		parentOf := make(map[*model.Link]string, len(frontier))
		for _, node := range frontier {
			used := []model.Fact{
				{Trait: processtree.TraitGUID, Value: node.GUID, CollectedBy: paw},
				{Trait: processtree.TraitPID, Value: strconv.Itoa(node.PID), CollectedBy: paw},
			}
			cmd := ability.BuildCommand(used)
			if model.HasUnresolved(cmd) {
				return discovered, fmt.Errorf("child process ability %s needs facts beyond guid and pid", ability.ID)
			}
			link := model.NewLink(agent, ability, cmd, used)
			links = append(links, link)
			parentOf[link] = node.GUID
		}

		if err := p.apply(ctx, model.BucketHunt, links); err != nil {
			telemetry.RecordError(span, err)
			return discovered, err
		}

		var nextLevel []processtree.Child
		for _, link := range links {
			if !link.Succeeded() {
				continue
			}
			parentGUID := parentOf[link]
			for _, child := range processtree.ChildrenFromRelationships(parentGUID, link.Relationships) {
				if !tree.AddProcessNode(child.GUID, child.PID, link, parentGUID) {
					continue
				}
				plannerMetrics().ProcessNodes.Add(ctx, 1, hostAttr)
				nextLevel = append(nextLevel, child)
			}
		}
		p.logger.Debug("child process level expanded",
			slog.String("host", agent.Host),
			slog.Int("depth", depth+1),
			slog.Int("children", len(nextLevel)),
		)
		discovered = append(discovered, nextLevel...)
		frontier = nextLevel
	}
	span.SetAttributes(attribute.Int("discovered", len(discovered)))
	return discovered, nil
}
