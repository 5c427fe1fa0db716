// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tasking

import (
	"context"
	"sync"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
)

// ReplayExecutor answers links with recorded outputs instead of contacting
// agents.
//
// Outputs are keyed by "abilityID@paw" or, as a fallback, by ability ID.
// Each key's outputs are returned in order, one per call; once exhausted
// the link succeeds with empty output.
type ReplayExecutor struct {
	mu      sync.Mutex
	outputs map[string][]string
	next    map[string]int
	calls   int
}

// NewReplayExecutor creates an executor over outputs. The map is copied.
func NewReplayExecutor(outputs map[string][]string) *ReplayExecutor {
	cp := make(map[string][]string, len(outputs))
	for k, v := range outputs {
		cp[k] = append([]string(nil), v...)
	}
	return &ReplayExecutor{outputs: cp, next: make(map[string]int)}
}

// Execute implements Executor.
func (r *ReplayExecutor) Execute(ctx context.Context, agent model.Agent, link *model.Link) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++

	key := link.AbilityID() + "@" + agent.Paw
	if _, ok := r.outputs[key]; !ok {
		key = link.AbilityID()
	}
	outs := r.outputs[key]
	i := r.next[key]
	if i >= len(outs) {
		return Result{Status: model.LinkSuccess}, nil
	}
	r.next[key] = i + 1
	return Result{Output: outs[i], Status: model.LinkSuccess}, nil
}

// Calls returns how many links were executed.
func (r *ReplayExecutor) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
