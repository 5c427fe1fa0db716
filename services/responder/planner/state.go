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
	"sort"
	"time"
)

// State is the planner's persisted bookkeeping for one operation.
//
// Link sets hold link IDs. They only grow, which is what keeps the same
// evidence from triggering the same reaction twice across restarts.
type State struct {
	OperationID    string             `json:"operation_id"`
	Severity       map[string]float64 `json:"severity"`
	LinksHunted    []string           `json:"links_hunted"`
	LinksResponded []string           `json:"links_responded"`
	ProcessedLinks []string           `json:"processed_links"`
	FoldedLinks    []string           `json:"folded_links"`
	NextBucket     string             `json:"next_bucket"`
	Cycles         int                `json:"cycles"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// StateStore persists State between runs. storage.Store[State] satisfies it.
type StateStore interface {
	Save(ctx context.Context, operationID string, s State) error
	Load(ctx context.Context, operationID string) (State, bool, error)
}

// linkSet is a set of link IDs.
type linkSet map[string]struct{}

func newLinkSet(ids []string) linkSet {
	s := make(linkSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s linkSet) has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s linkSet) add(id string) {
	s[id] = struct{}{}
}

func (s linkSet) sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
