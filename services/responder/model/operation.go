// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"sync"

	"github.com/google/uuid"
)

// Operation is a running response operation: its agents, seeded source
// facts and the append-only chain of links executed so far.
//
// Thread Safety: all methods are safe for concurrent use.
type Operation struct {
	ID     string
	Name   string
	Source []Fact

	mu     sync.RWMutex
	agents []Agent
	chain  []*Link
}

// NewOperation creates an operation with a fresh ID.
func NewOperation(name string, agents []Agent, source []Fact) *Operation {
	return &Operation{
		ID:     uuid.NewString(),
		Name:   name,
		Source: append([]Fact(nil), source...),
		agents: append([]Agent(nil), agents...),
	}
}

// Agents returns a copy of the operation's agents in join order.
func (o *Operation) Agents() []Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]Agent(nil), o.agents...)
}

// AddAgent attaches an agent. Re-adding a known paw is a no-op.
func (o *Operation) AddAgent(a Agent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, existing := range o.agents {
		if existing.Paw == a.Paw {
			return
		}
	}
	o.agents = append(o.agents, a)
}

// AgentByPaw looks up an agent.
func (o *Operation) AgentByPaw(paw string) (Agent, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, a := range o.agents {
		if a.Paw == paw {
			return a, true
		}
	}
	return Agent{}, false
}

// AgentsOnHost returns the agents running on host.
func (o *Operation) AgentsOnHost(host string) []Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []Agent
	for _, a := range o.agents {
		if a.Host == host {
			out = append(out, a)
		}
	}
	return out
}

// Chain returns a snapshot of the chain. The slice is a copy; the links
// are shared.
func (o *Operation) Chain() []*Link {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]*Link(nil), o.chain...)
}

// ChainLen returns the number of links in the chain.
func (o *Operation) ChainLen() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.chain)
}

// AppendLink adds links to the end of the chain.
func (o *Operation) AppendLink(links ...*Link) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chain = append(o.chain, links...)
}

// LinkByID finds a chain link by ID.
func (o *Operation) LinkByID(id string) (*Link, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, l := range o.chain {
		if l.ID == id {
			return l, true
		}
	}
	return nil, false
}

// HasLink reports whether paw has already been tasked with abilityID.
func (o *Operation) HasLink(paw, abilityID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, l := range o.chain {
		if l.Paw == paw && l.AbilityID() == abilityID {
			return true
		}
	}
	return false
}

// AllFacts returns the source facts followed by every fact collected by a
// successful link, including facts carried only by relationships.
// Duplicates by (trait, value) are removed.
func (o *Operation) AllFacts() []Fact {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := append([]Fact(nil), o.Source...)
	for _, l := range o.chain {
		if !l.Succeeded() {
			continue
		}
		out = append(out, l.Facts...)
		out = append(out, l.RelationshipFacts()...)
	}
	return DedupeFacts(out)
}

// AllFactsWithProvenance is AllFacts without deduplication, so the same
// (trait, value) collected by several agents appears once per collector.
func (o *Operation) AllFactsWithProvenance() []Fact {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := append([]Fact(nil), o.Source...)
	for _, l := range o.chain {
		if !l.Succeeded() {
			continue
		}
		out = append(out, l.Facts...)
		out = append(out, l.RelationshipFacts()...)
	}
	return out
}

// AllRelationships returns the relationships of every successful link.
func (o *Operation) AllRelationships() []Relationship {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []Relationship
	for _, l := range o.chain {
		if !l.Succeeded() {
			continue
		}
		out = append(out, l.Relationships...)
	}
	return out
}

// HasFact reports whether the operation holds a fact equal to f.
func (o *Operation) HasFact(f Fact) bool {
	return ContainsFact(o.AllFacts(), f)
}
