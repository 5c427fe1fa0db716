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
	"time"

	"github.com/google/uuid"
)

// LinkStatus is the execution state of a link.
type LinkStatus int

const (
	// LinkSuccess is the zero value so links built directly from completed
	// data count as successful.
	LinkSuccess   LinkStatus = 0
	LinkError     LinkStatus = 1
	LinkTimeout   LinkStatus = 124
	LinkPending   LinkStatus = -1
	LinkRunning   LinkStatus = -2
	LinkDiscarded LinkStatus = -3
)

// String returns the lower-case status name.
func (s LinkStatus) String() string {
	switch s {
	case LinkSuccess:
		return "success"
	case LinkError:
		return "error"
	case LinkTimeout:
		return "timeout"
	case LinkPending:
		return "pending"
	case LinkRunning:
		return "running"
	case LinkDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Link is one ability instance bound to an agent.
//
// Used records the facts the link consumed. Facts and Relationships record
// what its execution produced.
type Link struct {
	ID            string         `json:"id"`
	Paw           string         `json:"paw"`
	Host          string         `json:"host,omitempty"`
	Command       string         `json:"command"`
	Ability       *Ability       `json:"ability"`
	Used          []Fact         `json:"used,omitempty"`
	Facts         []Fact         `json:"facts,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
	Status        LinkStatus     `json:"status"`
	Output        string         `json:"output,omitempty"`
	Decide        time.Time      `json:"decide"`
	Finish        time.Time      `json:"finish,omitempty"`
}

// NewLink creates a pending link for agent running ability with command.
func NewLink(agent Agent, ability *Ability, command string, used []Fact) *Link {
	return &Link{
		ID:      uuid.NewString(),
		Paw:     agent.Paw,
		Host:    agent.Host,
		Command: command,
		Ability: ability,
		Used:    append([]Fact(nil), used...),
		Status:  LinkPending,
		Decide:  time.Now(),
	}
}

// AbilityID returns the link's ability ID, or "" when it has none.
func (l *Link) AbilityID() string {
	if l.Ability == nil {
		return ""
	}
	return l.Ability.ID
}

// Tactic returns the link's ability tactic, or "" when it has none.
func (l *Link) Tactic() string {
	if l.Ability == nil {
		return ""
	}
	return l.Ability.Tactic
}

// IsFinished reports whether the link has reached a terminal status.
func (l *Link) IsFinished() bool {
	switch l.Status {
	case LinkSuccess, LinkError, LinkTimeout:
		return true
	}
	return false
}

// Succeeded reports whether the link completed successfully.
func (l *Link) Succeeded() bool {
	return l.Status == LinkSuccess
}

// Uses reports whether f is among the link's used facts.
func (l *Link) Uses(f Fact) bool {
	return ContainsFact(l.Used, f)
}

// ProducedFacts returns the facts the link manufactured: its own facts and
// every fact mentioned by its relationships, minus the facts it used.
// Duplicates by (trait, value) are removed, keeping the first provenance.
func (l *Link) ProducedFacts() []Fact {
	var out []Fact
	for _, f := range l.Facts {
		if !l.Uses(f) {
			out = append(out, f)
		}
	}
	for _, r := range l.Relationships {
		for _, f := range r.Facts() {
			if !l.Uses(f) {
				out = append(out, f)
			}
		}
	}
	return DedupeFacts(out)
}

// RelationshipFacts returns every fact mentioned by the link's relationships.
func (l *Link) RelationshipFacts() []Fact {
	var out []Fact
	for _, r := range l.Relationships {
		out = append(out, r.Facts()...)
	}
	return out
}

// MentionsFact reports whether any of the link's relationships mention f.
func (l *Link) MentionsFact(f Fact) bool {
	for _, r := range l.Relationships {
		if r.Mentions(f) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the link, keeping its ID.
func (l *Link) Clone() *Link {
	if l == nil {
		return nil
	}
	out := *l
	out.Ability = l.Ability.Clone()
	out.Used = append([]Fact(nil), l.Used...)
	out.Facts = append([]Fact(nil), l.Facts...)
	out.Relationships = make([]Relationship, len(l.Relationships))
	for i, r := range l.Relationships {
		out.Relationships[i] = r.Clone()
	}
	return &out
}
