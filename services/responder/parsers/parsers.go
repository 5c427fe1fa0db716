// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package parsers turns raw ability output into relationships.
//
// Each parser receives the output blob, the facts the link used and the
// mappers declared on the ability. Mappers name the source trait, edge and
// target trait of the relationships to emit. Parsed facts carry no
// provenance; the caller stamps CollectedBy with the executing agent.
//
// Missing data is not an error: a mapper whose source fact is absent, or
// output that matches nothing, yields no relationships.
package parsers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
)

// Builtin parser names.
const (
	NameProcessGUIDs = "processguids"
	NameChildProcess = "childprocess"
	NameSysmon       = "sysmon"
	NameECSSysmon    = "ecs_sysmon"
	NameKeyValue     = "key_value"
	NameFileInfo     = "file_info"
)

var (
	// ErrUnknownParser is returned when no parser is registered for a module.
	ErrUnknownParser = errors.New("parsers: unknown parser")

	// ErrUnsupportedTarget is returned when a mapper's target trait names a
	// field the parser cannot extract.
	ErrUnsupportedTarget = errors.New("parsers: unsupported mapper target")

	// ErrMalformedOutput is returned when structured output cannot be decoded.
	ErrMalformedOutput = errors.New("parsers: malformed output")
)

// Parser extracts relationships from one ability output.
type Parser interface {
	Parse(blob string, used []model.Fact, mappers []model.Mapper) ([]model.Relationship, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(blob string, used []model.Fact, mappers []model.Mapper) ([]model.Relationship, error)

// Parse calls f.
func (f ParserFunc) Parse(blob string, used []model.Fact, mappers []model.Mapper) ([]model.Relationship, error) {
	return f(blob, used, mappers)
}

// Registry maps parser module names to parsers. Dotted module paths resolve
// by their last segment.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[string]Parser)}
}

// DefaultRegistry returns a registry holding every builtin parser.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NameProcessGUIDs, ProcessGUIDs{})
	r.Register(NameChildProcess, ChildProcess{})
	r.Register(NameSysmon, Sysmon{})
	r.Register(NameECSSysmon, ECSSysmon{})
	r.Register(NameKeyValue, KeyValue{})
	r.Register(NameFileInfo, FileInfo{})
	return r
}

// Register adds or replaces a parser.
func (r *Registry) Register(module string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[model.LastSegment(module)] = p
}

// Lookup returns the parser for module.
func (r *Registry) Lookup(module string) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[model.LastSegment(module)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParser, module)
	}
	return p, nil
}

// Names returns the registered parser names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.parsers))
	for name := range r.parsers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ParseAll runs every parser configured on ability over blob and returns
// the concatenated relationships.
func (r *Registry) ParseAll(ability *model.Ability, blob string, used []model.Fact) ([]model.Relationship, error) {
	if ability == nil || blob == "" {
		return nil, nil
	}
	var out []model.Relationship
	for _, cfg := range ability.Parsers {
		p, err := r.Lookup(cfg.Module)
		if err != nil {
			return nil, err
		}
		rels, err := p.Parse(blob, append([]model.Fact(nil), used...), cfg.Mappers)
		if err != nil {
			return nil, fmt.Errorf("parser %s: %w", cfg.Module, err)
		}
		out = append(out, rels...)
	}
	return out, nil
}

// lastValue returns the value of the last fact with trait.
func lastValue(facts []model.Fact, trait string) (string, bool) {
	for i := len(facts) - 1; i >= 0; i-- {
		if facts[i].Trait == trait {
			return facts[i].Value, true
		}
	}
	return "", false
}

// lines splits blob into non-empty lines.
func lines(blob string) []string {
	var out []string
	for _, l := range strings.Split(strings.ReplaceAll(blob, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}
