// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package requirements evaluates ability requirements against an operation.
//
// Each requirement names a module and one or more relationship matches. A
// module is an Evaluator registered under its identifier. A link satisfies
// its ability's requirements when every match of every requirement
// evaluates true against the operation.
//
// Module identifiers are resolved by their last dotted segment, so
// "plugins.stockpile.app.requirements.paw_provenance" and "paw_provenance"
// name the same evaluator.
package requirements

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
)

// Builtin module names.
const (
	ModulePawProvenance = "paw_provenance"
	ModuleBasic         = "basic"
	ModuleHasProperty   = "has_property"
	ModuleSourceFact    = "source_fact"
)

var (
	// ErrNilEvaluator is returned when registering a nil evaluator.
	ErrNilEvaluator = errors.New("requirements: evaluator must not be nil")

	// ErrEmptyModule is returned when registering under an empty name.
	ErrEmptyModule = errors.New("requirements: module name must not be empty")
)

// UnknownModuleError reports a requirement naming an unregistered module.
type UnknownModuleError struct {
	Module string
}

func (e *UnknownModuleError) Error() string {
	return fmt.Sprintf("requirements: unknown module %q", e.Module)
}

// Evaluator decides whether link satisfies one relationship match of a
// requirement within op.
//
// Implementations must not modify link or op.
type Evaluator interface {
	Evaluate(ctx context.Context, match model.RelationshipMatch, link *model.Link, op *model.Operation) (bool, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, match model.RelationshipMatch, link *model.Link, op *model.Operation) (bool, error)

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(ctx context.Context, match model.RelationshipMatch, link *model.Link, op *model.Operation) (bool, error) {
	return f(ctx, match, link, op)
}

// Registry maps module identifiers to evaluators.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[string]Evaluator
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{evaluators: make(map[string]Evaluator)}
}

// DefaultRegistry returns a registry holding the builtin evaluators.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(ModulePawProvenance, PawProvenance{})
	_ = r.Register(ModuleBasic, Basic{})
	_ = r.Register(ModuleHasProperty, HasProperty{})
	_ = r.Register(ModuleSourceFact, SourceFact{})
	return r
}

// Register adds or replaces the evaluator for module.
func (r *Registry) Register(module string, e Evaluator) error {
	if e == nil {
		return ErrNilEvaluator
	}
	name := model.LastSegment(module)
	if name == "" {
		return ErrEmptyModule
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[name] = e
	return nil
}

// Lookup returns the evaluator for module.
func (r *Registry) Lookup(module string) (Evaluator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.evaluators[model.LastSegment(module)]
	if !ok {
		return nil, &UnknownModuleError{Module: module}
	}
	return e, nil
}

// Modules returns the registered module names in sorted order.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.evaluators))
	for name := range r.evaluators {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Satisfied reports whether link meets every requirement of its ability
// within op. Links without an ability or requirements are satisfied.
//
// Outputs:
//
//	bool - True when every relationship match evaluated true.
//	error - UnknownModuleError for an unregistered module, or an evaluator error.
func (r *Registry) Satisfied(ctx context.Context, link *model.Link, op *model.Operation) (bool, error) {
	if link.Ability == nil {
		return true, nil
	}
	for _, req := range link.Ability.Requirements {
		e, err := r.Lookup(req.Module)
		if err != nil {
			return false, err
		}
		for _, match := range req.RelationshipMatch {
			if err := ctx.Err(); err != nil {
				return false, err
			}
			ok, err := e.Evaluate(ctx, match, link, op)
			if err != nil {
				return false, fmt.Errorf("evaluating %s for link %s: %w", model.LastSegment(req.Module), link.ID, err)
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

// Filter returns the links in input order that satisfy their requirements.
func (r *Registry) Filter(ctx context.Context, links []*model.Link, op *model.Operation) ([]*model.Link, error) {
	out := make([]*model.Link, 0, len(links))
	for _, l := range links {
		ok, err := r.Satisfied(ctx, l, op)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, l)
		}
	}
	return out, nil
}
