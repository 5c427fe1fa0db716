// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog loads the abilities, adversary profile, agents and
// recorded outputs a response operation runs with.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
)

// catalogValidate is shared by every catalog load.
var catalogValidate = validator.New()

var (
	// ErrInvalidCatalog wraps validation failures.
	ErrInvalidCatalog = errors.New("catalog: invalid catalog")

	// ErrDuplicateAbility is returned when two abilities share an ID.
	ErrDuplicateAbility = errors.New("catalog: duplicate ability")
)

// NotFoundError reports a reference to an ability that is not in the catalog.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("catalog: %s %q not found", e.Kind, e.ID)
}

// Adversary orders the abilities an operation runs.
type Adversary struct {
	ID             string   `yaml:"id" json:"id" validate:"required"`
	Name           string   `yaml:"name" json:"name"`
	Description    string   `yaml:"description,omitempty" json:"description,omitempty"`
	AtomicOrdering []string `yaml:"atomic_ordering" json:"atomic_ordering"`
}

// File is the on-disk catalog document.
type File struct {
	Adversary Adversary           `yaml:"adversary" validate:"required"`
	Abilities []*model.Ability    `yaml:"abilities" validate:"required,min=1,dive,required"`
	Agents    []model.Agent       `yaml:"agents" validate:"dive"`
	Source    []model.Fact        `yaml:"source" validate:"dive"`
	Outputs   map[string][]string `yaml:"outputs"`
}

// Catalog is a validated, indexed File.
//
// Thread Safety: safe for concurrent use. Replace swaps the contents
// atomically; abilities handed out earlier stay valid.
type Catalog struct {
	mu       sync.RWMutex
	file     File
	byID     map[string]*model.Ability
	ordering []string
}

// New validates file and indexes its abilities.
//
// An empty atomic ordering runs every ability in file order. An ordering
// that names an unknown ability is a configuration error.
func New(file File) (*Catalog, error) {
	if err := catalogValidate.Struct(file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	byID := make(map[string]*model.Ability, len(file.Abilities))
	for _, ab := range file.Abilities {
		if _, dup := byID[ab.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAbility, ab.ID)
		}
		byID[ab.ID] = ab
	}

	ordering := file.Adversary.AtomicOrdering
	if len(ordering) == 0 {
		for _, ab := range file.Abilities {
			ordering = append(ordering, ab.ID)
		}
	}
	for _, id := range ordering {
		if _, ok := byID[id]; !ok {
			return nil, &NotFoundError{Kind: "ability", ID: id}
		}
	}
	return &Catalog{file: file, byID: byID, ordering: append([]string(nil), ordering...)}, nil
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}
	return New(f)
}

// Load reads the catalog at path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading catalog %s: %w", path, err)
	}
	return c, nil
}

// Ability returns the ability with id.
func (c *Catalog) Ability(id string) (*model.Ability, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ab, ok := c.byID[id]
	if !ok {
		return nil, &NotFoundError{Kind: "ability", ID: id}
	}
	return ab, nil
}

// AbilitiesForBucket returns the abilities in bucket, in adversary order.
func (c *Catalog) AbilitiesForBucket(bucket string) []*model.Ability {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*model.Ability
	for _, id := range c.ordering {
		if ab := c.byID[id]; ab.InBucket(bucket) {
			out = append(out, ab)
		}
	}
	return out
}

// Add registers ab and appends it to the adversary ordering.
func (c *Catalog) Add(ab *model.Ability) error {
	if err := catalogValidate.Struct(ab); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.byID[ab.ID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateAbility, ab.ID)
	}
	c.byID[ab.ID] = ab
	c.ordering = append(c.ordering, ab.ID)
	c.file.Abilities = append(c.file.Abilities, ab)
	return nil
}

// Replace swaps in the contents of other.
func (c *Catalog) Replace(other *Catalog) {
	other.mu.RLock()
	file, byID, ordering := other.file, other.byID, other.ordering
	other.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.file, c.byID, c.ordering = file, byID, ordering
}

// Adversary returns the adversary profile.
func (c *Catalog) Adversary() Adversary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.Adversary
}

// Agents returns the agents declared by the catalog.
func (c *Catalog) Agents() []model.Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.Agent(nil), c.file.Agents...)
}

// Source returns the seed facts declared by the catalog.
func (c *Catalog) Source() []model.Fact {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.Fact(nil), c.file.Source...)
}

// Outputs returns the recorded ability outputs.
func (c *Catalog) Outputs() map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]string, len(c.file.Outputs))
	for k, v := range c.file.Outputs {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Len returns the number of abilities.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}
