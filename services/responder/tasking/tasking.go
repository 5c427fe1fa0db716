// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tasking turns abilities into links and runs them on agents.
//
// # Contract
//
// The planner consumes Service. GetLinks returns candidate links for a
// bucket with every command placeholder resolved. ExecuteLinks runs links
// and appends the successful ones to the operation's chain; a failed link
// never reaches the chain. RemoveLinksMissingRequirements is the generic
// requirement evaluator, used both on the live operation and on probes.
//
// # Agent Transport
//
// How a command reaches an agent is behind Executor. Memory, the in-process
// Service, throttles dispatch with a token bucket and runs each batch as a
// group of goroutines.
package tasking

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
)

var (
	// ErrNilExecutor is returned when a service is built without an executor.
	ErrNilExecutor = errors.New("tasking: executor must not be nil")

	// ErrNilAbilities is returned when a service is built without abilities.
	ErrNilAbilities = errors.New("tasking: ability source must not be nil")

	// ErrAgentNotFound is returned by executors for links whose paw is not
	// attached to the operation.
	ErrAgentNotFound = errors.New("tasking: agent not found")
)

// Service is the tasking contract the planner depends on.
type Service interface {
	// GetLinks returns candidate links for bucket. Links are not yet in
	// the chain.
	GetLinks(ctx context.Context, op *model.Operation, bucket string) ([]*model.Link, error)

	// ExecuteLinks runs links. With wait set it returns once every link has
	// finished and the successful ones are in the chain.
	ExecuteLinks(ctx context.Context, op *model.Operation, links []*model.Link, wait bool) error

	// RemoveLinksMissingRequirements returns the links, in input order,
	// whose requirements pass against probe.
	RemoveLinksMissingRequirements(ctx context.Context, links []*model.Link, probe *model.Operation) ([]*model.Link, error)
}

// Result is what an agent reported for one link.
type Result struct {
	Output string
	Status model.LinkStatus
}

// Executor dispatches one link to one agent and waits for its result.
type Executor interface {
	Execute(ctx context.Context, agent model.Agent, link *model.Link) (Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, agent model.Agent, link *model.Link) (Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, agent model.Agent, link *model.Link) (Result, error) {
	return f(ctx, agent, link)
}

// AbilitySource supplies abilities for a bucket in execution order.
type AbilitySource interface {
	AbilitiesForBucket(bucket string) []*model.Ability
}
