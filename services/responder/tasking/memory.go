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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
	"github.com/AleutianAI/AleutianResponder/services/responder/parsers"
	"github.com/AleutianAI/AleutianResponder/services/responder/requirements"
)

var tracer = otel.Tracer("aleutian.responder.tasking")

// DefaultMaxCombinations caps the fact combinations tried per ability and
// agent.
const DefaultMaxCombinations = 256

// Memory is an in-process Service.
//
// Thread Safety: safe for concurrent use. Links handed to ExecuteLinks
// belong to the service until it returns (or, without wait, until Wait
// returns).
type Memory struct {
	abilities       AbilitySource
	executor        Executor
	requirements    *requirements.Registry
	parsers         *parsers.Registry
	limiter         *rate.Limiter
	logger          *slog.Logger
	linkTimeout     time.Duration
	maxCombinations int

	background sync.WaitGroup
}

// Option configures Memory.
type Option func(*Memory)

// WithRequirements sets the requirement registry.
func WithRequirements(r *requirements.Registry) Option {
	return func(m *Memory) {
		if r != nil {
			m.requirements = r
		}
	}
}

// WithParsers sets the output parser registry.
func WithParsers(r *parsers.Registry) Option {
	return func(m *Memory) {
		if r != nil {
			m.parsers = r
		}
	}
}

// WithRateLimit throttles dispatch to perSecond links with the given burst.
// Zero or negative perSecond removes the limit.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(m *Memory) {
		if perSecond <= 0 {
			m.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLinkTimeout bounds each Execute call. Zero means no bound.
func WithLinkTimeout(d time.Duration) Option {
	return func(m *Memory) { m.linkTimeout = d }
}

// WithMaxCombinations caps fact combinations per ability and agent.
func WithMaxCombinations(n int) Option {
	return func(m *Memory) {
		if n > 0 {
			m.maxCombinations = n
		}
	}
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Memory) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMemory creates an in-process tasking service.
//
// Inputs:
//
//	abilities - Source of abilities per bucket. Must not be nil.
//	executor - Agent dispatch. Must not be nil.
//	opts - Optional settings. Defaults: builtin requirements and parsers,
//	       no rate limit, no per-link timeout.
func NewMemory(abilities AbilitySource, executor Executor, opts ...Option) (*Memory, error) {
	if abilities == nil {
		return nil, ErrNilAbilities
	}
	if executor == nil {
		return nil, ErrNilExecutor
	}
	m := &Memory{
		abilities:       abilities,
		executor:        executor,
		requirements:    requirements.DefaultRegistry(),
		parsers:         parsers.DefaultRegistry(),
		limiter:         rate.NewLimiter(rate.Inf, 0),
		logger:          slog.Default(),
		maxCombinations: DefaultMaxCombinations,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// GetLinks builds candidate links for bucket.
//
// Description:
//
//	For every agent and every ability in the bucket, one link is built per
//	combination of operation facts that fills the command's placeholders.
//	Abilities whose placeholders cannot all be filled produce nothing.
//	Non-repeatable abilities already run by the agent, and singleton
//	abilities already run by anyone, are skipped. Links are deduplicated by
//	(paw, ability, command) and filtered by their requirements against op.
//
// Outputs:
//
//	[]*model.Link - Pending links, in agent then ability order.
//	error - UnknownModuleError for a misconfigured requirement.
func (m *Memory) GetLinks(ctx context.Context, op *model.Operation, bucket string) ([]*model.Link, error) {
	ctx, span := tracer.Start(ctx, "tasking.GetLinks",
		trace.WithAttributes(attribute.String("bucket", bucket), attribute.String("operation", op.ID)))
	defer span.End()

	abilities := m.abilities.AbilitiesForBucket(bucket)
	facts := op.AllFacts()
	chain := op.Chain()

	seen := make(map[string]struct{})
	var links []*model.Link
	for _, agent := range op.Agents() {
		for _, ab := range abilities {
			if !m.eligible(agent, ab, chain) {
				continue
			}
			for _, used := range m.combinations(ab.Variables(), facts) {
				cmd := ab.BuildCommand(used)
				if model.HasUnresolved(cmd) {
					continue
				}
				key := agent.Paw + "\x00" + ab.ID + "\x00" + cmd
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				links = append(links, model.NewLink(agent, ab, cmd, used))
			}
		}
	}

	out, err := m.requirements.Filter(ctx, links, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("filtering %s links: %w", bucket, err)
	}
	span.SetAttributes(attribute.Int("candidates", len(links)), attribute.Int("links", len(out)))
	return out, nil
}

func (m *Memory) eligible(agent model.Agent, ab *model.Ability, chain []*model.Link) bool {
	if ab.Platform != "" && agent.Platform != "" && ab.Platform != agent.Platform {
		return false
	}
	if ab.Executor != "" && len(agent.Executors) > 0 && !contains(agent.Executors, ab.Executor) {
		return false
	}
	for _, l := range chain {
		if l.AbilityID() != ab.ID {
			continue
		}
		if ab.Singleton {
			return false
		}
		if !ab.Repeatable && l.Paw == agent.Paw {
			return false
		}
	}
	return true
}

// combinations returns every assignment of facts to traits, capped at
// maxCombinations. No traits yields one empty assignment; a trait with no
// facts yields none.
func (m *Memory) combinations(traits []string, facts []model.Fact) [][]model.Fact {
	out := [][]model.Fact{nil}
	for _, trait := range traits {
		var values []model.Fact
		for _, f := range facts {
			if f.Trait == trait {
				values = append(values, f)
			}
		}
		if len(values) == 0 {
			return nil
		}
		next := make([][]model.Fact, 0, len(out)*len(values))
		for _, prefix := range out {
			for _, v := range values {
				if len(next) >= m.maxCombinations {
					break
				}
				combo := append(append([]model.Fact(nil), prefix...), v)
				next = append(next, combo)
			}
		}
		out = next
	}
	return out
}

// ExecuteLinks runs links concurrently.
//
// Description:
//
//	Each link waits for the rate limiter, is dispatched to its agent and has
//	its output parsed into relationships. Parsed facts are stamped with the
//	agent's paw. Successful links are appended to the chain in input order
//	once the whole batch has finished; failed links are dropped.
//
// Inputs:
//
//	ctx - Cancellation bounds the whole batch.
//	op - Operation whose chain receives the results.
//	links - Pending links from GetLinks.
//	wait - When false the batch runs in the background; see Wait.
//
// Outputs:
//
//	error - Context error if the batch was interrupted, including
//	        context.DeadlineExceeded when throttling cannot dispatch a link
//	        before ctx's deadline. Per-link failures are logged, not
//	        returned.
func (m *Memory) ExecuteLinks(ctx context.Context, op *model.Operation, links []*model.Link, wait bool) error {
	if len(links) == 0 {
		return nil
	}
	if !wait {
		m.background.Add(1)
		go func() {
			defer m.background.Done()
			if err := m.runBatch(context.WithoutCancel(ctx), op, links); err != nil {
				m.logger.Warn("background batch interrupted", slog.String("operation", op.ID), slog.String("error", err.Error()))
			}
		}()
		return nil
	}
	return m.runBatch(ctx, op, links)
}

// Wait blocks until every background batch has finished.
func (m *Memory) Wait() {
	m.background.Wait()
}

func (m *Memory) runBatch(ctx context.Context, op *model.Operation, links []*model.Link) error {
	ctx, span := tracer.Start(ctx, "tasking.ExecuteLinks",
		trace.WithAttributes(attribute.String("operation", op.ID), attribute.Int("links", len(links))))
	defer span.End()

	done := make([]bool, len(links))
	g, gctx := errgroup.WithContext(ctx)
	for i, link := range links {
		i, link := i, link
		g.Go(func() error {
			if err := m.limiter.Wait(gctx); err != nil {
				link.Status = model.LinkDiscarded
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				// The limiter refuses early when the wait would outlive the
				// deadline; report it as the deadline it anticipates.
				return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
			}
			done[i] = m.run(gctx, op, link)
			return nil
		})
	}
	err := g.Wait()

	var applied []*model.Link
	for i, link := range links {
		if done[i] {
			applied = append(applied, link)
		}
	}
	op.AppendLink(applied...)
	span.SetAttributes(attribute.Int("applied", len(applied)))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("executing batch: %w", err)
	}
	return nil
}

// run executes one link and reports whether it succeeded.
func (m *Memory) run(ctx context.Context, op *model.Operation, link *model.Link) bool {
	logger := m.logger.With(slog.String("paw", link.Paw), slog.String("link_id", link.ID), slog.String("ability", link.AbilityID()))

	agent, ok := op.AgentByPaw(link.Paw)
	if !ok {
		link.Status = model.LinkDiscarded
		logger.Warn("discarding link", slog.String("error", ErrAgentNotFound.Error()))
		return false
	}

	execCtx := ctx
	if m.linkTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, m.linkTimeout)
		defer cancel()
	}

	link.Status = model.LinkRunning
	res, err := m.executor.Execute(execCtx, agent, link)
	link.Finish = time.Now()
	if err != nil {
		link.Status = model.LinkError
		if errors.Is(err, context.DeadlineExceeded) {
			link.Status = model.LinkTimeout
		}
		logger.Warn("link failed", slog.String("error", err.Error()))
		return false
	}
	link.Status = res.Status
	link.Output = res.Output
	if link.Status != model.LinkSuccess {
		logger.Info("link finished unsuccessfully", slog.String("status", link.Status.String()))
		return false
	}

	rels, err := m.parsers.ParseAll(link.Ability, res.Output, link.Used)
	if err != nil {
		link.Status = model.LinkError
		logger.Warn("parsing output failed", slog.String("error", err.Error()))
		return false
	}
	link.Relationships = stamp(rels, link.Paw)
	link.Facts = link.ProducedFacts()
	logger.Debug("link finished", slog.Int("relationships", len(link.Relationships)))
	return true
}

// stamp attributes uncollected relationship facts to paw.
func stamp(rels []model.Relationship, paw string) []model.Relationship {
	for i := range rels {
		if rels[i].Source.CollectedBy == "" {
			rels[i].Source.CollectedBy = paw
		}
		if rels[i].Target != nil && rels[i].Target.CollectedBy == "" {
			rels[i].Target.CollectedBy = paw
		}
	}
	return rels
}

// RemoveLinksMissingRequirements implements Service.
func (m *Memory) RemoveLinksMissingRequirements(ctx context.Context, links []*model.Link, probe *model.Operation) ([]*model.Link, error) {
	return m.requirements.Filter(ctx, links, probe)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
