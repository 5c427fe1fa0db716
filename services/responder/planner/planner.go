// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package planner decides which response abilities run next.
//
// # State Machine
//
// The planner walks setup → detection → hunt → response and then cycles
// detection → hunt → response until a stopping condition holds. Setup
// seeds a zero severity for every new agent and runs the setup ability
// once per agent. Detection runs every detection ability unconditionally.
// Hunt and response are reactive: a candidate link runs only when a
// completed parent link produced the facts it uses and that parent has not
// already been credited in the bucket.
//
// # Idempotence
//
// Parents credited by a hunt or response are recorded in the bucket's
// addressed set, and links folded into severity are recorded as
// processed. Both sets only grow and are persisted through StateStore, so
// the same evidence never triggers the same reaction twice.
//
// # Ordering
//
// Parent discovery only sees the chain as it was when the bucket started;
// links produced by the bucket's own batch become parents next cycle.
//
// # Thread Safety
//
// Bucket methods and Execute must not run concurrently with each other.
// Read accessors (Snapshot, Addressed, Severity) are safe to call from any
// goroutine while the planner runs.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
	"github.com/AleutianAI/AleutianResponder/services/responder/processtree"
	"github.com/AleutianAI/AleutianResponder/services/responder/tasking"
	"github.com/AleutianAI/AleutianResponder/services/responder/telemetry"
	"github.com/AleutianAI/AleutianResponder/services/responder/verify"
)

var tracer = otel.Tracer("aleutian.responder.planner")

var (
	metricsOnce sync.Once
	metrics     *telemetry.Metrics
)

// plannerMetrics creates the planner instruments on first use so they bind
// to whatever meter provider telemetry.Init installed.
func plannerMetrics() *telemetry.Metrics {
	metricsOnce.Do(func() {
		m, err := telemetry.NewMetrics(otel.Meter("aleutian.responder.planner"))
		if err != nil {
			slog.Default().Warn("planner metrics disabled", slog.String("error", err.Error()))
			m, _ = telemetry.NewMetrics(noop.NewMeterProvider().Meter(""))
		}
		metrics = m
	})
	return metrics
}

var (
	// ErrNilOperation is returned by New without an operation.
	ErrNilOperation = errors.New("planner: operation must not be nil")

	// ErrNilTasking is returned by New without a tasking service.
	ErrNilTasking = errors.New("planner: tasking service must not be nil")

	// ErrUnknownBucket is returned for a bucket name outside the state machine.
	ErrUnknownBucket = errors.New("planner: unknown bucket")

	// ErrNoChildProcessAbility is returned by DiscoverChildProcesses when no
	// child process ability is configured.
	ErrNoChildProcessAbility = errors.New("planner: no child process ability configured")
)

// next is the bucket that follows each bucket.
var next = map[string]string{
	model.BucketSetup:     model.BucketDetection,
	model.BucketDetection: model.BucketHunt,
	model.BucketHunt:      model.BucketResponse,
	model.BucketResponse:  model.BucketDetection,
}

// Config tunes the planner.
type Config struct {
	// MaxCycles stops Execute after this many response buckets. Zero runs
	// until a stopping fact appears or ctx is done.
	MaxCycles int `yaml:"max_cycles" validate:"gte=0"`

	// CycleInterval is the pause between cycles.
	CycleInterval time.Duration `yaml:"cycle_interval" validate:"gte=0"`

	// BatchTimeout bounds the wait for one submitted batch. Zero waits
	// until every link finishes.
	BatchTimeout time.Duration `yaml:"batch_timeout" validate:"gte=0"`

	// ChildProcessDepth bounds child process discovery.
	ChildProcessDepth int `yaml:"child_process_depth" validate:"gte=1"`

	// SearchWindow is seeded as the elasticsearch.search.window source fact.
	SearchWindow time.Duration `yaml:"search_window" validate:"gte=0"`

	// SetupAbility restricts setup to one ability ID. Empty runs every
	// ability in the setup bucket.
	SetupAbility string `yaml:"setup_ability"`

	// ChildProcessAbility is the ability used to enumerate child processes.
	ChildProcessAbility string `yaml:"child_process_ability"`

	// VerifyCacheSize bounds the verification cache. Zero disables it.
	VerifyCacheSize int `yaml:"verify_cache_size" validate:"gte=0"`

	// StoppingFacts end the operation as soon as any of them is known.
	StoppingFacts []model.Fact `yaml:"stopping_facts,omitempty" validate:"dive"`
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxCycles:         10,
		CycleInterval:     5 * time.Second,
		BatchTimeout:      5 * time.Minute,
		ChildProcessDepth: 5,
		SearchWindow:      60 * time.Minute,
		VerifyCacheSize:   verify.DefaultCacheSize,
	}
}

// Verifier decides whether parent licenses candidate. *verify.Verifier
// satisfies it.
type Verifier interface {
	Verify(ctx context.Context, candidate, parent *model.Link) (int, error)
}

// AbilityLookup finds abilities by ID. *catalog.Catalog satisfies it.
type AbilityLookup interface {
	Ability(id string) (*model.Ability, error)
}

// Planner is the response planner for one operation.
type Planner struct {
	op        *model.Operation
	tasking   tasking.Service
	verifier  Verifier
	abilities AbilityLookup
	store     StateStore
	trees     *processtree.Registry
	cfg       Config
	logger    *slog.Logger

	mu         sync.RWMutex
	severity   map[string]float64
	hunted     linkSet
	responded  linkSet
	processed  linkSet
	folded     linkSet
	nextBucket string
	cycles     int
	updatedAt  time.Time
}

// Option configures a Planner.
type Option func(*Planner)

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(p *Planner) { p.cfg = cfg }
}

// WithVerifier replaces the verifier built from the tasking service.
func WithVerifier(v Verifier) Option {
	return func(p *Planner) { p.verifier = v }
}

// WithAbilities supplies ability lookups for child process discovery.
func WithAbilities(a AbilityLookup) Option {
	return func(p *Planner) { p.abilities = a }
}

// WithStateStore persists planner state after every bucket.
func WithStateStore(s StateStore) Option {
	return func(p *Planner) { p.store = s }
}

// WithProcessTrees shares a process tree registry with the planner.
func WithProcessTrees(r *processtree.Registry) Option {
	return func(p *Planner) {
		if r != nil {
			p.trees = r
		}
	}
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Planner) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a planner for op that starts in the setup bucket.
//
// # Inputs
//
//   - op: Operation to plan for. The planner reads its chain and appends
//     to it only through svc.
//   - svc: Tasking service that builds and executes links.
//   - opts: Optional settings.
//
// # Outputs
//
//   - *Planner: Ready to run. Call Restore to resume persisted state.
//   - error: ErrNilOperation, ErrNilTasking, or a verifier construction failure.
func New(op *model.Operation, svc tasking.Service, opts ...Option) (*Planner, error) {
	if op == nil {
		return nil, ErrNilOperation
	}
	if svc == nil {
		return nil, ErrNilTasking
	}
	p := &Planner{
		op:         op,
		tasking:    svc,
		trees:      processtree.NewRegistry(),
		cfg:        DefaultConfig(),
		logger:     slog.Default(),
		severity:   make(map[string]float64),
		hunted:     make(linkSet),
		responded:  make(linkSet),
		processed:  make(linkSet),
		folded:     make(linkSet),
		nextBucket: model.BucketSetup,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("operation", op.ID))
	if p.verifier == nil {
		v, err := verify.New(svc,
			verify.WithAgents(op.Agents),
			verify.WithSource(func() []model.Fact { return op.Source }),
			verify.WithCacheSize(p.cfg.VerifyCacheSize),
			verify.WithLogger(p.logger),
		)
		if err != nil {
			return nil, fmt.Errorf("creating verifier: %w", err)
		}
		p.verifier = v
	}
	return p, nil
}

// Operation returns the operation being planned.
func (p *Planner) Operation() *model.Operation {
	return p.op
}

// ProcessTrees returns the per-host process trees built by discovery.
func (p *Planner) ProcessTrees() *processtree.Registry {
	return p.trees
}

// Setup seeds severity for new agents and runs the setup ability once on
// each agent that has not run it yet.
func (p *Planner) Setup(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "planner.Setup")
	defer span.End()

	p.mu.Lock()
	for _, a := range p.op.Agents() {
		if _, ok := p.severity[a.Paw]; !ok {
			p.severity[a.Paw] = 0
		}
	}
	p.mu.Unlock()

	links, err := p.tasking.GetLinks(ctx, p.op, model.BucketSetup)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("getting setup links: %w", err)
	}
	var todo []*model.Link
	seen := make(map[string]struct{})
	for _, l := range links {
		if p.cfg.SetupAbility != "" && l.AbilityID() != p.cfg.SetupAbility {
			continue
		}
		if p.op.HasLink(l.Paw, l.AbilityID()) {
			continue
		}
		key := l.Paw + "\x00" + l.AbilityID()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		todo = append(todo, l)
	}
	return p.apply(ctx, model.BucketSetup, todo)
}

// Detection runs every detection ability on every eligible agent.
// Detections are the root observations and are never gated.
func (p *Planner) Detection(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "planner.Detection")
	defer span.End()

	links, err := p.tasking.GetLinks(ctx, p.op, model.BucketDetection)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("getting detection links: %w", err)
	}
	return p.apply(ctx, model.BucketDetection, links)
}

// Hunt runs hunt abilities licensed by unaddressed parents on any agent.
func (p *Planner) Hunt(ctx context.Context) error {
	_, err := p.doReactiveBucket(ctx, model.BucketHunt)
	return err
}

// Response runs response abilities licensed by unaddressed parents from
// the same agent, on agents whose severity meets the ability's threshold.
func (p *Planner) Response(ctx context.Context) error {
	_, err := p.doReactiveBucket(ctx, model.BucketResponse)
	return err
}

// apply submits links as one batch and waits for it.
func (p *Planner) apply(ctx context.Context, bucket string, links []*model.Link) error {
	if len(links) == 0 {
		return nil
	}
	attrs := attribute.String("bucket", bucket)
	ctx, span := tracer.Start(ctx, "planner.apply",
		trace.WithAttributes(attrs, attribute.Int("links", len(links))),
	)
	defer span.End()

	batchCtx := ctx
	if p.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, p.cfg.BatchTimeout)
		defer cancel()
	}

	start := time.Now()
	err := p.tasking.ExecuteLinks(batchCtx, p.op, links, true)
	m := plannerMetrics()
	m.BatchDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs))
	m.LinksApplied.Add(ctx, int64(len(links)), metric.WithAttributes(attrs))

	if err != nil {
		// A batch that outlived BatchTimeout leaves its stragglers for the
		// next cycle; only the caller's own cancellation is fatal.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			p.logger.Warn("batch timed out", slog.String("bucket", bucket), slog.Int("links", len(links)))
			return nil
		}
		telemetry.RecordError(span, err)
		return fmt.Errorf("executing %s batch: %w", bucket, err)
	}
	p.logger.Info("applied links", slog.String("bucket", bucket), slog.Int("links", len(links)))
	return nil
}

// Execute drives the state machine from the current bucket.
//
// # Description
//
// Runs buckets in order, folding severity and saving state after each.
// A cycle ends after response. Execute returns when MaxCycles cycles have
// run, when a stopping fact is known, or when the next bucket is empty;
// an empty next bucket only folds severity.
//
// # Outputs
//
//   - error: A bucket, tasking or storage failure, or ctx's error when
//     cancelled between buckets.
func (p *Planner) Execute(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "planner.Execute")
	defer span.End()

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("planner interrupted: %w", err)
		}
		if f, ok := p.stoppingFactMet(); ok {
			p.logger.Info("stopping condition met", slog.String("fact", f.String()))
			return p.save(ctx)
		}

		bucket := p.NextBucket()
		if bucket == "" {
			if err := p.UpdateSeverity(ctx); err != nil {
				return err
			}
			return p.save(ctx)
		}

		if err := p.runBucket(ctx, bucket); err != nil {
			telemetry.RecordError(span, err)
			return err
		}
		if err := p.UpdateSeverity(ctx); err != nil {
			return err
		}

		p.mu.Lock()
		p.nextBucket = next[bucket]
		if bucket == model.BucketResponse {
			p.cycles++
		}
		cycles := p.cycles
		p.mu.Unlock()
		if err := p.save(ctx); err != nil {
			return err
		}

		if bucket != model.BucketResponse {
			continue
		}
		plannerMetrics().Cycles.Add(ctx, 1)
		p.logger.Info("cycle complete", slog.Int("cycle", cycles), slog.Int("chain", p.op.ChainLen()))
		if p.cfg.MaxCycles > 0 && cycles >= p.cfg.MaxCycles {
			return nil
		}
		if p.cfg.CycleInterval > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("planner interrupted: %w", ctx.Err())
			case <-time.After(p.cfg.CycleInterval):
			}
		}
	}
}

func (p *Planner) runBucket(ctx context.Context, bucket string) error {
	switch bucket {
	case model.BucketSetup:
		return p.Setup(ctx)
	case model.BucketDetection:
		return p.Detection(ctx)
	case model.BucketHunt:
		return p.Hunt(ctx)
	case model.BucketResponse:
		return p.Response(ctx)
	}
	return fmt.Errorf("%w: %s", ErrUnknownBucket, bucket)
}

func (p *Planner) stoppingFactMet() (model.Fact, bool) {
	for _, f := range p.cfg.StoppingFacts {
		if p.op.HasFact(f) {
			return f, true
		}
	}
	return model.Fact{}, false
}

// NextBucket returns the bucket Execute runs next.
func (p *Planner) NextBucket() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.nextBucket
}

// SetNextBucket moves the state machine. An empty bucket makes Execute
// fold severity and return without running abilities.
func (p *Planner) SetNextBucket(bucket string) error {
	if _, ok := next[bucket]; !ok && bucket != "" {
		return fmt.Errorf("%w: %s", ErrUnknownBucket, bucket)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextBucket = bucket
	return nil
}

// Addressed returns the IDs of parents credited in bucket, sorted.
func (p *Planner) Addressed(bucket string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := p.addressedLocked(bucket)
	if set == nil {
		return nil
	}
	return set.sorted()
}

func (p *Planner) addressedLocked(bucket string) linkSet {
	switch bucket {
	case model.BucketHunt:
		return p.hunted
	case model.BucketResponse:
		return p.responded
	}
	return nil
}

// MarkAddressed credits parent link IDs in bucket without running anything.
// Operators use it to acknowledge evidence handled outside the planner.
func (p *Planner) MarkAddressed(bucket string, linkIDs ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.addressedLocked(bucket)
	if set == nil {
		return fmt.Errorf("%w: %s has no addressed set", ErrUnknownBucket, bucket)
	}
	for _, id := range linkIDs {
		set.add(id)
	}
	return nil
}

// Severity returns the accumulated severity for paw.
func (p *Planner) Severity(paw string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.severity[paw]
	return s, ok
}

// SetSeverity overrides the severity for paw.
func (p *Planner) SetSeverity(paw string, severity float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.severity[paw] = severity
}

// Snapshot returns a copy of the planner state.
func (p *Planner) Snapshot() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sev := make(map[string]float64, len(p.severity))
	for k, v := range p.severity {
		sev[k] = v
	}
	return State{
		OperationID:    p.op.ID,
		Severity:       sev,
		LinksHunted:    p.hunted.sorted(),
		LinksResponded: p.responded.sorted(),
		ProcessedLinks: p.processed.sorted(),
		FoldedLinks:    p.folded.sorted(),
		NextBucket:     p.nextBucket,
		Cycles:         p.cycles,
		UpdatedAt:      p.updatedAt,
	}
}

// Restore loads persisted state for the operation, if any.
func (p *Planner) Restore(ctx context.Context) (bool, error) {
	if p.store == nil {
		return false, nil
	}
	s, found, err := p.store.Load(ctx, p.op.ID)
	if err != nil {
		return false, fmt.Errorf("restoring planner state: %w", err)
	}
	if !found {
		return false, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.severity = make(map[string]float64, len(s.Severity))
	for k, v := range s.Severity {
		p.severity[k] = v
	}
	p.hunted = newLinkSet(s.LinksHunted)
	p.responded = newLinkSet(s.LinksResponded)
	p.processed = newLinkSet(s.ProcessedLinks)
	p.folded = newLinkSet(s.FoldedLinks)
	p.nextBucket = s.NextBucket
	p.cycles = s.Cycles
	p.updatedAt = s.UpdatedAt
	p.logger.Info("restored planner state",
		slog.String("next_bucket", s.NextBucket),
		slog.Int("cycles", s.Cycles),
	)
	return true, nil
}

func (p *Planner) save(ctx context.Context) error {
	p.mu.Lock()
	p.updatedAt = time.Now().UTC()
	p.mu.Unlock()
	if p.store == nil {
		return nil
	}
	if err := p.store.Save(ctx, p.op.ID, p.Snapshot()); err != nil {
		return fmt.Errorf("saving planner state: %w", err)
	}
	return nil
}
