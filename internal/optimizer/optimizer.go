// Package optimizer implements the Cluster Optimizer (spec §4.J): a
// background, fitness-driven loop that promotes, archives, and
// lineage-tracks variants of the same artifact family.
package optimizer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kortexai/kortex/internal/artifact"
	"github.com/kortexai/kortex/internal/sandbox"
	"github.com/kortexai/kortex/internal/telemetry"
	"github.com/kortexai/kortex/internal/toolerrors"
	"github.com/kortexai/kortex/internal/toolruntime"
	"github.com/kortexai/kortex/internal/validator"
)

// archivedTag marks an artifact as no longer the active canonical or a live
// variant worth searching over, without ever deleting it (spec §4.J "the
// previous canonical is archived (not deleted)").
const archivedTag = "archived"

// SandboxRunner is the subset of the Sandbox Runner EXECUTE needs to run a
// synthesized candidate directly, mirroring generation.SandboxRunner.
type SandboxRunner interface {
	RunResultWithStdin(ctx context.Context, command []string, workDir string, envAllow []string, timeout time.Duration, memCeiling int64, stdin []byte) (sandbox.Result, error)
}

// Optimizer runs the spec §4.J optimization loop over artifact clusters.
type Optimizer struct {
	store      *artifact.Store
	runtime    *toolruntime.Runtime
	validators *validator.Pipeline
	sandboxRun SandboxRunner

	synthesizerToolID string
	evaluatorToolID   string

	clusterThreshold     float64
	improvementThreshold float64
	archiveThreshold     float64
	keepThreshold        int
	maxNoImprovement     int
	targetFitness        float64
	maxIterations        int
	topKDeltas           int

	weights       map[artifact.Kind]Weights
	checkpointDir string
	tickInterval  time.Duration

	triggerCh  chan string
	envelopeCh chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log     telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// Option configures an Optimizer.
type Option func(*Optimizer)

func WithSynthesizerTool(id string) Option  { return func(o *Optimizer) { o.synthesizerToolID = id } }
func WithEvaluatorTool(id string) Option    { return func(o *Optimizer) { o.evaluatorToolID = id } }
func WithClusterThreshold(v float64) Option { return func(o *Optimizer) { o.clusterThreshold = v } }
func WithImprovementThreshold(v float64) Option {
	return func(o *Optimizer) { o.improvementThreshold = v }
}
func WithArchiveThreshold(v float64) Option { return func(o *Optimizer) { o.archiveThreshold = v } }
func WithKeepThreshold(n int) Option        { return func(o *Optimizer) { o.keepThreshold = n } }
func WithMaxNoImprovement(n int) Option     { return func(o *Optimizer) { o.maxNoImprovement = n } }
func WithTargetFitness(v float64) Option    { return func(o *Optimizer) { o.targetFitness = v } }
func WithMaxIterations(n int) Option        { return func(o *Optimizer) { o.maxIterations = n } }
func WithTickInterval(d time.Duration) Option {
	return func(o *Optimizer) { o.tickInterval = d }
}
func WithWeights(kind artifact.Kind, w Weights) Option {
	return func(o *Optimizer) { o.weights[kind] = w }
}
func WithLogger(l telemetry.Logger) Option   { return func(o *Optimizer) { o.log = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(o *Optimizer) { o.metrics = m } }
func WithTracer(t telemetry.Tracer) Option   { return func(o *Optimizer) { o.tracer = t } }

// New constructs an Optimizer. checkpointDir is where per-cluster resumable
// progress records are persisted.
func New(store *artifact.Store, rt *toolruntime.Runtime, validators *validator.Pipeline, sandboxRun SandboxRunner, checkpointDir string, opts ...Option) *Optimizer {
	o := &Optimizer{
		store:                store,
		runtime:              rt,
		validators:           validators,
		sandboxRun:           sandboxRun,
		synthesizerToolID:    "kortex.optimizer.synthesize",
		evaluatorToolID:      "kortex.overseer.evaluate",
		clusterThreshold:     0.95,
		improvementThreshold: 0.05,
		archiveThreshold:     0.8,
		keepThreshold:        2,
		maxNoImprovement:     3,
		targetFitness:        0.95,
		maxIterations:        10,
		topKDeltas:           3,
		weights:              map[artifact.Kind]Weights{},
		checkpointDir:        checkpointDir,
		tickInterval:         15 * time.Minute,
		triggerCh:            make(chan string, 32),
		envelopeCh:           make(chan struct{}, 1),
		log:                  telemetry.NewNoopLogger(),
		metrics:              telemetry.NewNoopMetrics(),
		tracer:               telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start launches the background loop (spec §4.J trigger (a): periodic
// schedule), grounded on runtime/registry/manager.go's StartSync/syncRegistry
// ticker-plus-context-cancellation shape. Calling Start twice returns an
// error without starting a second loop.
func (o *Optimizer) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return toolerrors.New(toolerrors.KindStorage, "optimizer loop already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.wg.Add(1)
	go o.loop(loopCtx)
	return nil
}

// Stop cancels the background loop and waits for it to exit.
func (o *Optimizer) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

func (o *Optimizer) loop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runAllCanonicals(ctx)
		case <-o.envelopeCh:
			// spec §4.J trigger (b): resource envelope changed.
			o.runAllCanonicals(ctx)
		case clusterID := <-o.triggerCh:
			// spec §4.J triggers (c)/(d): manual command, post-store hook.
			if err := o.RunCluster(ctx, clusterID); err != nil {
				o.log.Warn(ctx, "cluster optimization run failed", "cluster_id", clusterID, "err", err.Error())
			}
		}
	}
}

// TriggerCluster satisfies generation.ClusterTrigger: a non-blocking manual
// request to re-examine clusterID (spec §4.J trigger (c)/(d)). A full
// triggerCh queue drops the request rather than blocking the caller, since
// the Generation Controller's post-store hook must never stall on it.
func (o *Optimizer) TriggerCluster(ctx context.Context, clusterID string) {
	select {
	case o.triggerCh <- clusterID:
	default:
		o.log.Warn(ctx, "cluster trigger queue full, dropping", "cluster_id", clusterID)
	}
}

// ResourceEnvelopeChanged satisfies spec §4.J trigger (b): the caller
// invokes this when more memory or a faster model becomes permitted.
func (o *Optimizer) ResourceEnvelopeChanged(ctx context.Context) {
	select {
	case o.envelopeCh <- struct{}{}:
	default:
	}
}

func (o *Optimizer) runAllCanonicals(ctx context.Context) {
	for _, kind := range []artifact.Kind{artifact.KindFunction, artifact.KindWorkflow} {
		for _, a := range o.store.FindByKind(ctx, kind) {
			if hasTag(a.Tags, archivedTag) || a.ParentID() != "" {
				continue
			}
			if err := o.RunCluster(ctx, a.ID); err != nil {
				o.log.Warn(ctx, "cluster optimization run failed", "cluster_id", a.ID, "err", err.Error())
			}
		}
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RunCluster runs the full spec §4.J loop for the cluster rooted at
// canonicalID, resuming from any existing checkpoint, until a stop
// condition is met.
func (o *Optimizer) RunCluster(ctx context.Context, canonicalID string) error {
	ctx, span := o.tracer.Start(ctx, "optimizer.RunCluster")
	defer span.End()

	cp, _, err := loadCheckpoint(o.checkpointDir, canonicalID)
	if err != nil {
		return toolerrors.Wrap(toolerrors.KindStorage, "load checkpoint", err)
	}

	noImprovement := 0
	for {
		canonical, err := o.store.Get(ctx, canonicalID)
		if err != nil {
			return toolerrors.Wrap(toolerrors.KindStorage, "load canonical", err)
		}
		w := o.weightsFor(canonical.Kind)
		canonicalFitness := fitness(metricsFromArtifact(canonical), w)

		if canonicalFitness >= o.targetFitness {
			return nil
		}
		if cp.Attempts >= o.maxIterations {
			return nil
		}

		promoted, newCanonicalID, err := o.iterate(ctx, canonical, w, canonicalFitness)
		cp.Attempts++
		if err != nil {
			o.log.Warn(ctx, "optimizer iteration failed", "cluster_id", canonicalID, "attempt", cp.Attempts, "err", err.Error())
		} else if promoted {
			cp.LastImprovementAt = time.Time{} // stamped by caller via args in a real clock-aware deployment
			cp.BestScore = fitness(metricsFromArtifact(mustGet(ctx, o.store, newCanonicalID)), w)
			canonicalID = newCanonicalID
		}

		if err := saveCheckpoint(o.checkpointDir, cp); err != nil {
			o.log.Warn(ctx, "save checkpoint failed", "cluster_id", canonicalID, "err", err.Error())
		}

		if promoted {
			noImprovement = 0
		} else {
			noImprovement++
			if noImprovement >= o.maxNoImprovement {
				return nil
			}
		}
	}
}

func mustGet(ctx context.Context, store *artifact.Store, id string) *artifact.Artifact {
	a, err := store.Get(ctx, id)
	if err != nil {
		return &artifact.Artifact{}
	}
	return a
}

func (o *Optimizer) weightsFor(kind artifact.Kind) Weights {
	if w, ok := o.weights[kind]; ok {
		return w
	}
	return defaultWeights
}

// iterate runs one synthesize→validate→promote→trim pass over canonical's
// cluster (spec §4.J steps 1-6).
func (o *Optimizer) iterate(ctx context.Context, canonical *artifact.Artifact, w Weights, canonicalFitness float64) (promoted bool, newCanonicalID string, err error) {
	variants := o.clusterMembers(ctx, canonical)
	if len(variants) == 0 {
		return false, "", nil
	}

	sort.Slice(variants, func(i, j int) bool {
		return fitness(metricsFromArtifact(variants[i].Artifact), w) > fitness(metricsFromArtifact(variants[j].Artifact), w)
	})
	deltas := variants
	if len(deltas) > o.topKDeltas {
		deltas = deltas[:o.topKDeltas]
	}

	candidateSource, candidateMeta, err := o.synthesize(ctx, canonical, deltas)
	if err != nil {
		return false, "", err
	}

	measured, err := o.validateCandidate(ctx, canonical, candidateSource)
	if err != nil {
		// A candidate that fails STATIC or EXECUTE never gets promoted, but
		// that is not itself a hard failure of the iteration.
		o.log.Warn(ctx, "candidate failed validation, not promoting", "canonical_id", canonical.ID, "err", err.Error())
		return false, "", nil
	}
	if tc, ok := candidateMeta["test_coverage"]; ok {
		measured.TestCoverage = tc
	}

	candidateFitness := fitness(variantMetrics{
		LatencyMS:    measured.LatencyMS,
		MemoryMB:     measured.MemoryMB,
		SuccessRate:  measured.SuccessRate,
		TestCoverage: measured.TestCoverage,
	}, w)

	if candidateFitness < canonicalFitness+o.improvementThreshold {
		return false, "", nil
	}

	newCanonical, err := o.promote(ctx, canonical, candidateSource, measured)
	if err != nil {
		return false, "", err
	}
	o.trim(ctx, newCanonical, variants, w)
	return true, newCanonical.ID, nil
}

// clusterMembers returns every non-archived, non-canonical FUNCTION/
// WORKFLOW artifact reachable from canonical by similarity ≥
// clusterThreshold (spec §4.J: "the set of artifacts reachable ... by
// similarity ≥ cluster_threshold").
func (o *Optimizer) clusterMembers(ctx context.Context, canonical *artifact.Artifact) []artifact.ScoredArtifact {
	if len(canonical.Embedding) == 0 {
		return nil
	}
	scored := o.store.Search(ctx, canonical.Embedding, canonical.Kind, 0)
	out := make([]artifact.ScoredArtifact, 0, len(scored))
	for _, s := range scored {
		if s.Artifact.ID == canonical.ID {
			continue
		}
		if hasTag(s.Artifact.Tags, archivedTag) {
			continue
		}
		if s.Similarity < o.clusterThreshold {
			continue
		}
		out = append(out, s)
	}
	return out
}

type measuredFitness struct {
	LatencyMS    float64
	MemoryMB     float64
	SuccessRate  float64
	TestCoverage float64
}

// synthesize delegates candidate generation to a language-model tool that
// sees the canonical and the non-canonical deltas (spec §4.J step 3),
// returning the candidate source plus any self-reported metadata (e.g.
// test_coverage) the tool includes.
func (o *Optimizer) synthesize(ctx context.Context, canonical *artifact.Artifact, deltas []artifact.ScoredArtifact) (string, map[string]float64, error) {
	deltaContents := make([]string, 0, len(deltas))
	for _, d := range deltas {
		deltaContents = append(deltaContents, d.Artifact.Content)
	}
	res, err := o.runtime.CallTool(ctx, "", o.synthesizerToolID, map[string]any{
		"canonical": canonical.Content,
		"deltas":    deltaContents,
	})
	if err != nil {
		return "", nil, toolerrors.Wrap(toolerrors.KindToolInvocation, "synthesize request failed", err)
	}

	var out struct {
		Source       string  `json:"source"`
		TestCoverage float64 `json:"test_coverage"`
	}
	if err := json.Unmarshal([]byte(res.Output), &out); err != nil {
		return "", nil, toolerrors.Wrap(toolerrors.KindToolInvocation, "synthesize response was not valid JSON", err)
	}
	return out.Source, map[string]float64{"test_coverage": out.TestCoverage}, nil
}

// validateCandidate runs STATIC→EXECUTE→EVALUATE against candidateSource
// (spec §4.J step 4), returning the measured metrics a passing candidate
// earns.
func (o *Optimizer) validateCandidate(ctx context.Context, canonical *artifact.Artifact, candidateSource string) (measuredFitness, error) {
	staticResult, err := o.validators.Run(ctx, candidateSource, validator.ModeFull, nil)
	if err != nil {
		return measuredFitness{}, toolerrors.Wrap(toolerrors.KindValidation, "static validation failed", err)
	}
	if !staticResult.Passed {
		return measuredFitness{}, toolerrors.New(toolerrors.KindValidation, "candidate failed static validation")
	}

	workDir, err := os.MkdirTemp("", "optimizer-candidate-*")
	if err != nil {
		return measuredFitness{}, toolerrors.Wrap(toolerrors.KindStorage, "create candidate work dir", err)
	}
	defer os.RemoveAll(workDir)

	sourcePath := filepath.Join(workDir, "candidate.go")
	if err := os.WriteFile(sourcePath, []byte(staticResult.Source), 0o644); err != nil {
		return measuredFitness{}, toolerrors.Wrap(toolerrors.KindStorage, "write candidate source", err)
	}

	execResult, err := o.sandboxRun.RunResultWithStdin(ctx, []string{"go", "run", sourcePath}, workDir,
		[]string{"PATH", "HOME", "GOPATH", "GOCACHE", "GOMODCACHE"}, 30*time.Second, 256*1024*1024, nil)
	successRate := 0.0
	if err == nil && execResult.ExitCode == 0 {
		successRate = 1.0
	}

	evalRes, err := o.runtime.CallTool(ctx, "", o.evaluatorToolID, map[string]any{
		"task":   fmt.Sprintf("optimize %s", canonical.Name),
		"source": candidateSource,
	})
	var evalOut struct {
		Correctness float64 `json:"correctness"`
	}
	if err == nil {
		_ = json.Unmarshal([]byte(evalRes.Output), &evalOut)
	}
	if successRate == 0 && evalOut.Correctness > 0.5 {
		// A sandbox-less or non-executable evaluator tool can still vouch
		// for correctness; don't let a missing sandbox alone fail a
		// candidate the evaluator is confident in.
		successRate = evalOut.Correctness
	}

	return measuredFitness{
		LatencyMS:   float64(execResult.Elapsed.Milliseconds()),
		MemoryMB:    float64(execResult.PeakRSSBytes) / (1024 * 1024),
		SuccessRate: successRate,
	}, nil
}

// promote stores candidateSource as the new canonical with a parent_id
// lineage link and archives the previous canonical (spec §4.J step 5:
// "promote candidate to canonical; the previous canonical is archived (not
// deleted) with a parent_id link").
func (o *Optimizer) promote(ctx context.Context, previous *artifact.Artifact, candidateSource string, measured measuredFitness) (*artifact.Artifact, error) {
	next, err := o.store.Put(ctx, &artifact.Artifact{
		Kind:        previous.Kind,
		Name:        previous.Name,
		Description: previous.Description,
		Content:     candidateSource,
		Tags:        previous.Tags,
		Metadata: map[string]any{
			"parent_id":     previous.ID,
			"latency_ms":    measured.LatencyMS,
			"memory_mb":     measured.MemoryMB,
			"success_rate":  measured.SuccessRate,
			"test_coverage": measured.TestCoverage,
		},
	})
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindStorage, "store promoted canonical", err)
	}

	previous.Tags = append(append([]string{}, previous.Tags...), archivedTag)
	if previous.Metadata == nil {
		previous.Metadata = map[string]any{}
	}
	previous.Metadata["parent_id"] = next.ID
	if _, err := o.store.Put(ctx, previous); err != nil {
		return next, toolerrors.Wrap(toolerrors.KindStorage, "archive previous canonical", err)
	}
	return next, nil
}

// trim archives variants too dissimilar from the new canonical and too
// rarely used to keep around, except the canonical itself or anything with
// test_coverage > 0.9 (spec §4.J step 6).
func (o *Optimizer) trim(ctx context.Context, canonical *artifact.Artifact, variants []artifact.ScoredArtifact, w Weights) {
	for _, v := range variants {
		a := v.Artifact
		if a.ID == canonical.ID {
			continue
		}
		if hasTag(a.Tags, archivedTag) {
			continue
		}
		if metaFloat(a.Metadata, "test_coverage") > 0.9 {
			continue
		}
		sim := 0.0
		if len(a.Embedding) > 0 && len(canonical.Embedding) > 0 {
			for _, s := range o.store.Search(ctx, canonical.Embedding, canonical.Kind, 0) {
				if s.Artifact.ID == a.ID {
					sim = s.Similarity
					break
				}
			}
		}
		if sim >= o.archiveThreshold {
			continue
		}
		if a.UsageCount >= o.keepThreshold {
			continue
		}
		a.Tags = append(append([]string{}, a.Tags...), archivedTag)
		if _, err := o.store.Put(ctx, a); err != nil {
			o.log.Warn(ctx, "trim archive failed", "artifact_id", a.ID, "err", err.Error())
		}
	}
}
