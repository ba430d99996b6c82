package generation

import (
	"context"
	"time"

	"github.com/kortexai/kortex/internal/artifact"
	"github.com/kortexai/kortex/internal/idgen"
	"github.com/kortexai/kortex/internal/modelrouter"
	"github.com/kortexai/kortex/internal/sandbox"
	"github.com/kortexai/kortex/internal/telemetry"
	"github.com/kortexai/kortex/internal/toolerrors"
	"github.com/kortexai/kortex/internal/toolruntime"
	"github.com/kortexai/kortex/internal/validator"
)

// ModelCaller is the subset of the Model Router a REPAIR attempt needs: a
// direct tier-addressed completion call, bypassing the tool registry since
// repair attempts aren't expressed as a registered tool invocation.
// Declared locally so generation doesn't import modelrouter's concrete type.
type ModelCaller interface {
	CompleteAtTier(ctx context.Context, tier, prompt string) (string, error)
}

// SandboxRunner is the subset of the Sandbox Runner EXECUTE needs to run a
// freshly generated source file directly (it is never a registered tool).
type SandboxRunner interface {
	RunResultWithStdin(ctx context.Context, command []string, workDir string, envAllow []string, timeout time.Duration, memCeiling int64, stdin []byte) (sandbox.Result, error)
}

// maxRepairAttempts bounds the REPAIR ladder (spec §4.H: "tiered up to 6
// attempts").
const maxRepairAttempts = 6

// fraudForgiveness is the length of a consecutive fix-fraud streak at which
// the controller stops forgiving: rejections before it are retried without
// counting against the attempt budget, and the one that reaches it (and any
// after it) is accepted and moves on to the next tier (spec §4.H: "forgive
// first, escalate after three").
const fraudForgiveness = 3

// repairLadderStep parameterizes one REPAIR attempt by (tier, temperature);
// the model itself is resolved by the Router at that tier (spec §4.H: "the
// model pool is provided by the Router as a ladder").
type repairLadderStep struct {
	Tier        string
	Temperature float64
}

// defaultRepairLadder escalates across speed_tier/quality_tier strata,
// revisiting a tier once at higher temperature before moving up — cheap
// tiers get two tries (a low-temperature deterministic attempt, then a
// higher-temperature one) before burning an escalation-tier call.
var defaultRepairLadder = []repairLadderStep{
	{Tier: modelrouter.TierFast, Temperature: 0.2},
	{Tier: modelrouter.TierFast, Temperature: 0.6},
	{Tier: modelrouter.TierGeneral, Temperature: 0.2},
	{Tier: modelrouter.TierGeneral, Temperature: 0.6},
	{Tier: modelrouter.TierEscalation, Temperature: 0.3},
	{Tier: modelrouter.TierGod, Temperature: 0.3},
}

// Controller runs the spec §4.H state machine for one generation request at
// a time; it holds no per-request mutable state itself, so one Controller
// may serve concurrent Run calls.
type Controller struct {
	store      *artifact.Store
	runtime    *toolruntime.Runtime
	validators *validator.Pipeline
	models     ModelCaller
	sandboxRun SandboxRunner
	gate       DedupeGate
	cluster    ClusterTrigger

	plannerToolID   string
	generatorToolID string
	evaluatorToolID string

	nodeDir                 string
	executeTimeout          time.Duration
	memoryCeilingBytes      int64
	clusterTriggerThreshold float64

	log     telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// Option configures a Controller.
type Option func(*Controller)

func WithDedupeGate(g DedupeGate) Option         { return func(c *Controller) { c.gate = g } }
func WithClusterTrigger(t ClusterTrigger) Option { return func(c *Controller) { c.cluster = t } }
func WithPlannerTool(id string) Option           { return func(c *Controller) { c.plannerToolID = id } }
func WithGeneratorTool(id string) Option         { return func(c *Controller) { c.generatorToolID = id } }
func WithEvaluatorTool(id string) Option         { return func(c *Controller) { c.evaluatorToolID = id } }
func WithExecuteTimeout(d time.Duration) Option  { return func(c *Controller) { c.executeTimeout = d } }
func WithMemoryCeiling(bytes int64) Option       { return func(c *Controller) { c.memoryCeilingBytes = bytes } }
func WithClusterTriggerThreshold(v float64) Option {
	return func(c *Controller) { c.clusterTriggerThreshold = v }
}
func WithLogger(l telemetry.Logger) Option   { return func(c *Controller) { c.log = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(c *Controller) { c.metrics = m } }
func WithTracer(t telemetry.Tracer) Option   { return func(c *Controller) { c.tracer = t } }

// New constructs a Controller. nodeDir is the base directory node
// directories and sandbox work dirs are created under.
func New(store *artifact.Store, rt *toolruntime.Runtime, validators *validator.Pipeline, models ModelCaller, sandboxRun SandboxRunner, nodeDir string, opts ...Option) *Controller {
	c := &Controller{
		store:                   store,
		runtime:                 rt,
		validators:              validators,
		models:                  models,
		sandboxRun:              sandboxRun,
		nodeDir:                 nodeDir,
		plannerToolID:           "kortex.overseer.plan",
		generatorToolID:         "kortex.codegen.generate",
		evaluatorToolID:         "kortex.overseer.evaluate",
		executeTimeout:          30 * time.Second,
		memoryCeilingBytes:      256 * 1024 * 1024,
		clusterTriggerThreshold: 0.6,
		log:                     telemetry.NewNoopLogger(),
		metrics:                 telemetry.NewNoopMetrics(),
		tracer:                  telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run drives a single request through the full state machine, returning the
// terminal Outcome. A non-nil error always carries a *toolerrors.Error
// (budget exhaustion, validation, storage, or tool-invocation failure).
func (c *Controller) Run(ctx context.Context, req Request) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "generation.Run")
	defer span.End()

	if reused, ok, err := c.tryReuse(ctx, req); err != nil {
		c.log.Warn(ctx, "dedupe gate failed, regenerating", "err", err.Error())
	} else if ok {
		return reused, nil
	}

	plan, planArtifactID, err := c.plan(ctx, req)
	if err != nil {
		return Outcome{State: StateFailed}, err
	}

	source, imports, err := c.generate(ctx, req, plan)
	if err != nil {
		return Outcome{State: StateFailed}, err
	}

	nodeID := idgen.Node()

	source, attempts, staticResult, execResult, err := c.validateAndRepair(ctx, req, nodeID, source)
	if err != nil {
		return Outcome{State: StateFailed, Attempts: attempts}, err
	}

	scores, evalArtifactID, err := c.evaluate(ctx, req, source)
	if err != nil {
		return Outcome{State: StateFailed, Attempts: attempts}, err
	}

	outcome, err := c.storeNode(ctx, req, nodeID, source, imports, plan, planArtifactID, evalArtifactID, scores, staticResult, execResult)
	if err != nil {
		return Outcome{State: StateFailed, Attempts: attempts}, err
	}
	outcome.Attempts = attempts
	outcome.State = StateDone

	if c.cluster != nil && outcome.QualityScore < c.clusterTriggerThreshold {
		// The stored artifact's own id names the cluster the optimizer
		// should re-examine; the optimizer resolves the actual canonical
		// neighborhood from there.
		c.cluster.TriggerCluster(ctx, outcome.ArtifactID)
	}

	return outcome, nil
}

// tryReuse consults the Deduplication Gate. ok is true only when the gate
// returned a REUSE decision; err is the gate's own failure, which the
// caller treats as a fallthrough to regeneration rather than aborting.
func (c *Controller) tryReuse(ctx context.Context, req Request) (Outcome, bool, error) {
	if c.gate == nil {
		return Outcome{}, false, nil
	}
	decision, err := c.gate.Decide(ctx, req.SessionID, req.Text)
	if err != nil {
		return Outcome{}, false, err
	}
	if !decision.Reuse {
		return Outcome{}, false, nil
	}
	a, err := c.store.Get(ctx, decision.ArtifactID)
	if err != nil {
		return Outcome{}, false, err
	}
	if err := c.store.IncrementUsage(ctx, a.ID); err != nil {
		c.log.Warn(ctx, "increment usage on reused artifact failed", "artifact_id", a.ID, "err", err.Error())
	}
	return Outcome{
		ArtifactID:   a.ID,
		Source:       a.Content,
		QualityScore: a.QualityScore,
		Reused:       true,
		State:        StateDone,
	}, true, nil
}

// validateAndRepair runs STATIC, then alternates EXECUTE and REPAIR until
// both pass or the repair budget is exhausted.
func (c *Controller) validateAndRepair(ctx context.Context, req Request, nodeID, source string) (string, int, validator.Result, sandbox.Result, error) {
	staticResult, err := c.validators.Run(ctx, source, validator.ModeFull, nil)
	if err != nil {
		return source, 0, staticResult, sandbox.Result{}, toolerrors.Wrap(toolerrors.KindValidation, "static validation failed", err)
	}
	source = staticResult.Source

	var (
		execResult  sandbox.Result
		execErr     error
		attempts    int
		fraudStreak int
		augment     string
	)

	for {
		if staticResult.Passed {
			execResult, execErr = c.execute(ctx, nodeID, source, req.TestInput)
			if execErr == nil {
				return source, attempts, staticResult, execResult, nil
			}
		}

		attempts++
		if attempts > maxRepairAttempts {
			lastErr := firstFailure(staticResult, execErr)
			c.recordBugReport(ctx, req, nodeID, attempts-1, lastErr)
			return source, attempts - 1, staticResult, execResult, toolerrors.BudgetExhaustedError(attempts-1, lastErr)
		}

		repaired, claims, patternApplied, rerr := c.nextRepair(ctx, req, source, staticResult, execErr, attempts, augment)
		if rerr != nil {
			return source, attempts, staticResult, execResult, toolerrors.Wrap(toolerrors.KindTransientBackend, "repair attempt failed", rerr)
		}

		if !patternApplied && len(claims) > 0 {
			failedClaims := verifyClaims(claims, repaired)
			if len(failedClaims) > 0 {
				fraudStreak++
				c.log.Warn(ctx, "repair claims unsupported by source, rejecting attempt",
					"node_id", nodeID, "attempt", attempts, "failed_claims", joinClaims(failedClaims))
				c.metrics.IncCounter("generation_fix_fraud_rejections_total", 1)
				if fraudStreak < fraudForgiveness {
					attempts-- // first offenses are free (spec §4.H)
					augment = augmentWithFraudWarning(failedClaims)
					continue
				}
				// three consecutive frauds: escalate and accept the
				// attempt regardless of unsupported claims.
			} else {
				fraudStreak = 0
				augment = ""
				sig := errorSignature(staticResult.Issues)
				find, replace := diffFindReplace(source, repaired)
				recordPattern(ctx, c.store, sig, find, replace)
			}
		} else {
			augment = ""
		}

		source = repaired
		staticResult, err = c.validators.Run(ctx, source, validator.ModeRetryFailed, &staticResult)
		if err != nil {
			return source, attempts, staticResult, execResult, toolerrors.Wrap(toolerrors.KindValidation, "static validation failed", err)
		}
		source = staticResult.Source
	}
}

func firstFailure(staticResult validator.Result, execErr error) error {
	if execErr != nil {
		return execErr
	}
	if !staticResult.Passed {
		return toolerrors.New(toolerrors.KindValidation, "static validation did not pass")
	}
	return nil
}

func joinClaims(claims []string) string {
	out := ""
	for i, c := range claims {
		if i > 0 {
			out += "; "
		}
		out += c
	}
	return out
}
