package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kortexai/kortex/internal/artifact"
	"github.com/kortexai/kortex/internal/sandbox"
	"github.com/kortexai/kortex/internal/toolerrors"
	"github.com/kortexai/kortex/internal/toolruntime"
	"github.com/kortexai/kortex/internal/validator"
)

// plan asks the overseer tool for a structured Plan and stores it as a PLAN
// artifact (spec §4.H).
func (c *Controller) plan(ctx context.Context, req Request) (Plan, string, error) {
	res, err := c.runtime.CallTool(ctx, req.SessionID, c.plannerToolID, map[string]any{"task": req.Text})
	if err != nil {
		return Plan{}, "", toolerrors.Wrap(toolerrors.KindToolInvocation, "plan request failed", err)
	}

	var plan Plan
	if err := json.Unmarshal([]byte(res.Output), &plan); err != nil {
		return Plan{}, "", toolerrors.Wrap(toolerrors.KindToolInvocation, "plan response was not valid JSON", err)
	}

	planJSON, _ := json.MarshalIndent(plan, "", "  ")
	a, err := c.store.Put(ctx, &artifact.Artifact{
		Kind:        artifact.KindPlan,
		Name:        "plan: " + truncate(req.Text, 80),
		Description: req.Text,
		Content:     string(planJSON),
		Tags:        []string{"generation"},
	})
	if err != nil {
		return Plan{}, "", toolerrors.Wrap(toolerrors.KindStorage, "store plan artifact", err)
	}
	return plan, a.ID, nil
}

// generate issues the code-generation tool, then backfills any declared
// local import whose path-setup statement is missing from the source
// (spec §4.H: "the controller inserts it before validating"). Independent
// plan steps that the generator itself depends on are resolved via
// CallToolsParallel first, their outputs folded into the generation input.
func (c *Controller) generate(ctx context.Context, req Request, plan Plan) (string, Imports, error) {
	stepOutputs := c.runIndependentSteps(ctx, req, plan)

	planJSON, _ := json.Marshal(plan)
	input := map[string]any{
		"task":         req.Text,
		"plan":         string(planJSON),
		"step_outputs": stepOutputs,
	}
	res, err := c.runtime.CallTool(ctx, req.SessionID, c.generatorToolID, input)
	if err != nil {
		return "", Imports{}, toolerrors.Wrap(toolerrors.KindToolInvocation, "generate request failed", err)
	}

	var out struct {
		Source  string  `json:"source"`
		Imports Imports `json:"imports"`
	}
	if err := json.Unmarshal([]byte(res.Output), &out); err != nil {
		return "", Imports{}, toolerrors.Wrap(toolerrors.KindToolInvocation, "generate response was not valid JSON", err)
	}

	source := ensurePathSetup(out.Source, out.Imports)
	return source, out.Imports, nil
}

// runIndependentSteps dispatches every plan step marked Independent through
// CallToolsParallel (spec §4.H "parallel plan execution") and returns each
// step's output keyed by step id; dependent steps are left for the
// generator tool itself to resolve.
func (c *Controller) runIndependentSteps(ctx context.Context, req Request, plan Plan) map[string]string {
	var calls []toolruntime.ParallelCall
	var ids []string
	for _, step := range plan.Steps {
		if !step.Independent || step.ToolID == "" {
			continue
		}
		calls = append(calls, toolruntime.ParallelCall{ToolID: step.ToolID, Input: map[string]any{"task": step.Description}})
		ids = append(ids, step.ID)
	}
	if len(calls) == 0 {
		return nil
	}

	results := c.runtime.CallToolsParallel(ctx, req.SessionID, calls)
	out := make(map[string]string, len(results))
	for i, r := range results {
		if r.Err != nil {
			c.log.Warn(ctx, "independent plan step failed", "step_id", ids[i], "err", r.Err.Error())
			continue
		}
		out[ids[i]] = r.Result.Output
	}
	return out
}

// ensurePathSetup inserts an import statement for each declared local
// dependency that the generated source doesn't already reference, a
// best-effort textual fix the later import-path validator can still
// correct further.
func ensurePathSetup(source string, imports Imports) string {
	for _, local := range imports.Local {
		stmt := strconv.Quote(local)
		if strings.Contains(source, stmt) {
			continue
		}
		source = insertImport(source, stmt)
	}
	return source
}

func insertImport(source, quotedPath string) string {
	if idx := strings.Index(source, "import ("); idx >= 0 {
		insertAt := idx + len("import (")
		return source[:insertAt] + "\n\t" + quotedPath + source[insertAt:]
	}
	if nl := strings.Index(source, "\n"); nl >= 0 {
		return source[:nl+1] + "\nimport " + quotedPath + "\n" + source[nl+1:]
	}
	return source
}

// execute writes source and the derived test input to a fresh sandbox work
// dir and runs it, feeding the input on standard input per the
// Executable-tool I/O contract (spec §6).
func (c *Controller) execute(ctx context.Context, nodeID, source string, testInput map[string]any) (sandbox.Result, error) {
	if c.sandboxRun == nil {
		return sandbox.Result{}, toolerrors.New(toolerrors.KindToolInvocation, "no sandbox configured")
	}
	workDir := filepath.Join(c.nodeDir, nodeID, "sandbox")
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return sandbox.Result{}, toolerrors.Wrap(toolerrors.KindStorage, "create sandbox work dir", err)
	}
	sourcePath := filepath.Join(workDir, "generated.go")
	if err := os.WriteFile(sourcePath, []byte(source), 0o644); err != nil {
		return sandbox.Result{}, toolerrors.Wrap(toolerrors.KindStorage, "write generated source", err)
	}

	stdin, err := json.Marshal(testInput)
	if err != nil {
		return sandbox.Result{}, toolerrors.Wrap(toolerrors.KindToolInvocation, "marshal test input", err)
	}

	command := []string{"go", "run", sourcePath}
	res, err := c.sandboxRun.RunResultWithStdin(ctx, command, workDir, []string{"PATH", "HOME", "GOPATH", "GOCACHE", "GOMODCACHE"}, c.executeTimeout, c.memoryCeilingBytes, stdin)
	if err != nil {
		return res, toolerrors.Wrap(toolerrors.KindToolInvocation, "sandbox execution failed", err)
	}
	if res.ExitCode != 0 {
		return res, toolerrors.Errorf(toolerrors.KindToolInvocation, "generated source exited %d: %s", res.ExitCode, res.Stderr)
	}
	return res, nil
}

// nextRepair consults the auto-fix pattern library before spending a
// language-model call (spec §4.H: "no language-model call on confident
// match"), falling back to a tiered repair attempt otherwise.
func (c *Controller) nextRepair(ctx context.Context, req Request, source string, staticResult validator.Result, execErr error, attempt int, augment string) (string, []string, bool, error) {
	sig := errorSignature(staticResult.Issues)
	if fp, ok := lookupPattern(ctx, c.store, sig); ok {
		if applied, changed := applyPattern(source, fp); changed {
			c.metrics.IncCounter("generation_pattern_fix_applied_total", 1)
			return applied, nil, true, nil
		}
	}

	repaired, claims, err := c.repair(ctx, req, source, staticResult, execErr, attempt, augment)
	return repaired, claims, false, err
}

// repair issues one language-model repair attempt at the ladder tier for
// attempt (spec §4.H: 6 tiered attempts, each parameterized by model,
// temperature, and prompt augmentation).
func (c *Controller) repair(ctx context.Context, req Request, source string, staticResult validator.Result, execErr error, attempt int, augment string) (string, []string, error) {
	step := defaultRepairLadder[ladderIndex(attempt)]
	prompt := buildRepairPrompt(req, source, staticResult, execErr, step.Temperature, augment)

	out, err := c.models.CompleteAtTier(ctx, step.Tier, prompt)
	if err != nil {
		return "", nil, err
	}

	var parsed repairOutput
	if err := json.Unmarshal([]byte(out), &parsed); err != nil {
		return "", nil, toolerrors.Wrap(toolerrors.KindToolInvocation, "repair response was not valid JSON", err)
	}
	return parsed.NewSource, parsed.ClaimedFixes, nil
}

func ladderIndex(attempt int) int {
	if attempt < 1 {
		return 0
	}
	if attempt > len(defaultRepairLadder) {
		return len(defaultRepairLadder) - 1
	}
	return attempt - 1
}

// buildRepairPrompt describes the failure (static issues and/or a sandbox
// execution error) and asks for {new_source, claimed_fix_description}.
// Backends reachable through the Router don't expose a temperature
// parameter, so temperature is communicated as prompt guidance rather than
// a request field — see DESIGN.md's Component H entry.
func buildRepairPrompt(req Request, source string, staticResult validator.Result, execErr error, temperature float64, augment string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n\n", req.Text)
	fmt.Fprintf(&sb, "Current source:\n%s\n\n", source)
	if len(staticResult.Issues) > 0 {
		sb.WriteString("Static validation issues:\n")
		for _, issue := range staticResult.Issues {
			fmt.Fprintf(&sb, "- [%s] %s (line %d)\n", issue.Validator, issue.Message, issue.Line)
		}
	}
	if execErr != nil {
		fmt.Fprintf(&sb, "Execution failure:\n%s\n", execErr.Error())
	}
	fmt.Fprintf(&sb, "\nResponse creativity level (temperature): %.1f\n", temperature)
	if augment != "" {
		sb.WriteString("\n" + augment + "\n")
	}
	sb.WriteString("\nRespond with JSON: {\"new_source\": \"...\", \"claimed_fix_description\": [\"...\"]}.\n")
	return sb.String()
}

// augmentWithFraudWarning builds the mandatory warning spec §4.H requires
// the next repair prompt to carry after an unsupported-claims rejection.
func augmentWithFraudWarning(failedClaims []string) string {
	return "WARNING: your previous repair claimed fixes not reflected in the returned source: " + joinClaims(failedClaims) + ". Only claim a fix that the returned source text actually demonstrates."
}

// evaluate asks the evaluator tool for {correctness, quality, speed} and
// stores an EVALUATION artifact recording them (spec §4.H EVALUATE).
func (c *Controller) evaluate(ctx context.Context, req Request, source string) (evaluateOutput, string, error) {
	res, err := c.runtime.CallTool(ctx, req.SessionID, c.evaluatorToolID, map[string]any{
		"task":   req.Text,
		"source": source,
	})
	if err != nil {
		return evaluateOutput{}, "", toolerrors.Wrap(toolerrors.KindToolInvocation, "evaluate request failed", err)
	}

	var scores evaluateOutput
	if err := json.Unmarshal([]byte(res.Output), &scores); err != nil {
		return evaluateOutput{}, "", toolerrors.Wrap(toolerrors.KindToolInvocation, "evaluate response was not valid JSON", err)
	}
	scores.clamp()

	content, _ := json.Marshal(scores)
	a, err := c.store.Put(ctx, &artifact.Artifact{
		Kind:        artifact.KindEvaluation,
		Name:        "evaluation: " + truncate(req.Text, 80),
		Description: req.Text,
		Content:     string(content),
		Tags:        []string{"generation"},
	})
	if err != nil {
		return scores, "", toolerrors.Wrap(toolerrors.KindStorage, "store evaluation artifact", err)
	}
	return scores, a.ID, nil
}

// storeNode writes the node directory (the generated source and
// metadata.json; no test, behavior-spec, load-test, plan-transcript or
// specification file is produced), computes the final quality score (evaluator base plus the post-store bonus), and persists
// the node's artifact (spec §4.H STORE).
func (c *Controller) storeNode(ctx context.Context, req Request, nodeID, source string, imports Imports, plan Plan, planArtifactID, evalArtifactID string, scores evaluateOutput, staticResult validator.Result, execResult sandbox.Result) (Outcome, error) {
	node := Node{
		ID:     nodeID,
		Source: source,
		Metadata: NodeMetadata{
			Imports:     imports,
			ArtifactIDs: []string{planArtifactID, evalArtifactID},
			Version:     1,
		},
	}
	for _, fail := range node.Write(c.nodeDir) {
		c.log.Warn(ctx, "node file write failed", "node_id", nodeID, "file", fail.File, "err", fail.Err.Error())
	}

	bonus := qualityBonus(postStoreMetrics{
		BehaviorSpecPassed: staticResult.Passed && execResult.ExitCode == 0,
		LatencyMS:          float64(execResult.Elapsed.Milliseconds()),
		PeakMemoryMB:       float64(execResult.PeakRSSBytes) / (1024 * 1024),
	})
	score := applyQualityBonus(scores.overall(), bonus)

	kind := artifact.KindFunction
	if len(plan.Steps) > 1 {
		kind = artifact.KindWorkflow
	}

	a, err := c.store.Put(ctx, &artifact.Artifact{
		Kind:         kind,
		Name:         "node " + nodeID + ": " + truncate(req.Text, 80),
		Description:  req.Text,
		Content:      source,
		Tags:         []string{"generation", "node:" + nodeID},
		QualityScore: score,
		Metadata: map[string]any{
			"node_id":       nodeID,
			"plan_id":       planArtifactID,
			"evaluation_id": evalArtifactID,
		},
	})
	if err != nil {
		return Outcome{}, toolerrors.Wrap(toolerrors.KindStorage, "store node artifact", err)
	}

	return Outcome{
		NodeID:       nodeID,
		ArtifactID:   a.ID,
		Source:       source,
		QualityScore: score,
	}, nil
}

// recordBugReport stores a BUG_REPORT artifact when the repair ladder runs
// out without success (spec §7: BudgetExhausted). Storage failures are
// logged, not propagated — the caller is already returning the original
// budget-exhausted error and a bookkeeping failure shouldn't mask it.
func (c *Controller) recordBugReport(ctx context.Context, req Request, nodeID string, attempts int, lastErr error) {
	message := ""
	if lastErr != nil {
		message = lastErr.Error()
	}
	_, err := c.store.Put(ctx, &artifact.Artifact{
		Kind:        artifact.KindBugReport,
		Name:        "bug report: " + truncate(req.Text, 80),
		Description: req.Text,
		Content:     message,
		Tags:        []string{"generation", "budget_exhausted"},
		Metadata: map[string]any{
			"node_id":  nodeID,
			"attempts": attempts,
		},
	})
	if err != nil {
		c.log.Warn(ctx, "store bug report artifact failed", "node_id", nodeID, "err", err.Error())
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
