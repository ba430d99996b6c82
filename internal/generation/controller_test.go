package generation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kortexai/kortex/internal/artifact"
	"github.com/kortexai/kortex/internal/generation"
	"github.com/kortexai/kortex/internal/sandbox"
	"github.com/kortexai/kortex/internal/toolregistry"
	"github.com/kortexai/kortex/internal/toolruntime"
	"github.com/kortexai/kortex/internal/toolspec"
	"github.com/kortexai/kortex/internal/validator"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (fakeEmbedder) Cosine(a, b []float32) float64 { return 1 }

// stubModels answers CompleteAtTier with canned responses keyed by tier, in
// call order, so a test can script a sequence of repair attempts.
type stubModels struct {
	byTier map[string][]string
	calls  int
}

func (s *stubModels) CompleteAtTier(ctx context.Context, tier, prompt string) (string, error) {
	s.calls++
	queue := s.byTier[tier]
	if len(queue) == 0 {
		return `{"new_source":"package main\nfunc main(){}\n","claimed_fix_description":[]}`, nil
	}
	out := queue[0]
	s.byTier[tier] = queue[1:]
	return out, nil
}

// toolModel answers LANGUAGE_MODEL tool calls by ModelHint, so the planner,
// generator, and evaluator tools each get their own canned JSON response.
type toolModel struct {
	byHint map[string]string
}

func (m *toolModel) Complete(ctx context.Context, modelHint, prompt string) (string, error) {
	return m.byHint[modelHint], nil
}

type stubSandboxRunner struct {
	exitCode int
	stdout   string
	stderr   string
	err      error
}

func (s *stubSandboxRunner) RunResultWithStdin(ctx context.Context, command []string, workDir string, envAllow []string, timeout time.Duration, memCeiling int64, stdin []byte) (sandbox.Result, error) {
	return sandbox.Result{ExitCode: s.exitCode, Stdout: s.stdout, Stderr: s.stderr, Elapsed: time.Millisecond, PeakRSSBytes: 1024}, s.err
}

type stubDedupeGate struct {
	decision generation.DedupeDecision
	err      error
}

func (g *stubDedupeGate) Decide(ctx context.Context, sessionID, text string) (generation.DedupeDecision, error) {
	return g.decision, g.err
}

type stubClusterTrigger struct {
	triggered []string
}

func (t *stubClusterTrigger) TriggerCluster(ctx context.Context, clusterID string) {
	t.triggered = append(t.triggered, clusterID)
}

const planJSON = `{"steps":[{"id":"s1","description":"write it","tool_id":"","independent":false}]}`
const generateJSON = `{"source":"package main\n\nfunc main() {}\n","imports":{"stdlib":[],"third_party":[],"local":[]}}`
const evaluateJSON = `{"correctness":0.9,"quality":0.8,"speed":0.7}`

func newRuntime(t *testing.T, models toolruntime.ModelCompleter) *toolruntime.Runtime {
	t.Helper()
	reg := toolregistry.New()
	reg.Put(&toolspec.Descriptor{
		ID:   "kortex.overseer.plan",
		Kind: toolspec.KindLanguageModel,
		Invocation: toolspec.InvocationSpec{
			LanguageModel: &toolspec.LanguageModelSpec{PromptTemplate: "{{.task}}", ModelHint: "plan"},
		},
	})
	reg.Put(&toolspec.Descriptor{
		ID:   "kortex.codegen.generate",
		Kind: toolspec.KindLanguageModel,
		Invocation: toolspec.InvocationSpec{
			LanguageModel: &toolspec.LanguageModelSpec{PromptTemplate: "{{.task}}", ModelHint: "generate"},
		},
	})
	reg.Put(&toolspec.Descriptor{
		ID:   "kortex.overseer.evaluate",
		Kind: toolspec.KindLanguageModel,
		Invocation: toolspec.InvocationSpec{
			LanguageModel: &toolspec.LanguageModelSpec{PromptTemplate: "{{.task}}", ModelHint: "evaluate"},
		},
	})
	return toolruntime.New(reg, toolruntime.WithModelCompleter(models))
}

func TestRunHappyPath(t *testing.T) {
	store, err := artifact.Open(t.TempDir(), fakeEmbedder{})
	require.NoError(t, err)

	rt := newRuntime(t, &toolModel{byHint: map[string]string{
		"plan":     planJSON,
		"generate": generateJSON,
		"evaluate": evaluateJSON,
	}})

	pipeline := validator.New()
	sandboxRun := &stubSandboxRunner{exitCode: 0, stdout: "ok"}
	cluster := &stubClusterTrigger{}

	c := generation.New(store, rt, pipeline, &stubModels{byTier: map[string][]string{}}, sandboxRun, t.TempDir(),
		generation.WithClusterTrigger(cluster),
		generation.WithClusterTriggerThreshold(1.1), // force a trigger for assertion below
	)

	outcome, err := c.Run(context.Background(), generation.Request{SessionID: "s1", Text: "write a greeter"})
	require.NoError(t, err)
	require.Equal(t, generation.StateDone, outcome.State)
	require.Equal(t, 0, outcome.Attempts)
	require.NotEmpty(t, outcome.ArtifactID)
	require.False(t, outcome.Reused)
	require.Len(t, cluster.triggered, 1)
	require.Equal(t, outcome.ArtifactID, cluster.triggered[0])
}

func TestRunReusesOnDedupeGateHit(t *testing.T) {
	store, err := artifact.Open(t.TempDir(), fakeEmbedder{})
	require.NoError(t, err)

	existing, err := store.Put(context.Background(), &artifact.Artifact{
		Kind:         artifact.KindFunction,
		Name:         "existing",
		Content:      "package main\n\nfunc main() {}\n",
		QualityScore: 0.77,
	})
	require.NoError(t, err)

	rt := newRuntime(t, &toolModel{})
	pipeline := validator.New()
	gate := &stubDedupeGate{decision: generation.DedupeDecision{Reuse: true, ArtifactID: existing.ID}}

	c := generation.New(store, rt, pipeline, &stubModels{byTier: map[string][]string{}}, &stubSandboxRunner{}, t.TempDir(),
		generation.WithDedupeGate(gate),
	)

	outcome, err := c.Run(context.Background(), generation.Request{SessionID: "s1", Text: "write a greeter"})
	require.NoError(t, err)
	require.True(t, outcome.Reused)
	require.Equal(t, existing.ID, outcome.ArtifactID)
	require.Equal(t, 0.77, outcome.QualityScore)
}

func TestRunRepairsAfterExecutionFailureThenSucceeds(t *testing.T) {
	store, err := artifact.Open(t.TempDir(), fakeEmbedder{})
	require.NoError(t, err)

	rt := newRuntime(t, &toolModel{byHint: map[string]string{
		"plan":     planJSON,
		"generate": generateJSON,
		"evaluate": evaluateJSON,
	}})

	pipeline := validator.New()
	sandboxRun := &failThenPassSandbox{failFor: 1}

	models := &stubModels{byTier: map[string][]string{
		"fast": {`{"new_source":"package main\n\nfunc main() {}\n","claimed_fix_description":[]}`},
	}}

	c := generation.New(store, rt, pipeline, models, sandboxRun, t.TempDir())

	outcome, err := c.Run(context.Background(), generation.Request{SessionID: "s1", Text: "write a greeter"})
	require.NoError(t, err)
	require.Equal(t, generation.StateDone, outcome.State)
	require.Equal(t, 1, outcome.Attempts)
}

// failThenPassSandbox fails execution for the first failFor calls, then
// succeeds, so REPAIR's loop can be exercised deterministically.
type failThenPassSandbox struct {
	failFor int
	calls   int
}

func (s *failThenPassSandbox) RunResultWithStdin(ctx context.Context, command []string, workDir string, envAllow []string, timeout time.Duration, memCeiling int64, stdin []byte) (sandbox.Result, error) {
	s.calls++
	if s.calls <= s.failFor {
		return sandbox.Result{ExitCode: 1, Stderr: "boom"}, nil
	}
	return sandbox.Result{ExitCode: 0, Stdout: "ok", Elapsed: time.Millisecond, PeakRSSBytes: 1024}, nil
}

func TestRunBudgetExhaustedRecordsBugReport(t *testing.T) {
	store, err := artifact.Open(t.TempDir(), fakeEmbedder{})
	require.NoError(t, err)

	rt := newRuntime(t, &toolModel{byHint: map[string]string{
		"plan":     planJSON,
		"generate": generateJSON,
		"evaluate": evaluateJSON,
	}})

	pipeline := validator.New()
	sandboxRun := &failThenPassSandbox{failFor: 100}

	repairResponse := `{"new_source":"package main\n\nfunc main() {}\n","claimed_fix_description":[]}`
	models := &stubModels{byTier: map[string][]string{
		"fast":       {repairResponse, repairResponse},
		"general":    {repairResponse, repairResponse},
		"escalation": {repairResponse},
		"god":        {repairResponse},
	}}

	c := generation.New(store, rt, pipeline, models, sandboxRun, t.TempDir())

	_, err = c.Run(context.Background(), generation.Request{SessionID: "s1", Text: "write a greeter"})
	require.Error(t, err)

	reports := store.FindByKind(context.Background(), artifact.KindBugReport)
	require.Len(t, reports, 1)
	require.Equal(t, "write a greeter", reports[0].Description)
}

func TestRunFixFraudForgivenThenEscalates(t *testing.T) {
	store, err := artifact.Open(t.TempDir(), fakeEmbedder{})
	require.NoError(t, err)

	rt := newRuntime(t, &toolModel{byHint: map[string]string{
		"plan":     planJSON,
		"generate": generateJSON,
		"evaluate": evaluateJSON,
	}})

	pipeline := validator.New()
	sandboxRun := &failThenPassSandbox{failFor: 100}

	// Every repair attempt claims to have added an import that is absent
	// from the returned source: every attempt is fraudulent, so the
	// controller should forgive the first two and escalate (accept) the
	// third, continuing to burn the attempt budget from there.
	fraudResponse := `{"new_source":"package main\n\nfunc main() {}\n","claimed_fix_description":["added import \"encoding/json\""]}`
	models := &stubModels{byTier: map[string][]string{
		"fast": {fraudResponse, fraudResponse, fraudResponse, fraudResponse, fraudResponse},
	}}

	c := generation.New(store, rt, pipeline, models, sandboxRun, t.TempDir())

	_, err = c.Run(context.Background(), generation.Request{SessionID: "s1", Text: "write a greeter"})
	require.Error(t, err)
}
