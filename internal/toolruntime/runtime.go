// Package toolruntime implements the Tool Invocation Runtime (spec §4.D):
// dispatch of a single tool call across the four invocation kinds, bounded
// parallel fan-out, and similarity-aware resilient fallback across
// candidate tools.
package toolruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/kortexai/kortex/internal/telemetry"
	"github.com/kortexai/kortex/internal/toolerrors"
	"github.com/kortexai/kortex/internal/toolregistry"
	"github.com/kortexai/kortex/internal/toolspec"
)

// ModelCompleter is the subset of the Model Router a LANGUAGE_MODEL tool
// invocation needs. Declared locally so toolruntime doesn't import
// internal/modelrouter directly — any router satisfying this shape works.
type ModelCompleter interface {
	Complete(ctx context.Context, modelHint, prompt string) (string, error)
}

// SandboxRunner is the subset of the Sandbox Runner an EXECUTABLE or
// WORKFLOW tool invocation needs. stdin carries the JSON-marshaled input
// object, per the Executable-tool and Workflow-node I/O contracts (spec
// §4.D, §6): "read a single JSON object from standard input."
type SandboxRunner interface {
	RunWithStdin(ctx context.Context, command []string, workDir string, envAllow []string, timeout time.Duration, stdin []byte) (stdout, stderr string, exitCode int, err error)
}

// RemoteCaller is the subset of an HTTP client a REMOTE_API tool invocation
// needs. Declared as an interface so tests can stub it without a live
// network call.
type RemoteCaller interface {
	Call(ctx context.Context, method, url string, headers map[string]string, body []byte, timeout time.Duration) (status int, respBody []byte, err error)
}

// CallResult is the outcome of a single tool invocation.
type CallResult struct {
	ToolID   string
	Output   string
	Elapsed  time.Duration
	ExitCode int // EXECUTABLE only; 0 otherwise
}

// Runtime dispatches tool calls by kind.
type Runtime struct {
	registry *toolregistry.Registry
	models   ModelCompleter
	sandbox  SandboxRunner
	remote   RemoteCaller
	buffer   UsageRecorder
	failures FailureLookup

	log     telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// UsageRecorder records tool usage, implemented by the Smoothing Buffer so
// hot-path calls never block on the registry's own lock (spec §4.D).
type UsageRecorder interface {
	Write(toolID string, n int)
}

// Option configures a Runtime.
type Option func(*Runtime)

func WithModelCompleter(m ModelCompleter) Option { return func(r *Runtime) { r.models = m } }
func WithSandboxRunner(s SandboxRunner) Option    { return func(r *Runtime) { r.sandbox = s } }
func WithRemoteCaller(c RemoteCaller) Option      { return func(r *Runtime) { r.remote = c } }
func WithUsageRecorder(u UsageRecorder) Option    { return func(r *Runtime) { r.buffer = u } }
func WithFailureLookup(f FailureLookup) Option    { return func(r *Runtime) { r.failures = f } }
func WithLogger(l telemetry.Logger) Option         { return func(r *Runtime) { r.log = l } }
func WithMetrics(m telemetry.Metrics) Option       { return func(r *Runtime) { r.metrics = m } }
func WithTracer(t telemetry.Tracer) Option         { return func(r *Runtime) { r.tracer = t } }

// New constructs a Runtime dispatching through registry.
func New(registry *toolregistry.Registry, opts ...Option) *Runtime {
	r := &Runtime{
		registry: registry,
		log:      telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		tracer:   telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CallTool dispatches a single invocation of toolID, substituting input into
// the descriptor's invocation spec (prompt template, workflow params, or
// URL template, as the kind requires).
func (r *Runtime) CallTool(ctx context.Context, sessionID, toolID string, input map[string]any) (CallResult, error) {
	ctx, span := r.tracer.Start(ctx, "toolruntime.CallTool")
	defer span.End()

	desc, ok := r.registry.Get(sessionID, toolID)
	if !ok {
		return CallResult{}, toolerrors.Errorf(toolerrors.KindToolInvocation, "tool %q not found", toolID)
	}

	start := time.Now()
	out, exitCode, err := r.dispatch(ctx, desc, input)
	elapsed := time.Since(start)

	r.metrics.RecordTimer("tool_call_duration", elapsed, "tool_id", toolID, "kind", string(desc.Kind))
	if err != nil {
		r.metrics.IncCounter("tool_call_errors_total", 1, "tool_id", toolID)
		return CallResult{ToolID: desc.ID, Elapsed: elapsed, ExitCode: exitCode}, err
	}

	if r.buffer != nil {
		r.buffer.Write(desc.ID, 1)
	} else {
		r.registry.RecordUsage(desc.ID, 1)
	}

	return CallResult{ToolID: desc.ID, Output: out, Elapsed: elapsed, ExitCode: exitCode}, nil
}

func (r *Runtime) dispatch(ctx context.Context, desc *toolspec.Descriptor, input map[string]any) (out string, exitCode int, err error) {
	switch desc.Kind {
	case toolspec.KindLanguageModel:
		return r.dispatchLanguageModel(ctx, desc, input)
	case toolspec.KindExecutable:
		return r.dispatchExecutable(ctx, desc, input)
	case toolspec.KindWorkflow:
		out, err = r.dispatchWorkflow(ctx, desc, input)
		return out, 0, err
	case toolspec.KindRemoteAPI:
		out, err = r.dispatchRemoteAPI(ctx, desc, input)
		return out, 0, err
	default:
		return "", 0, toolerrors.Errorf(toolerrors.KindToolInvocation, "tool %q: unknown kind %q", desc.ID, desc.Kind)
	}
}

func (r *Runtime) dispatchLanguageModel(ctx context.Context, desc *toolspec.Descriptor, input map[string]any) (string, int, error) {
	spec := desc.Invocation.LanguageModel
	if spec == nil || r.models == nil {
		return "", 0, toolerrors.Errorf(toolerrors.KindToolInvocation, "tool %q: no language model configured", desc.ID)
	}
	prompt, err := renderTemplate(spec.PromptTemplate, mergeDefaults(spec.Defaults, input))
	if err != nil {
		return "", 0, toolerrors.Wrap(toolerrors.KindToolInvocation, "render prompt template", err)
	}
	out, err := r.models.Complete(ctx, spec.ModelHint, prompt)
	if err != nil {
		return "", 0, toolerrors.Wrap(toolerrors.KindTransientBackend, "language model completion failed", err)
	}
	return out, 0, nil
}

// dispatchExecutable spawns the declared interpreter with the declared
// script path, writing input to the child's standard input as a single
// JSON object (spec §4.D EXECUTABLE, §6 Executable-tool I/O contract).
func (r *Runtime) dispatchExecutable(ctx context.Context, desc *toolspec.Descriptor, input map[string]any) (string, int, error) {
	spec := desc.Invocation.Executable
	if spec == nil || r.sandbox == nil {
		return "", 0, toolerrors.Errorf(toolerrors.KindToolInvocation, "tool %q: no sandbox configured", desc.ID)
	}
	timeout := time.Duration(spec.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	stdin, err := json.Marshal(input)
	if err != nil {
		return "", 0, toolerrors.Wrap(toolerrors.KindToolInvocation, "marshal tool input", err)
	}
	command := substituteCommandArgs(spec.Command, input)
	stdout, stderr, exitCode, err := r.sandbox.RunWithStdin(ctx, command, spec.WorkDir, spec.EnvAllow, timeout, stdin)
	if err != nil {
		return stdout, exitCode, toolerrors.Wrap(toolerrors.KindToolInvocation, "sandbox execution failed", err)
	}
	if exitCode != 0 {
		return stdout, exitCode, toolerrors.Errorf(toolerrors.KindToolInvocation, "tool %q: exited %d: %s", desc.ID, exitCode, stderr)
	}
	return stdout, exitCode, nil
}

// dispatchWorkflow resolves tool_id to a node directory and spawns its main
// entry the same way an EXECUTABLE tool is spawned, passing
// {"prompt": <prompt>} as JSON on standard input (spec §4.D WORKFLOW, §6
// Workflow-node I/O contract). input's "prompt" field (or, absent that, the
// whole input map rendered as a string) becomes the prompt.
func (r *Runtime) dispatchWorkflow(ctx context.Context, desc *toolspec.Descriptor, input map[string]any) (string, error) {
	spec := desc.Invocation.Workflow
	if spec == nil || r.sandbox == nil {
		return "", toolerrors.Errorf(toolerrors.KindToolInvocation, "tool %q: no sandbox configured", desc.ID)
	}
	if spec.NodeDir == "" || len(spec.Command) == 0 {
		return "", toolerrors.Errorf(toolerrors.KindToolInvocation, "tool %q: workflow spec missing node_dir or command", desc.ID)
	}
	timeout := time.Duration(spec.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	prompt, ok := input["prompt"].(string)
	if !ok {
		prompt = fmt.Sprintf("%v", input)
	}
	stdin, err := json.Marshal(map[string]any{"prompt": prompt})
	if err != nil {
		return "", toolerrors.Wrap(toolerrors.KindToolInvocation, "marshal workflow input", err)
	}

	stdout, stderr, exitCode, err := r.sandbox.RunWithStdin(ctx, spec.Command, spec.NodeDir, nil, timeout, stdin)
	if err != nil {
		return "", toolerrors.Wrap(toolerrors.KindToolInvocation, fmt.Sprintf("workflow %q: node execution failed", desc.ID), err)
	}
	if exitCode != 0 {
		return "", toolerrors.Errorf(toolerrors.KindToolInvocation, "workflow %q: node exited %d: %s", desc.ID, exitCode, stderr)
	}
	return stdout, nil
}

func renderTemplate(tmpl string, data map[string]any) (string, error) {
	t, err := template.New("prompt").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func mergeDefaults(defaults map[string]string, input map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(input))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range input {
		out[k] = v
	}
	return out
}

func substituteCommandArgs(command []string, input map[string]any) []string {
	out := make([]string, len(command))
	for i, arg := range command {
		for k, v := range input {
			arg = strings.ReplaceAll(arg, "{{"+k+"}}", fmt.Sprintf("%v", v))
		}
		out[i] = arg
	}
	return out
}
