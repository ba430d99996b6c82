// Package toolspec defines the Tool Descriptor data model shared by the Tool
// Registry and the Tool Invocation Runtime (spec §3, §4.C, §4.D): the
// declarative, YAML-authored shape of everything kortex can call.
package toolspec

// Kind is the tagged-union discriminant for a tool's invocation mechanism.
type Kind string

const (
	KindLanguageModel Kind = "LANGUAGE_MODEL"
	KindExecutable    Kind = "EXECUTABLE"
	KindWorkflow      Kind = "WORKFLOW"
	KindRemoteAPI     Kind = "REMOTE_API"
)

// Version is a semantic version triple, compared field-by-field so the
// registry can detect a version bump without a string-compare footgun.
type Version struct {
	Major int `yaml:"major" json:"major"`
	Minor int `yaml:"minor" json:"minor"`
	Patch int `yaml:"patch" json:"patch"`
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than o.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmp(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmp(v.Minor, o.Minor)
	default:
		return cmp(v.Patch, o.Patch)
	}
}

func cmp(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func (v Version) String() string {
	return itoa(v.Major) + "." + itoa(v.Minor) + "." + itoa(v.Patch)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// LanguageModelSpec configures a LANGUAGE_MODEL tool: a prompt template
// dispatched through the Model Router.
type LanguageModelSpec struct {
	PromptTemplate string            `yaml:"prompt_template" json:"prompt_template"`
	ModelHint      string            `yaml:"model_hint,omitempty" json:"model_hint,omitempty"`
	OutputSchema   map[string]any    `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`
	Defaults       map[string]string `yaml:"defaults,omitempty" json:"defaults,omitempty"`
}

// ExecutableSpec configures an EXECUTABLE tool: a sandboxed subprocess.
type ExecutableSpec struct {
	Command   []string `yaml:"command" json:"command"`
	WorkDir   string   `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`
	EnvAllow  []string `yaml:"env_allow,omitempty" json:"env_allow,omitempty"`
	TimeoutMS int      `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// WorkflowSpec configures a WORKFLOW tool: a node directory reference (spec
// §3: "for WORKFLOW a node directory reference"). The Runtime spawns the
// node's main entry as a subprocess, the same way it spawns an EXECUTABLE
// tool's interpreter+path, passing {"prompt": <prompt>} as JSON on standard
// input (spec §4.D, §6 Workflow-node I/O contract).
type WorkflowSpec struct {
	NodeDir   string   `yaml:"node_dir" json:"node_dir"`
	Command   []string `yaml:"command" json:"command"`
	TimeoutMS int      `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// RemoteAPISpec configures a REMOTE_API tool: an HTTP call against an
// external service.
type RemoteAPISpec struct {
	Method       string            `yaml:"method" json:"method"`
	URLTemplate  string            `yaml:"url_template" json:"url_template"`
	Headers      map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	AuthEnv      string            `yaml:"auth_env,omitempty" json:"auth_env,omitempty"`
	TimeoutMS    int               `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
}

// InvocationSpec is the tagged union of invocation mechanisms. Exactly one
// field matching Kind is populated; Descriptor validation enforces this.
type InvocationSpec struct {
	LanguageModel *LanguageModelSpec `yaml:"language_model,omitempty" json:"language_model,omitempty"`
	Executable    *ExecutableSpec    `yaml:"executable,omitempty" json:"executable,omitempty"`
	Workflow      *WorkflowSpec      `yaml:"workflow,omitempty" json:"workflow,omitempty"`
	RemoteAPI     *RemoteAPISpec     `yaml:"remote_api,omitempty" json:"remote_api,omitempty"`
}

// Descriptor is the full declarative shape of one tool (spec §3).
type Descriptor struct {
	ID          string         `yaml:"id" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Kind        Kind           `yaml:"kind" json:"kind"`
	Version     Version        `yaml:"version" json:"version"`
	Tags        []string       `yaml:"tags,omitempty" json:"tags,omitempty"`
	Capabilities []string      `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	InputSchema map[string]any `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	Invocation  InvocationSpec `yaml:"invocation" json:"invocation"`
	Protected   bool           `yaml:"protected,omitempty" json:"protected,omitempty"`
}

// MatchesInvocation reports whether Invocation carries exactly the one spec
// field matching Kind, and none of the others.
func (d Descriptor) MatchesInvocation() bool {
	set := 0
	if d.Invocation.LanguageModel != nil {
		set++
	}
	if d.Invocation.Executable != nil {
		set++
	}
	if d.Invocation.Workflow != nil {
		set++
	}
	if d.Invocation.RemoteAPI != nil {
		set++
	}
	if set != 1 {
		return false
	}
	switch d.Kind {
	case KindLanguageModel:
		return d.Invocation.LanguageModel != nil
	case KindExecutable:
		return d.Invocation.Executable != nil
	case KindWorkflow:
		return d.Invocation.Workflow != nil
	case KindRemoteAPI:
		return d.Invocation.RemoteAPI != nil
	default:
		return false
	}
}

// HasTag reports whether the descriptor carries tag.
func (d Descriptor) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasCapability reports whether the descriptor carries capability.
func (d Descriptor) HasCapability(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
