// Package idgen generates stable identifiers for artifacts, nodes, and runs.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a fresh, globally-unique id prefixed with kind (e.g. "art",
// "node", "run") so ids are self-describing in logs and manifests.
func New(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

// Artifact returns a new artifact_id.
func Artifact() string { return New("art") }

// Node returns a new node_id.
func Node() string { return New("node") }

// Run returns a new run_id.
func Run() string { return New("run") }

// ToolCall returns a new tool_call_id.
func ToolCall() string { return New("call") }
