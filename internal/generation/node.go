package generation

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Imports enumerates the import classes the GENERATE tool declares for a
// node's source (spec §6's {stdlib[], pip[], local[]} manifest, generalized
// to Go's module system: "pip" becomes "third_party").
type Imports struct {
	Stdlib     []string `json:"stdlib"`
	ThirdParty []string `json:"third_party"`
	Local      []string `json:"local"`
}

// NodeMetadata is the node directory's metadata.json contents (spec §6
// "node directory layout").
type NodeMetadata struct {
	Imports     Imports  `json:"imports"`
	ArtifactIDs []string `json:"artifact_ids"`
	Version     int      `json:"version"`
}

// Node is the file set a node directory can hold under node_id/ (spec §4.H
// "Node artifact set"): source, unit test, behavior spec, load-test script,
// plan transcript, detailed specification, and metadata. Write skips every
// empty field except Metadata; STORE fills only Source and Metadata.
type Node struct {
	ID             string
	Source         string
	Test           string
	BehaviorSpec   string
	LoadTest       string
	PlanTranscript string
	Specification  string
	Metadata       NodeMetadata
}

// writeFailure records one node file that could not be written.
type writeFailure struct {
	File string
	Err  error
}

// Write persists n under dir/n.ID, creating the directory if it doesn't
// exist. Every file is attempted independently: one failing does not stop
// the others (spec §4.H: "failure to produce any one file does not fail
// the store, but is logged"). The caller logs the returned failures.
func (n Node) Write(dir string) []writeFailure {
	nodeDir := filepath.Join(dir, n.ID)
	if err := os.MkdirAll(nodeDir, 0o755); err != nil {
		return []writeFailure{{File: nodeDir, Err: err}}
	}

	var failures []writeFailure
	write := func(name, content string) {
		if content == "" {
			return
		}
		if err := os.WriteFile(filepath.Join(nodeDir, name), []byte(content), 0o644); err != nil {
			failures = append(failures, writeFailure{File: name, Err: err})
		}
	}
	write("source.go", n.Source)
	write("source_test.go", n.Test)
	write("behavior_spec.md", n.BehaviorSpec)
	write("load_test.go", n.LoadTest)
	write("plan.json", n.PlanTranscript)
	write("specification.md", n.Specification)

	meta, err := json.MarshalIndent(n.Metadata, "", "  ")
	if err != nil {
		failures = append(failures, writeFailure{File: "metadata.json", Err: err})
		return failures
	}
	if err := os.WriteFile(filepath.Join(nodeDir, "metadata.json"), meta, 0o644); err != nil {
		failures = append(failures, writeFailure{File: "metadata.json", Err: err})
	}
	return failures
}
