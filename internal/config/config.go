// Package config loads the typed configuration documents described in spec
// §6: backend/model declarations and the tunable thresholds the rest of the
// system reads at construction time. Values are loaded from YAML so the
// runtime/test-shell clients (out of scope here) can hand the core a
// document without kortex itself parsing flags.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type (
	// Document is the root configuration document.
	Document struct {
		Backends   map[string]Backend `yaml:"backends"`
		Thresholds Thresholds         `yaml:"thresholds"`
	}

	// Backend declares one model-router backend and its models.
	Backend struct {
		// CredentialEnv names the environment variable holding the backend's
		// credential. When set, the backend is enabled only while that
		// variable is non-empty; when empty, the backend is always enabled.
		CredentialEnv string           `yaml:"credential_env"`
		Models        map[string]Model `yaml:"models"`
	}

	// Model declares one routable model.
	Model struct {
		Tier            string `yaml:"tier"` // fast | general | escalation | god
		ContextWindow   int    `yaml:"context_window"`
		BaseTimeoutMS   int    `yaml:"base_timeout_ms"`
		TimeoutFallback string `yaml:"timeout_fallback"` // "backend/model" or ""
	}

	// Thresholds collects the tunable similarity/promotion thresholds the
	// spec's Open Questions section leaves as configuration dials. Defaults
	// match spec §9: exact=0.98, review=0.95, cluster=0.96.
	Thresholds struct {
		DedupeExact          float64 `yaml:"dedupe_exact"`
		DedupeReview         float64 `yaml:"dedupe_review"`
		ClusterSimilarity    float64 `yaml:"cluster_similarity"`
		ClusterImprovement   float64 `yaml:"cluster_improvement"`
		ClusterArchive       float64 `yaml:"cluster_archive"`
		ClusterKeepUsage     int     `yaml:"cluster_keep_usage"`
		FailureSimilarityMin float64 `yaml:"failure_similarity_min"`
	}
)

// Default returns the document's built-in defaults, used whenever a caller
// does not supply an explicit configuration file.
func Default() Document {
	return Document{
		Backends: map[string]Backend{},
		Thresholds: Thresholds{
			DedupeExact:          0.98,
			DedupeReview:         0.95,
			ClusterSimilarity:    0.96,
			ClusterImprovement:   0.05,
			ClusterArchive:       0.90,
			ClusterKeepUsage:     3,
			FailureSimilarityMin: 0.70,
		},
	}
}

// Load reads and parses a YAML configuration document from path, filling in
// any zero-valued threshold with its default.
func Load(path string) (Document, error) {
	doc := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read config %q: %w", path, err)
	}
	parsed := Document{}
	if err := yaml.Unmarshal(b, &parsed); err != nil {
		return Document{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	if parsed.Backends != nil {
		doc.Backends = parsed.Backends
	}
	mergeThresholds(&doc.Thresholds, parsed.Thresholds)
	return doc, nil
}

func mergeThresholds(dst *Thresholds, src Thresholds) {
	if src.DedupeExact != 0 {
		dst.DedupeExact = src.DedupeExact
	}
	if src.DedupeReview != 0 {
		dst.DedupeReview = src.DedupeReview
	}
	if src.ClusterSimilarity != 0 {
		dst.ClusterSimilarity = src.ClusterSimilarity
	}
	if src.ClusterImprovement != 0 {
		dst.ClusterImprovement = src.ClusterImprovement
	}
	if src.ClusterArchive != 0 {
		dst.ClusterArchive = src.ClusterArchive
	}
	if src.ClusterKeepUsage != 0 {
		dst.ClusterKeepUsage = src.ClusterKeepUsage
	}
	if src.FailureSimilarityMin != 0 {
		dst.FailureSimilarityMin = src.FailureSimilarityMin
	}
}

// Enabled reports whether the named backend is declared and usable: a
// backend with no CredentialEnv is always enabled, and one that names a
// credential variable is disabled while that variable is unset.
func (d Document) Enabled(name string) bool {
	b, ok := d.Backends[name]
	if !ok {
		return false
	}
	if b.CredentialEnv == "" {
		return true
	}
	return os.Getenv(b.CredentialEnv) != ""
}
