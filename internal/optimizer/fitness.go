package optimizer

import "github.com/kortexai/kortex/internal/artifact"

// Weights configures a cluster's fitness formula per spec §4.J: "weighted
// sum of {latency, memory, success_rate, test_coverage} (weights
// configurable per artifact kind)". Latency and memory contribute their
// inverse (lower is better); success_rate and test_coverage contribute
// directly.
type Weights struct {
	Latency      float64
	Memory       float64
	SuccessRate  float64
	TestCoverage float64
}

// defaultWeights is used for any artifact kind without an explicit entry in
// the Optimizer's weight table — success and correctness dominate, cost
// terms contribute less.
var defaultWeights = Weights{Latency: 0.15, Memory: 0.15, SuccessRate: 0.4, TestCoverage: 0.3}

// variantMetrics is the measured {latency, memory, success_rate,
// test_coverage} quadruple fitness is computed from, read from an
// artifact's metadata (recorded by the STATIC→EXECUTE→EVALUATE validation
// pass that produced or last measured it).
type variantMetrics struct {
	LatencyMS    float64
	MemoryMB     float64
	SuccessRate  float64
	TestCoverage float64
}

func metricsFromArtifact(a *artifact.Artifact) variantMetrics {
	return variantMetrics{
		LatencyMS:    metaFloat(a.Metadata, "latency_ms"),
		MemoryMB:     metaFloat(a.Metadata, "memory_mb"),
		SuccessRate:  metaFloat(a.Metadata, "success_rate"),
		TestCoverage: metaFloat(a.Metadata, "test_coverage"),
	}
}

func metaFloat(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// fitness computes the weighted-sum score spec §4.J defines. Latency and
// memory are folded through 1/(1+x) so a variant with zero measured cost
// scores 1.0 on that term and larger costs asymptotically approach 0,
// keeping the whole formula in a comparable [0,1] range per term.
func fitness(m variantMetrics, w Weights) float64 {
	latencyTerm := 1 / (1 + m.LatencyMS/1000)
	memoryTerm := 1 / (1 + m.MemoryMB/256)
	return w.Latency*latencyTerm +
		w.Memory*memoryTerm +
		w.SuccessRate*clamp01(m.SuccessRate) +
		w.TestCoverage*clamp01(m.TestCoverage)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
