package optimizer

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestFitnessMonotonicInSuccessRate verifies that, weights held fixed,
// raising success_rate never lowers a variant's fitness score. This is the
// invariant promotion in iterate relies on: a synthesized candidate that
// only improves success_rate must never score worse than the one it replaces.
func TestFitnessMonotonicInSuccessRate(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("fitness is non-decreasing in success_rate", prop.ForAll(
		func(latency, memory, lowRate, delta, testCoverage float64) bool {
			highRate := lowRate + delta
			w := defaultWeights
			low := fitness(variantMetrics{LatencyMS: latency, MemoryMB: memory, SuccessRate: lowRate, TestCoverage: testCoverage}, w)
			high := fitness(variantMetrics{LatencyMS: latency, MemoryMB: memory, SuccessRate: highRate, TestCoverage: testCoverage}, w)
			return high >= low-1e-9
		},
		gen.Float64Range(0, 5000),
		gen.Float64Range(0, 1024),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

// TestFitnessMonotonicInLatency verifies that raising measured latency never
// raises fitness (lower latency is always at least as good), for any
// non-negative weight table.
func TestFitnessMonotonicInLatency(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("fitness is non-increasing in latency_ms", prop.ForAll(
		func(lowLatency, delta, memory, successRate, testCoverage float64) bool {
			highLatency := lowLatency + delta
			w := defaultWeights
			low := fitness(variantMetrics{LatencyMS: lowLatency, MemoryMB: memory, SuccessRate: successRate, TestCoverage: testCoverage}, w)
			high := fitness(variantMetrics{LatencyMS: highLatency, MemoryMB: memory, SuccessRate: successRate, TestCoverage: testCoverage}, w)
			return high <= low+1e-9
		},
		gen.Float64Range(0, 5000),
		gen.Float64Range(0, 5000),
		gen.Float64Range(0, 1024),
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

// TestFitnessBoundedByWeightSum verifies fitness never exceeds the sum of
// the configured weights, regardless of how extreme the measured metrics
// are — clamp01 and the 1/(1+x) folds keep every term within [0,1].
func TestFitnessBoundedByWeightSum(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	w := defaultWeights
	ceiling := w.Latency + w.Memory + w.SuccessRate + w.TestCoverage

	properties.Property("fitness never exceeds the sum of the weights", prop.ForAll(
		func(latency, memory, successRate, testCoverage float64) bool {
			score := fitness(variantMetrics{LatencyMS: latency, MemoryMB: memory, SuccessRate: successRate, TestCoverage: testCoverage}, w)
			return score <= ceiling+1e-9
		},
		gen.Float64Range(0, 100000),
		gen.Float64Range(0, 100000),
		gen.Float64Range(-10, 10),
		gen.Float64Range(-10, 10),
	))

	properties.TestingRun(t)
}
