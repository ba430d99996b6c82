package generation

// postStoreMetrics is the optional post-store measurement spec §4.H derives
// a quality bonus from: a behavior-spec pass/fail plus load-test
// throughput, latency, and peak memory.
type postStoreMetrics struct {
	BehaviorSpecPassed bool
	ThroughputRatio    float64 // achieved/target, caller clamps to [0,1]
	LatencyMS          float64
	PeakMemoryMB       float64
}

// qualityBonus computes the §4.H post-store bonus: +0.2 for a passing
// behavior spec, up to +0.3 scaled by throughput ratio, and +0.1 each for
// latency<100ms and peak memory<10MB. The combined bonus is capped at 1.7
// before being added to the evaluator's base score.
func qualityBonus(m postStoreMetrics) float64 {
	var bonus float64
	if m.BehaviorSpecPassed {
		bonus += 0.2
	}
	throughput := m.ThroughputRatio
	if throughput > 1 {
		throughput = 1
	}
	if throughput > 0 {
		bonus += 0.3 * throughput
	}
	if m.LatencyMS > 0 && m.LatencyMS < 100 {
		bonus += 0.1
	}
	if m.PeakMemoryMB > 0 && m.PeakMemoryMB < 10 {
		bonus += 0.1
	}
	if bonus > 1.7 {
		bonus = 1.7
	}
	return bonus
}

// applyQualityBonus adds bonus to base and clamps the result to [0,1] for
// storage (spec §4.H: "re-clamped to 1.0").
func applyQualityBonus(base, bonus float64) float64 {
	score := base + bonus
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
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
