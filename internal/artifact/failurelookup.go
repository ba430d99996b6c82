package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kortexai/kortex/internal/telemetry"
	"github.com/kortexai/kortex/internal/toolerrors"
)

// failureSimilarityThreshold is spec §4.D's cutoff: a prior failure only
// penalizes a candidate when its scenario_text is at least this similar to
// the current one.
const failureSimilarityThreshold = 0.7

// severity is the Failure Record's coarse cost classification (spec §3).
type severity string

const (
	severityLow    severity = "low"
	severityMedium severity = "medium"
	severityHigh   severity = "high"
)

// severityPenalty maps a Failure Record's severity to the quality-score
// decrement applied to the failing tool (spec §3: "severity maps to a
// quality-score penalty").
var severityPenalty = map[severity]float64{
	severityLow:    0.01,
	severityMedium: 0.05,
	severityHigh:   0.10,
}

// FailureEmbedder is the subset of the Embedding & Similarity Service
// FailureLookup needs to compare scenario_text vectors.
type FailureEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Cosine(a, b []float32) float64
}

// FailureLookup implements toolruntime.FailureLookup over this package's
// Store, so toolruntime itself never imports internal/artifact (spec §4.D
// resilient fallback, §3 Failure Record).
type FailureLookup struct {
	store    *Store
	embedder FailureEmbedder
	log      telemetry.Logger
}

// FailureLookupOption configures a FailureLookup.
type FailureLookupOption func(*FailureLookup)

// WithFailureLookupLogger overrides the lookup's logger.
func WithFailureLookupLogger(l telemetry.Logger) FailureLookupOption {
	return func(f *FailureLookup) { f.log = l }
}

// NewFailureLookup constructs a FailureLookup adapter over store.
func NewFailureLookup(store *Store, embedder FailureEmbedder, opts ...FailureLookupOption) *FailureLookup {
	f := &FailureLookup{store: store, embedder: embedder, log: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// MaxFailureSimilarity returns the highest cosine similarity, among prior
// FAILURE artifacts recorded against toolID, between their scenario_text
// and the current input — considering only similarities at or above
// failureSimilarityThreshold, since below that spec §4.D assigns no
// penalty at all. Returns 0 if the embedder fails or no failure qualifies.
func (f *FailureLookup) MaxFailureSimilarity(ctx context.Context, toolID string, input map[string]any) float64 {
	query, err := f.embedder.Embed(ctx, scenarioText(input))
	if err != nil {
		f.log.Warn(ctx, "failure lookup embed failed, no penalty applied", "tool_id", toolID, "err", err.Error())
		return 0
	}

	var max float64
	for _, a := range f.store.FindByKind(ctx, KindFailure) {
		if a.TargetToolID() != toolID || len(a.Embedding) == 0 {
			continue
		}
		sim := f.embedder.Cosine(query, a.Embedding)
		if sim >= failureSimilarityThreshold && sim > max {
			max = sim
		}
	}
	return max
}

// RecordFailure persists a FAILURE artifact describing err against toolID,
// then applies the severity-mapped quality-score penalty (spec §3) to
// toolID's own artifact, if one exists in the store under that id. A tool
// id with no corresponding artifact still gets its failure recorded; only
// the score adjustment is skipped.
func (f *FailureLookup) RecordFailure(ctx context.Context, toolID string, input map[string]any, err error) {
	scenario := scenarioText(input)
	sev := classifySeverity(err)
	message := ""
	if err != nil {
		message = err.Error()
	}

	if _, putErr := f.store.Put(ctx, &Artifact{
		Kind:        KindFailure,
		Name:        "failure: " + toolID,
		Description: scenario,
		Content:     message,
		Tags:        []string{"resilient_fallback"},
		Metadata: map[string]any{
			"target_tool_id": toolID,
			"scenario_text":  scenario,
			"error_message":  message,
			"severity":       string(sev),
		},
	}); putErr != nil {
		f.log.Warn(ctx, "record failure artifact failed", "tool_id", toolID, "err", putErr.Error())
	}

	tool, getErr := f.store.Get(ctx, toolID)
	if getErr != nil {
		return
	}
	penalized := tool.QualityScore - severityPenalty[sev]
	if updErr := f.store.UpdateQualityScore(ctx, toolID, penalized); updErr != nil {
		f.log.Warn(ctx, "apply failure penalty failed", "tool_id", toolID, "err", updErr.Error())
	}
}

// classifySeverity buckets a resilient-call failure by cost: a transient
// backend hiccup is cheap (the candidate might well succeed next time), a
// tool invocation or validation failure is a real defect, and anything else
// — most often a storage-layer problem surfacing through the call — is
// treated as the most expensive bucket.
func classifySeverity(err error) severity {
	var te *toolerrors.Error
	if errors.As(err, &te) {
		switch te.Kind {
		case toolerrors.KindTransientBackend:
			return severityLow
		case toolerrors.KindToolInvocation, toolerrors.KindValidation, toolerrors.KindFixFraud:
			return severityMedium
		default:
			return severityHigh
		}
	}
	return severityMedium
}

// scenarioText renders a resilient call's input as deterministic text for
// embedding and storage, per spec §3's Failure Record scenario_text field.
func scenarioText(input map[string]any) string {
	b, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprintf("%v", input)
	}
	return string(b)
}
