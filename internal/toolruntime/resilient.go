package toolruntime

import (
	"context"
	"fmt"
	"sort"

	"github.com/kortexai/kortex/internal/toolerrors"
)

// RankedCandidate is one tool eligible for a resilient call, with its prior
// suitability score (e.g. from the Deduplication Gate's similarity search).
type RankedCandidate struct {
	ToolID string
	Score  float64
}

// FailureLookup reports how similar a pending input is to past recorded
// failures of a given tool, and records a new failure when one occurs.
// Implemented by a thin adapter over the Artifact Store so toolruntime never
// imports internal/artifact directly.
type FailureLookup interface {
	// MaxFailureSimilarity returns the highest similarity between input and
	// any FAILURE artifact previously recorded against toolID, or 0 if none.
	MaxFailureSimilarity(ctx context.Context, toolID string, input map[string]any) float64
	// RecordFailure persists a FAILURE artifact for toolID describing err.
	RecordFailure(ctx context.Context, toolID string, input map[string]any, err error)
}

// failurePenaltyWeight is the weight applied to a candidate's similarity to
// its own past failures when re-ranking (spec §4.D): a tool that has failed
// on near-identical input before is penalized, not disqualified — it can
// still win if every other candidate scores lower.
const failurePenaltyWeight = 0.3

// CallToolResilient tries candidates in score order, after re-ranking each
// by its failure penalty, returning the first success. Every failure along
// the way is recorded via failures.RecordFailure before moving to the next
// candidate, so the penalty compounds on repeated failures across calls.
func (r *Runtime) CallToolResilient(ctx context.Context, sessionID string, candidates []RankedCandidate, input map[string]any, failures FailureLookup) (CallResult, error) {
	if len(candidates) == 0 {
		return CallResult{}, toolerrors.New(toolerrors.KindToolInvocation, "resilient call: no candidates supplied")
	}

	ranked := make([]RankedCandidate, len(candidates))
	copy(ranked, candidates)
	if failures != nil {
		for i, c := range ranked {
			penalty := failurePenaltyWeight * failures.MaxFailureSimilarity(ctx, c.ToolID, input)
			ranked[i].Score = c.Score - penalty
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	var lastErr error
	for _, c := range ranked {
		res, err := r.CallTool(ctx, sessionID, c.ToolID, input)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if failures != nil {
			failures.RecordFailure(ctx, c.ToolID, input, err)
		}
		r.log.Warn(ctx, "resilient call candidate failed, trying next", "tool_id", c.ToolID, "err", err.Error())
	}
	return CallResult{}, toolerrors.Wrap(toolerrors.KindToolInvocation, fmt.Sprintf("resilient call: all %d candidates failed", len(ranked)), lastErr)
}

// CallToolResilientByTags is call_tool_resilient (spec §4.D): it asks the
// Tool Registry for every tool carrying all of tags, ranks them by
// usage-weighted trust (absent a stored quality score, prior successful
// usage is the best signal the Registry has), and dispatches through
// CallToolResilient — bounded to at most maxAttempts candidates — using
// the Runtime's configured FailureLookup to re-rank by failure history and
// to record each failure as it goes.
func (r *Runtime) CallToolResilientByTags(ctx context.Context, sessionID string, tags []string, input map[string]any, maxAttempts int) (CallResult, error) {
	descs := r.registry.FindByTags(tags...)
	if len(descs) == 0 {
		return CallResult{}, toolerrors.Errorf(toolerrors.KindToolInvocation, "resilient call: no tool matches tags %v", tags)
	}
	if maxAttempts > 0 && maxAttempts < len(descs) {
		descs = descs[:maxAttempts]
	}

	candidates := make([]RankedCandidate, len(descs))
	for i, d := range descs {
		candidates[i] = RankedCandidate{ToolID: d.ID, Score: 1 + float64(r.registry.UsageCount(d.ID))}
	}
	return r.CallToolResilient(ctx, sessionID, candidates, input, r.failures)
}
