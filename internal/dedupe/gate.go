// Package dedupe implements the Deduplication Gate (spec §4.I): before a
// request is handed to the Generation Controller's PLAN stage, check
// whether an existing FUNCTION or WORKFLOW artifact already satisfies it
// closely enough to reuse outright, or closely enough to warrant a second
// opinion from a reviewer model, before paying the cost of regenerating
// from scratch.
package dedupe

import (
	"context"
	"encoding/json"

	"github.com/kortexai/kortex/internal/artifact"
	"github.com/kortexai/kortex/internal/generation"
	"github.com/kortexai/kortex/internal/telemetry"
	"github.com/kortexai/kortex/internal/toolruntime"
)

// defaultExactThreshold and defaultReviewThreshold are spec §4.I's
// three-tier decision boundaries: similarity at or above exact means reuse
// outright; at or above review but below exact asks a reviewer tool;
// anything lower falls through to regeneration.
const (
	defaultExactThreshold  = 0.98
	defaultReviewThreshold = 0.95
	defaultTopK            = 5
)

// Embedder is the subset of the Embedding & Similarity Service the gate
// needs to turn request text into a query vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ToolCaller is the subset of the Tool Invocation Runtime the gate needs to
// ask a reviewer tool for a reuse/regenerate verdict on a borderline match.
type ToolCaller interface {
	CallTool(ctx context.Context, sessionID, toolID string, input map[string]any) (toolruntime.CallResult, error)
}

// reviewerVerdict is the reviewer tool's structured response.
type reviewerVerdict struct {
	Reuse bool `json:"reuse"`
}

// Gate implements generation.DedupeGate.
type Gate struct {
	store    *artifact.Store
	embedder Embedder
	reviewer ToolCaller

	reviewerToolID  string
	exactThreshold  float64
	reviewThreshold float64
	topK            int

	log telemetry.Logger
}

// Option configures a Gate.
type Option func(*Gate)

func WithExactThreshold(v float64) Option   { return func(g *Gate) { g.exactThreshold = v } }
func WithReviewThreshold(v float64) Option  { return func(g *Gate) { g.reviewThreshold = v } }
func WithTopK(n int) Option                 { return func(g *Gate) { g.topK = n } }
func WithLogger(l telemetry.Logger) Option  { return func(g *Gate) { g.log = l } }
func WithReviewer(rt ToolCaller, toolID string) Option {
	return func(g *Gate) { g.reviewer = rt; g.reviewerToolID = toolID }
}

// New constructs a Gate.
func New(store *artifact.Store, embedder Embedder, opts ...Option) *Gate {
	g := &Gate{
		store:           store,
		embedder:        embedder,
		exactThreshold:  defaultExactThreshold,
		reviewThreshold: defaultReviewThreshold,
		topK:            defaultTopK,
		log:             telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Decide embeds text, searches FUNCTION and WORKFLOW artifacts for the
// closest match, and resolves the three-tier verdict (spec §4.I). A nil
// Reviewer always falls through the review tier to regeneration rather
// than erroring, since asking for a second opinion is an enrichment, not a
// hard requirement.
func (g *Gate) Decide(ctx context.Context, sessionID, text string) (generation.DedupeDecision, error) {
	// A failed embed must not fail the request: fall through with a nil
	// query so bestMatch skips straight to its tag-overlap fallback rather
	// than surfacing the embedder's error to the caller (spec §4.A/§4.B/§7
	// degrade-never-error requirement).
	query, err := g.embedder.Embed(ctx, text)
	if err != nil {
		g.log.Warn(ctx, "dedupe embed failed, falling back to tag match", "err", err.Error())
		query = nil
	}

	best, ok := g.bestMatch(ctx, query, text)
	if !ok {
		return generation.DedupeDecision{}, nil
	}

	switch {
	case best.Similarity >= g.exactThreshold:
		return generation.DedupeDecision{Reuse: true, ArtifactID: best.Artifact.ID}, nil
	case best.Similarity >= g.reviewThreshold:
		return g.askReviewer(ctx, sessionID, text, best)
	default:
		return generation.DedupeDecision{Reuse: false}, nil
	}
}

// askReviewer delegates a borderline match to a reviewer tool (spec §4.I:
// "ask reviewer LM tool"). A nil or failing reviewer falls through to
// regeneration rather than erroring — the review tier is an enrichment on
// top of the exact/regenerate boundary, not a hard dependency.
func (g *Gate) askReviewer(ctx context.Context, sessionID, text string, best artifact.ScoredArtifact) (generation.DedupeDecision, error) {
	if g.reviewer == nil || g.reviewerToolID == "" {
		return generation.DedupeDecision{Reuse: false}, nil
	}
	res, err := g.reviewer.CallTool(ctx, sessionID, g.reviewerToolID, map[string]any{
		"request":           text,
		"candidate_content": best.Artifact.Content,
		"similarity":        best.Similarity,
	})
	if err != nil {
		g.log.Warn(ctx, "dedupe reviewer call failed, regenerating", "err", err.Error())
		return generation.DedupeDecision{Reuse: false}, nil
	}

	var verdict reviewerVerdict
	if err := json.Unmarshal([]byte(res.Output), &verdict); err != nil {
		g.log.Warn(ctx, "dedupe reviewer response was not valid JSON, regenerating", "err", err.Error())
		return generation.DedupeDecision{Reuse: false}, nil
	}
	if !verdict.Reuse {
		return generation.DedupeDecision{Reuse: false}, nil
	}
	return generation.DedupeDecision{Reuse: true, ArtifactID: best.Artifact.ID}, nil
}

// tagFallbackSimilarity is the similarity score assigned to a tag-overlap
// match found through EnrichTags when the embedding search returns no
// candidate at all — a cheap fallback signal, landing inside the review band rather
// than the exact-reuse band, since keyword overlap alone never justifies
// silent reuse.
const tagFallbackSimilarity = 0.96

// bestMatch returns the single highest-similarity FUNCTION or WORKFLOW
// artifact for query, across both kinds, falling back to a tag-overlap
// match (spec §4.I tag enrichment) when the embedding search turns up
// nothing at all.
func (g *Gate) bestMatch(ctx context.Context, query []float32, text string) (artifact.ScoredArtifact, bool) {
	candidates := append(
		g.store.Search(ctx, query, artifact.KindFunction, g.topK),
		g.store.Search(ctx, query, artifact.KindWorkflow, g.topK)...,
	)
	if len(candidates) > 0 {
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.Similarity > best.Similarity {
				best = c
			}
		}
		return best, true
	}

	tags := EnrichTags(text)
	for _, tag := range tags {
		for _, a := range g.store.FindByTags(ctx, tag) {
			if a.Kind != artifact.KindFunction && a.Kind != artifact.KindWorkflow {
				continue
			}
			return artifact.ScoredArtifact{Artifact: a, Similarity: tagFallbackSimilarity}, true
		}
	}
	return artifact.ScoredArtifact{}, false
}
