package dedupe_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kortexai/kortex/internal/artifact"
	"github.com/kortexai/kortex/internal/dedupe"
	"github.com/kortexai/kortex/internal/toolruntime"
)

// vecEmbedder returns a fixed vector per input text so tests can control
// similarity deterministically via the store's Cosine.
type vecEmbedder struct {
	vectors map[string][]float32
}

func (e vecEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.vectors[text], nil
}

func (e vecEmbedder) Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (sqrt(na) * sqrt(nb))
}

func sqrt(v float64) float64 {
	if v == 0 {
		return 0
	}
	x := v
	for i := 0; i < 50; i++ {
		x = 0.5 * (x + v/x)
	}
	return x
}

func TestDecideReusesOnExactMatch(t *testing.T) {
	embedder := vecEmbedder{vectors: map[string][]float32{
		"write a greeter": {1, 0, 0},
	}}
	store, err := artifact.Open(t.TempDir(), embedder)
	require.NoError(t, err)

	existing, err := store.Put(context.Background(), &artifact.Artifact{
		Kind:      artifact.KindFunction,
		Name:      "greeter",
		Content:   "package main\n\nfunc main() {}\n",
		Embedding: []float32{1, 0, 0},
	})
	require.NoError(t, err)

	gate := dedupe.New(store, embedder)
	decision, err := gate.Decide(context.Background(), "s1", "write a greeter")
	require.NoError(t, err)
	require.True(t, decision.Reuse)
	require.Equal(t, existing.ID, decision.ArtifactID)
}

func TestDecideRegeneratesBelowReviewThreshold(t *testing.T) {
	embedder := vecEmbedder{vectors: map[string][]float32{
		"write a greeter": {1, 0, 0},
	}}
	store, err := artifact.Open(t.TempDir(), embedder)
	require.NoError(t, err)

	_, err = store.Put(context.Background(), &artifact.Artifact{
		Kind:      artifact.KindFunction,
		Name:      "unrelated",
		Content:   "package main\n\nfunc main() {}\n",
		Embedding: []float32{0, 1, 0},
	})
	require.NoError(t, err)

	gate := dedupe.New(store, embedder)
	decision, err := gate.Decide(context.Background(), "s1", "write a greeter")
	require.NoError(t, err)
	require.False(t, decision.Reuse)
}

type stubReviewer struct {
	out string
}

func (s *stubReviewer) CallTool(ctx context.Context, sessionID, toolID string, input map[string]any) (toolruntime.CallResult, error) {
	return toolruntime.CallResult{Output: s.out}, nil
}

func TestDecideAsksReviewerInReviewBand(t *testing.T) {
	// Two near-identical vectors land the cosine similarity between the
	// review and exact thresholds.
	a := []float32{1, 0, 0}
	b := []float32{0.96, 0.28, 0}
	embedder := vecEmbedder{vectors: map[string][]float32{"write a greeter": a}}
	store, err := artifact.Open(t.TempDir(), embedder)
	require.NoError(t, err)

	existing, err := store.Put(context.Background(), &artifact.Artifact{
		Kind:      artifact.KindFunction,
		Name:      "close match",
		Content:   "package main\n\nfunc main() {}\n",
		Embedding: b,
	})
	require.NoError(t, err)

	sim := embedder.Cosine(a, b)
	require.Greater(t, sim, 0.95)
	require.Less(t, sim, 0.98)

	reviewer := &stubReviewer{out: `{"reuse":true}`}
	gate := dedupe.New(store, embedder, dedupe.WithReviewer(reviewer, "kortex.dedupe.review"))

	decision, err := gate.Decide(context.Background(), "s1", "write a greeter")
	require.NoError(t, err)
	require.True(t, decision.Reuse)
	require.Equal(t, existing.ID, decision.ArtifactID)
}

func TestEnrichTagsMatchesKeywords(t *testing.T) {
	tags := dedupe.EnrichTags("Parse a CSV file and validate each row over HTTP")
	require.Contains(t, tags, "verb:parse")
	require.Contains(t, tags, "format:csv")
	require.Contains(t, tags, "verb:validate")
	require.Contains(t, tags, "api:http")
}
