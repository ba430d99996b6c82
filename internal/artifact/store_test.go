package artifact_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kortexai/kortex/internal/artifact"
)

// fakeEmbedder gives deterministic, content-derived vectors so similarity
// ordering in tests is predictable without a real embedding backend.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var sum float32
	for _, r := range text {
		sum += float32(r)
	}
	return []float32{sum, 1}, nil
}

func (fakeEmbedder) Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func newTestStore(t *testing.T) *artifact.Store {
	t.Helper()
	s, err := artifact.Open(t.TempDir(), fakeEmbedder{})
	require.NoError(t, err)
	return s
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.Put(ctx, &artifact.Artifact{
		Kind:        artifact.KindFunction,
		Name:        "reverse_string",
		Description: "reverses a string",
		Content:     "func Reverse(s string) string { return s }",
		Tags:        []string{"string", "util", "string"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)
	require.Len(t, a.Tags, 2, "duplicate tags must be deduplicated")
	require.NotEmpty(t, a.Embedding, "embedding should be computed when missing")

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, a.Name, got.Name)
}

func TestPutPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := artifact.Open(dir, fakeEmbedder{})
	require.NoError(t, err)
	a, err := s1.Put(ctx, &artifact.Artifact{Kind: artifact.KindPlan, Name: "p1", Content: "plan body"})
	require.NoError(t, err)

	s2, err := artifact.Open(dir, fakeEmbedder{})
	require.NoError(t, err)
	got, err := s2.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, "p1", got.Name)
}

func TestDeleteRefusesProtected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a, err := s.Put(ctx, &artifact.Artifact{Kind: artifact.KindTool, Name: "bootstrap_tool"})
	require.NoError(t, err)

	s.Protect(a.ID)
	err = s.Delete(ctx, a.ID)
	require.Error(t, err)

	_, getErr := s.Get(ctx, a.ID)
	require.NoError(t, getErr, "protected artifact must still be retrievable after refused delete")
}

func TestFindByTagsRequiresAllTags(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Put(ctx, &artifact.Artifact{Kind: artifact.KindFunction, Name: "a", Tags: []string{"io", "file"}})
	require.NoError(t, err)
	_, err = s.Put(ctx, &artifact.Artifact{Kind: artifact.KindFunction, Name: "b", Tags: []string{"io"}})
	require.NoError(t, err)

	matches := s.FindByTags(ctx, "io", "file")
	require.Len(t, matches, 1)
	require.Equal(t, "a", matches[0].Name)
}

func TestSearchOrdersBySimilarityThenQualityThenID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Put(ctx, &artifact.Artifact{Kind: artifact.KindFunction, Name: "needle", Content: "needle content", QualityScore: 0.5})
	require.NoError(t, err)
	_, err = s.Put(ctx, &artifact.Artifact{Kind: artifact.KindFunction, Name: "needle", Content: "needle content", QualityScore: 0.9})
	require.NoError(t, err)

	query, _ := fakeEmbedder{}.Embed(ctx, "needle\n\nneedle content")
	results := s.Search(ctx, query, artifact.KindFunction, 10)
	require.Len(t, results, 2)
	require.GreaterOrEqual(t, results[0].Artifact.QualityScore, results[1].Artifact.QualityScore)
}

func TestIncrementUsage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a, err := s.Put(ctx, &artifact.Artifact{Kind: artifact.KindPattern, Name: "retry_pattern"})
	require.NoError(t, err)

	require.NoError(t, s.IncrementUsage(ctx, a.ID))
	require.NoError(t, s.IncrementUsage(ctx, a.ID))

	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.UsageCount)
}

func TestUpdateQualityScoreClampsAndPersists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a, err := s.Put(ctx, &artifact.Artifact{Kind: artifact.KindFunction, Name: "f", QualityScore: 0.2})
	require.NoError(t, err)

	require.NoError(t, s.UpdateQualityScore(ctx, a.ID, 1.5))
	got, err := s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, 1.0, got.QualityScore)

	require.NoError(t, s.UpdateQualityScore(ctx, a.ID, -0.3))
	got, err = s.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, 0.0, got.QualityScore)
}

func TestUpdateQualityScoreMissingArtifact(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.Error(t, s.UpdateQualityScore(ctx, "does-not-exist", 0.5))
}

func TestSearchByKeywordsRanksByOverlap(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Put(ctx, &artifact.Artifact{
		Kind: artifact.KindFunction, Name: "csv parser",
		Description: "parses csv rows into structs", Tags: []string{"format:csv", "verb:parse"},
	})
	require.NoError(t, err)
	_, err = s.Put(ctx, &artifact.Artifact{
		Kind: artifact.KindFunction, Name: "json parser",
		Description: "parses json documents", Tags: []string{"format:json", "verb:parse"},
	})
	require.NoError(t, err)
	_, err = s.Put(ctx, &artifact.Artifact{
		Kind: artifact.KindWorkflow, Name: "unrelated workflow",
		Description: "sends emails",
	})
	require.NoError(t, err)

	results := s.SearchByKeywords(ctx, "parse csv rows", artifact.KindFunction, 5)
	require.Len(t, results, 2)
	require.Equal(t, "csv parser", results[0].Artifact.Name)
	require.Greater(t, results[0].Similarity, results[1].Similarity)
}

func TestSearchByKeywordsNoOverlapReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Put(ctx, &artifact.Artifact{Kind: artifact.KindFunction, Name: "csv parser"})
	require.NoError(t, err)

	results := s.SearchByKeywords(ctx, "quantum entanglement", artifact.KindFunction, 5)
	require.Empty(t, results)
}

func TestCompactDropsOldFailuresOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	fail, err := s.Put(ctx, &artifact.Artifact{Kind: artifact.KindFailure, Name: "old_failure"})
	require.NoError(t, err)
	tool, err := s.Put(ctx, &artifact.Artifact{Kind: artifact.KindTool, Name: "kept_tool"})
	require.NoError(t, err)

	n, err := s.Compact(ctx, -1) // negative duration: cutoff is in the future, everything qualifies
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = s.Get(ctx, fail.ID)
	require.Error(t, err)
	_, err = s.Get(ctx, tool.ID)
	require.NoError(t, err)
}

func TestStatistics(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Put(ctx, &artifact.Artifact{Kind: artifact.KindFunction, Name: "a", Content: "1234"})
	require.NoError(t, err)
	_, err = s.Put(ctx, &artifact.Artifact{Kind: artifact.KindFunction, Name: "b", Content: "12"})
	require.NoError(t, err)

	stats := s.Statistics(ctx)
	require.Equal(t, 2, stats.TotalArtifacts)
	require.Equal(t, 2, stats.ByKind[artifact.KindFunction])
	require.Equal(t, int64(6), stats.ContentBytes)
}
