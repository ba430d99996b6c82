// Package embedding implements the Embedding & Similarity Service (spec
// §4.A): turning text into vectors and scoring similarity between them,
// cached so repeated generation requests against the same artifact content
// don't re-pay an API call.
package embedding

import (
	"context"
	"errors"
	"math"
)

// ErrUnavailable is returned by a Service that cannot produce embeddings at
// all (e.g. a backend with no embeddings endpoint). Callers must degrade to
// keyword/tag search rather than block on an embedding that will never
// arrive (spec §4.A: "never block generation on this service").
var ErrUnavailable = errors.New("embedding: backend has no embeddings endpoint")

// Service computes text embeddings and scores similarity between vectors.
type Service interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Cosine(a, b []float32) float64
}

// Cosine computes cosine similarity between two equal-length vectors,
// returning 0 for mismatched lengths or zero vectors rather than erroring:
// similarity scoring is advisory, never load-bearing enough to fail a
// request over.
func Cosine(a, b []float32) float64 {
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
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
