package artifact

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/kortexai/kortex/internal/idgen"
	"github.com/kortexai/kortex/internal/telemetry"
	"github.com/kortexai/kortex/internal/toolerrors"
)

// Embedder is the subset of the Embedding & Similarity Service the store
// needs: computing a vector for content the caller did not already embed,
// and scoring similarity between two vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Cosine(a, b []float32) float64
}

// protectedSet holds ids that never participate in Delete or Compact eviction (spec §4.B,
// §7 KindProtectedResource): the bootstrap toolset and the active conversation
// ledger must survive optimizer trims and manual cleanup alike.
type protectedSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func newProtectedSet() *protectedSet { return &protectedSet{ids: map[string]struct{}{}} }

func (p *protectedSet) Protect(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids[id] = struct{}{}
}

func (p *protectedSet) Has(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.ids[id]
	return ok
}

// manifestSnapshot is an immutable view of the store's index, swapped in
// atomically on every mutation so readers never block behind a writer
// (spec §5: "readers never block").
type manifestSnapshot struct {
	byID   map[string]*Artifact
	byKind map[Kind][]string
	byTag  map[string][]string
}

func emptySnapshot() *manifestSnapshot {
	return &manifestSnapshot{
		byID:   map[string]*Artifact{},
		byKind: map[Kind][]string{},
		byTag:  map[string][]string{},
	}
}

// Store is the Artifact Store (spec §4.B): content-addressed, tag-indexed,
// embedding-searchable persistence for every artifact kind kortex produces.
type Store struct {
	dir  string
	lock stripedLock

	snapshot atomic.Pointer[manifestSnapshot]
	protect  *protectedSet

	embedder Embedder

	log     telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the store's logger.
func WithLogger(l telemetry.Logger) Option { return func(s *Store) { s.log = l } }

// WithMetrics overrides the store's metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(s *Store) { s.metrics = m } }

// WithTracer overrides the store's tracer.
func WithTracer(t telemetry.Tracer) Option { return func(s *Store) { s.tracer = t } }

// Open constructs a Store rooted at dir, loading any existing manifest.json.
// A missing manifest is not an error: Open is also how a brand-new store is
// created.
func Open(dir string, embedder Embedder, opts ...Option) (*Store, error) {
	s := &Store{
		dir:      dir,
		protect:  newProtectedSet(),
		embedder: embedder,
		log:      telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		tracer:   telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snapshot.Store(emptySnapshot())

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindStorage, "create store directory", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) manifestPath() string { return filepath.Join(s.dir, "manifest.json") }

type onDiskManifest struct {
	Artifacts []*Artifact `json:"artifacts"`
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.manifestPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return toolerrors.Wrap(toolerrors.KindStorage, "read manifest", err)
	}
	var doc onDiskManifest
	if err := json.Unmarshal(b, &doc); err != nil {
		return toolerrors.Wrap(toolerrors.KindStorage, "parse manifest", err)
	}
	snap := emptySnapshot()
	for _, a := range doc.Artifacts {
		snap.byID[a.ID] = a
		snap.byKind[a.Kind] = append(snap.byKind[a.Kind], a.ID)
		for _, t := range a.Tags {
			snap.byTag[t] = append(snap.byTag[t], a.ID)
		}
	}
	s.snapshot.Store(snap)
	return nil
}

// persist writes the full manifest atomically via write-then-rename, so a
// crash mid-write never leaves a half-written manifest.json behind.
func (s *Store) persist(snap *manifestSnapshot) error {
	doc := onDiskManifest{Artifacts: make([]*Artifact, 0, len(snap.byID))}
	for _, a := range snap.byID {
		doc.Artifacts = append(doc.Artifacts, a)
	}
	sort.Slice(doc.Artifacts, func(i, j int) bool { return doc.Artifacts[i].ID < doc.Artifacts[j].ID })

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return toolerrors.Wrap(toolerrors.KindStorage, "marshal manifest", err)
	}
	tmp := s.manifestPath() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return toolerrors.Wrap(toolerrors.KindStorage, "write manifest tmp", err)
	}
	if err := os.Rename(tmp, s.manifestPath()); err != nil {
		return toolerrors.Wrap(toolerrors.KindStorage, "rename manifest", err)
	}
	return nil
}

// cloneSnapshot produces a mutable copy of the current snapshot's indices so
// a writer can mutate it off to the side before the atomic swap.
func cloneSnapshot(src *manifestSnapshot) *manifestSnapshot {
	dst := emptySnapshot()
	for k, v := range src.byID {
		dst.byID[k] = v
	}
	for k, v := range src.byKind {
		dst.byKind[k] = append([]string(nil), v...)
	}
	for k, v := range src.byTag {
		dst.byTag[k] = append([]string(nil), v...)
	}
	return dst
}

// Put inserts or replaces an artifact. If the artifact has no ID it is
// assigned one; if it has no embedding and an Embedder is configured, the
// embedding is computed from Name+Description+Content.
func (s *Store) Put(ctx context.Context, a *Artifact) (*Artifact, error) {
	ctx, span := s.tracer.Start(ctx, "artifact.Put")
	defer span.End()

	a = a.Clone()
	if a.ID == "" {
		a.ID = idgen.Artifact()
	}
	a.Tags = dedupeTags(a.Tags)
	a.QualityScore = clampQuality(a.QualityScore)
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.LastUpdatedAt = now

	if len(a.Embedding) == 0 && s.embedder != nil {
		text := a.Name + "\n" + a.Description + "\n" + a.Content
		emb, err := s.embedder.Embed(ctx, text)
		if err != nil {
			s.log.Warn(ctx, "embedding failed, storing without vector", "artifact_id", a.ID, "err", err.Error())
		} else {
			a.Embedding = emb
		}
	}

	s.lock.Lock(a.ID)
	defer s.lock.Unlock(a.ID)

	cur := s.snapshot.Load()
	next := cloneSnapshot(cur)
	if old, ok := next.byID[a.ID]; ok {
		next.byKind[old.Kind] = removeString(next.byKind[old.Kind], a.ID)
		for _, t := range old.Tags {
			next.byTag[t] = removeString(next.byTag[t], a.ID)
		}
	}
	next.byID[a.ID] = a
	next.byKind[a.Kind] = appendUnique(next.byKind[a.Kind], a.ID)
	for _, t := range a.Tags {
		next.byTag[t] = appendUnique(next.byTag[t], a.ID)
	}

	if err := s.persist(next); err != nil {
		return nil, err
	}
	s.snapshot.Store(next)
	s.metrics.IncCounter("artifact_store_put_total", 1, "kind", string(a.Kind))
	return a.Clone(), nil
}

// Get fetches a single artifact by id.
func (s *Store) Get(ctx context.Context, id string) (*Artifact, error) {
	snap := s.snapshot.Load()
	a, ok := snap.byID[id]
	if !ok {
		return nil, toolerrors.Errorf(toolerrors.KindStorage, "artifact %q not found", id)
	}
	return a.Clone(), nil
}

// Delete removes an artifact, refusing to touch protected ids.
func (s *Store) Delete(ctx context.Context, id string) error {
	if s.protect.Has(id) {
		return toolerrors.ProtectedResourceError(id, "artifact is protected from deletion")
	}
	s.lock.Lock(id)
	defer s.lock.Unlock(id)

	cur := s.snapshot.Load()
	old, ok := cur.byID[id]
	if !ok {
		return nil
	}
	next := cloneSnapshot(cur)
	delete(next.byID, id)
	next.byKind[old.Kind] = removeString(next.byKind[old.Kind], id)
	for _, t := range old.Tags {
		next.byTag[t] = removeString(next.byTag[t], id)
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.snapshot.Store(next)
	return nil
}

// Protect marks an artifact id as protected against Delete and Compact.
func (s *Store) Protect(id string) { s.protect.Protect(id) }

// FindByKind returns all non-deleted artifacts of the given kind.
func (s *Store) FindByKind(ctx context.Context, kind Kind) []*Artifact {
	snap := s.snapshot.Load()
	ids := snap.byKind[kind]
	out := make([]*Artifact, 0, len(ids))
	for _, id := range ids {
		out = append(out, snap.byID[id].Clone())
	}
	return out
}

// FindByTags returns artifacts carrying every tag in tags (AND semantics).
func (s *Store) FindByTags(ctx context.Context, tags ...string) []*Artifact {
	snap := s.snapshot.Load()
	if len(tags) == 0 {
		return nil
	}
	counts := map[string]int{}
	for _, t := range tags {
		for _, id := range snap.byTag[t] {
			counts[id]++
		}
	}
	out := make([]*Artifact, 0)
	for id, n := range counts {
		if n == len(tags) {
			out = append(out, snap.byID[id].Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ScoredArtifact pairs an artifact with its similarity score against a query
// vector, as returned by Search.
type ScoredArtifact struct {
	Artifact   *Artifact
	Similarity float64
}

// Search performs a flat cosine-similarity scan over artifacts of the given
// kind (or all kinds if kind == ""), returning the topK highest-scoring
// matches. Ties break by quality_score desc, then usage_count desc, then
// lexicographic id (spec §4.B tie-break rule).
func (s *Store) Search(ctx context.Context, query []float32, kind Kind, topK int) []ScoredArtifact {
	ctx, span := s.tracer.Start(ctx, "artifact.Search")
	defer span.End()
	_ = ctx

	snap := s.snapshot.Load()
	var candidates []*Artifact
	if kind == "" {
		candidates = make([]*Artifact, 0, len(snap.byID))
		for _, a := range snap.byID {
			candidates = append(candidates, a)
		}
	} else {
		for _, id := range snap.byKind[kind] {
			candidates = append(candidates, snap.byID[id])
		}
	}

	scored := make([]ScoredArtifact, 0, len(candidates))
	for _, a := range candidates {
		if len(a.Embedding) == 0 || len(query) == 0 {
			continue
		}
		sim := s.embedder.Cosine(query, a.Embedding)
		scored = append(scored, ScoredArtifact{Artifact: a.Clone(), Similarity: sim})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		if scored[i].Artifact.QualityScore != scored[j].Artifact.QualityScore {
			return scored[i].Artifact.QualityScore > scored[j].Artifact.QualityScore
		}
		if scored[i].Artifact.UsageCount != scored[j].Artifact.UsageCount {
			return scored[i].Artifact.UsageCount > scored[j].Artifact.UsageCount
		}
		return scored[i].Artifact.ID < scored[j].Artifact.ID
	})

	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}

// IncrementUsage bumps an artifact's usage_count, used by the Tool Registry
// and Deduplication Gate on every reuse.
func (s *Store) IncrementUsage(ctx context.Context, id string) error {
	s.lock.Lock(id)
	defer s.lock.Unlock(id)

	cur := s.snapshot.Load()
	old, ok := cur.byID[id]
	if !ok {
		return toolerrors.Errorf(toolerrors.KindStorage, "artifact %q not found", id)
	}
	updated := old.Clone()
	updated.UsageCount++
	updated.LastUpdatedAt = time.Now()

	next := cloneSnapshot(cur)
	next.byID[id] = updated
	if err := s.persist(next); err != nil {
		return err
	}
	s.snapshot.Store(next)
	return nil
}

// UpdateQualityScore overwrites an artifact's quality_score, clamped to
// [0, 1] (spec §4.B). Used by the Cluster Optimizer's evaluation pass and by
// the Failure Lookup's severity-weighted penalty.
func (s *Store) UpdateQualityScore(ctx context.Context, id string, score float64) error {
	s.lock.Lock(id)
	defer s.lock.Unlock(id)

	cur := s.snapshot.Load()
	old, ok := cur.byID[id]
	if !ok {
		return toolerrors.Errorf(toolerrors.KindStorage, "artifact %q not found", id)
	}
	updated := old.Clone()
	updated.QualityScore = clampQuality(score)
	updated.LastUpdatedAt = time.Now()

	next := cloneSnapshot(cur)
	next.byID[id] = updated
	if err := s.persist(next); err != nil {
		return err
	}
	s.snapshot.Store(next)
	return nil
}

// Statistics reports artifact counts per kind and total stored bytes of
// content, used by the Cluster Optimizer and operational dashboards.
type Statistics struct {
	TotalArtifacts int
	ByKind         map[Kind]int
	ContentBytes   int64
}

func (s *Store) Statistics(ctx context.Context) Statistics {
	snap := s.snapshot.Load()
	stats := Statistics{ByKind: map[Kind]int{}}
	for _, a := range snap.byID {
		stats.TotalArtifacts++
		stats.ByKind[a.Kind]++
		stats.ContentBytes += int64(len(a.Content))
	}
	return stats
}

// Compact drops artifacts whose kind is KindFailure or KindEvaluation and
// whose age exceeds olderThan, unless protected. Called by the Cluster
// Optimizer's housekeeping pass (spec §4.J) to bound store growth.
func (s *Store) Compact(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	snap := s.snapshot.Load()
	var victims []string
	for id, a := range snap.byID {
		if a.Kind != KindFailure && a.Kind != KindEvaluation {
			continue
		}
		if s.protect.Has(id) {
			continue
		}
		if a.CreatedAt.Before(cutoff) {
			victims = append(victims, id)
		}
	}
	for _, id := range victims {
		if err := s.Delete(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}

// SearchByKeywords is the documented fallback (spec §4.B) for callers that
// need a match when no embedder is configured or an embed call failed: a
// tf-weighted overlap of query terms against each candidate's name,
// description, and tags. Ties break the same way Search's do (quality desc,
// usage desc, id asc); zero-overlap candidates are excluded entirely.
func (s *Store) SearchByKeywords(ctx context.Context, query string, kind Kind, limit int) []ScoredArtifact {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	snap := s.snapshot.Load()
	var candidates []*Artifact
	if kind == "" {
		candidates = make([]*Artifact, 0, len(snap.byID))
		for _, a := range snap.byID {
			candidates = append(candidates, a)
		}
	} else {
		for _, id := range snap.byKind[kind] {
			candidates = append(candidates, snap.byID[id])
		}
	}

	scored := make([]ScoredArtifact, 0, len(candidates))
	for _, a := range candidates {
		freq := termFrequency(a)
		var overlap int
		for _, t := range terms {
			overlap += freq[t]
		}
		if overlap == 0 {
			continue
		}
		// Normalized to [0, 1] so keyword-fallback scores slot naturally
		// alongside cosine similarities wherever a caller compares them.
		score := float64(overlap) / float64(overlap+len(terms))
		scored = append(scored, ScoredArtifact{Artifact: a.Clone(), Similarity: score})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		if scored[i].Artifact.QualityScore != scored[j].Artifact.QualityScore {
			return scored[i].Artifact.QualityScore > scored[j].Artifact.QualityScore
		}
		if scored[i].Artifact.UsageCount != scored[j].Artifact.UsageCount {
			return scored[i].Artifact.UsageCount > scored[j].Artifact.UsageCount
		}
		return scored[i].Artifact.ID < scored[j].Artifact.ID
	})

	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// termFrequency counts occurrences of each lowercased token across an
// artifact's name, description, and tags.
func termFrequency(a *Artifact) map[string]int {
	freq := map[string]int{}
	for _, t := range tokenize(a.Name) {
		freq[t]++
	}
	for _, t := range tokenize(a.Description) {
		freq[t]++
	}
	for _, tag := range a.Tags {
		for _, t := range tokenize(tag) {
			freq[t]++
		}
	}
	return freq
}

// tokenize lowercases s and splits it on anything that isn't a letter or
// digit, dropping empty tokens.
func tokenize(s string) []string {
	var tokens []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
		}
	}
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur = append(cur, r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

func removeString(ss []string, v string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func appendUnique(ss []string, v string) []string {
	for _, s := range ss {
		if s == v {
			return ss
		}
	}
	return append(ss, v)
}
