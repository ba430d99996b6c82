// Package conversation implements the Conversation & Context Manager
// (spec §4.K): per-session dialog memory, budget-aware context preparation,
// and cross-session digest search.
package conversation

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/pulse/streaming"

	"github.com/kortexai/kortex/internal/artifact"
	"github.com/kortexai/kortex/internal/telemetry"
	"github.com/kortexai/kortex/internal/toolerrors"
	"github.com/kortexai/kortex/internal/toolruntime"
)

// Role identifies the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnPerformance is the optional per-message performance record spec §4.K
// allows a message to carry — the latency and token cost of producing it.
type TurnPerformance struct {
	LatencyMS float64
	Tokens    int
}

// Message is one entry in a session's ordered dialog ledger.
type Message struct {
	Role        Role
	Text        string
	Timestamp   time.Time
	Performance *TurnPerformance
}

// Embedder is the subset of the Embedding & Similarity Service Related needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Summarizer is the subset of the Tool Invocation Runtime PrepareContext
// needs to fold older messages into one summary via a cheap model.
type Summarizer interface {
	CallTool(ctx context.Context, sessionID, toolID string, input map[string]any) (toolruntime.CallResult, error)
}

// charsPerToken is a stdlib-only token-count heuristic (4 characters per
// token, the common rule of thumb for English prose). A real tokenizer
// (e.g. tiktoken-go) only ever appears as an indirect, unverified dependency
// across the example pack, so budgets here are estimated rather than exact —
// see DESIGN.md.
const charsPerToken = 4

// defaultBudgets maps a target model's routing tier to its approximate
// context window in tokens, mirroring internal/modelrouter's tier names
// without importing that package (PrepareContext only needs the budget
// number, not the router itself).
var defaultBudgets = map[string]int{
	"fast":       8_000,
	"general":    32_000,
	"escalation": 100_000,
	"god":        200_000,
}

const defaultBudget = 32_000

type sessionState struct {
	messages []Message
}

// ContextBundle is PrepareContext's result: the messages to send to the
// model for this turn, with older history folded into a summary when the
// budget would otherwise be exceeded.
type ContextBundle struct {
	Messages       []Message
	SummaryApplied bool
}

// Digest is a compact cross-session reference returned by Related.
type Digest struct {
	ArtifactID string
	Summary    string
	Similarity float64
}

// Manager implements the Conversation & Context Manager.
type Manager struct {
	store      *artifact.Store
	embedder   Embedder
	summarizer Summarizer

	summarizerToolID string
	budgets          map[string]int

	// digestStream, when set, publishes a "digest_stored" event to a Pulse
	// stream every time a CONVERSATION artifact is persisted, so sibling
	// kortex processes can invalidate or refresh their own Related caches
	// without polling the artifact store.
	digestStream *streaming.Stream

	mu       sync.Mutex
	sessions map[string]*sessionState

	log     telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer
}

// Option configures a Manager.
type Option func(*Manager)

func WithSummarizerTool(id string) Option { return func(m *Manager) { m.summarizerToolID = id } }
func WithBudget(targetModel string, tokens int) Option {
	return func(m *Manager) { m.budgets[targetModel] = tokens }
}

// WithDigestStream enables cross-process digest notification over a Pulse
// stream (typically named "kortex/conversation-digests"). Optional: a nil
// stream (the default) means digests are only ever discoverable via
// Related's embedding search.
func WithDigestStream(s *streaming.Stream) Option {
	return func(m *Manager) { m.digestStream = s }
}

func WithLogger(l telemetry.Logger) Option    { return func(m *Manager) { m.log = l } }
func WithMetrics(mx telemetry.Metrics) Option { return func(m *Manager) { m.metrics = mx } }
func WithTracer(t telemetry.Tracer) Option    { return func(m *Manager) { m.tracer = t } }

// New constructs a Manager. summarizer may be nil — PrepareContext then
// trims to the budget by simply dropping the oldest messages instead of
// summarizing them, rather than failing the turn.
func New(store *artifact.Store, embedder Embedder, summarizer Summarizer, opts ...Option) *Manager {
	m := &Manager{
		store:            store,
		embedder:         embedder,
		summarizer:       summarizer,
		summarizerToolID: "kortex.conversation.summarize",
		budgets:          map[string]int{},
		sessions:         map[string]*sessionState{},
		log:              telemetry.NewNoopLogger(),
		metrics:          telemetry.NewNoopMetrics(),
		tracer:           telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ensureLocked returns (creating if absent) the session state for id. Caller
// must hold m.mu.
func (m *Manager) ensureLocked(sessionID string) *sessionState {
	st, ok := m.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		m.sessions[sessionID] = st
	}
	return st
}

// AppendTurn records a completed turn's user and assistant messages (spec
// §4.K: "every completed turn adds two messages").
func (m *Manager) AppendTurn(sessionID, userText, assistantText string, perf *TurnPerformance) {
	if sessionID == "" {
		return
	}
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.ensureLocked(sessionID)
	st.messages = append(st.messages,
		Message{Role: RoleUser, Text: userText, Timestamp: now},
		Message{Role: RoleAssistant, Text: assistantText, Timestamp: now, Performance: perf},
	)
}

func estimateTokens(text string) int {
	return (len(text) + charsPerToken - 1) / charsPerToken
}

func (m *Manager) budgetFor(targetModel string) int {
	if b, ok := m.budgets[targetModel]; ok {
		return b
	}
	if b, ok := defaultBudgets[targetModel]; ok {
		return b
	}
	return defaultBudget
}

// PrepareContext selects recent messages within targetModel's context
// budget, summarizing older ones when the budget would be exceeded (spec
// §4.K prepare_context). newUserMessage is counted against the budget but
// is not itself appended to session state — callers do that via AppendTurn
// once the turn completes.
func (m *Manager) PrepareContext(ctx context.Context, sessionID, newUserMessage, targetModel string) (ContextBundle, error) {
	ctx, span := m.tracer.Start(ctx, "conversation.PrepareContext")
	defer span.End()

	m.mu.Lock()
	st := m.ensureLocked(sessionID)
	history := append([]Message(nil), st.messages...)
	m.mu.Unlock()

	budget := m.budgetFor(targetModel)
	used := estimateTokens(newUserMessage)

	// Walk from the most recent message backward, keeping everything that
	// still fits the budget.
	keepFrom := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := estimateTokens(history[i].Text)
		if used+cost > budget {
			break
		}
		used += cost
		keepFrom = i
	}

	if keepFrom == 0 {
		return ContextBundle{Messages: history}, nil
	}

	older := history[:keepFrom]
	kept := history[keepFrom:]

	summary, err := m.summarize(ctx, sessionID, older)
	if err != nil {
		// A failed summarization must not fail the turn: fall back to
		// dropping the unsummarized older messages entirely.
		m.log.Warn(ctx, "conversation summarization failed, dropping older messages", "session_id", sessionID, "err", err.Error())
		return ContextBundle{Messages: kept, SummaryApplied: false}, nil
	}

	bundle := make([]Message, 0, len(kept)+1)
	bundle = append(bundle, Message{Role: RoleAssistant, Text: summary, Timestamp: time.Now()})
	bundle = append(bundle, kept...)
	return ContextBundle{Messages: bundle, SummaryApplied: true}, nil
}

func (m *Manager) summarize(ctx context.Context, sessionID string, older []Message) (string, error) {
	if m.summarizer == nil || len(older) == 0 {
		if len(older) == 0 {
			return "", nil
		}
		return "", toolerrors.New(toolerrors.KindToolInvocation, "no summarizer configured")
	}

	var transcript strings.Builder
	for _, msg := range older {
		transcript.WriteString(string(msg.Role))
		transcript.WriteString(": ")
		transcript.WriteString(msg.Text)
		transcript.WriteString("\n")
	}

	res, err := m.summarizer.CallTool(ctx, sessionID, m.summarizerToolID, map[string]any{
		"transcript": transcript.String(),
	})
	if err != nil {
		return "", toolerrors.Wrap(toolerrors.KindToolInvocation, "summarize request failed", err)
	}

	var out struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(res.Output), &out); err != nil {
		return "", toolerrors.Wrap(toolerrors.KindToolInvocation, "summarize response was not valid JSON", err)
	}
	return out.Summary, nil
}

const relatedTopK = 5

// Related performs a semantic search over stored CONVERSATION artifacts for
// cross-session context (spec §4.K related).
func (m *Manager) Related(ctx context.Context, newUserMessage string) ([]Digest, error) {
	ctx, span := m.tracer.Start(ctx, "conversation.Related")
	defer span.End()

	query, err := m.embedder.Embed(ctx, newUserMessage)
	if err != nil {
		return nil, toolerrors.Wrap(toolerrors.KindToolInvocation, "embed related query", err)
	}

	scored := m.store.Search(ctx, query, artifact.KindConversation, relatedTopK)
	digests := make([]Digest, 0, len(scored))
	for _, s := range scored {
		digests = append(digests, Digest{
			ArtifactID: s.Artifact.ID,
			Summary:    s.Artifact.Description,
			Similarity: s.Similarity,
		})
	}
	sort.SliceStable(digests, func(i, j int) bool { return digests[i].Similarity > digests[j].Similarity })
	return digests, nil
}

// StoreDigest persists the session's current transcript as a CONVERSATION
// artifact without ending the session — the mid-session path spec §4.K
// permits for the Deduplication Gate's reviewer turn.
func (m *Manager) StoreDigest(ctx context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	var messages []Message
	if ok {
		messages = append([]Message(nil), st.messages...)
	}
	m.mu.Unlock()
	if len(messages) == 0 {
		return "", nil
	}
	return m.storeConversation(ctx, sessionID, messages)
}

// EndSession optionally stores a CONVERSATION artifact for the session and
// clears its in-memory state (spec §4.K: "optionally stores a CONVERSATION
// artifact at session end"), grounded on reminder.Engine.ClearRun's
// run-teardown shape.
func (m *Manager) EndSession(ctx context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	st, ok := m.sessions[sessionID]
	var messages []Message
	if ok {
		messages = append([]Message(nil), st.messages...)
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if len(messages) == 0 {
		return "", nil
	}
	return m.storeConversation(ctx, sessionID, messages)
}

func (m *Manager) storeConversation(ctx context.Context, sessionID string, messages []Message) (string, error) {
	var transcript strings.Builder
	for _, msg := range messages {
		transcript.WriteString(string(msg.Role))
		transcript.WriteString(": ")
		transcript.WriteString(msg.Text)
		transcript.WriteString("\n")
	}
	content := transcript.String()

	a, err := m.store.Put(ctx, &artifact.Artifact{
		Kind:        artifact.KindConversation,
		Name:        "session " + sessionID,
		Description: summaryHead(content, 200),
		Content:     content,
		Tags:        []string{"conversation", "session:" + sessionID},
	})
	if err != nil {
		return "", toolerrors.Wrap(toolerrors.KindStorage, "store conversation artifact", err)
	}
	m.publishDigest(ctx, sessionID, a.ID, a.Description)
	return a.ID, nil
}

// publishDigest best-effort notifies sibling processes that a new
// CONVERSATION artifact landed. Publish failures never fail the caller — the
// artifact is already durably stored; the stream is purely an optimization.
func (m *Manager) publishDigest(ctx context.Context, sessionID, artifactID, summary string) {
	if m.digestStream == nil {
		return
	}
	payload, err := json.Marshal(struct {
		SessionID  string `json:"session_id"`
		ArtifactID string `json:"artifact_id"`
		Summary    string `json:"summary"`
	}{SessionID: sessionID, ArtifactID: artifactID, Summary: summary})
	if err != nil {
		return
	}
	if _, err := m.digestStream.Add(ctx, "digest_stored", payload); err != nil {
		m.log.Warn(ctx, "publish conversation digest failed", "session_id", sessionID, "err", err.Error())
	}
}

func summaryHead(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[:n]
}
