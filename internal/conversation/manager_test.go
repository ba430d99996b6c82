package conversation_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kortexai/kortex/internal/artifact"
	"github.com/kortexai/kortex/internal/conversation"
	"github.com/kortexai/kortex/internal/toolruntime"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (fakeEmbedder) Cosine(a, b []float32) float64 { return 1 }

type stubSummarizer struct {
	summary string
	calls   int
}

func (s *stubSummarizer) CallTool(ctx context.Context, sessionID, toolID string, input map[string]any) (toolruntime.CallResult, error) {
	s.calls++
	return toolruntime.CallResult{Output: `{"summary":"` + s.summary + `"}`}, nil
}

func TestAppendTurnRecordsTwoMessages(t *testing.T) {
	store, err := artifact.Open(t.TempDir(), fakeEmbedder{})
	require.NoError(t, err)

	mgr := conversation.New(store, fakeEmbedder{}, nil)
	mgr.AppendTurn("s1", "hello", "hi there", nil)

	bundle, err := mgr.PrepareContext(context.Background(), "s1", "next message", "general")
	require.NoError(t, err)
	require.Len(t, bundle.Messages, 2)
	require.Equal(t, conversation.RoleUser, bundle.Messages[0].Role)
	require.Equal(t, conversation.RoleAssistant, bundle.Messages[1].Role)
	require.False(t, bundle.SummaryApplied)
}

func TestPrepareContextSummarizesOlderMessagesOverBudget(t *testing.T) {
	store, err := artifact.Open(t.TempDir(), fakeEmbedder{})
	require.NoError(t, err)

	summarizer := &stubSummarizer{summary: "user discussed X and decided Y"}
	mgr := conversation.New(store, fakeEmbedder{}, summarizer, conversation.WithBudget("tiny", 20))

	long := strings.Repeat("word ", 50)
	mgr.AppendTurn("s1", long, long, nil)
	mgr.AppendTurn("s1", "recent question", "recent answer", nil)

	bundle, err := mgr.PrepareContext(context.Background(), "s1", "new message", "tiny")
	require.NoError(t, err)
	require.True(t, bundle.SummaryApplied)
	require.Equal(t, 1, summarizer.calls)
	require.Equal(t, "user discussed X and decided Y", bundle.Messages[0].Text)
}

func TestPrepareContextFallsBackWithoutSummarizer(t *testing.T) {
	store, err := artifact.Open(t.TempDir(), fakeEmbedder{})
	require.NoError(t, err)

	mgr := conversation.New(store, fakeEmbedder{}, nil, conversation.WithBudget("tiny", 20))

	long := strings.Repeat("word ", 50)
	mgr.AppendTurn("s1", long, long, nil)
	mgr.AppendTurn("s1", "recent question", "recent answer", nil)

	bundle, err := mgr.PrepareContext(context.Background(), "s1", "new message", "tiny")
	require.NoError(t, err)
	require.False(t, bundle.SummaryApplied)
	require.Len(t, bundle.Messages, 2)
}

func TestEndSessionStoresConversationArtifact(t *testing.T) {
	store, err := artifact.Open(t.TempDir(), fakeEmbedder{})
	require.NoError(t, err)

	mgr := conversation.New(store, fakeEmbedder{}, nil)
	mgr.AppendTurn("s1", "hello", "hi there", nil)

	id, err := mgr.EndSession(context.Background(), "s1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stored, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, artifact.KindConversation, stored.Kind)
	require.Contains(t, stored.Content, "hello")

	bundle, err := mgr.PrepareContext(context.Background(), "s1", "anything", "general")
	require.NoError(t, err)
	require.Empty(t, bundle.Messages)
}

func TestStoreDigestDoesNotEndSession(t *testing.T) {
	store, err := artifact.Open(t.TempDir(), fakeEmbedder{})
	require.NoError(t, err)

	mgr := conversation.New(store, fakeEmbedder{}, nil)
	mgr.AppendTurn("s1", "hello", "hi there", nil)

	id, err := mgr.StoreDigest(context.Background(), "s1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	bundle, err := mgr.PrepareContext(context.Background(), "s1", "anything", "general")
	require.NoError(t, err)
	require.Len(t, bundle.Messages, 2)
}

func TestRelatedSearchesConversationArtifacts(t *testing.T) {
	store, err := artifact.Open(t.TempDir(), fakeEmbedder{})
	require.NoError(t, err)

	_, err = store.Put(context.Background(), &artifact.Artifact{
		Kind:        artifact.KindConversation,
		Name:        "session prior",
		Description: "discussed pricing",
		Content:     "user: what's the price?\nassistant: it's $10\n",
	})
	require.NoError(t, err)

	mgr := conversation.New(store, fakeEmbedder{}, nil)
	digests, err := mgr.Related(context.Background(), "what's the price?")
	require.NoError(t, err)
	require.Len(t, digests, 1)
	require.Equal(t, "discussed pricing", digests[0].Summary)
}
