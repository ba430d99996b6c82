package buffer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kortexai/kortex/internal/toolruntime/buffer"
)

type stubSink struct {
	recorded map[string]int
}

func (s *stubSink) RecordUsage(toolID string, n int) {
	if s.recorded == nil {
		s.recorded = map[string]int{}
	}
	s.recorded[toolID] += n
}

func TestWriteAccumulatesUntilFlush(t *testing.T) {
	sink := &stubSink{}
	b, err := buffer.New("test-buffer", t.TempDir(), sink)
	require.NoError(t, err)

	b.Write("tool_a", 2)
	b.Write("tool_a", 3)
	b.Write("tool_b", 1)

	require.Empty(t, sink.recorded, "sink must not see writes before Flush")

	status := b.Status()
	require.Equal(t, 5, status.Pending["tool_a"])
	require.Equal(t, 1, status.Pending["tool_b"])

	b.Flush(context.Background())
	require.Equal(t, 5, sink.recorded["tool_a"])
	require.Equal(t, 1, sink.recorded["tool_b"])

	require.Empty(t, b.Status().Pending, "pending counts must clear after flush")
}

func TestClearDiscardsWithoutFlushing(t *testing.T) {
	sink := &stubSink{}
	b, err := buffer.New("test-buffer-2", t.TempDir(), sink)
	require.NoError(t, err)

	b.Write("tool_a", 5)
	b.Clear()
	b.Flush(context.Background())

	require.Empty(t, sink.recorded)
}

func TestJournalSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	sink := &stubSink{}
	b1, err := buffer.New("persisted", dir, sink)
	require.NoError(t, err)
	b1.Write("tool_a", 4)

	b2, err := buffer.New("persisted", dir, sink)
	require.NoError(t, err)
	require.Equal(t, 4, b2.Status().Pending["tool_a"])
}
