package toolregistry_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kortexai/kortex/internal/toolregistry"
	"github.com/kortexai/kortex/internal/toolspec"
)

const validDescriptor = `
id: summarize_text
name: Summarize Text
description: Summarizes a block of text.
kind: LANGUAGE_MODEL
version: {major: 1, minor: 0, patch: 0}
tags: [text, summary]
capabilities: [summarization]
invocation:
  language_model:
    prompt_template: "Summarize: {{.input}}"
`

const invalidDescriptorMismatch = `
id: broken_tool
name: Broken Tool
description: Declares LANGUAGE_MODEL but ships an executable spec.
kind: LANGUAGE_MODEL
version: {major: 1, minor: 0, patch: 0}
invocation:
  executable:
    command: ["echo", "hi"]
`

const invalidDescriptorMissingField = `
name: Nameless
kind: EXECUTABLE
invocation:
  executable:
    command: ["true"]
`

func writeDescriptor(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadDirSkipsInvalidDescriptors(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "ok.yaml", validDescriptor)
	writeDescriptor(t, dir, "mismatch.yaml", invalidDescriptorMismatch)
	writeDescriptor(t, dir, "missing.yaml", invalidDescriptorMissingField)

	reg, err := toolregistry.LoadDir(context.Background(), dir)
	require.NoError(t, err, "LoadDir must not fail even when some descriptors are invalid")

	d, ok := reg.Get("", "summarize_text")
	require.True(t, ok)
	require.Equal(t, toolspec.KindLanguageModel, d.Kind)

	_, ok = reg.Get("", "broken_tool")
	require.False(t, ok, "mismatched tagged-union descriptor must be skipped")
}

func TestFindByTagsAndCapability(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "ok.yaml", validDescriptor)
	reg, err := toolregistry.LoadDir(context.Background(), dir)
	require.NoError(t, err)

	byTag := reg.FindByTags("text", "summary")
	require.Len(t, byTag, 1)

	byCap := reg.FindByCapability("summarization")
	require.Len(t, byCap, 1)

	require.Empty(t, reg.FindByTags("nonexistent"))
}

func TestSessionOverlayPromotion(t *testing.T) {
	reg := toolregistry.New()
	reg.Put(&toolspec.Descriptor{
		ID: "tool_v1", Kind: toolspec.KindExecutable,
		Invocation: toolspec.InvocationSpec{Executable: &toolspec.ExecutableSpec{Command: []string{"v1"}}},
	})
	reg.Put(&toolspec.Descriptor{
		ID: "tool_v2", Kind: toolspec.KindExecutable,
		Invocation: toolspec.InvocationSpec{Executable: &toolspec.ExecutableSpec{Command: []string{"v2"}}},
	})

	d, ok := reg.Get("session-a", "tool_v1")
	require.True(t, ok)
	require.Equal(t, "tool_v1", d.ID)

	reg.PromoteForSession("session-a", "tool_v1", "tool_v2")
	d, ok = reg.Get("session-a", "tool_v1")
	require.True(t, ok)
	require.Equal(t, "tool_v2", d.ID)

	d, ok = reg.Get("session-b", "tool_v1")
	require.True(t, ok)
	require.Equal(t, "tool_v1", d.ID, "promotion must be scoped to the session that requested it")

	reg.ClearSessionOverlay("session-a")
	d, ok = reg.Get("session-a", "tool_v1")
	require.True(t, ok)
	require.Equal(t, "tool_v1", d.ID)
}

func TestUsageCounters(t *testing.T) {
	reg := toolregistry.New()
	reg.RecordUsage("tool_x", 3)
	reg.RecordUsage("tool_x", 2)
	require.Equal(t, 5, reg.UsageCount("tool_x"))
}

func TestDiffDetectsVersionBumpAndRemoval(t *testing.T) {
	old := toolregistry.New()
	old.Put(&toolspec.Descriptor{ID: "a", Kind: toolspec.KindExecutable, Version: toolspec.Version{Major: 1}})
	old.Put(&toolspec.Descriptor{ID: "b", Kind: toolspec.KindExecutable, Version: toolspec.Version{Major: 1}})

	next := toolregistry.New()
	next.Put(&toolspec.Descriptor{ID: "a", Kind: toolspec.KindExecutable, Version: toolspec.Version{Major: 2}})
	next.Put(&toolspec.Descriptor{ID: "c", Kind: toolspec.KindExecutable, Version: toolspec.Version{Major: 1}})

	changes := old.Diff(next)
	byID := map[string]toolregistry.ChangeKind{}
	for _, c := range changes {
		byID[c.ID] = c.Kind
	}
	require.Equal(t, toolregistry.ChangeVersionBump, byID["a"])
	require.Equal(t, toolregistry.ChangeRemoved, byID["b"])
	require.Equal(t, toolregistry.ChangeAdded, byID["c"])
}
