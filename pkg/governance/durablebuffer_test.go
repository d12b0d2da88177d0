package governance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurableAuditBuffer_LoadMissingFileReturnsNil(t *testing.T) {
	b := NewDurableAuditBuffer(t.TempDir())
	assert.Nil(t, b.Load())
}

func TestDurableAuditBuffer_PersistThenLoadRoundTrips(t *testing.T) {
	b := NewDurableAuditBuffer(t.TempDir())
	events := []AuditEvent{
		{OrgID: "org-1", ToolName: "exec", Outcome: OutcomeAllowed, Timestamp: 1},
		{OrgID: "org-1", ToolName: "read", Outcome: OutcomeBlocked, Timestamp: 2},
	}

	b.Persist(events)
	loaded := b.Load()

	require.Len(t, loaded, 2)
	assert.Equal(t, "exec", loaded[0].ToolName)
	assert.Equal(t, "read", loaded[1].ToolName)
}

func TestDurableAuditBuffer_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit-buffer.jsonl")
	content := "{\"orgId\":\"org-1\",\"toolName\":\"exec\"}\nnot json\n{\"orgId\":\"org-1\",\"toolName\":\"read\"}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	b := NewDurableAuditBuffer(dir)
	loaded := b.Load()

	require.Len(t, loaded, 2)
	assert.Equal(t, "exec", loaded[0].ToolName)
	assert.Equal(t, "read", loaded[1].ToolName)
}

func TestDurableAuditBuffer_ClearRemovesFile(t *testing.T) {
	dir := t.TempDir()
	b := NewDurableAuditBuffer(dir)
	b.Persist([]AuditEvent{{OrgID: "org-1"}})

	_, err := os.Stat(filepath.Join(dir, "audit-buffer.jsonl"))
	require.NoError(t, err)

	b.Clear()

	_, err = os.Stat(filepath.Join(dir, "audit-buffer.jsonl"))
	assert.True(t, os.IsNotExist(err))
}

func TestDurableAuditBuffer_ClearOnMissingFileIsNotAnError(t *testing.T) {
	b := NewDurableAuditBuffer(t.TempDir())
	assert.NotPanics(t, func() { b.Clear() })
}
