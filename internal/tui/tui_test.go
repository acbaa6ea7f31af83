package tui

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hushlog/hushlog/internal/config"
	"github.com/hushlog/hushlog/internal/redact"
	"github.com/hushlog/hushlog/internal/storage"
)

func newTestModel(t *testing.T) (Model, storage.Backend) {
	t.Helper()
	redactor, err := redact.New(config.RedactionConfig{})
	require.NoError(t, err)
	b, err := storage.NewFileBackend(config.StorageConfig{
		HistoryFile:   filepath.Join(t.TempDir(), "history.hlog"),
		LockTimeoutMS: 1000,
	}, redactor)
	require.NoError(t, err)

	ctx := context.Background()
	for _, c := range []struct{ cmd, dir string }{
		{"git checkout main", "/repo"},
		{"docker compose up", "/srv"},
		{"git commit -m fix", "/repo"},
	} {
		_, err := b.Log(ctx, c.cmd, c.dir, nil)
		require.NoError(t, err)
	}

	m, err := NewManage(ctx, b)
	require.NoError(t, err)
	return m, b
}

func listCommands(m Model) []string {
	var out []string
	for _, it := range m.list.Items() {
		out = append(out, it.(item).entry.Command)
	}
	return out
}

func TestDeleteRemovesSelectedEntry(t *testing.T) {
	m, b := newTestModel(t)
	require.Len(t, m.list.Items(), 3)

	cmd := m.deleteSelected()
	require.NotNil(t, cmd)
	msg, ok := cmd().(deleteDoneMsg)
	require.True(t, ok)
	require.NoError(t, msg.err)
	assert.Equal(t, int64(1), msg.removed)

	next, _ := m.Update(msg)
	m = next.(Model)
	assert.NotContains(t, listCommands(m), "git commit -m fix")
	assert.Len(t, m.list.Items(), 2)

	entries, err := b.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDeleteWithFilterAppliedRemovesTheFilteredEntry(t *testing.T) {
	m, _ := newTestModel(t)

	// Narrow the view so the cursor index no longer matches the entry's
	// position in the full item slice.
	m.list.SetFilterText("docker")
	sel, ok := m.list.SelectedItem().(item)
	require.True(t, ok)
	require.Equal(t, "docker compose up", sel.entry.Command)

	cmd := m.deleteSelected()
	require.NotNil(t, cmd)
	msg, ok := cmd().(deleteDoneMsg)
	require.True(t, ok)
	require.NoError(t, msg.err)

	next, _ := m.Update(msg)
	m = next.(Model)
	got := listCommands(m)
	assert.NotContains(t, got, "docker compose up")
	assert.Contains(t, got, "git commit -m fix")
	assert.Contains(t, got, "git checkout main")
}
