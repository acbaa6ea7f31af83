package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hushlog/hushlog/internal/errs"
)

func writeHistoryFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestMigrateBashHistory(t *testing.T) {
	b := newTestDBBackend(t)
	ctx := context.Background()

	path := writeHistoryFile(t, ".bash_history",
		"#1700000000\n"+
			"git status\n"+
			"ls -la\n"+
			"#notanumber\n"+
			"make build\n")

	report, err := b.Migrate(ctx, path, ImportBash)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Imported)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Duplicates)
	assert.NotEmpty(t, report.SessionID)

	entries, err := b.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// The timestamped line keeps its stamp.
	found := false
	for _, e := range entries {
		if e.Command == "git status" {
			assert.Equal(t, time.Unix(1700000000, 0).UnixMilli(), e.Timestamp.UnixMilli())
			found = true
		}
		assert.Equal(t, report.SessionID, e.SessionID)
	}
	assert.True(t, found)
}

func TestMigrateIsRerunnable(t *testing.T) {
	b := newTestDBBackend(t)
	ctx := context.Background()

	path := writeHistoryFile(t, ".bash_history", "git status\nls -la\n")

	report, err := b.Migrate(ctx, path, ImportBash)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Imported)

	// A second run imports nothing new.
	report, err = b.Migrate(ctx, path, ImportBash)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Imported)
	assert.Equal(t, 2, report.Duplicates)

	st, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalCommands)
}

func TestMigrateZshExtended(t *testing.T) {
	b := newTestDBBackend(t)
	ctx := context.Background()

	path := writeHistoryFile(t, ".zsh_history",
		": 1700000100:0;git log\n"+
			": 1700000200:5;echo line one \\\ncontinued\n"+
			"plain command\n")

	report, err := b.Migrate(ctx, path, ImportZsh)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Imported)
	assert.Equal(t, 0, report.Skipped)

	entries, err := b.Recent(ctx, 10)
	require.NoError(t, err)
	commands := make(map[string]bool, len(entries))
	for _, e := range entries {
		commands[e.Command] = true
	}
	assert.True(t, commands["git log"])
	assert.True(t, commands["echo line one \ncontinued"])
	assert.True(t, commands["plain command"])
}

func TestMigrateFishHistory(t *testing.T) {
	b := newTestDBBackend(t)
	ctx := context.Background()

	path := writeHistoryFile(t, "fish_history",
		"- cmd: git status\n"+
			"  when: 1700000300\n"+
			"- cmd: echo one\\ntwo\n"+
			"  when: 1700000400\n"+
			"  paths:\n"+
			"    - /tmp/file\n")

	report, err := b.Migrate(ctx, path, ImportFish)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Imported)

	entries, err := b.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "echo one\ntwo", entries[0].Command)
	assert.Equal(t, "git status", entries[1].Command)
}

func TestMigrateHushlogFileRedactsOnImport(t *testing.T) {
	b := newTestDBBackend(t)
	ctx := context.Background()

	path := writeHistoryFile(t, "history.hlog",
		"orphan line before any record\n"+
			"2024-06-01T10:00:00Z | /srv | 0 | mysql --password=hunter2\n"+
			"2024-06-01T11:00:00Z | /srv | 1 | ssh <redacted:password:0>@host\n")

	report, err := b.Migrate(ctx, path, ImportHushlog)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Imported)
	assert.Equal(t, 1, report.Skipped)

	entries, err := b.Search(ctx, Filter{RedactedOnly: true})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	for _, e := range entries {
		assert.NotContains(t, e.Command, "hunter2")
	}
}

func TestMigrateHushlogMultilineContinuation(t *testing.T) {
	b := newTestDBBackend(t)
	ctx := context.Background()

	// Pre-escaping files wrote multiline commands across real lines.
	path := writeHistoryFile(t, "old.hlog",
		"2024-06-01T10:00:00Z | /srv | 0 | cat <<EOF\n"+
			"hello\n"+
			"EOF\n")

	report, err := b.Migrate(ctx, path, ImportHushlog)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Imported)
	assert.Equal(t, 0, report.Skipped)

	entries, err := b.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cat <<EOF\nhello\nEOF", entries[0].Command)
}

func TestMigrateAutoDetection(t *testing.T) {
	assert.Equal(t, ImportZsh, detectImportFormat("history", ": 1700000000:0;ls\n"))
	assert.Equal(t, ImportFish, detectImportFormat("history", "- cmd: ls\n  when: 1\n"))
	assert.Equal(t, ImportHushlog, detectImportFormat("history", "2024-06-01T10:00:00Z | /srv | 0 | ls\n"))
	assert.Equal(t, ImportBash, detectImportFormat("history", "ls -la\n"))
	assert.Equal(t, ImportFish, detectImportFormat("/home/u/.local/share/fish/fish_history", ""))
	assert.Equal(t, ImportBash, detectImportFormat("/home/u/.bash_history", ""))
}

func TestMigrateMissingFile(t *testing.T) {
	b := newTestDBBackend(t)

	_, err := b.Migrate(context.Background(), filepath.Join(t.TempDir(), "nope"), ImportAuto)
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}
