package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hushlog/hushlog/internal/errs"
)

func TestMergeDatabases(t *testing.T) {
	ctx := context.Background()

	src := newTestDBBackend(t)
	_, err := src.Log(ctx, "curl -H 'Authorization: Bearer abc123' http://x", "/repo", nil)
	require.NoError(t, err)
	_, err = src.Log(ctx, "git push", "/repo", nil)
	require.NoError(t, err)
	srcSession := src.CurrentSession()
	require.NoError(t, src.Close())

	dst := newTestDBBackend(t)
	_, err = dst.Log(ctx, "local command", "/home", nil)
	require.NoError(t, err)

	report, err := dst.Merge(ctx, src.path)
	require.NoError(t, err)
	assert.Equal(t, 2, report.CommandsMerged)
	assert.Equal(t, 0, report.CommandsSkipped)
	assert.Equal(t, 1, report.TokensMerged)
	assert.Equal(t, 1, report.SessionsCreated)
	// Both databases ran on this machine, so the hostname already
	// existed in the destination.
	assert.Equal(t, 0, report.HostsCreated)

	st, err := dst.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalCommands)
	assert.Equal(t, 2, st.TotalSessions)
	assert.Equal(t, 1, st.StoredTokens)

	// Merged sessions get fresh ids.
	sessions, err := dst.Sessions(ctx, SessionFilter{})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.NotEqual(t, srcSession, s.ID)
	}

	// Token followed its command across.
	tokens, err := dst.Tokens(ctx, TokenFilter{ShowValues: true})
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "abc123", tokens[0].OriginalValue)
}

func TestMergeIsIdempotent(t *testing.T) {
	ctx := context.Background()

	src := newTestDBBackend(t)
	_, err := src.Log(ctx, "git push", "/repo", nil)
	require.NoError(t, err)
	require.NoError(t, src.Close())

	dst := newTestDBBackend(t)
	report, err := dst.Merge(ctx, src.path)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CommandsMerged)

	report, err = dst.Merge(ctx, src.path)
	require.NoError(t, err)
	assert.Equal(t, 0, report.CommandsMerged)
	assert.Equal(t, 1, report.CommandsSkipped)
	assert.Equal(t, 0, report.SessionsCreated)

	st, err := dst.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalCommands)
}

func TestMergeMissingSource(t *testing.T) {
	dst := newTestDBBackend(t)

	_, err := dst.Merge(context.Background(), filepath.Join(t.TempDir(), "nope.db"))
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestMergeRefusesSelf(t *testing.T) {
	dst := newTestDBBackend(t)

	_, err := dst.Merge(context.Background(), dst.path)
	require.Error(t, err)
}

func TestMergeRejectsForeignFile(t *testing.T) {
	dst := newTestDBBackend(t)

	// An empty file opens as a fresh database with schema version 0.
	path := filepath.Join(t.TempDir(), "empty.db")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	_, err := dst.Merge(context.Background(), path)
	assert.True(t, errs.IsKind(err, errs.KindConstraint))
}
