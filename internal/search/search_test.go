package search

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hushlog/hushlog/internal/config"
	"github.com/hushlog/hushlog/internal/errs"
	"github.com/hushlog/hushlog/internal/redact"
	"github.com/hushlog/hushlog/internal/storage"
)

func boolPtr(b bool) *bool        { return &b }
func floatPtr(f float64) *float64 { return &f }

func testSearchConfig() config.SearchConfig {
	return config.SearchConfig{
		FuzzyThreshold: 0.5,
		MaxResults:     100,
	}
}

// testBackend logs a fixed history into a file backend. Redaction is off
// so command text reaches the matcher untouched.
func testBackend(t *testing.T) storage.Backend {
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
	return b
}

func TestExactSearch(t *testing.T) {
	eng := New(testBackend(t), testSearchConfig())
	ctx := context.Background()

	results, err := eng.Search(ctx, Options{Query: "git"}, storage.Filter{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	// Newest first.
	assert.Equal(t, "git commit -m fix", results[0].Command)
	assert.Equal(t, "git checkout main", results[1].Command)
	require.Len(t, results[0].Spans, 1)
	assert.Equal(t, [2]int{0, 3}, results[0].Spans[0])

	// Case-insensitive by default, sensitive on request.
	results, err = eng.Search(ctx, Options{Query: "GIT"}, storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = eng.Search(ctx, Options{Query: "GIT", CaseSensitive: boolPtr(true)}, storage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCaseSensitivityOverridesConfig(t *testing.T) {
	cfg := testSearchConfig()
	cfg.CaseSensitive = true
	eng := New(testBackend(t), cfg)
	ctx := context.Background()

	// Config alone makes matching sensitive.
	results, err := eng.Search(ctx, Options{Query: "GIT"}, storage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, results)

	// An explicit false wins over the config.
	results, err = eng.Search(ctx, Options{Query: "GIT", CaseSensitive: boolPtr(false)}, storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestEmptyQueryMatchesEverything(t *testing.T) {
	eng := New(testBackend(t), testSearchConfig())

	results, err := eng.Search(context.Background(), Options{}, storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestStructuralFiltersIntersect(t *testing.T) {
	eng := New(testBackend(t), testSearchConfig())

	results, err := eng.Search(context.Background(),
		Options{Query: "git"}, storage.Filter{Directory: "/repo"})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = eng.Search(context.Background(),
		Options{Query: "docker"}, storage.Filter{Directory: "/repo"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRegexSearch(t *testing.T) {
	eng := New(testBackend(t), testSearchConfig())
	ctx := context.Background()

	results, err := eng.Search(ctx, Options{Query: `^git c`, Mode: ModeRegex}, storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = eng.Search(ctx, Options{Query: `compose (up|down)`, Mode: ModeRegex}, storage.Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "docker compose up", results[0].Command)
	require.Len(t, results[0].Spans, 1)
	assert.Equal(t, "compose up", results[0].Command[results[0].Spans[0][0]:results[0].Spans[0][1]])
}

func TestRegexSearchInvalidPattern(t *testing.T) {
	eng := New(testBackend(t), testSearchConfig())

	_, err := eng.Search(context.Background(), Options{Query: `(`, Mode: ModeRegex}, storage.Filter{})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindPattern))
}

func TestFuzzySearchScoring(t *testing.T) {
	eng := New(testBackend(t), testSearchConfig())

	// A contiguous match covers exactly its own length and scores 1.
	results, err := eng.Search(context.Background(),
		Options{Query: "commit", Mode: ModeFuzzy, Threshold: floatPtr(0.1)}, storage.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "git commit -m fix", results[0].Command)
	assert.InDelta(t, 1.0, results[0].Score, 0.001)
	for _, r := range results {
		assert.Greater(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
	// Best score first.
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}
}

func TestFuzzyTiesPreferNewerEntry(t *testing.T) {
	eng := New(nil, testSearchConfig())

	// Both commands contain "git" contiguously, so both score 1.0 and
	// only the timestamp can separate them.
	entries := []storage.Entry{
		{Command: "agit status", Timestamp: time.Unix(200, 0)},
		{Command: "git status", Timestamp: time.Unix(100, 0)},
	}
	results := eng.matchFuzzy(entries, Options{Query: "git", Mode: ModeFuzzy})
	require.Len(t, results, 2)
	require.InDelta(t, results[0].Score, results[1].Score, 0.001)
	assert.Equal(t, "agit status", results[0].Command)
	assert.Equal(t, "git status", results[1].Command)
}

func TestFuzzyThresholdZeroKeepsWeakMatches(t *testing.T) {
	cfg := testSearchConfig()
	cfg.FuzzyThreshold = 0.9
	eng := New(testBackend(t), cfg)
	ctx := context.Background()

	// The configured threshold drops the scattered "gcm" match.
	results, err := eng.Search(ctx, Options{Query: "gcm", Mode: ModeFuzzy}, storage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, results)

	// An explicit zero overrides it rather than reading as unset.
	results, err = eng.Search(ctx,
		Options{Query: "gcm", Mode: ModeFuzzy, Threshold: floatPtr(0)}, storage.Filter{})
	require.NoError(t, err)
	assert.NotEmpty(t, results)
}

func TestFuzzyThresholdIsMonotonic(t *testing.T) {
	eng := New(testBackend(t), testSearchConfig())
	ctx := context.Background()

	var prev map[string]bool
	for _, threshold := range []float64{0.1, 0.3, 0.5, 0.7, 0.9} {
		results, err := eng.Search(ctx,
			Options{Query: "gcm", Mode: ModeFuzzy, Threshold: floatPtr(threshold)}, storage.Filter{})
		require.NoError(t, err)

		got := make(map[string]bool, len(results))
		for _, r := range results {
			got[r.Command] = true
		}
		if prev != nil {
			// Raising the threshold can only drop results.
			for cmd := range got {
				assert.True(t, prev[cmd], "command %q appeared only at the higher threshold", cmd)
			}
		}
		prev = got
	}
}

func TestSearchLimit(t *testing.T) {
	eng := New(testBackend(t), testSearchConfig())

	results, err := eng.Search(context.Background(),
		Options{Query: "git", Limit: 1}, storage.Filter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "git commit -m fix", results[0].Command)
}

func TestMaxResultsDefault(t *testing.T) {
	cfg := testSearchConfig()
	cfg.MaxResults = 2
	eng := New(testBackend(t), cfg)

	results, err := eng.Search(context.Background(), Options{}, storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestMergeIndexes(t *testing.T) {
	assert.Nil(t, mergeIndexes(nil))
	assert.Equal(t, [][2]int{{2, 5}}, mergeIndexes([]int{2, 3, 4}))
	assert.Equal(t, [][2]int{{0, 1}, {4, 6}, {9, 10}}, mergeIndexes([]int{0, 4, 5, 9}))
}

func TestSubstringSpans(t *testing.T) {
	assert.Equal(t, [][2]int{{0, 2}, {2, 4}, {4, 6}}, substringSpans("ababab", "ab", true))
	assert.Nil(t, substringSpans("hello", "xyz", true))
	assert.Equal(t, [][2]int{{0, 5}}, substringSpans("Hello world", "hello", false))
}

func TestHighlightPreservesText(t *testing.T) {
	out := highlight("git commit", [][2]int{{0, 3}})
	// Styling may add escape codes but never loses characters.
	assert.Contains(t, out, "git")
	assert.Contains(t, out, "commit")
}
