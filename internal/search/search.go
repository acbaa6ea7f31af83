// Package search layers query matching on top of a storage backend.
// Backends narrow by structure (directory, time, redaction, limits);
// this package decides what "matches" means: exact substring, regular
// expression or fuzzy, with match spans for highlighting.
package search

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/sahilm/fuzzy"

	"github.com/hushlog/hushlog/internal/config"
	"github.com/hushlog/hushlog/internal/errs"
	"github.com/hushlog/hushlog/internal/logger"
	"github.com/hushlog/hushlog/internal/storage"
)

// Mode selects the matching strategy.
type Mode string

const (
	ModeExact Mode = "exact"
	ModeRegex Mode = "regex"
	ModeFuzzy Mode = "fuzzy"
)

// ParseMode validates a user-supplied mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeExact, ModeRegex, ModeFuzzy:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown search mode %q (want exact, regex or fuzzy)", s)
	}
}

// Options control one search run. Nil CaseSensitive and Threshold fall
// back to the engine's configuration, so an explicit false or 0 still
// overrides it.
type Options struct {
	Query         string
	Mode          Mode
	CaseSensitive *bool
	Threshold     *float64 // fuzzy only
	Limit         int
	Highlight     bool
}

// Result is a matched entry. Spans are byte ranges into Command that
// matched the query; Highlighted is Command with those ranges styled,
// populated only when highlighting was requested.
type Result struct {
	storage.Entry
	Score       float64
	Spans       [][2]int
	Highlighted string
}

var highlightStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))

// Engine runs queries against a backend.
type Engine struct {
	backend storage.Backend
	cfg     config.SearchConfig
	log     *logger.Logger
}

func New(b storage.Backend, cfg config.SearchConfig) *Engine {
	return &Engine{backend: b, cfg: cfg, log: logger.GetLogger().Search()}
}

// Search fetches structurally filtered entries from the backend and
// matches them. Exact and regex results keep the backend's newest-first
// order; fuzzy results sort by score, newest first among ties. The
// limit applies after matching so a narrow query still fills it.
func (e *Engine) Search(ctx context.Context, opts Options, f storage.Filter) ([]Result, error) {
	// Matching happens here, so the backend must not pre-filter by
	// query text or cut the candidate set short.
	f.Query = ""
	f.Limit = 0

	entries, err := e.backend.Search(ctx, f)
	if err != nil {
		return nil, err
	}

	mode := opts.Mode
	if mode == "" {
		mode = ModeExact
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = e.cfg.MaxResults
	}

	var results []Result
	switch mode {
	case ModeExact:
		results = e.matchExact(entries, opts)
	case ModeRegex:
		results, err = e.matchRegex(entries, opts)
		if err != nil {
			return nil, err
		}
	case ModeFuzzy:
		results = e.matchFuzzy(entries, opts)
	default:
		return nil, errs.Errorf(errs.KindPattern, "search.Search", "unknown search mode %q", mode)
	}

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	if opts.Highlight {
		for i := range results {
			results[i].Highlighted = highlight(results[i].Command, results[i].Spans)
		}
	}
	e.log.Debug().Str("mode", string(mode)).Int("candidates", len(entries)).
		Int("results", len(results)).Msg("search complete")
	return results, nil
}

func (e *Engine) caseSensitive(opts Options) bool {
	if opts.CaseSensitive != nil {
		return *opts.CaseSensitive
	}
	return e.cfg.CaseSensitive
}

func (e *Engine) matchExact(entries []storage.Entry, opts Options) []Result {
	query := opts.Query
	if query == "" {
		// An empty query matches everything, which makes search with
		// only structural filters work.
		out := make([]Result, len(entries))
		for i, en := range entries {
			out[i] = Result{Entry: en, Score: 1}
		}
		return out
	}
	cs := e.caseSensitive(opts)
	var out []Result
	for _, en := range entries {
		spans := substringSpans(en.Command, query, cs)
		if spans == nil {
			continue
		}
		out = append(out, Result{Entry: en, Score: 1, Spans: spans})
	}
	return out
}

func (e *Engine) matchRegex(entries []storage.Entry, opts Options) ([]Result, error) {
	pattern := opts.Query
	if !e.caseSensitive(opts) {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errs.Errorf(errs.KindPattern, "search.matchRegex",
			"invalid regular expression %q: %v", opts.Query, err)
	}
	var out []Result
	for _, en := range entries {
		idx := re.FindAllStringIndex(en.Command, -1)
		if idx == nil {
			continue
		}
		spans := make([][2]int, len(idx))
		for i, m := range idx {
			spans[i] = [2]int{m[0], m[1]}
		}
		out = append(out, Result{Entry: en, Score: 1, Spans: spans})
	}
	return out, nil
}

// entrySource adapts entries to the fuzzy matcher.
type entrySource []storage.Entry

func (s entrySource) String(i int) string { return s[i].Command }
func (s entrySource) Len() int            { return len(s) }

// matchFuzzy scores candidates with a normalized score in (0, 1]:
// query length divided by the span the matched characters cover in the
// command. A query matching contiguously scores 1; the more spread out
// the match, the lower the score. Raising the threshold can therefore
// only shrink the result set.
func (e *Engine) matchFuzzy(entries []storage.Entry, opts Options) []Result {
	if opts.Query == "" {
		return e.matchExact(entries, opts)
	}
	threshold := e.cfg.FuzzyThreshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}

	matches := fuzzy.FindFrom(opts.Query, entrySource(entries))
	var out []Result
	for _, m := range matches {
		if len(m.MatchedIndexes) == 0 {
			continue
		}
		first := m.MatchedIndexes[0]
		last := m.MatchedIndexes[len(m.MatchedIndexes)-1]
		span := last - first + 1
		score := float64(len(opts.Query)) / float64(span)
		if score > 1 {
			score = 1
		}
		if score < threshold {
			continue
		}
		out = append(out, Result{
			Entry: entries[m.Index],
			Score: score,
			Spans: mergeIndexes(m.MatchedIndexes),
		})
	}
	// Best score first; equal scores go to the newer entry. The matcher
	// reorders candidates internally, so recency has to be compared
	// explicitly rather than relying on input order.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

// substringSpans returns every occurrence of query in s, or nil when
// there is none. Case-insensitive matching lowercases both sides, which
// keeps byte offsets aligned for ASCII command text.
func substringSpans(s, query string, caseSensitive bool) [][2]int {
	hay, needle := s, query
	if !caseSensitive {
		hay = strings.ToLower(s)
		needle = strings.ToLower(query)
	}
	var spans [][2]int
	for start := 0; ; {
		i := strings.Index(hay[start:], needle)
		if i < 0 {
			break
		}
		at := start + i
		spans = append(spans, [2]int{at, at + len(needle)})
		start = at + len(needle)
	}
	return spans
}

// mergeIndexes collapses runs of consecutive matched byte indexes into
// half-open spans.
func mergeIndexes(idx []int) [][2]int {
	if len(idx) == 0 {
		return nil
	}
	var spans [][2]int
	start, prev := idx[0], idx[0]
	for _, i := range idx[1:] {
		if i == prev+1 {
			prev = i
			continue
		}
		spans = append(spans, [2]int{start, prev + 1})
		start, prev = i, i
	}
	return append(spans, [2]int{start, prev + 1})
}

// highlight renders command with the matched spans styled. Spans must
// be sorted and non-overlapping, which every matcher guarantees.
func highlight(command string, spans [][2]int) string {
	if len(spans) == 0 {
		return command
	}
	var sb strings.Builder
	prev := 0
	for _, sp := range spans {
		if sp[0] < prev || sp[1] > len(command) {
			continue
		}
		sb.WriteString(command[prev:sp[0]])
		sb.WriteString(highlightStyle.Render(command[sp[0]:sp[1]]))
		prev = sp[1]
	}
	sb.WriteString(command[prev:])
	return sb.String()
}
