package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hushlog/hushlog/internal/config"
	"github.com/hushlog/hushlog/internal/errs"
	"github.com/hushlog/hushlog/internal/logger"
	"github.com/hushlog/hushlog/internal/redact"
)

const (
	fieldSep         = " | "
	legacyTimeLayout = "2006-01-02 15:04:05"
)

// FileBackend appends history to a plain text file, one record per line:
//
//	RFC3339 | directory | redacted-flag | command
//
// The command field escapes backslashes, newlines and pipes so a record
// never spans lines. Older three-field files (timestamp, directory,
// command) are still readable; their records are treated as unredacted.
//
// Extracted token values cannot be stored here, so redaction on this
// backend is lossy: placeholders go in, originals are discarded.
type FileBackend struct {
	path        string
	redactor    *redact.Engine
	lockTimeout time.Duration
	log         *logger.Logger
}

// NewFileBackend opens (or prepares to create) the history file at
// cfg.HistoryFile.
func NewFileBackend(cfg config.StorageConfig, r *redact.Engine) (*FileBackend, error) {
	if cfg.HistoryFile == "" {
		return nil, errs.Errorf(errs.KindParse, "storage.NewFileBackend", "history file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.HistoryFile), 0o700); err != nil {
		return nil, errs.E(errs.KindIO, "storage.NewFileBackend", err)
	}
	timeout := time.Duration(cfg.LockTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &FileBackend{
		path:        cfg.HistoryFile,
		redactor:    r,
		lockTimeout: timeout,
		log:         logger.GetLogger().Storage(),
	}, nil
}

func (b *FileBackend) Name() string { return FileBackendName }

func (b *FileBackend) Close() error { return nil }

// Log redacts the command and appends it under an exclusive flock. The
// exit code is accepted for interface parity but not recorded; the line
// format has no field for it.
func (b *FileBackend) Log(ctx context.Context, command, directory string, exitCode *int) (*CommandRef, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errs.Errorf(errs.KindParse, "storage.file.Log", "refusing to log empty command")
	}
	res := b.redactor.Redact(command)
	if len(res.Tokens) > 0 {
		b.log.Debug().Int("tokens", len(res.Tokens)).
			Msg("extracted token values are not retrievable on the file backend")
	}

	line := formatLine(time.Now(), directory, res.Redacted, res.Text)

	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errs.E(errs.KindIO, "storage.file.Log", err)
	}
	defer f.Close()
	if err := flockExclusive(f, b.lockTimeout); err != nil {
		return nil, err
	}
	defer funlock(f)

	if _, err := f.WriteString(line + "\n"); err != nil {
		return nil, errs.E(errs.KindIO, "storage.file.Log", err)
	}
	return &CommandRef{Redacted: res.Redacted, Tokens: len(res.Tokens)}, nil
}

func (b *FileBackend) Search(ctx context.Context, f Filter) ([]Entry, error) {
	entries, err := b.readAll()
	if err != nil {
		return nil, err
	}
	// Newest first.
	out := make([]Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if !f.Matches(entries[i]) {
			continue
		}
		out = append(out, entries[i])
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (b *FileBackend) Recent(ctx context.Context, n int) ([]Entry, error) {
	return b.Search(ctx, Filter{Limit: n})
}

func (b *FileBackend) Frequent(ctx context.Context, dim Dimension, n int) ([]FrequencyCount, error) {
	entries, err := b.readAll()
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, e := range entries {
		switch dim {
		case DimensionDirectory:
			counts[e.Directory]++
		default:
			counts[e.Command]++
		}
	}
	out := make([]FrequencyCount, 0, len(counts))
	for v, c := range counts {
		out = append(out, FrequencyCount{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (b *FileBackend) Stats(ctx context.Context) (*Stats, error) {
	entries, err := b.readAll()
	if err != nil {
		return nil, err
	}
	st := &Stats{TotalCommands: len(entries)}
	for i := range entries {
		e := &entries[i]
		if e.Redacted {
			st.RedactedCommands++
		}
		if st.OldestEntry == nil || e.Timestamp.Before(*st.OldestEntry) {
			t := e.Timestamp
			st.OldestEntry = &t
		}
		if st.NewestEntry == nil || e.Timestamp.After(*st.NewestEntry) {
			t := e.Timestamp
			st.NewestEntry = &t
		}
	}
	return st, nil
}

func (b *FileBackend) Clear(ctx context.Context, confirm bool) (int64, error) {
	if !confirm {
		return 0, ErrNotConfirmed
	}
	entries, err := b.readAll()
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, errs.E(errs.KindIO, "storage.file.Clear", err)
	}
	defer f.Close()
	if err := flockExclusive(f, b.lockTimeout); err != nil {
		return 0, err
	}
	defer funlock(f)
	if err := f.Truncate(0); err != nil {
		return 0, errs.E(errs.KindIO, "storage.file.Clear", err)
	}
	return int64(len(entries)), nil
}

// Delete rewrites the file without the given entries. Matching is by
// command text, timestamp and directory. The rewrite re-serializes every
// surviving record, which upgrades legacy three-field lines in passing.
func (b *FileBackend) Delete(ctx context.Context, entries []Entry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	doomed := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		doomed[entryKey(e)] = struct{}{}
	}

	existing, err := b.readAll()
	if err != nil {
		return 0, err
	}

	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return 0, errs.E(errs.KindIO, "storage.file.Delete", err)
	}
	defer f.Close()
	if err := flockExclusive(f, b.lockTimeout); err != nil {
		return 0, err
	}
	defer funlock(f)

	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".hushlog-*")
	if err != nil {
		return 0, errs.E(errs.KindIO, "storage.file.Delete", err)
	}
	var removed int64
	for _, e := range existing {
		if _, ok := doomed[entryKey(e)]; ok {
			removed++
			continue
		}
		line := formatLine(e.Timestamp, e.Directory, e.Redacted, e.Command)
		if _, err := tmp.WriteString(line + "\n"); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return 0, errs.E(errs.KindIO, "storage.file.Delete", err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, errs.E(errs.KindIO, "storage.file.Delete", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return 0, errs.E(errs.KindIO, "storage.file.Delete", err)
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		os.Remove(tmp.Name())
		return 0, errs.E(errs.KindIO, "storage.file.Delete", err)
	}
	return removed, nil
}

func (b *FileBackend) Export(ctx context.Context, format ExportFormat, f Filter) ([]byte, error) {
	entries, err := b.Search(ctx, f)
	if err != nil {
		return nil, err
	}
	return exportEntries(format, entries)
}

func (b *FileBackend) Tokens(ctx context.Context, f TokenFilter) ([]Token, error) {
	return nil, errs.Unsupported("tokens", FileBackendName)
}

func (b *FileBackend) Hosts(ctx context.Context) ([]Host, error) {
	return nil, errs.Unsupported("hosts", FileBackendName)
}

func (b *FileBackend) Sessions(ctx context.Context, f SessionFilter) ([]Session, error) {
	return nil, errs.Unsupported("sessions", FileBackendName)
}

func (b *FileBackend) EndSession(ctx context.Context, sessionID string) error {
	return errs.Unsupported("session end", FileBackendName)
}

func (b *FileBackend) Migrate(ctx context.Context, sourcePath string, format ImportFormat) (*MigrationReport, error) {
	return nil, errs.Unsupported("migrate", FileBackendName)
}

func (b *FileBackend) Merge(ctx context.Context, sourcePath string) (*MergeReport, error) {
	return nil, errs.Unsupported("merge", FileBackendName)
}

// readAll parses the history file oldest first. Lines that do not parse
// are skipped, not fatal, so one corrupt record never hides the rest of
// the history. A missing file is an empty history.
func (b *FileBackend) readAll() ([]Entry, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.E(errs.KindIO, "storage.file.readAll", err)
	}

	lines := strings.Split(string(data), "\n")
	// A record is only complete once its newline hit the disk. Whatever
	// trails the final newline is a torn write from a killed shell.
	if n := len(lines); n > 0 && lines[n-1] != "" {
		b.log.Warn().Str("fragment", lines[n-1]).Msg("ignoring partial trailing record")
	}
	if n := len(lines); n > 0 {
		lines = lines[:n-1]
	}

	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, ok := parseLine(line)
		if !ok {
			b.log.Warn().Str("line", line).Msg("skipping unparseable history record")
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func entryKey(e Entry) string {
	return fmt.Sprintf("%d\x00%s\x00%s", e.Timestamp.Unix(), e.Directory, e.Command)
}

func formatLine(ts time.Time, dir string, redacted bool, command string) string {
	flag := "0"
	if redacted {
		flag = "1"
	}
	return strings.Join([]string{
		ts.Format(time.RFC3339),
		escapeField(dir),
		flag,
		escapeField(command),
	}, fieldSep)
}

// parseLine understands both the current four-field format and the
// legacy three-field one. Legacy commands were written unescaped, so any
// separator inside them is rejoined verbatim. Fields past the fourth are
// ignored to stay readable across future additions.
func parseLine(line string) (Entry, bool) {
	fields := strings.Split(line, fieldSep)
	if len(fields) < 3 {
		return Entry{}, false
	}
	ts, err := parseTimestamp(fields[0])
	if err != nil {
		return Entry{}, false
	}
	if len(fields) >= 4 {
		if redacted, ok := parseFlag(fields[2]); ok {
			return Entry{
				Command:   unescapeField(fields[3]),
				Timestamp: ts,
				Directory: unescapeField(fields[1]),
				Redacted:  redacted,
			}, true
		}
	}
	return Entry{
		Command:   strings.Join(fields[2:], fieldSep),
		Timestamp: ts,
		Directory: fields[1],
	}, true
}

func parseTimestamp(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	return time.ParseInLocation(legacyTimeLayout, s, time.Local)
}

func parseFlag(s string) (bool, bool) {
	switch s {
	case "0", "false":
		return false, true
	case "1", "true":
		return true, true
	}
	return false, false
}

func escapeField(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '|':
			sb.WriteString(`\|`)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func unescapeField(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			sb.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case '\\':
			sb.WriteByte('\\')
		case 'n':
			sb.WriteByte('\n')
		case '|':
			sb.WriteByte('|')
		default:
			sb.WriteByte('\\')
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}
