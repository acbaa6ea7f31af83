package storage

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hushlog/hushlog/internal/errs"
)

// importRecord is one command recovered from a foreign history file.
// Formats without timestamps leave Timestamp at the Unix epoch so the
// same file imports to the same rows every time, which is what makes
// rerunning a migration a no-op.
type importRecord struct {
	Command   string
	Timestamp time.Time
	Directory string
	Redacted  bool
}

// (?s) lets the command group span the newlines that backslash
// continuations were rejoined with.
var zshExtendedRe = regexp.MustCompile(`(?s)^: (\d+):\d+;(.*)$`)

// Migrate imports a history file into the database. Every run gets its
// own session so imported commands are distinguishable from live ones,
// and rows already present (same command, timestamp and directory) are
// counted as duplicates rather than inserted again. Lines that do not
// parse are skipped and counted, never fatal.
func (b *DatabaseBackend) Migrate(ctx context.Context, sourcePath string, format ImportFormat) (*MigrationReport, error) {
	const op = "storage.db.Migrate"
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Errorf(errs.KindNotFound, op, "history file %s does not exist", sourcePath)
		}
		return nil, errs.E(errs.KindIO, op, err)
	}
	text := string(data)

	if format == ImportAuto || format == "" {
		format = detectImportFormat(sourcePath, text)
		b.log.Info().Str("format", string(format)).Str("source", sourcePath).
			Msg("detected history format")
	}

	var (
		records []importRecord
		skipped int
	)
	switch format {
	case ImportHushlog:
		records, skipped = parseHushlogHistory(text)
	case ImportBash:
		records, skipped = parseBashHistory(text)
	case ImportZsh:
		records, skipped = parseZshHistory(text)
	case ImportFish:
		records, skipped = parseFishHistory(text)
	default:
		return nil, errs.Errorf(errs.KindParse, op, "unknown import format %q", format)
	}

	now := time.Now()
	sessionID := uuid.NewString()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbErr(op, err)
	}
	defer tx.Rollback()

	hostID, err := ensureHost(tx, b.hostname, now)
	if err != nil {
		return nil, err
	}
	if err := ensureSession(tx, sessionID, hostID, now); err != nil {
		return nil, err
	}

	report := &MigrationReport{Skipped: skipped, SessionID: sessionID}
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		key := rec.Command + "\x00" + strconv.FormatInt(toMillis(rec.Timestamp), 10) + "\x00" + rec.Directory
		if _, ok := seen[key]; ok {
			report.Duplicates++
			continue
		}
		seen[key] = struct{}{}

		var exists int
		if err := tx.QueryRow(
			"SELECT COUNT(*) FROM commands WHERE command = ? AND timestamp = ? AND directory = ?",
			rec.Command, toMillis(rec.Timestamp), rec.Directory,
		).Scan(&exists); err != nil {
			return nil, dbErr(op, err)
		}
		if exists > 0 {
			report.Duplicates++
			continue
		}

		// Imported text gets the same redaction treatment as live
		// commands. Records already carrying placeholders pass through
		// untouched since redaction is idempotent.
		res := b.redactor.Redact(rec.Command)
		result, err := tx.Exec(
			`INSERT INTO commands (session_id, command, timestamp, directory, redacted, exit_code)
			 VALUES (?, ?, ?, ?, ?, NULL)`,
			sessionID, res.Text, toMillis(rec.Timestamp), rec.Directory, res.Redacted || rec.Redacted,
		)
		if err != nil {
			return nil, dbErr(op, err)
		}
		commandID, err := result.LastInsertId()
		if err != nil {
			return nil, dbErr(op, err)
		}
		for _, tok := range res.Tokens {
			if _, err := tx.Exec(
				`INSERT INTO tokens (command_id, token_type, placeholder, original_value, created_at)
				 VALUES (?, ?, ?, ?, ?)`,
				commandID, tok.Type, tok.Placeholder, tok.Original, toMillis(now),
			); err != nil {
				return nil, dbErr(op, err)
			}
		}
		report.Imported++
	}

	if err := tx.Commit(); err != nil {
		return nil, dbErr(op, err)
	}
	b.log.Info().Int("imported", report.Imported).Int("skipped", report.Skipped).
		Int("duplicates", report.Duplicates).Str("session", sessionID).
		Msg("migration finished")
	return report, nil
}

// detectImportFormat sniffs the file name, then the first non-empty
// lines.
func detectImportFormat(path, text string) ImportFormat {
	base := filepath.Base(path)
	switch {
	case strings.Contains(base, "fish"):
		return ImportFish
	case strings.Contains(base, "zsh"):
		return ImportZsh
	case strings.Contains(base, "bash"):
		return ImportBash
	case strings.HasSuffix(base, ".hlog"):
		return ImportHushlog
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if zshExtendedRe.MatchString(line) {
			return ImportZsh
		}
		if strings.HasPrefix(line, "- cmd:") {
			return ImportFish
		}
		if _, ok := parseLine(line); ok {
			return ImportHushlog
		}
		break
	}
	return ImportBash
}

// parseHushlogHistory reads the flat file format. Before commands were
// escaped, a multiline command spilled across lines; a line that carries
// no timestamp is therefore a continuation of the record before it, not
// garbage, unless there is no record to continue.
func parseHushlogHistory(text string) ([]importRecord, int) {
	var (
		records []importRecord
		skipped int
	)
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, ok := parseLine(line)
		if !ok {
			if len(records) > 0 {
				records[len(records)-1].Command += "\n" + line
			} else {
				skipped++
			}
			continue
		}
		records = append(records, importRecord{
			Command:   e.Command,
			Timestamp: e.Timestamp,
			Directory: e.Directory,
			Redacted:  e.Redacted,
		})
	}
	return records, skipped
}

// parseBashHistory reads plain bash history. With HISTTIMEFORMAT set,
// bash writes a `#<epoch>` comment before each command; those stamps are
// attached to the line that follows. Other comment lines are skipped.
func parseBashHistory(text string) ([]importRecord, int) {
	var (
		records []importRecord
		skipped int
		pending time.Time
	)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			if epoch, err := strconv.ParseInt(line[1:], 10, 64); err == nil {
				pending = time.Unix(epoch, 0)
			} else {
				skipped++
			}
			continue
		}
		rec := importRecord{Command: line, Timestamp: pending}
		if pending.IsZero() {
			rec.Timestamp = time.Unix(0, 0)
		}
		pending = time.Time{}
		records = append(records, rec)
	}
	return records, skipped
}

// parseZshHistory reads zsh extended history (`: <epoch>:<dur>;command`)
// and falls back to treating a line as a bare command. Backslash line
// continuations are joined the way zsh wrote them.
func parseZshHistory(text string) ([]importRecord, int) {
	var (
		records []importRecord
		skipped int
	)
	lines := strings.Split(text, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		for strings.HasSuffix(line, "\\") && i+1 < len(lines) {
			i++
			line = strings.TrimSuffix(line, "\\") + "\n" + strings.TrimRight(lines[i], "\r")
		}
		if m := zshExtendedRe.FindStringSubmatch(line); m != nil {
			epoch, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				skipped++
				continue
			}
			cmd := strings.TrimSpace(m[2])
			if cmd == "" {
				skipped++
				continue
			}
			records = append(records, importRecord{Command: cmd, Timestamp: time.Unix(epoch, 0)})
			continue
		}
		records = append(records, importRecord{Command: line, Timestamp: time.Unix(0, 0)})
	}
	return records, skipped
}

// fishUnescape undoes fish's history escaping: `\\` for a backslash and
// `\n` for a newline. A single left-to-right pass keeps `\\n` meaning a
// literal backslash followed by n.
func fishUnescape(s string) string {
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
		default:
			sb.WriteByte('\\')
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}

// parseFishHistory reads fish's YAML-ish history: `- cmd:` starts a
// record and an indented `when:` supplies its timestamp. Other indented
// keys (paths and such) are ignored.
func parseFishHistory(text string) ([]importRecord, int) {
	var (
		records []importRecord
		skipped int
		current *importRecord
	)
	flush := func() {
		if current == nil {
			return
		}
		if current.Command == "" {
			skipped++
		} else {
			if current.Timestamp.IsZero() {
				current.Timestamp = time.Unix(0, 0)
			}
			records = append(records, *current)
		}
		current = nil
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "- cmd:"):
			flush()
			cmd := strings.TrimSpace(strings.TrimPrefix(line, "- cmd:"))
			current = &importRecord{Command: fishUnescape(cmd)}
		case current != nil && strings.HasPrefix(strings.TrimSpace(line), "when:"):
			raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "when:"))
			if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil {
				current.Timestamp = time.Unix(epoch, 0)
			}
		case strings.TrimSpace(line) == "" || strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t"):
			// Indented metadata we do not use.
		default:
			flush()
			skipped++
		}
	}
	flush()
	return records, skipped
}
