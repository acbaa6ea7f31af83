package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hushlog/hushlog/internal/config"
	"github.com/hushlog/hushlog/internal/errs"
	"github.com/hushlog/hushlog/internal/logger"
	"github.com/hushlog/hushlog/internal/redact"
)

// sessionEnvVar carries the per-shell session id, exported by the shell
// hook so every command in one shell lands in the same session row.
const sessionEnvVar = "HUSHLOG_SESSION"

// DatabaseBackend stores history in SQLite across four tables. Hosts are
// unique by hostname, sessions belong to hosts, commands belong to
// sessions, and tokens hold the original values that redaction stripped
// from command text. Deleting up the chain cascades down it.
type DatabaseBackend struct {
	db        *sql.DB
	path      string
	redactor  *redact.Engine
	hostname  string
	sessionID string
	log       *logger.Logger
}

// NewDatabaseBackend opens (creating if needed) the database at
// cfg.DatabasePath and brings its schema up to date.
func NewDatabaseBackend(cfg config.StorageConfig, r *redact.Engine) (*DatabaseBackend, error) {
	if cfg.DatabasePath == "" {
		return nil, errs.Errorf(errs.KindParse, "storage.NewDatabaseBackend", "database path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o700); err != nil {
		return nil, errs.E(errs.KindIO, "storage.NewDatabaseBackend", err)
	}

	db, err := openSQLite(cfg.DatabasePath, cfg)
	if err != nil {
		return nil, err
	}

	log := logger.GetLogger().Database()
	if err := runMigrations(db, log); err != nil {
		db.Close()
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	sessionID := os.Getenv(sessionEnvVar)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	return &DatabaseBackend{
		db:        db,
		path:      cfg.DatabasePath,
		redactor:  r,
		hostname:  hostname,
		sessionID: sessionID,
		log:       log,
	}, nil
}

func openSQLite(path string, cfg config.StorageConfig) (*sql.DB, error) {
	busy := cfg.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}
	syncMode := cfg.SyncMode
	if syncMode == "" {
		syncMode = "NORMAL"
	}
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=synchronous(%s)",
		path, busy, syncMode,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.E(errs.KindIO, "storage.openSQLite", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(1)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, dbErr("storage.openSQLite", err)
	}
	return db, nil
}

func (b *DatabaseBackend) Name() string { return DatabaseBackendName }

func (b *DatabaseBackend) Close() error { return b.db.Close() }

// CurrentSession returns the session id commands are logged under.
func (b *DatabaseBackend) CurrentSession() string { return b.sessionID }

// dbErr maps driver failures onto error kinds. SQLite reports lock
// contention as SQLITE_BUSY, which deserves a distinct kind so callers
// can suggest retrying instead of printing a raw driver message.
func dbErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return errs.E(errs.KindLocked, op, err)
	}
	if strings.Contains(msg, "constraint") || strings.Contains(msg, "SQLITE_CONSTRAINT") {
		return errs.E(errs.KindConstraint, op, err)
	}
	return errs.E(errs.KindIO, op, err)
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

// ensureHost returns the id for hostname, inserting it if new. Runs
// inside the caller's transaction.
func ensureHost(tx *sql.Tx, hostname string, now time.Time) (int64, error) {
	if _, err := tx.Exec(
		"INSERT OR IGNORE INTO hosts (hostname, created_at) VALUES (?, ?)",
		hostname, toMillis(now),
	); err != nil {
		return 0, dbErr("storage.ensureHost", err)
	}
	var id int64
	if err := tx.QueryRow("SELECT id FROM hosts WHERE hostname = ?", hostname).Scan(&id); err != nil {
		return 0, dbErr("storage.ensureHost", err)
	}
	return id, nil
}

// ensureSession creates the session row on first use. Runs inside the
// caller's transaction.
func ensureSession(tx *sql.Tx, sessionID string, hostID int64, now time.Time) error {
	if _, err := tx.Exec(
		"INSERT OR IGNORE INTO sessions (id, host_id, started_at) VALUES (?, ?, ?)",
		sessionID, hostID, toMillis(now),
	); err != nil {
		return dbErr("storage.ensureSession", err)
	}
	return nil
}

// Log redacts the command and writes the command row plus any extracted
// token rows in one transaction. Host and session rows are created on
// demand so the first command of a new shell needs no setup step.
func (b *DatabaseBackend) Log(ctx context.Context, command, directory string, exitCode *int) (*CommandRef, error) {
	const op = "storage.db.Log"
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errs.Errorf(errs.KindParse, op, "refusing to log empty command")
	}
	res := b.redactor.Redact(command)
	now := time.Now()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbErr(op, err)
	}
	defer tx.Rollback()

	hostID, err := ensureHost(tx, b.hostname, now)
	if err != nil {
		return nil, err
	}
	if err := ensureSession(tx, b.sessionID, hostID, now); err != nil {
		return nil, err
	}

	var ec sql.NullInt64
	if exitCode != nil {
		ec = sql.NullInt64{Int64: int64(*exitCode), Valid: true}
	}
	result, err := tx.Exec(
		`INSERT INTO commands (session_id, command, timestamp, directory, redacted, exit_code)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.sessionID, res.Text, toMillis(now), directory, res.Redacted, ec,
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

	if err := tx.Commit(); err != nil {
		return nil, dbErr(op, err)
	}
	return &CommandRef{
		ID:        commandID,
		SessionID: b.sessionID,
		Redacted:  res.Redacted,
		Tokens:    len(res.Tokens),
	}, nil
}

const entrySelect = `
	SELECT c.command, c.timestamp, c.directory, c.redacted, c.exit_code, h.hostname, c.session_id
	FROM commands c
	JOIN sessions s ON s.id = c.session_id
	JOIN hosts h ON h.id = s.host_id`

// Search pushes the structural filters into SQL and leaves substring
// matching to Filter.Matches so both backends agree on query semantics.
func (b *DatabaseBackend) Search(ctx context.Context, f Filter) ([]Entry, error) {
	const op = "storage.db.Search"
	var (
		where []string
		args  []any
	)
	if f.Directory != "" {
		where = append(where, `c.directory LIKE ? ESCAPE '\'`)
		args = append(args, likePrefix(f.Directory))
	}
	if f.Since != nil {
		where = append(where, "c.timestamp >= ?")
		args = append(args, toMillis(*f.Since))
	}
	if f.Before != nil {
		where = append(where, "c.timestamp < ?")
		args = append(args, toMillis(*f.Before))
	}
	if f.RedactedOnly {
		where = append(where, "c.redacted = 1")
	}

	q := entrySelect
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY c.timestamp DESC, c.id DESC"
	// The limit can only go into SQL when no query narrows the rows
	// afterwards, otherwise it would cut matches short.
	if f.Limit > 0 && f.Query == "" {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, dbErr(op, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, dbErr(op, err)
		}
		if f.Query != "" {
			if !f.Matches(e) {
				continue
			}
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(op, err)
	}
	return out, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e  Entry
		ts int64
		ec sql.NullInt64
	)
	if err := rows.Scan(&e.Command, &ts, &e.Directory, &e.Redacted, &ec, &e.Host, &e.SessionID); err != nil {
		return Entry{}, err
	}
	e.Timestamp = fromMillis(ts)
	if ec.Valid {
		v := int(ec.Int64)
		e.ExitCode = &v
	}
	return e, nil
}

// likePrefix escapes LIKE metacharacters in a prefix and appends the
// wildcard.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func (b *DatabaseBackend) Recent(ctx context.Context, n int) ([]Entry, error) {
	return b.Search(ctx, Filter{Limit: n})
}

func (b *DatabaseBackend) Frequent(ctx context.Context, dim Dimension, n int) ([]FrequencyCount, error) {
	const op = "storage.db.Frequent"
	col := "command"
	if dim == DimensionDirectory {
		col = "directory"
	}
	q := fmt.Sprintf(
		"SELECT %s, COUNT(*) AS n FROM commands GROUP BY %s ORDER BY n DESC, %s ASC",
		col, col, col,
	)
	var args []any
	if n > 0 {
		q += " LIMIT ?"
		args = append(args, n)
	}
	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, dbErr(op, err)
	}
	defer rows.Close()

	var out []FrequencyCount
	for rows.Next() {
		var fc FrequencyCount
		if err := rows.Scan(&fc.Value, &fc.Count); err != nil {
			return nil, dbErr(op, err)
		}
		out = append(out, fc)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(op, err)
	}
	return out, nil
}

func (b *DatabaseBackend) Stats(ctx context.Context) (*Stats, error) {
	const op = "storage.db.Stats"
	st := &Stats{}
	row := b.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM commands),
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM hosts),
			(SELECT COUNT(*) FROM commands WHERE redacted = 1),
			(SELECT COUNT(*) FROM tokens),
			(SELECT MIN(timestamp) FROM commands),
			(SELECT MAX(timestamp) FROM commands)`)
	var oldest, newest sql.NullInt64
	if err := row.Scan(&st.TotalCommands, &st.TotalSessions, &st.TotalHosts,
		&st.RedactedCommands, &st.StoredTokens, &oldest, &newest); err != nil {
		return nil, dbErr(op, err)
	}
	if oldest.Valid {
		t := fromMillis(oldest.Int64)
		st.OldestEntry = &t
	}
	if newest.Valid {
		t := fromMillis(newest.Int64)
		st.NewestEntry = &t
	}
	return st, nil
}

// Clear wipes everything. Deleting hosts cascades through sessions,
// commands and tokens.
func (b *DatabaseBackend) Clear(ctx context.Context, confirm bool) (int64, error) {
	const op = "storage.db.Clear"
	if !confirm {
		return 0, ErrNotConfirmed
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, dbErr(op, err)
	}
	defer tx.Rollback()

	var count int64
	if err := tx.QueryRow("SELECT COUNT(*) FROM commands").Scan(&count); err != nil {
		return 0, dbErr(op, err)
	}
	if _, err := tx.Exec("DELETE FROM hosts"); err != nil {
		return 0, dbErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, dbErr(op, err)
	}
	return count, nil
}

// Delete removes commands by content identity. Token rows follow via
// the foreign key cascade.
func (b *DatabaseBackend) Delete(ctx context.Context, entries []Entry) (int64, error) {
	const op = "storage.db.Delete"
	if len(entries) == 0 {
		return 0, nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, dbErr(op, err)
	}
	defer tx.Rollback()

	var removed int64
	for _, e := range entries {
		res, err := tx.Exec(
			"DELETE FROM commands WHERE command = ? AND timestamp = ? AND directory = ?",
			e.Command, toMillis(e.Timestamp), e.Directory,
		)
		if err != nil {
			return 0, dbErr(op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, dbErr(op, err)
		}
		removed += n
	}
	if err := tx.Commit(); err != nil {
		return 0, dbErr(op, err)
	}
	return removed, nil
}

func (b *DatabaseBackend) Export(ctx context.Context, format ExportFormat, f Filter) ([]byte, error) {
	entries, err := b.Search(ctx, f)
	if err != nil {
		return nil, err
	}
	return exportEntries(format, entries)
}

// Tokens returns extracted token records. Original values stay blank
// unless the filter explicitly asks for them.
func (b *DatabaseBackend) Tokens(ctx context.Context, f TokenFilter) ([]Token, error) {
	const op = "storage.db.Tokens"
	q := `SELECT t.id, t.command_id, t.token_type, t.placeholder, t.original_value, t.created_at
		FROM tokens t
		JOIN commands c ON c.id = t.command_id`
	var (
		where []string
		args  []any
	)
	if f.CommandID != 0 {
		where = append(where, "t.command_id = ?")
		args = append(args, f.CommandID)
	}
	if f.SessionID != "" {
		where = append(where, "c.session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Directory != "" {
		where = append(where, `c.directory LIKE ? ESCAPE '\'`)
		args = append(args, likePrefix(f.Directory))
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY t.created_at DESC, t.id DESC"

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, dbErr(op, err)
	}
	defer rows.Close()

	var out []Token
	for rows.Next() {
		var (
			t  Token
			ts int64
		)
		if err := rows.Scan(&t.ID, &t.CommandID, &t.Type, &t.Placeholder, &t.OriginalValue, &ts); err != nil {
			return nil, dbErr(op, err)
		}
		t.CreatedAt = fromMillis(ts)
		if !f.ShowValues {
			t.OriginalValue = ""
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(op, err)
	}
	return out, nil
}

func (b *DatabaseBackend) Hosts(ctx context.Context) ([]Host, error) {
	const op = "storage.db.Hosts"
	rows, err := b.db.QueryContext(ctx,
		"SELECT id, hostname, created_at FROM hosts ORDER BY hostname")
	if err != nil {
		return nil, dbErr(op, err)
	}
	defer rows.Close()

	var out []Host
	for rows.Next() {
		var (
			h  Host
			ts int64
		)
		if err := rows.Scan(&h.ID, &h.Hostname, &ts); err != nil {
			return nil, dbErr(op, err)
		}
		h.CreatedAt = fromMillis(ts)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(op, err)
	}
	return out, nil
}

func (b *DatabaseBackend) Sessions(ctx context.Context, f SessionFilter) ([]Session, error) {
	const op = "storage.db.Sessions"
	q := `SELECT s.id, s.host_id, s.started_at, s.ended_at
		FROM sessions s JOIN hosts h ON h.id = s.host_id`
	var (
		where []string
		args  []any
	)
	if f.Hostname != "" {
		where = append(where, "h.hostname = ?")
		args = append(args, f.Hostname)
	}
	if f.ActiveOnly {
		where = append(where, "s.ended_at IS NULL")
	}
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY s.started_at DESC"

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, dbErr(op, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			s       Session
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.HostID, &started, &ended); err != nil {
			return nil, dbErr(op, err)
		}
		s.StartedAt = fromMillis(started)
		if ended.Valid {
			t := fromMillis(ended.Int64)
			s.EndedAt = &t
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(op, err)
	}
	return out, nil
}

// EndSession stamps ended_at on the session. An empty id means the
// current session. Ending an already ended session is a no-op.
func (b *DatabaseBackend) EndSession(ctx context.Context, sessionID string) error {
	const op = "storage.db.EndSession"
	if sessionID == "" {
		sessionID = b.sessionID
	}
	res, err := b.db.ExecContext(ctx,
		"UPDATE sessions SET ended_at = ? WHERE id = ? AND ended_at IS NULL",
		toMillis(time.Now()), sessionID)
	if err != nil {
		return dbErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbErr(op, err)
	}
	if n == 0 {
		var exists int
		if err := b.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sessions WHERE id = ?", sessionID).Scan(&exists); err != nil {
			return dbErr(op, err)
		}
		if exists == 0 {
			return errs.Errorf(errs.KindNotFound, op, "session %s not found", sessionID)
		}
	}
	return nil
}
