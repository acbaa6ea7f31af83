package storage

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/hushlog/hushlog/internal/errs"
)

// sourceSession pairs a source row with its host's name so hosts can be
// matched across databases where ids differ.
type sourceSession struct {
	id        string
	hostname  string
	startedAt int64
	endedAt   sql.NullInt64
}

type sourceCommand struct {
	id        int64
	sessionID string
	command   string
	timestamp int64
	directory string
	redacted  bool
	exitCode  sql.NullInt64
}

type sourceToken struct {
	commandID   int64
	tokenType   string
	placeholder string
	original    string
	createdAt   int64
}

// Merge copies another hushlog database into this one. Hosts are matched
// by hostname, sessions get fresh ids so they can never collide with
// local ones, and commands already present (same text, timestamp and
// directory) are skipped together with their tokens. The whole merge is
// one transaction: it either lands completely or not at all.
func (b *DatabaseBackend) Merge(ctx context.Context, sourcePath string) (*MergeReport, error) {
	const op = "storage.db.Merge"
	if _, err := os.Stat(sourcePath); err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Errorf(errs.KindNotFound, op, "source database %s does not exist", sourcePath)
		}
		return nil, errs.E(errs.KindIO, op, err)
	}
	if sourcePath == b.path {
		return nil, errs.Errorf(errs.KindParse, op, "refusing to merge a database into itself")
	}

	src, err := sql.Open("sqlite", "file:"+sourcePath+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errs.E(errs.KindIO, op, err)
	}
	defer src.Close()
	if err := src.Ping(); err != nil {
		return nil, dbErr(op, err)
	}
	if v, err := currentVersion(src); err != nil {
		return nil, err
	} else if v == 0 || v > schemaVersion {
		return nil, errs.Errorf(errs.KindConstraint, op,
			"source database %s has incompatible schema version %d", sourcePath, v)
	}

	sessions, err := readSourceSessions(ctx, src)
	if err != nil {
		return nil, err
	}
	commands, err := readSourceCommands(ctx, src)
	if err != nil {
		return nil, err
	}
	tokens, err := readSourceTokens(ctx, src)
	if err != nil {
		return nil, err
	}

	tokensByCommand := make(map[int64][]sourceToken, len(commands))
	for _, t := range tokens {
		tokensByCommand[t.commandID] = append(tokensByCommand[t.commandID], t)
	}
	sessionByID := make(map[string]sourceSession, len(sessions))
	for _, s := range sessions {
		sessionByID[s.id] = s
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbErr(op, err)
	}
	defer tx.Rollback()

	report := &MergeReport{}

	// Every source host is matched or created up front; command dedup is
	// scoped to the destination host, so the ids are needed regardless
	// of whether any command survives.
	hostIDs := make(map[string]int64) // hostname -> local host id
	for _, s := range sessions {
		if _, ok := hostIDs[s.hostname]; ok {
			continue
		}
		var existing int
		if err := tx.QueryRow("SELECT COUNT(*) FROM hosts WHERE hostname = ?", s.hostname).Scan(&existing); err != nil {
			return nil, dbErr(op, err)
		}
		id, err := ensureHost(tx, s.hostname, time.Now())
		if err != nil {
			return nil, err
		}
		if existing == 0 {
			report.HostsCreated++
		}
		hostIDs[s.hostname] = id
	}

	// Sessions are created lazily so skipped-only sessions leave no
	// empty rows behind.
	sessionIDs := make(map[string]string) // source session id -> local session id
	lookupSession := func(srcID string) (string, error) {
		if id, ok := sessionIDs[srcID]; ok {
			return id, nil
		}
		s, ok := sessionByID[srcID]
		if !ok {
			return "", errs.Errorf(errs.KindConstraint, op, "source command references unknown session %s", srcID)
		}
		hostID := hostIDs[s.hostname]
		newID := uuid.NewString()
		if _, err := tx.Exec(
			"INSERT INTO sessions (id, host_id, started_at, ended_at) VALUES (?, ?, ?, ?)",
			newID, hostID, s.startedAt, s.endedAt,
		); err != nil {
			return "", dbErr(op, err)
		}
		report.SessionsCreated++
		sessionIDs[srcID] = newID
		return newID, nil
	}

	for _, c := range commands {
		s, ok := sessionByID[c.sessionID]
		if !ok {
			return nil, errs.Errorf(errs.KindConstraint, op, "source command references unknown session %s", c.sessionID)
		}
		var exists int
		if err := tx.QueryRow(
			`SELECT COUNT(*) FROM commands c
			 JOIN sessions s ON s.id = c.session_id
			 WHERE c.command = ? AND c.timestamp = ? AND c.directory = ? AND s.host_id = ?`,
			c.command, c.timestamp, c.directory, hostIDs[s.hostname],
		).Scan(&exists); err != nil {
			return nil, dbErr(op, err)
		}
		if exists > 0 {
			report.CommandsSkipped++
			continue
		}
		localSession, err := lookupSession(c.sessionID)
		if err != nil {
			return nil, err
		}
		result, err := tx.Exec(
			`INSERT INTO commands (session_id, command, timestamp, directory, redacted, exit_code)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			localSession, c.command, c.timestamp, c.directory, c.redacted, c.exitCode,
		)
		if err != nil {
			return nil, dbErr(op, err)
		}
		newID, err := result.LastInsertId()
		if err != nil {
			return nil, dbErr(op, err)
		}
		for _, t := range tokensByCommand[c.id] {
			if _, err := tx.Exec(
				`INSERT INTO tokens (command_id, token_type, placeholder, original_value, created_at)
				 VALUES (?, ?, ?, ?, ?)`,
				newID, t.tokenType, t.placeholder, t.original, t.createdAt,
			); err != nil {
				return nil, dbErr(op, err)
			}
			report.TokensMerged++
		}
		report.CommandsMerged++
	}

	if err := tx.Commit(); err != nil {
		return nil, dbErr(op, err)
	}
	b.log.Info().Int("commands", report.CommandsMerged).Int("skipped", report.CommandsSkipped).
		Int("tokens", report.TokensMerged).Str("source", sourcePath).Msg("merge finished")
	return report, nil
}

func readSourceSessions(ctx context.Context, src *sql.DB) ([]sourceSession, error) {
	const op = "storage.db.Merge"
	rows, err := src.QueryContext(ctx, `
		SELECT s.id, h.hostname, s.started_at, s.ended_at
		FROM sessions s JOIN hosts h ON h.id = s.host_id`)
	if err != nil {
		return nil, dbErr(op, err)
	}
	defer rows.Close()
	var out []sourceSession
	for rows.Next() {
		var s sourceSession
		if err := rows.Scan(&s.id, &s.hostname, &s.startedAt, &s.endedAt); err != nil {
			return nil, dbErr(op, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func readSourceCommands(ctx context.Context, src *sql.DB) ([]sourceCommand, error) {
	const op = "storage.db.Merge"
	rows, err := src.QueryContext(ctx, `
		SELECT id, session_id, command, timestamp, directory, redacted, exit_code
		FROM commands ORDER BY timestamp, id`)
	if err != nil {
		return nil, dbErr(op, err)
	}
	defer rows.Close()
	var out []sourceCommand
	for rows.Next() {
		var c sourceCommand
		if err := rows.Scan(&c.id, &c.sessionID, &c.command, &c.timestamp, &c.directory, &c.redacted, &c.exitCode); err != nil {
			return nil, dbErr(op, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func readSourceTokens(ctx context.Context, src *sql.DB) ([]sourceToken, error) {
	const op = "storage.db.Merge"
	rows, err := src.QueryContext(ctx, `
		SELECT command_id, token_type, placeholder, original_value, created_at
		FROM tokens`)
	if err != nil {
		return nil, dbErr(op, err)
	}
	defer rows.Close()
	var out []sourceToken
	for rows.Next() {
		var t sourceToken
		if err := rows.Scan(&t.commandID, &t.tokenType, &t.placeholder, &t.original, &t.createdAt); err != nil {
			return nil, dbErr(op, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
