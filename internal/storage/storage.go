// Package storage persists command history behind a single Backend
// contract with two implementations: an append-only flat file and a
// SQLite store with host, session and token tracking.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Backend names reported by Name() and used in BackendUnsupported errors.
const (
	FileBackendName     = "file"
	DatabaseBackendName = "database"
)

// ErrNotConfirmed is returned by Clear when confirm is false.
var ErrNotConfirmed = errors.New("clear requires explicit confirmation")

// Entry is the backend-agnostic unit consumed by the search engine. Both
// backends produce it so search never depends on storage shape.
type Entry struct {
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
	Directory string    `json:"directory"`
	Redacted  bool      `json:"redacted"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Host      string    `json:"host,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
}

// Host is a tracked machine, unique by hostname.
type Host struct {
	ID        int64     `json:"id"`
	Hostname  string    `json:"hostname"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is one shell process's logging lifetime, scoped to a host.
type Session struct {
	ID        string     `json:"id"`
	HostID    int64      `json:"host_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Token is an extracted sensitive value paired with the placeholder that
// replaced it in the stored command text. The original value lives only
// in the tokens table, never in the command log.
type Token struct {
	ID            int64     `json:"id"`
	CommandID     int64     `json:"command_id"`
	Type          string    `json:"token_type"`
	Placeholder   string    `json:"placeholder"`
	OriginalValue string    `json:"original_value,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// CommandRef identifies a persisted command for later lookup. The file
// backend has no row ids, so ID is zero there.
type CommandRef struct {
	ID        int64
	SessionID string
	Redacted  bool
	Tokens    int
}

// Dimension selects what Frequent counts.
type Dimension string

const (
	DimensionCommand   Dimension = "command"
	DimensionDirectory Dimension = "directory"
)

// ParseDimension validates a user-supplied dimension name.
func ParseDimension(s string) (Dimension, error) {
	switch Dimension(s) {
	case DimensionCommand, DimensionDirectory:
		return Dimension(s), nil
	default:
		return "", fmt.Errorf("unknown frequency dimension %q (want command or directory)", s)
	}
}

// Filter restricts what Search and Export return. Query is a plain
// substring; regex and fuzzy matching live in the search engine, which
// runs over the entries a backend returns.
type Filter struct {
	Query         string
	CaseSensitive bool
	Directory     string // prefix match
	Since         *time.Time
	Before        *time.Time
	RedactedOnly  bool
	Limit         int // 0 means no limit
}

// Matches reports whether an entry passes the structural filters and the
// substring query. Shared by the file backend and by tests.
func (f Filter) Matches(e Entry) bool {
	if f.Directory != "" && !strings.HasPrefix(e.Directory, f.Directory) {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Before != nil && !e.Timestamp.Before(*f.Before) {
		return false
	}
	if f.RedactedOnly && !e.Redacted {
		return false
	}
	if f.Query != "" {
		if f.CaseSensitive {
			if !strings.Contains(e.Command, f.Query) {
				return false
			}
		} else if !strings.Contains(strings.ToLower(e.Command), strings.ToLower(f.Query)) {
			return false
		}
	}
	return true
}

// TokenFilter restricts token queries. Zero values mean "any".
type TokenFilter struct {
	CommandID int64
	SessionID string
	Directory string

	// ShowValues controls whether OriginalValue is populated. Without
	// it callers only see types and placeholders.
	ShowValues bool
}

// SessionFilter restricts session queries.
type SessionFilter struct {
	Hostname   string
	ActiveOnly bool
}

// FrequencyCount is one row of a Frequent result.
type FrequencyCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Stats aggregates store-wide counts.
type Stats struct {
	TotalCommands    int        `json:"total_commands"`
	TotalSessions    int        `json:"total_sessions"`
	TotalHosts       int        `json:"total_hosts"`
	RedactedCommands int        `json:"redacted_commands"`
	StoredTokens     int        `json:"stored_tokens"`
	OldestEntry      *time.Time `json:"oldest_entry,omitempty"`
	NewestEntry      *time.Time `json:"newest_entry,omitempty"`
}

// MigrationReport summarizes a flat-file import run.
type MigrationReport struct {
	Imported   int    `json:"imported"`
	Skipped    int    `json:"skipped"`
	Duplicates int    `json:"duplicates"`
	SessionID  string `json:"session_id"`
}

// MergeReport summarizes a database-to-database merge.
type MergeReport struct {
	HostsCreated    int `json:"hosts_created"`
	SessionsCreated int `json:"sessions_created"`
	CommandsMerged  int `json:"commands_merged"`
	CommandsSkipped int `json:"commands_skipped"`
	TokensMerged    int `json:"tokens_merged"`
}

// ImportFormat names a legacy history format understood by Migrate.
type ImportFormat string

const (
	ImportAuto    ImportFormat = "auto"
	ImportHushlog ImportFormat = "hushlog"
	ImportBash    ImportFormat = "bash"
	ImportZsh     ImportFormat = "zsh"
	ImportFish    ImportFormat = "fish"
)

// ParseImportFormat validates a user-supplied import format name.
func ParseImportFormat(s string) (ImportFormat, error) {
	switch ImportFormat(s) {
	case ImportAuto, ImportHushlog, ImportBash, ImportZsh, ImportFish:
		return ImportFormat(s), nil
	default:
		return "", fmt.Errorf("unknown import format %q", s)
	}
}

// Backend is the storage contract shared by the file and database
// variants. Database-only operations fail with a BackendUnsupported
// error on the file variant, never silently.
type Backend interface {
	// Log redacts and persists one command.
	Log(ctx context.Context, command, directory string, exitCode *int) (*CommandRef, error)

	// Search returns entries passing the filter, newest first.
	Search(ctx context.Context, f Filter) ([]Entry, error)

	// Recent returns the n most recent entries, newest first.
	Recent(ctx context.Context, n int) ([]Entry, error)

	// Frequent returns the n most frequent commands or directories.
	Frequent(ctx context.Context, dim Dimension, n int) ([]FrequencyCount, error)

	// Stats returns aggregate counts.
	Stats(ctx context.Context) (*Stats, error)

	// Clear removes all history. It refuses without confirm and
	// returns the number of commands removed.
	Clear(ctx context.Context, confirm bool) (int64, error)

	// Delete removes the given entries, matched by content identity
	// (command text, timestamp, directory). Returns the count removed.
	Delete(ctx context.Context, entries []Entry) (int64, error)

	// Export serializes filtered entries, newest first.
	Export(ctx context.Context, format ExportFormat, f Filter) ([]byte, error)

	// Database-only operations.
	Tokens(ctx context.Context, f TokenFilter) ([]Token, error)
	Hosts(ctx context.Context) ([]Host, error)
	Sessions(ctx context.Context, f SessionFilter) ([]Session, error)
	EndSession(ctx context.Context, sessionID string) error
	Migrate(ctx context.Context, sourcePath string, format ImportFormat) (*MigrationReport, error)
	Merge(ctx context.Context, sourcePath string) (*MergeReport, error)

	// Name identifies the backend variant.
	Name() string

	Close() error
}
