// hushlog records shell command history with sensitive values redacted
// before anything touches disk.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hushlog/hushlog/internal/config"
	"github.com/hushlog/hushlog/internal/errs"
	"github.com/hushlog/hushlog/internal/logger"
	"github.com/hushlog/hushlog/internal/redact"
	"github.com/hushlog/hushlog/internal/search"
	"github.com/hushlog/hushlog/internal/shell"
	"github.com/hushlog/hushlog/internal/storage"
	"github.com/hushlog/hushlog/internal/tui"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "hushlog:", err)
		os.Exit(1)
	}
}

type app struct {
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var (
		configPath string
		backend    string
		logLevel   string
	)

	root := &cobra.Command{
		Use:           "hushlog",
		Short:         "Shell history with secrets redacted at the door",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if backend != "" {
				cfg.Storage.Backend = backend
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.EnsureDataDir(); err != nil {
				return err
			}
			if err := logger.Init(&cfg.Logging); err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	root.PersistentFlags().StringVar(&backend, "backend", "", "storage backend (file or database)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newInitCmd(),
		newLogCmd(a),
		newSearchCmd(a),
		newRecentCmd(a),
		newFrequentCmd(a),
		newStatsCmd(a),
		newClearCmd(a),
		newExportCmd(a),
		newMigrateCmd(a),
		newMergeCmd(a),
		newTokensCmd(a),
		newHostsCmd(a),
		newSessionsCmd(a),
		newSessionCmd(a),
		newValidateCmd(a),
		newManageCmd(a),
	)
	return root
}

// openBackend builds the redaction engine and the configured backend.
// The caller owns Close.
func (a *app) openBackend() (storage.Backend, error) {
	redactor, err := redact.New(a.cfg.Redaction)
	if err != nil {
		return nil, err
	}
	switch a.cfg.Storage.Backend {
	case config.BackendFile:
		return storage.NewFileBackend(a.cfg.Storage, redactor)
	case config.BackendDatabase:
		return storage.NewDatabaseBackend(a.cfg.Storage, redactor)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

func newLogCmd(a *app) *cobra.Command {
	var (
		dir      string
		exitCode int
	)
	cmd := &cobra.Command{
		Use:   "log [command...]",
		Short: "Record a command (redacted) in history",
		Long: `Record a command in history. The command text is taken from the
arguments, or from stdin when no arguments are given, which is how the
shell hook feeds it in.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			command := strings.Join(args, " ")
			if command == "" {
				sc := bufio.NewScanner(os.Stdin)
				sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
				var lines []string
				for sc.Scan() {
					lines = append(lines, sc.Text())
				}
				if err := sc.Err(); err != nil {
					return err
				}
				command = strings.Join(lines, "\n")
			}
			if dir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				dir = wd
			}
			var ec *int
			if cmd.Flags().Changed("exit") {
				ec = &exitCode
			}

			b, err := a.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			ref, err := b.Log(cmd.Context(), command, dir, ec)
			if err != nil {
				return err
			}
			if ref.Redacted {
				logger.GetLogger().Debug().Int("tokens", ref.Tokens).Msg("command logged with redactions")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "working directory (default: current)")
	cmd.Flags().IntVar(&exitCode, "exit", 0, "exit code of the command")
	return cmd
}

// filterFlags are the structural filters shared by search and export.
type filterFlags struct {
	dir          string
	since        string
	before       string
	redactedOnly bool
	limit        int
}

func (ff *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&ff.dir, "dir", "", "only entries under this directory prefix")
	cmd.Flags().StringVar(&ff.since, "since", "", "only entries at or after this time (RFC3339, date, or duration like 24h)")
	cmd.Flags().StringVar(&ff.before, "before", "", "only entries before this time")
	cmd.Flags().BoolVar(&ff.redactedOnly, "redacted-only", false, "only entries that were redacted")
	cmd.Flags().IntVar(&ff.limit, "limit", 0, "maximum number of entries")
}

func (ff *filterFlags) build() (storage.Filter, error) {
	f := storage.Filter{
		Directory:    ff.dir,
		RedactedOnly: ff.redactedOnly,
		Limit:        ff.limit,
	}
	since, err := parseTimeFlag(ff.since)
	if err != nil {
		return f, fmt.Errorf("--since: %w", err)
	}
	f.Since = since
	before, err := parseTimeFlag(ff.before)
	if err != nil {
		return f, fmt.Errorf("--before: %w", err)
	}
	f.Before = before
	return f, nil
}

// parseTimeFlag accepts an RFC3339 timestamp, a bare date, a date with
// time, or a duration meaning "that long ago".
func parseTimeFlag(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return &t, nil
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		t := time.Now().Add(-d)
		return &t, nil
	}
	return nil, fmt.Errorf("cannot parse %q as a time or duration", s)
}

func newSearchCmd(a *app) *cobra.Command {
	var (
		ff            filterFlags
		mode          string
		useRegex      bool
		useFuzzy      bool
		threshold     float64
		caseSensitive bool
		noHighlight   bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			m := search.ModeExact
			if mode != "" {
				var err error
				if m, err = search.ParseMode(mode); err != nil {
					return err
				}
			}
			if useRegex {
				m = search.ModeRegex
			}
			if useFuzzy {
				m = search.ModeFuzzy
			}

			f, err := ff.build()
			if err != nil {
				return err
			}
			b, err := a.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			isTTY := term.IsTerminal(int(os.Stdout.Fd()))
			opts := search.Options{
				Query:     query,
				Mode:      m,
				Limit:     ff.limit,
				Highlight: a.cfg.Search.Highlight && isTTY && !noHighlight,
			}
			// Only flags the user actually set override the config, so
			// --case-sensitive=false and --threshold 0 work as stated.
			if cmd.Flags().Changed("case-sensitive") {
				opts.CaseSensitive = &caseSensitive
			}
			if cmd.Flags().Changed("threshold") {
				opts.Threshold = &threshold
			}
			eng := search.New(b, a.cfg.Search)
			results, err := eng.Search(cmd.Context(), opts, f)
			if err != nil {
				return err
			}
			for _, r := range results {
				line := r.Command
				if r.Highlighted != "" {
					line = r.Highlighted
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n",
					r.Timestamp.Format(time.DateTime), line, r.Directory)
			}
			return nil
		},
	}
	ff.register(cmd)
	cmd.Flags().StringVar(&mode, "mode", "", "search mode (exact, regex, fuzzy)")
	cmd.Flags().BoolVarP(&useRegex, "regex", "r", false, "regular expression search")
	cmd.Flags().BoolVarP(&useFuzzy, "fuzzy", "f", false, "fuzzy search")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "fuzzy score threshold (0,1]")
	cmd.Flags().BoolVarP(&caseSensitive, "case-sensitive", "c", false, "case sensitive matching")
	cmd.Flags().BoolVar(&noHighlight, "no-highlight", false, "disable match highlighting")
	return cmd
}

func newRecentCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show the most recent commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			entries, err := b.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n",
					e.Timestamp.Format(time.DateTime), e.Command, e.Directory)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}

func newFrequentCmd(a *app) *cobra.Command {
	var (
		by    string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "frequent",
		Short: "Show the most frequent commands or directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			dim, err := storage.ParseDimension(by)
			if err != nil {
				return err
			}
			b, err := a.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			counts, err := b.Frequent(cmd.Context(), dim, limit)
			if err != nil {
				return err
			}
			for _, c := range counts {
				fmt.Fprintf(cmd.OutOrStdout(), "%6d  %s\n", c.Count, c.Value)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "command", "dimension to count (command or directory)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of rows")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show history statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			st, err := b.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Backend:           %s\n", b.Name())
			fmt.Fprintf(out, "Commands:          %d\n", st.TotalCommands)
			fmt.Fprintf(out, "Redacted commands: %d\n", st.RedactedCommands)
			if b.Name() == storage.DatabaseBackendName {
				fmt.Fprintf(out, "Sessions:          %d\n", st.TotalSessions)
				fmt.Fprintf(out, "Hosts:             %d\n", st.TotalHosts)
				fmt.Fprintf(out, "Stored tokens:     %d\n", st.StoredTokens)
			}
			if st.OldestEntry != nil {
				fmt.Fprintf(out, "Oldest entry:      %s\n", st.OldestEntry.Format(time.DateTime))
			}
			if st.NewestEntry != nil {
				fmt.Fprintf(out, "Newest entry:      %s\n", st.NewestEntry.Format(time.DateTime))
			}
			return nil
		},
	}
}

func newClearCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("%w; pass --yes to delete all history", storage.ErrNotConfirmed)
			}
			b, err := a.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			removed, err := b.Clear(cmd.Context(), yes)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d commands\n", removed)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	var (
		ff     filterFlags
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export history (json, csv, tsv or plain)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ef, err := storage.ParseExportFormat(format)
			if err != nil {
				return err
			}
			f, err := ff.build()
			if err != nil {
				return err
			}
			b, err := a.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			data, err := b.Export(cmd.Context(), ef, f)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o600)
		},
	}
	ff.register(cmd)
	cmd.Flags().StringVar(&format, "format", "json", "export format (json, csv, tsv, plain)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newMigrateCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "migrate <history-file>",
		Short: "Import a history file into the database",
		Long: `Import an existing history file into the database backend. Supported
formats are hushlog's own flat file, bash, zsh (extended) and fish;
with --format auto the file is sniffed. Already imported entries are
skipped, so rerunning a migration is safe.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			imf, err := storage.ParseImportFormat(format)
			if err != nil {
				return err
			}
			b, err := a.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			report, err := b.Migrate(cmd.Context(), args[0], imf)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d commands (%d duplicates, %d skipped) into session %s\n",
				report.Imported, report.Duplicates, report.Skipped, report.SessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "auto", "source format (auto, hushlog, bash, zsh, fish)")
	return cmd
}

func newMergeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <database-file>",
		Short: "Merge another hushlog database into this one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			report, err := b.Merge(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"Merged %d commands and %d tokens (%d already present); created %d hosts, %d sessions\n",
				report.CommandsMerged, report.TokensMerged, report.CommandsSkipped,
				report.HostsCreated, report.SessionsCreated)
			return nil
		},
	}
}

func newTokensCmd(a *app) *cobra.Command {
	var (
		sessionID  string
		commandID  int64
		dir        string
		showValues bool
	)
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "List extracted tokens",
		Long: `List tokens extracted during redaction. Original values are hidden
unless --show-values is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			tokens, err := b.Tokens(cmd.Context(), storage.TokenFilter{
				CommandID:  commandID,
				SessionID:  sessionID,
				Directory:  dir,
				ShowValues: showValues,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range tokens {
				if showValues {
					fmt.Fprintf(out, "%s  %-28s  command %d  %s\n",
						t.CreatedAt.Format(time.DateTime), t.Placeholder, t.CommandID, t.OriginalValue)
				} else {
					fmt.Fprintf(out, "%s  %-28s  command %d\n",
						t.CreatedAt.Format(time.DateTime), t.Placeholder, t.CommandID)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "only tokens from this session")
	cmd.Flags().Int64Var(&commandID, "command-id", 0, "only tokens from this command")
	cmd.Flags().StringVar(&dir, "dir", "", "only tokens from commands under this directory prefix")
	cmd.Flags().BoolVar(&showValues, "show-values", false, "print original values")
	return cmd
}

func newHostsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "List tracked hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			hosts, err := b.Hosts(cmd.Context())
			if err != nil {
				return err
			}
			for _, h := range hosts {
				fmt.Fprintf(cmd.OutOrStdout(), "%-30s  since %s\n",
					h.Hostname, h.CreatedAt.Format(time.DateOnly))
			}
			return nil
		},
	}
}

func newSessionsCmd(a *app) *cobra.Command {
	var (
		host   string
		active bool
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			sessions, err := b.Sessions(cmd.Context(), storage.SessionFilter{
				Hostname:   host,
				ActiveOnly: active,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, s := range sessions {
				state := "active"
				if s.EndedAt != nil {
					state = "ended " + s.EndedAt.Format(time.DateTime)
				}
				fmt.Fprintf(out, "%s  started %s  %s\n",
					s.ID, s.StartedAt.Format(time.DateTime), state)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "only sessions from this host")
	cmd.Flags().BoolVar(&active, "active", false, "only sessions that have not ended")
	return cmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <shell>",
		Short: "Print the shell integration snippet",
		Long: `Print the integration snippet for a shell. Evaluate it from the
shell's rc file so every executed command is recorded:

  bash:  eval "$(hushlog init bash)"
  zsh:   eval "$(hushlog init zsh)"
  fish:  hushlog init fish | source`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: shell.Shells(),
		RunE: func(cmd *cobra.Command, args []string) error {
			bin, err := os.Executable()
			if err != nil {
				bin = "hushlog"
			}
			snippet, err := shell.Hook(args[0], bin)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), snippet)
			return nil
		},
	}
}

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage the current session",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "new",
		Short: "Print a fresh session id",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), uuid.NewString())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "end [session-id]",
		Short: "Mark a session as ended (default: the current one)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()

			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return b.EndSession(cmd.Context(), id)
		},
	})
	return cmd
}

func newValidateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <pattern> <sample>",
		Short: "Try a redaction pattern against sample text",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := redact.Validate(args[0], args[1], a.cfg.Redaction.MinSecretLength)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !res.Redacted {
				fmt.Fprintln(out, "Pattern compiles but matches nothing in the sample")
				return nil
			}
			fmt.Fprintf(out, "Result: %s\n", res.Text)
			for _, t := range res.Tokens {
				fmt.Fprintf(out, "  %s -> %q\n", t.Placeholder, t.Original)
			}
			return nil
		},
	}
	return cmd
}

func newManageCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "manage",
		Short: "Browse and delete history interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdout.Fd())) {
				return errs.Errorf(errs.KindIO, "manage", "interactive mode needs a terminal")
			}
			b, err := a.openBackend()
			if err != nil {
				return err
			}
			defer b.Close()
			return tui.RunManage(cmd.Context(), b)
		},
	}
}
