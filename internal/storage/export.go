package storage

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hushlog/hushlog/internal/errs"
)

// ExportFormat names a serialization understood by Export.
type ExportFormat string

const (
	ExportJSON  ExportFormat = "json"
	ExportCSV   ExportFormat = "csv"
	ExportTSV   ExportFormat = "tsv"
	ExportPlain ExportFormat = "plain"
)

// ParseExportFormat validates a user-supplied format name.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case ExportJSON, ExportCSV, ExportTSV, ExportPlain:
		return ExportFormat(s), nil
	default:
		return "", fmt.Errorf("unknown export format %q (want json, csv, tsv or plain)", s)
	}
}

// exportEntries serializes entries in the order given. Both backends
// hand them over newest first.
func exportEntries(format ExportFormat, entries []Entry) ([]byte, error) {
	switch format {
	case ExportJSON:
		if entries == nil {
			entries = []Entry{}
		}
		out, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return nil, errs.E(errs.KindParse, "storage.exportEntries", err)
		}
		return append(out, '\n'), nil
	case ExportCSV:
		return exportDelimited(entries, ',')
	case ExportTSV:
		return exportDelimited(entries, '\t')
	case ExportPlain:
		var buf bytes.Buffer
		for _, e := range entries {
			buf.WriteString(e.Command)
			buf.WriteByte('\n')
		}
		return buf.Bytes(), nil
	default:
		return nil, errs.Errorf(errs.KindParse, "storage.exportEntries", "unknown export format %q", format)
	}
}

func exportDelimited(entries []Entry, comma rune) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = comma
	if err := w.Write([]string{"timestamp", "directory", "redacted", "exit_code", "command"}); err != nil {
		return nil, errs.E(errs.KindIO, "storage.exportDelimited", err)
	}
	for _, e := range entries {
		exitCode := ""
		if e.ExitCode != nil {
			exitCode = strconv.Itoa(*e.ExitCode)
		}
		rec := []string{
			e.Timestamp.Format(time.RFC3339),
			e.Directory,
			strconv.FormatBool(e.Redacted),
			exitCode,
			e.Command,
		}
		if err := w.Write(rec); err != nil {
			return nil, errs.E(errs.KindIO, "storage.exportDelimited", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errs.E(errs.KindIO, "storage.exportDelimited", err)
	}
	return buf.Bytes(), nil
}
