package storage

import (
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exportFixture() []Entry {
	exit := 1
	return []Entry{
		{
			Command:   "make test",
			Timestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
			Directory: "/repo",
			Redacted:  false,
			ExitCode:  &exit,
		},
		{
			Command:   `login --password=<redacted:password:0> "quoted, with comma"`,
			Timestamp: time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC),
			Directory: "/repo",
			Redacted:  true,
		},
	}
}

func TestExportJSON(t *testing.T) {
	out, err := exportEntries(ExportJSON, exportFixture())
	require.NoError(t, err)

	var decoded []Entry
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "make test", decoded[0].Command)
	assert.True(t, decoded[1].Redacted)
	require.NotNil(t, decoded[0].ExitCode)
	assert.Equal(t, 1, *decoded[0].ExitCode)
}

func TestExportJSONEmpty(t *testing.T) {
	out, err := exportEntries(ExportJSON, nil)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(out))
}

func TestExportCSV(t *testing.T) {
	out, err := exportEntries(ExportCSV, exportFixture())
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(out))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"timestamp", "directory", "redacted", "exit_code", "command"}, records[0])
	assert.Equal(t, "2024-06-01T12:00:00Z", records[1][0])
	assert.Equal(t, "1", records[1][3])
	// Quoting survives the round trip.
	assert.Equal(t, `login --password=<redacted:password:0> "quoted, with comma"`, records[2][4])
}

func TestExportTSV(t *testing.T) {
	out, err := exportEntries(ExportTSV, exportFixture())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "timestamp\tdirectory\tredacted\texit_code\tcommand", lines[0])
}

func TestExportPlainFormat(t *testing.T) {
	out, err := exportEntries(ExportPlain, exportFixture())
	require.NoError(t, err)
	assert.Equal(t,
		"make test\nlogin --password=<redacted:password:0> \"quoted, with comma\"\n",
		string(out))
}

func TestParseExportFormat(t *testing.T) {
	for _, ok := range []string{"json", "csv", "tsv", "plain"} {
		_, err := ParseExportFormat(ok)
		assert.NoError(t, err)
	}
	_, err := ParseExportFormat("xml")
	assert.Error(t, err)
}
