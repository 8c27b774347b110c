package cli

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/verbatim/internal/config"
	"github.com/roach88/verbatim/internal/stage"
)

// writeSourceDB creates a minimal legacy-generation database in the
// current directory.
func writeSourceDB(t *testing.T) {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:chat.db")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE message (
		ROWID INTEGER PRIMARY KEY, guid TEXT, date INTEGER, is_from_me INTEGER, text TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO message VALUES
		(1, 'g-1', 1000, 1, 'hello'),
		(2, 'g-2', 2000, 0, 'world')`)
	require.NoError(t, err)
}

func TestExtractCommandEndToEnd(t *testing.T) {
	t.Chdir(t.TempDir())
	writeSourceDB(t)

	root := NewRootCommand()
	root.SetArgs([]string{"extract", "--live", "chat.db", "--out", "out"})
	require.NoError(t, root.Execute())

	data, err := os.ReadFile(filepath.Join("out", "messages.ndjson"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":"g-1"`)
	assert.Contains(t, string(data), `"id":"g-2"`)

	_, err = os.Stat(filepath.Join("out", "report.json"))
	require.NoError(t, err)
}

func TestExtractRequiresASource(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"extract"})

	err := root.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestExtractMissingSourceIsCommandError(t *testing.T) {
	t.Chdir(t.TempDir())

	root := NewRootCommand()
	root.SetArgs([]string{"extract", "--live", "nope.db"})

	err := root.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())
	writeSourceDB(t)

	cfgYAML := "source:\n  livePath: from-file.db\noutput:\n  dir: file-out\n"
	require.NoError(t, os.WriteFile("verbatim.yaml", []byte(cfgYAML), 0o644))

	root := NewRootCommand()
	root.SetArgs([]string{"--config", "verbatim.yaml", "extract", "--live", "chat.db", "--out", "flag-out"})
	require.NoError(t, root.Execute())

	_, err := os.Stat(filepath.Join("flag-out", "messages.ndjson"))
	require.NoError(t, err, "flag values win over file values")
	_, err = os.Stat("file-out")
	assert.True(t, os.IsNotExist(err))
}

func TestProbeCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	writeSourceDB(t)

	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"probe", "--live", "chat.db", "--json"})
	require.NoError(t, root.Execute())

	var res ProbeResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, "live", res.SourceKind)
	assert.Equal(t, "legacy", res.Generation)
	assert.Equal(t, 2, res.Rows)
	assert.Zero(t, res.Attachments)

	// No sinks were written.
	entries, err := os.ReadDir(".")
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "out", e.Name())
	}
}

func TestProbeDescriptorReadsPassphraseEnv(t *testing.T) {
	t.Setenv(config.PassphraseEnv, "hunter2")

	desc := sourceDescriptor("", "/backups/phone")
	assert.Equal(t, "/backups/phone", desc.BackupRoot)
	assert.Equal(t, "hunter2", desc.Passphrase)
	assert.Equal(t, stage.SourceBackup, desc.Kind())
}

func TestProbeRejectsBothSources(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"probe", "--live", "a.db", "--backup", "b"})

	err := root.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
