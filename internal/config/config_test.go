package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "verbatim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := writeConfig(t, `
source:
  livePath: /tmp/chat.db
attachments:
  materialize: true
  workers: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/chat.db", cfg.Source.LivePath)
	assert.True(t, cfg.Attachments.Materialize)
	assert.Equal(t, 4, cfg.Attachments.Workers)
	// untouched defaults survive
	assert.Equal(t, "out", cfg.Output.Dir)
	assert.Equal(t, "off", cfg.Transcribe.Mode)
}

func TestPassphraseEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
source:
  backupRoot: /backups/device
  passphrase: from-file
`)
	t.Setenv("VERBATIM_BACKUP_PASSPHRASE", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Source.Passphrase)
}

func TestValidateSourceExclusivity(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate(), "no source configured")

	cfg.Source.LivePath = "/a"
	assert.NoError(t, cfg.Validate())

	cfg.Source.BackupRoot = "/b"
	assert.Error(t, cfg.Validate(), "both sources configured")
}

func TestValidateTranscribeMode(t *testing.T) {
	cfg := Default()
	cfg.Source.LivePath = "/a"

	cfg.Transcribe.Mode = "exec"
	assert.Error(t, cfg.Validate(), "exec mode requires binary")

	cfg.Transcribe.Binary = "/usr/local/bin/whisper"
	assert.NoError(t, cfg.Validate())

	cfg.Transcribe.Mode = "cloud"
	assert.Error(t, cfg.Validate())
}
