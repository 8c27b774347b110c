// Package config loads run configuration from a YAML file. Flags set on
// the command line take precedence over file values.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds settings for one extraction run.
type Config struct {
	Source      SourceConfig     `yaml:"source"`
	Output      OutputConfig     `yaml:"output"`
	Attachments AttachmentConfig `yaml:"attachments"`
	Transcribe  TranscribeConfig `yaml:"transcribe"`
	Staging     StagingConfig    `yaml:"staging"`
}

// SourceConfig describes where the source database lives.
type SourceConfig struct {
	// LivePath points at a chat database on the local filesystem.
	LivePath string `yaml:"livePath"`
	// BackupRoot points at a device-backup directory.
	BackupRoot string `yaml:"backupRoot"`
	// Passphrase unlocks an encrypted backup. Prefer the
	// VERBATIM_BACKUP_PASSPHRASE environment variable over the file.
	Passphrase string `yaml:"passphrase"`
}

// OutputConfig describes the emitted sinks.
type OutputConfig struct {
	Dir string `yaml:"dir"`
}

// AttachmentConfig controls attachment resolution.
type AttachmentConfig struct {
	// Materialize copies resolved attachment bytes into the output
	// workarea under content-hash names.
	Materialize bool `yaml:"materialize"`
	// Workers bounds parallel attachment resolution. Zero means serial.
	Workers int `yaml:"workers"`
}

// TranscribeConfig selects the audio transcription engine.
type TranscribeConfig struct {
	// Mode is one of "off", "stub", "exec".
	Mode string `yaml:"mode"`
	// Binary is the local speech-to-text executable for exec mode.
	// Audio never leaves the machine.
	Binary string `yaml:"binary"`
	// Model is passed to the binary verbatim; a fixed model keeps
	// transcripts deterministic across runs.
	Model string `yaml:"model"`
}

// StagingConfig controls the private working copy.
type StagingConfig struct {
	// Retain keeps the staged copy after the run for chain-of-custody.
	Retain bool `yaml:"retain"`
	// Dir overrides the staging parent directory (default os.TempDir).
	Dir string `yaml:"dir"`
}

// PassphraseEnv supplies the backup passphrase without putting it in a
// file or on the command line.
const PassphraseEnv = "VERBATIM_BACKUP_PASSPHRASE"

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Output:     OutputConfig{Dir: "out"},
		Transcribe: TranscribeConfig{Mode: "off"},
	}
}

// Load reads a YAML config file, layering it over Default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(PassphraseEnv); v != "" {
		c.Source.Passphrase = v
	}
}

// Validate checks that exactly one source is configured.
func (c *Config) Validate() error {
	if c.Source.LivePath == "" && c.Source.BackupRoot == "" {
		return fmt.Errorf("config: either source.livePath or source.backupRoot is required")
	}
	if c.Source.LivePath != "" && c.Source.BackupRoot != "" {
		return fmt.Errorf("config: livePath and backupRoot are mutually exclusive")
	}
	switch c.Transcribe.Mode {
	case "", "off", "stub", "exec":
	default:
		return fmt.Errorf("config: unknown transcribe mode %q", c.Transcribe.Mode)
	}
	if c.Transcribe.Mode == "exec" && c.Transcribe.Binary == "" {
		return fmt.Errorf("config: transcribe.binary is required in exec mode")
	}
	return nil
}
