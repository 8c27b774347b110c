// Package stage obtains a lock-safe, mutation-free working copy of the
// source database. The original is never written; all output goes to a
// private uuid-named directory that is exclusively owned by one run.
package stage

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/roach88/verbatim/internal/problem"
)

// SourceKind distinguishes the two staging topologies.
type SourceKind string

const (
	SourceLive   SourceKind = "live"
	SourceBackup SourceKind = "backup"
)

// Descriptor names a source database. Exactly one of LivePath and
// BackupRoot is set.
type Descriptor struct {
	LivePath   string
	BackupRoot string
	Passphrase string
}

// Kind returns the staging topology for the descriptor.
func (d Descriptor) Kind() SourceKind {
	if d.BackupRoot != "" {
		return SourceBackup
	}
	return SourceLive
}

// Staged is the private working copy of the source database.
type Staged struct {
	// DBPath is the staged primary database file.
	DBPath string
	// WorkDir is the private directory holding the copy.
	WorkDir string
	// Kind records which topology produced the copy.
	Kind SourceKind
	// SourceRef is the redacted origin identifier carried into every
	// emitted record.
	SourceRef string
	// Backup is non-nil for backup sources and resolves further files
	// (attachments) out of the same manifest index used for staging.
	Backup *BackupIndex

	retain bool
}

// Options control staging behavior.
type Options struct {
	// Dir overrides the parent of the private working directory.
	Dir string
	// Retain keeps the working copy after Cleanup for chain-of-custody.
	Retain bool
}

// Stage produces a read-consistent private copy of the database named by
// the descriptor. Acquisition failures are fatal and carry a stable
// problem code.
func Stage(ctx context.Context, desc Descriptor, opts Options) (*Staged, error) {
	workDir, err := newWorkDir(opts.Dir)
	if err != nil {
		return nil, problem.Wrap(problem.CodeStagingFailed, "cannot create staging directory", opts.Dir, err)
	}

	var staged *Staged
	switch desc.Kind() {
	case SourceBackup:
		staged, err = stageBackup(ctx, desc, workDir)
	default:
		staged, err = stageLive(ctx, desc.LivePath, workDir)
	}
	if err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	staged.retain = opts.Retain
	return staged, nil
}

// Cleanup removes the working copy unless retention was requested. Safe
// to call on every exit path, including after failures. The manifest
// handle closes either way; retention keeps files, not open handles.
func (s *Staged) Cleanup() error {
	if s == nil {
		return nil
	}
	if s.Backup != nil {
		s.Backup.Close()
	}
	if s.retain || s.WorkDir == "" {
		return nil
	}
	return os.RemoveAll(s.WorkDir)
}

// stageLive copies the primary database together with its write-ahead log
// and shared-memory file. Copying all three is mandatory: omitting the
// WAL silently loses not-yet-checkpointed (including recently deleted)
// rows.
func stageLive(ctx context.Context, srcPath, workDir string) (*Staged, error) {
	if _, err := os.Stat(srcPath); err != nil {
		return nil, problem.Wrap(problem.CodeDatabaseNotFound, "source database not found", srcPath, err)
	}

	dst := filepath.Join(workDir, "chat.db")
	if err := copyFile(ctx, srcPath, dst); err != nil {
		return nil, problem.Wrap(problem.CodeStagingFailed, "cannot copy source database", srcPath, err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		src := srcPath + suffix
		if _, err := os.Stat(src); err != nil {
			continue // auxiliary files are optional on a checkpointed database
		}
		if err := copyFile(ctx, src, dst+suffix); err != nil {
			return nil, problem.Wrap(problem.CodeStagingFailed, "cannot copy auxiliary file", src, err)
		}
	}

	return &Staged{
		DBPath:    dst,
		WorkDir:   workDir,
		Kind:      SourceLive,
		SourceRef: problem.RedactPath(srcPath),
	}, nil
}

func newWorkDir(parent string) (string, error) {
	if parent == "" {
		parent = os.TempDir()
	}
	dir := filepath.Join(parent, "verbatim-stage-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// copyFile copies src to dst, checking the context between chunks so
// staging never blocks past cancellation.
func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 1<<20)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := in.Read(buf)
		if n > 0 {
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}
	return out.Sync()
}

func writeStagedFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}