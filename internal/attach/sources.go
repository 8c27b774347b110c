package attach

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/verbatim/internal/stage"
)

// LiveSource resolves stored paths against a live filesystem. Stored
// paths use a "~/" prefix for the message owner's home directory.
type LiveSource struct {
	// Home replaces the "~" prefix in stored paths. Empty means the
	// current user's home directory.
	Home string
}

func (s LiveSource) expand(storedPath string) (string, error) {
	if !strings.HasPrefix(storedPath, "~/") && storedPath != "~" {
		return storedPath, nil
	}
	home := s.Home
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expanding %q: %w", storedPath, err)
		}
	}
	return filepath.Join(home, strings.TrimPrefix(storedPath, "~")), nil
}

// Locate verifies the file exists and returns its absolute path.
func (s LiveSource) Locate(ctx context.Context, storedPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.expand(storedPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

func (s LiveSource) Read(ctx context.Context, storedPath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.expand(storedPath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Attachment blobs live in a different backup domain than the message
// database, under a shifted library path.
const (
	attachmentDomain     = "MediaDomain"
	liveAttachmentPrefix = "~/Library/Messages/Attachments/"
	backupAttachmentPath = "Library/SMS/Attachments/"
)

// BackupSource resolves stored paths through a backup manifest. The
// database records paths as they were on the device; the backup files
// the same bytes under MediaDomain with an SMS library prefix.
type BackupSource struct {
	Index *stage.BackupIndex
}

func (s BackupSource) relative(storedPath string) (string, error) {
	if strings.HasPrefix(storedPath, liveAttachmentPrefix) {
		return backupAttachmentPath + strings.TrimPrefix(storedPath, liveAttachmentPrefix), nil
	}
	// Some records already carry the library-relative form.
	if strings.HasPrefix(storedPath, backupAttachmentPath) {
		return storedPath, nil
	}
	return "", fmt.Errorf("stored path %q is outside the attachment library", storedPath)
}

func (s BackupSource) Locate(ctx context.Context, storedPath string) (string, error) {
	rel, err := s.relative(storedPath)
	if err != nil {
		return "", err
	}
	return s.Index.Locate(ctx, attachmentDomain, rel)
}

func (s BackupSource) Read(ctx context.Context, storedPath string) ([]byte, error) {
	rel, err := s.relative(storedPath)
	if err != nil {
		return nil, err
	}
	return s.Index.ReadFile(ctx, attachmentDomain, rel)
}
