package stage

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"howett.net/plist"

	"github.com/roach88/verbatim/internal/problem"
)

// Logical location of the message database inside a device backup. The
// physical file lives under a content-hash-derived name; only the
// manifest knows the mapping.
const (
	messageDBDomain = "HomeDomain"
	messageDBPath   = "Library/SMS/sms.db"
)

// manifestMeta is the subset of Manifest.plist the stager needs.
type manifestMeta struct {
	IsEncrypted  bool   `plist:"IsEncrypted"`
	BackupKeyBag []byte `plist:"BackupKeyBag"`
	ManifestKey  []byte `plist:"ManifestKey"`
}

// BackupIndex resolves logical file identities to physical content-hash
// named files inside a backup container. The same index stages the
// message database and later resolves attachments.
type BackupIndex struct {
	Root string

	db     *sql.DB
	keybag *keybag
}

// stageBackup maps the logical message database through the backup
// manifest, decrypting the manifest and the database blob when the backup
// is encrypted, and copies the result into the private working directory.
func stageBackup(ctx context.Context, desc Descriptor, workDir string) (*Staged, error) {
	idx, err := openBackupIndex(ctx, desc, workDir)
	if err != nil {
		return nil, err
	}

	data, err := idx.ReadFile(ctx, messageDBDomain, messageDBPath)
	if err != nil {
		idx.Close()
		if errors.Is(err, os.ErrNotExist) {
			return nil, problem.Wrap(problem.CodeDatabaseNotFound, "message database not present in backup", desc.BackupRoot, err)
		}
		return nil, err
	}

	dst := filepath.Join(workDir, "chat.db")
	if err := writeStagedFile(dst, data); err != nil {
		idx.Close()
		return nil, problem.Wrap(problem.CodeStagingFailed, "cannot write staged database", dst, err)
	}

	return &Staged{
		DBPath:    dst,
		WorkDir:   workDir,
		Kind:      SourceBackup,
		SourceRef: problem.RedactPath(desc.BackupRoot),
		Backup:    idx,
	}, nil
}

// openBackupIndex reads Manifest.plist, unlocks the keybag if the backup
// is encrypted, and opens a staged (plaintext) copy of Manifest.db.
func openBackupIndex(ctx context.Context, desc Descriptor, workDir string) (*BackupIndex, error) {
	metaPath := filepath.Join(desc.BackupRoot, "Manifest.plist")
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, problem.Wrap(problem.CodeManifestMissing, "backup manifest metadata unreadable", metaPath, err)
	}
	var meta manifestMeta
	if _, err := plist.Unmarshal(metaBytes, &meta); err != nil {
		return nil, problem.Wrap(problem.CodeManifestMissing, "backup manifest metadata malformed", metaPath, err)
	}

	dbPath := filepath.Join(desc.BackupRoot, "Manifest.db")
	dbBytes, err := os.ReadFile(dbPath)
	if err != nil {
		return nil, problem.Wrap(problem.CodeManifestMissing, "backup manifest index unreadable", dbPath, err)
	}

	idx := &BackupIndex{Root: desc.BackupRoot}

	if meta.IsEncrypted {
		if desc.Passphrase == "" {
			return nil, problem.New(problem.CodePassphraseRequired, "backup is encrypted and no passphrase was provided", desc.BackupRoot)
		}
		kb, err := parseKeybag(meta.BackupKeyBag)
		if err != nil {
			return nil, problem.Wrap(problem.CodeDecryptFailed, "backup keybag malformed", desc.BackupRoot, err)
		}
		if err := kb.Unlock(ctx, desc.Passphrase); err != nil {
			return nil, problem.Wrap(problem.CodeDecryptFailed, "passphrase does not unlock backup keybag", desc.BackupRoot, err)
		}
		if len(meta.ManifestKey) < 4 {
			return nil, problem.New(problem.CodeDecryptFailed, "backup manifest key missing", desc.BackupRoot)
		}
		class := binary.LittleEndian.Uint32(meta.ManifestKey[:4])
		key, err := kb.UnwrapKey(class, meta.ManifestKey[4:])
		if err != nil {
			return nil, problem.Wrap(problem.CodeDecryptFailed, "cannot unwrap manifest key", desc.BackupRoot, err)
		}
		dbBytes, err = decryptCBC(key, dbBytes)
		if err != nil {
			return nil, problem.Wrap(problem.CodeDecryptFailed, "cannot decrypt manifest index", desc.BackupRoot, err)
		}
		// The manifest index is always padded at encryption time.
		dbBytes = stripPKCS7(dbBytes)
		idx.keybag = kb
	}

	stagedManifest := filepath.Join(workDir, "Manifest.db")
	if err := writeStagedFile(stagedManifest, dbBytes); err != nil {
		return nil, problem.Wrap(problem.CodeStagingFailed, "cannot stage manifest index", stagedManifest, err)
	}

	db, err := openReadOnly(stagedManifest)
	if err != nil {
		return nil, problem.Wrap(problem.CodeManifestMissing, "backup manifest index is not a readable database", stagedManifest, err)
	}
	idx.db = db
	return idx, nil
}

// FileID computes the content-hash-derived physical filename for a
// logical file identity.
func FileID(domain, relativePath string) string {
	sum := sha1.Sum([]byte(domain + "-" + relativePath))
	return hex.EncodeToString(sum[:])
}

// ReadFile resolves a logical file through the manifest and returns its
// (decrypted, for encrypted backups) bytes. Returns an error wrapping
// os.ErrNotExist when the manifest has no entry or the blob is absent on
// disk, which callers treat as a recoverable gap for attachments.
func (b *BackupIndex) ReadFile(ctx context.Context, domain, relativePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var fileID string
	var record []byte
	row := b.db.QueryRowContext(ctx,
		`SELECT fileID, file FROM Files WHERE domain = ? AND relativePath = ?`,
		domain, relativePath)
	if err := row.Scan(&fileID, &record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s/%s not in manifest: %w", domain, relativePath, os.ErrNotExist)
		}
		return nil, fmt.Errorf("manifest query: %w", err)
	}

	data, err := b.readBlob(fileID)
	if err != nil {
		return nil, err
	}

	if b.keybag != nil {
		key, err := fileEncryptionKey(record, b.keybag)
		if err != nil {
			return nil, fmt.Errorf("file key for %s: %w", fileID, err)
		}
		data, err = decryptCBC(key, data)
		if err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", fileID, err)
		}
		// The archived record carries the plaintext length; truncating
		// to it never mistakes genuine trailing bytes for padding.
		if size, ok := fileRecordSize(record); ok && size <= uint64(len(data)) {
			data = data[:size]
		} else {
			data = stripPKCS7(data)
		}
	}
	return data, nil
}

// Locate resolves a logical file to its physical blob path without
// reading it. Returns an error wrapping os.ErrNotExist when the manifest
// has no entry or the blob is missing on disk.
func (b *BackupIndex) Locate(ctx context.Context, domain, relativePath string) (string, error) {
	var fileID string
	row := b.db.QueryRowContext(ctx,
		`SELECT fileID FROM Files WHERE domain = ? AND relativePath = ?`,
		domain, relativePath)
	if err := row.Scan(&fileID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%s/%s not in manifest: %w", domain, relativePath, os.ErrNotExist)
		}
		return "", fmt.Errorf("manifest query: %w", err)
	}

	sharded := filepath.Join(b.Root, fileID[:2], fileID)
	if _, err := os.Stat(sharded); err == nil {
		return sharded, nil
	}
	flat := filepath.Join(b.Root, fileID)
	if _, err := os.Stat(flat); err == nil {
		return flat, nil
	}
	return "", fmt.Errorf("backup blob %s: %w", fileID, os.ErrNotExist)
}

// readBlob locates the physical file for a fileID. Current backups shard
// blobs into two-character subdirectories; older ones are flat.
func (b *BackupIndex) readBlob(fileID string) ([]byte, error) {
	sharded := filepath.Join(b.Root, fileID[:2], fileID)
	if data, err := os.ReadFile(sharded); err == nil {
		return data, nil
	}
	data, err := os.ReadFile(filepath.Join(b.Root, fileID))
	if err != nil {
		return nil, fmt.Errorf("backup blob %s: %w", fileID, os.ErrNotExist)
	}
	return data, nil
}

// Close releases the manifest database handle.
func (b *BackupIndex) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// fileRecordSize extracts the recorded plaintext length from the
// manifest's archived file record.
func fileRecordSize(record []byte) (uint64, bool) {
	var archive struct {
		Objects []any `plist:"$objects"`
	}
	if _, err := plist.Unmarshal(record, &archive); err != nil {
		return 0, false
	}
	for _, obj := range archive.Objects {
		dict, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		switch size := dict["Size"].(type) {
		case uint64:
			return size, true
		case int64:
			if size >= 0 {
				return uint64(size), true
			}
		}
	}
	return 0, false
}

// fileEncryptionKey digs the per-file wrapped key out of the manifest's
// archived file record and unwraps it with the matching class key. The
// record is a keyed archive; the wrapped key lives in an EncryptionKey
// entry whose payload is a 4-byte protection class followed by the
// wrapped key bytes.
func fileEncryptionKey(record []byte, kb *keybag) ([]byte, error) {
	var archive struct {
		Objects []any `plist:"$objects"`
	}
	if _, err := plist.Unmarshal(record, &archive); err != nil {
		return nil, fmt.Errorf("file record malformed: %w", err)
	}
	for _, obj := range archive.Objects {
		dict, ok := obj.(map[string]any)
		if !ok {
			continue
		}
		raw, ok := dict["NS.data"].([]byte)
		if !ok || len(raw) < 4 {
			continue
		}
		class := binary.LittleEndian.Uint32(raw[:4])
		if _, known := kb.wrapped[class]; !known {
			continue
		}
		return kb.UnwrapKey(class, raw[4:])
	}
	return nil, fmt.Errorf("no encryption key in file record")
}
