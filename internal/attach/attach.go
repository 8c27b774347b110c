// Package attach maps attachment references to retrievable byte sources
// across the two storage topologies: live filesystem paths and hashed
// backup blobs. Attachment bytes are never embedded in messages.
package attach

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"

	"github.com/roach88/verbatim/internal/canon"
)

// Row is one attachment association as read from the staged database.
type Row struct {
	MessageRowID int64
	StoredPath   string
	TransferName string
	MIMEType     string
}

// Missing records an attachment whose byte source could not be reached.
// The owning message still emits.
type Missing struct {
	MessageID string `json:"message_id"`
	Filename  string `json:"filename"`
	Reason    string `json:"reason"`
}

// ByteSource locates and reads attachment bytes for one topology.
type ByteSource interface {
	// Locate resolves the stored path to a retrievable byte-source
	// path without reading it.
	Locate(ctx context.Context, storedPath string) (string, error)
	// Read returns the attachment bytes.
	Read(ctx context.Context, storedPath string) ([]byte, error)
}

// ReadRows loads attachment associations in deterministic join order.
func ReadRows(ctx context.Context, db *sql.DB) ([]Row, error) {
	if !tableExists(ctx, db, "attachment") || !tableExists(ctx, db, "message_attachment_join") {
		return nil, nil
	}

	query, args, err := sq.Select(
		"maj.message_id", "a.filename", "a.transfer_name", "a.mime_type").
		From("message_attachment_join maj").
		Join("attachment a ON a.ROWID = maj.attachment_id").
		OrderBy("maj.message_id ASC", "a.ROWID ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("attach: building query: %w", err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("attach: querying attachments: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var stored, transfer, mime sql.NullString
		if err := rows.Scan(&r.MessageRowID, &stored, &transfer, &mime); err != nil {
			return nil, fmt.Errorf("attach: scanning attachment: %w", err)
		}
		r.StoredPath = stored.String
		r.TransferName = transfer.String
		r.MIMEType = mime.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Resolver resolves attachment rows against a byte source and optionally
// materializes copies under content-hash names.
type Resolver struct {
	Source ByteSource
	// MaterializeDir, when set, receives a copy of every resolved
	// attachment named by its content hash. Hashing the copied bytes
	// makes re-runs idempotent and tampering evident.
	MaterializeDir string
	// Workers bounds parallel resolution; values below 1 mean serial.
	Workers int

	mu      sync.Mutex
	missing []Missing
}

// Apply resolves every attachment row onto its owning message. Messages
// are keyed by the source row id. Missing byte sources are recorded, not
// fatal; the owning message keeps a reference without a resolved path
// and gets flagged in its provenance bag.
func (r *Resolver) Apply(ctx context.Context, rows []Row, byRowID map[int64]*canon.Message) (int, error) {
	type task struct {
		row Row
		msg *canon.Message
		idx int // index into msg.Attachments; appends may reallocate
	}

	// Attach references serially first so each message's attachment
	// list keeps join order regardless of worker scheduling.
	var tasks []task
	for _, row := range rows {
		msg := byRowID[row.MessageRowID]
		if msg == nil {
			continue // attachment of a folded reaction row
		}
		msg.Attachments = append(msg.Attachments, canon.AttachmentRef{
			Type:     classify(row.MIMEType, row.StoredPath),
			Filename: displayName(row),
			MIMEType: row.MIMEType,
		})
		tasks = append(tasks, task{row: row, msg: msg, idx: len(msg.Attachments) - 1})
	}

	workers := r.Workers
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	resolved := 0
	var resolvedMu sync.Mutex

	for _, tk := range tasks {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(tk task) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := r.resolveOne(ctx, tk.row, tk.msg, &tk.msg.Attachments[tk.idx]); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					errOnce.Do(func() { firstErr = err })
				}
				return
			}
			resolvedMu.Lock()
			resolved++
			resolvedMu.Unlock()
		}(tk)
	}
	wg.Wait()

	return resolved, firstErr
}

// resolveOne fills in the resolved path (and hash, when materializing)
// for a single reference, or records it missing.
func (r *Resolver) resolveOne(ctx context.Context, row Row, msg *canon.Message, ref *canon.AttachmentRef) error {
	record := func(reason string) {
		r.mu.Lock()
		r.missing = append(r.missing, Missing{MessageID: msg.ID, Filename: ref.Filename, Reason: reason})
		msg.Meta("attachment_unresolved", true)
		r.mu.Unlock()
	}

	if row.StoredPath == "" {
		record("no stored path")
		return nil
	}

	path, err := r.Source.Locate(ctx, row.StoredPath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		record(err.Error())
		return nil
	}

	if r.MaterializeDir == "" {
		r.mu.Lock()
		ref.ResolvedPath = path
		r.mu.Unlock()
		return nil
	}

	data, err := r.Source.Read(ctx, row.StoredPath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		record(err.Error())
		return nil
	}

	digest := canon.AttachmentDigest(data)
	dst := filepath.Join(r.MaterializeDir, digest+strings.ToLower(filepath.Ext(ref.Filename)))
	if _, statErr := os.Stat(dst); statErr != nil {
		if err := os.MkdirAll(r.MaterializeDir, 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(dst, data, 0o600); err != nil {
			return err
		}
	}

	r.mu.Lock()
	ref.ResolvedPath = dst
	ref.ContentHash = digest
	r.mu.Unlock()
	return nil
}

// MissingList returns the recorded gaps in a stable order.
func (r *Resolver) MissingList() []Missing {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Missing, len(r.missing))
	copy(out, r.missing)
	sortMissing(out)
	return out
}

func sortMissing(list []Missing) {
	// Resolution runs in parallel, so recording order is not stable;
	// sort before emitting.
	sort.Slice(list, func(i, j int) bool {
		if list[i].MessageID != list[j].MessageID {
			return list[i].MessageID < list[j].MessageID
		}
		return list[i].Filename < list[j].Filename
	})
}

func displayName(row Row) string {
	if row.TransferName != "" {
		return row.TransferName
	}
	return filepath.Base(row.StoredPath)
}

// classify buckets an attachment by MIME type, falling back to the file
// extension for records without one.
func classify(mime, storedPath string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	}
	switch strings.ToLower(filepath.Ext(storedPath)) {
	case ".heic", ".jpg", ".jpeg", ".png", ".gif":
		return "image"
	case ".caf", ".m4a", ".amr", ".mp3", ".wav":
		return "audio"
	case ".mov", ".mp4":
		return "video"
	}
	return "file"
}

func tableExists(ctx context.Context, db *sql.DB, name string) bool {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	return err == nil && n > 0
}
