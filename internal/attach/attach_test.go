package attach

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/verbatim/internal/canon"
)

func buildAttachmentDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	stmts := []string{
		`CREATE TABLE attachment (ROWID INTEGER PRIMARY KEY, filename TEXT, transfer_name TEXT, mime_type TEXT)`,
		`CREATE TABLE message_attachment_join (message_id INTEGER, attachment_id INTEGER)`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err)
	}
	return db
}

func insertAttachment(t *testing.T, db *sql.DB, messageRowID int64, stored, transfer, mime string) {
	t.Helper()
	res, err := db.Exec(`INSERT INTO attachment (filename, transfer_name, mime_type) VALUES (?, ?, ?)`,
		sql.NullString{String: stored, Valid: stored != ""},
		sql.NullString{String: transfer, Valid: transfer != ""},
		sql.NullString{String: mime, Valid: mime != ""})
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO message_attachment_join VALUES (?, ?)`, messageRowID, id)
	require.NoError(t, err)
}

func TestReadRowsJoinOrder(t *testing.T) {
	db := buildAttachmentDB(t)
	insertAttachment(t, db, 2, "~/Library/Messages/Attachments/ab/photo.jpeg", "photo.jpeg", "image/jpeg")
	insertAttachment(t, db, 1, "~/Library/Messages/Attachments/cd/voice.caf", "voice.caf", "audio/x-caf")
	insertAttachment(t, db, 1, "~/Library/Messages/Attachments/ef/clip.mov", "", "")

	rows, err := ReadRows(context.Background(), db)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// Ordered by owning message, then attachment rowid.
	assert.Equal(t, int64(1), rows[0].MessageRowID)
	assert.Equal(t, "voice.caf", rows[0].TransferName)
	assert.Equal(t, int64(1), rows[1].MessageRowID)
	assert.Equal(t, int64(2), rows[2].MessageRowID)
}

func TestReadRowsWithoutAttachmentTables(t *testing.T) {
	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "bare.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`CREATE TABLE message (ROWID INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	rows, err := ReadRows(context.Background(), db)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestLiveSourceExpandsHome(t *testing.T) {
	home := t.TempDir()
	dir := filepath.Join(home, "Library", "Messages", "Attachments", "ab")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "photo.jpeg"), []byte("jpegbytes"), 0o644))

	src := LiveSource{Home: home}

	path, err := src.Locate(context.Background(), "~/Library/Messages/Attachments/ab/photo.jpeg")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "photo.jpeg"), path)

	data, err := src.Read(context.Background(), "~/Library/Messages/Attachments/ab/photo.jpeg")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpegbytes"), data)

	_, err = src.Locate(context.Background(), "~/Library/Messages/Attachments/ab/gone.jpeg")
	assert.Error(t, err)
}

func TestBackupSourcePathMapping(t *testing.T) {
	var src BackupSource

	rel, err := src.relative("~/Library/Messages/Attachments/ab/cd/photo.jpeg")
	require.NoError(t, err)
	assert.Equal(t, "Library/SMS/Attachments/ab/cd/photo.jpeg", rel)

	rel, err = src.relative("Library/SMS/Attachments/ab/cd/photo.jpeg")
	require.NoError(t, err)
	assert.Equal(t, "Library/SMS/Attachments/ab/cd/photo.jpeg", rel)

	_, err = src.relative("/etc/passwd")
	assert.Error(t, err)
}

// mapSource serves attachment bytes from memory.
type mapSource map[string][]byte

func (m mapSource) Locate(_ context.Context, storedPath string) (string, error) {
	if _, ok := m[storedPath]; !ok {
		return "", fmt.Errorf("%s: %w", storedPath, os.ErrNotExist)
	}
	return "mem:" + storedPath, nil
}

func (m mapSource) Read(_ context.Context, storedPath string) ([]byte, error) {
	data, ok := m[storedPath]
	if !ok {
		return nil, fmt.Errorf("%s: %w", storedPath, os.ErrNotExist)
	}
	return data, nil
}

func messageFixture(id string) *canon.Message {
	return &canon.Message{ID: id, Sender: "self", Conversation: "c-1"}
}

func TestApplyResolvesAndFlagsMissing(t *testing.T) {
	src := mapSource{"~/Library/Messages/Attachments/ab/photo.jpeg": []byte("jpegbytes")}
	msgs := map[int64]*canon.Message{
		1: messageFixture("m-1"),
		2: messageFixture("m-2"),
	}
	rows := []Row{
		{MessageRowID: 1, StoredPath: "~/Library/Messages/Attachments/ab/photo.jpeg", TransferName: "photo.jpeg", MIMEType: "image/jpeg"},
		{MessageRowID: 2, StoredPath: "~/Library/Messages/Attachments/cd/gone.mov", TransferName: "gone.mov", MIMEType: "video/quicktime"},
	}

	r := &Resolver{Source: src, Workers: 4}
	resolved, err := r.Apply(context.Background(), rows, msgs)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	require.Len(t, msgs[1].Attachments, 1)
	got := msgs[1].Attachments[0]
	assert.Equal(t, "image", got.Type)
	assert.Equal(t, "photo.jpeg", got.Filename)
	assert.Equal(t, "mem:~/Library/Messages/Attachments/ab/photo.jpeg", got.ResolvedPath)
	assert.Empty(t, got.ContentHash, "hashing only happens when materializing")

	// The message with the missing blob still carries the reference.
	require.Len(t, msgs[2].Attachments, 1)
	assert.Empty(t, msgs[2].Attachments[0].ResolvedPath)
	assert.Equal(t, true, msgs[2].SourceMeta["attachment_unresolved"])

	missing := r.MissingList()
	require.Len(t, missing, 1)
	assert.Equal(t, "m-2", missing[0].MessageID)
	assert.Equal(t, "gone.mov", missing[0].Filename)
}

func TestApplySkipsRowsWithoutOwner(t *testing.T) {
	r := &Resolver{Source: mapSource{}}
	rows := []Row{{MessageRowID: 99, StoredPath: "~/x", TransferName: "x"}}

	resolved, err := r.Apply(context.Background(), rows, map[int64]*canon.Message{})
	require.NoError(t, err)
	assert.Zero(t, resolved)
	assert.Empty(t, r.MissingList())
}

func TestMaterializeIsIdempotent(t *testing.T) {
	src := mapSource{"~/Library/Messages/Attachments/ab/photo.jpeg": []byte("jpegbytes")}
	dir := t.TempDir()

	run := func() canon.AttachmentRef {
		msgs := map[int64]*canon.Message{1: messageFixture("m-1")}
		r := &Resolver{Source: src, MaterializeDir: dir, Workers: 2}
		rows := []Row{{MessageRowID: 1, StoredPath: "~/Library/Messages/Attachments/ab/photo.jpeg", TransferName: "photo.jpeg", MIMEType: "image/jpeg"}}
		_, err := r.Apply(context.Background(), rows, msgs)
		require.NoError(t, err)
		require.Len(t, msgs[1].Attachments, 1)
		return msgs[1].Attachments[0]
	}

	first := run()
	second := run()

	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, first.ResolvedPath, second.ResolvedPath)

	data, err := os.ReadFile(first.ResolvedPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpegbytes"), data)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "re-running must not duplicate materialized copies")
}

func TestMissingListOrderIsStable(t *testing.T) {
	src := mapSource{}
	msgs := map[int64]*canon.Message{
		1: messageFixture("m-b"),
		2: messageFixture("m-a"),
	}
	rows := []Row{
		{MessageRowID: 1, StoredPath: "~/x/one", TransferName: "one"},
		{MessageRowID: 2, StoredPath: "~/x/two", TransferName: "two"},
		{MessageRowID: 2, StoredPath: "~/x/also", TransferName: "also"},
	}

	r := &Resolver{Source: src, Workers: 3}
	_, err := r.Apply(context.Background(), rows, msgs)
	require.NoError(t, err)

	missing := r.MissingList()
	require.Len(t, missing, 3)
	assert.Equal(t, "m-a", missing[0].MessageID)
	assert.Equal(t, "also", missing[0].Filename)
	assert.Equal(t, "two", missing[1].Filename)
	assert.Equal(t, "m-b", missing[2].MessageID)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, "image", classify("image/heic", ""))
	assert.Equal(t, "audio", classify("", "~/a/voice.CAF"))
	assert.Equal(t, "video", classify("video/quicktime", "clip.bin"))
	assert.Equal(t, "file", classify("application/pdf", "doc.pdf"))
}
