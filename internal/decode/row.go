// Package decode turns platform-native message rows into draft canonical
// messages: generation-aware row reading, timestamp normalization, and
// the rich-text fallback decode chain.
package decode

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/roach88/verbatim/internal/schema"
)

// RawRow is a platform-native record as read from the staged database.
// Immutable once read; it exists only for the duration of one pipeline
// pass.
type RawRow struct {
	RowID     int64
	GUID      string
	AssocGUID string
	AssocType int64
	RawDate   int64
	Text      string
	HasText   bool
	Body      []byte // binary rich-text payload
	Summary   []byte // edit-history payload
	FromMe    bool
	Service   string
	ChatID    string
	Handle    string
}

// ReadRows scans the message table in ROWID order, joining sender and
// conversation identity where the tables exist. Scan order is the
// deterministic tie-break for everything downstream, so the ORDER BY is
// load-bearing.
func ReadRows(ctx context.Context, db *sql.DB, det schema.Detection) ([]RawRow, error) {
	type column struct {
		expr string
		scan func(*RawRow) any
	}

	cols := []column{
		{"m.ROWID", func(r *RawRow) any { return &r.RowID }},
	}

	var (
		guid, assocGUID, text, service, chatID, handle sql.NullString
		assocType, rawDate                             sql.NullInt64
		fromMe                                         sql.NullInt64
		body, summary                                  []byte
	)

	addOptional := func(col, expr string, dest any) {
		if det.Has(col) {
			cols = append(cols, column{expr, func(*RawRow) any { return dest }})
		}
	}

	addOptional("guid", "m.guid", &guid)
	addOptional("date", "m.date", &rawDate)
	addOptional("is_from_me", "m.is_from_me", &fromMe)
	addOptional("text", "m.text", &text)
	addOptional("service", "m.service", &service)
	addOptional("attributedBody", "m.attributedBody", &body)
	addOptional("message_summary_info", "m.message_summary_info", &summary)
	addOptional("associated_message_guid", "m.associated_message_guid", &assocGUID)
	addOptional("associated_message_type", "m.associated_message_type", &assocType)

	builder := sq.Select().From("message m").OrderBy("m.ROWID ASC")

	if tableExists(ctx, db, "handle") && det.Has("handle_id") {
		builder = builder.LeftJoin("handle h ON h.ROWID = m.handle_id")
		cols = append(cols, column{"h.id", func(*RawRow) any { return &handle }})
	}
	if tableExists(ctx, db, "chat_message_join") && tableExists(ctx, db, "chat") {
		// A message can sit in several chats. Grouping keeps the scan at
		// one row per message; MIN picks the conversation deterministically.
		builder = builder.
			LeftJoin("chat_message_join cmj ON cmj.message_id = m.ROWID").
			LeftJoin("chat c ON c.ROWID = cmj.chat_id").
			GroupBy("m.ROWID")
		cols = append(cols, column{"MIN(c.guid)", func(*RawRow) any { return &chatID }})
	}

	exprs := make([]string, len(cols))
	for i, c := range cols {
		exprs[i] = c.expr
	}
	query, args, err := builder.Columns(exprs...).ToSql()
	if err != nil {
		return nil, fmt.Errorf("decode: building row query: %w", err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("decode: querying rows: %w", err)
	}
	defer rows.Close()

	var out []RawRow
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var r RawRow
		guid, assocGUID, text, service, chatID, handle = sql.NullString{}, sql.NullString{}, sql.NullString{}, sql.NullString{}, sql.NullString{}, sql.NullString{}
		assocType, rawDate, fromMe = sql.NullInt64{}, sql.NullInt64{}, sql.NullInt64{}
		body, summary = nil, nil

		dests := make([]any, len(cols))
		for i, c := range cols {
			dests[i] = c.scan(&r)
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("decode: scanning row: %w", err)
		}

		r.GUID = guid.String
		r.AssocGUID = assocGUID.String
		r.AssocType = assocType.Int64
		r.RawDate = rawDate.Int64
		r.Text = text.String
		r.HasText = text.Valid && text.String != ""
		r.Body = append([]byte(nil), body...)
		r.Summary = append([]byte(nil), summary...)
		r.FromMe = fromMe.Int64 != 0
		r.Service = service.String
		r.ChatID = chatID.String
		r.Handle = handle.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func tableExists(ctx context.Context, db *sql.DB, name string) bool {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	return err == nil && n > 0
}
