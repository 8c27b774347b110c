// Package schema classifies a staged message database into one of the
// known on-disk layout generations. Classification is by column presence,
// never by a version string, because exports mix generations freely.
package schema

import (
	"context"
	"database/sql"
	"fmt"
)

// Tag names a known schema generation.
type Tag string

const (
	// GenLegacy stores message text in a plain text column.
	GenLegacy Tag = "legacy"
	// GenTypedStream adds a binary rich-text payload column.
	GenTypedStream Tag = "typedstream"
	// GenTypedStreamEdit additionally moves cleared text into an
	// edit-history payload.
	GenTypedStreamEdit Tag = "typedstream-edit"
)

// Generation describes one known layout. The table below is append-only:
// new platform versions add entries, they never modify existing ones.
type Generation struct {
	Tag Tag
	// Required columns on the message table, beyond the legacy base set.
	Required []string
}

// generations is ordered oldest to newest. Detection picks the newest
// generation whose required columns are all present.
var generations = []Generation{
	{Tag: GenLegacy, Required: nil},
	{Tag: GenTypedStream, Required: []string{"attributedBody"}},
	{Tag: GenTypedStreamEdit, Required: []string{"attributedBody", "message_summary_info", "date_edited"}},
}

// baseColumns must exist for the database to be readable at all.
var baseColumns = []string{"ROWID", "guid", "date", "is_from_me"}

// Detection is the adapter's output, consumed by the row decoder.
type Detection struct {
	Tag Tag
	// Columns is the full column set of the message table.
	Columns map[string]bool
	// Degraded is set when the layout matched no known generation and
	// detection fell back to the most conservative decode path.
	Degraded bool
}

// Has reports whether the message table carries a column.
func (d Detection) Has(column string) bool {
	return d.Columns[column]
}

// Detect inspects the staged database's message table and classifies it.
// Unknown layouts degrade to legacy rather than failing: a partial export
// with odd columns still decodes, it just skips the richer text paths.
func Detect(ctx context.Context, db *sql.DB) (Detection, error) {
	cols, err := tableColumns(ctx, db, "message")
	if err != nil {
		return Detection{}, err
	}
	if len(cols) == 0 {
		return Detection{}, fmt.Errorf("schema: no message table in staged database")
	}

	det := Detection{Tag: GenLegacy, Columns: cols}

	// A layout missing even the base columns matches no known
	// generation; keep the most conservative decode path and flag it.
	for _, c := range baseColumns {
		if !cols[c] {
			det.Degraded = true
			return det, nil
		}
	}

	for _, gen := range generations {
		ok := true
		for _, c := range gen.Required {
			if !cols[c] {
				ok = false
				break
			}
		}
		if ok {
			det.Tag = gen.Tag
		}
	}
	return det, nil
}

func tableColumns(ctx context.Context, db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("schema: reading columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid      int
			name     string
			colType  string
			notNull  int
			dflt     sql.NullString
			primary  int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &primary); err != nil {
			return nil, fmt.Errorf("schema: scanning column info: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
