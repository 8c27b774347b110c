// Package report aggregates run counters into a machine-readable summary.
// A report is created at pipeline start, only ever appended to, and
// emitted exactly once at pipeline end.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/oklog/ulid/v2"
)

// Counters accumulate over one run. All fields are monotone.
type Counters struct {
	RowsScanned        int `json:"rows_scanned"`
	MessagesDecoded    int `json:"messages_decoded"`
	DecodeDegraded     int `json:"decode_degraded"`
	ReactionsFolded    int `json:"reactions_folded"`
	ReactionsRemoved   int `json:"reactions_removed"`
	RepliesResolved    int `json:"replies_resolved"`
	Unresolved         int `json:"unresolved_relations"`
	AttachmentRefs     int `json:"attachment_refs"`
	AttachmentsOK      int `json:"attachments_resolved"`
	AttachmentsMissing int `json:"attachments_missing"`
	Transcripts        int `json:"transcripts"`
	Quarantined        int `json:"quarantined"`
	Emitted            int `json:"messages_emitted"`
}

// Report is the once-per-run summary.
type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	SourceKind string `json:"source_kind"`
	SourceRef  string `json:"source_ref"`
	Generation string `json:"schema_generation"`
	// Degraded marks a run decoded through the legacy fallback because
	// the schema generation could not be recognized.
	Degraded   bool   `json:"schema_degraded,omitempty"`
	Transcribe string `json:"transcribe_engine,omitempty"`

	Counters Counters `json:"counters"`
}

// New starts a report with a fresh ULID run id. ULIDs sort by creation
// time, so run artifacts listed by id come out chronologically.
func New(now time.Time) *Report {
	return &Report{
		RunID:     ulid.Make().String(),
		StartedAt: now.UTC(),
	}
}

// Finish stamps the end time.
func (r *Report) Finish(now time.Time) {
	r.FinishedAt = now.UTC()
}

// Emit writes the report as indented JSON.
func (r *Report) Emit(w io.Writer) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("report: encoding: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("report: writing: %w", err)
	}
	return nil
}
