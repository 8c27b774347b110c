// Package pipeline wires the extraction stages end to end: stage,
// detect, decode, resolve, attach, transcribe, validate, report. Each
// stage only sees its upstream's output; the staged copy is cleaned up
// on every exit path.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/verbatim/internal/attach"
	"github.com/roach88/verbatim/internal/canon"
	"github.com/roach88/verbatim/internal/config"
	"github.com/roach88/verbatim/internal/decode"
	"github.com/roach88/verbatim/internal/problem"
	"github.com/roach88/verbatim/internal/report"
	"github.com/roach88/verbatim/internal/resolve"
	"github.com/roach88/verbatim/internal/schema"
	"github.com/roach88/verbatim/internal/stage"
	"github.com/roach88/verbatim/internal/transcribe"
	"github.com/roach88/verbatim/internal/validate"
)

// Output filenames under the configured output directory.
const (
	MessagesFile   = "messages.ndjson"
	QuarantineFile = "quarantine.ndjson"
	MissingFile    = "missing_attachments.json"
	UnresolvedFile = "unresolved_relations.json"
	ReportFile     = "report.json"
	AttachmentsDir = "attachments"
)

// Run executes one extraction. The returned report is non-nil whenever
// the run got far enough to count anything, including on failure.
func Run(ctx context.Context, cfg config.Config, log *slog.Logger) (*report.Report, error) {
	rep := report.New(time.Now())

	staged, err := stage.Stage(ctx, stage.Descriptor{
		LivePath:   cfg.Source.LivePath,
		BackupRoot: cfg.Source.BackupRoot,
		Passphrase: cfg.Source.Passphrase,
	}, stage.Options{Dir: cfg.Staging.Dir, Retain: cfg.Staging.Retain})
	if err != nil {
		return rep, err
	}
	defer func() {
		if err := staged.Cleanup(); err != nil {
			log.Warn("staging cleanup failed", "dir", staged.WorkDir, "error", err)
		}
	}()

	rep.SourceKind = string(staged.Kind)
	rep.SourceRef = staged.SourceRef
	log.Info("source staged", "kind", staged.Kind, "source", staged.SourceRef)

	db, err := staged.Open()
	if err != nil {
		return rep, problem.Wrap(problem.CodeStagingFailed, "staged database unreadable", staged.DBPath, err)
	}
	defer db.Close()

	det, err := schema.Detect(ctx, db)
	if err != nil {
		return rep, err
	}
	rep.Generation = string(det.Tag)
	rep.Degraded = det.Degraded
	if det.Degraded {
		log.Warn("unrecognized schema generation, decoding through legacy fallback")
	} else {
		log.Info("schema detected", "generation", det.Tag)
	}

	rows, err := decode.ReadRows(ctx, db, det)
	if err != nil {
		return rep, err
	}
	rep.Counters.RowsScanned = len(rows)

	decoder := decode.NewDecoder(det, staged.SourceRef)
	decoded := make([]decode.Decoded, 0, len(rows))
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		d := decoder.Decode(row)
		if d.TextDegraded {
			rep.Counters.DecodeDegraded++
		}
		decoded = append(decoded, d)
	}
	rep.Counters.MessagesDecoded = len(decoded)

	res := resolve.Resolve(decoded)
	rep.Counters.ReactionsFolded = res.ReactionsFolded
	rep.Counters.ReactionsRemoved = res.ReactionsRemoved
	rep.Counters.RepliesResolved = res.RepliesResolved
	rep.Counters.Unresolved = len(res.Unresolved)

	missing, err := resolveAttachments(ctx, cfg, db, staged, res.Messages, decoded, rep, log)
	if err != nil {
		return rep, err
	}

	eng, err := transcribe.New(cfg.Transcribe.Mode, cfg.Transcribe.Binary, cfg.Transcribe.Model)
	if err != nil {
		return rep, err
	}
	if eng != nil {
		rep.Transcribe = eng.Name()
		n, err := transcribe.Apply(ctx, eng, res.Messages, cfg.Attachments.Workers)
		if err != nil {
			return rep, err
		}
		rep.Counters.Transcripts = n
	}

	if err := emit(cfg.Output.Dir, res, rep); err != nil {
		return rep, err
	}
	if err := writeJSON(filepath.Join(cfg.Output.Dir, MissingFile), missing); err != nil {
		return rep, err
	}
	unresolved := res.Unresolved
	if unresolved == nil {
		unresolved = []canon.UnresolvedRelation{}
	}
	if err := writeJSON(filepath.Join(cfg.Output.Dir, UnresolvedFile), unresolved); err != nil {
		return rep, err
	}

	rep.Finish(time.Now())
	reportFile, err := os.Create(filepath.Join(cfg.Output.Dir, ReportFile))
	if err != nil {
		return rep, fmt.Errorf("pipeline: creating report sink: %w", err)
	}
	defer reportFile.Close()
	if err := rep.Emit(reportFile); err != nil {
		return rep, err
	}

	log.Info("run finished",
		"emitted", rep.Counters.Emitted,
		"quarantined", rep.Counters.Quarantined,
		"unresolved", rep.Counters.Unresolved,
		"missing_attachments", rep.Counters.AttachmentsMissing)

	// Fatal only when validation ran and rejected everything. A source
	// whose rows all fold away (reactions without a surviving target)
	// legitimately emits an empty stream.
	if rep.Counters.Quarantined > 0 && rep.Counters.Emitted == 0 {
		return rep, problem.New(problem.CodeNoValidRows,
			"every message failed validation; the run is a decoding failure, not sparse bad data",
			staged.SourceRef)
	}
	return rep, nil
}

// resolveAttachments reads attachment associations and resolves them
// against the topology-appropriate byte source.
func resolveAttachments(ctx context.Context, cfg config.Config, db *sql.DB, staged *stage.Staged,
	msgs []*canon.Message, decoded []decode.Decoded, rep *report.Report, log *slog.Logger) ([]attach.Missing, error) {

	attRows, err := attach.ReadRows(ctx, db)
	if err != nil {
		return nil, err
	}
	rep.Counters.AttachmentRefs = len(attRows)
	if len(attRows) == 0 {
		return []attach.Missing{}, nil
	}

	var source attach.ByteSource
	if staged.Kind == stage.SourceBackup {
		source = attach.BackupSource{Index: staged.Backup}
	} else {
		source = attach.LiveSource{}
	}

	materializeDir := ""
	if cfg.Attachments.Materialize {
		materializeDir = filepath.Join(cfg.Output.Dir, AttachmentsDir)
	}

	// Only rows that survived relationship resolution own attachments;
	// folded reaction rows never emit.
	emitted := make(map[*canon.Message]struct{}, len(msgs))
	for _, m := range msgs {
		emitted[m] = struct{}{}
	}
	byRowID := make(map[int64]*canon.Message, len(decoded))
	for _, d := range decoded {
		if _, ok := emitted[d.Msg]; ok {
			byRowID[d.Raw.RowID] = d.Msg
		}
	}

	resolver := &attach.Resolver{
		Source:         source,
		MaterializeDir: materializeDir,
		Workers:        cfg.Attachments.Workers,
	}
	resolved, err := resolver.Apply(ctx, attRows, byRowID)
	if err != nil {
		return nil, err
	}
	missing := resolver.MissingList()
	rep.Counters.AttachmentsOK = resolved
	rep.Counters.AttachmentsMissing = len(missing)
	if len(missing) > 0 {
		log.Warn("attachments missing", "count", len(missing))
	}
	return missing, nil
}

// emit validates every message and writes the main and quarantine sinks.
// Quarantined rows never block later rows.
func emit(outDir string, res resolve.Result, rep *report.Report) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("pipeline: creating output dir: %w", err)
	}

	validator, err := validate.New()
	if err != nil {
		return err
	}

	msgFile, err := os.Create(filepath.Join(outDir, MessagesFile))
	if err != nil {
		return fmt.Errorf("pipeline: creating message sink: %w", err)
	}
	defer msgFile.Close()

	quarFile, err := os.Create(filepath.Join(outDir, QuarantineFile))
	if err != nil {
		return fmt.Errorf("pipeline: creating quarantine sink: %w", err)
	}
	defer quarFile.Close()
	quarantine := validate.NewQuarantine(quarFile)

	for _, msg := range res.Messages {
		if f := validator.Check(msg); f != nil {
			if err := quarantine.Write(msg, f); err != nil {
				return err
			}
			continue
		}
		line, err := msg.MarshalNDJSON()
		if err != nil {
			return fmt.Errorf("pipeline: rendering %s: %w", msg.ID, err)
		}
		if _, err := msgFile.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("pipeline: writing message sink: %w", err)
		}
		rep.Counters.Emitted++
	}
	rep.Counters.Quarantined = quarantine.Count()

	return nil
}

// writeJSON renders a sink as an indented JSON document. Empty slices
// emit as [] rather than null so consumers always see an array.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("pipeline: encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("pipeline: writing %s: %w", filepath.Base(path), err)
	}
	return nil
}
