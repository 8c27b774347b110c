// Package validate gates every finished canonical message through an
// embedded CUE schema. Failures quarantine; they never abort the run.
package validate

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/roach88/verbatim/internal/canon"
)

//go:embed schema.cue
var schemaSource string

// Stable failure codes. Consumers key automation off these, so they are
// append-only.
const (
	// CodeEncode: the message could not be rendered to its canonical
	// map, usually a non-canonical value in source_meta.
	CodeEncode = "V100"
	// CodeSchema: the rendered record does not unify with #Message.
	CodeSchema = "V101"
)

// Failure describes one quarantined record.
type Failure struct {
	MessageID string `json:"message_id"`
	Code      string `json:"code"`
	Reason    string `json:"reason"`
}

// Validator unifies rendered messages with the embedded #Message
// definition. Safe for concurrent use after New.
type Validator struct {
	schema cue.Value
}

// New compiles the embedded schema. Compilation failure is a programmer
// error, not a data error.
func New() (*Validator, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(schemaSource)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("validate: compiling schema: %w", err)
	}
	schema := v.LookupPath(cue.ParsePath("#Message"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("validate: #Message definition: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Check returns nil for a valid message, or the quarantine failure.
func (v *Validator) Check(msg *canon.Message) *Failure {
	obj, err := msg.CanonicalMap()
	if err != nil {
		return &Failure{MessageID: msg.ID, Code: CodeEncode, Reason: err.Error()}
	}

	val := v.schema.Context().Encode(obj)
	if err := val.Err(); err != nil {
		return &Failure{MessageID: msg.ID, Code: CodeEncode, Reason: err.Error()}
	}

	unified := v.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &Failure{MessageID: msg.ID, Code: CodeSchema, Reason: cueDetail(err)}
	}
	return nil
}

// cueDetail flattens a CUE error list into one line per cause.
func cueDetail(err error) string {
	var out string
	for i, e := range cueerrors.Errors(err) {
		if i > 0 {
			out += "; "
		}
		out += e.Error()
	}
	if out == "" {
		out = err.Error()
	}
	return out
}

// Quarantine writes rejected records as NDJSON, one object per line,
// with the failure reason and a best-effort rendering of the record.
type Quarantine struct {
	w     io.Writer
	count int
}

func NewQuarantine(w io.Writer) *Quarantine {
	return &Quarantine{w: w}
}

type quarantineLine struct {
	Failure
	Record map[string]any `json:"record,omitempty"`
}

// Write appends one quarantined record. The record body is omitted when
// it cannot be rendered at all.
func (q *Quarantine) Write(msg *canon.Message, f *Failure) error {
	line := quarantineLine{Failure: *f}
	if obj, err := msg.CanonicalMap(); err == nil {
		line.Record = obj
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("validate: encoding quarantine line: %w", err)
	}
	if _, err := q.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("validate: writing quarantine line: %w", err)
	}
	q.count++
	return nil
}

// Count reports how many records were quarantined.
func (q *Quarantine) Count() int { return q.count }
