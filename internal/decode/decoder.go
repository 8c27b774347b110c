package decode

import (
	"encoding/base64"

	"github.com/roach88/verbatim/internal/canon"
	"github.com/roach88/verbatim/internal/schema"
)

// Decoded pairs a draft canonical message with the raw row it came from,
// so the relationship resolver can still see association keys.
type Decoded struct {
	Raw RawRow
	Msg *canon.Message
	// TextDegraded is set when every decoder in the fallback chain
	// failed and the raw payload was preserved instead.
	TextDegraded bool
}

// Decoder converts raw rows into draft canonical messages.
type Decoder struct {
	det       schema.Detection
	decoders  []TextDecoder
	sourceRef string
}

// NewDecoder builds a decoder for one staged database.
func NewDecoder(det schema.Detection, sourceRef string) *Decoder {
	return &Decoder{det: det, decoders: DefaultDecoders(), sourceRef: sourceRef}
}

// Decode produces the draft message for one row. It never fails: rows
// whose text cannot be decoded keep an empty text and carry the raw
// payload in source_meta so no information is lost.
func (d *Decoder) Decode(row RawRow) Decoded {
	msg := &canon.Message{
		Conversation: conversationOf(row),
		Timestamp:    NormalizeTimestamp(row.RawDate),
		Sender:       senderOf(row),
		Attachments:  []canon.AttachmentRef{},
		Reactions:    []canon.Reaction{},
		SourceRef:    d.sourceRef,
	}
	msg.ID = row.GUID
	if msg.ID == "" {
		msg.ID = canon.MessageID(msg.Conversation, row.RowID)
	}

	msg.Meta("row_id", row.RowID)
	if row.GUID != "" {
		msg.Meta("guid", row.GUID)
	}
	if row.Service != "" {
		msg.Meta("service", row.Service)
	}

	out := Decoded{Raw: row, Msg: msg}

	// Text fallback chain, first success wins: plain column, rich-text
	// payload, edit history. Total failure preserves the payload.
	switch {
	case row.HasText:
		msg.Text = row.Text
	case len(row.Body) > 0:
		if s, err := DecodeChain(d.decoders, row.Body); err == nil {
			msg.Text = s
		} else if s, err := d.editHistoryText(row); err == nil {
			msg.Text = s
		} else {
			d.preserveRaw(&out, row.Body)
		}
	case len(row.Summary) > 0:
		if s, err := d.editHistoryText(row); err == nil {
			msg.Text = s
		} else {
			d.preserveRaw(&out, row.Summary)
		}
	}

	return out
}

func (d *Decoder) editHistoryText(row RawRow) (string, error) {
	return DecodeEditHistory(row.Summary, d.decoders)
}

func (d *Decoder) preserveRaw(out *Decoded, payload []byte) {
	out.Msg.Meta("raw_body", base64.StdEncoding.EncodeToString(payload))
	out.TextDegraded = true
}

// senderOf maps the from-self flag to the reserved self identity;
// otherwise the handle address is used verbatim as both display and
// identity. No further normalization, to avoid misattribution across
// services with different addressing schemes.
func senderOf(row RawRow) string {
	if row.FromMe {
		return canon.SenderSelf
	}
	if row.Handle != "" {
		return row.Handle
	}
	return "unknown"
}

func conversationOf(row RawRow) string {
	if row.ChatID != "" {
		return row.ChatID
	}
	return "unassigned"
}
