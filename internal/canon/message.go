// Package canon defines the canonical message model and its deterministic
// serialization. Every emitted record traces to exactly one source row and
// carries a source_meta bag for lossless provenance.
package canon

import (
	"fmt"
	"time"
)

// SenderSelf is the reserved identity for rows flagged as sent by the
// database owner.
const SenderSelf = "self"

// ReactionKind is the closed enumeration of lightweight acknowledgments.
type ReactionKind string

const (
	KindLoved      ReactionKind = "loved"
	KindLiked      ReactionKind = "liked"
	KindDisliked   ReactionKind = "disliked"
	KindAmused     ReactionKind = "amused"
	KindEmphasized ReactionKind = "emphasized"
	KindQuestioned ReactionKind = "questioned"
)

// Reaction is an acknowledgment folded onto its target message. A reaction
// row never becomes a standalone message.
type Reaction struct {
	Actor     string       `json:"actor"`
	Kind      ReactionKind `json:"kind"`
	Timestamp time.Time    `json:"timestamp"`
}

// AttachmentRef points at a retrievable byte source. Bytes are never
// embedded inline.
type AttachmentRef struct {
	Type         string `json:"type"`
	Filename     string `json:"filename"`
	ResolvedPath string `json:"resolved_path,omitempty"`
	ContentHash  string `json:"content_hash,omitempty"`
	MIMEType     string `json:"mime_type,omitempty"`
}

// Message is the output unit of the pipeline. It is constructed by the row
// decoder, mutated only by the relationship and attachment resolvers, then
// frozen and handed to the validator.
type Message struct {
	ID           string
	Conversation string
	Timestamp    time.Time
	Sender       string
	Text         string
	Attachments  []AttachmentRef
	Reactions    []Reaction
	ReplyTo      string
	SourceRef    string
	SourceMeta   map[string]any
}

// UnresolvedRelation records a reply or reaction whose target could not be
// located. Never silently dropped; emitted through its own sink.
type UnresolvedRelation struct {
	OriginRowID int64  `json:"origin_row_id"`
	TargetKey   string `json:"target_key"`
}

// Meta sets a provenance key, allocating the bag on first use.
func (m *Message) Meta(key string, value any) {
	if m.SourceMeta == nil {
		m.SourceMeta = make(map[string]any)
	}
	m.SourceMeta[key] = value
}

// CanonicalMap renders the message as a plain map suitable for
// MarshalCanonical. Optional fields are omitted rather than emitted null;
// empty attachment/reaction lists still appear so consumers see a fixed
// shape.
func (m *Message) CanonicalMap() (map[string]any, error) {
	attachments := make([]any, len(m.Attachments))
	for i, a := range m.Attachments {
		entry := map[string]any{
			"type":     a.Type,
			"filename": a.Filename,
		}
		if a.ResolvedPath != "" {
			entry["resolved_path"] = a.ResolvedPath
		}
		if a.ContentHash != "" {
			entry["content_hash"] = a.ContentHash
		}
		if a.MIMEType != "" {
			entry["mime_type"] = a.MIMEType
		}
		attachments[i] = entry
	}

	reactions := make([]any, len(m.Reactions))
	for i, r := range m.Reactions {
		reactions[i] = map[string]any{
			"actor":     r.Actor,
			"kind":      string(r.Kind),
			"timestamp": r.Timestamp.UTC().Format(time.RFC3339),
		}
	}

	out := map[string]any{
		"id":              m.ID,
		"conversation_id": m.Conversation,
		"timestamp":       m.Timestamp.UTC().Format(time.RFC3339),
		"sender":          m.Sender,
		"text":            m.Text,
		"attachments":     attachments,
		"reactions":       reactions,
		"source_ref":      m.SourceRef,
	}
	if m.ReplyTo != "" {
		out["reply_to"] = m.ReplyTo
	}

	meta := make(map[string]any, len(m.SourceMeta))
	for k, v := range m.SourceMeta {
		cv, err := toCanonicalValue(v)
		if err != nil {
			return nil, fmt.Errorf("source_meta[%q]: %w", k, err)
		}
		meta[k] = cv
	}
	out["source_meta"] = meta

	return out, nil
}

// MarshalNDJSON renders the canonical single-line form of the message.
func (m *Message) MarshalNDJSON() ([]byte, error) {
	obj, err := m.CanonicalMap()
	if err != nil {
		return nil, err
	}
	return MarshalCanonical(obj)
}
