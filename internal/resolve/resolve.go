// Package resolve folds association rows into reactions and reply links.
// It runs over the full decoded row set, because association keys can
// reference rows that appear later in scan order.
package resolve

import (
	"strings"

	"github.com/roach88/verbatim/internal/canon"
	"github.com/roach88/verbatim/internal/decode"
)

// Association type codes form a closed external enumeration. The 2000
// range designates reaction kinds; the 3000 range removes a previously
// applied reaction. Anything else with an association key set is a
// reply-candidate: the codes are not documented exhaustively across
// platform generations, so unknown codes are never upgraded to stronger
// semantics than the data supports.
const (
	codeReactionBase = 2000
	codeRemovalBase  = 3000
	codeRangeWidth   = 6
)

var kindByOffset = [codeRangeWidth]canon.ReactionKind{
	canon.KindLoved,
	canon.KindLiked,
	canon.KindDisliked,
	canon.KindAmused,
	canon.KindEmphasized,
	canon.KindQuestioned,
}

// reactionKind maps an association code to a reaction kind.
func reactionKind(code int64) (canon.ReactionKind, bool) {
	if code >= codeReactionBase && code < codeReactionBase+codeRangeWidth {
		return kindByOffset[code-codeReactionBase], true
	}
	return "", false
}

// removalKind maps an association code to the reaction kind it removes.
func removalKind(code int64) (canon.ReactionKind, bool) {
	if code >= codeRemovalBase && code < codeRemovalBase+codeRangeWidth {
		return kindByOffset[code-codeRemovalBase], true
	}
	return "", false
}

// Result is the resolver's output: standalone messages in scan order,
// with reactions and reply links attached, plus every relation that
// could not be resolved.
type Result struct {
	Messages   []*canon.Message
	Unresolved []canon.UnresolvedRelation

	ReactionsFolded  int
	ReactionsRemoved int
	RepliesResolved  int
}

// Resolve runs the two-phase fold: first index every non-association row
// by its stable key, then walk the set again classifying association
// rows. Rows are processed strictly in scan order so repeated runs over
// identical input produce identical output.
func Resolve(rows []decode.Decoded) Result {
	var res Result

	// Phase 1: per-row key to message index for every standalone row.
	index := make(map[string]*canon.Message, len(rows))
	for _, d := range rows {
		if isAssociation(d.Raw) {
			continue
		}
		if d.Raw.GUID != "" {
			index[d.Raw.GUID] = d.Msg
		}
	}

	// Phase 2: fold associations, emit standalone rows in scan order.
	for _, d := range rows {
		if !isAssociation(d.Raw) {
			res.Messages = append(res.Messages, d.Msg)
			continue
		}

		targetKey := normalizeTargetKey(d.Raw.AssocGUID)
		target := index[targetKey]

		if kind, ok := reactionKind(d.Raw.AssocType); ok {
			if target == nil {
				res.Unresolved = append(res.Unresolved, canon.UnresolvedRelation{
					OriginRowID: d.Raw.RowID,
					TargetKey:   targetKey,
				})
				continue
			}
			target.Reactions = append(target.Reactions, canon.Reaction{
				Actor:     d.Msg.Sender,
				Kind:      kind,
				Timestamp: d.Msg.Timestamp,
			})
			res.ReactionsFolded++
			continue
		}

		if kind, ok := removalKind(d.Raw.AssocType); ok {
			if target == nil || !removeReaction(target, d.Msg.Sender, kind) {
				res.Unresolved = append(res.Unresolved, canon.UnresolvedRelation{
					OriginRowID: d.Raw.RowID,
					TargetKey:   targetKey,
				})
				continue
			}
			res.ReactionsRemoved++
			continue
		}

		// Reply-candidate: never fabricate a link.
		res.Messages = append(res.Messages, d.Msg)
		if target != nil {
			d.Msg.ReplyTo = target.ID
			res.RepliesResolved++
		} else {
			res.Unresolved = append(res.Unresolved, canon.UnresolvedRelation{
				OriginRowID: d.Raw.RowID,
				TargetKey:   targetKey,
			})
		}
	}

	return res
}

// isAssociation reports whether the row references another row. Reaction
// rows are folded away entirely; reply rows stay standalone but gain a
// reply link.
func isAssociation(r decode.RawRow) bool {
	return r.AssocGUID != ""
}

// normalizeTargetKey strips the part-scope prefix some generations put
// in front of the referenced key ("p:0/GUID" targets part 0 of GUID).
func normalizeTargetKey(key string) string {
	if strings.HasPrefix(key, "p:") {
		if i := strings.Index(key, "/"); i >= 0 {
			return key[i+1:]
		}
	}
	if i := strings.Index(key, "bp:"); i == 0 {
		return key[3:]
	}
	return key
}

// removeReaction drops the most recently folded reaction of the given
// kind by the given actor. Scan order makes this deterministic.
func removeReaction(msg *canon.Message, actor string, kind canon.ReactionKind) bool {
	for i := len(msg.Reactions) - 1; i >= 0; i-- {
		r := msg.Reactions[i]
		if r.Actor == actor && r.Kind == kind {
			msg.Reactions = append(msg.Reactions[:i], msg.Reactions[i+1:]...)
			return true
		}
	}
	return false
}
