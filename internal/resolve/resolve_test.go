package resolve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/verbatim/internal/canon"
	"github.com/roach88/verbatim/internal/decode"
)

func row(rowID int64, guid, sender, assocGUID string, assocType int64) decode.Decoded {
	return decode.Decoded{
		Raw: decode.RawRow{RowID: rowID, GUID: guid, AssocGUID: assocGUID, AssocType: assocType},
		Msg: &canon.Message{
			ID:        guid,
			Sender:    sender,
			Timestamp: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(rowID) * time.Second),
			Reactions: []canon.Reaction{},
		},
	}
}

func TestReactionFoldsIntoTarget(t *testing.T) {
	rows := []decode.Decoded{
		row(1, "g-msg", "+15550001111", "", 0),
		row(2, "g-laugh", "+15550002222", "g-msg", 2003),
	}

	res := Resolve(rows)

	// The reaction row never becomes a standalone message.
	require.Len(t, res.Messages, 1)
	target := res.Messages[0]
	assert.Equal(t, "g-msg", target.ID)

	require.Len(t, target.Reactions, 1)
	assert.Equal(t, canon.KindAmused, target.Reactions[0].Kind)
	assert.Equal(t, "+15550002222", target.Reactions[0].Actor)
	assert.Equal(t, 1, res.ReactionsFolded)
	assert.Empty(t, res.Unresolved)
}

func TestAllReactionKinds(t *testing.T) {
	want := map[int64]canon.ReactionKind{
		2000: canon.KindLoved,
		2001: canon.KindLiked,
		2002: canon.KindDisliked,
		2003: canon.KindAmused,
		2004: canon.KindEmphasized,
		2005: canon.KindQuestioned,
	}
	for code, kind := range want {
		kindGot, ok := reactionKind(code)
		require.True(t, ok, "code %d", code)
		assert.Equal(t, kind, kindGot)
	}

	_, ok := reactionKind(2006)
	assert.False(t, ok)
	_, ok = reactionKind(1999)
	assert.False(t, ok)
}

func TestReplyResolution(t *testing.T) {
	rows := []decode.Decoded{
		row(1, "g-original", "self", "", 0),
		row(2, "g-reply", "+15550002222", "g-original", 0),
	}

	res := Resolve(rows)

	require.Len(t, res.Messages, 2)
	assert.Equal(t, "g-original", res.Messages[1].ReplyTo)
	assert.Equal(t, 1, res.RepliesResolved)
	assert.Empty(t, res.Unresolved)
}

func TestReplyTargetAppearsLaterInScanOrder(t *testing.T) {
	// Associations may reference rows that appear later; the two-phase
	// design must still resolve them.
	rows := []decode.Decoded{
		row(1, "g-reply", "+15550002222", "g-late", 0),
		row(2, "g-late", "self", "", 0),
	}

	res := Resolve(rows)
	assert.Equal(t, "g-late", res.Messages[0].ReplyTo)
	assert.Equal(t, 1, res.RepliesResolved)
}

func TestUnresolvedReplyNeverFabricated(t *testing.T) {
	rows := []decode.Decoded{
		row(1, "g-reply", "+15550002222", "g-gone", 0),
	}

	res := Resolve(rows)

	require.Len(t, res.Messages, 1)
	assert.Empty(t, res.Messages[0].ReplyTo)
	require.Len(t, res.Unresolved, 1)
	assert.Equal(t, int64(1), res.Unresolved[0].OriginRowID)
	assert.Equal(t, "g-gone", res.Unresolved[0].TargetKey)
}

func TestUnresolvedReactionRecorded(t *testing.T) {
	rows := []decode.Decoded{
		row(1, "g-react", "+15550002222", "g-gone", 2000),
	}

	res := Resolve(rows)

	assert.Empty(t, res.Messages, "orphan reactions never emit standalone")
	require.Len(t, res.Unresolved, 1)
	assert.Zero(t, res.ReactionsFolded)
}

func TestPartScopedTargetKey(t *testing.T) {
	rows := []decode.Decoded{
		row(1, "g-msg", "self", "", 0),
		row(2, "g-react", "+15550002222", "p:0/g-msg", 2004),
	}

	res := Resolve(rows)
	require.Len(t, res.Messages, 1)
	require.Len(t, res.Messages[0].Reactions, 1)
	assert.Equal(t, canon.KindEmphasized, res.Messages[0].Reactions[0].Kind)
}

func TestReactionRemoval(t *testing.T) {
	rows := []decode.Decoded{
		row(1, "g-msg", "self", "", 0),
		row(2, "g-like", "+15550002222", "g-msg", 2001),
		row(3, "g-unlike", "+15550002222", "g-msg", 3001),
	}

	res := Resolve(rows)

	require.Len(t, res.Messages, 1)
	assert.Empty(t, res.Messages[0].Reactions)
	assert.Equal(t, 1, res.ReactionsFolded)
	assert.Equal(t, 1, res.ReactionsRemoved)
}

func TestRemovalWithoutPriorReactionIsUnresolved(t *testing.T) {
	rows := []decode.Decoded{
		row(1, "g-msg", "self", "", 0),
		row(2, "g-unlike", "+15550002222", "g-msg", 3001),
	}

	res := Resolve(rows)
	require.Len(t, res.Unresolved, 1)
	assert.Zero(t, res.ReactionsRemoved)
}

func TestDeterministicTieBreakByScanOrder(t *testing.T) {
	// Two reactions with identical timestamps: resolution order follows
	// original scan order, not re-sorting.
	rows := []decode.Decoded{
		row(1, "g-msg", "self", "", 0),
		row(2, "g-r1", "+15550001111", "g-msg", 2000),
		row(3, "g-r2", "+15550002222", "g-msg", 2000),
	}
	rows[1].Msg.Timestamp = rows[2].Msg.Timestamp

	res := Resolve(rows)
	require.Len(t, res.Messages, 1)
	require.Len(t, res.Messages[0].Reactions, 2)
	assert.Equal(t, "+15550001111", res.Messages[0].Reactions[0].Actor)
	assert.Equal(t, "+15550002222", res.Messages[0].Reactions[1].Actor)
}
