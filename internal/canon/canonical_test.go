package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalSortsKeysUTF16(t *testing.T) {
	obj := map[string]any{
		"zebra":  "z",
		"apple":  "a",
		"banana": "b",
	}

	out, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"apple":"a","banana":"b","zebra":"z"}`, string(out))
}

func TestMarshalCanonicalNoHTMLEscaping(t *testing.T) {
	out, err := MarshalCanonical(map[string]any{"text": "<a> & </a>"})
	require.NoError(t, err)
	assert.Equal(t, `{"text":"<a> & </a>"}`, string(out))
}

func TestMarshalCanonicalForbidsFloatsAndNull(t *testing.T) {
	_, err := MarshalCanonical(map[string]any{"x": 1.5})
	assert.Error(t, err)

	_, err = MarshalCanonical(map[string]any{"x": nil})
	assert.Error(t, err)
}

func TestMarshalCanonicalNFCNormalization(t *testing.T) {
	// e + combining acute accent normalizes to precomposed form
	decomposed := "café"
	out, err := MarshalCanonical(decomposed)
	require.NoError(t, err)
	assert.Equal(t, `"café"`, string(out))
}

func TestMarshalCanonicalDeterministic(t *testing.T) {
	obj := map[string]any{
		"id":   "m1",
		"text": "hello",
		"meta": map[string]any{"b": int64(2), "a": int64(1)},
	}
	first, err := MarshalCanonical(obj)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := MarshalCanonical(obj)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestMessageIDStable(t *testing.T) {
	a := MessageID("chat42", 7)
	b := MessageID("chat42", 7)
	c := MessageID("chat42", 8)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestAttachmentDigestDomainSeparated(t *testing.T) {
	data := []byte("voice memo bytes")
	assert.NotEqual(t, AttachmentDigest(data), MessageID(string(data), 0))
	assert.Equal(t, AttachmentDigest(data), AttachmentDigest([]byte("voice memo bytes")))
}
