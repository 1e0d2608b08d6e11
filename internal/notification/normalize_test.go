package notification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_RemovesDefaultPhrases(t *testing.T) {
	t.Parallel()

	n := NewNormalizer(DefaultPhrases)
	in := "Neue Nachricht von 0301234567 (0:42).\n\n" +
		"Die Sprachnachricht finden Sie im Anhang dieser E-Mail.\n" +
		"Diese E-Mail wurde automatisch von Ihrer FRITZ!Box erstellt.\n"

	got, err := n.Normalize(in)
	require.NoError(t, err)
	assert.Equal(t, "Neue Nachricht von 0301234567 (0:42).", got)
}

func TestNormalize_IsIdempotent(t *testing.T) {
	t.Parallel()

	n := NewNormalizer([]string{"ab"})
	inputs := []string{
		"",
		"   padded   ",
		"xaabby",
		"aaabbb",
		"ab ab ab",
		"unrelated text",
	}

	for _, in := range inputs {
		once, err := n.Normalize(in)
		require.NoError(t, err)
		twice, err := n.Normalize(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice, "input %q", in)
	}
}

func TestNormalize_NestedOccurrence(t *testing.T) {
	t.Parallel()

	// Removing the inner "ab" exposes a new "ab"; a single pass would leave it.
	n := NewNormalizer([]string{"ab"})
	got, err := n.Normalize("aabb")
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestNormalize_NoPhrases(t *testing.T) {
	t.Parallel()

	n := NewNormalizer(nil)
	got, err := n.Normalize("\n  hello  \n")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestNormalize_IgnoresEmptyPhrase(t *testing.T) {
	t.Parallel()

	n := NewNormalizer([]string{"", "x"})
	got, err := n.Normalize("axb")
	require.NoError(t, err)
	assert.Equal(t, "ab", got)
}

func TestNotification_HasAudio(t *testing.T) {
	t.Parallel()

	assert.False(t, (&Notification{}).HasAudio())
	assert.False(t, (&Notification{Audio: []byte{}}).HasAudio())
	assert.True(t, (&Notification{Audio: []byte{1}}).HasAudio())
}
