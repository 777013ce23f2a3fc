package otxtypes

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestIDRoundTrip asserts an ID survives the bytes, string and back
// conversions, and that short input is refused.
func TestIDRoundTrip(t *testing.T) {
	t.Parallel()

	raw := bytes.Repeat([]byte{0xab}, IDSize)

	id, err := MakeID(raw)
	require.NoError(t, err)
	require.Equal(t, raw, id[:])
	require.False(t, id.IsZero())

	parsed, err := MakeIDFromStr(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	_, err = MakeID(raw[:IDSize-1])
	require.Error(t, err)
	_, err = MakeIDFromStr("abcd")
	require.Error(t, err)
}

// TestZeroID asserts the zero value reads as unset across the typed
// wrappers.
func TestZeroID(t *testing.T) {
	t.Parallel()

	require.True(t, ID{}.IsZero())
	require.True(t, NymID{}.IsZero())
	require.True(t, ServerID{}.IsZero())
	require.False(t, NymID{0x01}.IsZero())
}
