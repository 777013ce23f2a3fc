package nym

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSignVerify asserts that a signature produced by a nym verifies against
// the public-only identity derived from the same key.
func TestSignVerify(t *testing.T) {
	t.Parallel()

	n, err := NewNym()
	require.NoError(t, err)

	msg := []byte("pay to the order of")
	sig, err := n.Sign(msg)
	require.NoError(t, err)

	identity, err := NewIdentity(
		n.PubKey().SerializeCompressed(), n.Revision(),
	)
	require.NoError(t, err)
	require.Equal(t, n.ID(), identity.ID())

	require.NoError(t, identity.VerifySig(msg, sig))

	// A tampered message must not verify.
	require.ErrorIs(
		t, identity.VerifySig([]byte("pay to the bearer"), sig),
		ErrBadSignature,
	)
}

// TestBumpRevision asserts that revision bumps are visible through the
// identity view.
func TestBumpRevision(t *testing.T) {
	t.Parallel()

	n, err := NewNym()
	require.NoError(t, err)
	require.EqualValues(t, 1, n.Revision())

	n.BumpRevision()
	require.EqualValues(t, 2, n.Revision())
}
