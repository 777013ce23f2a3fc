package instrument

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wigggles/opentxs-sub020/nym"
	"github.com/wigggles/opentxs-sub020/otxtypes"
)

// testID returns a deterministic non-zero ID for tests.
func testID(b byte) otxtypes.ID {
	var id otxtypes.ID
	id[0] = b

	return id
}

// testTerms returns valid cheque terms made out to the given recipient.
func testTerms(recipient otxtypes.NymID) ChequeTerms {
	return ChequeTerms{
		Kind:          KindCheque,
		SenderAccount: otxtypes.AccountID(testID(1)),
		Server:        otxtypes.ServerID(testID(2)),
		Unit:          otxtypes.UnitID(testID(3)),
		Amount:        500,
		Memo:          "rent",
		Recipient:     recipient,
		ValidFrom:     100,
		ValidTo:       200,
	}
}

// TestChequeRoundTrip writes, serializes, parses and verifies a cheque.
func TestChequeRoundTrip(t *testing.T) {
	t.Parallel()

	drawer, err := nym.NewNym()
	require.NoError(t, err)

	recipient := otxtypes.NymID(testID(9))
	cheque, err := WriteCheque(drawer, 42, testTerms(recipient))
	require.NoError(t, err)

	raw, err := cheque.Serialize()
	require.NoError(t, err)

	parsed, err := ParseCheque(raw)
	require.NoError(t, err)

	require.Equal(t, KindCheque, parsed.Kind())
	require.Equal(t, drawer.ID(), parsed.Sender())
	require.Equal(t, recipient, parsed.Recipient())
	require.EqualValues(t, 42, parsed.TransNum())
	require.EqualValues(t, 500, parsed.Amount())
	require.Equal(t, "rent", parsed.Memo())

	require.NoError(t, parsed.Verify(&drawer.Identity))
}

// TestChequeVerifyRejectsForgery checks that a parsed cheque with a doctored
// field no longer verifies, and that the wrong identity never verifies.
func TestChequeVerifyRejectsForgery(t *testing.T) {
	t.Parallel()

	drawer, err := nym.NewNym()
	require.NoError(t, err)
	stranger, err := nym.NewNym()
	require.NoError(t, err)

	cheque, err := WriteCheque(
		drawer, 42, testTerms(otxtypes.NymID(testID(9))),
	)
	require.NoError(t, err)

	require.ErrorIs(t, cheque.Verify(&stranger.Identity), ErrNotDrawer)

	raw, err := cheque.Serialize()
	require.NoError(t, err)
	parsed, err := ParseCheque(raw)
	require.NoError(t, err)

	parsed.terms.Amount = 5000
	require.ErrorIs(t, parsed.Verify(&drawer.Identity),
		nym.ErrBadSignature)
}

// TestChequeKindAmounts checks the per-kind amount sign rules.
func TestChequeKindAmounts(t *testing.T) {
	t.Parallel()

	drawer, err := nym.NewNym()
	require.NoError(t, err)

	terms := testTerms(otxtypes.NymID{})
	terms.Amount = -500
	_, err = WriteCheque(drawer, 42, terms)
	require.ErrorIs(t, err, ErrBadAmount)

	terms.Kind = KindInvoice
	invoice, err := WriteCheque(drawer, 42, terms)
	require.NoError(t, err)
	require.EqualValues(t, -500, invoice.Amount())

	terms.Amount = 500
	_, err = WriteCheque(drawer, 42, terms)
	require.ErrorIs(t, err, ErrBadAmount)

	terms.Kind = KindPurse
	_, err = WriteCheque(drawer, 42, terms)
	require.ErrorIs(t, err, ErrWrongKind)
}

// TestBlankChequePayment checks that a cheque without a recipient summarizes
// as depositable by anyone.
func TestBlankChequePayment(t *testing.T) {
	t.Parallel()

	drawer, err := nym.NewNym()
	require.NoError(t, err)

	cheque, err := WriteCheque(drawer, 42, testTerms(otxtypes.NymID{}))
	require.NoError(t, err)

	payment, err := PaymentFromCheque(cheque)
	require.NoError(t, err)
	require.False(t, payment.HasRecipient())

	back, err := payment.Cheque()
	require.NoError(t, err)
	require.NoError(t, back.Verify(&drawer.Identity))
}
