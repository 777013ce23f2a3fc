package instrument

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wigggles/opentxs-sub020/nym"
	"github.com/wigggles/opentxs-sub020/otxtypes"
	"github.com/wigggles/opentxs-sub020/session"
	"github.com/wigggles/opentxs-sub020/wallet"
)

// mockWallet serves canned accounts; every other wallet method panics via
// the embedded nil interface.
type mockWallet struct {
	wallet.Wallet

	accounts map[otxtypes.AccountID]*wallet.Account
}

func (m *mockWallet) Account(id otxtypes.AccountID) (*wallet.Account, error) {
	account, ok := m.accounts[id]
	if !ok {
		return nil, wallet.ErrNotFound
	}

	return account, nil
}

// newTestContext returns an in-memory session context holding the given
// transaction numbers.
func newTestContext(t *testing.T,
	nums ...otxtypes.TransNum) *session.ServerContext {

	t.Helper()

	ctx := session.NewServerContext(
		otxtypes.NymID(testID(1)), otxtypes.ServerID(testID(2)), nil,
	)

	accepted, err := ctx.AcceptIssuedNumbers(nums)
	require.NoError(t, err)
	require.Equal(t, len(nums), accepted)

	return ctx
}

// testPlanTerms returns a valid monthly plan proposal.
func testPlanTerms() PlanTerms {
	return PlanTerms{
		RecipientAccount: otxtypes.AccountID(testID(4)),
		Server:           otxtypes.ServerID(testID(2)),
		Unit:             otxtypes.UnitID(testID(3)),
		Amount:           100,
		IntervalSeconds:  30 * 24 * 3600,
		Consideration:    "hosting",
		ValidFrom:        100,
	}
}

// TestPlanConfirm checks the happy path: the right nym confirms against its
// own account and two numbers are consumed.
func TestPlanConfirm(t *testing.T) {
	t.Parallel()

	merchant, err := nym.NewNym()
	require.NoError(t, err)
	payer, err := nym.NewNym()
	require.NoError(t, err)

	plan, err := ProposePlan(merchant, 7, testPlanTerms())
	require.NoError(t, err)
	require.NoError(t, plan.VerifyProposal(&merchant.Identity))
	require.False(t, plan.IsConfirmed())

	payerAccount := otxtypes.AccountID(testID(5))
	w := &mockWallet{accounts: map[otxtypes.AccountID]*wallet.Account{
		payerAccount: {
			ID:    payerAccount,
			Owner: payer.ID(),
			Unit:  otxtypes.UnitID(testID(3)),
		},
	}}

	ctx := newTestContext(t, 10, 11)
	require.NoError(t, plan.Confirm(ctx, w, payer, payerAccount))

	require.True(t, plan.IsConfirmed())
	require.Equal(t, 0, ctx.AvailableNumbers())
	require.Equal(t, payer.ID(), plan.SenderNym())
	require.NoError(t, plan.VerifyConfirmation(&payer.Identity))

	// The proposal signature still stands after confirmation.
	require.NoError(t, plan.VerifyProposal(&merchant.Identity))

	require.ErrorIs(
		t, plan.Confirm(ctx, w, payer, payerAccount),
		ErrAlreadyConfirmedPlan,
	)
}

// TestPlanConfirmWrongAccount checks that confirming against an account the
// nym does not own fails before any number is consumed.
func TestPlanConfirmWrongAccount(t *testing.T) {
	t.Parallel()

	merchant, err := nym.NewNym()
	require.NoError(t, err)
	payer, err := nym.NewNym()
	require.NoError(t, err)

	plan, err := ProposePlan(merchant, 7, testPlanTerms())
	require.NoError(t, err)

	otherAccount := otxtypes.AccountID(testID(5))
	w := &mockWallet{accounts: map[otxtypes.AccountID]*wallet.Account{
		otherAccount: {
			ID:    otherAccount,
			Owner: otxtypes.NymID(testID(9)),
			Unit:  otxtypes.UnitID(testID(3)),
		},
	}}

	ctx := newTestContext(t, 10, 11)
	err = plan.Confirm(ctx, w, payer, otherAccount)
	require.ErrorIs(t, err, ErrNotSenderAccount)

	require.Equal(t, 2, ctx.AvailableNumbers())
	require.False(t, plan.IsConfirmed())

	// An unknown account fails the same way.
	err = plan.Confirm(ctx, w, payer, otxtypes.AccountID(testID(6)))
	require.ErrorIs(t, err, wallet.ErrNotFound)
	require.Equal(t, 2, ctx.AvailableNumbers())
}

// TestPlanRoundTrip checks serialization before and after confirmation.
func TestPlanRoundTrip(t *testing.T) {
	t.Parallel()

	merchant, err := nym.NewNym()
	require.NoError(t, err)
	payer, err := nym.NewNym()
	require.NoError(t, err)

	plan, err := ProposePlan(merchant, 7, testPlanTerms())
	require.NoError(t, err)

	raw, err := plan.Serialize()
	require.NoError(t, err)
	parsed, err := ParsePlan(raw)
	require.NoError(t, err)

	require.False(t, parsed.IsConfirmed())
	require.NoError(t, parsed.VerifyProposal(&merchant.Identity))
	require.EqualValues(t, 7, parsed.OpeningNum())

	payerAccount := otxtypes.AccountID(testID(5))
	w := &mockWallet{accounts: map[otxtypes.AccountID]*wallet.Account{
		payerAccount: {
			ID:    payerAccount,
			Owner: payer.ID(),
			Unit:  otxtypes.UnitID(testID(3)),
		},
	}}
	ctx := newTestContext(t, 10, 11)
	require.NoError(t, parsed.Confirm(ctx, w, payer, payerAccount))

	raw, err = parsed.Serialize()
	require.NoError(t, err)
	confirmed, err := ParsePlan(raw)
	require.NoError(t, err)

	require.True(t, confirmed.IsConfirmed())
	require.NoError(t, confirmed.VerifyConfirmation(&payer.Identity))
	require.EqualValues(t, 10, confirmed.OpeningNum())
	require.Equal(t, payerAccount, confirmed.SenderAccount())
}
