package contract

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wigggles/opentxs-sub020/nym"
	"github.com/wigggles/opentxs-sub020/otxtypes"
	"github.com/wigggles/opentxs-sub020/session"
	"github.com/wigggles/opentxs-sub020/wallet"
)

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

// newConfirmedParty builds a party for the signer with one agent and the
// given pledged accounts.
func newConfirmedParty(t *testing.T, signer *nym.Nym,
	accountIDs ...otxtypes.AccountID) *Party {

	t.Helper()

	party := NewParty(
		"alice", true, otxtypes.ID(signer.ID()), "alice-agent",
	)
	require.NoError(t, party.AddAgent(
		NewAgentForSelf("alice-agent", signer.ID()),
	))

	for i, id := range accountIDs {
		account := NewPartyAccount(
			"acct-"+string(rune('a'+i)), "alice-agent", id,
			otxtypes.UnitID(testID(7)),
		)
		require.NoError(t, party.AddAccount(account))
	}

	return party
}

// TestPartyNameCollisions checks that agent and account insertions are
// rejected on duplicate names and on unresolved agent references.
func TestPartyNameCollisions(t *testing.T) {
	t.Parallel()

	party := NewParty("alice", true, testID(1), "agent")
	require.NoError(t, party.AddAgent(
		NewAgentForSelf("agent", otxtypes.NymID(testID(1))),
	))

	err := party.AddAgent(NewAgentForSelf(
		"agent", otxtypes.NymID(testID(2)),
	))
	require.ErrorIs(t, err, ErrNameExists)

	account := NewPartyAccount(
		"acct", "agent", otxtypes.AccountID(testID(3)),
		otxtypes.UnitID(testID(4)),
	)
	require.NoError(t, party.AddAccount(account))
	require.ErrorIs(t, party.AddAccount(account), ErrNameExists)

	orphan := NewPartyAccount(
		"orphan", "no-such-agent", otxtypes.AccountID(testID(5)),
		otxtypes.UnitID(testID(4)),
	)
	require.ErrorIs(t, party.AddAccount(orphan), ErrUnknownAgent)
}

// TestReserveAllOrNothing checks that a failed reservation returns every
// number taken so far, leaving the pool exactly as it was.
func TestReserveAllOrNothing(t *testing.T) {
	t.Parallel()

	signer, err := nym.NewNym()
	require.NoError(t, err)

	// Two accounts need three numbers, but only two are available.
	ctx := newTestContext(t, 10, 11)
	party := newConfirmedParty(
		t, signer,
		otxtypes.AccountID(testID(3)), otxtypes.AccountID(testID(4)),
	)

	err = party.ReserveTransNumsForConfirm(ctx, signer.ID())
	require.ErrorIs(t, err, session.ErrNumbersExhausted)

	require.Equal(t, 2, ctx.AvailableNumbers())
	require.EqualValues(t, 0, party.OpeningNumber())
}

// TestReserveRollbackScopedToCall checks that the rollback of a failed
// reservation releases only the numbers taken by that call. Numbers reserved
// by an earlier successful confirmation stay held, since the agreement still
// references them.
func TestReserveRollbackScopedToCall(t *testing.T) {
	t.Parallel()

	signer, err := nym.NewNym()
	require.NoError(t, err)

	// One account needs two numbers; the first call drains the pool.
	ctx := newTestContext(t, 10, 11)
	party := newConfirmedParty(t, signer, otxtypes.AccountID(testID(3)))

	require.NoError(t, party.ReserveTransNumsForConfirm(ctx, signer.ID()))
	require.Equal(t, 0, ctx.AvailableNumbers())
	require.EqualValues(t, 10, party.OpeningNumber())

	// Pledge a second account and re-confirm with the pool exhausted.
	require.NoError(t, party.AddAccount(NewPartyAccount(
		"acct-b", "alice-agent", otxtypes.AccountID(testID(4)),
		otxtypes.UnitID(testID(7)),
	)))

	err = party.ReserveTransNumsForConfirm(ctx, signer.ID())
	require.ErrorIs(t, err, session.ErrNumbersExhausted)

	// The first call's numbers are still held.
	require.Equal(t, 0, ctx.AvailableNumbers())
	require.EqualValues(t, 10, party.OpeningNumber())

	first, err := party.Account("acct-a")
	require.NoError(t, err)
	require.EqualValues(t, 11, first.ClosingNumber())

	// Releasing them afterwards returns exactly the two originals.
	party.HarvestAllTransactionNumbers(ctx)
	require.Equal(t, 2, ctx.AvailableNumbers())
}

// TestReserveAndHarvestIdempotent checks the full reserve/harvest round
// trip, and that a second harvest is a no-op.
func TestReserveAndHarvestIdempotent(t *testing.T) {
	t.Parallel()

	signer, err := nym.NewNym()
	require.NoError(t, err)

	ctx := newTestContext(t, 10, 11)
	party := newConfirmedParty(t, signer, otxtypes.AccountID(testID(3)))

	require.NoError(t, party.ReserveTransNumsForConfirm(ctx, signer.ID()))
	require.Equal(t, 0, ctx.AvailableNumbers())
	require.EqualValues(t, 10, party.OpeningNumber())

	party.HarvestAllTransactionNumbers(ctx)
	require.Equal(t, 2, ctx.AvailableNumbers())
	require.EqualValues(t, 0, party.OpeningNumber())

	// Second harvest finds nothing to return.
	party.HarvestAllTransactionNumbers(ctx)
	require.Equal(t, 2, ctx.AvailableNumbers())
}

// TestReserveWrongSigner checks that only the authorizing agent's nym can
// reserve for the party.
func TestReserveWrongSigner(t *testing.T) {
	t.Parallel()

	signer, err := nym.NewNym()
	require.NoError(t, err)

	ctx := newTestContext(t, 10)
	party := newConfirmedParty(t, signer)

	err = party.ReserveTransNumsForConfirm(
		ctx, otxtypes.NymID(testID(9)),
	)
	require.Error(t, err)
	require.Equal(t, 1, ctx.AvailableNumbers())
}

// TestVerifyAccountsBurnOnFail checks that a failed account verification
// with burning enabled consumes the closing number instead of returning it:
// the number can be neither harvested nor reused.
func TestVerifyAccountsBurnOnFail(t *testing.T) {
	t.Parallel()

	signer, err := nym.NewNym()
	require.NoError(t, err)

	accountID := otxtypes.AccountID(testID(3))
	ctx := newTestContext(t, 10, 11)
	party := newConfirmedParty(t, signer, accountID)
	require.NoError(t, party.ReserveTransNumsForConfirm(ctx, signer.ID()))

	// The live account belongs to somebody else.
	w := &mockWallet{accounts: map[otxtypes.AccountID]*wallet.Account{
		accountID: {
			ID:              accountID,
			Owner:           otxtypes.NymID(testID(9)),
			Unit:            otxtypes.UnitID(testID(7)),
			AuthorizedAgent: otxtypes.ID(signer.ID()),
		},
	}}

	err = party.VerifyAccountsWithTheirAgents(ctx, w, true)
	require.ErrorIs(t, err, ErrMismatch)

	// The closing number was burned, so harvesting returns only the
	// opening number.
	party.HarvestAllTransactionNumbers(ctx)
	require.Equal(t, 1, ctx.AvailableNumbers())
}

// TestVerifyAccountsHappyPath checks a fully consistent party against the
// wallet: right owner, right agent, right unit.
func TestVerifyAccountsHappyPath(t *testing.T) {
	t.Parallel()

	signer, err := nym.NewNym()
	require.NoError(t, err)

	accountID := otxtypes.AccountID(testID(3))
	ctx := newTestContext(t, 10, 11)
	party := newConfirmedParty(t, signer, accountID)
	require.NoError(t, party.ReserveTransNumsForConfirm(ctx, signer.ID()))

	w := &mockWallet{accounts: map[otxtypes.AccountID]*wallet.Account{
		accountID: {
			ID:              accountID,
			Owner:           signer.ID(),
			Unit:            otxtypes.UnitID(testID(7)),
			AuthorizedAgent: otxtypes.ID(signer.ID()),
		},
	}}

	require.NoError(t, party.VerifyAccountsWithTheirAgents(ctx, w, true))
	require.Equal(t, 0, ctx.AvailableNumbers())
}
