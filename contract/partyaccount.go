package contract

import (
	"errors"
	"fmt"

	"github.com/wigggles/opentxs-sub020/otxtypes"
)

var (
	// ErrMismatch is the root of every structural comparison failure.
	// Mismatches are reported, never silently resolved.
	ErrMismatch = errors.New("structural mismatch")

	// ErrAccountIDset is returned when a party account's ID would be
	// changed after it was fixed. Once set, the ID is immutable for the
	// account's lifetime within the contract.
	ErrAccountIDSet = errors.New("party account ID already set")
)

// PartyAccount is one asset account pledged into an agreement by a party. It
// references its agent by name; the name resolves through the owning party
// at time of use.
type PartyAccount struct {
	name      string
	agentName string

	// accountID may be unset before confirmation. Once set it never
	// changes.
	accountID otxtypes.AccountID

	// unitID, once present, must equal the unit found on the live
	// account at confirmation time.
	unitID otxtypes.UnitID

	// closingNum is the number reserved to cover this account's final
	// receipt at contract termination. Zero when none is reserved.
	closingNum otxtypes.TransNum
}

// NewPartyAccount builds a pledged-account stub. Account ID and unit may be
// zero pre-confirmation.
func NewPartyAccount(name, agentName string, accountID otxtypes.AccountID,
	unitID otxtypes.UnitID) *PartyAccount {

	return &PartyAccount{
		name:      name,
		agentName: agentName,
		accountID: accountID,
		unitID:    unitID,
	}
}

// Name returns the account's script-local name.
func (pa *PartyAccount) Name() string {
	return pa.name
}

// AgentName returns the name of the agent authorized over this account,
// resolved within the owning party.
func (pa *PartyAccount) AgentName() string {
	return pa.agentName
}

// AccountID returns the pledged account's ID, zero pre-confirmation.
func (pa *PartyAccount) AccountID() otxtypes.AccountID {
	return pa.accountID
}

// UnitID returns the pledged account's asset type, zero if unspecified.
func (pa *PartyAccount) UnitID() otxtypes.UnitID {
	return pa.unitID
}

// ClosingNumber returns the reserved closing number, zero if none.
func (pa *PartyAccount) ClosingNumber() otxtypes.TransNum {
	return pa.closingNum
}

// SetAccountID fixes the pledged account's ID. Changing an already-set ID is
// refused.
func (pa *PartyAccount) SetAccountID(id otxtypes.AccountID) error {
	if !pa.accountID.IsZero() && pa.accountID != id {
		return fmt.Errorf("%w: %q has %v", ErrAccountIDSet, pa.name,
			pa.accountID)
	}

	pa.accountID = id

	return nil
}

// SetUnitID fixes the pledged account's asset type. Changing an already-set
// unit is a mismatch.
func (pa *PartyAccount) SetUnitID(id otxtypes.UnitID) error {
	if !pa.unitID.IsZero() && pa.unitID != id {
		return fmt.Errorf("%w: account %q unit %v vs %v", ErrMismatch,
			pa.name, pa.unitID, id)
	}

	pa.unitID = id

	return nil
}

// Compare checks structural equality with another party account: same names,
// same closing numbers where both are nonzero, same account IDs where both
// exist, same unit where both are present. Used to check that a
// counter-signed copy of an agreement still represents the same terms.
func (pa *PartyAccount) Compare(rhs *PartyAccount) error {
	if pa.name != rhs.name {
		return fmt.Errorf("%w: account name %q vs %q", ErrMismatch,
			pa.name, rhs.name)
	}

	if pa.agentName != rhs.agentName {
		return fmt.Errorf("%w: account %q agent %q vs %q", ErrMismatch,
			pa.name, pa.agentName, rhs.agentName)
	}

	if pa.closingNum != 0 && rhs.closingNum != 0 &&
		pa.closingNum != rhs.closingNum {

		return fmt.Errorf("%w: account %q closing number %v vs %v",
			ErrMismatch, pa.name, pa.closingNum, rhs.closingNum)
	}

	if !pa.accountID.IsZero() && !rhs.accountID.IsZero() &&
		pa.accountID != rhs.accountID {

		return fmt.Errorf("%w: account %q ID %v vs %v", ErrMismatch,
			pa.name, pa.accountID, rhs.accountID)
	}

	if !pa.unitID.IsZero() && !rhs.unitID.IsZero() &&
		pa.unitID != rhs.unitID {

		return fmt.Errorf("%w: account %q unit %v vs %v", ErrMismatch,
			pa.name, pa.unitID, rhs.unitID)
	}

	return nil
}
