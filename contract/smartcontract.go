package contract

import (
	"errors"
	"fmt"

	"github.com/wigggles/opentxs-sub020/nym"
	"github.com/wigggles/opentxs-sub020/otxtypes"
	"github.com/wigggles/opentxs-sub020/session"
)

var (
	// ErrAlreadyConfirmed is returned when a structural mutation is
	// attempted after a party has confirmed. Confirmation signs the text;
	// changing the text afterwards would orphan every signed copy.
	ErrAlreadyConfirmed = errors.New("contract already has confirmations")

	// ErrNotAuthorizing is returned when a nym tries to confirm a party
	// it is not the authorizing agent of.
	ErrNotAuthorizing = errors.New("nym is not the authorizing agent")
)

// LifecycleState describes how far along its assembly a contract is.
type LifecycleState uint8

const (
	// StateTemplate is a contract whose parties or notary are not yet
	// pinned to concrete identifiers.
	StateTemplate LifecycleState = iota

	// StateSpecified has every party owner and the notary filled in, but
	// no confirmations yet.
	StateSpecified

	// StatePartiallyConfirmed has at least one, but not every, party's
	// signed copy attached.
	StatePartiallyConfirmed

	// StateFullyConfirmed has every party's signed copy attached and the
	// contract is ready to send for activation.
	StateFullyConfirmed

	// StateActivated is live on the notary's cron.
	StateActivated
)

// String returns a human readable name for the lifecycle state.
func (s LifecycleState) String() string {
	switch s {
	case StateTemplate:
		return "template"
	case StateSpecified:
		return "specified"
	case StatePartiallyConfirmed:
		return "partially confirmed"
	case StateFullyConfirmed:
		return "fully confirmed"
	case StateActivated:
		return "activated"
	default:
		return "unknown"
	}
}

// SmartContract is a multi-party scriptable agreement bound to one notary,
// with an optional validity window. It moves from template through
// per-party confirmation to activation; each confirmation reserves
// transaction numbers and counter-signs the canonical text.
type SmartContract struct {
	Scriptable

	server otxtypes.ServerID

	// validFrom and validTo bound the activation window as unix seconds,
	// zero meaning unbounded on that side.
	validFrom int64
	validTo   int64

	// signatures carries the document signatures parsed from or produced
	// for the serialized form.
	signatures []xmlSignature

	activated bool
}

// NewSmartContract builds an empty contract bound to a notary. A zero server
// ID leaves the contract a template.
func NewSmartContract(server otxtypes.ServerID) *SmartContract {
	return &SmartContract{
		Scriptable: NewScriptable(),
		server:     server,
	}
}

// ServerID returns the notary the contract is bound to.
func (sc *SmartContract) ServerID() otxtypes.ServerID {
	return sc.server
}

// SetServerID pins a template contract to a notary.
func (sc *SmartContract) SetServerID(server otxtypes.ServerID) {
	sc.server = server
}

// ValidRange returns the contract's activation window as unix seconds, zero
// meaning unbounded on that side.
func (sc *SmartContract) ValidRange() (from, to int64) {
	return sc.validFrom, sc.validTo
}

// SetValidRange sets the activation window. A nonzero end before the start
// is rejected.
func (sc *SmartContract) SetValidRange(from, to int64) error {
	if to != 0 && to < from {
		return fmt.Errorf("validity window ends %v before it starts %v",
			to, from)
	}

	sc.validFrom, sc.validTo = from, to

	return nil
}

// MarkActivated records that the notary accepted the contract onto its cron.
func (sc *SmartContract) MarkActivated() {
	sc.activated = true
}

// State computes the contract's lifecycle state from its structure: every
// attached signed copy moves it forward, activation is terminal.
func (sc *SmartContract) State() LifecycleState {
	switch {
	case sc.activated:
		return StateActivated

	case sc.AllPartiesHaveSupposedlyConfirmed():
		return StateFullyConfirmed
	}

	for _, party := range sc.parties {
		if party.SignedCopy() != "" {
			return StatePartiallyConfirmed
		}
	}

	if sc.PartyCount() == 0 || sc.server.IsZero() {
		return StateTemplate
	}
	for _, party := range sc.parties {
		if party.OwnerID().IsZero() {
			return StateTemplate
		}
	}

	return StateSpecified
}

// CountNumsNeeded returns how many transaction numbers confirming under the
// named agent will reserve: one opening number per party whose authorizing
// agent carries that name, plus one closing number per account assigned to
// it. Zero means the agent appears nowhere.
func (sc *SmartContract) CountNumsNeeded(agentName string) int {
	var needed int
	for _, party := range sc.parties {
		if party.AuthorizingAgentName() == agentName {
			needed++
		}
		for _, account := range party.accounts {
			if account.AgentName() == agentName {
				needed++
			}
		}
	}

	return needed
}

// ConfirmParty confirms the named party on the signer's behalf: the party
// owner and authorizing agent are pinned to the signer where still
// unspecified, the opening and closing numbers are reserved against the
// session, and the resulting text is signed and attached as the party's
// signed copy. On any failure after reservation the numbers are harvested
// back. The signed text is returned for conveyance to the other parties.
func (sc *SmartContract) ConfirmParty(partyName string,
	ctx *session.ServerContext, signer *nym.Nym) (string, error) {

	party, err := sc.Party(partyName)
	if err != nil {
		return "", err
	}
	if party.SignedCopy() != "" {
		return "", fmt.Errorf("party %q already confirmed", partyName)
	}

	agent, err := party.AuthorizingAgent()
	if err != nil {
		return "", err
	}
	if agent.IsAGroup() {
		return "", fmt.Errorf("%w: authorizing agent %q of party %q "+
			"is a group", ErrNoSigner, agent.Name(), partyName)
	}

	// Pin template slots to the confirming nym. A party written for a
	// specific nym must be confirmed by that nym.
	switch {
	case agent.NymID().IsZero():
		agent.nymID = signer.ID()

	case agent.NymID() != signer.ID():
		return "", fmt.Errorf("%w: party %q expects nym %v, signer "+
			"is %v", ErrNotAuthorizing, partyName, agent.NymID(),
			signer.ID())
	}
	if party.OwnerIsNym() && party.OwnerID().IsZero() {
		party.SetOwnerID(otxtypes.ID(signer.ID()))
	}

	if err := agent.LoadNym(signer); err != nil {
		return "", err
	}

	err = party.ReserveTransNumsForConfirm(ctx, signer.ID())
	if err != nil {
		return "", err
	}

	signedText, err := sc.SerializeSigned(signer)
	if err != nil {
		party.HarvestAllTransactionNumbers(ctx)
		return "", err
	}

	party.SetSignedCopy(signedText)

	log.Infof("Party %q confirmed contract on server %v with opening "+
		"number %v", partyName, sc.server, party.OpeningNumber())

	return signedText, nil
}

// VerifyThisAgainstAllPartiesSignedCopies parses every party's signed copy
// and compares it structurally against this contract. Any party without a
// signed copy, or whose copy diverges, fails the whole check.
func (sc *SmartContract) VerifyThisAgainstAllPartiesSignedCopies() error {
	if sc.PartyCount() == 0 {
		return fmt.Errorf("contract names no parties")
	}

	for _, name := range sc.PartyNames() {
		party := sc.parties[name]

		if party.SignedCopy() == "" {
			return fmt.Errorf("party %q has not confirmed", name)
		}

		copied, err := Parse(party.SignedCopy())
		if err != nil {
			return fmt.Errorf("parsing signed copy of party %q: "+
				"%w", name, err)
		}

		if copied.server != sc.server {
			return fmt.Errorf("%w: signed copy of party %q names "+
				"server %v, want %v", ErrMismatch, name,
				copied.server, sc.server)
		}

		if err := sc.Compare(&copied.Scriptable); err != nil {
			return fmt.Errorf("signed copy of party %q: %w", name,
				err)
		}
	}

	return nil
}

// mutate parses contract text, applies a structural edit and re-serializes
// under the signer's signature. Structural edits are template-phase only;
// once any party has confirmed, the text is frozen.
func mutate(text string, signer *nym.Nym,
	edit func(*SmartContract) error) (string, error) {

	sc, err := Parse(text)
	if err != nil {
		return "", err
	}

	for _, party := range sc.parties {
		if party.SignedCopy() != "" {
			return "", ErrAlreadyConfirmed
		}
	}

	if err := edit(sc); err != nil {
		return "", err
	}

	// The edit invalidated any signature over the old text.
	sc.signatures = nil

	return sc.SerializeSigned(signer)
}

// AddParty inserts a nym-owned template party with a single self-agent, into
// serialized contract text, and returns the re-signed text.
func AddParty(text string, signer *nym.Nym, partyName,
	agentName string) (string, error) {

	return mutate(text, signer, func(sc *SmartContract) error {
		party := NewParty(partyName, true, otxtypes.ID{}, agentName)

		agent := NewAgentForSelf(agentName, otxtypes.NymID{})
		if err := party.AddAgent(agent); err != nil {
			return err
		}

		return sc.AddParty(party)
	})
}

// RemoveParty deletes a party from serialized contract text and returns the
// re-signed text.
func RemoveParty(text string, signer *nym.Nym,
	partyName string) (string, error) {

	return mutate(text, signer, func(sc *SmartContract) error {
		return sc.RemoveParty(partyName)
	})
}

// AddAccount pledges an unfunded template account to a party in serialized
// contract text and returns the re-signed text. The account ID stays unset
// until the pledging party confirms.
func AddAccount(text string, signer *nym.Nym, partyName, accountName,
	agentName string, unitID otxtypes.UnitID) (string, error) {

	return mutate(text, signer, func(sc *SmartContract) error {
		party, err := sc.Party(partyName)
		if err != nil {
			return err
		}

		account := NewPartyAccount(
			accountName, agentName, otxtypes.AccountID{}, unitID,
		)

		return party.AddAccount(account)
	})
}

// RemoveAccount withdraws a pledged account from a party in serialized
// contract text and returns the re-signed text.
func RemoveAccount(text string, signer *nym.Nym, partyName,
	accountName string) (string, error) {

	return mutate(text, signer, func(sc *SmartContract) error {
		party, err := sc.Party(partyName)
		if err != nil {
			return err
		}
		if _, err := party.Account(accountName); err != nil {
			return err
		}

		delete(party.accounts, accountName)

		return nil
	})
}

// AddBylaw inserts an empty bylaw into serialized contract text and returns
// the re-signed text.
func AddBylaw(text string, signer *nym.Nym, bylawName,
	language string) (string, error) {

	return mutate(text, signer, func(sc *SmartContract) error {
		return sc.AddBylaw(NewBylaw(bylawName, language))
	})
}

// RemoveBylaw deletes a bylaw from serialized contract text and returns the
// re-signed text.
func RemoveBylaw(text string, signer *nym.Nym,
	bylawName string) (string, error) {

	return mutate(text, signer, func(sc *SmartContract) error {
		return sc.RemoveBylaw(bylawName)
	})
}

// AddClause inserts a clause into a bylaw in serialized contract text and
// returns the re-signed text.
func AddClause(text string, signer *nym.Nym, bylawName, clauseName,
	source string) (string, error) {

	return mutate(text, signer, func(sc *SmartContract) error {
		bylaw, err := sc.Bylaw(bylawName)
		if err != nil {
			return err
		}

		return bylaw.AddClause(clauseName, source)
	})
}

// RemoveClause deletes a clause, and any hooks or callbacks bound to it,
// from serialized contract text and returns the re-signed text.
func RemoveClause(text string, signer *nym.Nym, bylawName,
	clauseName string) (string, error) {

	return mutate(text, signer, func(sc *SmartContract) error {
		bylaw, err := sc.Bylaw(bylawName)
		if err != nil {
			return err
		}

		return bylaw.RemoveClause(clauseName)
	})
}

// AddVariable inserts a variable into a bylaw in serialized contract text
// and returns the re-signed text.
func AddVariable(text string, signer *nym.Nym, bylawName string,
	variable *Variable) (string, error) {

	return mutate(text, signer, func(sc *SmartContract) error {
		bylaw, err := sc.Bylaw(bylawName)
		if err != nil {
			return err
		}

		return bylaw.AddVariable(variable)
	})
}

// RemoveVariable deletes a variable from serialized contract text and
// returns the re-signed text.
func RemoveVariable(text string, signer *nym.Nym, bylawName,
	variableName string) (string, error) {

	return mutate(text, signer, func(sc *SmartContract) error {
		bylaw, err := sc.Bylaw(bylawName)
		if err != nil {
			return err
		}

		return bylaw.RemoveVariable(variableName)
	})
}

// AddHook attaches a clause to a hook in serialized contract text and
// returns the re-signed text.
func AddHook(text string, signer *nym.Nym, bylawName, hookName,
	clauseName string) (string, error) {

	return mutate(text, signer, func(sc *SmartContract) error {
		bylaw, err := sc.Bylaw(bylawName)
		if err != nil {
			return err
		}

		return bylaw.AddHook(hookName, clauseName)
	})
}

// RemoveHook detaches a clause from a hook in serialized contract text and
// returns the re-signed text.
func RemoveHook(text string, signer *nym.Nym, bylawName, hookName,
	clauseName string) (string, error) {

	return mutate(text, signer, func(sc *SmartContract) error {
		bylaw, err := sc.Bylaw(bylawName)
		if err != nil {
			return err
		}

		return bylaw.RemoveHook(hookName, clauseName)
	})
}

// AddCallback binds a callback to its answering clause in serialized
// contract text and returns the re-signed text.
func AddCallback(text string, signer *nym.Nym, bylawName, callbackName,
	clauseName string) (string, error) {

	return mutate(text, signer, func(sc *SmartContract) error {
		bylaw, err := sc.Bylaw(bylawName)
		if err != nil {
			return err
		}

		return bylaw.AddCallback(callbackName, clauseName)
	})
}

// RemoveCallback unbinds a callback in serialized contract text and returns
// the re-signed text.
func RemoveCallback(text string, signer *nym.Nym, bylawName,
	callbackName string) (string, error) {

	return mutate(text, signer, func(sc *SmartContract) error {
		bylaw, err := sc.Bylaw(bylawName)
		if err != nil {
			return err
		}

		return bylaw.RemoveCallback(callbackName)
	})
}

// CompareContract checks structural equality with another contract: same notary,
// same validity window where both declare one, and the same party and bylaw
// structure throughout.
func (sc *SmartContract) CompareContract(rhs *SmartContract) error {
	if !sc.server.IsZero() && !rhs.server.IsZero() &&
		sc.server != rhs.server {

		return fmt.Errorf("%w: server %v vs %v", ErrMismatch,
			sc.server, rhs.server)
	}

	if sc.validFrom != rhs.validFrom || sc.validTo != rhs.validTo {
		return fmt.Errorf("%w: validity window [%v, %v] vs [%v, %v]",
			ErrMismatch, sc.validFrom, sc.validTo, rhs.validFrom,
			rhs.validTo)
	}

	return sc.Compare(&rhs.Scriptable)
}
