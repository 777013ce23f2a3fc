package contract

import (
	"errors"
	"fmt"
	"sort"

	"github.com/wigggles/opentxs-sub020/otxtypes"
	"github.com/wigggles/opentxs-sub020/session"
	"github.com/wigggles/opentxs-sub020/wallet"
)

var (
	// ErrNameExists is returned when an insertion would collide with an
	// existing name. Names are the only lookup key; collisions are a
	// construction error surfaced to the caller, never a silent
	// overwrite.
	ErrNameExists = errors.New("name already in use")

	// ErrUnknownAgent is returned when a pledged account references an
	// agent name the party does not hold.
	ErrUnknownAgent = errors.New("no such agent in party")
)

// Party is one side of a multi-party scriptable agreement: its owner (nym or
// entity), its agents, the asset accounts it pledges, and its confirmation
// state. A party has exactly one authorizing agent, whose nym supplies the
// opening number.
type Party struct {
	name string

	// ownerIsNym discriminates nym-owned from entity-owned parties.
	ownerIsNym bool
	ownerID    otxtypes.ID

	// authorizingAgent names the agent whose nym supplies the opening
	// number.
	authorizingAgent string

	// openingNum is the number that activates the cron item on this
	// party's behalf. Zero until confirmation reserves it.
	openingNum otxtypes.TransNum

	agents   map[string]*Agent
	accounts map[string]*PartyAccount

	// signedCopy is the agreement text as confirmed and signed by this
	// party. Empty until the party confirms.
	signedCopy string
}

// NewParty builds an unconfirmed party. The owner ID may be zero for a
// template party whose owner is not yet specified.
func NewParty(name string, ownerIsNym bool, ownerID otxtypes.ID,
	authorizingAgent string) *Party {

	return &Party{
		name:             name,
		ownerIsNym:       ownerIsNym,
		ownerID:          ownerID,
		authorizingAgent: authorizingAgent,
		agents:           make(map[string]*Agent),
		accounts:         make(map[string]*PartyAccount),
	}
}

// Name returns the party's name, unique within the agreement.
func (p *Party) Name() string {
	return p.name
}

// OwnerIsNym reports whether the party is nym-owned rather than
// entity-owned.
func (p *Party) OwnerIsNym() bool {
	return p.ownerIsNym
}

// OwnerID returns the owning nym or entity ID, zero for a template.
func (p *Party) OwnerID() otxtypes.ID {
	return p.ownerID
}

// SetOwnerID fixes the owner for a template party.
func (p *Party) SetOwnerID(id otxtypes.ID) {
	p.ownerID = id
}

// AuthorizingAgentName returns the name of the agent that supplies the
// opening number.
func (p *Party) AuthorizingAgentName() string {
	return p.authorizingAgent
}

// OpeningNumber returns the reserved opening number, zero if none.
func (p *Party) OpeningNumber() otxtypes.TransNum {
	return p.openingNum
}

// SignedCopy returns the agreement text as signed by this party, empty until
// confirmation.
func (p *Party) SignedCopy() string {
	return p.signedCopy
}

// SetSignedCopy attaches the party's counter-signed agreement text.
func (p *Party) SetSignedCopy(copy string) {
	p.signedCopy = copy
}

// AddAgent inserts an agent under its name. A name collision fails without
// mutating the existing map.
func (p *Party) AddAgent(agent *Agent) error {
	if _, ok := p.agents[agent.Name()]; ok {
		return fmt.Errorf("%w: agent %q in party %q", ErrNameExists,
			agent.Name(), p.name)
	}

	p.agents[agent.Name()] = agent

	return nil
}

// Agent resolves an agent by name.
func (p *Party) Agent(name string) (*Agent, error) {
	agent, ok := p.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q in party %q", ErrUnknownAgent,
			name, p.name)
	}

	return agent, nil
}

// AgentNames returns the sorted names of the party's agents.
func (p *Party) AgentNames() []string {
	names := make([]string, 0, len(p.agents))
	for name := range p.agents {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// AuthorizingAgent resolves the party's authorizing agent.
func (p *Party) AuthorizingAgent() (*Agent, error) {
	return p.Agent(p.authorizingAgent)
}

// AddAccount pledges an account under its name. The account's agent name
// must resolve within this party, and a name collision fails without
// mutating the existing map.
func (p *Party) AddAccount(account *PartyAccount) error {
	if _, ok := p.accounts[account.Name()]; ok {
		return fmt.Errorf("%w: account %q in party %q", ErrNameExists,
			account.Name(), p.name)
	}

	if _, ok := p.agents[account.AgentName()]; !ok {
		return fmt.Errorf("%w: %q for account %q", ErrUnknownAgent,
			account.AgentName(), account.Name())
	}

	p.accounts[account.Name()] = account

	return nil
}

// Account resolves a pledged account by name.
func (p *Party) Account(name string) (*PartyAccount, error) {
	account, ok := p.accounts[name]
	if !ok {
		return nil, fmt.Errorf("no account %q in party %q", name,
			p.name)
	}

	return account, nil
}

// AccountNames returns the sorted names of the party's pledged accounts.
func (p *Party) AccountNames() []string {
	names := make([]string, 0, len(p.accounts))
	for name := range p.accounts {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// AccountCount returns how many accounts the party pledges.
func (p *Party) AccountCount() int {
	return len(p.accounts)
}

// ReserveTransNumsForConfirm reserves, against the given session context,
// one opening number if signerNym is the party's authorizing agent, plus one
// closing number per pledged account. All or nothing: if any reservation
// fails, everything reserved by this call is harvested back before the
// error returns, so no number leaks as reserved-but-unused.
func (p *Party) ReserveTransNumsForConfirm(ctx *session.ServerContext,
	signerNym otxtypes.NymID) error {

	agent, err := p.AuthorizingAgent()
	if err != nil {
		return err
	}
	if agent.NymID() != signerNym {
		return fmt.Errorf("nym %v is not the authorizing agent of "+
			"party %q", signerNym, p.name)
	}

	// Rollback scope is this call only. Numbers reserved by an earlier
	// successful confirmation stay held, since the agreement still
	// references them.
	var openedHere bool
	var closedHere []*PartyAccount

	rollback := func() {
		if openedHere {
			p.HarvestOpeningNumber(ctx)
		}
		for _, account := range closedHere {
			err := ctx.HarvestNumber(account.closingNum)
			if err != nil {
				log.Warnf("Unable to harvest closing number "+
					"%v of account %q: %v",
					account.closingNum, account.name, err)
			}
			account.closingNum = 0
		}
	}

	if p.openingNum == 0 {
		num, err := ctx.ReserveOpeningNumber()
		if err != nil {
			return fmt.Errorf("reserving opening number for "+
				"party %q: %w", p.name, err)
		}
		p.openingNum = num
		openedHere = true
	}

	for _, name := range p.AccountNames() {
		account := p.accounts[name]
		if account.closingNum != 0 {
			continue
		}

		num, err := ctx.ReserveClosingNumber(account.AccountID())
		if err != nil {
			rollback()
			return fmt.Errorf("reserving closing number for "+
				"account %q: %w", name, err)
		}
		account.closingNum = num
		closedHere = append(closedHere, account)
	}

	log.Debugf("Party %q reserved opening number %v and %v closing "+
		"numbers", p.name, p.openingNum, len(p.accounts))

	return nil
}

// HarvestOpeningNumber returns the party's opening number to the available
// pool, if one is still reserved. Idempotent: the number is cleared on first
// harvest, so a second call is a no-op.
func (p *Party) HarvestOpeningNumber(ctx *session.ServerContext) {
	if p.openingNum == 0 {
		return
	}

	err := ctx.HarvestNumber(p.openingNum)
	if err != nil && !errors.Is(err, session.ErrNumberNotReserved) {
		log.Warnf("Unable to harvest opening number %v of party %q: "+
			"%v", p.openingNum, p.name, err)
	}

	p.openingNum = 0
}

// HarvestClosingNumbers returns every pledged account's closing number to
// the available pool. Idempotent in the same way as HarvestOpeningNumber.
func (p *Party) HarvestClosingNumbers(ctx *session.ServerContext) {
	for _, account := range p.accounts {
		if account.closingNum == 0 {
			continue
		}

		err := ctx.HarvestNumber(account.closingNum)
		if err != nil &&
			!errors.Is(err, session.ErrNumberNotReserved) {

			log.Warnf("Unable to harvest closing number %v of "+
				"account %q: %v", account.closingNum,
				account.name, err)
		}

		account.closingNum = 0
	}
}

// HarvestAllTransactionNumbers returns every number this party reserved,
// used on confirmed-but-never-activated or rejected contracts.
func (p *Party) HarvestAllTransactionNumbers(ctx *session.ServerContext) {
	p.HarvestOpeningNumber(ctx)
	p.HarvestClosingNumbers(ctx)
}

// VerifyOwnershipOfAccount checks the live account's owner against the
// party's owner ID. Pure predicate, no side effects.
func (p *Party) VerifyOwnershipOfAccount(account *wallet.Account) error {
	if otxtypes.ID(account.Owner) != p.ownerID {
		return fmt.Errorf("%w: party %q owner %v does not own "+
			"account %v (owner %v)", ErrMismatch, p.name,
			p.ownerID, account.ID, account.Owner)
	}

	return nil
}

// VerifyAccountsWithTheirAgents resolves, for every pledged account, its
// named agent and the live account, then checks ownership and agency and
// that the declared unit matches the live one. If burnOnFail is set, a
// failing account's reserved closing number is consumed (treated as spent)
// instead of returned, so a malformed confirmation cannot be retried with
// the same number.
func (p *Party) VerifyAccountsWithTheirAgents(ctx *session.ServerContext,
	w wallet.Wallet, burnOnFail bool) error {

	fail := func(account *PartyAccount, err error) error {
		if burnOnFail && account.closingNum != 0 {
			burnErr := ctx.ConsumeNumber(account.closingNum)
			if burnErr != nil {
				log.Warnf("Unable to burn closing number %v "+
					"of account %q: %v",
					account.closingNum, account.name,
					burnErr)
			}
			account.closingNum = 0
		}

		return err
	}

	for _, name := range p.AccountNames() {
		account := p.accounts[name]

		agent, err := p.Agent(account.AgentName())
		if err != nil {
			return fail(account, err)
		}

		if account.AccountID().IsZero() {
			return fail(account, fmt.Errorf("account %q has no "+
				"account ID", name))
		}

		live, err := w.Account(account.AccountID())
		if err != nil {
			return fail(account, fmt.Errorf("loading account "+
				"%v: %w", account.AccountID(), err))
		}

		if err := p.VerifyOwnershipOfAccount(live); err != nil {
			return fail(account, err)
		}

		if err := agent.VerifyAgencyOfAccount(live); err != nil {
			return fail(account, err)
		}

		if !account.UnitID().IsZero() && account.UnitID() != live.Unit {
			return fail(account, fmt.Errorf("%w: account %q "+
				"declares unit %v but live account has %v",
				ErrMismatch, name, account.UnitID(),
				live.Unit))
		}
	}

	return nil
}

// Compare checks structural equality with another party: same name, owner,
// authorizing agent, opening numbers where both are nonzero, and matching
// agent and account structure. The signed copy is confirmation state, not
// structure, and is ignored.
func (p *Party) Compare(rhs *Party) error {
	switch {
	case p.name != rhs.name:
		return fmt.Errorf("%w: party name %q vs %q", ErrMismatch,
			p.name, rhs.name)

	case p.ownerIsNym != rhs.ownerIsNym:
		return fmt.Errorf("%w: party %q owner type differs",
			ErrMismatch, p.name)

	case p.authorizingAgent != rhs.authorizingAgent:
		return fmt.Errorf("%w: party %q authorizing agent %q vs %q",
			ErrMismatch, p.name, p.authorizingAgent,
			rhs.authorizingAgent)
	}

	if !p.ownerID.IsZero() && !rhs.ownerID.IsZero() &&
		p.ownerID != rhs.ownerID {

		return fmt.Errorf("%w: party %q owner %v vs %v", ErrMismatch,
			p.name, p.ownerID, rhs.ownerID)
	}

	if p.openingNum != 0 && rhs.openingNum != 0 &&
		p.openingNum != rhs.openingNum {

		return fmt.Errorf("%w: party %q opening number %v vs %v",
			ErrMismatch, p.name, p.openingNum, rhs.openingNum)
	}

	if len(p.agents) != len(rhs.agents) {
		return fmt.Errorf("%w: party %q has %v agents vs %v",
			ErrMismatch, p.name, len(p.agents), len(rhs.agents))
	}
	for name, agent := range p.agents {
		other, ok := rhs.agents[name]
		if !ok {
			return fmt.Errorf("%w: party %q missing agent %q",
				ErrMismatch, p.name, name)
		}
		if err := agent.compare(other); err != nil {
			return err
		}
	}

	if len(p.accounts) != len(rhs.accounts) {
		return fmt.Errorf("%w: party %q has %v accounts vs %v",
			ErrMismatch, p.name, len(p.accounts),
			len(rhs.accounts))
	}
	for name, account := range p.accounts {
		other, ok := rhs.accounts[name]
		if !ok {
			return fmt.Errorf("%w: party %q missing account %q",
				ErrMismatch, p.name, name)
		}
		if err := account.Compare(other); err != nil {
			return err
		}
	}

	return nil
}
