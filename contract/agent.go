package contract

import (
	"errors"
	"fmt"

	"github.com/wigggles/opentxs-sub020/nym"
	"github.com/wigggles/opentxs-sub020/otxtypes"
	"github.com/wigggles/opentxs-sub020/wallet"
)

var (
	// ErrNoSigner is returned when a signer is requested from a passive
	// voting group, which has none. Callers needing a signer must check
	// IsAnIndividual first.
	ErrNoSigner = errors.New("group agent has no signer")

	// ErrNymNotLoaded is returned when an operation needs the agent's
	// underlying nym and it has not been loaded yet.
	ErrNymNotLoaded = errors.New("agent nym not loaded")
)

// Agent is who may act for a party: an individual (a nym acting for himself,
// or a nym acting in a role for an entity) or a passive voting group. The
// two discriminators are fixed at construction; exactly one of
// represents-self/represents-entity holds, and exactly one of
// individual/group holds.
type Agent struct {
	name string

	representsSelf bool
	isIndividual   bool

	// nymID is the acting nym for an individual agent.
	nymID otxtypes.NymID

	// entityID is the represented entity when representsSelf is false.
	entityID otxtypes.ID

	// roleID is the role an individual holds within the entity it
	// represents.
	roleID otxtypes.ID

	// groupName names the voting group for a group agent.
	groupName string

	// signer is the loaded nym backing an individual agent. The agent
	// becomes usable for live operations only once it is set.
	signer *nym.Nym
}

// NewAgentForSelf builds an individual agent for a nym acting on its own
// behalf.
func NewAgentForSelf(name string, nymID otxtypes.NymID) *Agent {
	return &Agent{
		name:           name,
		representsSelf: true,
		isIndividual:   true,
		nymID:          nymID,
	}
}

// NewAgentForEntity builds an individual agent for a nym acting in a role on
// behalf of an entity.
func NewAgentForEntity(name string, nymID otxtypes.NymID,
	entityID, roleID otxtypes.ID) *Agent {

	return &Agent{
		name:         name,
		isIndividual: true,
		nymID:        nymID,
		entityID:     entityID,
		roleID:       roleID,
	}
}

// NewGroupAgent builds a passive voting-group agent for an entity.
func NewGroupAgent(name, groupName string, entityID otxtypes.ID) *Agent {
	return &Agent{
		name:      name,
		groupName: groupName,
		entityID:  entityID,
	}
}

// Name returns the agent's script-local name.
func (a *Agent) Name() string {
	return a.name
}

// DoesRepresentHimself reports whether the agent is a nym acting on its own
// behalf.
func (a *Agent) DoesRepresentHimself() bool {
	return a.representsSelf
}

// DoesRepresentAnEntity reports whether the agent acts for an entity.
func (a *Agent) DoesRepresentAnEntity() bool {
	return !a.representsSelf
}

// IsAnIndividual reports whether the agent is a single nym, with signing
// capability once loaded.
func (a *Agent) IsAnIndividual() bool {
	return a.isIndividual
}

// IsAGroup reports whether the agent is a passive voting group.
func (a *Agent) IsAGroup() bool {
	return !a.isIndividual
}

// NymID returns the acting nym of an individual agent, zero for groups.
func (a *Agent) NymID() otxtypes.NymID {
	return a.nymID
}

// EntityID returns the represented entity, zero for self-representing
// agents.
func (a *Agent) EntityID() otxtypes.ID {
	return a.entityID
}

// RoleID returns the role an entity-representing individual holds.
func (a *Agent) RoleID() otxtypes.ID {
	return a.roleID
}

// GroupName returns the voting group's name, empty for individuals.
func (a *Agent) GroupName() string {
	return a.groupName
}

// SignerID returns the identifier the notary knows this agent's signature
// under: the role ID for an individual representing an entity, otherwise the
// nym ID. Groups have no signer.
func (a *Agent) SignerID() (otxtypes.ID, error) {
	if a.IsAGroup() {
		return otxtypes.ID{}, ErrNoSigner
	}

	if a.DoesRepresentAnEntity() {
		return a.roleID, nil
	}

	return otxtypes.ID(a.nymID), nil
}

// LoadNym attaches the signing nym backing an individual agent, activating
// it for live operations. The nym must match the agent's declared nym ID.
func (a *Agent) LoadNym(n *nym.Nym) error {
	if a.IsAGroup() {
		return ErrNoSigner
	}
	if n.ID() != a.nymID {
		return fmt.Errorf("nym %v does not back agent %q (want %v)",
			n.ID(), a.name, a.nymID)
	}

	a.signer = n

	return nil
}

// SignerNym returns the loaded nym of an individual agent.
func (a *Agent) SignerNym() (*nym.Nym, error) {
	if a.IsAGroup() {
		return nil, ErrNoSigner
	}
	if a.signer == nil {
		return nil, ErrNymNotLoaded
	}

	return a.signer, nil
}

// VerifyAgencyOfAccount checks that the notary has this agent on file as the
// authorized signer for the account. Pure predicate, no side effects.
func (a *Agent) VerifyAgencyOfAccount(account *wallet.Account) error {
	signerID, err := a.SignerID()
	if err != nil {
		return err
	}

	if account.AuthorizedAgent != signerID {
		return fmt.Errorf("%w: agent %q signs as %v but account %v "+
			"authorizes %v", ErrMismatch, a.name, signerID,
			account.ID, account.AuthorizedAgent)
	}

	return nil
}

// compare checks structural equality with another agent: same name, same
// discriminators, same identifiers. The loaded signer is identity state, not
// structure, and is ignored.
func (a *Agent) compare(rhs *Agent) error {
	switch {
	case a.name != rhs.name:
		return fmt.Errorf("%w: agent name %q vs %q", ErrMismatch,
			a.name, rhs.name)

	case a.representsSelf != rhs.representsSelf:
		return fmt.Errorf("%w: agent %q representation differs",
			ErrMismatch, a.name)

	case a.isIndividual != rhs.isIndividual:
		return fmt.Errorf("%w: agent %q individuality differs",
			ErrMismatch, a.name)

	case a.nymID != rhs.nymID:
		return fmt.Errorf("%w: agent %q nym %v vs %v", ErrMismatch,
			a.name, a.nymID, rhs.nymID)

	case a.entityID != rhs.entityID:
		return fmt.Errorf("%w: agent %q entity differs", ErrMismatch,
			a.name)

	case a.roleID != rhs.roleID:
		return fmt.Errorf("%w: agent %q role differs", ErrMismatch,
			a.name)

	case a.groupName != rhs.groupName:
		return fmt.Errorf("%w: agent %q group %q vs %q", ErrMismatch,
			a.name, a.groupName, rhs.groupName)
	}

	return nil
}
