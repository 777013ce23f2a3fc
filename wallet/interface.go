package wallet

import (
	"errors"

	"github.com/wigggles/opentxs-sub020/nym"
	"github.com/wigggles/opentxs-sub020/otxtypes"
	"github.com/wigggles/opentxs-sub020/session"
)

// ErrNotFound is returned by every lookup whose target is not in the wallet.
// Lookups never return partial data: a value is either fully populated or
// absent.
var ErrNotFound = errors.New("not found in wallet")

// NymRecord is a stored counterparty identity plus the claims the wallet has
// gathered about it.
type NymRecord struct {
	// Identity is the nym's public identity.
	Identity *nym.Identity

	// PreferredServer is the notary the nym claims to transact on. Zero
	// if the nym has made no such claim.
	PreferredServer otxtypes.ServerID

	// Alias is a local, display-only label.
	Alias string
}

// Account is an asset account held at a notary.
type Account struct {
	ID     otxtypes.AccountID
	Owner  otxtypes.NymID
	Server otxtypes.ServerID
	Unit   otxtypes.UnitID

	// Balance is the last balance confirmed by a signed receipt.
	Balance otxtypes.Amount

	// AuthorizedAgent is the signer the notary has on file as entitled to
	// transact on the account. For self-owned accounts this is the owner
	// nym itself; for entity-owned accounts it is the acting role.
	AuthorizedAgent otxtypes.ID

	// Label is a local, display-only name.
	Label string
}

// ServerContract describes a notary well enough to connect and verify it.
type ServerContract struct {
	ID            otxtypes.ServerID
	Name          string
	ConnectString string

	// TransportKey is the server's published transport public key.
	TransportKey []byte

	// Raw is the serialized signed contract as published.
	Raw []byte
}

// UnitDefinition describes an asset type issued at a notary.
type UnitDefinition struct {
	ID     otxtypes.UnitID
	Name   string
	Symbol string

	// Raw is the serialized signed definition as published.
	Raw []byte
}

// Contact groups the nyms known to belong to one counterparty.
type Contact struct {
	ID    otxtypes.ID
	Label string
	Nyms  []otxtypes.NymID
}

// Wallet is the storage collaborator: every lookup the engine needs,
// together with the mutation counterparts. Implementations must be safe for
// concurrent use.
type Wallet interface {
	// LocalNym returns a nym with signing capability, or ErrNotFound.
	LocalNym(id otxtypes.NymID) (*nym.Nym, error)

	// PutLocalNym stores a signing nym.
	PutLocalNym(n *nym.Nym) error

	// Nym returns the stored record for a nym, or ErrNotFound.
	Nym(id otxtypes.NymID) (*NymRecord, error)

	// PutNym stores or replaces a nym record.
	PutNym(record *NymRecord) error

	// Account returns the stored account, or ErrNotFound.
	Account(id otxtypes.AccountID) (*Account, error)

	// PutAccount stores or replaces an account.
	PutAccount(account *Account) error

	// AccountsFor lists accounts owned by the nym on the given server,
	// filtered to the unit when unit is nonzero.
	AccountsFor(owner otxtypes.NymID, server otxtypes.ServerID,
		unit otxtypes.UnitID) ([]*Account, error)

	// Server returns the stored server contract, or ErrNotFound.
	Server(id otxtypes.ServerID) (*ServerContract, error)

	// PutServer stores or replaces a server contract.
	PutServer(contract *ServerContract) error

	// UnitDefinition returns the stored unit definition, or ErrNotFound.
	UnitDefinition(id otxtypes.UnitID) (*UnitDefinition, error)

	// PutUnitDefinition stores or replaces a unit definition.
	PutUnitDefinition(unit *UnitDefinition) error

	// Contact returns the stored contact, or ErrNotFound.
	Contact(id otxtypes.ID) (*Contact, error)

	// PutContact stores or replaces a contact.
	PutContact(contact *Contact) error

	// ServerContext returns the existing session context for the pair, or
	// ErrNotFound. The returned context persists itself through the
	// wallet on every mutation.
	ServerContext(localNym otxtypes.NymID,
		server otxtypes.ServerID) (*session.ServerContext, error)

	// MutableServerContext returns the session context for the pair,
	// creating an empty one if none exists yet.
	MutableServerContext(localNym otxtypes.NymID,
		server otxtypes.ServerID) (*session.ServerContext, error)
}
