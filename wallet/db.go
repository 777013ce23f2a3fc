package wallet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/wigggles/opentxs-sub020/nym"
	"github.com/wigggles/opentxs-sub020/otxtypes"
	"github.com/wigggles/opentxs-sub020/session"
)

var (
	// localNymBucket maps nym ID -> serialized signing nym.
	localNymBucket = []byte("wallet-local-nyms")

	// nymBucket maps nym ID -> serialized nym record.
	nymBucket = []byte("wallet-nyms")

	// accountBucket maps account ID -> serialized account.
	accountBucket = []byte("wallet-accounts")

	// serverBucket maps server ID -> serialized server contract.
	serverBucket = []byte("wallet-servers")

	// unitBucket maps unit ID -> serialized unit definition.
	unitBucket = []byte("wallet-units")

	// contactBucket maps contact ID -> serialized contact.
	contactBucket = []byte("wallet-contacts")

	// contextBucket maps localNym||server -> serialized session state.
	contextBucket = []byte("wallet-server-contexts")
)

// topLevelBuckets lists every bucket created on open.
var topLevelBuckets = [][]byte{
	localNymBucket, nymBucket, accountBucket, serverBucket, unitBucket,
	contactBucket, contextBucket,
}

// DB is the kvdb-backed wallet.
type DB struct {
	backend kvdb.Backend

	// ctxMu guards the context cache. Server contexts are shared mutable
	// state, so every caller must see the same instance per pair; the
	// cache is the unit of that sharing, and each context carries its own
	// lock.
	ctxMu    sync.Mutex
	contexts map[contextKey]*session.ServerContext
}

// contextKey identifies a (localNym, server) pair.
type contextKey struct {
	localNym otxtypes.NymID
	server   otxtypes.ServerID
}

// A compile time check to ensure DB implements the Wallet interface.
var _ Wallet = (*DB)(nil)

// Open initializes a wallet on the given backend, creating the schema if
// needed.
func Open(backend kvdb.Backend) (*DB, error) {
	err := kvdb.Update(backend, func(tx kvdb.RwTx) error {
		for _, bucket := range topLevelBuckets {
			_, err := tx.CreateTopLevelBucket(bucket)
			if err != nil {
				return err
			}
		}
		return nil
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("creating wallet schema: %w", err)
	}

	return &DB{
		backend:  backend,
		contexts: make(map[contextKey]*session.ServerContext),
	}, nil
}

// fetch reads one value from a top level bucket, ErrNotFound if absent.
func (d *DB) fetch(bucket, key []byte) ([]byte, error) {
	var value []byte
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		b := tx.ReadBucket(bucket)
		if b == nil {
			return ErrNotFound
		}

		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}

		value = make([]byte, len(v))
		copy(value, v)

		return nil
	}, func() {
		value = nil
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}

// store writes one value into a top level bucket.
func (d *DB) store(bucket, key, value []byte) error {
	return kvdb.Update(d.backend, func(tx kvdb.RwTx) error {
		b := tx.ReadWriteBucket(bucket)
		if b == nil {
			return fmt.Errorf("missing bucket %s", bucket)
		}

		return b.Put(key, value)
	}, func() {})
}

// LocalNym returns a nym with signing capability, or ErrNotFound.
func (d *DB) LocalNym(id otxtypes.NymID) (*nym.Nym, error) {
	data, err := d.fetch(localNymBucket, id[:])
	if err != nil {
		return nil, err
	}

	return deserializeLocalNym(data)
}

// PutLocalNym stores a signing nym.
func (d *DB) PutLocalNym(n *nym.Nym) error {
	data, err := serializeLocalNym(n)
	if err != nil {
		return err
	}
	id := n.ID()

	return d.store(localNymBucket, id[:], data)
}

// Nym returns the stored record for a nym, or ErrNotFound.
func (d *DB) Nym(id otxtypes.NymID) (*NymRecord, error) {
	data, err := d.fetch(nymBucket, id[:])
	if err != nil {
		return nil, err
	}

	return deserializeNymRecord(data)
}

// PutNym stores or replaces a nym record.
func (d *DB) PutNym(record *NymRecord) error {
	data, err := serializeNymRecord(record)
	if err != nil {
		return err
	}
	id := record.Identity.ID()

	return d.store(nymBucket, id[:], data)
}

// Account returns the stored account, or ErrNotFound.
func (d *DB) Account(id otxtypes.AccountID) (*Account, error) {
	data, err := d.fetch(accountBucket, id[:])
	if err != nil {
		return nil, err
	}

	return deserializeAccount(id, data)
}

// PutAccount stores or replaces an account.
func (d *DB) PutAccount(account *Account) error {
	data, err := serializeAccount(account)
	if err != nil {
		return err
	}

	return d.store(accountBucket, account.ID[:], data)
}

// AccountsFor lists accounts owned by the nym on the given server, filtered
// to the unit when unit is nonzero.
func (d *DB) AccountsFor(owner otxtypes.NymID, server otxtypes.ServerID,
	unit otxtypes.UnitID) ([]*Account, error) {

	var accounts []*Account
	err := kvdb.View(d.backend, func(tx kvdb.RTx) error {
		b := tx.ReadBucket(accountBucket)
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			id, err := otxtypes.MakeAccountID(k)
			if err != nil {
				return err
			}

			account, err := deserializeAccount(id, v)
			if err != nil {
				return err
			}

			if account.Owner != owner {
				return nil
			}
			if account.Server != server {
				return nil
			}
			if !unit.IsZero() && account.Unit != unit {
				return nil
			}

			accounts = append(accounts, account)

			return nil
		})
	}, func() {
		accounts = nil
	})
	if err != nil {
		return nil, err
	}

	return accounts, nil
}

// Server returns the stored server contract, or ErrNotFound.
func (d *DB) Server(id otxtypes.ServerID) (*ServerContract, error) {
	data, err := d.fetch(serverBucket, id[:])
	if err != nil {
		return nil, err
	}

	return deserializeServer(id, data)
}

// PutServer stores or replaces a server contract.
func (d *DB) PutServer(contract *ServerContract) error {
	data, err := serializeServer(contract)
	if err != nil {
		return err
	}

	return d.store(serverBucket, contract.ID[:], data)
}

// UnitDefinition returns the stored unit definition, or ErrNotFound.
func (d *DB) UnitDefinition(id otxtypes.UnitID) (*UnitDefinition, error) {
	data, err := d.fetch(unitBucket, id[:])
	if err != nil {
		return nil, err
	}

	return deserializeUnit(id, data)
}

// PutUnitDefinition stores or replaces a unit definition.
func (d *DB) PutUnitDefinition(unit *UnitDefinition) error {
	data, err := serializeUnit(unit)
	if err != nil {
		return err
	}

	return d.store(unitBucket, unit.ID[:], data)
}

// Contact returns the stored contact, or ErrNotFound.
func (d *DB) Contact(id otxtypes.ID) (*Contact, error) {
	data, err := d.fetch(contactBucket, id[:])
	if err != nil {
		return nil, err
	}

	return deserializeContact(id, data)
}

// PutContact stores or replaces a contact.
func (d *DB) PutContact(contact *Contact) error {
	data, err := serializeContact(contact)
	if err != nil {
		return err
	}

	return d.store(contactBucket, contact.ID[:], data)
}

// contextDBKey builds the composite key for a context pair.
func contextDBKey(key contextKey) []byte {
	out := make([]byte, 0, 2*otxtypes.IDSize)
	out = append(out, key.localNym[:]...)
	out = append(out, key.server[:]...)

	return out
}

// persistFunc builds the persistence hook handed to a session context.
func (d *DB) persistFunc(key contextKey) session.PersistFunc {
	return func(state *session.State) error {
		data, err := serializeContextState(state)
		if err != nil {
			return err
		}

		return d.store(contextBucket, contextDBKey(key), data)
	}
}

// ServerContext returns the existing session context for the pair, or
// ErrNotFound. The same instance is returned to every caller.
func (d *DB) ServerContext(localNym otxtypes.NymID,
	server otxtypes.ServerID) (*session.ServerContext, error) {

	d.ctxMu.Lock()
	defer d.ctxMu.Unlock()

	return d.serverContextLocked(contextKey{localNym, server})
}

// serverContextLocked loads a context into the cache. The caller must hold
// ctxMu.
func (d *DB) serverContextLocked(
	key contextKey) (*session.ServerContext, error) {

	if ctx, ok := d.contexts[key]; ok {
		return ctx, nil
	}

	data, err := d.fetch(contextBucket, contextDBKey(key))
	if err != nil {
		return nil, err
	}

	state, err := deserializeContextState(key.localNym, key.server, data)
	if err != nil {
		return nil, err
	}

	ctx := session.RestoreServerContext(state, d.persistFunc(key))
	d.contexts[key] = ctx

	return ctx, nil
}

// MutableServerContext returns the session context for the pair, creating an
// empty one if none exists yet.
func (d *DB) MutableServerContext(localNym otxtypes.NymID,
	server otxtypes.ServerID) (*session.ServerContext, error) {

	d.ctxMu.Lock()
	defer d.ctxMu.Unlock()

	key := contextKey{localNym, server}
	ctx, err := d.serverContextLocked(key)
	switch {
	case err == nil:
		return ctx, nil

	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	log.Debugf("Creating server context for %v@%v", localNym, server)

	ctx = session.NewServerContext(localNym, server, d.persistFunc(key))
	d.contexts[key] = ctx

	return ctx, nil
}
