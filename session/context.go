package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/wigggles/opentxs-sub020/otxtypes"
)

var (
	// ErrNumbersExhausted is returned when a reservation is attempted
	// against an empty available pool. Callers are expected to schedule a
	// number request with the notary and retry; exhaustion is never
	// fatal.
	ErrNumbersExhausted = errors.New("no transaction numbers available")

	// ErrNumberNotReserved is returned when a harvest or consume names a
	// number that is not currently reserved. Harvesting a number twice,
	// or harvesting one the server already accepted, is a protocol
	// violation and is refused rather than absorbed.
	ErrNumberNotReserved = errors.New("transaction number not reserved")

	// ErrNumberNotIssued is returned when a close names a number this
	// context never signed for.
	ErrNumberNotIssued = errors.New("transaction number not issued")
)

// PersistFunc is invoked after every mutation of a context with a snapshot
// of its persistable state. The storage collaborator owns durability; the
// context only guarantees the hook sees every change, in order, under the
// context's lock.
type PersistFunc func(*State) error

// State is the persistable snapshot of a server context.
type State struct {
	LocalNym otxtypes.NymID
	Server   otxtypes.ServerID

	// RequestNum is the last request nonce used with the server. The
	// next message uses RequestNum+1.
	RequestNum otxtypes.RequestNum

	// Available are numbers signed for and ready to be spent.
	Available []otxtypes.TransNum

	// Issued are numbers the server has granted and not yet closed out,
	// including every member of Available plus numbers still outstanding
	// on live cron items.
	Issued []otxtypes.TransNum

	// InUse are numbers popped from Available for an outgoing item whose
	// fate the server has not yet confirmed.
	InUse []otxtypes.TransNum

	// HighestIssued is the highest number ever granted by the server,
	// used to reject replayed grants.
	HighestIssued otxtypes.TransNum

	NymboxHash    [32]byte
	AdminPassword string
	IsAdmin       bool

	// Registered notes whether the nym is registered at the server, and
	// NymRevision the credential revision that registration carried.
	Registered  bool
	NymRevision uint64

	// Accounts are the asset accounts registered under this nym at this
	// server.
	Accounts []otxtypes.AccountID
}

// ServerContext is the per-(nym, server) session state: the request nonce,
// the transaction number pools, and registration status. All mutation happens
// under the context's own lock; the owning state machine is the only caller
// for number-consuming operations, which serializes them per context.
type ServerContext struct {
	localNym otxtypes.NymID
	server   otxtypes.ServerID

	mu sync.Mutex

	requestNum otxtypes.RequestNum

	available fn.Set[otxtypes.TransNum]
	issued    fn.Set[otxtypes.TransNum]
	inUse     fn.Set[otxtypes.TransNum]

	highestIssued otxtypes.TransNum

	nymboxHash    [32]byte
	adminPassword string
	isAdmin       bool

	registered  bool
	nymRevision uint64

	accounts fn.Set[otxtypes.AccountID]

	persist PersistFunc
}

// NewServerContext creates an empty context for the given pair. The persist
// hook may be nil, in which case the context is purely in-memory.
func NewServerContext(localNym otxtypes.NymID, server otxtypes.ServerID,
	persist PersistFunc) *ServerContext {

	return &ServerContext{
		localNym:  localNym,
		server:    server,
		available: fn.NewSet[otxtypes.TransNum](),
		issued:    fn.NewSet[otxtypes.TransNum](),
		inUse:     fn.NewSet[otxtypes.TransNum](),
		accounts:  fn.NewSet[otxtypes.AccountID](),
		persist:   persist,
	}
}

// RestoreServerContext rebuilds a context from a persisted snapshot.
func RestoreServerContext(state *State, persist PersistFunc) *ServerContext {
	c := NewServerContext(state.LocalNym, state.Server, persist)

	c.requestNum = state.RequestNum
	c.available = fn.NewSet(state.Available...)
	c.issued = fn.NewSet(state.Issued...)
	c.inUse = fn.NewSet(state.InUse...)
	c.highestIssued = state.HighestIssued
	c.nymboxHash = state.NymboxHash
	c.adminPassword = state.AdminPassword
	c.isAdmin = state.IsAdmin
	c.registered = state.Registered
	c.nymRevision = state.NymRevision
	c.accounts = fn.NewSet(state.Accounts...)

	return c
}

// LocalNym returns the owning nym's ID.
func (c *ServerContext) LocalNym() otxtypes.NymID {
	return c.localNym
}

// Server returns the notary's ID.
func (c *ServerContext) Server() otxtypes.ServerID {
	return c.server
}

// snapshotLocked builds a State. The caller must hold c.mu.
func (c *ServerContext) snapshotLocked() *State {
	return &State{
		LocalNym:      c.localNym,
		Server:        c.server,
		RequestNum:    c.requestNum,
		Available:     sortedNums(c.available),
		Issued:        sortedNums(c.issued),
		InUse:         sortedNums(c.inUse),
		HighestIssued: c.highestIssued,
		NymboxHash:    c.nymboxHash,
		AdminPassword: c.adminPassword,
		IsAdmin:       c.isAdmin,
		Registered:    c.registered,
		NymRevision:   c.nymRevision,
		Accounts:      c.accounts.ToSlice(),
	}
}

// persistLocked pushes the current state through the persist hook. The caller
// must hold c.mu.
func (c *ServerContext) persistLocked() error {
	if c.persist == nil {
		return nil
	}

	if err := c.persist(c.snapshotLocked()); err != nil {
		return fmt.Errorf("persisting context %v@%v: %w",
			c.localNym, c.server, err)
	}

	return nil
}

// Snapshot returns a copy of the context's persistable state.
func (c *ServerContext) Snapshot() *State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.snapshotLocked()
}

// NextRequestNumber increments and returns the request nonce to use for the
// next message to the server.
func (c *ServerContext) NextRequestNumber() (otxtypes.RequestNum, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestNum++
	num := c.requestNum

	return num, c.persistLocked()
}

// SyncRequestNumber adopts the nonce the server reports, used when the
// server's getRequestNumber reply reveals local state fell behind.
func (c *ServerContext) SyncRequestNumber(num otxtypes.RequestNum) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if num < c.requestNum {
		return fmt.Errorf("request number regression: have %d, "+
			"server reports %d", c.requestNum, num)
	}
	c.requestNum = num

	return c.persistLocked()
}

// NymboxHash returns the most recently downloaded nymbox hash.
func (c *ServerContext) NymboxHash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.nymboxHash
}

// SetNymboxHash records the hash from the latest nymbox download.
func (c *ServerContext) SetNymboxHash(hash [32]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nymboxHash = hash

	return c.persistLocked()
}

// IsRegistered reports whether the nym is registered at the server.
func (c *ServerContext) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.registered
}

// NymRevision returns the credential revision last registered.
func (c *ServerContext) NymRevision() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.nymRevision
}

// SetRegistered records a successful registration at the given credential
// revision.
func (c *ServerContext) SetRegistered(revision uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.registered = true
	c.nymRevision = revision

	return c.persistLocked()
}

// SetAdminPassword stores the password used to request admin rights.
func (c *ServerContext) SetAdminPassword(password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.adminPassword = password

	return c.persistLocked()
}

// AdminPassword returns the stored admin password, empty if none.
func (c *ServerContext) AdminPassword() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.adminPassword
}

// SetAdmin records whether the server granted admin rights.
func (c *ServerContext) SetAdmin(isAdmin bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isAdmin = isAdmin

	return c.persistLocked()
}

// IsAdmin reports whether the server granted admin rights.
func (c *ServerContext) IsAdmin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.isAdmin
}

// AddAccount records an asset account registered under this context.
func (c *ServerContext) AddAccount(id otxtypes.AccountID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.accounts.Add(id)

	return c.persistLocked()
}

// HasAccount reports whether the given account is registered under this
// context.
func (c *ServerContext) HasAccount(id otxtypes.AccountID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.accounts.Contains(id)
}

// Accounts returns the accounts registered under this context.
func (c *ServerContext) Accounts() []otxtypes.AccountID {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.accounts.ToSlice()
}
