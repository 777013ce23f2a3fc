// Package operation is the boundary with the notary protocol driver. The
// task engine never talks to the wire itself; it hands each message family
// to an Operation implementation and classifies the returned status.
package operation

import (
	"context"

	"github.com/wigggles/opentxs-sub020/instrument"
	"github.com/wigggles/opentxs-sub020/otxtypes"
)

// ReplyStatus classifies the outcome of one message exchange with the
// notary. The distinction between NotSent and Unknown is load bearing: it
// decides whether transaction numbers attached to the message may be
// returned to the available pool.
type ReplyStatus uint8

const (
	// Unknown means the message may or may not have reached the notary,
	// e.g. the connection died after the send. Attached numbers must stay
	// in use; guessing either way risks a number the notary considers
	// spent, or one it considers open, diverging from our ledger.
	Unknown ReplyStatus = iota

	// MessageSuccess means the notary accepted the message.
	MessageSuccess

	// MessageFailure means the notary received the message and rejected
	// it.
	MessageFailure

	// NotSent means the message never left this process.
	NotSent
)

// String returns a human readable name for the reply status.
func (s ReplyStatus) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case MessageSuccess:
		return "success"
	case MessageFailure:
		return "failure"
	case NotSent:
		return "not sent"
	default:
		return "invalid"
	}
}

// SafeToHarvest reports whether transaction numbers attached to the message
// may be returned to the available pool. Only a definite non-delivery
// qualifies: a rejected message was still received, and an Unknown outcome
// must leave the numbers in use.
func (s ReplyStatus) SafeToHarvest() bool {
	return s == MessageFailure || s == NotSent
}

// Result is the classified outcome of one exchange, with whatever typed
// reply data the message family carries.
type Result struct {
	// Status classifies the exchange; the zero value is Unknown.
	Status ReplyStatus

	// RequestNum is the request number the message was sent under, zero
	// for NotSent.
	RequestNum otxtypes.RequestNum

	// Payload is the raw reply body, nil when the family has none or the
	// exchange failed.
	Payload []byte

	// Numbers carries granted transaction numbers on a successful
	// GetTransactionNumbers reply.
	Numbers []otxtypes.TransNum

	// NymboxHash is the notary's nymbox hash when the reply carries one.
	NymboxHash [32]byte

	// Account identifies the account a successful RegisterAccount reply
	// created.
	Account otxtypes.AccountID

	// Balance is the account balance on a successful UpdateAccount or
	// ProcessInbox reply.
	Balance otxtypes.Amount

	// Revision is the credential revision a successful CheckNym reply
	// reported for the target nym.
	Revision uint64
}

// Claim is one contact-data claim published on a nym's credentials.
type Claim struct {
	// Section and Type locate the claim within the contact-data schema.
	Section uint32
	Type    uint32

	Value string

	// Primary marks the claim as the section's primary value.
	Primary bool
}

// PeerRequest is an out-of-band request conveyed nym to nym through the
// notary.
type PeerRequest struct {
	// Type discriminates the request family (bailment, connection info,
	// store secret and so on); the engine treats it as opaque.
	Type uint32

	Payload []byte
}

// PeerReply answers a peer request.
type PeerReply struct {
	// RequestType echoes the request's type.
	RequestType uint32

	Payload []byte
}

// Operation drives the notary protocol for one (local nym, server) pair.
// Implementations own transport, framing and signing of the outer message
// envelope. The state machine is the only caller and serializes all calls
// for its pair, so implementations need not be safe for concurrent use.
// Every method must honor ctx cancellation at suspension points and report
// an aborted send as NotSent, an aborted wait for the reply as Unknown.
type Operation interface {
	// RegisterNym registers (or re-registers, after a credential change)
	// the local nym with the notary.
	RegisterNym(ctx context.Context) *Result

	// DownloadNymbox fetches the local nym's nymbox and returns its hash.
	DownloadNymbox(ctx context.Context) *Result

	// GetTransactionNumbers requests a grant of fresh transaction
	// numbers.
	GetTransactionNumbers(ctx context.Context) *Result

	// CheckNym fetches the target nym's public credentials.
	CheckNym(ctx context.Context, target otxtypes.NymID) *Result

	// DownloadContract fetches a contract (server, unit) by ID.
	DownloadContract(ctx context.Context, id otxtypes.ID) *Result

	// ProcessInbox accepts the pending items of the account's inbox.
	ProcessInbox(ctx context.Context,
		account otxtypes.AccountID) *Result

	// DepositPayment deposits an incoming instrument into the account.
	DepositPayment(ctx context.Context, account otxtypes.AccountID,
		payment *instrument.Payment) *Result

	// DepositCheque deposits a cheque-family instrument into the
	// account.
	DepositCheque(ctx context.Context, account otxtypes.AccountID,
		cheque *instrument.Cheque) *Result

	// WithdrawCash converts account balance into bearer tokens.
	WithdrawCash(ctx context.Context, account otxtypes.AccountID,
		amount otxtypes.Amount) *Result

	// SendCash conveys a purse of tokens to the recipient.
	SendCash(ctx context.Context, recipient otxtypes.NymID,
		purse *instrument.Purse) *Result

	// SendTransfer moves balance between two accounts on the notary.
	SendTransfer(ctx context.Context, source,
		destination otxtypes.AccountID, amount otxtypes.Amount,
		memo string) *Result

	// SendMessage delivers a text message to the recipient's nymbox.
	SendMessage(ctx context.Context, recipient otxtypes.NymID,
		message string) *Result

	// ConveyPayment delivers an instrument to the recipient's nymbox
	// without depositing it.
	ConveyPayment(ctx context.Context, recipient otxtypes.NymID,
		payment *instrument.Payment) *Result

	// RegisterAccount creates an account of the given unit for the local
	// nym.
	RegisterAccount(ctx context.Context, unit otxtypes.UnitID) *Result

	// IssueUnitDefinition registers a new asset type from its contract
	// text and creates the issuer account.
	IssueUnitDefinition(ctx context.Context, contract []byte) *Result

	// PublishContract uploads a contract for others to download.
	PublishContract(ctx context.Context, contract []byte) *Result

	// RequestAdmin requests admin standing using the server's admin
	// password.
	RequestAdmin(ctx context.Context, password string) *Result

	// AddClaim publishes a contact-data claim on the local nym's
	// credentials.
	AddClaim(ctx context.Context, claim Claim) *Result

	// SendPeerRequest conveys a peer request to the target nym.
	SendPeerRequest(ctx context.Context, target otxtypes.NymID,
		request *PeerRequest) *Result

	// SendPeerReply conveys a peer reply to the target nym.
	SendPeerReply(ctx context.Context, target otxtypes.NymID,
		reply *PeerReply) *Result

	// UpdateAccount refreshes the account's balance and ledgers.
	UpdateAccount(ctx context.Context,
		account otxtypes.AccountID) *Result
}
