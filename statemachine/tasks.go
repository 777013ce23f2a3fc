package statemachine

import (
	"fmt"

	"github.com/wigggles/opentxs-sub020/instrument"
	"github.com/wigggles/opentxs-sub020/operation"
	"github.com/wigggles/opentxs-sub020/otxtask"
	"github.com/wigggles/opentxs-sub020/otxtypes"
)

// taskKind orders the task queues. Declaration order IS the drain priority:
// prerequisites (registration, numbers, credentials, contracts, inboxes)
// ahead of the operations that need them.
type taskKind uint8

const (
	kindRegisterNym taskKind = iota
	kindGetTransNums
	kindCheckNym
	kindDownloadContract
	kindDownloadNymbox
	kindProcessInbox
	kindRegisterAccount
	kindIssueUnit
	kindDepositPayment
	kindWithdrawCash
	kindPayCash
	kindSendCheque
	kindConveyPayment
	kindSendTransfer
	kindSendMessage
	kindPeerRequest
	kindPeerReply
	kindPublishContract
	kindRequestAdmin
	kindAddClaim

	numTaskKinds
)

// TaskPayload is what callers submit to a state machine: the parameters of
// one background operation. Two submissions with the same dedup key while
// the first is still queued coalesce into one task.
type TaskPayload interface {
	kind() taskKind

	// dedupKey identifies the payload for queue-time coalescing. An
	// empty key opts the payload out of coalescing entirely.
	dedupKey() string
}

// RegisterNymTask registers (or re-registers) the local nym.
type RegisterNymTask struct{}

func (RegisterNymTask) kind() taskKind   { return kindRegisterNym }
func (RegisterNymTask) dedupKey() string { return "register-nym" }

// GetTransactionNumbersTask requests a grant of fresh numbers.
type GetTransactionNumbersTask struct{}

func (GetTransactionNumbersTask) kind() taskKind   { return kindGetTransNums }
func (GetTransactionNumbersTask) dedupKey() string { return "get-nums" }

// CheckNymTask fetches a nym's public credentials.
type CheckNymTask struct {
	Target otxtypes.NymID
}

func (t CheckNymTask) kind() taskKind { return kindCheckNym }
func (t CheckNymTask) dedupKey() string {
	return fmt.Sprintf("check-nym/%v", t.Target)
}

// DownloadContractTask fetches a server or unit contract by ID.
type DownloadContractTask struct {
	ID otxtypes.ID
}

func (t DownloadContractTask) kind() taskKind { return kindDownloadContract }
func (t DownloadContractTask) dedupKey() string {
	return fmt.Sprintf("download-contract/%v", t.ID)
}

// DownloadNymboxTask refreshes the local nym's nymbox.
type DownloadNymboxTask struct{}

func (DownloadNymboxTask) kind() taskKind   { return kindDownloadNymbox }
func (DownloadNymboxTask) dedupKey() string { return "download-nymbox" }

// ProcessInboxTask accepts the pending items of an account's inbox.
type ProcessInboxTask struct {
	Account otxtypes.AccountID
}

func (t ProcessInboxTask) kind() taskKind { return kindProcessInbox }
func (t ProcessInboxTask) dedupKey() string {
	return fmt.Sprintf("process-inbox/%v", t.Account)
}

// RegisterAccountTask creates an account of the given unit.
type RegisterAccountTask struct {
	Unit otxtypes.UnitID

	// Label is stored on the created account.
	Label string
}

func (t RegisterAccountTask) kind() taskKind { return kindRegisterAccount }
func (t RegisterAccountTask) dedupKey() string {
	return fmt.Sprintf("register-account/%v", t.Unit)
}

// IssueUnitTask registers a new asset type from its contract text.
type IssueUnitTask struct {
	Contract []byte
}

func (t IssueUnitTask) kind() taskKind { return kindIssueUnit }
func (t IssueUnitTask) dedupKey() string {
	return fmt.Sprintf("issue-unit/%x", t.Contract)
}

// DepositPaymentTask deposits an incoming instrument. A zero Account lets
// the machine pick the depositor's account for the instrument's unit.
type DepositPaymentTask struct {
	Account otxtypes.AccountID
	Payment *instrument.Payment
}

func (t DepositPaymentTask) kind() taskKind { return kindDepositPayment }
func (t DepositPaymentTask) dedupKey() string {
	return fmt.Sprintf("deposit/%v/%x", t.Account, t.Payment.Raw())
}

// WithdrawCashTask converts account balance into bearer tokens.
type WithdrawCashTask struct {
	Account otxtypes.AccountID
	Amount  otxtypes.Amount
}

func (t WithdrawCashTask) kind() taskKind { return kindWithdrawCash }
func (t WithdrawCashTask) dedupKey() string {
	return fmt.Sprintf("withdraw/%v/%v", t.Account, t.Amount)
}

// PayCashTask withdraws tokens from the account and conveys them to the
// recipient.
type PayCashTask struct {
	Recipient otxtypes.NymID
	Account   otxtypes.AccountID
	Amount    otxtypes.Amount
}

func (t PayCashTask) kind() taskKind { return kindPayCash }
func (t PayCashTask) dedupKey() string {
	return fmt.Sprintf("pay-cash/%v/%v/%v", t.Recipient, t.Account,
		t.Amount)
}

// SendChequeTask writes a cheque against the account and conveys it to the
// recipient. Cheque sends never coalesce: two identical submissions are two
// distinct cheques, each against its own transaction number.
type SendChequeTask struct {
	Recipient otxtypes.NymID
	Account   otxtypes.AccountID
	Amount    otxtypes.Amount
	Memo      string
}

func (t SendChequeTask) kind() taskKind   { return kindSendCheque }
func (t SendChequeTask) dedupKey() string { return "" }

// ConveyPaymentTask delivers an already-built instrument to the recipient's
// nymbox without depositing it. Any numbers backing the instrument were
// reserved when it was built.
type ConveyPaymentTask struct {
	Recipient otxtypes.NymID
	Payment   *instrument.Payment
}

func (t ConveyPaymentTask) kind() taskKind { return kindConveyPayment }
func (t ConveyPaymentTask) dedupKey() string {
	return fmt.Sprintf("convey/%v/%x", t.Recipient, t.Payment.Raw())
}

// SendTransferTask moves balance between two accounts on the notary.
type SendTransferTask struct {
	Source      otxtypes.AccountID
	Destination otxtypes.AccountID
	Amount      otxtypes.Amount
	Memo        string
}

func (t SendTransferTask) kind() taskKind { return kindSendTransfer }
func (t SendTransferTask) dedupKey() string {
	return fmt.Sprintf("transfer/%v/%v/%v/%v", t.Source, t.Destination,
		t.Amount, t.Memo)
}

// SendMessageTask delivers a text message to the recipient's nymbox.
type SendMessageTask struct {
	Recipient otxtypes.NymID
	Message   string
}

func (t SendMessageTask) kind() taskKind { return kindSendMessage }
func (t SendMessageTask) dedupKey() string {
	return fmt.Sprintf("message/%v/%v", t.Recipient, t.Message)
}

// PeerRequestTask conveys a peer request to the target nym.
type PeerRequestTask struct {
	Target  otxtypes.NymID
	Request *operation.PeerRequest
}

func (t PeerRequestTask) kind() taskKind { return kindPeerRequest }
func (t PeerRequestTask) dedupKey() string {
	return fmt.Sprintf("peer-request/%v/%v/%x", t.Target, t.Request.Type,
		t.Request.Payload)
}

// PeerReplyTask conveys a peer reply to the target nym.
type PeerReplyTask struct {
	Target otxtypes.NymID
	Reply  *operation.PeerReply
}

func (t PeerReplyTask) kind() taskKind { return kindPeerReply }
func (t PeerReplyTask) dedupKey() string {
	return fmt.Sprintf("peer-reply/%v/%v/%x", t.Target, t.Reply.RequestType,
		t.Reply.Payload)
}

// PublishContractTask uploads a contract for others to download.
type PublishContractTask struct {
	Contract []byte
}

func (t PublishContractTask) kind() taskKind { return kindPublishContract }
func (t PublishContractTask) dedupKey() string {
	return fmt.Sprintf("publish/%x", t.Contract)
}

// RequestAdminTask requests admin standing with the server's password.
type RequestAdminTask struct {
	Password string
}

func (RequestAdminTask) kind() taskKind   { return kindRequestAdmin }
func (RequestAdminTask) dedupKey() string { return "request-admin" }

// AddClaimTask publishes a contact-data claim on the local nym.
type AddClaimTask struct {
	Claim operation.Claim
}

func (t AddClaimTask) kind() taskKind { return kindAddClaim }
func (t AddClaimTask) dedupKey() string {
	return fmt.Sprintf("add-claim/%v/%v/%v", t.Claim.Section, t.Claim.Type,
		t.Claim.Value)
}

// task is one queued unit of work: the payload plus the identity and promise
// its submitters hold.
type task struct {
	id      otxtask.ID
	payload TaskPayload
	promise *otxtask.Promise[otxtask.Outcome]
}

// background returns the caller-facing handle of the task.
func (t *task) background() otxtask.BackgroundTask {
	return otxtask.BackgroundTask{
		ID:     t.id,
		Future: t.promise.Future(),
	}
}

// taskQueue is an ordered set: FIFO drain order with dedup-key coalescing on
// insert.
type taskQueue struct {
	order []*task
	keyed map[string]*task
}

func newTaskQueue() *taskQueue {
	return &taskQueue{keyed: make(map[string]*task)}
}

// push inserts a task, or returns the queued task an identical payload
// coalesces into. The second return is false for a coalesced push.
func (q *taskQueue) push(t *task) (*task, bool) {
	key := t.payload.dedupKey()
	if key != "" {
		if existing, ok := q.keyed[key]; ok {
			return existing, false
		}
		q.keyed[key] = t
	}

	q.order = append(q.order, t)

	return t, true
}

// pop removes and returns the oldest task, nil on an empty queue.
func (q *taskQueue) pop() *task {
	if len(q.order) == 0 {
		return nil
	}

	t := q.order[0]
	q.order[0] = nil
	q.order = q.order[1:]

	if key := t.payload.dedupKey(); key != "" {
		delete(q.keyed, key)
	}

	return t
}

// drain empties the queue, returning everything still pending.
func (q *taskQueue) drain() []*task {
	out := q.order
	q.order = nil
	q.keyed = make(map[string]*task)

	return out
}

func (q *taskQueue) len() int {
	return len(q.order)
}
