// Package otx is the top of the client engine: it owns one state machine
// per (local nym, server) pair, translates high level intents into typed
// tasks on the right machine, and tracks task status for pollers. Machines
// are created lazily the first time a pair is touched and live until Stop.
package otx

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/wigggles/opentxs-sub020/instrument"
	"github.com/wigggles/opentxs-sub020/notifier"
	"github.com/wigggles/opentxs-sub020/nym"
	"github.com/wigggles/opentxs-sub020/operation"
	"github.com/wigggles/opentxs-sub020/otxtask"
	"github.com/wigggles/opentxs-sub020/otxtypes"
	"github.com/wigggles/opentxs-sub020/session"
	"github.com/wigggles/opentxs-sub020/statemachine"
	"github.com/wigggles/opentxs-sub020/wallet"
	"golang.org/x/sync/errgroup"
)

// DefaultPollInterval bounds each state machine's idle sleep.
const DefaultPollInterval = 30 * time.Second

// ErrShuttingDown is logged when a scheduling attempt races teardown. The
// caller sees the error task, never this error.
var ErrShuttingDown = errors.New("otx client shutting down")

// OperationFactory builds the protocol driver for one pair. Called at most
// once per pair, under the registry lock.
type OperationFactory func(localNym *nym.Nym, server otxtypes.ServerID,
	sctx *session.ServerContext) operation.Operation

// Config wires the client's collaborators.
type Config struct {
	// Wallet is shared by every machine and by the facade's predicates.
	Wallet wallet.Wallet

	// NewOperation supplies each new machine's protocol driver.
	NewOperation OperationFactory

	// Clock defaults to the system clock.
	Clock clock.Clock

	// NewTicker supplies each machine's poll ticker, defaulting to a
	// DefaultPollInterval ticker.
	NewTicker func() ticker.Ticker

	// NumberLowWater is passed through to every machine, zero for the
	// machine default.
	NumberLowWater int
}

// pair keys the machine registry.
type pair struct {
	nym    otxtypes.NymID
	server otxtypes.ServerID
}

// Client is the facade over all per-pair state machines.
type Client struct {
	started atomic.Bool
	stopped atomic.Bool

	cfg Config

	events      *notifier.Notifier
	eventClient *notifier.Client

	// regMu guards the machine registry and the shutdown latch, held
	// only for lookup and creation, never during task execution.
	regMu        sync.Mutex
	machines     map[pair]*statemachine.StateMachine
	shuttingDown bool

	// statusMu guards the task status and message ID maps. Terminal
	// entries are pruned the moment a poller reads them.
	statusMu   sync.Mutex
	status     map[otxtask.ID]otxtask.Status
	messageIDs map[otxtask.ID]otxtypes.ID

	wg   sync.WaitGroup
	quit chan struct{}
}

// New builds a stopped client.
func New(cfg Config) *Client {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func() ticker.Ticker {
			return ticker.New(DefaultPollInterval)
		}
	}

	return &Client{
		cfg:        cfg,
		events:     notifier.New(),
		machines:   make(map[pair]*statemachine.StateMachine),
		status:     make(map[otxtask.ID]otxtask.Status),
		messageIDs: make(map[otxtask.ID]otxtypes.ID),
		quit:       make(chan struct{}),
	}
}

// Notifier exposes the event stream machines publish on; subscribe through
// it for task completions and balance changes.
func (c *Client) Notifier() *notifier.Notifier {
	return c.events
}

// Start brings up the event stream and the status tracker.
func (c *Client) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Infof("Starting otx client")

	if err := c.events.Start(); err != nil {
		return err
	}

	client, err := c.events.Subscribe()
	if err != nil {
		return err
	}
	c.eventClient = client

	c.wg.Add(1)
	go c.trackCompletions()

	return nil
}

// Stop shuts every machine down in parallel, resolves their outstanding
// futures, and tears down the event stream.
func (c *Client) Stop() error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}

	c.regMu.Lock()
	c.shuttingDown = true
	machines := make([]*statemachine.StateMachine, 0, len(c.machines))
	for _, m := range c.machines {
		machines = append(machines, m)
	}
	c.regMu.Unlock()

	var group errgroup.Group
	for _, m := range machines {
		group.Go(m.Stop)
	}
	err := group.Wait()

	// Anything still marked running was resolved with the shutdown
	// status by its machine; mirror that for pollers.
	c.statusMu.Lock()
	for id, status := range c.status {
		if status == otxtask.StatusRunning {
			c.status[id] = otxtask.StatusShutdown
		}
	}
	c.statusMu.Unlock()

	close(c.quit)
	if c.eventClient != nil {
		c.eventClient.Cancel()
	}
	if stopErr := c.events.Stop(); stopErr != nil && err == nil {
		err = stopErr
	}
	c.wg.Wait()

	log.Infof("Otx client stopped")

	return err
}

// trackCompletions mirrors completion events into the status map.
func (c *Client) trackCompletions() {
	defer c.wg.Done()

	for {
		select {
		case event, ok := <-c.eventClient.Events():
			if !ok {
				return
			}

			done, isDone := event.(notifier.TaskCompletionEvent)
			if !isDone {
				continue
			}

			c.statusMu.Lock()
			if _, tracked := c.status[done.TaskID]; tracked {
				status := otxtask.StatusFailure
				if done.Success {
					status = otxtask.StatusSuccess
				}
				c.status[done.TaskID] = status
			}
			c.statusMu.Unlock()

		case <-c.eventClient.Quit():
			return

		case <-c.quit:
			return
		}
	}
}

// getMachine returns the pair's machine, creating and starting one on first
// touch.
func (c *Client) getMachine(localNym otxtypes.NymID,
	server otxtypes.ServerID) (*statemachine.StateMachine, error) {

	c.regMu.Lock()
	defer c.regMu.Unlock()

	if c.shuttingDown {
		return nil, ErrShuttingDown
	}

	key := pair{nym: localNym, server: server}
	if m, ok := c.machines[key]; ok {
		return m, nil
	}

	signer, err := c.cfg.Wallet.LocalNym(localNym)
	if err != nil {
		return nil, fmt.Errorf("no signing nym %v: %w", localNym, err)
	}

	sctx, err := c.cfg.Wallet.MutableServerContext(localNym, server)
	if err != nil {
		return nil, fmt.Errorf("loading context %v@%v: %w", localNym,
			server, err)
	}

	m := statemachine.New(statemachine.Config{
		LocalNym:       signer,
		Server:         server,
		Context:        sctx,
		Wallet:         c.cfg.Wallet,
		Op:             c.cfg.NewOperation(signer, server, sctx),
		Notifier:       c.events,
		Clock:          c.cfg.Clock,
		PollTicker:     c.cfg.NewTicker(),
		NumberLowWater: c.cfg.NumberLowWater,
	})
	if err := m.Start(); err != nil {
		return nil, err
	}

	c.machines[key] = m
	log.Infof("Created state machine for nym %v on server %v", localNym,
		server)

	return m, nil
}

// schedule funnels every facade call onto the pair's machine. Scheduling
// refusals become the error task, never a returned error.
func (c *Client) schedule(localNym otxtypes.NymID, server otxtypes.ServerID,
	payload statemachine.TaskPayload) otxtask.BackgroundTask {

	m, err := c.getMachine(localNym, server)
	if err != nil {
		log.Warnf("Refusing %T for %v@%v: %v", payload, localNym,
			server, err)
		return otxtask.NewErrorTask()
	}

	bt := m.Submit(payload)
	if bt.ID != otxtask.ErrorTaskID {
		c.markRunning(bt.ID)
	}

	return bt
}

func (c *Client) markRunning(id otxtask.ID) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()

	if _, tracked := c.status[id]; !tracked {
		c.status[id] = otxtask.StatusRunning
	}
}

// Status reports a scheduled task's lifecycle state. Reading a terminal
// state prunes the entry, so a second read of the same finished task reports
// not-found.
func (c *Client) Status(id otxtask.ID) (otxtask.Status, bool) {
	if id == otxtask.ErrorTaskID {
		return otxtask.StatusError, true
	}

	c.statusMu.Lock()
	defer c.statusMu.Unlock()

	status, ok := c.status[id]
	if !ok {
		return 0, false
	}

	if status != otxtask.StatusRunning {
		delete(c.status, id)
		delete(c.messageIDs, id)
	}

	return status, true
}

// MessageStatus reports a message send's lifecycle state together with the
// message ID assigned at schedule time. Pruned like Status.
func (c *Client) MessageStatus(id otxtask.ID) (otxtask.Status, otxtypes.ID,
	bool) {

	c.statusMu.Lock()
	defer c.statusMu.Unlock()

	messageID, ok := c.messageIDs[id]
	if !ok {
		return 0, otxtypes.ID{}, false
	}

	status := c.status[id]
	if status != otxtask.StatusRunning {
		delete(c.status, id)
		delete(c.messageIDs, id)
	}

	return status, messageID, true
}

// RegisterNym registers (or re-registers) the nym with the server.
func (c *Client) RegisterNym(localNym otxtypes.NymID,
	server otxtypes.ServerID) otxtask.BackgroundTask {

	return c.schedule(localNym, server, statemachine.RegisterNymTask{})
}

// CheckTransactionNumbers requests a grant of fresh transaction numbers.
func (c *Client) CheckTransactionNumbers(localNym otxtypes.NymID,
	server otxtypes.ServerID) otxtask.BackgroundTask {

	return c.schedule(localNym, server,
		statemachine.GetTransactionNumbersTask{})
}

// FindNym fetches the target nym's credentials through the given server.
func (c *Client) FindNym(localNym otxtypes.NymID, server otxtypes.ServerID,
	target otxtypes.NymID) otxtask.BackgroundTask {

	return c.schedule(localNym, server,
		statemachine.CheckNymTask{Target: target})
}

// FindServer fetches another server's contract through the given server.
func (c *Client) FindServer(localNym otxtypes.NymID,
	server, target otxtypes.ServerID) otxtask.BackgroundTask {

	return c.schedule(localNym, server,
		statemachine.DownloadContractTask{ID: otxtypes.ID(target)})
}

// FindUnitDefinition fetches a unit definition through the given server.
func (c *Client) FindUnitDefinition(localNym otxtypes.NymID,
	server otxtypes.ServerID,
	unit otxtypes.UnitID) otxtask.BackgroundTask {

	return c.schedule(localNym, server,
		statemachine.DownloadContractTask{ID: otxtypes.ID(unit)})
}

// DownloadNymbox refreshes the local nym's nymbox on the server.
func (c *Client) DownloadNymbox(localNym otxtypes.NymID,
	server otxtypes.ServerID) otxtask.BackgroundTask {

	return c.schedule(localNym, server, statemachine.DownloadNymboxTask{})
}

// ProcessInbox accepts the pending items of the account's inbox.
func (c *Client) ProcessInbox(localNym otxtypes.NymID,
	server otxtypes.ServerID,
	account otxtypes.AccountID) otxtask.BackgroundTask {

	return c.schedule(localNym, server,
		statemachine.ProcessInboxTask{Account: account})
}

// RegisterAccount creates an account of the unit for the nym.
func (c *Client) RegisterAccount(localNym otxtypes.NymID,
	server otxtypes.ServerID, unit otxtypes.UnitID,
	label string) otxtask.BackgroundTask {

	return c.schedule(localNym, server, statemachine.RegisterAccountTask{
		Unit:  unit,
		Label: label,
	})
}

// IssueUnitDefinition registers a new asset type from its contract text.
func (c *Client) IssueUnitDefinition(localNym otxtypes.NymID,
	server otxtypes.ServerID, contract []byte) otxtask.BackgroundTask {

	return c.schedule(localNym, server,
		statemachine.IssueUnitTask{Contract: contract})
}

// PublishServerContract uploads a server contract for others to download.
func (c *Client) PublishServerContract(localNym otxtypes.NymID,
	server otxtypes.ServerID, contract []byte) otxtask.BackgroundTask {

	return c.schedule(localNym, server,
		statemachine.PublishContractTask{Contract: contract})
}

// RequestAdmin requests admin standing with the server's password.
func (c *Client) RequestAdmin(localNym otxtypes.NymID,
	server otxtypes.ServerID, password string) otxtask.BackgroundTask {

	return c.schedule(localNym, server,
		statemachine.RequestAdminTask{Password: password})
}

// AddClaim publishes a contact-data claim on the local nym.
func (c *Client) AddClaim(localNym otxtypes.NymID,
	server otxtypes.ServerID,
	claim operation.Claim) otxtask.BackgroundTask {

	return c.schedule(localNym, server,
		statemachine.AddClaimTask{Claim: claim})
}

// SendCheque writes a cheque on the account and conveys it to the
// recipient.
func (c *Client) SendCheque(localNym otxtypes.NymID,
	server otxtypes.ServerID, account otxtypes.AccountID,
	recipient otxtypes.NymID, amount otxtypes.Amount,
	memo string) otxtask.BackgroundTask {

	return c.schedule(localNym, server, statemachine.SendChequeTask{
		Recipient: recipient,
		Account:   account,
		Amount:    amount,
		Memo:      memo,
	})
}

// SendTransfer moves balance between two accounts on the server.
func (c *Client) SendTransfer(localNym otxtypes.NymID,
	server otxtypes.ServerID, source,
	destination otxtypes.AccountID, amount otxtypes.Amount,
	memo string) otxtask.BackgroundTask {

	return c.schedule(localNym, server, statemachine.SendTransferTask{
		Source:      source,
		Destination: destination,
		Amount:      amount,
		Memo:        memo,
	})
}

// WithdrawCash converts account balance into bearer tokens.
func (c *Client) WithdrawCash(localNym otxtypes.NymID,
	server otxtypes.ServerID, account otxtypes.AccountID,
	amount otxtypes.Amount) otxtask.BackgroundTask {

	return c.schedule(localNym, server, statemachine.WithdrawCashTask{
		Account: account,
		Amount:  amount,
	})
}

// PayContact withdraws cash from the account and conveys it to the
// recipient.
func (c *Client) PayContact(localNym otxtypes.NymID,
	server otxtypes.ServerID, recipient otxtypes.NymID,
	account otxtypes.AccountID,
	amount otxtypes.Amount) otxtask.BackgroundTask {

	return c.schedule(localNym, server, statemachine.PayCashTask{
		Recipient: recipient,
		Account:   account,
		Amount:    amount,
	})
}

// DepositPayment deposits an incoming instrument for the recipient. The
// target server comes from the instrument; the account comes from the hint,
// or from a unique unit match when the hint is zero. Anything short of
// CanDeposit Ready refuses with the error task.
func (c *Client) DepositPayment(recipient otxtypes.NymID,
	hint otxtypes.AccountID,
	payment *instrument.Payment) otxtask.BackgroundTask {

	if d := c.CanDeposit(recipient, hint, payment); d != DepositReady {
		log.Warnf("Refusing deposit for %v: %v", recipient, d)
		return otxtask.NewErrorTask()
	}

	account := hint
	if account.IsZero() {
		// CanDeposit returned Ready with no hint, so exactly one
		// account matches.
		accounts, err := c.cfg.Wallet.AccountsFor(recipient,
			payment.ServerID(), payment.UnitID())
		if err != nil || len(accounts) != 1 {
			return otxtask.NewErrorTask()
		}
		account = accounts[0].ID
	}

	return c.schedule(recipient, payment.ServerID(),
		statemachine.DepositPaymentTask{
			Account: account,
			Payment: payment,
		})
}

// MessageContact delivers a text message to the recipient's nymbox and
// assigns it a message ID for MessageStatus polling.
func (c *Client) MessageContact(localNym otxtypes.NymID,
	server otxtypes.ServerID, recipient otxtypes.NymID,
	message string) otxtask.BackgroundTask {

	bt := c.schedule(localNym, server, statemachine.SendMessageTask{
		Recipient: recipient,
		Message:   message,
	})
	if bt.ID == otxtask.ErrorTaskID {
		return bt
	}

	var messageID otxtypes.ID
	if _, err := rand.Read(messageID[:]); err != nil {
		log.Errorf("Unable to assign message ID: %v", err)
		return bt
	}

	c.statusMu.Lock()
	c.messageIDs[bt.ID] = messageID
	c.statusMu.Unlock()

	return bt
}

// SendPeerRequest conveys a peer request to the target nym.
func (c *Client) SendPeerRequest(localNym otxtypes.NymID,
	server otxtypes.ServerID, target otxtypes.NymID,
	request *operation.PeerRequest) otxtask.BackgroundTask {

	return c.schedule(localNym, server, statemachine.PeerRequestTask{
		Target:  target,
		Request: request,
	})
}

// SendPeerReply conveys a peer reply to the target nym.
func (c *Client) SendPeerReply(localNym otxtypes.NymID,
	server otxtypes.ServerID, target otxtypes.NymID,
	reply *operation.PeerReply) otxtask.BackgroundTask {

	return c.schedule(localNym, server, statemachine.PeerReplyTask{
		Target: target,
		Reply:  reply,
	})
}

// ConfirmPaymentPlan confirms a proposed plan against the sender's account,
// reserving the payer's numbers, and conveys the confirmed plan back to the
// proposer. A failed confirmation consumes no numbers and refuses with the
// error task.
func (c *Client) ConfirmPaymentPlan(localNym otxtypes.NymID,
	server otxtypes.ServerID, plan *instrument.PaymentPlan,
	senderAccount otxtypes.AccountID) otxtask.BackgroundTask {

	m, err := c.getMachine(localNym, server)
	if err != nil {
		log.Warnf("Refusing plan confirmation for %v@%v: %v",
			localNym, server, err)
		return otxtask.NewErrorTask()
	}

	signer, err := c.cfg.Wallet.LocalNym(localNym)
	if err != nil {
		return otxtask.NewErrorTask()
	}

	err = plan.Confirm(m.Context(), c.cfg.Wallet, signer, senderAccount)
	if err != nil {
		log.Warnf("Plan confirmation failed: %v", err)
		return otxtask.NewErrorTask()
	}

	payment, err := instrument.PaymentFromPlan(plan)
	if err != nil {
		return otxtask.NewErrorTask()
	}

	return c.schedule(localNym, server, statemachine.ConveyPaymentTask{
		Recipient: plan.RecipientNym(),
		Payment:   payment,
	})
}
