package statemachine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
	"github.com/wigggles/opentxs-sub020/instrument"
	"github.com/wigggles/opentxs-sub020/notifier"
	"github.com/wigggles/opentxs-sub020/nym"
	"github.com/wigggles/opentxs-sub020/operation"
	"github.com/wigggles/opentxs-sub020/otxtask"
	"github.com/wigggles/opentxs-sub020/otxtypes"
	"github.com/wigggles/opentxs-sub020/session"
	"github.com/wigggles/opentxs-sub020/wallet"
)

const testTimeout = 5 * time.Second

func testID(b byte) otxtypes.ID {
	var id otxtypes.ID
	id[0] = b
	return id
}

// memWallet is an in-memory wallet for exercising the worker.
type memWallet struct {
	mu       sync.Mutex
	nyms     map[otxtypes.NymID]*wallet.NymRecord
	accounts map[otxtypes.AccountID]*wallet.Account
	servers  map[otxtypes.ServerID]*wallet.ServerContract
	units    map[otxtypes.UnitID]*wallet.UnitDefinition
}

func newMemWallet() *memWallet {
	return &memWallet{
		nyms:     make(map[otxtypes.NymID]*wallet.NymRecord),
		accounts: make(map[otxtypes.AccountID]*wallet.Account),
		servers:  make(map[otxtypes.ServerID]*wallet.ServerContract),
		units:    make(map[otxtypes.UnitID]*wallet.UnitDefinition),
	}
}

func (w *memWallet) LocalNym(otxtypes.NymID) (*nym.Nym, error) {
	return nil, wallet.ErrNotFound
}

func (w *memWallet) PutLocalNym(*nym.Nym) error {
	return nil
}

func (w *memWallet) Nym(id otxtypes.NymID) (*wallet.NymRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	record, ok := w.nyms[id]
	if !ok {
		return nil, wallet.ErrNotFound
	}
	return record, nil
}

func (w *memWallet) PutNym(record *wallet.NymRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nyms[record.Identity.ID()] = record
	return nil
}

func (w *memWallet) Account(id otxtypes.AccountID) (*wallet.Account, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	account, ok := w.accounts[id]
	if !ok {
		return nil, wallet.ErrNotFound
	}
	cp := *account
	return &cp, nil
}

func (w *memWallet) PutAccount(account *wallet.Account) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	cp := *account
	w.accounts[account.ID] = &cp
	return nil
}

func (w *memWallet) AccountsFor(owner otxtypes.NymID,
	server otxtypes.ServerID,
	unit otxtypes.UnitID) ([]*wallet.Account, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	var matches []*wallet.Account
	for _, account := range w.accounts {
		if account.Owner != owner || account.Server != server {
			continue
		}
		if !unit.IsZero() && account.Unit != unit {
			continue
		}
		cp := *account
		matches = append(matches, &cp)
	}
	return matches, nil
}

func (w *memWallet) Server(
	id otxtypes.ServerID) (*wallet.ServerContract, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	contract, ok := w.servers[id]
	if !ok {
		return nil, wallet.ErrNotFound
	}
	return contract, nil
}

func (w *memWallet) PutServer(contract *wallet.ServerContract) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.servers[contract.ID] = contract
	return nil
}

func (w *memWallet) UnitDefinition(
	id otxtypes.UnitID) (*wallet.UnitDefinition, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	unit, ok := w.units[id]
	if !ok {
		return nil, wallet.ErrNotFound
	}
	return unit, nil
}

func (w *memWallet) PutUnitDefinition(unit *wallet.UnitDefinition) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.units[unit.ID] = unit
	return nil
}

func (w *memWallet) Contact(otxtypes.ID) (*wallet.Contact, error) {
	return nil, wallet.ErrNotFound
}

func (w *memWallet) PutContact(*wallet.Contact) error {
	return nil
}

func (w *memWallet) ServerContext(otxtypes.NymID,
	otxtypes.ServerID) (*session.ServerContext, error) {

	return nil, wallet.ErrNotFound
}

func (w *memWallet) MutableServerContext(localNym otxtypes.NymID,
	server otxtypes.ServerID) (*session.ServerContext, error) {

	return session.NewServerContext(localNym, server, nil), nil
}

// mockOp scripts the notary side of each exchange.
type mockOp struct {
	mu sync.Mutex

	// grants is consumed one batch per GetTransactionNumbers call. A nil
	// batch scripts a refusal.
	grants [][]otxtypes.TransNum

	contractFails  bool
	conveyStatus   operation.ReplyStatus
	transferStatus operation.ReplyStatus

	inboxBalance otxtypes.Amount
	newAccount   otxtypes.AccountID

	conveyed []*instrument.Payment
}

func newMockOp() *mockOp {
	return &mockOp{
		conveyStatus:   operation.MessageSuccess,
		transferStatus: operation.MessageSuccess,
	}
}

func ok() *operation.Result {
	return &operation.Result{Status: operation.MessageSuccess}
}

func (o *mockOp) RegisterNym(context.Context) *operation.Result {
	return ok()
}

func (o *mockOp) DownloadNymbox(context.Context) *operation.Result {
	res := ok()
	res.NymboxHash[0] = 0xaa
	return res
}

func (o *mockOp) GetTransactionNumbers(
	context.Context) *operation.Result {

	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.grants) == 0 {
		return &operation.Result{Status: operation.MessageFailure}
	}

	batch := o.grants[0]
	o.grants = o.grants[1:]

	if batch == nil {
		return &operation.Result{Status: operation.MessageFailure}
	}

	res := ok()
	res.Numbers = batch
	return res
}

func (o *mockOp) CheckNym(_ context.Context,
	target otxtypes.NymID) *operation.Result {

	other, err := nym.NewNym()
	if err != nil {
		return &operation.Result{Status: operation.MessageFailure}
	}

	res := ok()
	res.Payload = other.PubKey().SerializeCompressed()
	res.Revision = 1
	return res
}

func (o *mockOp) DownloadContract(_ context.Context,
	id otxtypes.ID) *operation.Result {

	o.mu.Lock()
	fails := o.contractFails
	o.mu.Unlock()

	if fails {
		return &operation.Result{Status: operation.MessageFailure}
	}

	res := ok()
	res.Payload = []byte("contract")
	return res
}

func (o *mockOp) ProcessInbox(_ context.Context,
	account otxtypes.AccountID) *operation.Result {

	res := ok()
	res.Balance = o.inboxBalance
	return res
}

func (o *mockOp) DepositPayment(_ context.Context,
	account otxtypes.AccountID,
	payment *instrument.Payment) *operation.Result {

	res := ok()
	res.Balance = payment.Amount()
	return res
}

func (o *mockOp) DepositCheque(_ context.Context,
	account otxtypes.AccountID,
	cheque *instrument.Cheque) *operation.Result {

	res := ok()
	res.Balance = cheque.Amount()
	return res
}

func (o *mockOp) WithdrawCash(_ context.Context,
	account otxtypes.AccountID,
	amount otxtypes.Amount) *operation.Result {

	purse := instrument.NewPurse(otxtypes.ServerID(testID(9)),
		otxtypes.UnitID(testID(3)))
	token, err := instrument.NewToken(amount)
	if err != nil {
		return &operation.Result{Status: operation.MessageFailure}
	}
	purse.AddToken(token)

	raw, err := purse.Serialize()
	if err != nil {
		return &operation.Result{Status: operation.MessageFailure}
	}

	res := ok()
	res.Payload = raw
	return res
}

func (o *mockOp) SendCash(_ context.Context, recipient otxtypes.NymID,
	purse *instrument.Purse) *operation.Result {

	o.mu.Lock()
	defer o.mu.Unlock()

	return &operation.Result{Status: o.conveyStatus}
}

func (o *mockOp) SendTransfer(_ context.Context, source,
	destination otxtypes.AccountID, amount otxtypes.Amount,
	memo string) *operation.Result {

	o.mu.Lock()
	defer o.mu.Unlock()

	return &operation.Result{Status: o.transferStatus}
}

func (o *mockOp) SendMessage(_ context.Context, recipient otxtypes.NymID,
	message string) *operation.Result {

	return ok()
}

func (o *mockOp) ConveyPayment(_ context.Context,
	recipient otxtypes.NymID,
	payment *instrument.Payment) *operation.Result {

	o.mu.Lock()
	defer o.mu.Unlock()

	o.conveyed = append(o.conveyed, payment)
	return &operation.Result{Status: o.conveyStatus}
}

func (o *mockOp) RegisterAccount(_ context.Context,
	unit otxtypes.UnitID) *operation.Result {

	res := ok()
	res.Account = o.newAccount
	return res
}

func (o *mockOp) IssueUnitDefinition(_ context.Context,
	contract []byte) *operation.Result {

	res := ok()
	res.Account = o.newAccount
	return res
}

func (o *mockOp) PublishContract(_ context.Context,
	contract []byte) *operation.Result {

	return ok()
}

func (o *mockOp) RequestAdmin(_ context.Context,
	password string) *operation.Result {

	return ok()
}

func (o *mockOp) AddClaim(_ context.Context,
	claim operation.Claim) *operation.Result {

	return ok()
}

func (o *mockOp) SendPeerRequest(_ context.Context,
	target otxtypes.NymID,
	request *operation.PeerRequest) *operation.Result {

	return ok()
}

func (o *mockOp) SendPeerReply(_ context.Context, target otxtypes.NymID,
	reply *operation.PeerReply) *operation.Result {

	return ok()
}

func (o *mockOp) UpdateAccount(_ context.Context,
	account otxtypes.AccountID) *operation.Result {

	return ok()
}

// testHarness bundles a running worker with its scripted collaborators.
type testHarness struct {
	machine  *StateMachine
	op       *mockOp
	wallet   *memWallet
	ctx      *session.ServerContext
	localNym *nym.Nym
	server   otxtypes.ServerID
	notifier *notifier.Notifier
	force    *ticker.Force
}

// newHarness builds a stopped worker. The wallet already holds the server
// contract and the session context is registered, so a started worker goes
// straight to steady state unless the test undoes either.
func newHarness(t *testing.T, op *mockOp) *testHarness {
	t.Helper()

	localNym, err := nym.NewNym()
	require.NoError(t, err)

	server := otxtypes.ServerID(testID(9))

	sctx := session.NewServerContext(localNym.ID(), server, nil)
	require.NoError(t, sctx.SetRegistered(localNym.Revision()))

	w := newMemWallet()
	require.NoError(t, w.PutServer(&wallet.ServerContract{
		ID:  server,
		Raw: []byte("contract"),
	}))

	n := notifier.New()
	require.NoError(t, n.Start())
	t.Cleanup(func() {
		require.NoError(t, n.Stop())
	})

	force := ticker.NewForce(time.Hour)

	machine := New(Config{
		LocalNym:   localNym,
		Server:     server,
		Context:    sctx,
		Wallet:     w,
		Op:         op,
		Notifier:   n,
		Clock:      clock.NewTestClock(time.Unix(1_000_000, 0)),
		PollTicker: force,
	})

	return &testHarness{
		machine:  machine,
		op:       op,
		wallet:   w,
		ctx:      sctx,
		localNym: localNym,
		server:   server,
		notifier: n,
		force:    force,
	}
}

func (h *testHarness) start(t *testing.T) {
	t.Helper()

	require.NoError(t, h.machine.Start())
	t.Cleanup(func() {
		require.NoError(t, h.machine.Stop())
	})
}

// tickUntilDone force-feeds poll ticks until the channel closes, keeping a
// parked worker moving.
func (h *testHarness) tickUntilDone(done <-chan struct{}) {
	for {
		select {
		case h.force.Force <- time.Now():
		case <-done:
			return
		}

		select {
		case <-time.After(10 * time.Millisecond):
		case <-done:
			return
		}
	}
}

// await unwraps a task future within the test timeout.
func await(t *testing.T, bt otxtask.BackgroundTask) otxtask.Outcome {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	outcome, err := bt.Future.Await(ctx).Unpack()
	require.NoError(t, err)

	return outcome
}

// fillNumbers seeds count available numbers starting at 100.
func (h *testHarness) fillNumbers(t *testing.T, count int) {
	t.Helper()

	nums := make([]otxtypes.TransNum, count)
	for i := range nums {
		nums[i] = otxtypes.TransNum(100 + i)
	}

	accepted, err := h.ctx.AcceptIssuedNumbers(nums)
	require.NoError(t, err)
	require.Equal(t, count, accepted)
}

// TestStartupProgression asserts a fresh pair bootstraps itself: contract
// downloaded, nym registered, number pool topped up, all without a single
// submitted task.
func TestStartupProgression(t *testing.T) {
	t.Parallel()

	op := newMockOp()
	op.grants = [][]otxtypes.TransNum{{101, 102, 103, 104, 105}}

	h := newHarness(t, op)

	// Undo the harness presets so the worker has to earn steady state.
	h.wallet = newMemWallet()
	h.machine.cfg.Wallet = h.wallet
	h.machine.cfg.Context = session.NewServerContext(h.localNym.ID(),
		h.server, nil)
	h.ctx = h.machine.cfg.Context

	h.start(t)

	require.Eventually(t, func() bool {
		if _, err := h.wallet.Server(h.server); err != nil {
			return false
		}
		return h.ctx.IsRegistered() &&
			h.ctx.AvailableNumbers() >= DefaultNumberLowWater
	}, testTimeout, 10*time.Millisecond)
}

// TestSendChequeKeepsNumberInUse asserts a conveyed cheque takes exactly one
// number out of the available pool and keeps it reserved: the recipient has
// not deposited yet, so the number is neither spent nor free.
func TestSendChequeKeepsNumberInUse(t *testing.T) {
	t.Parallel()

	op := newMockOp()
	h := newHarness(t, op)
	h.fillNumbers(t, 10)

	unit := otxtypes.UnitID(testID(3))
	account := otxtypes.AccountID(testID(4))
	require.NoError(t, h.wallet.PutAccount(&wallet.Account{
		ID:     account,
		Owner:  h.localNym.ID(),
		Server: h.server,
		Unit:   unit,
	}))

	h.start(t)

	recipient := otxtypes.NymID(testID(7))
	bt := h.machine.Submit(SendChequeTask{
		Recipient: recipient,
		Account:   account,
		Amount:    250,
		Memo:      "rent",
	})

	outcome := await(t, bt)
	require.Equal(t, otxtask.StatusSuccess, outcome.Status)
	require.Equal(t, 9, h.ctx.AvailableNumbers())

	// The conveyed payment must carry a verifiable cheque drawn by the
	// local nym on the named account.
	op.mu.Lock()
	require.Len(t, op.conveyed, 1)
	payment := op.conveyed[0]
	op.mu.Unlock()

	require.Equal(t, instrument.KindCheque, payment.Kind())
	require.Equal(t, recipient, payment.Recipient())

	cheque, err := instrument.ParseCheque(payment.Raw())
	require.NoError(t, err)
	require.NoError(t, cheque.Verify(&h.localNym.Identity))
	require.Equal(t, account, cheque.SenderAccount())
	require.Equal(t, unit, cheque.UnitID())

	// Still reserved: harvesting must succeed exactly because the
	// machine did not consume or free it.
	require.NoError(t, h.ctx.HarvestNumber(cheque.TransNum()))
}

// TestExhaustedPoolParksTask asserts a task needing a number survives an
// empty pool: it parks behind a grant request and completes once the notary
// finally grants.
func TestExhaustedPoolParksTask(t *testing.T) {
	t.Parallel()

	op := newMockOp()

	// First grant attempt is refused, the second succeeds. The cheque
	// task must outlive the refusal.
	op.grants = [][]otxtypes.TransNum{nil, {201, 202, 203, 204, 205}}

	h := newHarness(t, op)

	account := otxtypes.AccountID(testID(4))
	require.NoError(t, h.wallet.PutAccount(&wallet.Account{
		ID:     account,
		Owner:  h.localNym.ID(),
		Server: h.server,
		Unit:   otxtypes.UnitID(testID(3)),
	}))

	h.start(t)

	bt := h.machine.Submit(SendChequeTask{
		Recipient: otxtypes.NymID(testID(7)),
		Account:   account,
		Amount:    100,
	})

	go h.tickUntilDone(bt.Future.Done())

	outcome := await(t, bt)
	require.Equal(t, otxtask.StatusSuccess, outcome.Status)
	require.Equal(t, 4, h.ctx.AvailableNumbers())
}

// TestTransferNumberSettlement pins down how a reserved number is reconciled
// with each exchange outcome. An unknown outcome must leave the number
// reserved; releasing or spending it on a guess desynchronizes the ledger.
func TestTransferNumberSettlement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status operation.ReplyStatus

		wantStatus    otxtask.Status
		wantAvailable int

		// wantReserved asserts the number is still harvestable,
		// i.e. it stayed in the in-use pool.
		wantReserved bool
	}{
		{
			name:          "accepted consumes",
			status:        operation.MessageSuccess,
			wantStatus:    otxtask.StatusSuccess,
			wantAvailable: 1,
			wantReserved:  false,
		},
		{
			name:          "rejected harvests",
			status:        operation.MessageFailure,
			wantStatus:    otxtask.StatusFailure,
			wantAvailable: 2,
			wantReserved:  false,
		},
		{
			name:          "unknown stays reserved",
			status:        operation.Unknown,
			wantStatus:    otxtask.StatusFailure,
			wantAvailable: 1,
			wantReserved:  true,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			op := newMockOp()
			op.transferStatus = test.status

			h := newHarness(t, op)
			h.fillNumbers(t, 2)
			h.start(t)

			bt := h.machine.Submit(SendTransferTask{
				Source:      otxtypes.AccountID(testID(4)),
				Destination: otxtypes.AccountID(testID(5)),
				Amount:      50,
			})

			outcome := await(t, bt)
			require.Equal(t, test.wantStatus, outcome.Status)
			require.Equal(t, test.wantAvailable,
				h.ctx.AvailableNumbers())

			// The reservation pops the lowest number first.
			err := h.ctx.HarvestNumber(100)
			if test.wantReserved {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

// TestCheckNymCoalesces asserts identical queued lookups collapse into one
// task with one ID, while distinct targets, and cheque sends in general,
// never coalesce.
func TestCheckNymCoalesces(t *testing.T) {
	t.Parallel()

	op := newMockOp()
	h := newHarness(t, op)

	// Not started: everything stays queued, so coalescing is
	// observable.
	target := otxtypes.NymID(testID(7))
	first := h.machine.Submit(CheckNymTask{Target: target})
	second := h.machine.Submit(CheckNymTask{Target: target})
	require.Equal(t, first.ID, second.ID)

	other := h.machine.Submit(CheckNymTask{
		Target: otxtypes.NymID(testID(8)),
	})
	require.NotEqual(t, first.ID, other.ID)

	chequeOne := h.machine.Submit(SendChequeTask{
		Recipient: target,
		Account:   otxtypes.AccountID(testID(4)),
		Amount:    10,
	})
	chequeTwo := h.machine.Submit(SendChequeTask{
		Recipient: target,
		Account:   otxtypes.AccountID(testID(4)),
		Amount:    10,
	})
	require.NotEqual(t, chequeOne.ID, chequeTwo.ID)

	// Drain the queues so the futures resolve.
	h.start(t)
	require.NoError(t, h.machine.Stop())
}

// TestShutdownResolvesPending asserts no future is left hanging: tasks that
// never ran resolve with the shutdown status when the machine stops.
func TestShutdownResolvesPending(t *testing.T) {
	t.Parallel()

	op := newMockOp()
	op.contractFails = true

	h := newHarness(t, op)

	// Stall the worker before steady state so submitted tasks never
	// drain.
	h.wallet = newMemWallet()
	h.machine.cfg.Wallet = h.wallet

	h.start(t)

	first := h.machine.Submit(SendMessageTask{
		Recipient: otxtypes.NymID(testID(7)),
		Message:   "hello",
	})
	second := h.machine.Submit(ProcessInboxTask{
		Account: otxtypes.AccountID(testID(4)),
	})

	require.NoError(t, h.machine.Stop())

	require.Equal(t, otxtask.StatusShutdown, await(t, first).Status)
	require.Equal(t, otxtask.StatusShutdown, await(t, second).Status)

	// A submit after shutdown gets the error task immediately.
	late := h.machine.Submit(DownloadNymboxTask{})
	require.Equal(t, otxtask.ErrorTaskID, late.ID)
	require.Equal(t, otxtask.StatusError, await(t, late).Status)
}

// TestBalanceEventPublished asserts a confirmed balance reaches both the
// wallet and notifier subscribers.
func TestBalanceEventPublished(t *testing.T) {
	t.Parallel()

	op := newMockOp()
	op.inboxBalance = 777

	h := newHarness(t, op)
	h.fillNumbers(t, 10)

	account := otxtypes.AccountID(testID(4))
	require.NoError(t, h.wallet.PutAccount(&wallet.Account{
		ID:     account,
		Owner:  h.localNym.ID(),
		Server: h.server,
		Unit:   otxtypes.UnitID(testID(3)),
	}))

	client, err := h.notifier.Subscribe()
	require.NoError(t, err)

	h.start(t)

	bt := h.machine.Submit(ProcessInboxTask{Account: account})
	require.Equal(t, otxtask.StatusSuccess, await(t, bt).Status)

	stored, err := h.wallet.Account(account)
	require.NoError(t, err)
	require.EqualValues(t, 777, stored.Balance)

	// The balance event precedes the completion event for the same
	// exchange; both must arrive.
	var sawBalance, sawDone bool
	deadline := time.After(testTimeout)
	for !sawBalance || !sawDone {
		select {
		case event := <-client.Events():
			switch e := event.(type) {
			case notifier.AccountBalanceEvent:
				require.Equal(t, account, e.AccountID)
				require.EqualValues(t, 777, e.Balance)
				sawBalance = true

			case notifier.TaskCompletionEvent:
				if e.TaskID == bt.ID {
					require.True(t, e.Success)
					sawDone = true
				}
			}

		case <-deadline:
			t.Fatalf("timed out waiting for events")
		}
	}
}
