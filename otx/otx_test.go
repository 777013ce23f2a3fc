package otx

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
	"github.com/wigggles/opentxs-sub020/instrument"
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

// stubOp answers every exchange with success. Number grants count upward so
// repeated replenishment never replays.
type stubOp struct {
	mu sync.Mutex

	registerFails bool
	nextNum       otxtypes.TransNum

	conveyed []*instrument.Payment
}

func okResult() *operation.Result {
	return &operation.Result{Status: operation.MessageSuccess}
}

func (o *stubOp) RegisterNym(context.Context) *operation.Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.registerFails {
		return &operation.Result{Status: operation.MessageFailure}
	}
	return okResult()
}

func (o *stubOp) DownloadNymbox(context.Context) *operation.Result {
	return okResult()
}

func (o *stubOp) GetTransactionNumbers(
	context.Context) *operation.Result {

	o.mu.Lock()
	defer o.mu.Unlock()

	res := okResult()
	for i := 0; i < 5; i++ {
		o.nextNum++
		res.Numbers = append(res.Numbers, o.nextNum)
	}
	return res
}

func (o *stubOp) CheckNym(_ context.Context,
	target otxtypes.NymID) *operation.Result {

	other, err := nym.NewNym()
	if err != nil {
		return &operation.Result{Status: operation.MessageFailure}
	}

	res := okResult()
	res.Payload = other.PubKey().SerializeCompressed()
	res.Revision = 1
	return res
}

func (o *stubOp) DownloadContract(_ context.Context,
	id otxtypes.ID) *operation.Result {

	res := okResult()
	res.Payload = []byte("contract")
	return res
}

func (o *stubOp) ProcessInbox(_ context.Context,
	account otxtypes.AccountID) *operation.Result {

	return okResult()
}

func (o *stubOp) DepositPayment(_ context.Context,
	account otxtypes.AccountID,
	payment *instrument.Payment) *operation.Result {

	return okResult()
}

func (o *stubOp) DepositCheque(_ context.Context,
	account otxtypes.AccountID,
	cheque *instrument.Cheque) *operation.Result {

	return okResult()
}

func (o *stubOp) WithdrawCash(_ context.Context,
	account otxtypes.AccountID,
	amount otxtypes.Amount) *operation.Result {

	return okResult()
}

func (o *stubOp) SendCash(_ context.Context, recipient otxtypes.NymID,
	purse *instrument.Purse) *operation.Result {

	return okResult()
}

func (o *stubOp) SendTransfer(_ context.Context, source,
	destination otxtypes.AccountID, amount otxtypes.Amount,
	memo string) *operation.Result {

	return okResult()
}

func (o *stubOp) SendMessage(_ context.Context,
	recipient otxtypes.NymID, message string) *operation.Result {

	return okResult()
}

func (o *stubOp) ConveyPayment(_ context.Context,
	recipient otxtypes.NymID,
	payment *instrument.Payment) *operation.Result {

	o.mu.Lock()
	defer o.mu.Unlock()

	o.conveyed = append(o.conveyed, payment)
	return okResult()
}

func (o *stubOp) RegisterAccount(_ context.Context,
	unit otxtypes.UnitID) *operation.Result {

	res := okResult()
	res.Account = otxtypes.AccountID(testID(0x77))
	return res
}

func (o *stubOp) IssueUnitDefinition(_ context.Context,
	contract []byte) *operation.Result {

	res := okResult()
	res.Account = otxtypes.AccountID(testID(0x78))
	return res
}

func (o *stubOp) PublishContract(_ context.Context,
	contract []byte) *operation.Result {

	return okResult()
}

func (o *stubOp) RequestAdmin(_ context.Context,
	password string) *operation.Result {

	return okResult()
}

func (o *stubOp) AddClaim(_ context.Context,
	claim operation.Claim) *operation.Result {

	return okResult()
}

func (o *stubOp) SendPeerRequest(_ context.Context,
	target otxtypes.NymID,
	request *operation.PeerRequest) *operation.Result {

	return okResult()
}

func (o *stubOp) SendPeerReply(_ context.Context,
	target otxtypes.NymID,
	reply *operation.PeerReply) *operation.Result {

	return okResult()
}

func (o *stubOp) UpdateAccount(_ context.Context,
	account otxtypes.AccountID) *operation.Result {

	return okResult()
}

// fixture is a running client over a real bolt-backed wallet.
type fixture struct {
	client *Client
	db     *wallet.DB
	op     *stubOp

	localNym *nym.Nym
	server   otxtypes.ServerID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	backend, err := kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:         t.TempDir(),
		DBFileName:     "wallet.db",
		NoFreelistSync: true,
		DBTimeout:      kvdb.DefaultDBTimeout,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, backend.Close())
	})

	db, err := wallet.Open(backend)
	require.NoError(t, err)

	localNym, err := nym.NewNym()
	require.NoError(t, err)
	require.NoError(t, db.PutLocalNym(localNym))

	server := otxtypes.ServerID(testID(9))
	require.NoError(t, db.PutServer(&wallet.ServerContract{
		ID:  server,
		Raw: []byte("contract"),
	}))

	op := &stubOp{}
	client := New(Config{
		Wallet: db,
		NewOperation: func(*nym.Nym, otxtypes.ServerID,
			*session.ServerContext) operation.Operation {

			return op
		},
		Clock: clock.NewTestClock(time.Unix(1_000_000, 0)),
		NewTicker: func() ticker.Ticker {
			return ticker.New(25 * time.Millisecond)
		},
	})
	require.NoError(t, client.Start())
	t.Cleanup(func() {
		require.NoError(t, client.Stop())
	})

	return &fixture{
		client:   client,
		db:       db,
		op:       op,
		localNym: localNym,
		server:   server,
	}
}

// registerPair marks the session context registered and seeds available
// numbers, so a machine created for the pair starts in steady state.
func (f *fixture) registerPair(t *testing.T, localNym *nym.Nym,
	server otxtypes.ServerID, numbers int) *session.ServerContext {

	t.Helper()

	sctx, err := f.db.MutableServerContext(localNym.ID(), server)
	require.NoError(t, err)
	require.NoError(t, sctx.SetRegistered(localNym.Revision()))

	if numbers > 0 {
		nums := make([]otxtypes.TransNum, numbers)
		for i := range nums {
			nums[i] = otxtypes.TransNum(1000 + i)
		}
		accepted, err := sctx.AcceptIssuedNumbers(nums)
		require.NoError(t, err)
		require.Equal(t, numbers, accepted)
	}

	return sctx
}

func awaitTask(t *testing.T, bt otxtask.BackgroundTask) otxtask.Outcome {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	outcome, err := bt.Future.Await(ctx).Unpack()
	require.NoError(t, err)

	return outcome
}

// TestMachineReuse asserts the registry hands back the same machine for the
// same pair and distinct machines for distinct pairs.
func TestMachineReuse(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerPair(t, f.localNym, f.server, 10)

	first, err := f.client.getMachine(f.localNym.ID(), f.server)
	require.NoError(t, err)
	second, err := f.client.getMachine(f.localNym.ID(), f.server)
	require.NoError(t, err)
	require.Same(t, first, second)

	otherServer := otxtypes.ServerID(testID(10))
	third, err := f.client.getMachine(f.localNym.ID(), otherServer)
	require.NoError(t, err)
	require.NotSame(t, first, third)
}

// TestErrorTaskForUnknownNym asserts scheduling for a nym without signing
// capability yields the sentinel error task, not a panic or an error
// return.
func TestErrorTaskForUnknownNym(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	bt := f.client.RegisterAccount(otxtypes.NymID(testID(0xee)),
		f.server, otxtypes.UnitID(testID(3)), "savings")
	require.Equal(t, otxtask.ErrorTaskID, bt.ID)
	require.Equal(t, otxtask.StatusError, awaitTask(t, bt).Status)

	status, ok := f.client.Status(bt.ID)
	require.True(t, ok)
	require.Equal(t, otxtask.StatusError, status)
}

// TestDepositDisambiguation covers account resolution for an incoming
// cheque: two matching accounts demand a hint, either matching hint is
// ready, an unrelated hint is wrong.
func TestDepositDisambiguation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerPair(t, f.localNym, f.server, 10)

	unit := otxtypes.UnitID(testID(3))

	drawer, err := nym.NewNym()
	require.NoError(t, err)
	cheque, err := instrument.WriteCheque(drawer, 77,
		instrument.ChequeTerms{
			Kind:          instrument.KindCheque,
			SenderAccount: otxtypes.AccountID(testID(0x50)),
			Server:        f.server,
			Unit:          unit,
			Amount:        100,
			Recipient:     f.localNym.ID(),
		})
	require.NoError(t, err)
	payment, err := instrument.PaymentFromCheque(cheque)
	require.NoError(t, err)

	// No matching account yet.
	require.Equal(t, DepositNoAccount, f.client.CanDeposit(
		f.localNym.ID(), otxtypes.AccountID{}, payment))

	accountA := otxtypes.AccountID(testID(0x41))
	accountB := otxtypes.AccountID(testID(0x42))
	for _, id := range []otxtypes.AccountID{accountA, accountB} {
		require.NoError(t, f.db.PutAccount(&wallet.Account{
			ID:     id,
			Owner:  f.localNym.ID(),
			Server: f.server,
			Unit:   unit,
		}))
	}

	noHint := otxtypes.AccountID{}
	require.Equal(t, DepositAccountNotSpecified, f.client.CanDeposit(
		f.localNym.ID(), noHint, payment))
	require.Equal(t, DepositReady, f.client.CanDeposit(
		f.localNym.ID(), accountA, payment))
	require.Equal(t, DepositReady, f.client.CanDeposit(
		f.localNym.ID(), accountB, payment))
	require.Equal(t, DepositWrongAccount, f.client.CanDeposit(
		f.localNym.ID(), otxtypes.AccountID(testID(0x60)), payment))

	// A cheque made out to somebody else is not ours to deposit.
	stranger := otxtypes.NymID(testID(0x5f))
	require.Equal(t, DepositWrongRecipient, f.client.CanDeposit(
		stranger, noHint, payment))

	// With the ambiguity resolved by a hint, the deposit goes through.
	bt := f.client.DepositPayment(f.localNym.ID(), accountA, payment)
	require.NotEqual(t, otxtask.ErrorTaskID, bt.ID)
	require.Equal(t, otxtask.StatusSuccess, awaitTask(t, bt).Status)

	// Without a hint it is refused outright.
	refused := f.client.DepositPayment(f.localNym.ID(), noHint, payment)
	require.Equal(t, otxtask.ErrorTaskID, refused.ID)
}

// TestCanMessageWalk exercises the prerequisite chain one missing link at a
// time.
func TestCanMessageWalk(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	unknownSender := otxtypes.NymID(testID(0xee))
	contactID := testID(0x30)

	require.Equal(t, MessageInvalidSender,
		f.client.CanMessage(unknownSender, contactID))

	sender := f.localNym.ID()
	require.Equal(t, MessageMissingContact,
		f.client.CanMessage(sender, contactID))

	require.NoError(t, f.db.PutContact(&wallet.Contact{
		ID:    contactID,
		Label: "bob",
	}))
	require.Equal(t, MessageContactLacksNym,
		f.client.CanMessage(sender, contactID))

	recipient, err := nym.NewNym()
	require.NoError(t, err)
	require.NoError(t, f.db.PutContact(&wallet.Contact{
		ID:    contactID,
		Label: "bob",
		Nyms:  []otxtypes.NymID{recipient.ID()},
	}))
	require.Equal(t, MessageMissingRecipient,
		f.client.CanMessage(sender, contactID))

	require.NoError(t, f.db.PutNym(&wallet.NymRecord{
		Identity: &recipient.Identity,
	}))
	require.Equal(t, MessageNoServerClaim,
		f.client.CanMessage(sender, contactID))

	// Claimed server, sender not registered there yet. The notary
	// refuses registration so the state stays observable.
	f.op.mu.Lock()
	f.op.registerFails = true
	f.op.mu.Unlock()

	claimed := otxtypes.ServerID(testID(0x31))
	require.NoError(t, f.db.PutServer(&wallet.ServerContract{
		ID:  claimed,
		Raw: []byte("contract"),
	}))
	require.NoError(t, f.db.PutNym(&wallet.NymRecord{
		Identity:        &recipient.Identity,
		PreferredServer: claimed,
	}))
	require.Equal(t, MessageUnregistered,
		f.client.CanMessage(sender, contactID))

	f.registerPair(t, f.localNym, claimed, 10)
	require.Equal(t, MessageReady,
		f.client.CanMessage(sender, contactID))
}

// TestStatusPruning asserts a terminal status is handed out exactly once.
func TestStatusPruning(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerPair(t, f.localNym, f.server, 10)

	bt := f.client.ProcessInbox(f.localNym.ID(), f.server,
		otxtypes.AccountID(testID(4)))
	require.Equal(t, otxtask.StatusSuccess, awaitTask(t, bt).Status)

	// The completion event arrives asynchronously; once it lands, the
	// first read returns it and the second finds nothing.
	require.Eventually(t, func() bool {
		f.client.statusMu.Lock()
		defer f.client.statusMu.Unlock()
		return f.client.status[bt.ID] == otxtask.StatusSuccess
	}, testTimeout, 10*time.Millisecond)

	status, ok := f.client.Status(bt.ID)
	require.True(t, ok)
	require.Equal(t, otxtask.StatusSuccess, status)

	_, ok = f.client.Status(bt.ID)
	require.False(t, ok)
}

// TestMessageStatus asserts message sends carry a message ID for thread
// tracking, pruned together with the status.
func TestMessageStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerPair(t, f.localNym, f.server, 10)

	bt := f.client.MessageContact(f.localNym.ID(), f.server,
		otxtypes.NymID(testID(7)), "hello")
	require.Equal(t, otxtask.StatusSuccess, awaitTask(t, bt).Status)

	_, messageID, ok := f.client.MessageStatus(bt.ID)
	require.True(t, ok)
	require.NotEqual(t, otxtypes.ID{}, messageID)

	require.Eventually(t, func() bool {
		f.client.statusMu.Lock()
		defer f.client.statusMu.Unlock()
		return f.client.status[bt.ID] == otxtask.StatusSuccess
	}, testTimeout, 10*time.Millisecond)

	status, gotID, ok := f.client.MessageStatus(bt.ID)
	require.True(t, ok)
	require.Equal(t, otxtask.StatusSuccess, status)
	require.Equal(t, messageID, gotID)

	_, _, ok = f.client.MessageStatus(bt.ID)
	require.False(t, ok)
}

// TestConfirmPaymentPlan asserts the full confirm path: the payer's two
// numbers are reserved, the plan is countersigned, and the confirmed copy is
// conveyed back to the proposer.
func TestConfirmPaymentPlan(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sctx := f.registerPair(t, f.localNym, f.server, 10)

	unit := otxtypes.UnitID(testID(3))
	account := otxtypes.AccountID(testID(4))
	require.NoError(t, f.db.PutAccount(&wallet.Account{
		ID:     account,
		Owner:  f.localNym.ID(),
		Server: f.server,
		Unit:   unit,
	}))

	merchant, err := nym.NewNym()
	require.NoError(t, err)
	plan, err := instrument.ProposePlan(merchant, 55,
		instrument.PlanTerms{
			RecipientAccount: otxtypes.AccountID(testID(0x51)),
			Server:           f.server,
			Unit:             unit,
			Amount:           30,
			IntervalSeconds:  3600,
			Consideration:    "hosting",
		})
	require.NoError(t, err)

	bt := f.client.ConfirmPaymentPlan(f.localNym.ID(), f.server, plan,
		account)
	require.NotEqual(t, otxtask.ErrorTaskID, bt.ID)
	require.Equal(t, otxtask.StatusSuccess, awaitTask(t, bt).Status)

	require.True(t, plan.IsConfirmed())
	require.NoError(t, plan.VerifyConfirmation(&f.localNym.Identity))
	require.Equal(t, 8, sctx.AvailableNumbers())

	f.op.mu.Lock()
	require.Len(t, f.op.conveyed, 1)
	conveyed := f.op.conveyed[0]
	f.op.mu.Unlock()

	require.Equal(t, instrument.KindPaymentPlan, conveyed.Kind())
	require.Equal(t, merchant.ID(), conveyed.Recipient())
}

// TestScheduleAfterStop asserts a stopped client refuses with the error
// task.
func TestScheduleAfterStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.registerPair(t, f.localNym, f.server, 10)

	require.NoError(t, f.client.Stop())

	bt := f.client.DownloadNymbox(f.localNym.ID(), f.server)
	require.Equal(t, otxtask.ErrorTaskID, bt.ID)
	require.Equal(t, otxtask.StatusError, awaitTask(t, bt).Status)
}
