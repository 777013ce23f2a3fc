package statemachine

import (
	"errors"

	"github.com/wigggles/opentxs-sub020/instrument"
	"github.com/wigggles/opentxs-sub020/nym"
	"github.com/wigggles/opentxs-sub020/operation"
	"github.com/wigggles/opentxs-sub020/otxtypes"
	"github.com/wigggles/opentxs-sub020/session"
	"github.com/wigggles/opentxs-sub020/wallet"
)

// defaultChequeValiditySeconds bounds a written cheque's deposit window when
// the submitter gave none: roughly six months.
const defaultChequeValiditySeconds = 180 * 24 * 60 * 60

// verdict is the drain loop's instruction after one execution attempt.
type verdict uint8

const (
	// verdictSuccess resolves the task's promise successfully.
	verdictSuccess verdict = iota

	// verdictFailure resolves the task's promise as failed.
	verdictFailure

	// verdictRetry parks the task until fresh transaction numbers
	// arrive. The promise stays open.
	verdictRetry
)

// execute runs one task's exchange and classifies the outcome. Side effects
// on the wallet and session context happen here, before the promise
// resolves, so a caller awaiting the future observes them.
func (m *StateMachine) execute(t *task) (*operation.Result, verdict) {
	switch p := t.payload.(type) {
	case RegisterNymTask:
		return m.execRegisterNym()

	case GetTransactionNumbersTask:
		return m.execGetTransNums()

	case CheckNymTask:
		return m.execCheckNym(p)

	case DownloadContractTask:
		return m.execDownloadContract(p)

	case DownloadNymboxTask:
		return m.execDownloadNymbox()

	case ProcessInboxTask:
		return m.execProcessInbox(p)

	case RegisterAccountTask:
		return m.execRegisterAccount(p)

	case IssueUnitTask:
		return m.execIssueUnit(p)

	case DepositPaymentTask:
		return m.execDepositPayment(p)

	case WithdrawCashTask:
		return m.execWithdrawCash(p)

	case PayCashTask:
		return m.execPayCash(p)

	case SendChequeTask:
		return m.execSendCheque(p)

	case ConveyPaymentTask:
		res := m.cfg.Op.ConveyPayment(m.ctx, p.Recipient, p.Payment)
		return res, simpleVerdict(res)

	case SendTransferTask:
		return m.execSendTransfer(p)

	case SendMessageTask:
		res := m.cfg.Op.SendMessage(m.ctx, p.Recipient, p.Message)
		return res, simpleVerdict(res)

	case PeerRequestTask:
		res := m.cfg.Op.SendPeerRequest(m.ctx, p.Target, p.Request)
		return res, simpleVerdict(res)

	case PeerReplyTask:
		res := m.cfg.Op.SendPeerReply(m.ctx, p.Target, p.Reply)
		return res, simpleVerdict(res)

	case PublishContractTask:
		res := m.cfg.Op.PublishContract(m.ctx, p.Contract)
		return res, simpleVerdict(res)

	case RequestAdminTask:
		return m.execRequestAdmin(p)

	case AddClaimTask:
		return m.execAddClaim(p)

	default:
		log.Errorf("Unknown task payload %T", t.payload)
		return notSent(), verdictFailure
	}
}

// notSent is the result of a task that failed locally, before anything was
// put on the wire.
func notSent() *operation.Result {
	return &operation.Result{Status: operation.NotSent}
}

// simpleVerdict classifies an exchange that carried no transaction number:
// the reply either succeeded or it did not.
func simpleVerdict(res *operation.Result) verdict {
	if res.Status == operation.MessageSuccess {
		return verdictSuccess
	}
	return verdictFailure
}

// reserveNumber pulls one number from the pair's available pool. An
// exhausted pool sets the retry flag so the drain loop can park the task
// behind a grant instead of failing it.
func (m *StateMachine) reserveNumber() (otxtypes.TransNum, bool, error) {
	num, err := m.cfg.Context.ReserveOpeningNumber()
	if errors.Is(err, session.ErrNumbersExhausted) {
		return 0, true, err
	}

	return num, false, err
}

// settleNumber reconciles a reserved number with the exchange outcome. A
// definite non-delivery harvests the number back; an accepted transaction
// consumes it; an unknown outcome leaves it reserved, since either guess
// risks diverging from the notary's ledger.
func (m *StateMachine) settleNumber(num otxtypes.TransNum,
	status operation.ReplyStatus) {

	var err error
	switch {
	case status == operation.MessageSuccess:
		err = m.cfg.Context.ConsumeNumber(num)

	case status.SafeToHarvest():
		err = m.cfg.Context.HarvestNumber(num)

	default:
		log.Warnf("Number %v stays reserved after %v outcome", num,
			status)
	}

	if err != nil {
		log.Errorf("Unable to settle number %v after %v: %v", num,
			status, err)
	}
}

func (m *StateMachine) execRegisterNym() (*operation.Result, verdict) {
	res := m.cfg.Op.RegisterNym(m.ctx)
	if res.Status != operation.MessageSuccess {
		return res, verdictFailure
	}

	err := m.cfg.Context.SetRegistered(m.cfg.LocalNym.Revision())
	if err != nil {
		log.Errorf("Unable to record registration: %v", err)
		return res, verdictFailure
	}

	return res, verdictSuccess
}

func (m *StateMachine) execGetTransNums() (*operation.Result, verdict) {
	res := m.cfg.Op.GetTransactionNumbers(m.ctx)
	if res.Status != operation.MessageSuccess {
		return res, verdictFailure
	}

	accepted, err := m.cfg.Context.AcceptIssuedNumbers(res.Numbers)
	if err != nil {
		log.Errorf("Unable to accept number grant: %v", err)
		return res, verdictFailure
	}

	log.Debugf("Accepted %v of %v granted numbers for nym %v", accepted,
		len(res.Numbers), m.cfg.LocalNym.ID())

	return res, verdictSuccess
}

func (m *StateMachine) execCheckNym(p CheckNymTask) (*operation.Result,
	verdict) {

	res := m.cfg.Op.CheckNym(m.ctx, p.Target)
	if res.Status != operation.MessageSuccess {
		return res, verdictFailure
	}

	identity, err := nym.NewIdentity(res.Payload, res.Revision)
	if err != nil {
		log.Errorf("Server returned unusable credentials for nym "+
			"%v: %v", p.Target, err)
		return res, verdictFailure
	}

	// Keep any locally attached data a prior record carried.
	record := &wallet.NymRecord{Identity: identity}
	if prior, err := m.cfg.Wallet.Nym(p.Target); err == nil {
		record.PreferredServer = prior.PreferredServer
		record.Alias = prior.Alias
	}

	if err := m.cfg.Wallet.PutNym(record); err != nil {
		log.Errorf("Unable to store nym %v: %v", p.Target, err)
		return res, verdictFailure
	}

	return res, verdictSuccess
}

func (m *StateMachine) execDownloadContract(
	p DownloadContractTask) (*operation.Result, verdict) {

	res := m.cfg.Op.DownloadContract(m.ctx, p.ID)
	if res.Status != operation.MessageSuccess {
		return res, verdictFailure
	}

	var err error
	if p.ID == otxtypes.ID(m.cfg.Server) {
		err = m.cfg.Wallet.PutServer(&wallet.ServerContract{
			ID:  m.cfg.Server,
			Raw: res.Payload,
		})
	} else {
		err = m.cfg.Wallet.PutUnitDefinition(&wallet.UnitDefinition{
			ID:  otxtypes.UnitID(p.ID),
			Raw: res.Payload,
		})
	}
	if err != nil {
		log.Errorf("Unable to store contract %v: %v", p.ID, err)
		return res, verdictFailure
	}

	return res, verdictSuccess
}

func (m *StateMachine) execDownloadNymbox() (*operation.Result, verdict) {
	res := m.cfg.Op.DownloadNymbox(m.ctx)
	if res.Status != operation.MessageSuccess {
		return res, verdictFailure
	}

	if err := m.cfg.Context.SetNymboxHash(res.NymboxHash); err != nil {
		log.Errorf("Unable to record nymbox hash: %v", err)
		return res, verdictFailure
	}

	return res, verdictSuccess
}

func (m *StateMachine) execProcessInbox(
	p ProcessInboxTask) (*operation.Result, verdict) {

	num, retry, err := m.reserveNumber()
	if err != nil {
		if retry {
			return nil, verdictRetry
		}
		return notSent(), verdictFailure
	}

	res := m.cfg.Op.ProcessInbox(m.ctx, p.Account)
	m.settleNumber(num, res.Status)

	if res.Status != operation.MessageSuccess {
		return res, verdictFailure
	}

	m.recordBalance(p.Account, res.Balance)

	return res, verdictSuccess
}

func (m *StateMachine) execRegisterAccount(
	p RegisterAccountTask) (*operation.Result, verdict) {

	res := m.cfg.Op.RegisterAccount(m.ctx, p.Unit)
	if res.Status != operation.MessageSuccess {
		return res, verdictFailure
	}

	err := m.cfg.Wallet.PutAccount(&wallet.Account{
		ID:              res.Account,
		Owner:           m.cfg.LocalNym.ID(),
		Server:          m.cfg.Server,
		Unit:            p.Unit,
		AuthorizedAgent: otxtypes.ID(m.cfg.LocalNym.ID()),
		Label:           p.Label,
	})
	if err != nil {
		log.Errorf("Unable to store account %v: %v", res.Account, err)
		return res, verdictFailure
	}

	if err := m.cfg.Context.AddAccount(res.Account); err != nil {
		log.Errorf("Unable to track account %v: %v", res.Account, err)
		return res, verdictFailure
	}

	log.Infof("Registered account %v for unit %v", res.Account, p.Unit)

	return res, verdictSuccess
}

func (m *StateMachine) execIssueUnit(p IssueUnitTask) (*operation.Result,
	verdict) {

	res := m.cfg.Op.IssueUnitDefinition(m.ctx, p.Contract)
	if res.Status != operation.MessageSuccess {
		return res, verdictFailure
	}

	// The reply names the issuer account the notary opened alongside the
	// new unit. Its unit ID is not echoed back, so the stored account is
	// completed by the next UpdateAccount.
	err := m.cfg.Wallet.PutAccount(&wallet.Account{
		ID:              res.Account,
		Owner:           m.cfg.LocalNym.ID(),
		Server:          m.cfg.Server,
		AuthorizedAgent: otxtypes.ID(m.cfg.LocalNym.ID()),
		Label:           "issuer",
	})
	if err != nil {
		log.Errorf("Unable to store issuer account %v: %v",
			res.Account, err)
		return res, verdictFailure
	}

	if err := m.cfg.Context.AddAccount(res.Account); err != nil {
		log.Errorf("Unable to track account %v: %v", res.Account, err)
		return res, verdictFailure
	}

	return res, verdictSuccess
}

// pickDepositAccount resolves which of the depositor's accounts can take an
// instrument of the payment's unit.
func (m *StateMachine) pickDepositAccount(
	payment *instrument.Payment) (otxtypes.AccountID, error) {

	accounts, err := m.cfg.Wallet.AccountsFor(m.cfg.LocalNym.ID(),
		m.cfg.Server, payment.UnitID())
	if err != nil {
		return otxtypes.AccountID{}, err
	}
	if len(accounts) == 0 {
		return otxtypes.AccountID{}, wallet.ErrNotFound
	}

	return accounts[0].ID, nil
}

func (m *StateMachine) execDepositPayment(
	p DepositPaymentTask) (*operation.Result, verdict) {

	account := p.Account
	if account.IsZero() {
		picked, err := m.pickDepositAccount(p.Payment)
		if err != nil {
			log.Warnf("No account for unit %v to deposit %v into",
				p.Payment.UnitID(), p.Payment.Kind())
			return notSent(), verdictFailure
		}
		account = picked
	}

	num, retry, err := m.reserveNumber()
	if err != nil {
		if retry {
			return nil, verdictRetry
		}
		return notSent(), verdictFailure
	}

	var res *operation.Result
	switch p.Payment.Kind() {
	case instrument.KindCheque, instrument.KindVoucher,
		instrument.KindInvoice:

		cheque, err := p.Payment.Cheque()
		if err != nil {
			m.settleNumber(num, operation.NotSent)
			log.Errorf("Unable to parse cheque payment: %v", err)
			return notSent(), verdictFailure
		}
		res = m.cfg.Op.DepositCheque(m.ctx, account, cheque)

	default:
		res = m.cfg.Op.DepositPayment(m.ctx, account, p.Payment)
	}

	m.settleNumber(num, res.Status)

	if res.Status != operation.MessageSuccess {
		return res, verdictFailure
	}

	m.recordBalance(account, res.Balance)

	return res, verdictSuccess
}

func (m *StateMachine) execWithdrawCash(
	p WithdrawCashTask) (*operation.Result, verdict) {

	num, retry, err := m.reserveNumber()
	if err != nil {
		if retry {
			return nil, verdictRetry
		}
		return notSent(), verdictFailure
	}

	res := m.cfg.Op.WithdrawCash(m.ctx, p.Account, p.Amount)
	m.settleNumber(num, res.Status)

	if res.Status != operation.MessageSuccess {
		return res, verdictFailure
	}

	m.recordBalance(p.Account, res.Balance)

	return res, verdictSuccess
}

func (m *StateMachine) execPayCash(p PayCashTask) (*operation.Result,
	verdict) {

	num, retry, err := m.reserveNumber()
	if err != nil {
		if retry {
			return nil, verdictRetry
		}
		return notSent(), verdictFailure
	}

	res := m.cfg.Op.WithdrawCash(m.ctx, p.Account, p.Amount)
	m.settleNumber(num, res.Status)

	if res.Status != operation.MessageSuccess {
		return res, verdictFailure
	}

	m.recordBalance(p.Account, res.Balance)

	purse, err := instrument.ParsePurse(res.Payload)
	if err != nil {
		log.Errorf("Withdrawal reply carried an unusable purse: %v",
			err)
		return res, verdictFailure
	}

	convey := m.cfg.Op.SendCash(m.ctx, p.Recipient, purse)
	if convey.Status != operation.MessageSuccess {
		// The tokens were withdrawn; the balance change stands even
		// though the recipient never got them. The caller must
		// re-deposit or re-send the purse.
		log.Warnf("Withdrew %v in tokens but conveying to %v failed: "+
			"%v", p.Amount, p.Recipient, convey.Status)
		return convey, verdictFailure
	}

	return convey, verdictSuccess
}

func (m *StateMachine) execSendCheque(p SendChequeTask) (*operation.Result,
	verdict) {

	num, retry, err := m.reserveNumber()
	if err != nil {
		if retry {
			return nil, verdictRetry
		}
		return notSent(), verdictFailure
	}

	now := m.cfg.Clock.Now().Unix()
	cheque, err := instrument.WriteCheque(m.cfg.LocalNym, num,
		instrument.ChequeTerms{
			Kind:          instrument.KindCheque,
			SenderAccount: p.Account,
			Server:        m.cfg.Server,
			Unit:          m.accountUnit(p.Account),
			Amount:        p.Amount,
			Memo:          p.Memo,
			Recipient:     p.Recipient,
			ValidFrom:     now,
			ValidTo:       now + defaultChequeValiditySeconds,
		})
	if err != nil {
		m.settleNumber(num, operation.NotSent)
		log.Errorf("Unable to write cheque: %v", err)
		return notSent(), verdictFailure
	}

	payment, err := instrument.PaymentFromCheque(cheque)
	if err != nil {
		m.settleNumber(num, operation.NotSent)
		return notSent(), verdictFailure
	}

	res := m.cfg.Op.ConveyPayment(m.ctx, p.Recipient, payment)

	// A conveyed cheque keeps its number in use until the recipient
	// deposits it or the drawer cancels it, so success does not consume
	// here. Only a definite non-delivery frees the number.
	if res.Status.SafeToHarvest() {
		m.settleNumber(num, res.Status)
	}

	return res, simpleVerdict(res)
}

// accountUnit returns the stored unit of the account, zero when the account
// is not in the wallet.
func (m *StateMachine) accountUnit(id otxtypes.AccountID) otxtypes.UnitID {
	account, err := m.cfg.Wallet.Account(id)
	if err != nil {
		return otxtypes.UnitID{}
	}

	return account.Unit
}

func (m *StateMachine) execSendTransfer(
	p SendTransferTask) (*operation.Result, verdict) {

	num, retry, err := m.reserveNumber()
	if err != nil {
		if retry {
			return nil, verdictRetry
		}
		return notSent(), verdictFailure
	}

	res := m.cfg.Op.SendTransfer(m.ctx, p.Source, p.Destination, p.Amount,
		p.Memo)
	m.settleNumber(num, res.Status)

	if res.Status != operation.MessageSuccess {
		return res, verdictFailure
	}

	m.recordBalance(p.Source, res.Balance)

	return res, verdictSuccess
}

func (m *StateMachine) execRequestAdmin(
	p RequestAdminTask) (*operation.Result, verdict) {

	res := m.cfg.Op.RequestAdmin(m.ctx, p.Password)
	if res.Status != operation.MessageSuccess {
		return res, verdictFailure
	}

	if err := m.cfg.Context.SetAdminPassword(p.Password); err != nil {
		log.Errorf("Unable to store admin password: %v", err)
		return res, verdictFailure
	}
	if err := m.cfg.Context.SetAdmin(true); err != nil {
		log.Errorf("Unable to record admin standing: %v", err)
		return res, verdictFailure
	}

	return res, verdictSuccess
}

func (m *StateMachine) execAddClaim(p AddClaimTask) (*operation.Result,
	verdict) {

	res := m.cfg.Op.AddClaim(m.ctx, p.Claim)
	if res.Status != operation.MessageSuccess {
		return res, verdictFailure
	}

	// A published claim changes the credentials, so the notary's copy is
	// stale from this moment. The next steady iteration re-registers.
	m.cfg.LocalNym.BumpRevision()

	return res, verdictSuccess
}

// recordBalance persists a reply's confirmed balance and tells subscribers.
func (m *StateMachine) recordBalance(id otxtypes.AccountID,
	balance otxtypes.Amount) {

	account, err := m.cfg.Wallet.Account(id)
	if err != nil {
		log.Warnf("Balance update for unknown account %v", id)
	} else {
		account.Balance = balance
		if err := m.cfg.Wallet.PutAccount(account); err != nil {
			log.Errorf("Unable to store balance of %v: %v", id,
				err)
		}
	}

	m.cfg.Notifier.NotifyBalance(id, balance)
}
