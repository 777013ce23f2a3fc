package instrument

import (
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/tlv"
	"github.com/wigggles/opentxs-sub020/nym"
	"github.com/wigggles/opentxs-sub020/otxtypes"
	"github.com/wigggles/opentxs-sub020/session"
	"github.com/wigggles/opentxs-sub020/wallet"
)

var (
	// ErrNotSenderAccount is returned when a nym confirms a payment plan
	// against an account it does not own. No transaction number is
	// consumed by the failed attempt.
	ErrNotSenderAccount = errors.New("account not owned by confirming nym")

	// ErrAlreadyConfirmedPlan is returned when a confirmed plan is
	// confirmed again.
	ErrAlreadyConfirmedPlan = errors.New("payment plan already confirmed")
)

// Payment plan record field types.
const (
	typePlanRecipAccount tlv.Type = 0
	typePlanRecipNym     tlv.Type = 1
	typePlanServer       tlv.Type = 2
	typePlanUnit         tlv.Type = 3
	typePlanAmount       tlv.Type = 4
	typePlanInterval     tlv.Type = 5
	typePlanConsider     tlv.Type = 6
	typePlanValidFrom    tlv.Type = 7
	typePlanValidTo      tlv.Type = 8
	typePlanRecipOpening tlv.Type = 9
	typePlanRecipSig     tlv.Type = 10
	typePlanSendAccount  tlv.Type = 11
	typePlanSendNym      tlv.Type = 12
	typePlanSendOpening  tlv.Type = 13
	typePlanSendClosing  tlv.Type = 14
	typePlanSendSig      tlv.Type = 15
)

// PlanTerms is what the recipient (the merchant) fills in when proposing a
// recurring payment plan.
type PlanTerms struct {
	// RecipientAccount receives each payment.
	RecipientAccount otxtypes.AccountID

	Server otxtypes.ServerID
	Unit   otxtypes.UnitID

	// Amount is charged once per interval.
	Amount otxtypes.Amount

	// IntervalSeconds is the spacing between charges.
	IntervalSeconds int64

	// Consideration describes what the payments are for.
	Consideration string

	ValidFrom int64
	ValidTo   int64
}

// PaymentPlan is a recurring payment agreement: proposed and signed by the
// recipient, then confirmed by the paying nym, which is when the payer's
// account is pinned and the payer's numbers are reserved.
type PaymentPlan struct {
	terms PlanTerms

	recipientNym otxtypes.NymID

	// recipientOpening is the recipient's number backing the proposal.
	recipientOpening otxtypes.TransNum
	recipientSig     []byte

	// Sender side, zero until Confirm.
	senderAccount otxtypes.AccountID
	senderNym     otxtypes.NymID
	senderOpening otxtypes.TransNum
	senderClosing otxtypes.TransNum
	senderSig     []byte
}

// ProposePlan writes and signs a payment plan on the recipient's behalf,
// against one of the recipient's transaction numbers.
func ProposePlan(recipient *nym.Nym, num otxtypes.TransNum,
	terms PlanTerms) (*PaymentPlan, error) {

	if terms.Amount <= 0 {
		return nil, fmt.Errorf("%w: plan needs a positive amount, "+
			"got %v", ErrBadAmount, terms.Amount)
	}
	if terms.IntervalSeconds <= 0 {
		return nil, fmt.Errorf("plan needs a positive interval")
	}
	if num == 0 {
		return nil, fmt.Errorf("plan needs a transaction number")
	}

	p := &PaymentPlan{
		terms:            terms,
		recipientNym:     recipient.ID(),
		recipientOpening: num,
	}

	body, err := p.proposalBody()
	if err != nil {
		return nil, err
	}
	p.recipientSig, err = recipient.Sign(body)
	if err != nil {
		return nil, fmt.Errorf("signing plan proposal: %w", err)
	}

	return p, nil
}

// Confirm pins the paying side of the plan to the confirmer's account and
// reserves the payer's opening and closing numbers. The account check runs
// first: a plan confirmed against somebody else's account fails with
// ErrNotSenderAccount and zero numbers consumed.
func (p *PaymentPlan) Confirm(ctx *session.ServerContext, w wallet.Wallet,
	confirmer *nym.Nym, senderAccount otxtypes.AccountID) error {

	if len(p.senderSig) != 0 {
		return ErrAlreadyConfirmedPlan
	}

	account, err := w.Account(senderAccount)
	if err != nil {
		return fmt.Errorf("loading sender account %v: %w",
			senderAccount, err)
	}
	if account.Owner != confirmer.ID() {
		return fmt.Errorf("%w: account %v belongs to %v, confirmer "+
			"is %v", ErrNotSenderAccount, senderAccount,
			account.Owner, confirmer.ID())
	}
	if account.Unit != p.terms.Unit {
		return fmt.Errorf("%w: account %v holds unit %v, plan wants "+
			"%v", ErrNotSenderAccount, senderAccount, account.Unit,
			p.terms.Unit)
	}

	opening, err := ctx.ReserveOpeningNumber()
	if err != nil {
		return fmt.Errorf("reserving plan opening number: %w", err)
	}
	closing, err := ctx.ReserveClosingNumber(senderAccount)
	if err != nil {
		if harvestErr := ctx.HarvestNumber(opening); harvestErr != nil {
			log.Warnf("Unable to harvest plan opening number %v: "+
				"%v", opening, harvestErr)
		}

		return fmt.Errorf("reserving plan closing number: %w", err)
	}

	p.senderAccount = senderAccount
	p.senderNym = confirmer.ID()
	p.senderOpening = opening
	p.senderClosing = closing

	body, err := p.fullBody()
	if err != nil {
		p.harvestSenderNumbers(ctx)
		return err
	}
	p.senderSig, err = confirmer.Sign(body)
	if err != nil {
		p.harvestSenderNumbers(ctx)
		return fmt.Errorf("signing plan confirmation: %w", err)
	}

	log.Infof("Nym %v confirmed payment plan from account %v with "+
		"numbers %v/%v", confirmer.ID(), senderAccount, opening,
		closing)

	return nil
}

// harvestSenderNumbers returns the payer's reserved numbers and clears the
// sender side after a failed confirmation.
func (p *PaymentPlan) harvestSenderNumbers(ctx *session.ServerContext) {
	for _, num := range []otxtypes.TransNum{
		p.senderOpening, p.senderClosing,
	} {
		if num == 0 {
			continue
		}
		if err := ctx.HarvestNumber(num); err != nil {
			log.Warnf("Unable to harvest plan number %v: %v", num,
				err)
		}
	}

	p.senderAccount = otxtypes.AccountID{}
	p.senderNym = otxtypes.NymID{}
	p.senderOpening = 0
	p.senderClosing = 0
}

// VerifyProposal checks the recipient's signature over the proposal fields.
func (p *PaymentPlan) VerifyProposal(recipient *nym.Identity) error {
	if len(p.recipientSig) == 0 {
		return ErrUnsigned
	}
	if recipient.ID() != p.recipientNym {
		return fmt.Errorf("plan proposed by %v, verifying against %v",
			p.recipientNym, recipient.ID())
	}

	body, err := p.proposalBody()
	if err != nil {
		return err
	}

	return recipient.VerifySig(body, p.recipientSig)
}

// VerifyConfirmation checks the payer's signature over the confirmed plan.
func (p *PaymentPlan) VerifyConfirmation(sender *nym.Identity) error {
	if len(p.senderSig) == 0 {
		return ErrUnsigned
	}
	if sender.ID() != p.senderNym {
		return fmt.Errorf("plan confirmed by %v, verifying against %v",
			p.senderNym, sender.ID())
	}

	body, err := p.fullBody()
	if err != nil {
		return err
	}

	return sender.VerifySig(body, p.senderSig)
}

// IsConfirmed reports whether the paying side has confirmed.
func (p *PaymentPlan) IsConfirmed() bool {
	return len(p.senderSig) != 0
}

// RecipientNym returns the proposing nym.
func (p *PaymentPlan) RecipientNym() otxtypes.NymID {
	return p.recipientNym
}

// RecipientAccount returns the account each payment lands in.
func (p *PaymentPlan) RecipientAccount() otxtypes.AccountID {
	return p.terms.RecipientAccount
}

// SenderNym returns the paying nym, zero until confirmed.
func (p *PaymentPlan) SenderNym() otxtypes.NymID {
	return p.senderNym
}

// SenderAccount returns the paying account, zero until confirmed.
func (p *PaymentPlan) SenderAccount() otxtypes.AccountID {
	return p.senderAccount
}

// ServerID returns the notary the plan runs on.
func (p *PaymentPlan) ServerID() otxtypes.ServerID {
	return p.terms.Server
}

// UnitID returns the plan's asset type.
func (p *PaymentPlan) UnitID() otxtypes.UnitID {
	return p.terms.Unit
}

// Amount returns the per-interval charge.
func (p *PaymentPlan) Amount() otxtypes.Amount {
	return p.terms.Amount
}

// IntervalSeconds returns the spacing between charges.
func (p *PaymentPlan) IntervalSeconds() int64 {
	return p.terms.IntervalSeconds
}

// Consideration returns what the payments are for.
func (p *PaymentPlan) Consideration() string {
	return p.terms.Consideration
}

// ValidFrom returns the start of the plan's validity window.
func (p *PaymentPlan) ValidFrom() int64 {
	return p.terms.ValidFrom
}

// ValidTo returns the end of the plan's validity window.
func (p *PaymentPlan) ValidTo() int64 {
	return p.terms.ValidTo
}

// OpeningNum returns the payer's opening number once confirmed, otherwise
// the recipient's proposal number.
func (p *PaymentPlan) OpeningNum() otxtypes.TransNum {
	if p.senderOpening != 0 {
		return p.senderOpening
	}

	return p.recipientOpening
}

// proposalRecords returns the recipient-signed fields as tlv records over
// the given scratch variables.
func (p *PaymentPlan) proposalRecords(recipAccount, recipNym, server,
	unit *[32]byte, amount, interval, validFrom, validTo,
	recipOpening *uint64, consider *[]byte) []tlv.Record {

	*recipAccount = p.terms.RecipientAccount
	*recipNym = p.recipientNym
	*server = p.terms.Server
	*unit = p.terms.Unit
	*amount = uint64(p.terms.Amount)
	*interval = uint64(p.terms.IntervalSeconds)
	*validFrom = uint64(p.terms.ValidFrom)
	*validTo = uint64(p.terms.ValidTo)
	*recipOpening = uint64(p.recipientOpening)
	*consider = []byte(p.terms.Consideration)

	return []tlv.Record{
		tlv.MakePrimitiveRecord(typePlanRecipAccount, recipAccount),
		tlv.MakePrimitiveRecord(typePlanRecipNym, recipNym),
		tlv.MakePrimitiveRecord(typePlanServer, server),
		tlv.MakePrimitiveRecord(typePlanUnit, unit),
		tlv.MakePrimitiveRecord(typePlanAmount, amount),
		tlv.MakePrimitiveRecord(typePlanInterval, interval),
		tlv.MakePrimitiveRecord(typePlanConsider, consider),
		tlv.MakePrimitiveRecord(typePlanValidFrom, validFrom),
		tlv.MakePrimitiveRecord(typePlanValidTo, validTo),
		tlv.MakePrimitiveRecord(typePlanRecipOpening, recipOpening),
	}
}

// senderRecords returns the payer-side fields as tlv records over the given
// scratch variables.
func (p *PaymentPlan) senderRecords(sendAccount, sendNym *[32]byte,
	sendOpening, sendClosing *uint64) []tlv.Record {

	*sendAccount = p.senderAccount
	*sendNym = p.senderNym
	*sendOpening = uint64(p.senderOpening)
	*sendClosing = uint64(p.senderClosing)

	return []tlv.Record{
		tlv.MakePrimitiveRecord(typePlanSendAccount, sendAccount),
		tlv.MakePrimitiveRecord(typePlanSendNym, sendNym),
		tlv.MakePrimitiveRecord(typePlanSendOpening, sendOpening),
		tlv.MakePrimitiveRecord(typePlanSendClosing, sendClosing),
	}
}

// proposalBody serializes the fields covered by the recipient's signature.
func (p *PaymentPlan) proposalBody() ([]byte, error) {
	var (
		recipAccount, recipNym, server, unit [32]byte
		amount, interval                     uint64
		validFrom, validTo, recipOpening     uint64
		consider                             []byte
	)

	return encodeStream(p.proposalRecords(
		&recipAccount, &recipNym, &server, &unit, &amount, &interval,
		&validFrom, &validTo, &recipOpening, &consider,
	)...)
}

// fullBody serializes the fields covered by the payer's signature: the
// proposal plus the pinned sender side and the recipient's signature.
func (p *PaymentPlan) fullBody() ([]byte, error) {
	var (
		recipAccount, recipNym, server, unit [32]byte
		amount, interval                     uint64
		validFrom, validTo, recipOpening     uint64
		consider                             []byte
		sendAccount, sendNym                 [32]byte
		sendOpening, sendClosing             uint64
	)

	records := p.proposalRecords(
		&recipAccount, &recipNym, &server, &unit, &amount, &interval,
		&validFrom, &validTo, &recipOpening, &consider,
	)
	records = append(records, tlv.MakePrimitiveRecord(
		typePlanRecipSig, &p.recipientSig,
	))
	records = append(records, p.senderRecords(
		&sendAccount, &sendNym, &sendOpening, &sendClosing,
	)...)

	return encodeStream(records...)
}

// Serialize renders the plan for conveyance, including whichever signatures
// are present.
func (p *PaymentPlan) Serialize() ([]byte, error) {
	if len(p.recipientSig) == 0 {
		return nil, ErrUnsigned
	}

	var (
		recipAccount, recipNym, server, unit [32]byte
		amount, interval                     uint64
		validFrom, validTo, recipOpening     uint64
		consider                             []byte
		sendAccount, sendNym                 [32]byte
		sendOpening, sendClosing             uint64
	)

	records := p.proposalRecords(
		&recipAccount, &recipNym, &server, &unit, &amount, &interval,
		&validFrom, &validTo, &recipOpening, &consider,
	)
	records = append(records, tlv.MakePrimitiveRecord(
		typePlanRecipSig, &p.recipientSig,
	))
	records = append(records, p.senderRecords(
		&sendAccount, &sendNym, &sendOpening, &sendClosing,
	)...)
	records = append(records, tlv.MakePrimitiveRecord(
		typePlanSendSig, &p.senderSig,
	))

	return encodeStream(records...)
}

// ParsePlan rebuilds a payment plan from its serialized form.
func ParsePlan(data []byte) (*PaymentPlan, error) {
	var (
		recipAccount, recipNym, server, unit [32]byte
		amount, interval                     uint64
		validFrom, validTo, recipOpening     uint64
		consider                             []byte
		sendAccount, sendNym                 [32]byte
		sendOpening, sendClosing             uint64
		recipSig, sendSig                    []byte
	)

	p := &PaymentPlan{}
	records := p.proposalRecords(
		&recipAccount, &recipNym, &server, &unit, &amount, &interval,
		&validFrom, &validTo, &recipOpening, &consider,
	)
	records = append(records,
		tlv.MakePrimitiveRecord(typePlanRecipSig, &recipSig),
	)
	records = append(records, p.senderRecords(
		&sendAccount, &sendNym, &sendOpening, &sendClosing,
	)...)
	records = append(records,
		tlv.MakePrimitiveRecord(typePlanSendSig, &sendSig),
	)

	if err := decodeStream(data, records...); err != nil {
		return nil, fmt.Errorf("decoding payment plan: %w", err)
	}

	p.terms = PlanTerms{
		RecipientAccount: otxtypes.AccountID(recipAccount),
		Server:           otxtypes.ServerID(server),
		Unit:             otxtypes.UnitID(unit),
		Amount:           otxtypes.Amount(amount),
		IntervalSeconds:  int64(interval),
		Consideration:    string(consider),
		ValidFrom:        int64(validFrom),
		ValidTo:          int64(validTo),
	}
	p.recipientNym = otxtypes.NymID(recipNym)
	p.recipientOpening = otxtypes.TransNum(recipOpening)
	p.recipientSig = recipSig
	p.senderAccount = otxtypes.AccountID(sendAccount)
	p.senderNym = otxtypes.NymID(sendNym)
	p.senderOpening = otxtypes.TransNum(sendOpening)
	p.senderClosing = otxtypes.TransNum(sendClosing)
	p.senderSig = sendSig

	return p, nil
}
