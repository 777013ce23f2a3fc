package instrument

import (
	"errors"
	"fmt"

	"github.com/wigggles/opentxs-sub020/otxtypes"
)

var (
	// ErrWrongKind is returned when an instrument of one kind is handed
	// to a helper expecting another.
	ErrWrongKind = errors.New("wrong instrument kind")

	// ErrBadAmount is returned when an instrument's amount does not fit
	// its kind, e.g. a zero cheque or a positive invoice.
	ErrBadAmount = errors.New("bad instrument amount")
)

// Kind tags what a payment instrument is.
type Kind uint8

const (
	// KindCheque is a drawer-signed order to pay from the drawer's
	// account.
	KindCheque Kind = iota

	// KindVoucher is a cheque drawn on the notary's own voucher account,
	// i.e. as good as the notary.
	KindVoucher

	// KindInvoice is a cheque with a negative amount, a request to be
	// paid.
	KindInvoice

	// KindPaymentPlan is a recurring payment agreement between two
	// accounts.
	KindPaymentPlan

	// KindSmartContract is a multi-party scriptable agreement.
	KindSmartContract

	// KindPurse is a bundle of bearer cash tokens.
	KindPurse
)

// String returns a human readable name for the instrument kind.
func (k Kind) String() string {
	switch k {
	case KindCheque:
		return "cheque"
	case KindVoucher:
		return "voucher"
	case KindInvoice:
		return "invoice"
	case KindPaymentPlan:
		return "payment plan"
	case KindSmartContract:
		return "smart contract"
	case KindPurse:
		return "purse"
	default:
		return "unknown"
	}
}

// Payment is the kind-tagged summary of any conveyable instrument: the
// fields a depositor or the task engine needs without parsing the full
// instrument body.
type Payment struct {
	kind Kind

	sender otxtypes.NymID

	// recipient may be zero: a blank cheque or a bearer purse is
	// depositable by whoever holds it.
	recipient otxtypes.NymID

	server otxtypes.ServerID
	unit   otxtypes.UnitID
	amount otxtypes.Amount
	memo   string

	validFrom int64
	validTo   int64

	// transNum is the number the instrument is written against, zero for
	// instruments that carry none (purses).
	transNum otxtypes.TransNum

	// raw is the serialized instrument body for conveyance and deposit.
	raw []byte
}

// NewPayment wraps a serialized instrument body with its summary fields.
func NewPayment(kind Kind, raw []byte) *Payment {
	return &Payment{kind: kind, raw: raw}
}

// PaymentFromCheque summarizes a cheque-family instrument.
func PaymentFromCheque(c *Cheque) (*Payment, error) {
	raw, err := c.Serialize()
	if err != nil {
		return nil, err
	}

	return &Payment{
		kind:      c.Kind(),
		sender:    c.Sender(),
		recipient: c.Recipient(),
		server:    c.ServerID(),
		unit:      c.UnitID(),
		amount:    c.Amount(),
		memo:      c.Memo(),
		validFrom: c.ValidFrom(),
		validTo:   c.ValidTo(),
		transNum:  c.TransNum(),
		raw:       raw,
	}, nil
}

// PaymentFromPlan summarizes a payment plan.
func PaymentFromPlan(p *PaymentPlan) (*Payment, error) {
	raw, err := p.Serialize()
	if err != nil {
		return nil, err
	}

	return &Payment{
		kind:      KindPaymentPlan,
		sender:    p.SenderNym(),
		recipient: p.RecipientNym(),
		server:    p.ServerID(),
		unit:      p.UnitID(),
		amount:    p.Amount(),
		memo:      p.Consideration(),
		validFrom: p.ValidFrom(),
		validTo:   p.ValidTo(),
		transNum:  p.OpeningNum(),
		raw:       raw,
	}, nil
}

// PaymentFromPurse summarizes a purse of cash tokens.
func PaymentFromPurse(p *Purse) (*Payment, error) {
	raw, err := p.Serialize()
	if err != nil {
		return nil, err
	}

	return &Payment{
		kind:   KindPurse,
		server: p.ServerID(),
		unit:   p.UnitID(),
		amount: p.Total(),
		raw:    raw,
	}, nil
}

// Kind returns what the instrument is.
func (p *Payment) Kind() Kind {
	return p.kind
}

// Sender returns the nym the instrument is from, zero for bearer purses.
func (p *Payment) Sender() otxtypes.NymID {
	return p.sender
}

// Recipient returns the nym the instrument is made out to, zero when anyone
// may deposit it.
func (p *Payment) Recipient() otxtypes.NymID {
	return p.recipient
}

// HasRecipient reports whether the instrument is made out to somebody.
func (p *Payment) HasRecipient() bool {
	return !p.recipient.IsZero()
}

// ServerID returns the notary the instrument is payable at.
func (p *Payment) ServerID() otxtypes.ServerID {
	return p.server
}

// UnitID returns the instrument's asset type.
func (p *Payment) UnitID() otxtypes.UnitID {
	return p.unit
}

// Amount returns the instrument's face amount, negative for invoices.
func (p *Payment) Amount() otxtypes.Amount {
	return p.amount
}

// Memo returns the attached memo or consideration text.
func (p *Payment) Memo() string {
	return p.memo
}

// ValidFrom returns the start of the validity window as unix seconds, zero
// meaning immediately valid.
func (p *Payment) ValidFrom() int64 {
	return p.validFrom
}

// ValidTo returns the end of the validity window as unix seconds, zero
// meaning never expires.
func (p *Payment) ValidTo() int64 {
	return p.validTo
}

// TransNum returns the number the instrument was written against.
func (p *Payment) TransNum() otxtypes.TransNum {
	return p.transNum
}

// Raw returns the serialized instrument body.
func (p *Payment) Raw() []byte {
	return p.raw
}

// Cheque parses the cheque body out of a cheque-family payment.
func (p *Payment) Cheque() (*Cheque, error) {
	switch p.kind {
	case KindCheque, KindVoucher, KindInvoice:
	default:
		return nil, fmt.Errorf("%w: have %v, want cheque family",
			ErrWrongKind, p.kind)
	}

	return ParseCheque(p.raw)
}
