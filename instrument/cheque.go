package instrument

import (
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/tlv"
	"github.com/wigggles/opentxs-sub020/nym"
	"github.com/wigggles/opentxs-sub020/otxtypes"
)

var (
	// ErrUnsigned is returned when an unsigned cheque is serialized or
	// verified.
	ErrUnsigned = errors.New("cheque is not signed")

	// ErrNotDrawer is returned when a nym other than the cheque's sender
	// tries to sign it.
	ErrNotDrawer = errors.New("signer is not the cheque drawer")
)

// Cheque record field types. Types are stable; new fields get new types.
const (
	typeChequeKind      tlv.Type = 0
	typeChequeTransNum  tlv.Type = 1
	typeChequeAmount    tlv.Type = 2
	typeChequeServer    tlv.Type = 3
	typeChequeUnit      tlv.Type = 4
	typeChequeAccount   tlv.Type = 5
	typeChequeSender    tlv.Type = 6
	typeChequeRecipient tlv.Type = 7
	typeChequeMemo      tlv.Type = 8
	typeChequeValidFrom tlv.Type = 9
	typeChequeValidTo   tlv.Type = 10
	typeChequeSig       tlv.Type = 11
)

// ChequeTerms is everything the drawer fills in before signing.
type ChequeTerms struct {
	// Kind must be one of the cheque family: KindCheque, KindVoucher or
	// KindInvoice.
	Kind Kind

	// SenderAccount is the account the cheque draws on.
	SenderAccount otxtypes.AccountID

	Server otxtypes.ServerID
	Unit   otxtypes.UnitID

	// Amount is positive for cheques and vouchers, negative for
	// invoices.
	Amount otxtypes.Amount

	Memo string

	// Recipient may be zero for a blank cheque anyone may deposit.
	Recipient otxtypes.NymID

	// ValidFrom/ValidTo bound the deposit window as unix seconds, zero
	// meaning unbounded on that side.
	ValidFrom int64
	ValidTo   int64
}

// Cheque is a cheque-family instrument: a signed order against the drawer's
// account, written against one of the drawer's issued transaction numbers.
type Cheque struct {
	terms ChequeTerms

	sender otxtypes.NymID

	// transNum is the drawer's number the cheque is written against. The
	// number stays in use until the cheque is deposited or cancelled.
	transNum otxtypes.TransNum

	// sig is the drawer's DER signature over the cheque body.
	sig []byte
}

// WriteCheque fills in and signs a cheque on the drawer's behalf, written
// against the given transaction number. The caller owns reserving the number
// beforehand and harvesting it if the cheque is never conveyed.
func WriteCheque(drawer *nym.Nym, num otxtypes.TransNum,
	terms ChequeTerms) (*Cheque, error) {

	switch terms.Kind {
	case KindCheque, KindVoucher:
		if terms.Amount <= 0 {
			return nil, fmt.Errorf("%w: %v needs a positive "+
				"amount, got %v", ErrBadAmount, terms.Kind,
				terms.Amount)
		}

	case KindInvoice:
		if terms.Amount >= 0 {
			return nil, fmt.Errorf("%w: invoice needs a negative "+
				"amount, got %v", ErrBadAmount, terms.Amount)
		}

	default:
		return nil, fmt.Errorf("%w: %v is not a cheque", ErrWrongKind,
			terms.Kind)
	}

	if num == 0 {
		return nil, fmt.Errorf("cheque needs a transaction number")
	}
	if terms.ValidTo != 0 && terms.ValidTo < terms.ValidFrom {
		return nil, fmt.Errorf("cheque expires %v before it is valid "+
			"%v", terms.ValidTo, terms.ValidFrom)
	}

	c := &Cheque{
		terms:    terms,
		sender:   drawer.ID(),
		transNum: num,
	}

	body, err := c.body()
	if err != nil {
		return nil, err
	}
	c.sig, err = drawer.Sign(body)
	if err != nil {
		return nil, fmt.Errorf("signing cheque: %w", err)
	}

	log.Debugf("Nym %v wrote %v for %v against number %v", c.sender,
		terms.Kind, terms.Amount, num)

	return c, nil
}

// Kind returns which of the cheque family this is.
func (c *Cheque) Kind() Kind {
	return c.terms.Kind
}

// Sender returns the drawer nym.
func (c *Cheque) Sender() otxtypes.NymID {
	return c.sender
}

// SenderAccount returns the account the cheque draws on.
func (c *Cheque) SenderAccount() otxtypes.AccountID {
	return c.terms.SenderAccount
}

// Recipient returns the payee, zero for a blank cheque.
func (c *Cheque) Recipient() otxtypes.NymID {
	return c.terms.Recipient
}

// ServerID returns the notary the cheque is payable at.
func (c *Cheque) ServerID() otxtypes.ServerID {
	return c.terms.Server
}

// UnitID returns the cheque's asset type.
func (c *Cheque) UnitID() otxtypes.UnitID {
	return c.terms.Unit
}

// Amount returns the face amount, negative for invoices.
func (c *Cheque) Amount() otxtypes.Amount {
	return c.terms.Amount
}

// Memo returns the memo text.
func (c *Cheque) Memo() string {
	return c.terms.Memo
}

// ValidFrom returns the start of the deposit window.
func (c *Cheque) ValidFrom() int64 {
	return c.terms.ValidFrom
}

// ValidTo returns the end of the deposit window.
func (c *Cheque) ValidTo() int64 {
	return c.terms.ValidTo
}

// TransNum returns the number the cheque is written against.
func (c *Cheque) TransNum() otxtypes.TransNum {
	return c.transNum
}

// Verify checks the drawer's signature over the cheque body against the
// given identity, which must be the cheque's sender.
func (c *Cheque) Verify(drawer *nym.Identity) error {
	if len(c.sig) == 0 {
		return ErrUnsigned
	}
	if drawer.ID() != c.sender {
		return fmt.Errorf("%w: cheque drawn by %v, verifying against "+
			"%v", ErrNotDrawer, c.sender, drawer.ID())
	}

	body, err := c.body()
	if err != nil {
		return err
	}

	return drawer.VerifySig(body, c.sig)
}

// bodyRecords returns the signed fields as tlv records over the given
// scratch variables.
func (c *Cheque) bodyRecords(kind *uint8, transNum, validFrom,
	validTo *uint64, amount *uint64, server, unit, account, sender,
	recipient *[32]byte, memo *[]byte) []tlv.Record {

	*kind = uint8(c.terms.Kind)
	*transNum = uint64(c.transNum)
	*amount = uint64(c.terms.Amount)
	*validFrom = uint64(c.terms.ValidFrom)
	*validTo = uint64(c.terms.ValidTo)
	*server = c.terms.Server
	*unit = c.terms.Unit
	*account = c.terms.SenderAccount
	*sender = c.sender
	*recipient = c.terms.Recipient
	*memo = []byte(c.terms.Memo)

	return []tlv.Record{
		tlv.MakePrimitiveRecord(typeChequeKind, kind),
		tlv.MakePrimitiveRecord(typeChequeTransNum, transNum),
		tlv.MakePrimitiveRecord(typeChequeAmount, amount),
		tlv.MakePrimitiveRecord(typeChequeServer, server),
		tlv.MakePrimitiveRecord(typeChequeUnit, unit),
		tlv.MakePrimitiveRecord(typeChequeAccount, account),
		tlv.MakePrimitiveRecord(typeChequeSender, sender),
		tlv.MakePrimitiveRecord(typeChequeRecipient, recipient),
		tlv.MakePrimitiveRecord(typeChequeMemo, memo),
		tlv.MakePrimitiveRecord(typeChequeValidFrom, validFrom),
		tlv.MakePrimitiveRecord(typeChequeValidTo, validTo),
	}
}

// body serializes the signed fields, without the signature itself.
func (c *Cheque) body() ([]byte, error) {
	var (
		kind                          uint8
		transNum, validFrom, validTo  uint64
		amount                        uint64
		server, unit, account, sender [32]byte
		recipient                     [32]byte
		memo                          []byte
	)

	return encodeStream(c.bodyRecords(
		&kind, &transNum, &validFrom, &validTo, &amount, &server,
		&unit, &account, &sender, &recipient, &memo,
	)...)
}

// Serialize renders the signed cheque for conveyance.
func (c *Cheque) Serialize() ([]byte, error) {
	if len(c.sig) == 0 {
		return nil, ErrUnsigned
	}

	var (
		kind                          uint8
		transNum, validFrom, validTo  uint64
		amount                        uint64
		server, unit, account, sender [32]byte
		recipient                     [32]byte
		memo                          []byte
	)

	records := c.bodyRecords(
		&kind, &transNum, &validFrom, &validTo, &amount, &server,
		&unit, &account, &sender, &recipient, &memo,
	)
	records = append(records, tlv.MakePrimitiveRecord(
		typeChequeSig, &c.sig,
	))

	return encodeStream(records...)
}

// ParseCheque rebuilds a cheque from its serialized form. The signature is
// carried along unverified; call Verify with the drawer's identity.
func ParseCheque(data []byte) (*Cheque, error) {
	var (
		kind                          uint8
		transNum, validFrom, validTo  uint64
		amount                        uint64
		server, unit, account, sender [32]byte
		recipient                     [32]byte
		memo                          []byte
		sig                           []byte
	)

	c := &Cheque{}
	records := c.bodyRecords(
		&kind, &transNum, &validFrom, &validTo, &amount, &server,
		&unit, &account, &sender, &recipient, &memo,
	)
	records = append(records, tlv.MakePrimitiveRecord(typeChequeSig, &sig))

	if err := decodeStream(data, records...); err != nil {
		return nil, fmt.Errorf("decoding cheque: %w", err)
	}

	c.terms = ChequeTerms{
		Kind:          Kind(kind),
		SenderAccount: otxtypes.AccountID(account),
		Server:        otxtypes.ServerID(server),
		Unit:          otxtypes.UnitID(unit),
		Amount:        otxtypes.Amount(amount),
		Memo:          string(memo),
		Recipient:     otxtypes.NymID(recipient),
		ValidFrom:     int64(validFrom),
		ValidTo:       int64(validTo),
	}
	c.sender = otxtypes.NymID(sender)
	c.transNum = otxtypes.TransNum(transNum)
	c.sig = sig

	return c, nil
}
