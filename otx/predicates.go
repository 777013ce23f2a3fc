package otx

import (
	"github.com/wigggles/opentxs-sub020/instrument"
	"github.com/wigggles/opentxs-sub020/otxtypes"
	"github.com/wigggles/opentxs-sub020/statemachine"
	"github.com/wigggles/opentxs-sub020/wallet"
)

// Messagability classifies whether a sender can message a contact right
// now. Anything but MessageReady names the first missing prerequisite on
// the path sender, contact, contact's nym, claimed server, registration.
type Messagability uint8

const (
	MessageReady Messagability = iota

	// MessageInvalidSender means the sender has no signing nym in the
	// wallet.
	MessageInvalidSender

	// MessageMissingContact means the contact is not in the wallet.
	MessageMissingContact

	// MessageContactLacksNym means the contact record names no nyms.
	MessageContactLacksNym

	// MessageMissingRecipient means none of the contact's nyms has
	// resolved credentials yet; a fetch was scheduled.
	MessageMissingRecipient

	// MessageNoServerClaim means the recipient nym has not claimed a
	// notary to transact on; a credential refresh was scheduled.
	MessageNoServerClaim

	// MessageUnregistered means the sender is not (yet) registered on
	// the recipient's claimed notary; registration is underway.
	MessageUnregistered
)

// String returns a human readable name for the messagability.
func (m Messagability) String() string {
	switch m {
	case MessageReady:
		return "ready"
	case MessageInvalidSender:
		return "invalid sender"
	case MessageMissingContact:
		return "missing contact"
	case MessageContactLacksNym:
		return "contact lacks nym"
	case MessageMissingRecipient:
		return "missing recipient"
	case MessageNoServerClaim:
		return "no server claim"
	case MessageUnregistered:
		return "unregistered"
	default:
		return "invalid"
	}
}

// Depositability classifies whether an instrument can be deposited right
// now, and into which account.
type Depositability uint8

const (
	DepositReady Depositability = iota

	// DepositInvalidInstrument means the payment names no server or no
	// unit.
	DepositInvalidInstrument

	// DepositWrongRecipient means the instrument names somebody else.
	DepositWrongRecipient

	// DepositNotRegistered means the depositor is not (yet) registered
	// on the instrument's notary.
	DepositNotRegistered

	// DepositNoAccount means the depositor holds no account of the
	// instrument's unit on its notary.
	DepositNoAccount

	// DepositWrongAccount means the hinted account does not match the
	// instrument's unit and notary.
	DepositWrongAccount

	// DepositAccountNotSpecified means several accounts match and the
	// caller must pick one.
	DepositAccountNotSpecified
)

// String returns a human readable name for the depositability.
func (d Depositability) String() string {
	switch d {
	case DepositReady:
		return "ready"
	case DepositInvalidInstrument:
		return "invalid instrument"
	case DepositWrongRecipient:
		return "wrong recipient"
	case DepositNotRegistered:
		return "not registered"
	case DepositNoAccount:
		return "no account"
	case DepositWrongAccount:
		return "wrong account"
	case DepositAccountNotSpecified:
		return "account not specified"
	default:
		return "invalid"
	}
}

// CanMessage reports whether the sender can message the contact. A missing
// prerequisite schedules the background fetch that would supply it, so
// retrying later is more likely to succeed; the predicate itself never
// waits on that fetch.
func (c *Client) CanMessage(sender otxtypes.NymID,
	recipientContact otxtypes.ID) Messagability {

	if _, err := c.cfg.Wallet.LocalNym(sender); err != nil {
		return MessageInvalidSender
	}

	contact, err := c.cfg.Wallet.Contact(recipientContact)
	if err != nil {
		return MessageMissingContact
	}
	if len(contact.Nyms) == 0 {
		return MessageContactLacksNym
	}

	// First nym with resolved credentials wins.
	var record *wallet.NymRecord
	var recipient otxtypes.NymID
	for _, id := range contact.Nyms {
		if r, err := c.cfg.Wallet.Nym(id); err == nil {
			record = r
			recipient = id
			break
		}
	}
	if record == nil {
		for _, id := range contact.Nyms {
			c.scheduleNymFetch(sender, id)
		}
		return MessageMissingRecipient
	}

	if record.PreferredServer.IsZero() {
		// The stored credentials may predate the claim.
		c.scheduleNymFetch(sender, recipient)
		return MessageNoServerClaim
	}

	m, err := c.getMachine(sender, record.PreferredServer)
	if err != nil {
		return MessageUnregistered
	}
	if !m.Context().IsRegistered() {
		// The machine registers on its own; nothing to schedule.
		return MessageUnregistered
	}

	return MessageReady
}

// scheduleNymFetch asks every server the sender already talks to for the
// target's credentials.
func (c *Client) scheduleNymFetch(sender, target otxtypes.NymID) {
	c.regMu.Lock()
	machines := make([]*statemachine.StateMachine, 0, len(c.machines))
	for key, m := range c.machines {
		if key.nym == sender {
			machines = append(machines, m)
		}
	}
	c.regMu.Unlock()

	for _, m := range machines {
		m.Submit(statemachine.CheckNymTask{Target: target})
	}
}

// CanDeposit reports whether the recipient can deposit the payment, and
// whether the account hint (zero for none) pins down where. With no hint,
// exactly one account of the payment's unit on its notary must exist;
// several matches require the caller to choose.
func (c *Client) CanDeposit(recipient otxtypes.NymID,
	hint otxtypes.AccountID,
	payment *instrument.Payment) Depositability {

	if payment == nil ||
		payment.ServerID().IsZero() ||
		payment.UnitID().IsZero() {

		return DepositInvalidInstrument
	}

	if payment.HasRecipient() && payment.Recipient() != recipient {
		return DepositWrongRecipient
	}

	m, err := c.getMachine(recipient, payment.ServerID())
	if err != nil {
		return DepositNotRegistered
	}
	if !m.Context().IsRegistered() {
		return DepositNotRegistered
	}

	accounts, err := c.cfg.Wallet.AccountsFor(recipient,
		payment.ServerID(), payment.UnitID())
	if err != nil {
		return DepositNoAccount
	}

	if !hint.IsZero() {
		for _, account := range accounts {
			if account.ID == hint {
				return DepositReady
			}
		}
		return DepositWrongAccount
	}

	switch len(accounts) {
	case 0:
		return DepositNoAccount
	case 1:
		return DepositReady
	default:
		return DepositAccountNotSpecified
	}
}
