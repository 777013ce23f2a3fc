package instrument

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/lightningnetwork/lnd/tlv"
	"github.com/wigggles/opentxs-sub020/otxtypes"
)

var (
	// ErrInsufficientTokens is returned when a purse cannot cover a
	// requested amount.
	ErrInsufficientTokens = errors.New("purse cannot cover amount")
)

// Purse record field types.
const (
	typePurseServer tlv.Type = 0
	typePurseUnit   tlv.Type = 1
	typePurseTokens tlv.Type = 2
)

// tokenEncodedSize is the per-token wire size: 32 byte ID plus 8 byte
// denomination.
const tokenEncodedSize = 40

// Token is a single bearer cash token of a fixed denomination.
type Token struct {
	// ID is the token's unique identifier, assigned at minting.
	ID [32]byte

	// Denomination is the token's fixed value.
	Denomination otxtypes.Amount
}

// NewToken mints a token of the given denomination with a random ID.
func NewToken(denomination otxtypes.Amount) (Token, error) {
	if denomination <= 0 {
		return Token{}, fmt.Errorf("%w: token denomination %v",
			ErrBadAmount, denomination)
	}

	var token Token
	token.Denomination = denomination
	if _, err := rand.Read(token.ID[:]); err != nil {
		return Token{}, fmt.Errorf("minting token: %w", err)
	}

	return token, nil
}

// Purse is a bundle of bearer cash tokens of one asset type at one notary.
// Whoever holds the purse can deposit it; there is no recipient.
type Purse struct {
	server otxtypes.ServerID
	unit   otxtypes.UnitID

	tokens []Token
}

// NewPurse builds an empty purse.
func NewPurse(server otxtypes.ServerID, unit otxtypes.UnitID) *Purse {
	return &Purse{server: server, unit: unit}
}

// ServerID returns the notary the purse's tokens are redeemable at.
func (p *Purse) ServerID() otxtypes.ServerID {
	return p.server
}

// UnitID returns the purse's asset type.
func (p *Purse) UnitID() otxtypes.UnitID {
	return p.unit
}

// AddToken drops a token into the purse.
func (p *Purse) AddToken(token Token) {
	p.tokens = append(p.tokens, token)
}

// TokenCount returns how many tokens the purse holds.
func (p *Purse) TokenCount() int {
	return len(p.tokens)
}

// Total returns the sum of all token denominations.
func (p *Purse) Total() otxtypes.Amount {
	var total otxtypes.Amount
	for _, token := range p.tokens {
		total += token.Denomination
	}

	return total
}

// SelectTokensForAmount picks tokens covering at least the requested amount,
// greedily from the largest denomination down. The selection can overshoot:
// with tokens of 5 and a request of 7 it picks 10, and the overshoot is
// settled as change at deposit time by the notary.
func (p *Purse) SelectTokensForAmount(
	amount otxtypes.Amount) ([]Token, error) {

	if amount <= 0 {
		return nil, fmt.Errorf("%w: requested %v", ErrBadAmount,
			amount)
	}

	sorted := make([]Token, len(p.tokens))
	copy(sorted, p.tokens)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Denomination > sorted[j].Denomination
	})

	var (
		selected  []Token
		remaining = amount
	)
	for _, token := range sorted {
		if remaining <= 0 {
			break
		}

		selected = append(selected, token)
		remaining -= token.Denomination
	}

	if remaining > 0 {
		return nil, fmt.Errorf("%w: purse holds %v, requested %v",
			ErrInsufficientTokens, p.Total(), amount)
	}

	return selected, nil
}

// Withdraw removes tokens covering at least the requested amount from the
// purse and returns them as a new purse, selected the same way as
// SelectTokensForAmount.
func (p *Purse) Withdraw(amount otxtypes.Amount) (*Purse, error) {
	selected, err := p.SelectTokensForAmount(amount)
	if err != nil {
		return nil, err
	}

	taken := make(map[[32]byte]struct{}, len(selected))
	for _, token := range selected {
		taken[token.ID] = struct{}{}
	}

	kept := p.tokens[:0]
	for _, token := range p.tokens {
		if _, ok := taken[token.ID]; ok {
			continue
		}
		kept = append(kept, token)
	}
	p.tokens = kept

	out := NewPurse(p.server, p.unit)
	out.tokens = selected

	log.Debugf("Withdrew %v tokens totaling %v from purse, %v remaining",
		len(selected), sumTokens(selected), p.Total())

	return out, nil
}

// sumTokens totals a token slice.
func sumTokens(tokens []Token) otxtypes.Amount {
	var total otxtypes.Amount
	for _, token := range tokens {
		total += token.Denomination
	}

	return total
}

// eTokens encodes a []Token as ID plus denomination per token.
func eTokens(w io.Writer, val interface{}, buf *[8]byte) error {
	if tokens, ok := val.(*[]Token); ok {
		for _, token := range *tokens {
			if _, err := w.Write(token.ID[:]); err != nil {
				return err
			}

			denom := uint64(token.Denomination)
			if err := tlv.EUint64T(w, denom, buf); err != nil {
				return err
			}
		}

		return nil
	}

	return tlv.NewTypeForEncodingErr(val, "[]Token")
}

// dTokens decodes a []Token.
func dTokens(r io.Reader, val interface{}, buf *[8]byte, l uint64) error {
	if tokens, ok := val.(*[]Token); ok && l%tokenEncodedSize == 0 {
		count := l / tokenEncodedSize
		out := make([]Token, 0, count)
		for i := uint64(0); i < count; i++ {
			var token Token
			if _, err := io.ReadFull(r, token.ID[:]); err != nil {
				return err
			}

			var denom uint64
			err := tlv.DUint64(r, &denom, buf, 8)
			if err != nil {
				return err
			}
			token.Denomination = otxtypes.Amount(denom)

			out = append(out, token)
		}
		*tokens = out

		return nil
	}

	return tlv.NewTypeForDecodingErr(val, "[]Token", l, l)
}

// tokensRecord builds the dynamic record for a purse's token list.
func tokensRecord(tokens *[]Token) tlv.Record {
	size := func() uint64 {
		return uint64(len(*tokens)) * tokenEncodedSize
	}

	return tlv.MakeDynamicRecord(
		typePurseTokens, tokens, size, eTokens, dTokens,
	)
}

// Serialize renders the purse for conveyance.
func (p *Purse) Serialize() ([]byte, error) {
	var server, unit [32]byte
	server = p.server
	unit = p.unit

	return encodeStream(
		tlv.MakePrimitiveRecord(typePurseServer, &server),
		tlv.MakePrimitiveRecord(typePurseUnit, &unit),
		tokensRecord(&p.tokens),
	)
}

// ParsePurse rebuilds a purse from its serialized form.
func ParsePurse(data []byte) (*Purse, error) {
	var (
		server, unit [32]byte
		tokens       []Token
	)

	err := decodeStream(data,
		tlv.MakePrimitiveRecord(typePurseServer, &server),
		tlv.MakePrimitiveRecord(typePurseUnit, &unit),
		tokensRecord(&tokens),
	)
	if err != nil {
		return nil, fmt.Errorf("decoding purse: %w", err)
	}

	return &Purse{
		server: otxtypes.ServerID(server),
		unit:   otxtypes.UnitID(unit),
		tokens: tokens,
	}, nil
}
