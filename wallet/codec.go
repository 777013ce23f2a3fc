package wallet

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/tlv"
	"github.com/wigggles/opentxs-sub020/nym"
	"github.com/wigggles/opentxs-sub020/otxtypes"
	"github.com/wigggles/opentxs-sub020/session"
)

// Stored record field types. Types are stable; new fields get new types.
const (
	typePubKey       tlv.Type = 0
	typeRevision     tlv.Type = 1
	typePrefServer   tlv.Type = 2
	typeAlias        tlv.Type = 3
	typePrivKey      tlv.Type = 4
	typeOwner        tlv.Type = 0
	typeServer       tlv.Type = 1
	typeUnit         tlv.Type = 2
	typeBalance      tlv.Type = 3
	typeAgent        tlv.Type = 4
	typeLabel        tlv.Type = 5
	typeName         tlv.Type = 0
	typeSymbol       tlv.Type = 1
	typeConnect      tlv.Type = 2
	typeTransportKey tlv.Type = 3
	typeRaw          tlv.Type = 4
	typeNymList      tlv.Type = 1

	typeCtxRequestNum tlv.Type = 0
	typeCtxAvailable  tlv.Type = 1
	typeCtxIssued     tlv.Type = 2
	typeCtxInUse      tlv.Type = 3
	typeCtxHighest    tlv.Type = 4
	typeCtxNymboxHash tlv.Type = 5
	typeCtxAdminPass  tlv.Type = 6
	typeCtxFlags      tlv.Type = 7
	typeCtxRevision   tlv.Type = 8
	typeCtxAccounts   tlv.Type = 9
)

const (
	ctxFlagIsAdmin    uint8 = 1 << 0
	ctxFlagRegistered uint8 = 1 << 1
)

// encodeStream encodes the given records into a byte slice.
func encodeStream(records ...tlv.Record) ([]byte, error) {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var b bytes.Buffer
	if err := stream.Encode(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// decodeStream decodes a byte slice into the given records.
func decodeStream(data []byte, records ...tlv.Record) error {
	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}

	return stream.Decode(bytes.NewReader(data))
}

// eTransNums encodes a []otxtypes.TransNum as 8 bytes per number.
func eTransNums(w io.Writer, val interface{}, buf *[8]byte) error {
	if nums, ok := val.(*[]otxtypes.TransNum); ok {
		for _, n := range *nums {
			if err := tlv.EUint64T(w, uint64(n), buf); err != nil {
				return err
			}
		}
		return nil
	}

	return tlv.NewTypeForEncodingErr(val, "[]otxtypes.TransNum")
}

// dTransNums decodes a []otxtypes.TransNum written by eTransNums.
func dTransNums(r io.Reader, val interface{}, buf *[8]byte, l uint64) error {
	if nums, ok := val.(*[]otxtypes.TransNum); ok {
		if l%8 != 0 {
			return tlv.NewTypeForDecodingErr(
				val, "[]otxtypes.TransNum", l, l-l%8,
			)
		}

		out := make([]otxtypes.TransNum, 0, l/8)
		for i := uint64(0); i < l/8; i++ {
			var n uint64
			if err := tlv.DUint64(r, &n, buf, 8); err != nil {
				return err
			}
			out = append(out, otxtypes.TransNum(n))
		}
		*nums = out

		return nil
	}

	return tlv.NewTypeForDecodingErr(val, "[]otxtypes.TransNum", l, l)
}

// transNumsRecord builds a dynamic record over a number slice.
func transNumsRecord(typ tlv.Type, nums *[]otxtypes.TransNum) tlv.Record {
	size := func() uint64 {
		return uint64(len(*nums) * 8)
	}

	return tlv.MakeDynamicRecord(typ, nums, size, eTransNums, dTransNums)
}

// eIDList encodes a slice of 32-byte identifiers back to back.
func eIDList(w io.Writer, val interface{}, _ *[8]byte) error {
	switch ids := val.(type) {
	case *[]otxtypes.AccountID:
		for _, id := range *ids {
			if _, err := w.Write(id[:]); err != nil {
				return err
			}
		}
		return nil

	case *[]otxtypes.NymID:
		for _, id := range *ids {
			if _, err := w.Write(id[:]); err != nil {
				return err
			}
		}
		return nil
	}

	return tlv.NewTypeForEncodingErr(val, "id list")
}

// dIDList decodes a slice of 32-byte identifiers written by eIDList.
func dIDList(r io.Reader, val interface{}, _ *[8]byte, l uint64) error {
	if l%otxtypes.IDSize != 0 {
		return tlv.NewTypeForDecodingErr(
			val, "id list", l, l-l%otxtypes.IDSize,
		)
	}
	n := l / otxtypes.IDSize

	switch ids := val.(type) {
	case *[]otxtypes.AccountID:
		out := make([]otxtypes.AccountID, 0, n)
		for i := uint64(0); i < n; i++ {
			var id otxtypes.AccountID
			if _, err := io.ReadFull(r, id[:]); err != nil {
				return err
			}
			out = append(out, id)
		}
		*ids = out
		return nil

	case *[]otxtypes.NymID:
		out := make([]otxtypes.NymID, 0, n)
		for i := uint64(0); i < n; i++ {
			var id otxtypes.NymID
			if _, err := io.ReadFull(r, id[:]); err != nil {
				return err
			}
			out = append(out, id)
		}
		*ids = out
		return nil
	}

	return tlv.NewTypeForDecodingErr(val, "id list", l, l)
}

// accountIDsRecord builds a dynamic record over an account ID slice.
func accountIDsRecord(typ tlv.Type, ids *[]otxtypes.AccountID) tlv.Record {
	size := func() uint64 {
		return uint64(len(*ids) * otxtypes.IDSize)
	}

	return tlv.MakeDynamicRecord(typ, ids, size, eIDList, dIDList)
}

// nymIDsRecord builds a dynamic record over a nym ID slice.
func nymIDsRecord(typ tlv.Type, ids *[]otxtypes.NymID) tlv.Record {
	size := func() uint64 {
		return uint64(len(*ids) * otxtypes.IDSize)
	}

	return tlv.MakeDynamicRecord(typ, ids, size, eIDList, dIDList)
}

// serializeNymRecord encodes a counterparty nym record.
func serializeNymRecord(record *NymRecord) ([]byte, error) {
	var pubKey [33]byte
	copy(pubKey[:], record.Identity.PubKey().SerializeCompressed())

	revision := record.Identity.Revision()
	prefServer := [32]byte(record.PreferredServer)
	alias := []byte(record.Alias)

	return encodeStream(
		tlv.MakePrimitiveRecord(typePubKey, &pubKey),
		tlv.MakePrimitiveRecord(typeRevision, &revision),
		tlv.MakePrimitiveRecord(typePrefServer, &prefServer),
		tlv.MakePrimitiveRecord(typeAlias, &alias),
	)
}

// deserializeNymRecord decodes a counterparty nym record.
func deserializeNymRecord(data []byte) (*NymRecord, error) {
	var (
		pubKey     [33]byte
		revision   uint64
		prefServer [32]byte
		alias      []byte
	)
	err := decodeStream(
		data,
		tlv.MakePrimitiveRecord(typePubKey, &pubKey),
		tlv.MakePrimitiveRecord(typeRevision, &revision),
		tlv.MakePrimitiveRecord(typePrefServer, &prefServer),
		tlv.MakePrimitiveRecord(typeAlias, &alias),
	)
	if err != nil {
		return nil, err
	}

	identity, err := nym.NewIdentity(pubKey[:], revision)
	if err != nil {
		return nil, fmt.Errorf("decoding stored identity: %w", err)
	}

	return &NymRecord{
		Identity:        identity,
		PreferredServer: otxtypes.ServerID(prefServer),
		Alias:           string(alias),
	}, nil
}

// serializeLocalNym encodes a signing nym, private key included.
func serializeLocalNym(n *nym.Nym) ([]byte, error) {
	privKey, err := n.PrivKeyBytes()
	if err != nil {
		return nil, err
	}
	revision := n.Revision()

	return encodeStream(
		tlv.MakePrimitiveRecord(typeRevision, &revision),
		tlv.MakePrimitiveRecord(typePrivKey, &privKey),
	)
}

// deserializeLocalNym decodes a signing nym.
func deserializeLocalNym(data []byte) (*nym.Nym, error) {
	var (
		revision uint64
		privKey  [32]byte
	)
	err := decodeStream(
		data,
		tlv.MakePrimitiveRecord(typeRevision, &revision),
		tlv.MakePrimitiveRecord(typePrivKey, &privKey),
	)
	if err != nil {
		return nil, err
	}

	key, _ := btcec.PrivKeyFromBytes(privKey[:])

	return nym.RestoreNym(key, revision), nil
}

// serializeAccount encodes an account record.
func serializeAccount(a *Account) ([]byte, error) {
	var (
		owner   = [32]byte(a.Owner)
		server  = [32]byte(a.Server)
		unit    = [32]byte(a.Unit)
		balance = uint64(a.Balance)
		agent   = [32]byte(a.AuthorizedAgent)
		label   = []byte(a.Label)
	)

	return encodeStream(
		tlv.MakePrimitiveRecord(typeOwner, &owner),
		tlv.MakePrimitiveRecord(typeServer, &server),
		tlv.MakePrimitiveRecord(typeUnit, &unit),
		tlv.MakePrimitiveRecord(typeBalance, &balance),
		tlv.MakePrimitiveRecord(typeAgent, &agent),
		tlv.MakePrimitiveRecord(typeLabel, &label),
	)
}

// deserializeAccount decodes an account record.
func deserializeAccount(id otxtypes.AccountID, data []byte) (*Account, error) {
	var (
		owner, server, unit, agent [32]byte
		balance                    uint64
		label                      []byte
	)
	err := decodeStream(
		data,
		tlv.MakePrimitiveRecord(typeOwner, &owner),
		tlv.MakePrimitiveRecord(typeServer, &server),
		tlv.MakePrimitiveRecord(typeUnit, &unit),
		tlv.MakePrimitiveRecord(typeBalance, &balance),
		tlv.MakePrimitiveRecord(typeAgent, &agent),
		tlv.MakePrimitiveRecord(typeLabel, &label),
	)
	if err != nil {
		return nil, err
	}

	return &Account{
		ID:              id,
		Owner:           otxtypes.NymID(owner),
		Server:          otxtypes.ServerID(server),
		Unit:            otxtypes.UnitID(unit),
		Balance:         otxtypes.Amount(balance),
		AuthorizedAgent: otxtypes.ID(agent),
		Label:           string(label),
	}, nil
}

// serializeServer encodes a server contract record.
func serializeServer(s *ServerContract) ([]byte, error) {
	var (
		name         = []byte(s.Name)
		connect      = []byte(s.ConnectString)
		transportKey = s.TransportKey
		raw          = s.Raw
	)

	return encodeStream(
		tlv.MakePrimitiveRecord(typeName, &name),
		tlv.MakePrimitiveRecord(typeConnect, &connect),
		tlv.MakePrimitiveRecord(typeTransportKey, &transportKey),
		tlv.MakePrimitiveRecord(typeRaw, &raw),
	)
}

// deserializeServer decodes a server contract record.
func deserializeServer(id otxtypes.ServerID,
	data []byte) (*ServerContract, error) {

	var name, connect, transportKey, raw []byte
	err := decodeStream(
		data,
		tlv.MakePrimitiveRecord(typeName, &name),
		tlv.MakePrimitiveRecord(typeConnect, &connect),
		tlv.MakePrimitiveRecord(typeTransportKey, &transportKey),
		tlv.MakePrimitiveRecord(typeRaw, &raw),
	)
	if err != nil {
		return nil, err
	}

	return &ServerContract{
		ID:            id,
		Name:          string(name),
		ConnectString: string(connect),
		TransportKey:  transportKey,
		Raw:           raw,
	}, nil
}

// serializeUnit encodes a unit definition record.
func serializeUnit(u *UnitDefinition) ([]byte, error) {
	var (
		name   = []byte(u.Name)
		symbol = []byte(u.Symbol)
		raw    = u.Raw
	)

	return encodeStream(
		tlv.MakePrimitiveRecord(typeName, &name),
		tlv.MakePrimitiveRecord(typeSymbol, &symbol),
		tlv.MakePrimitiveRecord(typeRaw, &raw),
	)
}

// deserializeUnit decodes a unit definition record.
func deserializeUnit(id otxtypes.UnitID,
	data []byte) (*UnitDefinition, error) {

	var name, symbol, raw []byte
	err := decodeStream(
		data,
		tlv.MakePrimitiveRecord(typeName, &name),
		tlv.MakePrimitiveRecord(typeSymbol, &symbol),
		tlv.MakePrimitiveRecord(typeRaw, &raw),
	)
	if err != nil {
		return nil, err
	}

	return &UnitDefinition{
		ID:     id,
		Name:   string(name),
		Symbol: string(symbol),
		Raw:    raw,
	}, nil
}

// serializeContact encodes a contact record.
func serializeContact(c *Contact) ([]byte, error) {
	var (
		label = []byte(c.Label)
		nyms  = c.Nyms
	)

	return encodeStream(
		nymIDsRecord(typeNymList, &nyms),
		tlv.MakePrimitiveRecord(typeLabel, &label),
	)
}

// deserializeContact decodes a contact record.
func deserializeContact(id otxtypes.ID, data []byte) (*Contact, error) {
	var (
		label []byte
		nyms  []otxtypes.NymID
	)
	err := decodeStream(
		data,
		nymIDsRecord(typeNymList, &nyms),
		tlv.MakePrimitiveRecord(typeLabel, &label),
	)
	if err != nil {
		return nil, err
	}

	return &Contact{
		ID:    id,
		Label: string(label),
		Nyms:  nyms,
	}, nil
}

// serializeContextState encodes a session context snapshot.
func serializeContextState(state *session.State) ([]byte, error) {
	var (
		requestNum = uint64(state.RequestNum)
		available  = state.Available
		issued     = state.Issued
		inUse      = state.InUse
		highest    = uint64(state.HighestIssued)
		nymboxHash = state.NymboxHash
		adminPass  = []byte(state.AdminPassword)
		flags      uint8
		revision   = state.NymRevision
		accounts   = state.Accounts
	)
	if state.IsAdmin {
		flags |= ctxFlagIsAdmin
	}
	if state.Registered {
		flags |= ctxFlagRegistered
	}

	return encodeStream(
		tlv.MakePrimitiveRecord(typeCtxRequestNum, &requestNum),
		transNumsRecord(typeCtxAvailable, &available),
		transNumsRecord(typeCtxIssued, &issued),
		transNumsRecord(typeCtxInUse, &inUse),
		tlv.MakePrimitiveRecord(typeCtxHighest, &highest),
		tlv.MakePrimitiveRecord(typeCtxNymboxHash, &nymboxHash),
		tlv.MakePrimitiveRecord(typeCtxAdminPass, &adminPass),
		tlv.MakePrimitiveRecord(typeCtxFlags, &flags),
		tlv.MakePrimitiveRecord(typeCtxRevision, &revision),
		accountIDsRecord(typeCtxAccounts, &accounts),
	)
}

// deserializeContextState decodes a session context snapshot.
func deserializeContextState(localNym otxtypes.NymID,
	server otxtypes.ServerID, data []byte) (*session.State, error) {

	var (
		requestNum uint64
		available  []otxtypes.TransNum
		issued     []otxtypes.TransNum
		inUse      []otxtypes.TransNum
		highest    uint64
		nymboxHash [32]byte
		adminPass  []byte
		flags      uint8
		revision   uint64
		accounts   []otxtypes.AccountID
	)
	err := decodeStream(
		data,
		tlv.MakePrimitiveRecord(typeCtxRequestNum, &requestNum),
		transNumsRecord(typeCtxAvailable, &available),
		transNumsRecord(typeCtxIssued, &issued),
		transNumsRecord(typeCtxInUse, &inUse),
		tlv.MakePrimitiveRecord(typeCtxHighest, &highest),
		tlv.MakePrimitiveRecord(typeCtxNymboxHash, &nymboxHash),
		tlv.MakePrimitiveRecord(typeCtxAdminPass, &adminPass),
		tlv.MakePrimitiveRecord(typeCtxFlags, &flags),
		tlv.MakePrimitiveRecord(typeCtxRevision, &revision),
		accountIDsRecord(typeCtxAccounts, &accounts),
	)
	if err != nil {
		return nil, err
	}

	return &session.State{
		LocalNym:      localNym,
		Server:        server,
		RequestNum:    otxtypes.RequestNum(requestNum),
		Available:     available,
		Issued:        issued,
		InUse:         inUse,
		HighestIssued: otxtypes.TransNum(highest),
		NymboxHash:    nymboxHash,
		AdminPassword: string(adminPass),
		IsAdmin:       flags&ctxFlagIsAdmin != 0,
		Registered:    flags&ctxFlagRegistered != 0,
		NymRevision:   revision,
		Accounts:      accounts,
	}, nil
}
