package otxtypes

import (
	"encoding/hex"
	"fmt"
)

// IDSize is the size in bytes of every identifier used by the engine.
const IDSize = 32

// ID is a raw 32-byte identifier. It is the backing type for the typed
// identifiers below; the typed wrappers exist so that a nym ID can never be
// passed where a server ID is expected.
type ID [IDSize]byte

// String returns the ID as a hexadecimal string.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero returns true if the ID is all zeroes, the "unset" value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// MakeID returns a new ID from a byte slice. An error is returned if the
// number of bytes passed in is not IDSize.
func MakeID(b []byte) (ID, error) {
	return makeID(b)
}

// MakeIDFromStr creates an ID from a hex string.
func MakeIDFromStr(s string) (ID, error) {
	return makeIDFromStr(s)
}

// makeID returns a new ID from a byte slice. An error is returned if the
// number of bytes passed in is not IDSize.
func makeID(b []byte) (ID, error) {
	if len(b) != IDSize {
		return ID{}, fmt.Errorf("invalid id length of %v, want %v",
			len(b), IDSize)
	}

	var id ID
	copy(id[:], b)

	return id, nil
}

// makeIDFromStr creates an ID from a hex string.
func makeIDFromStr(s string) (ID, error) {
	if len(s) != IDSize*2 {
		return ID{}, fmt.Errorf("invalid id string length of %v, "+
			"want %v", len(s), IDSize*2)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, err
	}

	return makeID(b)
}

// NymID identifies a cryptographic identity.
type NymID ID

// String returns the NymID as a hexadecimal string.
func (id NymID) String() string { return ID(id).String() }

// IsZero returns true if the NymID is unset.
func (id NymID) IsZero() bool { return ID(id).IsZero() }

// MakeNymID returns a new NymID from a byte slice.
func MakeNymID(b []byte) (NymID, error) {
	id, err := makeID(b)
	return NymID(id), err
}

// MakeNymIDFromStr creates a NymID from a hex string.
func MakeNymIDFromStr(s string) (NymID, error) {
	id, err := makeIDFromStr(s)
	return NymID(id), err
}

// ServerID identifies a notary server.
type ServerID ID

// String returns the ServerID as a hexadecimal string.
func (id ServerID) String() string { return ID(id).String() }

// IsZero returns true if the ServerID is unset.
func (id ServerID) IsZero() bool { return ID(id).IsZero() }

// MakeServerID returns a new ServerID from a byte slice.
func MakeServerID(b []byte) (ServerID, error) {
	id, err := makeID(b)
	return ServerID(id), err
}

// MakeServerIDFromStr creates a ServerID from a hex string.
func MakeServerIDFromStr(s string) (ServerID, error) {
	id, err := makeIDFromStr(s)
	return ServerID(id), err
}

// AccountID identifies an asset account held at a notary.
type AccountID ID

// String returns the AccountID as a hexadecimal string.
func (id AccountID) String() string { return ID(id).String() }

// IsZero returns true if the AccountID is unset.
func (id AccountID) IsZero() bool { return ID(id).IsZero() }

// MakeAccountID returns a new AccountID from a byte slice.
func MakeAccountID(b []byte) (AccountID, error) {
	id, err := makeID(b)
	return AccountID(id), err
}

// MakeAccountIDFromStr creates an AccountID from a hex string.
func MakeAccountIDFromStr(s string) (AccountID, error) {
	id, err := makeIDFromStr(s)
	return AccountID(id), err
}

// UnitID identifies a unit definition (asset type).
type UnitID ID

// String returns the UnitID as a hexadecimal string.
func (id UnitID) String() string { return ID(id).String() }

// IsZero returns true if the UnitID is unset.
func (id UnitID) IsZero() bool { return ID(id).IsZero() }

// MakeUnitID returns a new UnitID from a byte slice.
func MakeUnitID(b []byte) (UnitID, error) {
	id, err := makeID(b)
	return UnitID(id), err
}

// MakeUnitIDFromStr creates a UnitID from a hex string.
func MakeUnitIDFromStr(s string) (UnitID, error) {
	id, err := makeIDFromStr(s)
	return UnitID(id), err
}
