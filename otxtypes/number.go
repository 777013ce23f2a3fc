package otxtypes

import "strconv"

// TransNum is a transaction number issued by a notary. Numbers are unique
// within the scope of a (nym, server) pair. Zero means "unset" everywhere a
// TransNum appears.
type TransNum int64

// String returns the decimal representation of the number.
func (n TransNum) String() string {
	return strconv.FormatInt(int64(n), 10)
}

// Amount is a signed quantity of some unit definition. The unit's display
// scaling is a presentation concern and not applied here.
type Amount int64

// String returns the decimal representation of the amount.
func (a Amount) String() string {
	return strconv.FormatInt(int64(a), 10)
}

// RequestNum is the strictly monotonic request nonce exchanged with a notary
// on every message.
type RequestNum uint64
