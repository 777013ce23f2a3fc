package nym

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/wigggles/opentxs-sub020/otxtypes"
)

var (
	// ErrNoPrivateKey is returned when a signing operation is attempted
	// on an identity for which only the public half is known.
	ErrNoPrivateKey = errors.New("nym has no private key")

	// ErrBadSignature is returned when signature verification fails.
	ErrBadSignature = errors.New("signature verification failed")
)

// Identity is the public half of a nym: everything needed to identify a
// counterparty and verify its signatures, without any signing capability.
type Identity struct {
	id     otxtypes.NymID
	pubKey *btcec.PublicKey

	// revision is bumped every time the nym's credentials change. Server
	// contexts track the revision last registered with the notary so that
	// a stale registration can be detected and refreshed.
	revision atomic.Uint64
}

// ID returns the nym's identifier, the SHA-256 of its compressed public key.
func (i *Identity) ID() otxtypes.NymID {
	return i.id
}

// PubKey returns the nym's public key.
func (i *Identity) PubKey() *btcec.PublicKey {
	return i.pubKey
}

// Revision returns the current credential revision of the nym.
func (i *Identity) Revision() uint64 {
	return i.revision.Load()
}

// VerifySig checks sig (DER encoded) over msg against the identity's key.
func (i *Identity) VerifySig(msg, sig []byte) error {
	parsedSig, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("parsing signature: %w", err)
	}

	digest := sha256.Sum256(msg)
	if !parsedSig.Verify(digest[:], i.pubKey) {
		return ErrBadSignature
	}

	return nil
}

// NewIdentity builds a public-only identity from a compressed public key.
func NewIdentity(pubKeyBytes []byte, revision uint64) (*Identity, error) {
	pubKey, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing pubkey: %w", err)
	}

	identity := &Identity{
		id:     IDFromPubKey(pubKey),
		pubKey: pubKey,
	}
	identity.revision.Store(revision)

	return identity, nil
}

// IDFromPubKey derives a nym ID from a public key.
func IDFromPubKey(pubKey *btcec.PublicKey) otxtypes.NymID {
	return otxtypes.NymID(sha256.Sum256(pubKey.SerializeCompressed()))
}

// Nym is a full cryptographic identity, holding the private key that backs
// the identity's signing capability.
type Nym struct {
	Identity

	privKey *btcec.PrivateKey
}

// NewNym generates a fresh nym with a random key.
func NewNym() (*Nym, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	return NewNymFromKey(privKey), nil
}

// NewNymFromKey wraps an existing private key as a nym.
func NewNymFromKey(privKey *btcec.PrivateKey) *Nym {
	pubKey := privKey.PubKey()

	n := &Nym{
		privKey: privKey,
	}
	n.Identity.id = IDFromPubKey(pubKey)
	n.Identity.pubKey = pubKey
	n.Identity.revision.Store(1)

	return n
}

// RestoreNym rebuilds a nym from a stored key and credential revision.
func RestoreNym(privKey *btcec.PrivateKey, revision uint64) *Nym {
	n := NewNymFromKey(privKey)
	n.revision.Store(revision)

	return n
}

// PrivKeyBytes returns the serialized private key for storage by the wallet.
func (n *Nym) PrivKeyBytes() ([32]byte, error) {
	var key [32]byte
	if n.privKey == nil {
		return key, ErrNoPrivateKey
	}
	copy(key[:], n.privKey.Serialize())

	return key, nil
}

// Sign produces a DER encoded signature over msg.
func (n *Nym) Sign(msg []byte) ([]byte, error) {
	if n.privKey == nil {
		return nil, ErrNoPrivateKey
	}

	digest := sha256.Sum256(msg)
	sig := ecdsa.Sign(n.privKey, digest[:])

	return sig.Serialize(), nil
}

// BumpRevision records a credential change, e.g. a rotated or added key. The
// next steady-state pass of the owning state machine re-registers the nym
// with every server whose context carries an older revision.
func (n *Nym) BumpRevision() uint64 {
	return n.revision.Add(1)
}
