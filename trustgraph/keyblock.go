// Package trustgraph maintains the certification graph of the trust
// database and computes key validity from it: it reconciles parsed
// keyblocks into the record store, defers signature verification through
// shadow directory records when the signer is unknown, and walks the graph
// from a subject key toward the ultimately trusted keys of the local user.
package trustgraph

import "errors"

var (
	// ErrNotFound reports a key that has no record in the trust database.
	ErrNotFound = errors.New("trustgraph: not found in trust database")
	// ErrNoPubkey reports a public key that is not available in the
	// keyring. The verifier returns it for signatures it cannot check.
	ErrNoPubkey = errors.New("trustgraph: public key not available")
	// ErrTimeConflict reports a key whose creation timestamp lies in the
	// future.
	ErrTimeConflict = errors.New("trustgraph: key created in future (time warp or clock problem)")
	// ErrGeneral is the catch-all for recoverable trust database failures.
	ErrGeneral = errors.New("trustgraph: trust database error")
)

// Trust levels, low to high. Levels above TrustMask are flag bits OR'ed
// into a computed level.
const (
	TrustMask      = 15
	TrustUnknown   = 0 // not yet calculated
	TrustExpired   = 1 // calculated, but the key has expired
	TrustUndefined = 2 // calculated, no path to an ultimately trusted key
	TrustNever     = 3 // the owner told us not to trust this key
	TrustMarginal  = 4
	TrustFully     = 5
	TrustUltimate  = 6 // one of the local user's own keys

	TrustFlagRevoked = 32
)

// Signature classes recognized by the reconciler. 0x10 through 0x13 are the
// certification classes; the others are bindings and revocations.
const (
	sigClassCertMask     = 0x10 // (class &^ 3) == sigClassCertMask
	sigClassKeyBinding   = 0x18
	sigClassKeyRevoke    = 0x20
	sigClassSubkeyRevoke = 0x28
	sigClassCertRevoke   = 0x30
)

// Preference types stored in Pref records.
const (
	PrefSym   = 1
	PrefHash  = 2
	PrefCompr = 3
)

// Signature subpacket tags this package consumes.
type SubpacketType byte

const (
	SubpktPrefSym   SubpacketType = 11
	SubpktPrefHash  SubpacketType = 21
	SubpktPrefCompr SubpacketType = 22
)

// PublicKey is the parsed public key material the trust database needs: the
// identity of the key and its validity window. LocalID is filled in once
// the key has a directory record.
type PublicKey struct {
	KeyID       uint64
	PubkeyAlgo  byte
	Fingerprint []byte // 16 or 20 bytes
	Timestamp   int64  // creation, unix seconds
	ExpireDate  int64  // 0 when the key does not expire
	LocalID     uint64
}

// SecretKey is the local user's secret key as far as this package cares:
// its public identity plus whether the key material is passphrase
// protected.
type SecretKey struct {
	KeyID       uint64
	Fingerprint []byte
	Protected   bool
}

// UserID is a parsed user id packet.
type UserID struct {
	Name []byte
}

// Signature is a parsed signature packet. Subpackets carries the raw
// subpacket payloads the reconciler consumes (preference lists).
type Signature struct {
	KeyID      uint64
	PubkeyAlgo byte
	Class      byte
	LocalID    uint64
	Subpackets map[SubpacketType][]byte
}

// Subpacket returns the payload of the given subpacket tag, or nil.
func (s *Signature) Subpacket(t SubpacketType) []byte {
	return s.Subpackets[t]
}

// Node is one packet of a keyblock. Exactly one of Pubkey, UserID and Sig
// is set.
type Node struct {
	Pubkey  *PublicKey
	Primary bool // set on the primary key node
	UserID  *UserID
	Sig     *Signature
}

// Keyblock is a parsed, signed keyblock: the primary key followed by
// subkeys, user ids and their signatures, in packet order.
type Keyblock struct {
	Nodes []*Node
}

// PrimaryKey returns the keyblock's primary public key node, or nil.
func (kb *Keyblock) PrimaryKey() *PublicKey {
	for _, n := range kb.Nodes {
		if n.Pubkey != nil && n.Primary {
			return n.Pubkey
		}
	}
	return nil
}

// KeyRing is the public key retrieval service the trust database consults
// to resolve signer identities and enumerate keys. Lookups return
// ErrNoPubkey when the key is not present.
type KeyRing interface {
	PubkeyByKeyID(keyid uint64) (*PublicKey, error)
	PubkeyByFingerprint(fpr []byte) (*PublicKey, error)
	PubkeyByName(name string) (*PublicKey, error)

	KeyblockByFingerprint(fpr []byte) (*Keyblock, error)
	KeyblockByName(name string) (*Keyblock, error)

	// ForEachKeyblock enumerates all keyblocks of the public keyring.
	ForEachKeyblock(fn func(*Keyblock) error) error
	// ForEachSecretKey enumerates the local user's secret keys.
	ForEachSecretKey(fn func(*SecretKey) error) error

	// KeyIDFromFingerprint derives the key id belonging to a stored
	// fingerprint.
	KeyIDFromFingerprint(fpr []byte) uint64
}

// SignatureVerifier checks the cryptographic validity of the signature at
// kb.Nodes[sigIndex] against the keyring. It returns nil for a good
// signature, ErrNoPubkey when the signing key is unavailable, and any other
// error for an invalid signature.
type SignatureVerifier interface {
	CheckKeySignature(kb *Keyblock, sigIndex int) error
}
