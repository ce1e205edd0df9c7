package trustgraph

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/gpgtrust/trustdb/store"
)

// fakeRing is the in-memory keyring the tests resolve signers against.
type fakeRing struct {
	keys    map[uint64]*PublicKey
	names   map[string]*PublicKey
	blocks  map[string]*Keyblock // keyed by hex fingerprint
	secrets []*SecretKey
	order   []string
}

func newFakeRing() *fakeRing {
	return &fakeRing{
		keys:   make(map[uint64]*PublicKey),
		names:  make(map[string]*PublicKey),
		blocks: make(map[string]*Keyblock),
	}
}

func (r *fakeRing) add(name string, kb *Keyblock) {
	pk := kb.PrimaryKey()
	r.keys[pk.KeyID] = pk
	r.names[name] = pk
	fpr := hex.EncodeToString(pk.Fingerprint)
	if _, ok := r.blocks[fpr]; !ok {
		r.order = append(r.order, fpr)
	}
	r.blocks[fpr] = kb
}

func (r *fakeRing) addSecret(pk *PublicKey) {
	r.secrets = append(r.secrets, &SecretKey{
		KeyID:       pk.KeyID,
		Fingerprint: pk.Fingerprint,
		Protected:   true,
	})
}

func (r *fakeRing) PubkeyByKeyID(keyid uint64) (*PublicKey, error) {
	if pk, ok := r.keys[keyid]; ok {
		return pk, nil
	}
	return nil, ErrNoPubkey
}

func (r *fakeRing) PubkeyByFingerprint(fpr []byte) (*PublicKey, error) {
	if kb, ok := r.blocks[hex.EncodeToString(fpr)]; ok {
		return kb.PrimaryKey(), nil
	}
	return nil, ErrNoPubkey
}

func (r *fakeRing) PubkeyByName(name string) (*PublicKey, error) {
	if pk, ok := r.names[name]; ok {
		return pk, nil
	}
	return nil, ErrNoPubkey
}

func (r *fakeRing) KeyblockByFingerprint(fpr []byte) (*Keyblock, error) {
	if kb, ok := r.blocks[hex.EncodeToString(fpr)]; ok {
		return kb, nil
	}
	return nil, ErrNoPubkey
}

func (r *fakeRing) KeyblockByName(name string) (*Keyblock, error) {
	pk, err := r.PubkeyByName(name)
	if err != nil {
		return nil, err
	}
	return r.KeyblockByFingerprint(pk.Fingerprint)
}

func (r *fakeRing) ForEachKeyblock(fn func(*Keyblock) error) error {
	for _, fpr := range r.order {
		if err := fn(r.blocks[fpr]); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeRing) ForEachSecretKey(fn func(*SecretKey) error) error {
	for _, sk := range r.secrets {
		if err := fn(sk); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeRing) KeyIDFromFingerprint(fpr []byte) uint64 {
	return binary.BigEndian.Uint64(fpr[len(fpr)-8:])
}

// fakeVerifier approves every signature whose signer is in the ring,
// except the ones explicitly marked bad.
type fakeVerifier struct {
	ring *fakeRing
	bad  map[uint64]bool // signer keyid -> refuse
}

var errBadSignature = errors.New("bad signature")

func (v *fakeVerifier) CheckKeySignature(kb *Keyblock, sigIndex int) error {
	sig := kb.Nodes[sigIndex].Sig
	if _, ok := v.ring.keys[sig.KeyID]; !ok {
		return ErrNoPubkey
	}
	if v.bad[sig.KeyID] {
		return errBadSignature
	}
	return nil
}

// newTestKey derives a deterministic key from the last eight fingerprint
// bytes.
func newTestKey(fill byte) *PublicKey {
	fpr := bytes.Repeat([]byte{fill}, 20)
	return &PublicKey{
		KeyID:       binary.BigEndian.Uint64(fpr[12:]),
		PubkeyAlgo:  1,
		Fingerprint: fpr,
	}
}

func newKeyblock(pk *PublicKey) *Keyblock {
	return &Keyblock{Nodes: []*Node{{Pubkey: pk, Primary: true}}}
}

func addUID(kb *Keyblock, name string) {
	kb.Nodes = append(kb.Nodes, &Node{UserID: &UserID{Name: []byte(name)}})
}

func addSig(kb *Keyblock, signerKeyID uint64, algo, class byte, subpkts map[SubpacketType][]byte) {
	kb.Nodes = append(kb.Nodes, &Node{Sig: &Signature{
		KeyID:      signerKeyID,
		PubkeyAlgo: algo,
		Class:      class,
		Subpackets: subpkts,
	}})
}

// selfSignedKeyblock is the usual minimal keyblock: primary key, one uid,
// one good self-signature.
func selfSignedKeyblock(pk *PublicKey, uid string) *Keyblock {
	kb := newKeyblock(pk)
	addUID(kb, uid)
	addSig(kb, pk.KeyID, pk.PubkeyAlgo, 0x13, nil)
	return kb
}

type testEnv struct {
	t    *testing.T
	db   *DB
	ring *fakeRing
	ver  *fakeVerifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ring := newFakeRing()
	ver := &fakeVerifier{ring: ring, bad: make(map[uint64]bool)}
	db := New(store.NewMemory(), Config{
		Ring:            ring,
		Verifier:        ver,
		CompletesNeeded: 1,
		MarginalsNeeded: 3,
		Now:             func() time.Time { return time.Unix(1000000000, 0) },
	})
	return &testEnv{t: t, db: db, ring: ring, ver: ver}
}

// sigSlots collects all non-deleted signature slots of a subject.
func sigSlots(t *testing.T, db *DB, lid uint64) []store.SigItem {
	t.Helper()
	var out []store.SigItem
	it := newSigIter(db.store, lid)
	for {
		sigLID, flag, ok := it.next()
		if !ok {
			return out
		}
		out = append(out, store.SigItem{LID: sigLID, Flag: flag})
	}
}
