package main

import (
	"encoding/binary"

	"github.com/gpgtrust/trustdb/cmd/utils"
	"github.com/gpgtrust/trustdb/trustgraph"
)

// standaloneRing is the keyring stand-in used when operating on a trust
// database without the hosting application's keyring: every lookup reports
// the key as unavailable. Key ids can still be derived from stored v4
// fingerprints, which is all the listing code needs.
type standaloneRing struct{}

func (standaloneRing) PubkeyByKeyID(uint64) (*trustgraph.PublicKey, error) {
	return nil, trustgraph.ErrNoPubkey
}

func (standaloneRing) PubkeyByFingerprint([]byte) (*trustgraph.PublicKey, error) {
	return nil, trustgraph.ErrNoPubkey
}

func (standaloneRing) PubkeyByName(string) (*trustgraph.PublicKey, error) {
	return nil, trustgraph.ErrNoPubkey
}

func (standaloneRing) KeyblockByFingerprint([]byte) (*trustgraph.Keyblock, error) {
	return nil, trustgraph.ErrNoPubkey
}

func (standaloneRing) KeyblockByName(string) (*trustgraph.Keyblock, error) {
	return nil, trustgraph.ErrNoPubkey
}

func (standaloneRing) ForEachKeyblock(func(*trustgraph.Keyblock) error) error { return nil }

func (standaloneRing) ForEachSecretKey(func(*trustgraph.SecretKey) error) error { return nil }

func (standaloneRing) KeyIDFromFingerprint(fpr []byte) uint64 {
	if len(fpr) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(fpr[len(fpr)-8:])
}

// standaloneVerifier refuses every signature; without a keyring there is
// nothing to verify against.
type standaloneVerifier struct{}

func (standaloneVerifier) CheckKeySignature(*trustgraph.Keyblock, int) error {
	return trustgraph.ErrNoPubkey
}

// openTrustDB opens the trust database named by the --db flag.
func openTrustDB(path string, create bool) *trustgraph.DB {
	db, err := trustgraph.Open(path, create, trustgraph.Config{
		Ring:     standaloneRing{},
		Verifier: standaloneVerifier{},
	})
	if err != nil {
		utils.Fatalf("Failed to open trust database: %v", err)
	}
	if err := db.Init(0); err != nil {
		utils.Fatalf("Failed to initialize trust database: %v", err)
	}
	return db
}
