package trustgraph

import "golang.org/x/crypto/ripemd160"

// NameHash returns the RIPEMD-160 hash of a user-id string, the stable
// identity of a UID record.
func NameHash(name []byte) [20]byte {
	h := ripemd160.New()
	h.Write(name)
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}
