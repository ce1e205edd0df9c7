package trustgraph

import (
	"bytes"
	"fmt"

	"github.com/gpgtrust/trustdb/store"
)

// FormatTrustCode renders a trust level as its single character code.
func FormatTrustCode(level int) byte {
	switch level & TrustMask {
	case TrustUnknown:
		return 'o'
	case TrustExpired:
		return 'e'
	case TrustUndefined:
		return 'q'
	case TrustNever:
		return 'n'
	case TrustMarginal:
		return 'm'
	case TrustFully:
		return 'f'
	case TrustUltimate:
		return 'u'
	}
	return '?'
}

// FormatSigFlags renders a signature slot's flags as the three character
// V/E/R triplet: placeholders until the signature has been checked, "?--"
// while the signer's public key is missing.
func FormatSigFlags(flags byte) string {
	if flags&store.SigfChecked != 0 {
		tag := []byte("---")
		if flags&store.SigfValid != 0 {
			tag[0] = 'V'
		}
		if flags&store.SigfExpired != 0 {
			tag[1] = 'E'
		}
		if flags&store.SigfRevoked != 0 {
			tag[2] = 'R'
		}
		return string(tag)
	}
	if flags&store.SigfNoPubkey != 0 {
		return "?--"
	}
	return "---"
}

func keyidString(keyid uint64) string {
	return fmt.Sprintf("%016X", keyid)
}

// uidHashTag is the short uid identification used in diagnostics: the last
// two namehash bytes.
func uidHashTag(hash [20]byte) string {
	return fmt.Sprintf("%02X%02X", hash[18], hash[19])
}

func fingerprintEqual(a, b []byte) bool {
	return bytes.Equal(a, b)
}
