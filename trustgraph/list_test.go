package trustgraph

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTrustCode(t *testing.T) {
	codes := map[int]byte{
		TrustUnknown:   'o',
		TrustExpired:   'e',
		TrustUndefined: 'q',
		TrustNever:     'n',
		TrustMarginal:  'm',
		TrustFully:     'f',
		TrustUltimate:  'u',
	}
	for level, want := range codes {
		assert.Equal(t, want, FormatTrustCode(level))
		assert.Equal(t, want, FormatTrustCode(level|TrustFlagRevoked))
	}
}

func TestFormatSigFlags(t *testing.T) {
	assert.Equal(t, "---", FormatSigFlags(0))
	assert.Equal(t, "?--", FormatSigFlags(1<<4)) // no pubkey
	assert.Equal(t, "---", FormatSigFlags(1<<0))
	assert.Equal(t, "V--", FormatSigFlags(1<<0|1<<1))
	assert.Equal(t, "VE-", FormatSigFlags(1<<0|1<<1|1<<2))
	assert.Equal(t, "V-R", FormatSigFlags(1<<0|1<<1|1<<3))
	// expired and revoked are only reported once checked
	assert.Equal(t, "---", FormatSigFlags(1<<2|1<<3))
}

func TestListTrustDB(t *testing.T) {
	env, _, _, _ := webOfTrust(t)

	var buf bytes.Buffer
	require.NoError(t, env.db.ListTrustDB(&buf, ""))
	out := buf.String()
	assert.Contains(t, out, "TrustDB: [memory]")
	assert.Contains(t, out, "dir")
	assert.Contains(t, out, "uid")

	buf.Reset()
	require.NoError(t, env.db.ListTrustDB(&buf, "alice"))
	assert.Contains(t, buf.String(), "Signatures of")

	buf.Reset()
	require.NoError(t, env.db.ListTrustDB(&buf, "#1"))
	assert.Contains(t, buf.String(), "Signatures of")
}

func TestListTrustPath(t *testing.T) {
	env, _, _, b := webOfTrust(t)
	require.NoError(t, env.db.UpdateOwnertrust(b.LocalID, 0))

	var buf bytes.Buffer
	require.NoError(t, env.db.ListTrustPath(&buf, 5, "bob"))
	out := buf.String()
	assert.Contains(t, out, "ultimate")
	assert.Contains(t, out, "trust level for")
}

func TestBatchOperations(t *testing.T) {
	env, _, _, _ := webOfTrust(t)

	// everything is current: a full check updates nothing
	stats, err := env.db.CheckTrustDB("")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.Processed)
	assert.Zero(t, stats.Updated)
	assert.Zero(t, stats.Errors)

	// a new key appears in the ring: update inserts it
	c := newTestKey(0xcc)
	env.ring.add("carol", selfSignedKeyblock(c, "carol"))
	stats, err = env.db.UpdateTrustDB()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stats.Processed)
	assert.Equal(t, uint64(1), stats.Inserted)
	require.NoError(t, env.db.QueryTrustRecord(c))
}

func TestCheckTrustDBSingleKey(t *testing.T) {
	env, _, _, _ := webOfTrust(t)
	stats, err := env.db.CheckTrustDB("alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Processed)
}
