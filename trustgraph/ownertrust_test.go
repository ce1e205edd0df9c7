package trustgraph

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwnertrustRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	keys := []*PublicKey{newTestKey(0xaa), newTestKey(0xbb), newTestKey(0xcc)}
	trusts := []byte{TrustMarginal, TrustFully, TrustUltimate}
	for i, pk := range keys {
		name := fmt.Sprintf("key-%d", i)
		env.ring.add(name, selfSignedKeyblock(pk, name))
		require.NoError(t, env.db.InsertTrustRecord(pk))
		require.NoError(t, env.db.UpdateOwnertrust(pk.LocalID, trusts[i]))
	}

	var buf bytes.Buffer
	require.NoError(t, env.db.ExportOwnertrust(&buf))
	assert.True(t, strings.HasPrefix(buf.String(), "#"))
	for i, pk := range keys {
		assert.Contains(t, buf.String(), fmt.Sprintf("%X:%d:\n", pk.Fingerprint, trusts[i]))
	}

	// wipe and restore
	for _, pk := range keys {
		require.NoError(t, env.db.UpdateOwnertrust(pk.LocalID, 0))
	}
	require.NoError(t, env.db.importOwnertrust(&buf, "[buffer]"))
	for i, pk := range keys {
		assert.Equal(t, trusts[i], env.db.GetOwnertrust(pk.LocalID))
	}
}

func TestImportOwnertrustInsertsMissingKey(t *testing.T) {
	env := newTestEnv(t)
	a := newTestKey(0xaa)
	env.ring.add("alice", selfSignedKeyblock(a, "alice"))

	line := fmt.Sprintf("%X:%d:\n", a.Fingerprint, TrustFully)
	require.NoError(t, env.db.importOwnertrust(strings.NewReader(line), "[buffer]"))

	require.NoError(t, env.db.QueryTrustRecord(a))
	assert.Equal(t, byte(TrustFully), env.db.GetOwnertrust(a.LocalID))
}

func TestImportOwnertrustSkipsJunk(t *testing.T) {
	env := newTestEnv(t)
	a := newTestKey(0xaa)
	env.ring.add("alice", selfSignedKeyblock(a, "alice"))
	require.NoError(t, env.db.InsertTrustRecord(a))

	input := strings.Join([]string{
		"# header comment",
		"",
		"not a fingerprint:5:",
		"ABCDEF:5:", // wrong length
		fmt.Sprintf("%X:0:", a.Fingerprint),        // zero trust is a no-op
		fmt.Sprintf("%X:%d:", a.Fingerprint, TrustMarginal),
	}, "\n") + "\n"
	require.NoError(t, env.db.importOwnertrust(strings.NewReader(input), "[buffer]"))
	assert.Equal(t, byte(TrustMarginal), env.db.GetOwnertrust(a.LocalID))
}

func TestParseOwnertrustLine(t *testing.T) {
	fpr, v, ok := parseOwnertrustLine(strings.Repeat("AB", 20) + ":5:")
	require.True(t, ok)
	assert.Equal(t, bytes.Repeat([]byte{0xab}, 20), fpr)
	assert.Equal(t, byte(5), v)

	_, _, ok = parseOwnertrustLine(strings.Repeat("AB", 10) + ":5:")
	assert.False(t, ok)
	_, _, ok = parseOwnertrustLine(strings.Repeat("AB", 16) + ":5:")
	assert.True(t, ok)
	_, _, ok = parseOwnertrustLine(strings.Repeat("AB", 16) + ":x:")
	assert.False(t, ok)
	_, _, ok = parseOwnertrustLine(strings.Repeat("AB", 16) + ":5")
	assert.False(t, ok)
}
