package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	return l, path
}

func TestAppendLinksEntries(t *testing.T) {
	l, path := openTestLog(t)

	first, err := l.Append("deposit_applied", "tx-1", map[string]any{"amount": "1000"})
	require.NoError(t, err)
	assert.Empty(t, first.Prev)
	assert.Len(t, first.Hash, 64)

	second, err := l.Append("payout_executed", "req-1", map[string]any{"tx_hash": "0xdead"})
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.Prev)
	assert.Equal(t, second.Hash, l.Head())

	n, err := Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestVerifyDetectsTamperedData(t *testing.T) {
	l, path := openTestLog(t)

	_, err := l.Append("deposit_applied", "tx-1", map[string]any{"amount": "1000"})
	require.NoError(t, err)
	_, err = l.Append("deposit_applied", "tx-2", map[string]any{"amount": "2000"})
	require.NoError(t, err)

	tamperFirstAmount(t, path)

	_, err = Verify(path)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	l, path := openTestLog(t)

	for _, id := range []string{"tx-1", "tx-2", "tx-3"} {
		_, err := l.Append("deposit_applied", id, nil)
		require.NoError(t, err)
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 3)
	// Drop the middle entry; the third entry's prev no longer resolves.
	require.NoError(t, os.WriteFile(path, []byte(lines[0]+"\n"+lines[2]+"\n"), 0o644))

	_, err = Verify(path)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestVerifyMissingFileIsEmptyChain(t *testing.T) {
	n, err := Verify(filepath.Join(t.TempDir(), "nope.log"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReopenRestoresHeadFromSidecar(t *testing.T) {
	l, path := openTestLog(t)
	entry, err := l.Append("client_created", "c-1", nil)
	require.NoError(t, err)

	reopened, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, entry.Hash, reopened.Head())

	next, err := reopened.Append("client_created", "c-2", nil)
	require.NoError(t, err)
	assert.Equal(t, entry.Hash, next.Prev)

	n, err := Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReopenRecoversHeadWithoutSidecar(t *testing.T) {
	l, path := openTestLog(t)
	entry, err := l.Append("client_created", "c-1", nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path+".head"))

	reopened, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, entry.Hash, reopened.Head())
}

func tamperFirstAmount(t *testing.T, path string) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"1000"`, `"9999"`, 1)
	require.NotEqual(t, string(raw), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))
}

func TestVerifyPoisonsLiveLogAfterTamper(t *testing.T) {
	l, path := openTestLog(t)

	_, err := l.Append("deposit_applied", "tx-1", map[string]any{"amount": "1000"})
	require.NoError(t, err)
	_, err = l.Append("deposit_applied", "tx-2", map[string]any{"amount": "2000"})
	require.NoError(t, err)

	tamperFirstAmount(t, path)

	_, err = l.Verify()
	require.ErrorIs(t, err, ErrChainBroken)

	_, err = l.Append("deposit_applied", "tx-3", map[string]any{"amount": "3000"})
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestOpenPoisonsOnBrokenChain(t *testing.T) {
	l, path := openTestLog(t)

	_, err := l.Append("deposit_applied", "tx-1", map[string]any{"amount": "1000"})
	require.NoError(t, err)
	_, err = l.Append("deposit_applied", "tx-2", map[string]any{"amount": "2000"})
	require.NoError(t, err)

	tamperFirstAmount(t, path)

	reopened, err := Open(path, zap.NewNop())
	require.NoError(t, err)

	_, err = reopened.Append("deposit_applied", "tx-3", map[string]any{"amount": "3000"})
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestVerifyOnIntactLogKeepsAppending(t *testing.T) {
	l, path := openTestLog(t)

	_, err := l.Append("client_created", "c-1", nil)
	require.NoError(t, err)

	n, err := l.Verify()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = l.Append("client_created", "c-2", nil)
	require.NoError(t, err)

	n, err = Verify(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEntryHashCoversSortedPayload(t *testing.T) {
	l, _ := openTestLog(t)
	entry, err := l.Append("k", "e", map[string]any{"b": "2", "a": "1"})
	require.NoError(t, err)

	raw, err := json.Marshal(payload{
		Data:     entry.Data,
		EntityID: entry.EntityID,
		Kind:     entry.Kind,
		Prev:     entry.Prev,
		TS:       entry.TS,
	})
	require.NoError(t, err)
	// Keys of the hashed form appear in lexical order.
	s := string(raw)
	assert.True(t, strings.Index(s, `"data"`) < strings.Index(s, `"entity_id"`))
	assert.True(t, strings.Index(s, `"entity_id"`) < strings.Index(s, `"kind"`))
	assert.True(t, strings.Index(s, `"kind"`) < strings.Index(s, `"prev"`))
	assert.True(t, strings.Index(s, `"prev"`) < strings.Index(s, `"ts"`))
}
