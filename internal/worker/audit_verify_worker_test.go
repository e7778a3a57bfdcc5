package worker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/escrowsim/escrow-engine/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAuditVerifyWorkerPoisonsBrokenLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	auditLog, err := audit.Open(path, zap.NewNop())
	require.NoError(t, err)

	_, err = auditLog.Append("deposit_applied", "tx-1", map[string]any{"amount": "1000"})
	require.NoError(t, err)
	_, err = auditLog.Append("deposit_applied", "tx-2", map[string]any{"amount": "2000"})
	require.NoError(t, err)

	w := NewAuditVerifyWorker(auditLog)

	w.runOnce()
	_, err = auditLog.Append("deposit_applied", "tx-3", map[string]any{"amount": "3000"})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"1000"`, `"9999"`, 1)
	require.NotEqual(t, string(raw), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	w.runOnce()
	_, err = auditLog.Append("deposit_applied", "tx-4", map[string]any{"amount": "4000"})
	assert.ErrorIs(t, err, audit.ErrChainBroken)
}
