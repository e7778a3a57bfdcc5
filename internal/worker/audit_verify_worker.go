package worker

import (
	"context"
	"sync"
	"time"

	"github.com/escrowsim/escrow-engine/internal/audit"
	"github.com/escrowsim/escrow-engine/internal/observability"
	"go.uber.org/zap"
)

// AuditVerifyWorker periodically replays the audit log and recomputes the
// hash chain. A broken chain poisons the live log, halting further
// appends, and flips the audit_chain_valid gauge so the break pages
// instead of hiding in the file.
type AuditVerifyWorker struct {
	auditLog *audit.Log
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewAuditVerifyWorker(auditLog *audit.Log) *AuditVerifyWorker {
	return &AuditVerifyWorker{
		auditLog: auditLog,
		interval: time.Hour,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval updates the verification interval.
func (w *AuditVerifyWorker) WithInterval(interval time.Duration) *AuditVerifyWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks and verifies the chain at the configured interval.
func (w *AuditVerifyWorker) Start(ctx context.Context) {
	zap.L().Info("audit verify worker starting", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runOnce()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("audit verify worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("audit verify worker stop signal received")
			return
		case <-ticker.C:
			w.runOnce()
		}
	}
}

// Stop stops the running worker loop.
func (w *AuditVerifyWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *AuditVerifyWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *AuditVerifyWorker) runOnce() {
	entries, err := w.auditLog.Verify()
	if err != nil {
		observability.SetAuditChainValid(false)
		observability.IncrementWorkerRun("audit_verify", "failed")
		zap.L().Error("audit chain verification failed", zap.Error(err))
		return
	}
	observability.SetAuditChainValid(true)
	observability.IncrementWorkerRun("audit_verify", "success")
	zap.L().Debug("audit chain verified", zap.Int("entries", entries))
}
