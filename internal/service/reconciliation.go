package service

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/escrowsim/escrow-engine/internal/audit"
	"github.com/escrowsim/escrow-engine/internal/observability"
	"github.com/escrowsim/escrow-engine/internal/store"
	"go.uber.org/zap"
)

// ReconciliationService diffs internal ledger totals against the
// custodial mirror, per currency. Breaks are reported, never
// auto-corrected.
type ReconciliationService struct {
	store      store.Store
	auditLog   *audit.Log
	reportsDir string
}

// NewReconciliationService creates a reconciliation service.
func NewReconciliationService(st store.Store, auditLog *audit.Log, reportsDir string) *ReconciliationService {
	return &ReconciliationService{
		store:      st,
		auditLog:   auditLog,
		reportsDir: reportsDir,
	}
}

// ReconciliationRow is one currency's comparison.
type ReconciliationRow struct {
	Currency       string `json:"currency"`
	InternalTotal  int64  `json:"internal_total"`
	CustodialTotal int64  `json:"custodial_total"`
	Delta          int64  `json:"delta"`
}

// ReconciliationReport is the durable outcome of one run.
type ReconciliationReport struct {
	Date   string              `json:"date"`
	Path   string              `json:"path"`
	Rows   []ReconciliationRow `json:"rows"`
	Breaks int                 `json:"breaks"`
}

// Reconcile compares both sides for every currency present in either,
// writes a CSV artifact for the given date and audits the run.
func (s *ReconciliationService) Reconcile(ctx context.Context, date time.Time) (*ReconciliationReport, error) {
	queries := s.store.Queries()
	internal, err := queries.SumBalancesByCurrency(ctx)
	if err != nil {
		return nil, fmt.Errorf("sum internal balances: %w", err)
	}
	custodial, err := queries.ListCustodialBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("load custodial balances: %w", err)
	}

	currencies := make(map[string]struct{}, len(internal)+len(custodial))
	for c := range internal {
		currencies[c] = struct{}{}
	}
	for c := range custodial {
		currencies[c] = struct{}{}
	}
	ordered := make([]string, 0, len(currencies))
	for c := range currencies {
		ordered = append(ordered, c)
	}
	sort.Strings(ordered)

	report := &ReconciliationReport{
		Date: date.UTC().Format("2006-01-02"),
		Rows: make([]ReconciliationRow, 0, len(ordered)),
	}
	for _, currency := range ordered {
		row := ReconciliationRow{
			Currency:       currency,
			InternalTotal:  internal[currency],
			CustodialTotal: custodial[currency],
		}
		row.Delta = row.InternalTotal - row.CustodialTotal
		observability.SetReconciliationDelta(currency, row.Delta)
		if row.Delta != 0 {
			report.Breaks++
			zap.L().Error("reconciliation break detected",
				zap.String("currency", currency),
				zap.Int64("internal_total", row.InternalTotal),
				zap.Int64("custodial_total", row.CustodialTotal),
				zap.Int64("delta", row.Delta))
		}
		report.Rows = append(report.Rows, row)
	}

	path, err := s.writeReport(report)
	if err != nil {
		return nil, err
	}
	report.Path = path

	if _, err := s.auditLog.Append("reconciliation_run", report.Date, map[string]any{
		"report":     path,
		"currencies": len(report.Rows),
		"breaks":     report.Breaks,
	}); err != nil {
		return nil, fmt.Errorf("audit reconciliation run: %w", err)
	}

	if report.Breaks == 0 {
		zap.L().Info("reconciliation clean", zap.String("report", path), zap.Int("currencies", len(report.Rows)))
	}
	return report, nil
}

func (s *ReconciliationService) writeReport(report *ReconciliationReport) (string, error) {
	if err := os.MkdirAll(s.reportsDir, 0o755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}
	path := filepath.Join(s.reportsDir, fmt.Sprintf("recon_%s.csv", report.Date))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create report file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"currency", "internal_total", "custodial_total", "delta"}); err != nil {
		return "", fmt.Errorf("write report header: %w", err)
	}
	for _, row := range report.Rows {
		if err := w.Write([]string{
			row.Currency,
			strconv.FormatInt(row.InternalTotal, 10),
			strconv.FormatInt(row.CustodialTotal, 10),
			strconv.FormatInt(row.Delta, 10),
		}); err != nil {
			return "", fmt.Errorf("write report row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush report: %w", err)
	}
	return path, nil
}
