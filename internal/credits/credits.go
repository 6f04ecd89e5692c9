// Package credits reconciles usage credits against terminal job outcomes.
package credits

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/bobarin/adreel/internal/errs"
	"github.com/bobarin/adreel/internal/logger"
	"github.com/bobarin/adreel/internal/models"
)

// Ledger persists credit movements. *db.DB and *MemoryLedger implement it.
type Ledger interface {
	RecordLedgerEntry(ctx context.Context, e *models.LedgerEntry) error
	LedgerTotals(ctx context.Context, jobID string) (debited, refunded int, err error)
}

type DebitRequest struct {
	TenantID string
	ActorID  string
	JobID    string
	Amount   int
	Reason   string
}

type RefundRequest struct {
	TenantID string
	ActorID  string
	JobID    string
	Amount   int
	// Debit is the job's original charge. It bounds the refund when the
	// ledger holds no debit entry because the caller charged elsewhere.
	Debit  int
	Reason string
}

type Reconciler struct {
	ledger Ledger
	log    *logger.Logger
}

func NewReconciler(ledger Ledger, log *logger.Logger) *Reconciler {
	return &Reconciler{ledger: ledger, log: log.WithComponent("credits")}
}

// ProportionalRefund is round(tokenCost/total × failed).
func ProportionalRefund(tokenCost, total, failed int) int {
	if total <= 0 || failed <= 0 || tokenCost <= 0 {
		return 0
	}
	if failed >= total {
		return tokenCost
	}
	return int(math.Round(float64(tokenCost) / float64(total) * float64(failed)))
}

// UnitRefund is round(unitCost × failed).
func UnitRefund(unitCost float64, failed int) int {
	if unitCost <= 0 || failed <= 0 {
		return 0
	}
	return int(math.Round(unitCost * float64(failed)))
}

func (r *Reconciler) Debit(ctx context.Context, req DebitRequest) error {
	if req.Amount < 0 {
		return errs.New(errs.CodeValidation, "credits.Debit", "negative debit")
	}
	return r.ledger.RecordLedgerEntry(ctx, &models.LedgerEntry{
		TenantID: req.TenantID,
		ActorID:  req.ActorID,
		JobID:    req.JobID,
		Kind:     models.LedgerDebit,
		Amount:   req.Amount,
		Reason:   req.Reason,
	})
}

// Refund credits back up to the job's remaining debit and returns the
// amount applied. Callers invoke it at most once per job; the ledger
// rejects a second refund with ALREADY_REFUNDED.
func (r *Reconciler) Refund(ctx context.Context, req RefundRequest) (int, error) {
	const op = "credits.Refund"

	if req.Amount <= 0 {
		return 0, nil
	}

	debited, refunded, err := r.ledger.LedgerTotals(ctx, req.JobID)
	if err != nil {
		return 0, errs.Wrap(err, op, "failed to read ledger totals")
	}
	if debited == 0 {
		debited = req.Debit
	}

	amount := req.Amount
	if remaining := debited - refunded; amount > remaining {
		r.log.Warn("Refund capped at remaining debit",
			zap.String("job_id", req.JobID),
			zap.Int("requested", req.Amount),
			zap.Int("remaining", remaining),
		)
		amount = remaining
	}
	if amount <= 0 {
		return 0, nil
	}

	err = r.ledger.RecordLedgerEntry(ctx, &models.LedgerEntry{
		TenantID: req.TenantID,
		ActorID:  req.ActorID,
		JobID:    req.JobID,
		Kind:     models.LedgerRefund,
		Amount:   amount,
		Reason:   req.Reason,
	})
	if err != nil {
		return 0, err
	}

	r.log.Info("Credits refunded",
		zap.String("job_id", req.JobID),
		zap.String("tenant_id", req.TenantID),
		zap.Int("amount", amount),
		zap.String("reason", req.Reason),
	)
	return amount, nil
}
