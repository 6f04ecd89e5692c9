package db

import (
	"context"
	"fmt"
	"time"

	"github.com/bobarin/adreel/internal/errs"
	"github.com/bobarin/adreel/internal/models"
)

// RecordLedgerEntry inserts a debit or refund. At most one entry of each
// kind exists per job; a duplicate refund returns ALREADY_REFUNDED.
func (db *DB) RecordLedgerEntry(ctx context.Context, e *models.LedgerEntry) error {
	const op = "db.RecordLedgerEntry"

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO credit_ledger (
			tenant_id, actor_id, job_id, kind, amount, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	err := db.QueryRowContext(
		ctx, query,
		e.TenantID, e.ActorID, e.JobID, string(e.Kind), e.Amount, e.Reason, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		if isUniqueViolation(err) {
			if e.Kind == models.LedgerRefund {
				return errs.Newf(errs.CodeAlreadyRefunded, op, "job %s already refunded", e.JobID)
			}
			return errs.Newf(errs.CodeValidation, op, "job %s already debited", e.JobID)
		}
		return errs.Wrap(err, op, "failed to insert ledger entry")
	}
	return nil
}

// LedgerTotals returns the debited and refunded amounts recorded for a job.
func (db *DB) LedgerTotals(ctx context.Context, jobID string) (debited, refunded int, err error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN kind = 'debit' THEN amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'refund' THEN amount ELSE 0 END), 0)
		FROM credit_ledger
		WHERE job_id = $1
	`

	if err := db.QueryRowContext(ctx, query, jobID).Scan(&debited, &refunded); err != nil {
		return 0, 0, fmt.Errorf("failed to sum ledger: %w", err)
	}
	return debited, refunded, nil
}

// ListLedgerEntries returns a job's entries oldest first.
func (db *DB) ListLedgerEntries(ctx context.Context, jobID string) ([]models.LedgerEntry, error) {
	query := `
		SELECT id, tenant_id, actor_id, job_id, kind, amount, reason, created_at
		FROM credit_ledger
		WHERE job_id = $1
		ORDER BY id
	`

	rows, err := db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var kind string
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.ActorID, &e.JobID, &kind,
			&e.Amount, &e.Reason, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Kind = models.LedgerKind(kind)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// TenantNetUsage is total debits minus total refunds for a tenant.
func (db *DB) TenantNetUsage(ctx context.Context, tenantID string) (int, error) {
	query := `
		SELECT COALESCE(SUM(CASE WHEN kind = 'debit' THEN amount ELSE -amount END), 0)
		FROM credit_ledger
		WHERE tenant_id = $1
	`

	var net int
	if err := db.QueryRowContext(ctx, query, tenantID).Scan(&net); err != nil {
		return 0, fmt.Errorf("failed to sum tenant usage: %w", err)
	}
	return net, nil
}
