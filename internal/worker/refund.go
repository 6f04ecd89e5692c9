package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bobarin/adreel/internal/credits"
	"github.com/bobarin/adreel/internal/errs"
	"github.com/bobarin/adreel/internal/logger"
)

const (
	refundAttempts   = 3
	refundRetryDelay = 500 * time.Millisecond
)

// refundWithRetry records req, retrying ledger errors with a linear backoff.
// A refund the ledger already holds counts as applied at the requested
// amount. A returned error means nothing was recorded: it carries
// CodeRetryable so the job goes back to the queue before any result is
// stored, or CodeInterrupted when ctx ends first.
func refundWithRetry(ctx context.Context, r Refunder, req credits.RefundRequest, delay time.Duration, log *logger.Logger) (int, error) {
	const op = "worker.refund"
	var err error
	for attempt := 1; attempt <= refundAttempts; attempt++ {
		var applied int
		applied, err = r.Refund(ctx, req)
		if err == nil {
			return applied, nil
		}
		if errs.IsCode(err, errs.CodeAlreadyRefunded) {
			log.Warn("Refund already recorded for job", zap.Int("amount", req.Amount))
			return req.Amount, nil
		}
		log.Warn("Refund failed",
			zap.Int("attempt", attempt),
			zap.Int("amount", req.Amount),
			zap.Error(err),
		)
		if attempt < refundAttempts && !sleep(ctx, time.Duration(attempt)*delay) {
			break
		}
	}
	if ctx.Err() != nil {
		return 0, errs.WrapWithCode(err, errs.CodeInterrupted, op, "refund interrupted")
	}
	return 0, errs.WrapWithCode(err, errs.CodeRetryable, op, "refund not recorded")
}
