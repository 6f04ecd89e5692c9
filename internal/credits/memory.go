package credits

import (
	"context"
	"sync"
	"time"

	"github.com/bobarin/adreel/internal/errs"
	"github.com/bobarin/adreel/internal/models"
)

// MemoryLedger is an in-process Ledger with the same uniqueness rules as
// the SQL ledger.
type MemoryLedger struct {
	mu      sync.Mutex
	entries []models.LedgerEntry
	nextID  int64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (m *MemoryLedger) RecordLedgerEntry(_ context.Context, e *models.LedgerEntry) error {
	const op = "credits.MemoryLedger"

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.entries {
		if existing.JobID == e.JobID && existing.Kind == e.Kind {
			if e.Kind == models.LedgerRefund {
				return errs.Newf(errs.CodeAlreadyRefunded, op, "job %s already refunded", e.JobID)
			}
			return errs.Newf(errs.CodeValidation, op, "job %s already debited", e.JobID)
		}
	}

	m.nextID++
	e.ID = m.nextID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.entries = append(m.entries, *e)
	return nil
}

func (m *MemoryLedger) LedgerTotals(_ context.Context, jobID string) (debited, refunded int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.JobID != jobID {
			continue
		}
		switch e.Kind {
		case models.LedgerDebit:
			debited += e.Amount
		case models.LedgerRefund:
			refunded += e.Amount
		}
	}
	return debited, refunded, nil
}

// Entries returns a copy of all recorded entries.
func (m *MemoryLedger) Entries() []models.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.LedgerEntry(nil), m.entries...)
}
