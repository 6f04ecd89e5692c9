package metrics

import (
	"sync"

	"github.com/bobarin/adreel/internal/models"
)

// Metrics tracks in-process counters for the worker runtime.
type Metrics struct {
	mu sync.RWMutex

	jobsProcessed   map[models.JobType]int64
	jobsFailed      map[models.JobType]int64
	jobsRequeued    int64
	itemsSucceeded  int64
	itemsFailed     int64
	creditsRefunded int64
	providerRetries int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		jobsProcessed: make(map[models.JobType]int64),
		jobsFailed:    make(map[models.JobType]int64),
	}
}

// JobDone counts a finished job; failed marks a total failure.
func (m *Metrics) JobDone(t models.JobType, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobsProcessed[t]++
	if failed {
		m.jobsFailed[t]++
	}
}

func (m *Metrics) JobRequeued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobsRequeued++
}

func (m *Metrics) Items(succeeded, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemsSucceeded += int64(succeeded)
	m.itemsFailed += int64(failed)
}

func (m *Metrics) CreditsRefunded(amount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creditsRefunded += int64(amount)
}

func (m *Metrics) ProviderRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providerRetries++
}

// GetSnapshot returns a copy of all counters.
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := map[string]int64{
		"jobs_requeued":    m.jobsRequeued,
		"items_succeeded":  m.itemsSucceeded,
		"items_failed":     m.itemsFailed,
		"credits_refunded": m.creditsRefunded,
		"provider_retries": m.providerRetries,
	}
	for _, t := range []models.JobType{models.JobTypeRender, models.JobTypeVideoGen} {
		snap["jobs_processed_"+string(t)] = m.jobsProcessed[t]
		snap["jobs_failed_"+string(t)] = m.jobsFailed[t]
	}
	return snap
}
