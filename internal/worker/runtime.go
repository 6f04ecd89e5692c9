package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bobarin/adreel/internal/errs"
	"github.com/bobarin/adreel/internal/logger"
	"github.com/bobarin/adreel/internal/metrics"
	"github.com/bobarin/adreel/internal/queue"
)

// JobQueue is the subset of *queue.Queue the runtime pulls from.
type JobQueue interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Requeue(ctx context.Context, d *queue.Delivery) error
}

// HandlerFunc processes one job. Returning an INTERRUPTED error puts the
// job back on its queue; anything else acks it.
type HandlerFunc func(ctx context.Context, job *queue.Job) error

type pool struct {
	queueName   string
	concurrency int
	handler     HandlerFunc
}

// Runtime runs a fixed number of loops per queue.
type Runtime struct {
	q           JobQueue
	log         *logger.Logger
	metrics     *metrics.Metrics
	pools       []pool
	pollTimeout time.Duration

	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopPull   context.CancelFunc
	cancelJobs context.CancelFunc
	jobCtx     context.Context
}

func NewRuntime(q JobQueue, log *logger.Logger, m *metrics.Metrics) *Runtime {
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &Runtime{
		q:           q,
		log:         log.WithComponent("runtime"),
		metrics:     m,
		pollTimeout: 5 * time.Second,
	}
}

// Register adds concurrency loops for queueName. Call before Start.
func (r *Runtime) Register(queueName string, concurrency int, h HandlerFunc) {
	if concurrency < 1 {
		concurrency = 1
	}
	r.pools = append(r.pools, pool{queueName: queueName, concurrency: concurrency, handler: h})
}

// Start launches the loops. Jobs run on a context detached from ctx so a
// shutdown signal stops dequeuing without killing in-flight work; Stop
// decides when they are canceled.
func (r *Runtime) Start(ctx context.Context) {
	pullCtx, stopPull := context.WithCancel(ctx)
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	r.stopPull, r.cancelJobs, r.jobCtx = stopPull, cancelJobs, jobCtx

	for _, p := range r.pools {
		r.log.Info("Starting workers",
			zap.String("queue", p.queueName),
			zap.Int("concurrency", p.concurrency),
		)
		for i := 0; i < p.concurrency; i++ {
			r.wg.Add(1)
			go func(p pool) {
				defer r.wg.Done()
				r.processQueue(pullCtx, p)
			}(p)
		}
	}
}

// Stop stops dequeuing and waits for in-flight jobs. When ctx expires first
// the remaining jobs are canceled, requeued and waited for.
func (r *Runtime) Stop(ctx context.Context) error {
	if r.stopPull == nil {
		return nil
	}
	r.stopOnce.Do(r.stopPull)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancelJobs()
		r.log.Info("All workers stopped")
		return nil
	case <-ctx.Done():
		r.log.Warn("Shutdown timeout reached, interrupting in-flight jobs")
		r.cancelJobs()
		<-done
		return errs.New(errs.CodeInterrupted, "worker.Stop", "in-flight jobs interrupted and requeued")
	}
}

func (r *Runtime) processQueue(ctx context.Context, p pool) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d, err := r.q.Dequeue(ctx, p.queueName, r.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Error("Error dequeuing", zap.String("queue", p.queueName), zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}
		if d == nil {
			continue // No job available, retry
		}

		r.handle(ctx, p, d)
	}
}

func (r *Runtime) handle(pullCtx context.Context, p pool, d *queue.Delivery) {
	if d.Err != nil {
		r.log.Error("Dropping undecodable queue entry", zap.String("queue", p.queueName), zap.Error(d.Err))
		r.ack(d)
		return
	}

	// Claimed while shutting down: give it back untouched.
	if pullCtx.Err() != nil {
		r.requeue(d)
		return
	}

	log := r.log.WithJobID(d.Job.ID)
	ctx := logger.ContextWithJobID(r.jobCtx, d.Job.ID)

	start := time.Now()
	log.Info("Processing job", zap.String("type", string(d.Job.Type)), zap.String("tenant_id", d.Job.TenantID))

	err := p.handler(ctx, d.Job)
	switch {
	case err == nil:
		log.Info("Job completed", zap.Duration("elapsed", time.Since(start)))
		r.ack(d)
	case errs.IsCode(err, errs.CodeInterrupted) || errors.Is(err, context.Canceled):
		log.Warn("Job interrupted, requeueing", zap.Error(err))
		r.metrics.JobRequeued()
		r.requeue(d)
	case errs.IsCode(err, errs.CodeRetryable):
		log.Warn("Job hit a transient failure, requeueing", zap.Error(err))
		r.metrics.JobRequeued()
		r.requeue(d)
	default:
		log.Error("Job failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		r.ack(d)
	}
}

// ack and requeue use a fresh context because they run after the job
// context may already be canceled.
func (r *Runtime) ack(d *queue.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.q.Ack(ctx, d); err != nil {
		r.log.Error("Failed to ack job", zap.Error(err))
	}
}

func (r *Runtime) requeue(d *queue.Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.q.Requeue(ctx, d); err != nil {
		r.log.Error("Failed to requeue job", zap.Error(err))
	}
}

// sleep waits for d or until ctx is done, reporting whether it slept fully.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
