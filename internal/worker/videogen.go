package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bobarin/adreel/internal/credits"
	"github.com/bobarin/adreel/internal/errs"
	"github.com/bobarin/adreel/internal/logger"
	"github.com/bobarin/adreel/internal/metrics"
	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/notify"
	"github.com/bobarin/adreel/internal/queue"
	"github.com/bobarin/adreel/internal/services"
	"github.com/bobarin/adreel/internal/storage"
)

// GenConfig holds the generation policy.
type GenConfig struct {
	// UnitCost is the credit price of one generation.
	UnitCost     float64
	MaxRetries   int
	RetryDelay   time.Duration
	PollInterval time.Duration
	PollTimeout  time.Duration
	// UploadSlots bounds concurrent Store calls across jobs.
	UploadSlots int
}

// GenDeps wires a GenWorker.
type GenDeps struct {
	Providers  ProviderResolver
	Fetcher    Fetcher
	Compositor Compositor
	Storage    storage.Provider
	Assets     AssetStore
	Results    ResultStore
	Credits    Refunder
	Notifier   Notifier
	Metrics    *metrics.Metrics
}

// GenWorker runs all attempts of a VideoGenJob concurrently.
type GenWorker struct {
	GenDeps
	cfg         GenConfig
	log         *logger.Logger
	uploadSem   chan struct{}
	refundDelay time.Duration
}

func NewGenWorker(deps GenDeps, cfg GenConfig, log *logger.Logger) *GenWorker {
	if cfg.UnitCost <= 0 {
		cfg.UnitCost = 10
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Minute
	}
	if cfg.UploadSlots <= 0 {
		cfg.UploadSlots = 4
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}
	return &GenWorker{
		GenDeps:     deps,
		cfg:         cfg,
		log:         log.WithComponent("videogen"),
		uploadSem:   make(chan struct{}, cfg.UploadSlots),
		refundDelay: refundRetryDelay,
	}
}

type attemptOutcome struct {
	ref     *models.AssetRef
	retries int
	err     error
}

// Handle is the runtime handler for queue:video-gen.
func (w *GenWorker) Handle(ctx context.Context, qj *queue.Job) error {
	log := w.log.FromContext(ctx)

	done, err := w.Results.HasResult(ctx, qj.ID)
	if err != nil {
		return errs.Wrap(err, "worker.VideoGen", "failed to check existing result")
	}
	if done {
		log.Info("Result already stored, skipping redelivered job")
		return nil
	}

	var job models.VideoGenJob
	decodeErr := qj.Decode(&job)
	job.ID = qj.ID
	if job.TenantID == "" {
		job.TenantID = qj.TenantID
	}
	if job.ActorID == "" {
		job.ActorID = qj.ActorID
	}
	if decodeErr == nil {
		decodeErr = models.Validate(job)
	}
	if decodeErr != nil {
		log.Error("Invalid video-gen payload", zap.Error(decodeErr))
		if job.Count < 1 {
			job.Count = 1
		}
		return w.finish(ctx, &job, make([]attemptOutcome, job.Count))
	}

	if err := w.Results.SetProgress(ctx, job.ID, models.JobStatusRunning, 0); err != nil {
		log.Warn("Failed to set progress", zap.Error(err))
	}

	outcomes := make([]attemptOutcome, job.Count)
	var finished int
	var mu sync.Mutex

	// Attempts never return an error to the group: one failure must not
	// cancel its siblings.
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < job.Count; i++ {
		g.Go(func() error {
			ref, retries, err := w.attempt(gctx, &job, i)
			outcomes[i] = attemptOutcome{ref: ref, retries: retries, err: err}

			mu.Lock()
			finished++
			progress := int(math.Round(float64(finished) / float64(job.Count) * 100))
			mu.Unlock()
			if perr := w.Results.SetProgress(gctx, job.ID, models.JobStatusRunning, progress); perr != nil {
				log.Warn("Failed to set progress", zap.Error(perr))
			}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		return errs.WrapWithCode(ctx.Err(), errs.CodeInterrupted, "worker.VideoGen", "generation interrupted")
	}
	for i, o := range outcomes {
		if o.err != nil {
			log.Warn("Generation attempt failed",
				zap.Int("attempt", i),
				zap.Int("retries", o.retries),
				zap.String("code", string(errs.GetCode(o.err))),
				zap.Error(o.err),
			)
		}
	}
	return w.finish(ctx, &job, outcomes)
}

func (w *GenWorker) finish(ctx context.Context, job *models.VideoGenJob, outcomes []attemptOutcome) error {
	log := w.log.FromContext(ctx)

	results := []models.AssetRef{}
	for _, o := range outcomes {
		if o.ref != nil {
			results = append(results, *o.ref)
		}
	}
	total := len(outcomes)
	failed := total - len(results)

	debit := job.TokenCost
	if debit == 0 {
		debit = credits.UnitRefund(w.cfg.UnitCost, total)
	}
	amount := credits.UnitRefund(w.cfg.UnitCost, failed)
	if len(results) == 0 {
		amount = debit
	}

	refunded := 0
	if amount > 0 {
		applied, err := refundWithRetry(ctx, w.Credits, credits.RefundRequest{
			TenantID: job.TenantID,
			ActorID:  job.ActorID,
			JobID:    job.ID,
			Amount:   amount,
			Debit:    debit,
			Reason:   fmt.Sprintf("%d of %d generations failed", failed, total),
		}, w.refundDelay, log)
		if err != nil {
			return err
		}
		refunded = min(applied, debit)
		w.Metrics.CreditsRefunded(refunded)
	}

	result := &models.JobResult{
		Results:    results,
		Failed:     failed,
		TokensUsed: max(0, debit-refunded),
	}
	if failed > 0 && len(results) > 0 {
		result.Warning = fmt.Sprintf("%d of %d generations failed", failed, total)
	}

	status := models.JobStatusSucceeded
	if len(results) == 0 {
		status = models.JobStatusFailed
	}
	if err := w.Results.SaveResult(ctx, job.ID, result); err != nil {
		return errs.Wrap(err, "worker.VideoGen", "failed to save result")
	}
	if err := w.Results.SetProgress(ctx, job.ID, status, 100); err != nil {
		log.Warn("Failed to set progress", zap.Error(err))
	}

	w.Metrics.Items(len(results), failed)
	w.Metrics.JobDone(models.JobTypeVideoGen, len(results) == 0)

	ev := notify.Event{
		Kind:      notify.GenerationReady,
		TenantID:  job.TenantID,
		ActorID:   job.ActorID,
		JobID:     job.ID,
		Succeeded: len(results),
		Failed:    failed,
	}
	for _, r := range results {
		ev.URLs = append(ev.URLs, r.URL)
	}
	if len(results) == 0 {
		ev.Kind = notify.GenerationFailed
	}
	if err := w.Notifier.Send(ctx, ev); err != nil {
		log.Warn("Failed to send notification", zap.Error(err))
	}

	log.Info("Generation job finished",
		zap.Int("succeeded", len(results)),
		zap.Int("failed", failed),
		zap.Int("refunded", refunded),
	)
	if len(results) == 0 {
		return errs.Newf(errs.CodePermanent, "worker.VideoGen", "all %d generations failed", total)
	}
	return nil
}

// attempt runs submit, poll, download, strip-audio, probe, thumbnail and
// store for one generation.
func (w *GenWorker) attempt(ctx context.Context, job *models.VideoGenJob, idx int) (*models.AssetRef, int, error) {
	const op = "worker.attempt"
	log := w.log.FromContext(ctx).With(zap.Int("attempt", idx))

	provider, err := w.Providers.For(job.Model)
	if err != nil {
		return nil, 0, err
	}

	taskID, retries, err := w.submit(ctx, provider, job)
	if err != nil {
		return nil, retries, err
	}
	log.Info("Generation submitted", zap.String("provider", provider.Name()), zap.String("task_id", taskID))

	urls, err := w.poll(ctx, provider, taskID)
	if err != nil {
		return nil, retries, err
	}

	name := fmt.Sprintf("%s-gen%d", job.ID, idx)
	raw, err := w.Compositor.TempPath(name + "-raw.mp4")
	if err != nil {
		return nil, retries, err
	}
	temps := []string{raw}
	defer func() { w.Compositor.Cleanup(temps...) }()

	if d, ok := provider.(services.Downloader); ok {
		err = d.Download(ctx, taskID, urls[0], raw)
	} else {
		err = w.Fetcher.Fetch(ctx, urls[0], raw)
	}
	if err != nil {
		return nil, retries, errs.Wrap(err, op, "failed to download result")
	}

	final := raw
	if !job.KeepAudio {
		if final, err = w.Compositor.TempPath(name + ".mp4"); err != nil {
			return nil, retries, err
		}
		temps = append(temps, final)
		if err := w.Compositor.StripAudio(ctx, raw, final); err != nil {
			return nil, retries, err
		}
	}

	meta, err := w.Compositor.Probe(ctx, final)
	if err != nil {
		return nil, retries, err
	}

	var thumbURL *string
	thumb, err := w.Compositor.TempPath(name + ".jpg")
	if err != nil {
		return nil, retries, err
	}
	temps = append(temps, thumb)
	if err := w.Compositor.Thumbnail(ctx, final, thumb, math.Min(1, meta.Duration/2)); err != nil {
		log.Warn("Thumbnail failed", zap.Error(err))
	} else if u, err := w.store(ctx, thumb, storage.ObjectKey(job.TenantID, "generations", job.ID, name+".jpg")); err != nil {
		log.Warn("Thumbnail upload failed", zap.Error(err))
	} else {
		thumbURL = &u
	}

	key := storage.ObjectKey(job.TenantID, "generations", job.ID, name+".mp4")
	url, err := w.store(ctx, final, key)
	if err != nil {
		return nil, retries, errs.Wrap(err, op, "failed to store video")
	}

	asset := &models.VideoAsset{
		ID:            uuid.New(),
		TenantID:      job.TenantID,
		Filename:      name + ".mp4",
		StoragePath:   key,
		URL:           url,
		Duration:      meta.Duration,
		Width:         meta.Width,
		Height:        meta.Height,
		ThumbnailPath: thumbURL,
	}
	if err := w.Assets.CreateVideoAsset(ctx, asset); err != nil {
		return nil, retries, errs.Wrap(err, op, "failed to record video asset")
	}

	return &models.AssetRef{
		URL:     url,
		Label:   fmt.Sprintf("Generation %d", idx+1),
		AssetID: asset.ID.String(),
		Retries: retries,
	}, retries, nil
}

// submit retries retryable errors with a linear backoff of
// attempt × RetryDelay.
func (w *GenWorker) submit(ctx context.Context, p services.VideoProvider, job *models.VideoGenJob) (string, int, error) {
	req := services.GenerationRequest{
		Prompt:      job.Prompt,
		Model:       job.Model,
		AspectRatio: job.AspectRatio,
		WithAudio:   job.KeepAudio,
	}
	if req.AspectRatio == "" {
		req.AspectRatio = "9:16"
	}

	retries := 0
	for {
		taskID, err := p.Submit(ctx, req)
		if err == nil {
			return taskID, retries, nil
		}
		if ctx.Err() != nil {
			return "", retries, errs.WrapWithCode(err, errs.CodeInterrupted, "worker.submit", "canceled")
		}
		if !errs.IsCode(err, errs.CodeRetryable) {
			return "", retries, err
		}
		if retries >= w.cfg.MaxRetries {
			return "", retries, errs.WrapWithCode(err, errs.CodePermanent, "worker.submit",
				fmt.Sprintf("giving up after %d retries", retries))
		}
		retries++
		w.Metrics.ProviderRetry()
		w.log.FromContext(ctx).Warn("Submit failed, retrying",
			zap.Int("retry", retries),
			zap.Error(err),
		)
		if !sleep(ctx, time.Duration(retries)*w.cfg.RetryDelay) {
			return "", retries, errs.WrapWithCode(ctx.Err(), errs.CodeInterrupted, "worker.submit", "canceled")
		}
	}
}

// poll waits for the task to finish within PollTimeout. Retryable poll
// errors are tolerated until the deadline.
func (w *GenWorker) poll(ctx context.Context, p services.VideoProvider, taskID string) ([]string, error) {
	const op = "worker.poll"

	pollCtx, cancel := context.WithTimeout(ctx, w.cfg.PollTimeout)
	defer cancel()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return nil, errs.WrapWithCode(ctx.Err(), errs.CodeInterrupted, op, "canceled")
			}
			return nil, errs.Newf(errs.CodeTimeout, op, "task %s not finished after %s", taskID, w.cfg.PollTimeout)
		case <-ticker.C:
		}

		status, err := p.Poll(pollCtx, taskID)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errs.IsCode(err, errs.CodeRetryable) {
				continue
			}
			if ctx.Err() != nil {
				return nil, errs.WrapWithCode(ctx.Err(), errs.CodeInterrupted, op, "canceled")
			}
			return nil, err
		}

		switch status.State {
		case services.TaskSucceeded:
			if len(status.ResultURLs) == 0 {
				return nil, errs.Newf(errs.CodePermanent, op, "task %s succeeded without results", taskID)
			}
			return status.ResultURLs, nil
		case services.TaskFailed:
			return nil, errs.Newf(errs.CodePermanent, op, "task %s failed: %s", taskID, status.Message)
		}
	}
}

// store uploads under a shared slot limit so parallel attempts do not
// congest the storage backend.
func (w *GenWorker) store(ctx context.Context, localPath, key string) (string, error) {
	select {
	case w.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return "", fmt.Errorf("upload cancelled while waiting for slot: %w", ctx.Err())
	}
	defer func() { <-w.uploadSem }()
	return w.Storage.Store(ctx, localPath, key)
}
