package worker

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bobarin/adreel/internal/credits"
	"github.com/bobarin/adreel/internal/errs"
	"github.com/bobarin/adreel/internal/logger"
	"github.com/bobarin/adreel/internal/metrics"
	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/notify"
	"github.com/bobarin/adreel/internal/overlay"
	"github.com/bobarin/adreel/internal/pathguard"
	"github.com/bobarin/adreel/internal/queue"
	"github.com/bobarin/adreel/internal/services"
	"github.com/bobarin/adreel/internal/storage"
)

// RenderDeps wires a RenderWorker.
type RenderDeps struct {
	Uploads    *pathguard.Guard
	Rasterizer OverlayRenderer
	Compositor Compositor
	Storage    storage.Provider
	Fetcher    Fetcher
	Results    ResultStore
	Credits    Refunder
	Notifier   Notifier
	Metrics    *metrics.Metrics
	// Retention is the age past which stray work files are purged.
	Retention time.Duration
}

// RenderWorker turns a RenderJob into composited output videos. Items run
// one after another; the runtime bounds how many jobs run at once.
type RenderWorker struct {
	RenderDeps
	log         *logger.Logger
	now         func() time.Time
	refundDelay time.Duration
}

func NewRenderWorker(deps RenderDeps, log *logger.Logger) *RenderWorker {
	if deps.Retention <= 0 {
		deps.Retention = 30 * time.Minute
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}
	return &RenderWorker{RenderDeps: deps, log: log.WithComponent("render"), now: time.Now, refundDelay: refundRetryDelay}
}

// Handle is the runtime handler for queue:render.
func (w *RenderWorker) Handle(ctx context.Context, qj *queue.Job) error {
	log := w.log.FromContext(ctx)

	done, err := w.Results.HasResult(ctx, qj.ID)
	if err != nil {
		return errs.Wrap(err, "worker.Render", "failed to check existing result")
	}
	if done {
		log.Info("Result already stored, skipping redelivered job")
		return nil
	}

	if n, err := services.PurgeStale(w.Compositor.TempDir(), w.Retention, w.now()); err != nil {
		log.Warn("Failed to purge stale work files", zap.Error(err))
	} else if n > 0 {
		log.Info("Purged stale work files", zap.Int("count", n))
	}

	var job models.RenderJob
	if err := qj.Decode(&job); err != nil {
		return w.rejectJob(ctx, qj, &job, err)
	}
	if job.ID == "" {
		job.ID = qj.ID
	}
	if job.TenantID == "" {
		job.TenantID = qj.TenantID
	}
	if job.ActorID == "" {
		job.ActorID = qj.ActorID
	}
	if job.Quality == "" {
		job.Quality = models.QualityFinal
	}
	if err := models.Validate(job); err != nil {
		return w.rejectJob(ctx, qj, &job, err)
	}

	if err := w.Results.SetProgress(ctx, job.ID, models.JobStatusRunning, 0); err != nil {
		log.Warn("Failed to set progress", zap.Error(err))
	}

	music, musicErr := w.resolveMusic(job.Music)
	if musicErr != nil {
		log.Warn("Music track rejected", zap.Error(musicErr))
	}

	total := len(job.Items)
	var results []models.AssetRef
	for i, item := range job.Items {
		var ref *models.AssetRef
		err := musicErr
		if err == nil {
			ref, err = w.renderItem(ctx, &job, i, item, music)
		}
		if err != nil {
			if errs.IsCode(err, errs.CodeInterrupted) || ctx.Err() != nil {
				return errs.WrapWithCode(err, errs.CodeInterrupted, "worker.Render", "render interrupted")
			}
			log.Warn("Item failed",
				zap.Int("item", i),
				zap.String("code", string(errs.GetCode(err))),
				zap.Error(err),
				zap.String("stderr_tail", errs.GetDetail(err)),
			)
		} else {
			results = append(results, *ref)
		}

		progress := int(math.Round(float64(i+1) / float64(total) * 100))
		if err := w.Results.SetProgress(ctx, job.ID, models.JobStatusRunning, progress); err != nil {
			log.Warn("Failed to set progress", zap.Error(err))
		}
	}

	return w.finish(ctx, &job, total, results)
}

// rejectJob handles a payload that cannot be processed at all: every item
// counts as failed and the full cost is credited back.
func (w *RenderWorker) rejectJob(ctx context.Context, qj *queue.Job, job *models.RenderJob, cause error) error {
	w.log.FromContext(ctx).Error("Invalid render payload", zap.Error(cause))
	job.ID = qj.ID
	if job.TenantID == "" {
		job.TenantID = qj.TenantID
	}
	if job.ActorID == "" {
		job.ActorID = qj.ActorID
	}
	total := len(job.Items)
	if total == 0 {
		total = 1
	}
	return w.finish(ctx, job, total, nil)
}

func (w *RenderWorker) finish(ctx context.Context, job *models.RenderJob, total int, results []models.AssetRef) error {
	log := w.log.FromContext(ctx)
	failed := total - len(results)

	refunded := 0
	if amount := credits.ProportionalRefund(job.TokenCost, total, failed); amount > 0 {
		applied, err := refundWithRetry(ctx, w.Credits, credits.RefundRequest{
			TenantID: job.TenantID,
			ActorID:  job.ActorID,
			JobID:    job.ID,
			Amount:   amount,
			Debit:    job.TokenCost,
			Reason:   fmt.Sprintf("%d of %d renders failed", failed, total),
		}, w.refundDelay, log)
		if err != nil {
			return err
		}
		refunded = applied
		w.Metrics.CreditsRefunded(applied)
	}

	result := &models.JobResult{
		Results:    results,
		Failed:     failed,
		TokensUsed: job.TokenCost - refunded,
	}
	if result.Results == nil {
		result.Results = []models.AssetRef{}
	}
	if failed > 0 && len(results) > 0 {
		result.Warning = fmt.Sprintf("%d of %d videos failed to render", failed, total)
	}

	status := models.JobStatusSucceeded
	if len(results) == 0 {
		status = models.JobStatusFailed
	}
	if err := w.Results.SaveResult(ctx, job.ID, result); err != nil {
		return errs.Wrap(err, "worker.Render", "failed to save result")
	}
	if err := w.Results.SetProgress(ctx, job.ID, status, 100); err != nil {
		log.Warn("Failed to set progress", zap.Error(err))
	}

	w.Metrics.Items(len(results), failed)
	w.Metrics.JobDone(models.JobTypeRender, len(results) == 0)

	ev := notify.Event{
		Kind:      notify.RenderReady,
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
		ev.Kind = notify.RenderFailed
	}
	if err := w.Notifier.Send(ctx, ev); err != nil {
		log.Warn("Failed to send notification", zap.Error(err))
	}

	log.Info("Render job finished",
		zap.Int("succeeded", len(results)),
		zap.Int("failed", failed),
		zap.Int("refunded", refunded),
	)
	if len(results) == 0 {
		return errs.Newf(errs.CodePermanent, "worker.Render", "all %d renders failed", total)
	}
	return nil
}

func (w *RenderWorker) resolveMusic(m *models.MusicTrack) (*services.MusicInput, error) {
	if m == nil {
		return nil, nil
	}
	path, err := w.Uploads.RequireFile(m.Path)
	if err != nil {
		return nil, err
	}
	volume := 1.0
	if m.Volume != nil {
		volume = *m.Volume
	}
	return &services.MusicInput{Path: path, Volume: volume, FadeIn: m.FadeIn, FadeOut: m.FadeOut}, nil
}

// renderItem runs the per-item pipeline:
// resolve-paths, rasterize-overlays, composite, store-output.
func (w *RenderWorker) renderItem(ctx context.Context, job *models.RenderJob, idx int, item models.RenderItem, music *services.MusicInput) (*models.AssetRef, error) {
	const op = "worker.renderItem"

	itemID := item.ID
	if itemID == "" {
		itemID = uuid.NewString()
	}
	if !models.IsSafeID(job.ID) || !models.IsSafeID(itemID) {
		return nil, errs.Newf(errs.CodeUnsafePath, op, "unsafe item id %q", itemID)
	}
	prefix := fmt.Sprintf("%s-%s", job.ID, itemID)

	if err := item.Video.ValidateTrim(); err != nil {
		return nil, errs.WrapWithCode(err, errs.CodeValidation, op, "invalid trim")
	}

	var temps []string
	defer func() { w.Compositor.Cleanup(temps...) }()

	input, err := w.resolveInput(ctx, item.Video.Path, prefix)
	if err != nil {
		return nil, err
	}
	if storage.IsRemote(item.Video.Path) {
		temps = append(temps, input)
	}

	probe, err := w.Compositor.Probe(ctx, input)
	if err != nil {
		return nil, err
	}
	ref := item.Video
	if ref.Duration == 0 {
		ref.Duration = probe.Duration
	}

	overlays, files, err := w.rasterize(item.Overlays, prefix)
	temps = append(temps, files...)
	if err != nil {
		return nil, err
	}

	output, err := w.Compositor.TempPath(prefix + ".mp4")
	if err != nil {
		return nil, err
	}
	err = w.Compositor.Composite(ctx, services.CompositeRequest{
		InputPath:  input,
		OutputPath: output,
		TrimStart:  ref.TrimStart,
		TrimEnd:    ref.TrimEnd,
		Duration:   ref.EffectiveDuration(),
		HasAudio:   probe.HasAudio,
		Overlays:   overlays,
		Music:      music,
		Quality:    job.Quality,
	})
	if err != nil {
		temps = append(temps, output)
		return nil, err
	}

	key := storage.ObjectKey(job.TenantID, "renders", job.ID, itemID+".mp4")
	url, err := w.Storage.Store(ctx, output, key)
	if err != nil {
		temps = append(temps, output)
		return nil, errs.Wrap(err, op, "failed to store output")
	}

	label := item.Label
	if label == "" {
		label = fmt.Sprintf("Video %d", idx+1)
	}
	return &models.AssetRef{URL: url, Label: label}, nil
}

// resolveInput returns a local path for a source video, downloading remote
// sources into the work directory.
func (w *RenderWorker) resolveInput(ctx context.Context, p, prefix string) (string, error) {
	if !storage.IsRemote(p) {
		return w.Uploads.RequireFile(p)
	}
	if w.Fetcher == nil {
		return "", errs.New(errs.CodeValidation, "worker.resolveInput", "remote sources are not enabled")
	}
	dst, err := w.Compositor.TempPath(prefix + "-src" + filepath.Ext(p))
	if err != nil {
		return "", err
	}
	if err := w.Fetcher.Fetch(ctx, p, dst); err != nil {
		if ctx.Err() != nil {
			return "", errs.WrapWithCode(err, errs.CodeInterrupted, "worker.resolveInput", "download canceled")
		}
		return "", errs.WrapWithCode(err, errs.CodeNotFound, "worker.resolveInput", "failed to download source")
	}
	return dst, nil
}

// rasterize renders every overlay to a PNG and places it on the output
// frame. Same-position overlays whose windows overlap are stacked: top and
// center captions grow downward, bottom captions grow upward.
func (w *RenderWorker) rasterize(overlays []models.TextOverlay, prefix string) ([]services.OverlayImage, []string, error) {
	var (
		placed []services.OverlayImage
		files  []string
	)
	for i, o := range overlays {
		img, err := w.Rasterizer.Render(o, services.OutputWidth, services.OutputHeight)
		if err != nil {
			return nil, files, err
		}

		path, err := w.Compositor.TempPath(fmt.Sprintf("%s-ov%d.png", prefix, i))
		if err != nil {
			return nil, files, err
		}
		if err := os.WriteFile(path, img.PNG, 0o644); err != nil {
			return nil, files, errs.Wrap(err, "worker.rasterize", "failed to write overlay")
		}
		files = append(files, path)

		stack := 0.0
		for _, prev := range overlays[:i] {
			if prev.Position == o.Position && windowsOverlap(prev, o) {
				stack += w.Rasterizer.OverlayHeight(prev, services.OutputWidth)
			}
		}
		y := overlay.PlaceY(o.Position, o.YOffset, float64(img.Height), services.OutputHeight)
		if o.Position == models.PositionBottom {
			y -= stack
		} else {
			y += stack
		}
		y = math.Max(0, math.Min(y, float64(services.OutputHeight-img.Height)))

		placed = append(placed, services.OverlayImage{
			Path:  path,
			X:     (services.OutputWidth - img.Width) / 2,
			Y:     int(math.Round(y)),
			Start: o.StartTime,
			End:   o.EndTime,
		})
	}
	return placed, files, nil
}

func windowsOverlap(a, b models.TextOverlay) bool {
	return a.StartTime < b.EndTime && b.StartTime < a.EndTime
}
