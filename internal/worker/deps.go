package worker

import (
	"context"

	"github.com/bobarin/adreel/internal/credits"
	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/notify"
	"github.com/bobarin/adreel/internal/overlay"
	"github.com/bobarin/adreel/internal/services"
)

// Compositor is the media toolchain. *services.FFmpegService implements it.
type Compositor interface {
	Composite(ctx context.Context, req services.CompositeRequest) error
	Probe(ctx context.Context, path string) (*services.ProbeResult, error)
	StripAudio(ctx context.Context, in, out string) error
	Thumbnail(ctx context.Context, in, out string, at float64) error
	TempPath(filename string) (string, error)
	TempDir() string
	Cleanup(paths ...string)
}

// OverlayRenderer is implemented by *overlay.Rasterizer.
type OverlayRenderer interface {
	Render(o models.TextOverlay, videoWidth, videoHeight int) (*overlay.Image, error)
	OverlayHeight(o models.TextOverlay, videoWidth int) float64
}

// ResultStore is the progress and result surface. *queue.Queue implements it.
type ResultStore interface {
	SetProgress(ctx context.Context, jobID string, status models.JobStatus, progress int) error
	SaveResult(ctx context.Context, jobID string, result *models.JobResult) error
	HasResult(ctx context.Context, jobID string) (bool, error)
}

// Refunder is implemented by *credits.Reconciler.
type Refunder interface {
	Refund(ctx context.Context, req credits.RefundRequest) (int, error)
}

// Notifier is implemented by *notify.Notifier.
type Notifier interface {
	Send(ctx context.Context, ev notify.Event) error
}

// Fetcher downloads a remote file. *storage.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url, dst string) error
}

// AssetStore records generated videos. *db.DB implements it.
type AssetStore interface {
	CreateVideoAsset(ctx context.Context, asset *models.VideoAsset) error
}

// ProviderResolver is implemented by *services.ProviderRouter.
type ProviderResolver interface {
	For(model string) (services.VideoProvider, error)
}
