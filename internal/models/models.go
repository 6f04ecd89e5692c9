package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums
type JobType string

const (
	JobTypeRender   JobType = "render"
	JobTypeVideoGen JobType = "video-gen"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

type Quality string

const (
	QualityDraft Quality = "draft"
	QualityFinal Quality = "final"
)

type Position string

const (
	PositionTop    Position = "top"
	PositionCenter Position = "center"
	PositionBottom Position = "bottom"
)

type FontWeight string

const (
	FontWeightNormal    FontWeight = "normal"
	FontWeightBold      FontWeight = "bold"
	FontWeightExtraBold FontWeight = "extrabold"
)

type TextAlign string

const (
	AlignLeft   TextAlign = "left"
	AlignCenter TextAlign = "center"
	AlignRight  TextAlign = "right"
)

type LedgerKind string

const (
	LedgerDebit  LedgerKind = "debit"
	LedgerRefund LedgerKind = "refund"
)

// Render jobs

// RenderJob is one queued batch of video x overlay x music combinations.
// TokenCost has already been debited for len(Items) when the job is enqueued.
type RenderJob struct {
	ID        string       `json:"id" validate:"omitempty,safeid"`
	TenantID  string       `json:"tenantId" validate:"required,safeid"`
	ActorID   string       `json:"actorId" validate:"required"`
	Items     []RenderItem `json:"items" validate:"required,min=1,dive"`
	Music     *MusicTrack  `json:"music,omitempty" validate:"omitempty"`
	Quality   Quality      `json:"quality" validate:"omitempty,oneof=draft final"`
	TokenCost int          `json:"tokenCost" validate:"gte=0"`
}

type RenderItem struct {
	ID       string        `json:"id,omitempty" validate:"omitempty,safeid"`
	Label    string        `json:"label,omitempty"`
	Video    VideoRef      `json:"video"`
	Overlays []TextOverlay `json:"overlays" validate:"dive"`
}

// VideoRef points at a source video on disk (relative to the uploads root)
// or at an http(s) URL.
type VideoRef struct {
	Path      string   `json:"path" validate:"required"`
	TrimStart *float64 `json:"trimStart,omitempty" validate:"omitempty,gte=0"`
	TrimEnd   *float64 `json:"trimEnd,omitempty" validate:"omitempty,gte=0"`
	Width     int      `json:"width,omitempty"`
	Height    int      `json:"height,omitempty"`
	Duration  float64  `json:"duration,omitempty"`
}

// ValidateTrim reports a trim window whose end does not follow its start.
func (v VideoRef) ValidateTrim() error {
	if v.TrimStart != nil && v.TrimEnd != nil && *v.TrimEnd <= *v.TrimStart {
		return fmt.Errorf("trimEnd %.3f must be greater than trimStart %.3f", *v.TrimEnd, *v.TrimStart)
	}
	return nil
}

// EffectiveDuration is trimEnd-trimStart, else the natural duration minus
// any leading trim.
func (v VideoRef) EffectiveDuration() float64 {
	start := 0.0
	if v.TrimStart != nil {
		start = *v.TrimStart
	}
	if v.TrimEnd != nil {
		return *v.TrimEnd - start
	}
	if d := v.Duration - start; d > 0 {
		return d
	}
	return 0
}

type TextOverlay struct {
	Text      string   `json:"text"`
	Emoji     string   `json:"emoji,omitempty"`
	StartTime float64  `json:"startTime" validate:"gte=0"`
	EndTime   float64  `json:"endTime" validate:"gtefield=StartTime"`
	Position  Position `json:"position" validate:"omitempty,oneof=top center bottom"`
	// YOffset shifts the box vertically, in percent of the frame height.
	YOffset float64      `json:"yOffset"`
	Style   OverlayStyle `json:"style"`
}

// OverlayStyle mirrors the preview editor's style controls. Sizes are in
// editor units; the rasterizer converts them to output pixels.
type OverlayStyle struct {
	FontSize          float64    `json:"fontSize" validate:"gte=0"`
	FontWeight        FontWeight `json:"fontWeight" validate:"omitempty,oneof=normal bold extrabold"`
	TextColor         string     `json:"textColor"`
	BackgroundColor   string     `json:"backgroundColor"`
	BackgroundOpacity float64    `json:"backgroundOpacity" validate:"gte=0,lte=1"`
	BorderRadius      float64    `json:"borderRadius" validate:"gte=0"`
	PaddingX          float64    `json:"paddingX" validate:"gte=0"`
	PaddingY          float64    `json:"paddingY" validate:"gte=0"`
	// MaxWidth is in percent of the frame width.
	MaxWidth  float64   `json:"maxWidth" validate:"gte=0,lte=100"`
	TextAlign TextAlign `json:"textAlign" validate:"omitempty,oneof=left center right"`
}

// MusicTrack is a background track. Volume is a gain factor: absent means 1
// and 0 mutes the track.
type MusicTrack struct {
	Path    string   `json:"path" validate:"required"`
	Volume  *float64 `json:"volume,omitempty" validate:"omitempty,gte=0,lte=2"`
	FadeIn  float64  `json:"fadeIn" validate:"gte=0"`
	FadeOut float64  `json:"fadeOut" validate:"gte=0"`
}

// Generation jobs

// VideoGenJob asks an external provider for Count independent generations.
type VideoGenJob struct {
	ID          string `json:"id" validate:"omitempty,safeid"`
	TenantID    string `json:"tenantId" validate:"required,safeid"`
	ActorID     string `json:"actorId" validate:"required"`
	Prompt      string `json:"prompt" validate:"required"`
	Count       int    `json:"count" validate:"min=1,max=8"`
	AspectRatio string `json:"aspectRatio" validate:"omitempty,oneof=9:16 16:9 1:1"`
	Model       string `json:"model"`
	KeepAudio   bool   `json:"keepAudio"`
	TokenCost   int    `json:"tokenCost" validate:"gte=0"`
}

// Assets and results

// VideoAsset is the durable record of a generated or uploaded video. Its
// StoragePath can be submitted back as a RenderItem video path.
type VideoAsset struct {
	ID            uuid.UUID `json:"id"`
	TenantID      string    `json:"tenantId"`
	Filename      string    `json:"filename"`
	StoragePath   string    `json:"storagePath"`
	URL           string    `json:"url"`
	Duration      float64   `json:"duration"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	ThumbnailPath *string   `json:"thumbnailPath,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type AssetRef struct {
	URL     string `json:"url"`
	Label   string `json:"label,omitempty"`
	AssetID string `json:"assetId,omitempty"`
	// Retries counts provider submissions retried for a generated asset.
	Retries int `json:"retries,omitempty"`
}

// JobResult is the terminal outcome handed back to the submitter.
type JobResult struct {
	Results    []AssetRef `json:"results"`
	Failed     int        `json:"failed"`
	TokensUsed int        `json:"tokensUsed"`
	Warning    string     `json:"warning,omitempty"`
}

// JobProgress is what the submitter polls while the job runs.
type JobProgress struct {
	JobID    string     `json:"jobId"`
	Type     JobType    `json:"type,omitempty"`
	Status   JobStatus  `json:"status"`
	Progress int        `json:"progress"`
	Result   *JobResult `json:"result,omitempty"`
}

// LedgerEntry is one append-only credit movement.
type LedgerEntry struct {
	ID        int64      `json:"id"`
	TenantID  string     `json:"tenantId"`
	ActorID   string     `json:"actorId"`
	JobID     string     `json:"jobId"`
	Kind      LedgerKind `json:"kind"`
	Amount    int        `json:"amount"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"createdAt"`
}
