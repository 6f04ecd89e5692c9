package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bobarin/adreel/internal/errs"
	"github.com/bobarin/adreel/internal/logger"
	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/pathguard"
)

// Output frame: 9:16 portrait.
const (
	OutputWidth  = 1080
	OutputHeight = 1920
)

// stderrTailBytes is how much compositor stderr is kept on failure.
const stderrTailBytes = 2048

// EncodePreset is one quality tier's encoder knobs.
type EncodePreset struct {
	Preset       string
	CRF          int
	AudioBitrate string
}

// Presets maps quality to encoder settings. Draft favors speed, final
// favors fidelity.
var Presets = map[models.Quality]EncodePreset{
	models.QualityDraft: {Preset: "veryfast", CRF: 30, AudioBitrate: "128k"},
	models.QualityFinal: {Preset: "slow", CRF: 18, AudioBitrate: "192k"},
}

// CommandRunner runs an external program and returns its stdout and stderr.
type CommandRunner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// FFmpegConfig configures FFmpegService.
type FFmpegConfig struct {
	TempDir     string
	Timeout     time.Duration
	FFmpegPath  string
	FFprobePath string
	// Runner replaces process execution, for tests.
	Runner CommandRunner
}

// FFmpegService drives ffmpeg and ffprobe. Every invocation is bounded by
// the configured timeout.
type FFmpegService struct {
	tempDir string
	timeout time.Duration
	ffmpeg  string
	ffprobe string
	run     CommandRunner
	log     *logger.Logger
}

func NewFFmpegService(cfg FFmpegConfig, log *logger.Logger) (*FFmpegService, error) {
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	tempDir, err := filepath.Abs(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("invalid temp dir: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.Runner == nil {
		cfg.Runner = execRunner
	}
	if log == nil {
		log = logger.Nop()
	}
	return &FFmpegService{
		tempDir: tempDir,
		timeout: cfg.Timeout,
		ffmpeg:  cfg.FFmpegPath,
		ffprobe: cfg.FFprobePath,
		run:     cfg.Runner,
		log:     log.WithComponent("ffmpeg"),
	}, nil
}

// OverlayImage is a rasterized caption placed on the output frame during
// [Start, End] seconds of output time.
type OverlayImage struct {
	Path  string
	X     int
	Y     int
	Start float64
	End   float64
}

// MusicInput is a background track mixed under the source audio.
type MusicInput struct {
	Path    string
	Volume  float64
	FadeIn  float64
	FadeOut float64
}

// CompositeRequest describes one output video.
type CompositeRequest struct {
	InputPath  string
	OutputPath string
	TrimStart  *float64
	TrimEnd    *float64
	// Duration is the output length in seconds. Zero leaves it to the input.
	Duration float64
	HasAudio bool
	Overlays []OverlayImage
	Music    *MusicInput
	Quality  models.Quality
}

// Composite burns overlays and music into the input and encodes the output.
func (s *FFmpegService) Composite(ctx context.Context, req CompositeRequest) error {
	args, err := BuildCompositeArgs(req)
	if err != nil {
		return err
	}
	s.log.FromContext(ctx).Debug("compositing",
		zap.String("input", req.InputPath),
		zap.String("output", req.OutputPath),
		zap.Int("overlays", len(req.Overlays)),
		zap.String("quality", string(req.Quality)),
	)
	_, err = s.exec(ctx, "ffmpeg.Composite", s.ffmpeg, args)
	return err
}

// BuildCompositeArgs returns the ffmpeg argument list for req.
//
// Input seeking applies the trim before any filter, so overlay windows are
// in output time. Overlay i is input i+1 and is chained in list order so
// later overlays paint over earlier ones.
func BuildCompositeArgs(req CompositeRequest) ([]string, error) {
	preset, ok := Presets[req.Quality]
	if !ok {
		if req.Quality != "" {
			return nil, errs.Newf(errs.CodeValidation, "ffmpeg.BuildCompositeArgs", "unknown quality %q", req.Quality)
		}
		preset = Presets[models.QualityDraft]
	}
	if req.InputPath == "" || req.OutputPath == "" {
		return nil, errs.New(errs.CodeValidation, "ffmpeg.BuildCompositeArgs", "input and output paths are required")
	}

	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	if req.TrimStart != nil {
		args = append(args, "-ss", ffNum(*req.TrimStart))
	}
	if req.TrimEnd != nil {
		args = append(args, "-to", ffNum(*req.TrimEnd))
	}
	args = append(args, "-i", req.InputPath)
	for _, o := range req.Overlays {
		args = append(args, "-i", o.Path)
	}
	musicIdx := -1
	if req.Music != nil {
		musicIdx = 1 + len(req.Overlays)
		args = append(args, "-stream_loop", "-1", "-i", req.Music.Path)
	}

	graph := []string{coverFitFilter(len(req.Overlays) == 0)}
	graph = append(graph, overlayChain(req.Overlays)...)

	audioMap := "0:a?"
	if req.Music != nil {
		graph = append(graph, musicFilter(musicIdx, *req.Music, req.Duration, req.HasAudio)...)
		audioMap = "[aout]"
	}

	args = append(args,
		"-filter_complex", strings.Join(graph, ";"),
		"-map", "[vout]",
		"-map", audioMap,
		"-c:v", "libx264",
		"-preset", preset.Preset,
		"-crf", strconv.Itoa(preset.CRF),
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", preset.AudioBitrate,
		"-movflags", "+faststart",
	)
	switch {
	case req.Duration > 0:
		args = append(args, "-t", ffNum(req.Duration))
	case req.Music != nil:
		// the looped track never ends on its own
		args = append(args, "-shortest")
	}
	return append(args, req.OutputPath), nil
}

// coverFitFilter scales the source to cover the output frame and center
// crops the excess.
func coverFitFilter(last bool) string {
	out := "[base]"
	if last {
		out = "[vout]"
	}
	return fmt.Sprintf("[0:v]scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,setsar=1%s",
		OutputWidth, OutputHeight, OutputWidth, OutputHeight, out)
}

func overlayChain(overlays []OverlayImage) []string {
	chain := make([]string, 0, len(overlays))
	prev := "[base]"
	for i, o := range overlays {
		out := fmt.Sprintf("[v%d]", i+1)
		if i == len(overlays)-1 {
			out = "[vout]"
		}
		chain = append(chain, fmt.Sprintf("%s[%d:v]overlay=x=%d:y=%d:enable='between(t,%s,%s)'%s",
			prev, i+1, o.X, o.Y, ffNum(o.Start), ffNum(o.End), out))
		prev = out
	}
	return chain
}

// musicFilter trims the looped track to the output, applies volume and
// fades, then mixes it under the source audio when there is any.
func musicFilter(idx int, m MusicInput, duration float64, hasAudio bool) []string {
	parts := []string{}
	if duration > 0 {
		parts = append(parts, "atrim=0:"+ffNum(duration), "asetpts=PTS-STARTPTS")
	}
	parts = append(parts, "volume="+ffNum(m.Volume))
	if m.FadeIn > 0 {
		parts = append(parts, "afade=t=in:st=0:d="+ffNum(m.FadeIn))
	}
	if m.FadeOut > 0 && duration > 0 {
		start := duration - m.FadeOut
		if start < 0 {
			start = 0
		}
		parts = append(parts, fmt.Sprintf("afade=t=out:st=%s:d=%s", ffNum(start), ffNum(m.FadeOut)))
	}

	if !hasAudio {
		return []string{fmt.Sprintf("[%d:a]%s[aout]", idx, strings.Join(parts, ","))}
	}
	return []string{
		fmt.Sprintf("[%d:a]%s[music]", idx, strings.Join(parts, ",")),
		"[0:a][music]amix=inputs=2:duration=first:dropout_transition=0:normalize=0[aout]",
	}
}

// ffNum formats seconds and ratios without trailing zeros.
func ffNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ProbeResult is the subset of ffprobe output the pipeline uses.
type ProbeResult struct {
	Duration float64
	Width    int
	Height   int
	HasAudio bool
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads dimensions, duration and audio presence with ffprobe.
func (s *FFmpegService) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	out, err := s.exec(ctx, "ffmpeg.Probe", s.ffprobe, []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	})
	if err != nil {
		return nil, err
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (*ProbeResult, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, errs.WrapWithCode(err, errs.CodeCompositor, "ffmpeg.Probe", "failed to parse ffprobe output")
	}
	res := &ProbeResult{}
	res.Duration, _ = strconv.ParseFloat(probe.Format.Duration, 64)
	for _, st := range probe.Streams {
		switch st.CodecType {
		case "video":
			if res.Width == 0 {
				res.Width, res.Height = st.Width, st.Height
				if res.Duration == 0 {
					res.Duration, _ = strconv.ParseFloat(st.Duration, 64)
				}
			}
		case "audio":
			res.HasAudio = true
		}
	}
	if res.Width == 0 {
		return nil, errs.New(errs.CodeCompositor, "ffmpeg.Probe", "no video stream")
	}
	return res, nil
}

// StripAudio copies the video stream of in to out without any audio.
func (s *FFmpegService) StripAudio(ctx context.Context, in, out string) error {
	_, err := s.exec(ctx, "ffmpeg.StripAudio", s.ffmpeg, []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", in,
		"-c:v", "copy",
		"-an",
		out,
	})
	return err
}

// Thumbnail grabs one frame at second `at` as a JPEG.
func (s *FFmpegService) Thumbnail(ctx context.Context, in, out string, at float64) error {
	_, err := s.exec(ctx, "ffmpeg.Thumbnail", s.ffmpeg, []string{
		"-y", "-hide_banner", "-loglevel", "error",
		"-ss", ffNum(at),
		"-i", in,
		"-frames:v", "1",
		"-q:v", "3",
		out,
	})
	return err
}

// exec runs one bounded invocation. A parent cancellation is reported as
// INTERRUPTED so the job can be requeued; a deadline hit as TIMEOUT; any
// other failure as COMPOSITOR with the stderr tail attached.
func (s *FFmpegService) exec(ctx context.Context, op, bin string, args []string) ([]byte, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, err := s.run(runCtx, bin, args...)
	if err == nil {
		return stdout, nil
	}

	tail := Tail(stderr, stderrTailBytes)
	var e *errs.Error
	switch {
	case ctx.Err() != nil:
		e = errs.WrapWithCode(ctx.Err(), errs.CodeInterrupted, op, "canceled")
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		e = errs.WrapWithCode(err, errs.CodeTimeout, op, fmt.Sprintf("timed out after %s", s.timeout))
	default:
		e = errs.WrapWithCode(err, errs.CodeCompositor, op, bin+" failed")
	}
	e.Detail = tail
	s.log.FromContext(ctx).Warn("media command failed",
		zap.String("op", op),
		zap.Error(err),
		zap.String("stderr_tail", tail),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil, e
}

// Tail returns at most n trailing bytes of b, trimmed.
func Tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}

// TempPath returns a path inside the work directory. Names that resolve
// outside it fail with CodeUnsafePath.
func (s *FFmpegService) TempPath(filename string) (string, error) {
	return pathguard.Resolve(s.tempDir, filename)
}

// TempDir returns the work directory.
func (s *FFmpegService) TempDir() string {
	return s.tempDir
}

// Cleanup removes temporary files, ignoring errors. Paths outside the work
// directory are left alone.
func (s *FFmpegService) Cleanup(paths ...string) {
	for _, path := range paths {
		if pathguard.IsPathSafe(path, s.tempDir) && path != s.tempDir {
			os.Remove(path)
		}
	}
}

// PurgeStale deletes regular files in dir last modified before
// now-olderThan. Newer files belong to jobs that may still be running.
func PurgeStale(dir string, olderThan time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read %s: %w", dir, err)
	}
	cutoff := now.Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if !pathguard.IsPathSafe(path, dir) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	return removed, nil
}
