package worker

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/bobarin/adreel/internal/credits"
	"github.com/bobarin/adreel/internal/errs"
	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/notify"
	"github.com/bobarin/adreel/internal/pathguard"
	"github.com/bobarin/adreel/internal/services"
)

type fakeCompositor struct {
	dir string

	mu          sync.Mutex
	composites  []services.CompositeRequest
	stripped    int
	compositeFn func(req services.CompositeRequest) error
	probe       services.ProbeResult
}

func newFakeCompositor(t *testing.T) *fakeCompositor {
	t.Helper()
	return &fakeCompositor{
		dir:   t.TempDir(),
		probe: services.ProbeResult{Duration: 12, Width: 1080, Height: 1920, HasAudio: true},
	}
}

func (f *fakeCompositor) Composite(_ context.Context, req services.CompositeRequest) error {
	f.mu.Lock()
	f.composites = append(f.composites, req)
	fn := f.compositeFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(req); err != nil {
			return err
		}
	}
	return os.WriteFile(req.OutputPath, []byte("video"), 0o644)
}

func (f *fakeCompositor) Probe(_ context.Context, path string) (*services.ProbeResult, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errs.WrapWithCode(err, errs.CodeCompositor, "fake.Probe", "missing input")
	}
	p := f.probe
	return &p, nil
}

func (f *fakeCompositor) StripAudio(_ context.Context, in, out string) error {
	f.mu.Lock()
	f.stripped++
	f.mu.Unlock()
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o644)
}

func (f *fakeCompositor) Thumbnail(_ context.Context, _, out string, _ float64) error {
	return os.WriteFile(out, []byte("jpeg"), 0o644)
}

func (f *fakeCompositor) TempPath(name string) (string, error) { return pathguard.Resolve(f.dir, name) }
func (f *fakeCompositor) TempDir() string                      { return f.dir }

func (f *fakeCompositor) Cleanup(paths ...string) {
	for _, p := range paths {
		if pathguard.IsPathSafe(p, f.dir) {
			os.Remove(p)
		}
	}
}

type fakeResults struct {
	mu       sync.Mutex
	progress map[string][]int
	status   map[string]models.JobStatus
	results  map[string]*models.JobResult
}

func newFakeResults() *fakeResults {
	return &fakeResults{
		progress: make(map[string][]int),
		status:   make(map[string]models.JobStatus),
		results:  make(map[string]*models.JobResult),
	}
}

func (f *fakeResults) SetProgress(_ context.Context, jobID string, status models.JobStatus, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[jobID] = append(f.progress[jobID], progress)
	f.status[jobID] = status
	return nil
}

func (f *fakeResults) SaveResult(_ context.Context, jobID string, result *models.JobResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[jobID] = result
	return nil
}

func (f *fakeResults) HasResult(_ context.Context, jobID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.results[jobID]
	return ok, nil
}

func (f *fakeResults) result(jobID string) *models.JobResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[jobID]
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeNotifier) Send(_ context.Context, ev notify.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeNotifier) last(t *testing.T) notify.Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) != 1 {
		t.Fatalf("expected exactly 1 notification, got %d", len(f.events))
	}
	return f.events[0]
}

type fakeFetcher struct{}

func (fakeFetcher) Fetch(_ context.Context, _, dst string) error {
	return os.WriteFile(dst, []byte("remote video"), 0o644)
}

type fakeAssets struct {
	mu     sync.Mutex
	assets []models.VideoAsset
}

func (f *fakeAssets) CreateVideoAsset(_ context.Context, a *models.VideoAsset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assets = append(f.assets, *a)
	return nil
}

// flakyRefunder fails the first failures calls, then passes through.
type flakyRefunder struct {
	mu       sync.Mutex
	next     Refunder
	failures int
	calls    int
}

func (f *flakyRefunder) Refund(ctx context.Context, req credits.RefundRequest) (int, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return 0, errs.New(errs.CodeInternal, "fake.Refund", "connection reset by peer")
	}
	return f.next.Refund(ctx, req)
}
