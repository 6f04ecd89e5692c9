package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

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

// scriptedProvider fails the first len(submitErrs) submissions, then
// hands out task ids. pending lists task ids that never finish.
type scriptedProvider struct {
	mu         sync.Mutex
	submitErrs []error
	submits    int
	pending    map[string]bool
	downloaded int
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Submit(_ context.Context, _ services.GenerationRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	if len(p.submitErrs) > 0 {
		err := p.submitErrs[0]
		p.submitErrs = p.submitErrs[1:]
		return "", err
	}
	return fmt.Sprintf("task-%d", p.submits), nil
}

func (p *scriptedProvider) Poll(_ context.Context, taskID string) (*services.TaskStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending[taskID] {
		return &services.TaskStatus{State: services.TaskPending}, nil
	}
	return &services.TaskStatus{State: services.TaskSucceeded, ResultURLs: []string{"https://cdn.provider/" + taskID + ".mp4"}}, nil
}

// downloadingProvider also implements services.Downloader.
type downloadingProvider struct {
	scriptedProvider
}

func (p *downloadingProvider) Download(_ context.Context, _, _, dst string) error {
	p.mu.Lock()
	p.downloaded++
	p.mu.Unlock()
	return os.WriteFile(dst, []byte("provider bytes"), 0o644)
}

type genHarness struct {
	worker     *GenWorker
	compositor *fakeCompositor
	results    *fakeResults
	notifier   *fakeNotifier
	ledger     *credits.MemoryLedger
	assets     *fakeAssets
	metrics    *metrics.Metrics
}

func newGenHarness(t *testing.T, provider services.VideoProvider, cfg GenConfig) *genHarness {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir(), "https://cdn.test")
	if err != nil {
		t.Fatal(err)
	}
	h := &genHarness{
		compositor: newFakeCompositor(t),
		results:    newFakeResults(),
		notifier:   &fakeNotifier{},
		ledger:     credits.NewMemoryLedger(),
		assets:     &fakeAssets{},
		metrics:    metrics.NewMetrics(),
	}
	h.worker = NewGenWorker(GenDeps{
		Providers:  services.NewProviderRouter(provider),
		Fetcher:    fakeFetcher{},
		Compositor: h.compositor,
		Storage:    store,
		Assets:     h.assets,
		Results:    h.results,
		Credits:    credits.NewReconciler(h.ledger, logger.Nop()),
		Notifier:   h.notifier,
		Metrics:    h.metrics,
	}, cfg, logger.Nop())
	return h
}

func fastGenConfig() GenConfig {
	return GenConfig{
		UnitCost:     10,
		MaxRetries:   3,
		RetryDelay:   time.Millisecond,
		PollInterval: 2 * time.Millisecond,
		PollTimeout:  time.Second,
	}
}

func genJob(t *testing.T, id string, count, tokenCost int) *queue.Job {
	t.Helper()
	qj, err := queue.NewJob(models.JobTypeVideoGen, id, "t1", "u1", models.VideoGenJob{
		TenantID:  "t1",
		ActorID:   "u1",
		Prompt:    "a cat surfing",
		Count:     count,
		TokenCost: tokenCost,
	})
	if err != nil {
		t.Fatal(err)
	}
	return qj
}

func rateLimited() error {
	return errs.New(errs.CodeRetryable, "test", "HTTP 429: rate limited")
}

func TestGenerationRetry(t *testing.T) {
	provider := &scriptedProvider{submitErrs: []error{rateLimited(), rateLimited()}}
	h := newGenHarness(t, provider, fastGenConfig())

	if err := h.worker.Handle(context.Background(), genJob(t, "gen-1", 1, 10)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	res := h.results.result("gen-1")
	if len(res.Results) != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if res.Results[0].Retries != 2 {
		t.Errorf("retries = %d, want 2", res.Results[0].Retries)
	}
	if snap := h.metrics.GetSnapshot(); snap["provider_retries"] != 2 {
		t.Errorf("provider_retries = %d", snap["provider_retries"])
	}
	if provider.submits != 3 {
		t.Errorf("submits = %d, want 3", provider.submits)
	}
	if len(h.assets.assets) != 1 || h.assets.assets[0].ThumbnailPath == nil {
		t.Errorf("assets = %+v", h.assets.assets)
	}
	if h.compositor.stripped != 1 {
		t.Errorf("expected audio to be stripped once, got %d", h.compositor.stripped)
	}
	if ev := h.notifier.last(t); ev.Kind != notify.GenerationReady {
		t.Errorf("kind = %s", ev.Kind)
	}
	if len(h.ledger.Entries()) != 0 {
		t.Error("no refund expected")
	}
}

func TestGenerationRetriesExhausted(t *testing.T) {
	provider := &scriptedProvider{submitErrs: []error{rateLimited(), rateLimited(), rateLimited()}}
	cfg := fastGenConfig()
	cfg.MaxRetries = 2
	h := newGenHarness(t, provider, cfg)

	err := h.worker.Handle(context.Background(), genJob(t, "gen-2", 1, 10))
	if !errs.IsCode(err, errs.CodePermanent) {
		t.Fatalf("expected PERMANENT job failure, got %v", err)
	}
	if provider.submits != 3 {
		t.Errorf("submits = %d, want 3", provider.submits)
	}
	if ev := h.notifier.last(t); ev.Kind != notify.GenerationFailed {
		t.Errorf("kind = %s", ev.Kind)
	}
}

func TestGenerationTimeout(t *testing.T) {
	provider := &scriptedProvider{pending: map[string]bool{"task-2": true}}
	cfg := fastGenConfig()
	cfg.PollTimeout = 50 * time.Millisecond
	h := newGenHarness(t, provider, cfg)

	if err := h.worker.Handle(context.Background(), genJob(t, "gen-3", 2, 20)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	res := h.results.result("gen-3")
	if len(res.Results) != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.TokensUsed != 10 {
		t.Errorf("tokensUsed = %d, want 10", res.TokensUsed)
	}
	if _, refunded, _ := h.ledger.LedgerTotals(context.Background(), "gen-3"); refunded != 10 {
		t.Errorf("refunded = %d, want 10", refunded)
	}
	if ev := h.notifier.last(t); ev.Kind != notify.GenerationReady || ev.Failed != 1 {
		t.Errorf("event = %+v", ev)
	}
}

func TestGenerationPermanentErrorFailsFast(t *testing.T) {
	provider := &scriptedProvider{submitErrs: []error{
		errs.New(errs.CodePermanent, "test", "HTTP 402: insufficient credits"),
	}}
	h := newGenHarness(t, provider, fastGenConfig())

	err := h.worker.Handle(context.Background(), genJob(t, "gen-4", 1, 10))
	if err == nil {
		t.Fatal("expected job failure")
	}
	if provider.submits != 1 {
		t.Errorf("submits = %d, want 1", provider.submits)
	}
	if _, refunded, _ := h.ledger.LedgerTotals(context.Background(), "gen-4"); refunded != 10 {
		t.Errorf("refunded = %d, want full 10", refunded)
	}
	if res := h.results.result("gen-4"); len(res.Results) != 0 || res.Failed != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestGenerationUsesProviderDownloader(t *testing.T) {
	provider := &downloadingProvider{}
	h := newGenHarness(t, provider, fastGenConfig())

	qj, _ := queue.NewJob(models.JobTypeVideoGen, "gen-5", "t1", "u1", models.VideoGenJob{
		TenantID: "t1", ActorID: "u1", Prompt: "p", Count: 2, KeepAudio: true, TokenCost: 20,
	})
	if err := h.worker.Handle(context.Background(), qj); err != nil {
		t.Fatal(err)
	}
	if provider.downloaded != 2 {
		t.Errorf("downloaded = %d, want 2", provider.downloaded)
	}
	if h.compositor.stripped != 0 {
		t.Error("audio must be kept")
	}
	if res := h.results.result("gen-5"); len(res.Results) != 2 || res.TokensUsed != 20 {
		t.Errorf("result = %+v", res)
	}
}

func TestGenerationInvalidPayload(t *testing.T) {
	h := newGenHarness(t, &scriptedProvider{}, fastGenConfig())

	if err := h.worker.Handle(context.Background(), genJob(t, "gen-6", 0, 10)); err == nil {
		t.Fatal("expected failure for count 0")
	}
	if _, refunded, _ := h.ledger.LedgerTotals(context.Background(), "gen-6"); refunded != 10 {
		t.Errorf("refunded = %d, want 10", refunded)
	}
}

func TestGenerationInterrupted(t *testing.T) {
	provider := &scriptedProvider{pending: map[string]bool{"task-1": true}}
	h := newGenHarness(t, provider, fastGenConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := h.worker.Handle(ctx, genJob(t, "gen-7", 1, 10))
	if !errs.IsCode(err, errs.CodeInterrupted) {
		t.Fatalf("expected INTERRUPTED, got %v", err)
	}
	if h.results.result("gen-7") != nil {
		t.Error("interrupted job must not store a result")
	}
}

func TestGenerationUnrecordedRefundRequeuesJob(t *testing.T) {
	provider := &scriptedProvider{submitErrs: []error{errs.New(errs.CodePermanent, "test", "HTTP 402: out of credits")}}
	h := newGenHarness(t, provider, fastGenConfig())
	reconciler := h.worker.Credits
	h.worker.Credits = &flakyRefunder{next: reconciler, failures: 100}
	h.worker.refundDelay = time.Millisecond

	err := h.worker.Handle(context.Background(), genJob(t, "gen-20", 2, 20))
	if !errs.IsCode(err, errs.CodeRetryable) {
		t.Fatalf("expected RETRYABLE, got %v", err)
	}
	if h.results.result("gen-20") != nil {
		t.Error("result must not be stored while the refund is missing")
	}
	if len(h.ledger.Entries()) != 0 {
		t.Errorf("ledger = %+v", h.ledger.Entries())
	}
}
