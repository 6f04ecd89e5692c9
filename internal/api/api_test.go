package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bobarin/adreel/internal/credits"
	"github.com/bobarin/adreel/internal/logger"
	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/queue"
)

type fakeQueue struct {
	jobs       []*queue.Job
	enqueueErr error
	pingErr    error
	progress   map[string]*models.JobProgress
}

func (q *fakeQueue) Ping(context.Context) error { return q.pingErr }

func (q *fakeQueue) Length(_ context.Context, name string) (int64, error) {
	if q.pingErr != nil {
		return 0, q.pingErr
	}
	if name == queue.QueueRender {
		return int64(len(q.jobs)), nil
	}
	return 0, nil
}

func (q *fakeQueue) Enqueue(_ context.Context, job *queue.Job) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *fakeQueue) GetProgress(_ context.Context, id string) (*models.JobProgress, error) {
	return q.progress[id], nil
}

func newTestServer(t *testing.T, q *fakeQueue, ledger *credits.MemoryLedger, apiKey string) *httptest.Server {
	t.Helper()
	h := NewHandler(Deps{
		Queue:       q,
		Credits:     credits.NewReconciler(ledger, logger.Nop()),
		GenUnitCost: 10,
	}, logger.Nop())
	srv := httptest.NewServer(NewRouter(h, RouterConfig{APIKey: apiKey}))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, key string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func validRender() models.RenderJob {
	return models.RenderJob{
		TenantID:  "t1",
		ActorID:   "u1",
		TokenCost: 9,
		Items:     []models.RenderItem{{Video: models.VideoRef{Path: "a.mp4"}}},
	}
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t, &fakeQueue{}, credits.NewMemoryLedger(), "secret")
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	srv := newTestServer(t, &fakeQueue{}, credits.NewMemoryLedger(), "secret")

	if resp := post(t, srv.URL+"/v1/jobs/render", "", validRender()); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing key status = %d", resp.StatusCode)
	}
	if resp := post(t, srv.URL+"/v1/jobs/render", "wrong", validRender()); resp.StatusCode != http.StatusForbidden {
		t.Errorf("wrong key status = %d", resp.StatusCode)
	}
}

func TestSubmitRenderDebitsAndEnqueues(t *testing.T) {
	q := &fakeQueue{}
	ledger := credits.NewMemoryLedger()
	srv := newTestServer(t, q, ledger, "secret")

	resp := post(t, srv.URL+"/v1/jobs/render", "secret", validRender())
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.JobID == "" || out.Status != models.JobStatusQueued {
		t.Errorf("response = %+v", out)
	}
	if len(q.jobs) != 1 || q.jobs[0].ID != out.JobID || q.jobs[0].Type != models.JobTypeRender {
		t.Fatalf("jobs = %+v", q.jobs)
	}
	if debited, _, _ := ledger.LedgerTotals(context.Background(), out.JobID); debited != 9 {
		t.Errorf("debited = %d, want 9", debited)
	}
}

func TestSubmitRenderValidation(t *testing.T) {
	srv := newTestServer(t, &fakeQueue{}, credits.NewMemoryLedger(), "")

	job := validRender()
	job.Items = nil
	if resp := post(t, srv.URL+"/v1/jobs/render", "", job); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("no items status = %d", resp.StatusCode)
	}

	job = validRender()
	start, end := 5.0, 2.0
	job.Items[0].Video.TrimStart, job.Items[0].Video.TrimEnd = &start, &end
	if resp := post(t, srv.URL+"/v1/jobs/render", "", job); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad trim status = %d", resp.StatusCode)
	}

	job = validRender()
	job.Items[0].ID = "x/../../../escape"
	if resp := post(t, srv.URL+"/v1/jobs/render", "", job); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unsafe item id status = %d", resp.StatusCode)
	}
}

func TestSubmitEnqueueFailureCreditsBack(t *testing.T) {
	q := &fakeQueue{enqueueErr: errors.New("redis down")}
	ledger := credits.NewMemoryLedger()
	srv := newTestServer(t, q, ledger, "")

	job := validRender()
	job.ID = "job-x"
	if resp := post(t, srv.URL+"/v1/jobs/render", "", job); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	debited, refunded, _ := ledger.LedgerTotals(context.Background(), "job-x")
	if debited != 9 || refunded != 9 {
		t.Errorf("ledger = %d/%d, want 9/9", debited, refunded)
	}
}

func TestSubmitDuplicateJob(t *testing.T) {
	srv := newTestServer(t, &fakeQueue{}, credits.NewMemoryLedger(), "")

	job := validRender()
	job.ID = "dup"
	post(t, srv.URL+"/v1/jobs/render", "", job)
	if resp := post(t, srv.URL+"/v1/jobs/render", "", job); resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestSubmitVideoGenPricesByUnitCost(t *testing.T) {
	q := &fakeQueue{}
	ledger := credits.NewMemoryLedger()
	srv := newTestServer(t, q, ledger, "")

	resp := post(t, srv.URL+"/v1/jobs/video-gen", "", models.VideoGenJob{
		ID: "gen-1", TenantID: "t1", ActorID: "u1", Prompt: "a dog", Count: 3,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if debited, _, _ := ledger.LedgerTotals(context.Background(), "gen-1"); debited != 30 {
		t.Errorf("debited = %d, want 30", debited)
	}
	var payload models.VideoGenJob
	if err := q.jobs[0].Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.TokenCost != 30 {
		t.Errorf("tokenCost = %d", payload.TokenCost)
	}
}

func TestGetJob(t *testing.T) {
	q := &fakeQueue{progress: map[string]*models.JobProgress{
		"j1": {JobID: "j1", Status: models.JobStatusSucceeded, Progress: 100, Result: &models.JobResult{Failed: 1}},
	}}
	srv := newTestServer(t, q, credits.NewMemoryLedger(), "")

	resp, err := http.Get(srv.URL + "/v1/jobs/j1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var p models.JobProgress
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.Progress != 100 || p.Result == nil || p.Result.Failed != 1 {
		t.Errorf("progress = %+v", p)
	}

	missing, err := http.Get(srv.URL + "/v1/jobs/nope")
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", missing.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeQueue{}, credits.NewMemoryLedger(), "secret")
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var snap map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if _, ok := snap["jobs_processed_render"]; !ok {
		t.Errorf("snapshot = %v", snap)
	}
	if depth, ok := snap["queue_depth_render"]; !ok || depth != 0 {
		t.Errorf("queue depth = %d (%v)", depth, ok)
	}
}

func TestHealthReportsQueueOutage(t *testing.T) {
	srv := newTestServer(t, &fakeQueue{pingErr: errors.New("connection refused")}, credits.NewMemoryLedger(), "")
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.StatusCode)
	}

	// counters stay readable without queue depths
	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var snap map[string]int64
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if _, ok := snap["queue_depth_render"]; ok {
		t.Errorf("unexpected queue depth in %v", snap)
	}
}

type fakeLedgerReader struct{}

func (fakeLedgerReader) ListLedgerEntries(_ context.Context, jobID string) ([]models.LedgerEntry, error) {
	return []models.LedgerEntry{
		{JobID: jobID, Kind: models.LedgerDebit, Amount: 9},
		{JobID: jobID, Kind: models.LedgerRefund, Amount: 3},
	}, nil
}

func (fakeLedgerReader) TenantNetUsage(context.Context, string) (int, error) { return 6, nil }

func TestLedgerRoutes(t *testing.T) {
	h := NewHandler(Deps{Queue: &fakeQueue{}, Ledger: fakeLedgerReader{}}, logger.Nop())
	srv := httptest.NewServer(NewRouter(h, RouterConfig{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/jobs/job-1/ledger")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var ledger struct {
		Entries []models.LedgerEntry `json:"entries"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ledger); err != nil {
		t.Fatal(err)
	}
	if len(ledger.Entries) != 2 || ledger.Entries[1].Kind != models.LedgerRefund {
		t.Errorf("entries = %+v", ledger.Entries)
	}

	usageResp, err := http.Get(srv.URL + "/v1/tenants/t1/usage")
	if err != nil {
		t.Fatal(err)
	}
	defer usageResp.Body.Close()
	var usage struct {
		TenantID string `json:"tenantId"`
		NetUsage int    `json:"netUsage"`
	}
	if err := json.NewDecoder(usageResp.Body).Decode(&usage); err != nil {
		t.Fatal(err)
	}
	if usage.TenantID != "t1" || usage.NetUsage != 6 {
		t.Errorf("usage = %+v", usage)
	}
}

type fakeAssets struct {
	gotTenant string
	gotLimit  int
}

func (a *fakeAssets) ListTenantVideoAssets(_ context.Context, tenantID string, limit int) ([]models.VideoAsset, error) {
	a.gotTenant, a.gotLimit = tenantID, limit
	return []models.VideoAsset{{TenantID: tenantID, Filename: "j1-gen0.mp4"}}, nil
}

func TestListAssets(t *testing.T) {
	assets := &fakeAssets{}
	h := NewHandler(Deps{Queue: &fakeQueue{}, Assets: assets}, logger.Nop())
	srv := httptest.NewServer(NewRouter(h, RouterConfig{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/tenants/t9/assets?limit=5")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Assets []models.VideoAsset `json:"assets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if assets.gotTenant != "t9" || assets.gotLimit != 5 {
		t.Errorf("lister called with %q, %d", assets.gotTenant, assets.gotLimit)
	}
	if len(body.Assets) != 1 || body.Assets[0].Filename != "j1-gen0.mp4" {
		t.Errorf("assets = %+v", body.Assets)
	}

	// disabled when no asset store is wired
	disabled := newTestServer(t, &fakeQueue{}, credits.NewMemoryLedger(), "")
	resp2, err := http.Get(disabled.URL + "/v1/tenants/t9/assets")
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp2.StatusCode)
	}
}
