package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bobarin/adreel/internal/credits"
	"github.com/bobarin/adreel/internal/errs"
	"github.com/bobarin/adreel/internal/logger"
	"github.com/bobarin/adreel/internal/metrics"
	"github.com/bobarin/adreel/internal/models"
	"github.com/bobarin/adreel/internal/queue"
)

// JobQueue is implemented by *queue.Queue.
type JobQueue interface {
	Enqueue(ctx context.Context, job *queue.Job) error
	GetProgress(ctx context.Context, jobID string) (*models.JobProgress, error)
	Ping(ctx context.Context) error
	Length(ctx context.Context, queueName string) (int64, error)
}

// Credits is implemented by *credits.Reconciler.
type Credits interface {
	Debit(ctx context.Context, req credits.DebitRequest) error
	Refund(ctx context.Context, req credits.RefundRequest) (int, error)
}

// AssetLister is implemented by *db.DB.
type AssetLister interface {
	ListTenantVideoAssets(ctx context.Context, tenantID string, limit int) ([]models.VideoAsset, error)
}

// LedgerReader is implemented by *db.DB.
type LedgerReader interface {
	ListLedgerEntries(ctx context.Context, jobID string) ([]models.LedgerEntry, error)
	TenantNetUsage(ctx context.Context, tenantID string) (int, error)
}

type Deps struct {
	Queue   JobQueue
	Credits Credits
	// Assets and Ledger are optional; their routes answer 404 without them.
	Assets      AssetLister
	Ledger      LedgerReader
	Metrics     *metrics.Metrics
	GenUnitCost float64
}

type Handler struct {
	Deps
	log *logger.Logger
}

func NewHandler(deps Deps, log *logger.Logger) *Handler {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}
	return &Handler{Deps: deps, log: log.WithComponent("api")}
}

type submitResponse struct {
	JobID  string           `json:"jobId"`
	Status models.JobStatus `json:"status"`
}

// SubmitRender handles POST /v1/jobs/render
func (h *Handler) SubmitRender(w http.ResponseWriter, r *http.Request) {
	var job models.RenderJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := models.Validate(job); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	for i, item := range job.Items {
		if err := item.Video.ValidateTrim(); err != nil {
			respondError(w, http.StatusBadRequest, "items["+strconv.Itoa(i)+"]: "+err.Error())
			return
		}
	}

	h.submit(w, r, models.JobTypeRender, job.ID, job.TenantID, job.ActorID, job.TokenCost, job)
}

// SubmitVideoGen handles POST /v1/jobs/video-gen
func (h *Handler) SubmitVideoGen(w http.ResponseWriter, r *http.Request) {
	var job models.VideoGenJob
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := models.Validate(job); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if job.TokenCost == 0 {
		job.TokenCost = credits.UnitRefund(h.GenUnitCost, job.Count)
	}

	h.submit(w, r, models.JobTypeVideoGen, job.ID, job.TenantID, job.ActorID, job.TokenCost, job)
}

// submit debits, then enqueues. A failed enqueue credits the debit back so
// no charge is left without a job.
func (h *Handler) submit(w http.ResponseWriter, r *http.Request, t models.JobType, id, tenantID, actorID string, cost int, payload any) {
	ctx := r.Context()
	log := h.log.WithJobID(id)

	qj, err := queue.NewJob(t, id, tenantID, actorID, payload)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job payload")
		return
	}

	if cost > 0 {
		err := h.Credits.Debit(ctx, credits.DebitRequest{
			TenantID: tenantID,
			ActorID:  actorID,
			JobID:    id,
			Amount:   cost,
			Reason:   string(t) + " job submitted",
		})
		if errs.IsCode(err, errs.CodeValidation) {
			respondError(w, http.StatusConflict, "Job already submitted")
			return
		}
		if err != nil {
			log.Error("Failed to debit credits", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "Failed to debit credits")
			return
		}
	}

	if err := h.Queue.Enqueue(ctx, qj); err != nil {
		log.Error("Failed to enqueue job", zap.Error(err))
		if cost > 0 {
			if _, rerr := h.Credits.Refund(context.WithoutCancel(ctx), credits.RefundRequest{
				TenantID: tenantID,
				ActorID:  actorID,
				JobID:    id,
				Amount:   cost,
				Debit:    cost,
				Reason:   "enqueue failed",
			}); rerr != nil {
				log.Error("Failed to credit back debit", zap.Error(rerr))
			}
		}
		respondError(w, http.StatusServiceUnavailable, "Failed to queue job")
		return
	}

	log.Info("Job queued", zap.String("type", string(t)), zap.Int("token_cost", cost))
	respondJSON(w, http.StatusAccepted, submitResponse{JobID: id, Status: models.JobStatusQueued})
}

// GetJob handles GET /v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	progress, err := h.Queue.GetProgress(r.Context(), id)
	if err != nil {
		h.log.Error("Failed to get progress", zap.String("job_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}
	if progress == nil {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}

	respondJSON(w, http.StatusOK, progress)
}

// ListAssets handles GET /v1/tenants/{tenantId}/assets
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	if h.Assets == nil {
		respondError(w, http.StatusNotFound, "Asset records are not enabled")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	assets, err := h.Assets.ListTenantVideoAssets(r.Context(), chi.URLParam(r, "tenantId"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list assets")
		return
	}
	if assets == nil {
		assets = []models.VideoAsset{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"assets": assets})
}

// GetJobLedger handles GET /v1/jobs/{id}/ledger
func (h *Handler) GetJobLedger(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		respondError(w, http.StatusNotFound, "Ledger is not enabled")
		return
	}
	id := chi.URLParam(r, "id")
	entries, err := h.Ledger.ListLedgerEntries(r.Context(), id)
	if err != nil {
		h.log.Error("Failed to list ledger entries", zap.String("job_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to list ledger entries")
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// GetTenantUsage handles GET /v1/tenants/{tenantId}/usage
func (h *Handler) GetTenantUsage(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		respondError(w, http.StatusNotFound, "Ledger is not enabled")
		return
	}
	tenantID := chi.URLParam(r, "tenantId")
	net, err := h.Ledger.TenantNetUsage(r.Context(), tenantID)
	if err != nil {
		h.log.Error("Failed to compute usage", zap.String("tenant_id", tenantID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to compute usage")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tenantId": tenantID, "netUsage": net})
}

// GetMetrics handles GET /metrics. Queue depths are added when redis
// answers; counters are served either way.
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	snap := h.Metrics.GetSnapshot()
	for _, name := range []string{queue.QueueRender, queue.QueueVideoGen} {
		n, err := h.Queue.Length(r.Context(), name)
		if err != nil {
			h.log.Warn("Failed to read queue depth", zap.String("queue", name), zap.Error(err))
			continue
		}
		snap["queue_depth_"+strings.TrimPrefix(name, "queue:")] = n
	}
	respondJSON(w, http.StatusOK, snap)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health handles GET /health. It reports unavailable while redis is down,
// since nothing can be queued.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Queue.Ping(ctx); err != nil {
		h.log.Warn("Health check failed", zap.Error(err))
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "queue": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
