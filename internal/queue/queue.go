package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/bobarin/adreel/internal/models"
)

const (
	QueueRender   = "queue:render"
	QueueVideoGen = "queue:video-gen"

	// NotificationsChannel carries terminal job events for the external
	// email and in-app notifier.
	NotificationsChannel = "notifications"

	// ResultTTL bounds how long progress and results stay readable.
	ResultTTL = 7 * 24 * time.Hour
)

// Name returns the redis list for a job type.
func Name(t models.JobType) string {
	switch t {
	case models.JobTypeVideoGen:
		return QueueVideoGen
	default:
		return QueueRender
	}
}

func processingName(queueName string) string { return queueName + ":processing" }
func progressKey(jobID string) string        { return "job:" + jobID }
func resultKey(jobID string) string          { return "job:" + jobID + ":result" }

// Job is the queued envelope. Payload is the JSON RenderJob or VideoGenJob.
type Job struct {
	ID        string          `json:"id"`
	Type      models.JobType  `json:"type"`
	TenantID  string          `json:"tenantId"`
	ActorID   string          `json:"actorId"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewJob wraps payload in an envelope with a fresh id unless id is set.
func NewJob(t models.JobType, id, tenantID, actorID string, payload any) (*Job, error) {
	if id == "" {
		id = uuid.NewString()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return &Job{ID: id, Type: t, TenantID: tenantID, ActorID: actorID, Payload: data}, nil
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(j.Payload, v)
}

// Delivery is a job claimed from a queue. It stays in the processing list
// until it is acked or requeued.
type Delivery struct {
	Job   *Job
	Queue string
	raw   string
	// Err is set when the raw entry could not be decoded.
	Err error
}

type Queue struct {
	client *redis.Client
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Ping checks the connection.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue pushes job onto its type's queue and marks it queued.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, progressKey(job.ID), "state", string(models.JobStatusQueued), "progress", 0, "type", string(job.Type))
		p.Expire(ctx, progressKey(job.ID), ResultTTL)
		p.LPush(ctx, Name(job.Type), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for a job and moves it to the processing
// list atomically. It returns nil, nil when no job arrived.
func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Delivery, error) {
	raw, err := q.client.BRPopLPush(ctx, queueName, processingName(queueName), timeout).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	d := &Delivery{Queue: queueName, raw: raw}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		d.Err = fmt.Errorf("failed to unmarshal job: %w", err)
		return d, nil
	}
	d.Job = &job
	return d, nil
}

// Ack drops a finished delivery from the processing list.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	return q.client.LRem(ctx, processingName(d.Queue), 1, d.raw).Err()
}

// Requeue returns an interrupted delivery to the head of its queue so the
// next worker picks it up first.
func (q *Queue) Requeue(ctx context.Context, d *Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, processingName(d.Queue), 1, d.raw)
		p.RPush(ctx, d.Queue, d.raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue: %w", err)
	}
	return nil
}

func (q *Queue) Length(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueName).Result()
}

// SetProgress records status and integer percent for a job.
func (q *Queue) SetProgress(ctx context.Context, jobID string, status models.JobStatus, progress int) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, progressKey(jobID),
			"state", string(status),
			"progress", progress,
			"updated_at", time.Now().UTC().Format(time.RFC3339),
		)
		p.Expire(ctx, progressKey(jobID), ResultTTL)
		return nil
	})
	return err
}

// SaveResult stores the terminal result.
func (q *Queue) SaveResult(ctx context.Context, jobID string, result *models.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return q.client.Set(ctx, resultKey(jobID), data, ResultTTL).Err()
}

// HasResult reports whether a terminal result was already stored.
func (q *Queue) HasResult(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.Exists(ctx, resultKey(jobID)).Result()
	return n > 0, err
}

// GetResult returns nil, nil when the job has no result yet.
func (q *Queue) GetResult(ctx context.Context, jobID string) (*models.JobResult, error) {
	data, err := q.client.Get(ctx, resultKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res models.JobResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &res, nil
}

// GetProgress returns nil, nil for unknown jobs.
func (q *Queue) GetProgress(ctx context.Context, jobID string) (*models.JobProgress, error) {
	fields, err := q.client.HGetAll(ctx, progressKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	pct, _ := strconv.Atoi(fields["progress"])
	p := &models.JobProgress{
		JobID:    jobID,
		Type:     models.JobType(fields["type"]),
		Status:   models.JobStatus(fields["state"]),
		Progress: pct,
	}
	if p.Result, err = q.GetResult(ctx, jobID); err != nil {
		return nil, err
	}
	return p, nil
}

// Publish sends payload as JSON on channel.
func (q *Queue) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return q.client.Publish(ctx, channel, data).Err()
}
