package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueBoardJobs is the Redis list key for board maintenance jobs
	// (snapshot archive uploads, history purges).
	QueueBoardJobs = "worker:board"
	// QueueDLQ is the dead-letter queue for failed jobs after retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeSnapshotArchive JobType = "snapshot_archive"
	JobTypeHistoryPurge    JobType = "history_purge"
)

// SnapshotArchivePayload is the payload for snapshot archive jobs: upload a
// final board snapshot to S3 and record the archive URL.
type SnapshotArchivePayload struct {
	SnapshotID uuid.UUID `json:"snapshot_id"`
	RoomID     uuid.UUID `json:"room_id"`
	SessionID  uuid.UUID `json:"session_id"`
}

// HistoryPurgePayload is the payload for history purge jobs: batched deletion
// of a completed room's operation log once a snapshot checkpoint exists.
type HistoryPurgePayload struct {
	RoomID uuid.UUID `json:"room_id"`
	Before time.Time `json:"before"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// EnqueueSnapshotArchive enqueues a snapshot archive job.
func (q *Queue) EnqueueSnapshotArchive(ctx context.Context, payload SnapshotArchivePayload) error {
	if err := q.enqueue(ctx, JobTypeSnapshotArchive, payload); err != nil {
		return err
	}
	q.logger.Debug("enqueued snapshot archive job", zap.String("snapshot_id", payload.SnapshotID.String()))
	return nil
}

// EnqueueHistoryPurge enqueues a history purge job.
func (q *Queue) EnqueueHistoryPurge(ctx context.Context, payload HistoryPurgePayload) error {
	if err := q.enqueue(ctx, JobTypeHistoryPurge, payload); err != nil {
		return err
	}
	q.logger.Debug("enqueued history purge job", zap.String("room_id", payload.RoomID.String()))
	return nil
}

func (q *Queue) enqueue(ctx context.Context, jobType JobType, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueBoardJobs, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	return nil
}

// Dequeue blocks until a job is available or ctx is done. Returns job and key (queue name).
func (q *Queue) Dequeue(ctx context.Context) (*Job, string, error) {
	result, err := q.client.BLPop(ctx, 0, QueueBoardJobs).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, "", nil
		}
		return nil, "", err
	}
	if len(result) < 2 {
		return nil, "", nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, "", nil
	}
	return &job, result[0], nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >= MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, QueueBoardJobs, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
