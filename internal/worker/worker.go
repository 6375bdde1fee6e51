package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opentutor/backend/internal/board"
	"github.com/opentutor/backend/pkg/queue"
	"github.com/opentutor/backend/pkg/storage"
)

// jobSource is the queue surface the worker loop needs.
type jobSource interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// BoardProcessor processes board maintenance jobs: snapshot archive uploads
// to S3 and batched history purges of completed rooms.
type BoardProcessor struct {
	boards    *board.Repository
	s3        *storage.S3
	queue     jobSource
	batchSize int
	logger    *zap.Logger
}

// NewBoardProcessor creates a board maintenance processor.
func NewBoardProcessor(boards *board.Repository, s3 *storage.S3, q *queue.Queue, batchSize int, logger *zap.Logger) *BoardProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BoardProcessor{boards: boards, s3: s3, queue: q, batchSize: batchSize, logger: logger}
}

// Process executes one job.
func (p *BoardProcessor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeSnapshotArchive:
		return p.processSnapshotArchive(ctx, job)
	case queue.JobTypeHistoryPurge:
		return p.processHistoryPurge(ctx, job)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (p *BoardProcessor) processSnapshotArchive(ctx context.Context, job *queue.Job) error {
	var payload queue.SnapshotArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	snap, err := p.boards.SnapshotByID(ctx, payload.SnapshotID)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap == nil {
		return fmt.Errorf("snapshot not found: %s", payload.SnapshotID)
	}
	if snap.ArchiveURL != nil {
		p.logger.Info("snapshot already archived", zap.String("snapshot_id", snap.ID.String()))
		return nil
	}

	key := storage.SnapshotKey(snap.RoomID.String(), snap.ID.String())
	url, err := p.s3.Upload(ctx, p.s3.SnapshotsBucket(), key, "application/json", bytes.NewReader(snap.Payload))
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	if err := p.boards.SetSnapshotArchive(ctx, snap.ID, url); err != nil {
		return fmt.Errorf("record archive url: %w", err)
	}

	p.logger.Info("snapshot archived",
		zap.String("snapshot_id", snap.ID.String()),
		zap.String("room_id", snap.RoomID.String()),
		zap.String("s3_key", key))
	return nil
}

func (p *BoardProcessor) processHistoryPurge(ctx context.Context, job *queue.Job) error {
	var payload queue.HistoryPurgePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	// the snapshot checkpoint must exist before the log is dropped
	snap, err := p.boards.ActiveSnapshot(ctx, payload.RoomID)
	if err != nil {
		return fmt.Errorf("check snapshot: %w", err)
	}
	if snap == nil {
		return fmt.Errorf("no snapshot checkpoint for room %s, refusing to purge", payload.RoomID)
	}

	deleted, err := p.boards.PurgeBefore(ctx, payload.RoomID, payload.Before, p.batchSize)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}

	p.logger.Info("history purged",
		zap.String("room_id", payload.RoomID.String()),
		zap.Int64("deleted", deleted))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error. It returns
// once ctx is cancelled, without waiting out a pending backoff.
func (p *BoardProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("board worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			if !p.backoff(ctx) {
				return
			}
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			if !p.backoff(ctx) {
				return
			}
		}
	}
}

// backoff waits one retry interval, returning false if ctx ended first.
func (p *BoardProcessor) backoff(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		p.logger.Info("board worker stopping")
		return false
	case <-time.After(queue.RetryBackoff):
		return true
	}
}
