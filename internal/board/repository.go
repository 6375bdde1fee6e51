package board

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opentutor/backend/internal/models"
)

const operationColumns = `id, room_id, seq, kind, x, y, color, width, actor_id, actor_name, created_at`

// Repository handles board_operations, board_sequences and board_snapshots.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a board repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append assigns the next sequence number for the room and inserts the
// operation, both in one transaction. The counter row is advanced with an
// atomic upsert-increment, so two concurrent appends to the same room can
// never observe the same value and no number is skipped.
func (r *Repository) Append(ctx context.Context, op *models.Operation) (*models.Operation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var seq int64
	err = tx.QueryRow(ctx,
		`INSERT INTO board_sequences (room_id, last_seq) VALUES ($1, 1)
		 ON CONFLICT (room_id) DO UPDATE SET last_seq = board_sequences.last_seq + 1
		 RETURNING last_seq`,
		op.RoomID).Scan(&seq)
	if err != nil {
		return nil, err
	}

	stored := *op
	stored.Seq = seq
	err = tx.QueryRow(ctx,
		`INSERT INTO board_operations (room_id, seq, kind, x, y, color, width, actor_id, actor_name)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		stored.RoomID, seq, string(stored.Kind), stored.X, stored.Y, stored.Color, stored.Width,
		stored.ActorID, stored.ActorName).Scan(&stored.ID, &stored.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &stored, nil
}

// ListAfter returns operations with seq strictly greater than afterSeq in
// ascending order. limit <= 0 means no limit.
func (r *Repository) ListAfter(ctx context.Context, roomID uuid.UUID, afterSeq int64, limit int) ([]models.Operation, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.pool.Query(ctx,
			`SELECT `+operationColumns+` FROM board_operations
			 WHERE room_id = $1 AND seq > $2 ORDER BY seq ASC LIMIT $3`,
			roomID, afterSeq, limit)
	} else {
		rows, err = r.pool.Query(ctx,
			`SELECT `+operationColumns+` FROM board_operations
			 WHERE room_id = $1 AND seq > $2 ORDER BY seq ASC`,
			roomID, afterSeq)
	}
	if err != nil {
		return nil, err
	}
	return scanOperations(rows)
}

// ListRecent returns the last limit operations in ascending sequence order.
func (r *Repository) ListRecent(ctx context.Context, roomID uuid.UUID, limit int) ([]models.Operation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+operationColumns+` FROM (
			SELECT `+operationColumns+` FROM board_operations
			WHERE room_id = $1 ORDER BY seq DESC LIMIT $2
		 ) sub ORDER BY seq ASC`,
		roomID, limit)
	if err != nil {
		return nil, err
	}
	return scanOperations(rows)
}

// LastSeq returns the last assigned sequence number for a room (0 if none).
func (r *Repository) LastSeq(ctx context.Context, roomID uuid.UUID) (int64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx,
		`SELECT last_seq FROM board_sequences WHERE room_id = $1`, roomID).Scan(&seq)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return seq, nil
}

// Clear deletes the room's entire operation log, resets its sequence counter
// and deactivates any active snapshot, all in one transaction.
func (r *Repository) Clear(ctx context.Context, roomID uuid.UUID) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM board_operations WHERE room_id = $1`, roomID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM board_sequences WHERE room_id = $1`, roomID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE board_snapshots SET active = FALSE WHERE room_id = $1 AND active`, roomID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Stats returns aggregate observability numbers for a room's log.
func (r *Repository) Stats(ctx context.Context, roomID uuid.UUID) (*models.BoardStats, error) {
	const q = `SELECT COUNT(*), COUNT(DISTINCT actor_id), MIN(created_at), MAX(created_at)
		FROM board_operations WHERE room_id = $1`
	stats := models.BoardStats{RoomID: roomID}
	err := r.pool.QueryRow(ctx, q, roomID).Scan(&stats.TotalOperations, &stats.DistinctActors,
		&stats.FirstOperationAt, &stats.LastOperationAt)
	if err != nil {
		return nil, err
	}
	stats.LastSeq, err = r.LastSeq(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// SaveSnapshot deactivates prior active snapshots for the room and inserts a
// new active one with the next version. The unique (room_id, version) index
// makes a concurrent save fail cleanly rather than duplicate a version.
func (r *Repository) SaveSnapshot(ctx context.Context, roomID uuid.UUID, payload []byte) (*models.Snapshot, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE board_snapshots SET active = FALSE WHERE room_id = $1 AND active`, roomID); err != nil {
		return nil, err
	}

	var s models.Snapshot
	err = tx.QueryRow(ctx,
		`INSERT INTO board_snapshots (room_id, payload, version, active)
		 VALUES ($1, $2, COALESCE((SELECT MAX(version) FROM board_snapshots WHERE room_id = $1), 0) + 1, TRUE)
		 RETURNING id, room_id, payload, version, active, archive_url, created_at`,
		roomID, payload).Scan(&s.ID, &s.RoomID, &s.Payload, &s.Version, &s.Active, &s.ArchiveURL, &s.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &s, nil
}

// ActiveSnapshot returns the room's active snapshot, or nil if none.
func (r *Repository) ActiveSnapshot(ctx context.Context, roomID uuid.UUID) (*models.Snapshot, error) {
	const q = `SELECT id, room_id, payload, version, active, archive_url, created_at
		FROM board_snapshots WHERE room_id = $1 AND active LIMIT 1`
	var s models.Snapshot
	err := r.pool.QueryRow(ctx, q, roomID).Scan(&s.ID, &s.RoomID, &s.Payload, &s.Version, &s.Active, &s.ArchiveURL, &s.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// SnapshotByID returns a snapshot by ID, or nil if none.
func (r *Repository) SnapshotByID(ctx context.Context, id uuid.UUID) (*models.Snapshot, error) {
	const q = `SELECT id, room_id, payload, version, active, archive_url, created_at
		FROM board_snapshots WHERE id = $1`
	var s models.Snapshot
	err := r.pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.RoomID, &s.Payload, &s.Version, &s.Active, &s.ArchiveURL, &s.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// SetSnapshotArchive records the S3 archive URL for a snapshot.
func (r *Repository) SetSnapshotArchive(ctx context.Context, id uuid.UUID, url string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE board_snapshots SET archive_url = $1 WHERE id = $2`, url, id)
	return err
}

// PurgeBefore deletes operations created before the cutoff in bounded batches
// so a large log never holds one long transaction. Returns rows deleted.
func (r *Repository) PurgeBefore(ctx context.Context, roomID uuid.UUID, before time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	var total int64
	for {
		tag, err := r.pool.Exec(ctx,
			`DELETE FROM board_operations WHERE id IN (
				SELECT id FROM board_operations
				WHERE room_id = $1 AND created_at < $2
				ORDER BY seq ASC LIMIT $3
			 )`,
			roomID, before, batchSize)
		if err != nil {
			return total, err
		}
		n := tag.RowsAffected()
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
	}
}

func scanOperations(rows pgx.Rows) ([]models.Operation, error) {
	defer rows.Close()
	var list []models.Operation
	for rows.Next() {
		var op models.Operation
		var kind string
		if err := rows.Scan(&op.ID, &op.RoomID, &op.Seq, &kind, &op.X, &op.Y, &op.Color, &op.Width,
			&op.ActorID, &op.ActorName, &op.CreatedAt); err != nil {
			return nil, err
		}
		op.Kind = models.OperationKind(kind)
		list = append(list, op)
	}
	return list, rows.Err()
}
