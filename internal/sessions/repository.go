package sessions

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opentutor/backend/internal/models"
)

const sessionColumns = `id, room_id, status, teacher_joined_at, student_joined_at, ended_at, auto_completed, notes, created_at, updated_at`

// Repository handles lesson_sessions storage.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetLive returns the room's waiting or active session, or nil if none. The
// partial unique index guarantees at most one such row per room.
func (r *Repository) GetLive(ctx context.Context, roomID uuid.UUID) (*models.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM lesson_sessions
		WHERE room_id = $1 AND status IN ('waiting', 'active') LIMIT 1`
	return r.queryOne(ctx, q, roomID)
}

// GetByID returns a session by ID, or nil if none.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM lesson_sessions WHERE id = $1`
	return r.queryOne(ctx, q, id)
}

// Create inserts a new waiting session for the room. The partial unique index
// rejects a second live session for the same room.
func (r *Repository) Create(ctx context.Context, roomID uuid.UUID) (*models.Session, error) {
	const q = `INSERT INTO lesson_sessions (room_id, status) VALUES ($1, 'waiting')
		RETURNING ` + sessionColumns
	return r.queryOne(ctx, q, roomID)
}

// SetTeacherJoined stamps the teacher join time once.
func (r *Repository) SetTeacherJoined(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE lesson_sessions SET teacher_joined_at = $1, updated_at = NOW()
		 WHERE id = $2 AND teacher_joined_at IS NULL`, at, id)
	return err
}

// SetStudentJoined stamps the student join time once.
func (r *Repository) SetStudentJoined(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE lesson_sessions SET student_joined_at = $1, updated_at = NOW()
		 WHERE id = $2 AND student_joined_at IS NULL`, at, id)
	return err
}

// Activate moves a waiting session to active.
func (r *Repository) Activate(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE lesson_sessions SET status = 'active', updated_at = NOW()
		 WHERE id = $1 AND status = 'waiting'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Finish moves a live session to a terminal status. Completion is only valid
// from active; cancellation also closes a waiting session. The status guard
// in the WHERE clause makes the transition exactly-once under concurrency:
// the second caller affects zero rows and gets false.
func (r *Repository) Finish(ctx context.Context, id uuid.UUID, status models.SessionStatus, auto bool) (bool, error) {
	q := `UPDATE lesson_sessions
		 SET status = $1, ended_at = NOW(), auto_completed = $2, updated_at = NOW()
		 WHERE id = $3 AND status IN ('waiting', 'active')`
	if status == models.SessionCompleted {
		q = `UPDATE lesson_sessions
		 SET status = $1, ended_at = NOW(), auto_completed = $2, updated_at = NOW()
		 WHERE id = $3 AND status = 'active'`
	}
	tag, err := r.pool.Exec(ctx, q, string(status), auto, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SetNotes records teacher notes on a session.
func (r *Repository) SetNotes(ctx context.Context, id uuid.UUID, notes string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE lesson_sessions SET notes = $1, updated_at = NOW() WHERE id = $2`, notes, id)
	return err
}

// History returns the room's sessions, newest first.
func (r *Repository) History(ctx context.Context, roomID uuid.UUID, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM lesson_sessions
		 WHERE room_id = $1 ORDER BY created_at DESC LIMIT $2`, roomID, limit)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

// ListActiveStartedBefore returns active sessions whose earliest participant
// join is older than the cutoff. Used by the reaper's duration rule.
func (r *Repository) ListActiveStartedBefore(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM lesson_sessions
		 WHERE status = 'active'
		   AND (teacher_joined_at < $1 OR student_joined_at < $1)`, cutoff)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

// ListLiveCreatedBefore returns waiting or active sessions created before the
// cutoff. Used by the reaper's abandon ceiling.
func (r *Repository) ListLiveCreatedBefore(ctx context.Context, cutoff time.Time) ([]models.Session, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM lesson_sessions
		 WHERE status IN ('waiting', 'active') AND created_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

func (r *Repository) queryOne(ctx context.Context, q string, args ...interface{}) (*models.Session, error) {
	var s models.Session
	var status string
	err := r.pool.QueryRow(ctx, q, args...).Scan(&s.ID, &s.RoomID, &status,
		&s.TeacherJoinedAt, &s.StudentJoinedAt, &s.EndedAt, &s.AutoCompleted, &s.Notes,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	return &s, nil
}

func scanSessions(rows pgx.Rows) ([]models.Session, error) {
	defer rows.Close()
	var list []models.Session
	for rows.Next() {
		var s models.Session
		var status string
		if err := rows.Scan(&s.ID, &s.RoomID, &status,
			&s.TeacherJoinedAt, &s.StudentJoinedAt, &s.EndedAt, &s.AutoCompleted, &s.Notes,
			&s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.Status = models.SessionStatus(status)
		list = append(list, s)
	}
	return list, rows.Err()
}
