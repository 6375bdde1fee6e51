package lessons

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opentutor/backend/internal/models"
)

const lessonColumns = `id, teacher_id, student_id, subject, scheduled_start, duration_minutes, status, auto_completed, created_at, updated_at`

// Repository handles lesson storage.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a lesson repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a scheduled lesson.
func (r *Repository) Create(ctx context.Context, teacherID, studentID uuid.UUID, subject string, start time.Time, durationMinutes int) (*models.Lesson, error) {
	const q = `INSERT INTO lessons (teacher_id, student_id, subject, scheduled_start, duration_minutes, status)
		VALUES ($1, $2, $3, $4, $5, 'scheduled')
		RETURNING ` + lessonColumns
	return r.queryOne(ctx, q, teacherID, studentID, subject, start, durationMinutes)
}

// GetByID returns a lesson by ID, or nil if none.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Lesson, error) {
	const q = `SELECT ` + lessonColumns + ` FROM lessons WHERE id = $1`
	return r.queryOne(ctx, q, id)
}

// Exists reports whether a lesson (and so its room) exists.
func (r *Repository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM lessons WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// ListForUser returns lessons where the user is the teacher or the student,
// newest scheduled first.
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Lesson, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+lessonColumns+` FROM lessons
		 WHERE teacher_id = $1 OR student_id = $1
		 ORDER BY scheduled_start DESC`, userID)
	if err != nil {
		return nil, err
	}
	return scanLessons(rows)
}

// ListAll returns every lesson, newest scheduled first. Admin only.
func (r *Repository) ListAll(ctx context.Context) ([]models.Lesson, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+lessonColumns+` FROM lessons ORDER BY scheduled_start DESC`)
	if err != nil {
		return nil, err
	}
	return scanLessons(rows)
}

// MarkCompleted moves a lesson to completed. auto marks reaper-driven
// completion.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, auto bool) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE lessons SET status = 'completed', auto_completed = $1, updated_at = NOW()
		 WHERE id = $2 AND status = 'scheduled'`, auto, id)
	return err
}

// Cancel moves a scheduled lesson to cancelled.
func (r *Repository) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE lessons SET status = 'cancelled', updated_at = NOW()
		 WHERE id = $1 AND status = 'scheduled'`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) queryOne(ctx context.Context, q string, args ...interface{}) (*models.Lesson, error) {
	var l models.Lesson
	var status string
	err := r.pool.QueryRow(ctx, q, args...).Scan(&l.ID, &l.TeacherID, &l.StudentID, &l.Subject,
		&l.ScheduledStart, &l.DurationMinutes, &status, &l.AutoCompleted, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	l.Status = models.LessonStatus(status)
	return &l, nil
}

func scanLessons(rows pgx.Rows) ([]models.Lesson, error) {
	defer rows.Close()
	var list []models.Lesson
	for rows.Next() {
		var l models.Lesson
		var status string
		if err := rows.Scan(&l.ID, &l.TeacherID, &l.StudentID, &l.Subject,
			&l.ScheduledStart, &l.DurationMinutes, &status, &l.AutoCompleted, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		l.Status = models.LessonStatus(status)
		list = append(list, l)
	}
	return list, rows.Err()
}
