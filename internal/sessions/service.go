package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opentutor/backend/internal/models"
	"github.com/opentutor/backend/pkg/queue"
)

// EventSessionStatus is published on every session lifecycle change.
const EventSessionStatus = "session_status"

// Store is the session persistence layer.
type Store interface {
	GetLive(ctx context.Context, roomID uuid.UUID) (*models.Session, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
	Create(ctx context.Context, roomID uuid.UUID) (*models.Session, error)
	SetTeacherJoined(ctx context.Context, id uuid.UUID, at time.Time) error
	SetStudentJoined(ctx context.Context, id uuid.UUID, at time.Time) error
	Activate(ctx context.Context, id uuid.UUID) (bool, error)
	Finish(ctx context.Context, id uuid.UUID, status models.SessionStatus, auto bool) (bool, error)
	SetNotes(ctx context.Context, id uuid.UUID, notes string) error
	History(ctx context.Context, roomID uuid.UUID, limit int) ([]models.Session, error)
	ListActiveStartedBefore(ctx context.Context, cutoff time.Time) ([]models.Session, error)
	ListLiveCreatedBefore(ctx context.Context, cutoff time.Time) ([]models.Session, error)
}

// Lessons gives access to lesson metadata for the room.
type Lessons interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Lesson, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, auto bool) error
}

// Boards checkpoints a room's operation log on completion.
type Boards interface {
	ListAll(ctx context.Context, roomID uuid.UUID) ([]models.Operation, error)
	SaveSnapshot(ctx context.Context, roomID uuid.UUID, payload []byte) (*models.Snapshot, error)
}

// Jobs enqueues post-completion maintenance work.
type Jobs interface {
	EnqueueSnapshotArchive(ctx context.Context, payload queue.SnapshotArchivePayload) error
	EnqueueHistoryPurge(ctx context.Context, payload queue.HistoryPurgePayload) error
}

// Broadcaster delivers session events to the room.
type Broadcaster interface {
	BroadcastToRoomAndPublish(roomID uuid.UUID, event string, payload interface{})
}

// Service owns the session lifecycle. All transitions for one room run under
// that room's mutex, so waiting/active/terminal moves are serialized even
// when joins, completes and the reaper race.
type Service struct {
	store   Store
	lessons Lessons
	boards  Boards
	jobs    Jobs
	hub     Broadcaster
	logger  *zap.Logger

	mu        sync.Mutex
	roomLocks map[uuid.UUID]*sync.Mutex
}

// NewService creates the session service. boards, jobs and hub may be nil.
func NewService(store Store, lessons Lessons, boards Boards, jobs Jobs, hub Broadcaster, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		lessons:   lessons,
		boards:    boards,
		jobs:      jobs,
		hub:       hub,
		logger:    logger,
		roomLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *Service) lockRoom(roomID uuid.UUID) func() {
	s.mu.Lock()
	lock, ok := s.roomLocks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		s.roomLocks[roomID] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (s *Service) broadcast(roomID uuid.UUID, sess *models.Session) {
	if s.hub != nil {
		s.hub.BroadcastToRoomAndPublish(roomID, EventSessionStatus, sess)
	}
}

// Ensure returns the room's live session, creating a waiting one if none
// exists.
func (s *Service) Ensure(ctx context.Context, roomID uuid.UUID) (*models.Session, error) {
	unlock := s.lockRoom(roomID)
	defer unlock()
	sess, _, err := s.ensureLocked(ctx, roomID)
	return sess, err
}

// lessonForRoom resolves the room's lesson and rejects cancelled ones.
func (s *Service) lessonForRoom(ctx context.Context, roomID uuid.UUID) (*models.Lesson, error) {
	lesson, err := s.lessons.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if lesson == nil {
		return nil, fmt.Errorf("%w: room %s", ErrNotFound, roomID)
	}
	if lesson.Status == models.LessonCancelled {
		return nil, fmt.Errorf("%w: lesson is cancelled", ErrConflict)
	}
	return lesson, nil
}

// ensureLocked looks up or creates the room's live session. Callers must hold
// the room lock.
func (s *Service) ensureLocked(ctx context.Context, roomID uuid.UUID) (*models.Session, *models.Lesson, error) {
	lesson, err := s.lessonForRoom(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	sess, err := s.liveOrCreate(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	return sess, lesson, nil
}

func (s *Service) liveOrCreate(ctx context.Context, roomID uuid.UUID) (*models.Session, error) {
	sess, err := s.store.GetLive(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess, err = s.store.Create(ctx, roomID)
		if err != nil {
			return nil, err
		}
		s.logger.Info("session created",
			zap.String("room_id", roomID.String()),
			zap.String("session_id", sess.ID.String()))
	}
	return sess, nil
}

// Join admits a user into the room's live session, creating a waiting session
// if none exists. The first participant join (teacher or student) moves the
// session to active; each participant's first join time is stamped once.
// Admins join as observers and never mutate the session.
func (s *Service) Join(ctx context.Context, roomID, userID uuid.UUID, role string) (*models.Session, error) {
	unlock := s.lockRoom(roomID)
	defer unlock()

	// authorization comes first so a rejected caller leaves no session behind
	lesson, err := s.lessonForRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if userID != lesson.TeacherID && userID != lesson.StudentID && role != string(models.RoleAdmin) {
		return nil, fmt.Errorf("%w: not a participant of this lesson", ErrForbidden)
	}

	sess, err := s.liveOrCreate(ctx, roomID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	switch {
	case userID == lesson.TeacherID:
		if sess.TeacherJoinedAt == nil {
			if err := s.store.SetTeacherJoined(ctx, sess.ID, now); err != nil {
				return nil, err
			}
			sess.TeacherJoinedAt = &now
		}
	case userID == lesson.StudentID:
		if sess.StudentJoinedAt == nil {
			if err := s.store.SetStudentJoined(ctx, sess.ID, now); err != nil {
				return nil, err
			}
			sess.StudentJoinedAt = &now
		}
	default:
		// admin observer: visible via presence, invisible to the state machine
		return sess, nil
	}

	if sess.Status == models.SessionWaiting {
		ok, err := s.store.Activate(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			sess.Status = models.SessionActive
			s.logger.Info("session active",
				zap.String("room_id", roomID.String()),
				zap.String("session_id", sess.ID.String()))
		}
	}
	s.broadcast(roomID, sess)
	return sess, nil
}

// Complete ends the room's live session as completed, marks the lesson done,
// checkpoints the board and schedules archive and purge jobs. A caller-built
// snapshot payload takes precedence over one assembled from the operation
// log. Calling Complete again after completion is a no-op returning the
// completed session.
func (s *Service) Complete(ctx context.Context, roomID, userID uuid.UUID, role string, snapshot []byte, notes *string) (*models.Session, error) {
	unlock := s.lockRoom(roomID)
	defer unlock()
	return s.finish(ctx, roomID, userID, role, models.SessionCompleted, snapshot, notes, false)
}

// Cancel ends the room's live session as cancelled. The lesson itself stays
// scheduled so a new session can be opened later. Idempotent like Complete.
func (s *Service) Cancel(ctx context.Context, roomID, userID uuid.UUID, role string) (*models.Session, error) {
	unlock := s.lockRoom(roomID)
	defer unlock()
	return s.finish(ctx, roomID, userID, role, models.SessionCancelled, nil, nil, false)
}

func (s *Service) finish(ctx context.Context, roomID, userID uuid.UUID, role string, target models.SessionStatus, snapshot []byte, notes *string, auto bool) (*models.Session, error) {
	lesson, err := s.lessons.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if lesson == nil {
		return nil, fmt.Errorf("%w: room %s", ErrNotFound, roomID)
	}
	if !auto && userID != lesson.TeacherID && role != string(models.RoleAdmin) {
		return nil, fmt.Errorf("%w: only the teacher can end the session", ErrForbidden)
	}

	sess, err := s.store.GetLive(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		// repeated complete/cancel after the transition already happened
		history, err := s.store.History(ctx, roomID, 1)
		if err != nil {
			return nil, err
		}
		if len(history) == 0 {
			return nil, fmt.Errorf("%w: no session for room %s", ErrNotFound, roomID)
		}
		if history[0].Status == target {
			return &history[0], nil
		}
		return nil, fmt.Errorf("%w: session already %s", ErrConflict, history[0].Status)
	}

	return s.finishSession(ctx, roomID, sess, target, snapshot, notes, auto)
}

// finishSession performs the terminal transition on a known live session.
// Callers must hold the room lock.
func (s *Service) finishSession(ctx context.Context, roomID uuid.UUID, sess *models.Session, target models.SessionStatus, snapshot []byte, notes *string, auto bool) (*models.Session, error) {
	ok, err := s.store.Finish(ctx, sess.ID, target, auto)
	if err != nil {
		return nil, err
	}
	if !ok {
		// lost the race to another finisher
		current, err := s.store.GetByID(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sess.ID)
		}
		if current.Status == target {
			return current, nil
		}
		return nil, fmt.Errorf("%w: session is %s", ErrConflict, current.Status)
	}
	if notes != nil {
		if err := s.store.SetNotes(ctx, sess.ID, *notes); err != nil {
			return nil, err
		}
	}
	sess, err = s.store.GetByID(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	if target == models.SessionCompleted {
		if err := s.lessons.MarkCompleted(ctx, roomID, auto); err != nil {
			return nil, err
		}
		s.checkpoint(ctx, roomID, sess, snapshot)
	}

	s.logger.Info("session finished",
		zap.String("room_id", roomID.String()),
		zap.String("session_id", sess.ID.String()),
		zap.String("status", string(target)),
		zap.Bool("auto", auto))
	s.broadcast(roomID, sess)
	return sess, nil
}

// checkpoint saves the final board snapshot and schedules the archive upload
// and history purge. The caller's payload is used when supplied; otherwise
// the snapshot is assembled from the full operation log. The completion
// itself is already durable, so checkpoint failures are logged and left for
// manual replay, not surfaced.
func (s *Service) checkpoint(ctx context.Context, roomID uuid.UUID, sess *models.Session, payload []byte) {
	if s.boards == nil {
		return
	}
	if payload == nil {
		ops, err := s.boards.ListAll(ctx, roomID)
		if err != nil {
			s.logger.Error("checkpoint: list operations failed",
				zap.String("room_id", roomID.String()), zap.Error(err))
			return
		}
		payload, err = json.Marshal(map[string]interface{}{
			"operations": ops,
			"count":      len(ops),
		})
		if err != nil {
			s.logger.Error("checkpoint: marshal failed", zap.Error(err))
			return
		}
	}
	snap, err := s.boards.SaveSnapshot(ctx, roomID, payload)
	if err != nil {
		s.logger.Error("checkpoint: save snapshot failed",
			zap.String("room_id", roomID.String()), zap.Error(err))
		return
	}
	if s.jobs == nil {
		return
	}
	if err := s.jobs.EnqueueSnapshotArchive(ctx, queue.SnapshotArchivePayload{
		SnapshotID: snap.ID,
		RoomID:     roomID,
		SessionID:  sess.ID,
	}); err != nil {
		s.logger.Error("checkpoint: enqueue archive failed", zap.Error(err))
	}
	if err := s.jobs.EnqueueHistoryPurge(ctx, queue.HistoryPurgePayload{
		RoomID: roomID,
		Before: time.Now(),
	}); err != nil {
		s.logger.Error("checkpoint: enqueue purge failed", zap.Error(err))
	}
}

// Active returns the room's live session, or nil if none.
func (s *Service) Active(ctx context.Context, roomID uuid.UUID) (*models.Session, error) {
	return s.store.GetLive(ctx, roomID)
}

// History returns the room's past and present sessions, newest first.
func (s *Service) History(ctx context.Context, roomID uuid.UUID, limit int) ([]models.Session, error) {
	return s.store.History(ctx, roomID, limit)
}

// ExpireOverlong force-completes active sessions running longer than
// maxDuration, measured from the earliest participant join. Each session is
// handled independently so one failure cannot stall the rest. Returns the
// number of sessions completed.
func (s *Service) ExpireOverlong(ctx context.Context, maxDuration time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxDuration)
	stale, err := s.store.ListActiveStartedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	completed := 0
	for i := range stale {
		sess := &stale[i]
		unlock := s.lockRoom(sess.RoomID)
		_, err := s.finishSession(ctx, sess.RoomID, sess, models.SessionCompleted, nil, nil, true)
		unlock()
		if err != nil {
			s.logger.Error("reap: force-complete failed",
				zap.String("session_id", sess.ID.String()), zap.Error(err))
			continue
		}
		s.logger.Info("reap: session force-completed",
			zap.String("session_id", sess.ID.String()),
			zap.String("room_id", sess.RoomID.String()),
			zap.Duration("elapsed", time.Since(sess.StartedAt())))
		completed++
	}
	return completed, nil
}

// AbandonStale closes live sessions older than the ceiling, measured from
// creation. Active sessions are force-completed; waiting sessions where no
// participant ever arrived are cancelled instead, so the lesson stays open
// for a retry. Returns the number of sessions closed.
func (s *Service) AbandonStale(ctx context.Context, ceiling time.Duration) (int, error) {
	cutoff := time.Now().Add(-ceiling)
	stale, err := s.store.ListLiveCreatedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	closed := 0
	for i := range stale {
		sess := &stale[i]
		target := models.SessionCompleted
		if sess.Status == models.SessionWaiting {
			target = models.SessionCancelled
		}
		unlock := s.lockRoom(sess.RoomID)
		_, err := s.finishSession(ctx, sess.RoomID, sess, target, nil, nil, true)
		unlock()
		if err != nil {
			s.logger.Error("reap: abandon failed",
				zap.String("session_id", sess.ID.String()), zap.Error(err))
			continue
		}
		s.logger.Info("reap: session abandoned",
			zap.String("session_id", sess.ID.String()),
			zap.String("room_id", sess.RoomID.String()),
			zap.String("status", string(target)),
			zap.Duration("age", time.Since(sess.CreatedAt)))
		closed++
	}
	return closed, nil
}
