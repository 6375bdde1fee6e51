package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opentutor/backend/internal/models"
	"github.com/opentutor/backend/pkg/queue"
)

type fakeSessionStore struct {
	mu        sync.Mutex
	sessions  map[uuid.UUID]*models.Session
	failOn    map[uuid.UUID]error // session ID -> error returned by Finish
	notesByID map[uuid.UUID]string
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions:  make(map[uuid.UUID]*models.Session),
		failOn:    make(map[uuid.UUID]error),
		notesByID: make(map[uuid.UUID]string),
	}
}

func (f *fakeSessionStore) GetLive(_ context.Context, roomID uuid.UUID) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.RoomID == roomID && !s.Status.Terminal() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeSessionStore) GetByID(_ context.Context, id uuid.UUID) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSessionStore) Create(_ context.Context, roomID uuid.UUID) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &models.Session{
		ID:        uuid.New(),
		RoomID:    roomID,
		Status:    models.SessionWaiting,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	f.sessions[s.ID] = s
	cp := *s
	return &cp, nil
}

func (f *fakeSessionStore) SetTeacherJoined(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok && s.TeacherJoinedAt == nil {
		s.TeacherJoinedAt = &at
	}
	return nil
}

func (f *fakeSessionStore) SetStudentJoined(_ context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[id]; ok && s.StudentJoinedAt == nil {
		s.StudentJoinedAt = &at
	}
	return nil
}

func (f *fakeSessionStore) Activate(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.Status != models.SessionWaiting {
		return false, nil
	}
	s.Status = models.SessionActive
	return true, nil
}

func (f *fakeSessionStore) Finish(_ context.Context, id uuid.UUID, status models.SessionStatus, auto bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn[id]; err != nil {
		return false, err
	}
	s, ok := f.sessions[id]
	if !ok || s.Status.Terminal() {
		return false, nil
	}
	if status == models.SessionCompleted && s.Status != models.SessionActive {
		return false, nil
	}
	now := time.Now()
	s.Status = status
	s.EndedAt = &now
	s.AutoCompleted = auto
	return true, nil
}

func (f *fakeSessionStore) SetNotes(_ context.Context, id uuid.UUID, notes string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notesByID[id] = notes
	if s, ok := f.sessions[id]; ok {
		s.Notes = &notes
	}
	return nil
}

func (f *fakeSessionStore) History(_ context.Context, roomID uuid.UUID, limit int) ([]models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Session
	for _, s := range f.sessions {
		if s.RoomID == roomID {
			out = append(out, *s)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeSessionStore) ListActiveStartedBefore(_ context.Context, cutoff time.Time) ([]models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Session
	for _, s := range f.sessions {
		if s.Status != models.SessionActive {
			continue
		}
		started := s.StartedAt()
		if !started.IsZero() && started.Before(cutoff) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeSessionStore) ListLiveCreatedBefore(_ context.Context, cutoff time.Time) ([]models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Session
	for _, s := range f.sessions {
		if !s.Status.Terminal() && s.CreatedAt.Before(cutoff) {
			out = append(out, *s)
		}
	}
	return out, nil
}

type fakeLessons struct {
	mu        sync.Mutex
	lessons   map[uuid.UUID]*models.Lesson
	completed map[uuid.UUID]bool // lesson ID -> auto flag of last MarkCompleted
	markCalls int
}

func newFakeLessons() *fakeLessons {
	return &fakeLessons{
		lessons:   make(map[uuid.UUID]*models.Lesson),
		completed: make(map[uuid.UUID]bool),
	}
}

func (f *fakeLessons) add(teacherID, studentID uuid.UUID) *models.Lesson {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &models.Lesson{
		ID:        uuid.New(),
		TeacherID: teacherID,
		StudentID: studentID,
		Subject:   "algebra",
		Status:    models.LessonScheduled,
	}
	f.lessons[l.ID] = l
	return l
}

func (f *fakeLessons) GetByID(_ context.Context, id uuid.UUID) (*models.Lesson, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lessons[id]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (f *fakeLessons) MarkCompleted(_ context.Context, id uuid.UUID, auto bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.lessons[id]; ok {
		l.Status = models.LessonCompleted
		l.AutoCompleted = auto
	}
	f.completed[id] = auto
	f.markCalls++
	return nil
}

type fakeBoards struct {
	mu    sync.Mutex
	snaps []models.Snapshot
}

func (f *fakeBoards) ListAll(_ context.Context, roomID uuid.UUID) ([]models.Operation, error) {
	return []models.Operation{{RoomID: roomID, Seq: 1, Kind: models.OpStart}}, nil
}

func (f *fakeBoards) SaveSnapshot(_ context.Context, roomID uuid.UUID, payload []byte) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := models.Snapshot{ID: uuid.New(), RoomID: roomID, Payload: payload, Version: int64(len(f.snaps) + 1), Active: true}
	f.snaps = append(f.snaps, snap)
	return &snap, nil
}

type fakeJobs struct {
	mu       sync.Mutex
	archives []queue.SnapshotArchivePayload
	purges   []queue.HistoryPurgePayload
}

func (f *fakeJobs) EnqueueSnapshotArchive(_ context.Context, p queue.SnapshotArchivePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archives = append(f.archives, p)
	return nil
}

func (f *fakeJobs) EnqueueHistoryPurge(_ context.Context, p queue.HistoryPurgePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purges = append(f.purges, p)
	return nil
}

type fakeHub struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeHub) BroadcastToRoomAndPublish(_ uuid.UUID, event string, _ interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

type fixture struct {
	svc     *Service
	store   *fakeSessionStore
	lessons *fakeLessons
	boards  *fakeBoards
	jobs    *fakeJobs
	hub     *fakeHub
	lesson  *models.Lesson
	teacher uuid.UUID
	student uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   newFakeSessionStore(),
		lessons: newFakeLessons(),
		boards:  &fakeBoards{},
		jobs:    &fakeJobs{},
		hub:     &fakeHub{},
		teacher: uuid.New(),
		student: uuid.New(),
	}
	f.lesson = f.lessons.add(f.teacher, f.student)
	f.svc = NewService(f.store, f.lessons, f.boards, f.jobs, f.hub, zap.NewNop())
	return f
}

func TestEnsureCreatesWaitingSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.Ensure(ctx, f.lesson.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionWaiting, sess.Status)
	require.Nil(t, sess.TeacherJoinedAt)
	require.Nil(t, sess.StudentJoinedAt)

	// repeated ensure returns the same session
	again, err := f.svc.Ensure(ctx, f.lesson.ID)
	require.NoError(t, err)
	require.Equal(t, sess.ID, again.ID)
}

func TestFirstJoinActivates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.Join(ctx, f.lesson.ID, f.teacher, "teacher")
	require.NoError(t, err)
	require.Equal(t, models.SessionActive, sess.Status)
	require.NotNil(t, sess.TeacherJoinedAt)
	require.Nil(t, sess.StudentJoinedAt)
}

func TestSecondJoinKeepsFirstStamp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Join(ctx, f.lesson.ID, f.teacher, "teacher")
	require.NoError(t, err)
	teacherAt := *first.TeacherJoinedAt

	sess, err := f.svc.Join(ctx, f.lesson.ID, f.student, "student")
	require.NoError(t, err)
	require.Equal(t, models.SessionActive, sess.Status)
	require.NotNil(t, sess.StudentJoinedAt)
	require.Equal(t, teacherAt, *sess.TeacherJoinedAt)

	// rejoin does not overwrite the first-join stamp
	rejoin, err := f.svc.Join(ctx, f.lesson.ID, f.teacher, "teacher")
	require.NoError(t, err)
	require.Equal(t, teacherAt, *rejoin.TeacherJoinedAt)
}

func TestJoinObserverDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ensure(ctx, f.lesson.ID)
	require.NoError(t, err)

	admin := uuid.New()
	sess, err := f.svc.Join(ctx, f.lesson.ID, admin, "admin")
	require.NoError(t, err)
	require.Equal(t, models.SessionWaiting, sess.Status)
	require.Nil(t, sess.TeacherJoinedAt)
	require.Nil(t, sess.StudentJoinedAt)
}

func TestJoinStrangerForbidden(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Join(context.Background(), f.lesson.ID, uuid.New(), "student")
	require.ErrorIs(t, err, ErrForbidden)
	// the rejected join must not have created a session
	require.Empty(t, f.store.sessions)
}

func TestJoinUnknownRoom(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Join(context.Background(), uuid.New(), f.teacher, "teacher")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJoinCancelledLesson(t *testing.T) {
	f := newFixture(t)
	f.lessons.lessons[f.lesson.ID].Status = models.LessonCancelled

	_, err := f.svc.Join(context.Background(), f.lesson.ID, f.teacher, "teacher")
	require.ErrorIs(t, err, ErrConflict)
}

func activeSession(t *testing.T, f *fixture) *models.Session {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.Join(ctx, f.lesson.ID, f.teacher, "teacher")
	require.NoError(t, err)
	sess, err := f.svc.Join(ctx, f.lesson.ID, f.student, "student")
	require.NoError(t, err)
	require.Equal(t, models.SessionActive, sess.Status)
	return sess
}

func TestCompleteFinishesAndCheckpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	activeSession(t, f)

	notes := "good progress on quadratics"
	sess, err := f.svc.Complete(ctx, f.lesson.ID, f.teacher, "teacher", nil, &notes)
	require.NoError(t, err)
	require.Equal(t, models.SessionCompleted, sess.Status)
	require.NotNil(t, sess.EndedAt)
	require.False(t, sess.AutoCompleted)
	require.Equal(t, notes, *sess.Notes)

	// lesson marked done, board checkpointed, maintenance jobs queued
	require.Equal(t, models.LessonCompleted, f.lessons.lessons[f.lesson.ID].Status)
	require.Len(t, f.boards.snaps, 1)
	require.Len(t, f.jobs.archives, 1)
	require.Equal(t, f.boards.snaps[0].ID, f.jobs.archives[0].SnapshotID)
	require.Len(t, f.jobs.purges, 1)
	require.Equal(t, f.lesson.ID, f.jobs.purges[0].RoomID)
}

func TestCompleteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := activeSession(t, f)

	done, err := f.svc.Complete(ctx, f.lesson.ID, f.teacher, "teacher", nil, nil)
	require.NoError(t, err)

	again, err := f.svc.Complete(ctx, f.lesson.ID, f.teacher, "teacher", nil, nil)
	require.NoError(t, err)
	require.Equal(t, done.ID, again.ID)
	require.Equal(t, first.ID, again.ID)
	require.Equal(t, models.SessionCompleted, again.Status)

	// the second call did not checkpoint or enqueue again
	require.Len(t, f.boards.snaps, 1)
	require.Len(t, f.jobs.archives, 1)
	require.Equal(t, 1, f.lessons.markCalls)
}

func TestCompleteWaitingSessionConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.Ensure(ctx, f.lesson.ID)
	require.NoError(t, err)

	// a session nobody joined cannot be completed, only cancelled
	_, err = f.svc.Complete(ctx, f.lesson.ID, f.teacher, "teacher", nil, nil)
	require.ErrorIs(t, err, ErrConflict)
	require.Equal(t, models.LessonScheduled, f.lessons.lessons[f.lesson.ID].Status)

	cancelled, err := f.svc.Cancel(ctx, f.lesson.ID, f.teacher, "teacher")
	require.NoError(t, err)
	require.Equal(t, sess.ID, cancelled.ID)
	require.Equal(t, models.SessionCancelled, cancelled.Status)
}

func TestCompleteAfterCancelConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	activeSession(t, f)

	_, err := f.svc.Cancel(ctx, f.lesson.ID, f.teacher, "teacher")
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, f.lesson.ID, f.teacher, "teacher", nil, nil)
	require.ErrorIs(t, err, ErrConflict)

	// a room that never had a session is a plain not-found
	ghost := f.lessons.add(f.teacher, f.student)
	_, err = f.svc.Complete(ctx, ghost.ID, f.teacher, "teacher", nil, nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteByStudentForbidden(t *testing.T) {
	f := newFixture(t)
	activeSession(t, f)

	_, err := f.svc.Complete(context.Background(), f.lesson.ID, f.student, "student", nil, nil)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestCompleteWithSuppliedSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	activeSession(t, f)

	payload := []byte(`{"strokes":[{"kind":"start","x":10,"y":10}]}`)
	_, err := f.svc.Complete(ctx, f.lesson.ID, f.teacher, "teacher", payload, nil)
	require.NoError(t, err)

	require.Len(t, f.boards.snaps, 1)
	require.Equal(t, payload, []byte(f.boards.snaps[0].Payload))
}

func TestCancelLeavesLessonScheduled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	activeSession(t, f)

	sess, err := f.svc.Cancel(ctx, f.lesson.ID, f.teacher, "teacher")
	require.NoError(t, err)
	require.Equal(t, models.SessionCancelled, sess.Status)

	require.Equal(t, models.LessonScheduled, f.lessons.lessons[f.lesson.ID].Status)
	require.Empty(t, f.boards.snaps)
	require.Empty(t, f.jobs.archives)

	// the room can host a fresh session afterwards
	fresh, err := f.svc.Ensure(ctx, f.lesson.ID)
	require.NoError(t, err)
	require.NotEqual(t, sess.ID, fresh.ID)
	require.Equal(t, models.SessionWaiting, fresh.Status)
}

func TestExpireOverlongForceCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := activeSession(t, f)

	// backdate both joins past the duration limit
	old := time.Now().Add(-2 * time.Hour)
	f.store.sessions[sess.ID].TeacherJoinedAt = &old
	f.store.sessions[sess.ID].StudentJoinedAt = &old

	n, err := f.svc.ExpireOverlong(ctx, 90*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	reaped, err := f.store.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionCompleted, reaped.Status)
	require.True(t, reaped.AutoCompleted)
	require.True(t, f.lessons.completed[f.lesson.ID], "lesson should be auto-completed")
	require.Len(t, f.jobs.archives, 1)
}

func TestExpireOverlongSkipsFresh(t *testing.T) {
	f := newFixture(t)
	activeSession(t, f)

	n, err := f.svc.ExpireOverlong(context.Background(), 90*time.Minute)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestAbandonStaleCancelsWaitingSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.Ensure(ctx, f.lesson.ID)
	require.NoError(t, err)
	f.store.sessions[sess.ID].CreatedAt = time.Now().Add(-25 * time.Hour)

	n, err := f.svc.AbandonStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	reaped, err := f.store.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionCancelled, reaped.Status)
	require.True(t, reaped.AutoCompleted)
	// a session that never started does not complete the lesson
	require.Equal(t, models.LessonScheduled, f.lessons.lessons[f.lesson.ID].Status)
	require.Empty(t, f.boards.snaps)
}

func TestAbandonStaleCompletesActiveSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess := activeSession(t, f)
	f.store.sessions[sess.ID].CreatedAt = time.Now().Add(-25 * time.Hour)

	n, err := f.svc.AbandonStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	reaped, err := f.store.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionCompleted, reaped.Status)
	require.True(t, reaped.AutoCompleted)
	require.True(t, f.lessons.completed[f.lesson.ID], "lesson should be auto-completed")
	require.Len(t, f.boards.snaps, 1)
}

func TestReapFailureDoesNotStallOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// two stale lessons, the first one's finish fails
	other := f.lessons.add(uuid.New(), uuid.New())
	old := time.Now().Add(-25 * time.Hour)

	s1, err := f.svc.Join(ctx, f.lesson.ID, f.teacher, "teacher")
	require.NoError(t, err)
	s2, err := f.svc.Join(ctx, other.ID, other.TeacherID, "teacher")
	require.NoError(t, err)
	f.store.sessions[s1.ID].CreatedAt = old
	f.store.sessions[s2.ID].CreatedAt = old
	f.store.failOn[s1.ID] = errors.New("storage down")

	n, err := f.svc.AbandonStale(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	survivor, err := f.store.GetByID(ctx, s2.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionCompleted, survivor.Status)
}
