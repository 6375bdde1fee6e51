package board

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opentutor/backend/internal/models"
)

type fakeStore struct {
	mu        sync.Mutex
	ops       map[uuid.UUID][]models.Operation
	seqs      map[uuid.UUID]int64
	snaps     map[uuid.UUID]*models.Snapshot
	listCalls int
	listHook  func() // runs after a list result is computed, before it is returned
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		ops:   make(map[uuid.UUID][]models.Operation),
		seqs:  make(map[uuid.UUID]int64),
		snaps: make(map[uuid.UUID]*models.Snapshot),
	}
}

func (f *fakeStore) Append(_ context.Context, op *models.Operation) (*models.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seqs[op.RoomID]++
	stored := *op
	stored.ID = uuid.New()
	stored.Seq = f.seqs[op.RoomID]
	stored.CreatedAt = time.Now()
	f.ops[op.RoomID] = append(f.ops[op.RoomID], stored)
	return &stored, nil
}

func (f *fakeStore) ListAfter(_ context.Context, roomID uuid.UUID, afterSeq int64, limit int) ([]models.Operation, error) {
	f.mu.Lock()
	f.listCalls++
	var out []models.Operation
	for _, op := range f.ops[roomID] {
		if op.Seq > afterSeq {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	hook := f.listHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (f *fakeStore) ListRecent(_ context.Context, roomID uuid.UUID, limit int) ([]models.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	all := append([]models.Operation(nil), f.ops[roomID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (f *fakeStore) LastSeq(_ context.Context, roomID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seqs[roomID], nil
}

func (f *fakeStore) Clear(_ context.Context, roomID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ops, roomID)
	delete(f.seqs, roomID)
	delete(f.snaps, roomID)
	return nil
}

func (f *fakeStore) Stats(_ context.Context, roomID uuid.UUID) (*models.BoardStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	actors := make(map[uuid.UUID]struct{})
	for _, op := range f.ops[roomID] {
		actors[op.ActorID] = struct{}{}
	}
	return &models.BoardStats{
		RoomID:          roomID,
		TotalOperations: int64(len(f.ops[roomID])),
		LastSeq:         f.seqs[roomID],
		DistinctActors:  len(actors),
	}, nil
}

func (f *fakeStore) SaveSnapshot(_ context.Context, roomID uuid.UUID, payload []byte) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	version := int64(1)
	if prev := f.snaps[roomID]; prev != nil {
		version = prev.Version + 1
	}
	snap := &models.Snapshot{
		ID:        uuid.New(),
		RoomID:    roomID,
		Payload:   json.RawMessage(payload),
		Version:   version,
		Active:    true,
		CreatedAt: time.Now(),
	}
	f.snaps[roomID] = snap
	return snap, nil
}

func (f *fakeStore) ActiveSnapshot(_ context.Context, roomID uuid.UUID) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snaps[roomID], nil
}

type recordedEvent struct {
	roomID  uuid.UUID
	event   string
	payload interface{}
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeBroadcaster) BroadcastToRoomAndPublish(roomID uuid.UUID, event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{roomID: roomID, event: event, payload: payload})
}

func (f *fakeBroadcaster) recorded() []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedEvent(nil), f.events...)
}

type fakeRooms struct {
	known map[uuid.UUID]bool
}

func (f *fakeRooms) Exists(_ context.Context, roomID uuid.UUID) (bool, error) {
	return f.known[roomID], nil
}

func newTestService(store *fakeStore, hub *fakeBroadcaster, rooms RoomDirectory, batchSize int) *Service {
	var b Broadcaster
	if hub != nil {
		b = hub
	}
	return NewService(store, NewCache(time.Minute, 1000), b, rooms, batchSize, zap.NewNop())
}

func drawOp(roomID, actorID uuid.UUID) *models.Operation {
	x, y := 10.5, 20.5
	return &models.Operation{RoomID: roomID, Kind: models.OpDraw, X: &x, Y: &y, ActorID: actorID, ActorName: "Test User"}
}

func TestAppendAssignsSequentialNumbers(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil, nil, 0)
	roomID := uuid.New()
	actorID := uuid.New()

	for i := 0; i < 3; i++ {
		op, err := svc.Append(context.Background(), drawOp(roomID, actorID))
		require.NoError(t, err)
		require.Equal(t, int64(i+1), op.Seq)
	}
}

func TestConcurrentAppendsAreGapless(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil, nil, 0)
	roomID := uuid.New()

	const n = 50
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			op, err := svc.Append(context.Background(), drawOp(roomID, uuid.New()))
			require.NoError(t, err)
			seqs <- op.Seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		require.False(t, seen[seq], "sequence %d assigned twice", seq)
		seen[seq] = true
	}
	for i := int64(1); i <= n; i++ {
		require.True(t, seen[i], "sequence %d missing", i)
	}
}

func TestAppendValidation(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil, nil, 0)
	roomID := uuid.New()

	_, err := svc.Append(context.Background(), &models.Operation{
		RoomID: roomID, Kind: "scribble", ActorID: uuid.New(),
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.Append(context.Background(), &models.Operation{
		RoomID: roomID, Kind: models.OpDraw, ActorID: uuid.New(),
	})
	require.ErrorIs(t, err, ErrValidation)

	// rejected operations leave no trace
	seq, err := svc.LastSeq(context.Background(), roomID)
	require.NoError(t, err)
	require.Zero(t, seq)
	require.Empty(t, store.ops[roomID])
}

func TestAppendUnknownRoom(t *testing.T) {
	store := newFakeStore()
	rooms := &fakeRooms{known: map[uuid.UUID]bool{}}
	svc := newTestService(store, nil, rooms, 0)

	_, err := svc.Append(context.Background(), drawOp(uuid.New(), uuid.New()))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStrokeLifecycle(t *testing.T) {
	store := newFakeStore()
	hub := &fakeBroadcaster{}
	svc := newTestService(store, hub, nil, 0)
	roomID := uuid.New()
	actorID := uuid.New()
	ctx := context.Background()

	x, y := 1.0, 2.0
	kinds := []models.OperationKind{models.OpStart, models.OpDraw, models.OpEnd}
	for _, kind := range kinds {
		_, err := svc.Append(ctx, &models.Operation{
			RoomID: roomID, Kind: kind, X: &x, Y: &y, ActorID: actorID, ActorName: "Teacher",
		})
		require.NoError(t, err)
	}

	all, err := svc.ListAll(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, op := range all {
		require.Equal(t, int64(i+1), op.Seq)
		require.Equal(t, kinds[i], op.Kind)
	}

	after, err := svc.ListAfter(ctx, roomID, 1)
	require.NoError(t, err)
	require.Len(t, after, 2)
	require.Equal(t, int64(2), after[0].Seq)
	require.Equal(t, int64(3), after[1].Seq)

	// every append fanned out, in sequence order
	events := hub.recorded()
	require.Len(t, events, 3)
	for i, ev := range events {
		require.Equal(t, EventOperation, ev.event)
		op, ok := ev.payload.(*models.Operation)
		require.True(t, ok)
		require.Equal(t, int64(i+1), op.Seq)
	}

	require.NoError(t, svc.Clear(ctx, roomID))

	all, err = svc.ListAll(ctx, roomID)
	require.NoError(t, err)
	require.Empty(t, all)

	stats, err := svc.Stats(ctx, roomID)
	require.NoError(t, err)
	require.Zero(t, stats.TotalOperations)
	require.Zero(t, stats.LastSeq)

	events = hub.recorded()
	require.Equal(t, EventBoardCleared, events[len(events)-1].event)

	// numbering restarts after clear
	op, err := svc.Append(ctx, drawOp(roomID, actorID))
	require.NoError(t, err)
	require.Equal(t, int64(1), op.Seq)
}

func TestListRecentReturnsTailInOrder(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil, nil, 0)
	roomID := uuid.New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Append(ctx, drawOp(roomID, uuid.New()))
		require.NoError(t, err)
	}

	recent, err := svc.ListRecent(ctx, roomID, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, int64(4), recent[0].Seq)
	require.Equal(t, int64(5), recent[1].Seq)

	_, err = svc.ListRecent(ctx, roomID, 0)
	require.ErrorIs(t, err, ErrValidation)
}

func TestListAllBatches(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil, nil, 2)
	roomID := uuid.New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Append(ctx, drawOp(roomID, uuid.New()))
		require.NoError(t, err)
	}

	all, err := svc.ListAll(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, op := range all {
		require.Equal(t, int64(i+1), op.Seq)
	}
	// 5 ops at batch size 2 means three store round trips
	require.Equal(t, 3, store.listCalls)
}

func TestReadsAreCachedUntilWrite(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil, nil, 0)
	roomID := uuid.New()
	ctx := context.Background()

	_, err := svc.Append(ctx, drawOp(roomID, uuid.New()))
	require.NoError(t, err)

	_, err = svc.ListAfter(ctx, roomID, 0)
	require.NoError(t, err)
	calls := store.listCalls

	// second identical read is served from cache
	_, err = svc.ListAfter(ctx, roomID, 0)
	require.NoError(t, err)
	require.Equal(t, calls, store.listCalls)

	// a write invalidates, so the next read hits the store and sees it
	_, err = svc.Append(ctx, drawOp(roomID, uuid.New()))
	require.NoError(t, err)
	ops, err := svc.ListAfter(ctx, roomID, 0)
	require.NoError(t, err)
	require.Equal(t, calls+1, store.listCalls)
	require.Len(t, ops, 2)
}

func TestReadRacingWriteDoesNotCacheStale(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil, nil, 0)
	roomID := uuid.New()
	ctx := context.Background()

	_, err := svc.Append(ctx, drawOp(roomID, uuid.New()))
	require.NoError(t, err)

	// a write lands after this read's store query but before its result
	// would be cached
	var once sync.Once
	store.listHook = func() {
		once.Do(func() {
			_, err := svc.Append(ctx, drawOp(roomID, uuid.New()))
			require.NoError(t, err)
		})
	}

	stale, err := svc.ListAfter(ctx, roomID, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	// the interleaved write invalidated, so the pre-write result must not
	// have been cached: this read hits the store and sees both operations
	ops, err := svc.ListAfter(ctx, roomID, 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
}

func TestLastSeqCached(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, nil, nil, 0)
	roomID := uuid.New()
	ctx := context.Background()

	seq, err := svc.LastSeq(ctx, roomID)
	require.NoError(t, err)
	require.Zero(t, seq)

	_, err = svc.Append(ctx, drawOp(roomID, uuid.New()))
	require.NoError(t, err)

	seq, err = svc.LastSeq(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)
}

func TestSaveSnapshotBroadcastsState(t *testing.T) {
	store := newFakeStore()
	hub := &fakeBroadcaster{}
	svc := newTestService(store, hub, nil, 0)
	roomID := uuid.New()
	ctx := context.Background()

	snap, err := svc.SaveSnapshot(ctx, roomID, []byte(`{"strokes":[]}`))
	require.NoError(t, err)
	require.Equal(t, int64(1), snap.Version)
	require.True(t, snap.Active)

	snap2, err := svc.SaveSnapshot(ctx, roomID, []byte(`{"strokes":[1]}`))
	require.NoError(t, err)
	require.Equal(t, int64(2), snap2.Version)

	active, err := svc.ActiveSnapshot(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, snap2.ID, active.ID)

	events := hub.recorded()
	require.Len(t, events, 2)
	require.Equal(t, EventBoardState, events[0].event)
}
