package board

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opentutor/backend/internal/models"
)

// Events published on the room channel by board writes.
const (
	EventOperation    = "operation"
	EventBoardCleared = "board_cleared"
	EventBoardState   = "board_state"
)

// Store is the durable operation log and snapshot store.
type Store interface {
	Append(ctx context.Context, op *models.Operation) (*models.Operation, error)
	ListAfter(ctx context.Context, roomID uuid.UUID, afterSeq int64, limit int) ([]models.Operation, error)
	ListRecent(ctx context.Context, roomID uuid.UUID, limit int) ([]models.Operation, error)
	LastSeq(ctx context.Context, roomID uuid.UUID) (int64, error)
	Clear(ctx context.Context, roomID uuid.UUID) error
	Stats(ctx context.Context, roomID uuid.UUID) (*models.BoardStats, error)
	SaveSnapshot(ctx context.Context, roomID uuid.UUID, payload []byte) (*models.Snapshot, error)
	ActiveSnapshot(ctx context.Context, roomID uuid.UUID) (*models.Snapshot, error)
}

// Broadcaster delivers a room event to local websocket clients and publishes
// it for other server instances.
type Broadcaster interface {
	BroadcastToRoomAndPublish(roomID uuid.UUID, event string, payload interface{})
}

// RoomDirectory answers whether a room (lesson) exists.
type RoomDirectory interface {
	Exists(ctx context.Context, roomID uuid.UUID) (bool, error)
}

// Service sequences, stores and fans out whiteboard operations.
type Service struct {
	store     Store
	cache     *Cache
	hub       Broadcaster
	rooms     RoomDirectory
	batchSize int
	logger    *zap.Logger
}

// NewService creates the board service. hub and rooms may be nil (no fan-out,
// no room existence check).
func NewService(store Store, cache *Cache, hub Broadcaster, rooms RoomDirectory, batchSize int, logger *zap.Logger) *Service {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Service{
		store:     store,
		cache:     cache,
		hub:       hub,
		rooms:     rooms,
		batchSize: batchSize,
		logger:    logger,
	}
}

func validateOperation(op *models.Operation) error {
	if !op.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, op.Kind)
	}
	if op.Kind == models.OpDraw && (op.X == nil || op.Y == nil) {
		return fmt.Errorf("%w: draw requires x and y", ErrValidation)
	}
	if op.Width != nil && *op.Width <= 0 {
		return fmt.Errorf("%w: width must be positive", ErrValidation)
	}
	return nil
}

func (s *Service) checkRoom(ctx context.Context, roomID uuid.UUID) error {
	if s.rooms == nil {
		return nil
	}
	ok, err := s.rooms.Exists(ctx, roomID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: room %s", ErrNotFound, roomID)
	}
	return nil
}

// Append validates the operation, persists it with the next sequence number,
// invalidates the room's cached reads and fans the stored operation out.
// Validation failures leave no trace in the log.
func (s *Service) Append(ctx context.Context, op *models.Operation) (*models.Operation, error) {
	if err := validateOperation(op); err != nil {
		return nil, err
	}
	if err := s.checkRoom(ctx, op.RoomID); err != nil {
		return nil, err
	}

	stored, err := s.store.Append(ctx, op)
	if err != nil {
		return nil, err
	}
	s.cache.InvalidateRoom(stored.RoomID)
	if s.hub != nil {
		s.hub.BroadcastToRoomAndPublish(stored.RoomID, EventOperation, stored)
	}
	return stored, nil
}

// ListAfter returns operations with seq greater than afterSeq, cached per
// (room, afterSeq) for the cache TTL.
func (s *Service) ListAfter(ctx context.Context, roomID uuid.UUID, afterSeq int64) ([]models.Operation, error) {
	key := cacheKeyAfter(afterSeq)
	if ops, ok := s.cache.getOps(roomID, key); ok {
		return ops, nil
	}
	gen := s.cache.generation(roomID)
	ops, err := s.store.ListAfter(ctx, roomID, afterSeq, 0)
	if err != nil {
		return nil, err
	}
	s.cache.putOps(roomID, key, ops, gen)
	return ops, nil
}

// ListRecent returns the most recent limit operations in sequence order.
func (s *Service) ListRecent(ctx context.Context, roomID uuid.UUID, limit int) ([]models.Operation, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: recent limit must be positive", ErrValidation)
	}
	key := cacheKeyRecent(limit)
	if ops, ok := s.cache.getOps(roomID, key); ok {
		return ops, nil
	}
	gen := s.cache.generation(roomID)
	ops, err := s.store.ListRecent(ctx, roomID, limit)
	if err != nil {
		return nil, err
	}
	s.cache.putOps(roomID, key, ops, gen)
	return ops, nil
}

// ListAll replays the full log in bounded batches so one huge room cannot
// pin a single oversized query result.
func (s *Service) ListAll(ctx context.Context, roomID uuid.UUID) ([]models.Operation, error) {
	var all []models.Operation
	cursor := int64(0)
	for {
		batch, err := s.store.ListAfter(ctx, roomID, cursor, s.batchSize)
		if err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < s.batchSize {
			return all, nil
		}
		cursor = batch[len(batch)-1].Seq
	}
}

// LastSeq returns the room's highest assigned sequence number.
func (s *Service) LastSeq(ctx context.Context, roomID uuid.UUID) (int64, error) {
	if seq, ok := s.cache.getLastSeq(roomID); ok {
		return seq, nil
	}
	gen := s.cache.generation(roomID)
	seq, err := s.store.LastSeq(ctx, roomID)
	if err != nil {
		return 0, err
	}
	s.cache.putLastSeq(roomID, seq, gen)
	return seq, nil
}

// Clear wipes the room's log and sequence counter, so numbering restarts at 1,
// and tells every client to blank its canvas.
func (s *Service) Clear(ctx context.Context, roomID uuid.UUID) error {
	if err := s.checkRoom(ctx, roomID); err != nil {
		return err
	}
	if err := s.store.Clear(ctx, roomID); err != nil {
		return err
	}
	s.cache.InvalidateRoom(roomID)
	if s.hub != nil {
		s.hub.BroadcastToRoomAndPublish(roomID, EventBoardCleared, map[string]interface{}{"room_id": roomID})
	}
	s.logger.Info("board cleared", zap.String("room_id", roomID.String()))
	return nil
}

// Stats returns aggregate numbers for the room's log.
func (s *Service) Stats(ctx context.Context, roomID uuid.UUID) (*models.BoardStats, error) {
	return s.store.Stats(ctx, roomID)
}

// SaveSnapshot stores a new active snapshot for the room and broadcasts the
// fresh board state so late joiners on other instances resync.
func (s *Service) SaveSnapshot(ctx context.Context, roomID uuid.UUID, payload []byte) (*models.Snapshot, error) {
	if err := s.checkRoom(ctx, roomID); err != nil {
		return nil, err
	}
	snap, err := s.store.SaveSnapshot(ctx, roomID, payload)
	if err != nil {
		return nil, err
	}
	if s.hub != nil {
		s.hub.BroadcastToRoomAndPublish(roomID, EventBoardState, snap)
	}
	return snap, nil
}

// ActiveSnapshot returns the room's current snapshot, or nil if none exists.
func (s *Service) ActiveSnapshot(ctx context.Context, roomID uuid.UUID) (*models.Snapshot, error) {
	return s.store.ActiveSnapshot(ctx, roomID)
}
