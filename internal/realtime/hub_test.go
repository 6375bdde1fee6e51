package realtime

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (f *fakePublisher) PublishRoomEvent(_ uuid.UUID, event string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

type fakeSubscriber struct {
	mu        sync.Mutex
	active    int
	cancelled int
}

func (f *fakeSubscriber) SubscribeRoom(_ uuid.UUID, _ func(event string, payload []byte)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancelled++
	}, nil
}

func testClient(roomID uuid.UUID, buffer int) *Client {
	return &Client{
		ID:     uuid.New().String(),
		RoomID: roomID,
		UserID: uuid.New(),
		Name:   "Test User",
		Role:   "student",
		send:   make(chan WSMessage, buffer),
	}
}

func TestHubRegisterSubscribesOnce(t *testing.T) {
	sub := &fakeSubscriber{}
	h := NewHub(zap.NewNop(), nil, sub)
	roomID := uuid.New()

	c1 := testClient(roomID, 1)
	c2 := testClient(roomID, 1)
	h.Register(c1)
	h.Register(c2)
	require.Equal(t, 1, sub.active, "one subscription per room")
	require.Equal(t, 2, h.ParticipantCount(roomID))

	h.Unregister(c1)
	require.Zero(t, sub.cancelled)
	h.Unregister(c2)
	require.Equal(t, 1, sub.cancelled, "subscription cancelled when room empties")
	require.Zero(t, h.ParticipantCount(roomID))
}

func TestHubBroadcastDeliversToRoomOnly(t *testing.T) {
	h := NewHub(zap.NewNop(), nil, nil)
	roomID := uuid.New()
	c1 := testClient(roomID, 4)
	c2 := testClient(roomID, 4)
	outsider := testClient(uuid.New(), 4)
	h.Register(c1)
	h.Register(c2)
	h.Register(outsider)

	h.BroadcastToRoom(roomID, EventCursor, map[string]float64{"x": 1, "y": 2})

	require.Len(t, c1.send, 1)
	require.Len(t, c2.send, 1)
	require.Empty(t, outsider.send)

	msg := <-c1.send
	require.Equal(t, EventCursor, msg.Event)
	var body map[string]float64
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	require.Equal(t, 1.0, body["x"])
}

func TestHubBroadcastSkipsFullBuffers(t *testing.T) {
	h := NewHub(zap.NewNop(), nil, nil)
	roomID := uuid.New()
	slow := testClient(roomID, 1)
	fast := testClient(roomID, 4)
	h.Register(slow)
	h.Register(fast)

	h.BroadcastToRoom(roomID, EventCursor, "a")
	h.BroadcastToRoom(roomID, EventCursor, "b")

	require.Len(t, slow.send, 1, "second message dropped for the slow client")
	require.Len(t, fast.send, 2)
}

func TestHubBroadcastDuringChurn(t *testing.T) {
	h := NewHub(zap.NewNop(), nil, nil)
	roomID := uuid.New()

	stay := testClient(roomID, 256)
	h.Register(stay)

	// clients join and leave the room while broadcasts are in flight
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				c := testClient(roomID, 1)
				h.Register(c)
				h.Unregister(c)
			}
		}
	}()

	for i := 0; i < 500; i++ {
		h.BroadcastToRoom(roomID, EventCursor, i)
	}
	close(done)
	wg.Wait()

	require.NotEmpty(t, stay.send)
	require.Equal(t, 1, h.ParticipantCount(roomID))
}

func TestHubBroadcastAndPublish(t *testing.T) {
	pub := &fakePublisher{}
	h := NewHub(zap.NewNop(), pub, nil)
	roomID := uuid.New()
	c := testClient(roomID, 4)
	h.Register(c)

	h.BroadcastToRoomAndPublish(roomID, EventOperation, map[string]int{"seq": 1})

	require.Len(t, c.send, 1)
	require.Equal(t, []string{EventOperation}, pub.events)
}

func TestHubSendToClient(t *testing.T) {
	h := NewHub(zap.NewNop(), nil, nil)
	roomID := uuid.New()
	c1 := testClient(roomID, 4)
	c2 := testClient(roomID, 4)
	h.Register(c1)
	h.Register(c2)

	h.SendToClient(roomID, c1.ID, EventError, map[string]string{"message": "bad"})

	require.Len(t, c1.send, 1)
	require.Empty(t, c2.send)
}
