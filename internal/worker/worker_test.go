package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opentutor/backend/pkg/queue"
)

// failingQueue always errors on dequeue, driving Run into its backoff path.
type failingQueue struct {
	dequeues atomic.Int64
}

func (q *failingQueue) Dequeue(ctx context.Context) (*queue.Job, string, error) {
	q.dequeues.Add(1)
	return nil, "", errors.New("redis unavailable")
}

func (q *failingQueue) Retry(context.Context, *queue.Job) error { return nil }

func TestRunReturnsPromptlyOnCancel(t *testing.T) {
	q := &failingQueue{}
	p := &BoardProcessor{queue: q, logger: zap.NewNop()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	// wait until the loop is inside the retry backoff, then cancel
	require.Eventually(t, func() bool { return q.dequeues.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestProcessRejectsUnknownJobType(t *testing.T) {
	p := &BoardProcessor{logger: zap.NewNop()}
	err := p.Process(context.Background(), &queue.Job{ID: "j1", Type: "reindex"})
	require.Error(t, err)
}
