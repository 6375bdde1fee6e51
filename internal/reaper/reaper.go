package reaper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sessions is the slice of the session service the reaper drives.
type Sessions interface {
	ExpireOverlong(ctx context.Context, maxDuration time.Duration) (int, error)
	AbandonStale(ctx context.Context, ceiling time.Duration) (int, error)
}

// Reaper periodically closes sessions nobody ended: active sessions past the
// lesson duration limit are force-completed, and live sessions older than the
// abandon ceiling are cancelled.
type Reaper struct {
	sessions    Sessions
	interval    time.Duration
	maxDuration time.Duration
	ceiling     time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a reaper.
func New(sessions Sessions, interval, maxDuration, ceiling time.Duration, logger *zap.Logger) *Reaper {
	return &Reaper{
		sessions:    sessions,
		interval:    interval,
		maxDuration: maxDuration,
		ceiling:     ceiling,
		logger:      logger,
	}
}

// Start begins the reap loop. One pass runs immediately.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx)
	r.logger.Info("session reaper started",
		zap.Duration("interval", r.interval),
		zap.Duration("max_duration", r.maxDuration),
		zap.Duration("abandon_ceiling", r.ceiling))
}

// Stop halts the reap loop and waits for an in-flight pass to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.cancel = nil
	<-r.done
	r.logger.Info("session reaper stopped")
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)
	r.runOnce(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

// runOnce applies both rules. The duration rule runs first so an overlong
// active session is completed rather than swept up by the abandon ceiling.
func (r *Reaper) runOnce(ctx context.Context) {
	completed, err := r.sessions.ExpireOverlong(ctx, r.maxDuration)
	if err != nil {
		r.logger.Error("reap pass: expire overlong failed", zap.Error(err))
	}
	abandoned, err := r.sessions.AbandonStale(ctx, r.ceiling)
	if err != nil {
		r.logger.Error("reap pass: abandon stale failed", zap.Error(err))
	}
	if completed > 0 || abandoned > 0 {
		r.logger.Info("reap pass finished",
			zap.Int("completed", completed),
			zap.Int("abandoned", abandoned))
	}
}
