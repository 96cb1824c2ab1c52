package engine

import (
	"context"
	"time"

	"github.com/PeerPigeon/PigeonMatch/internal/types"
)

// StartSync broadcasts the local clock every sync interval until StopSync or
// Close. Calling it while already running is a no-op.
func (e *Engine) StartSync() {
	if e.isClosed() {
		return
	}
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	if e.syncCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.syncCancel = cancel
	e.syncWG.Add(1)
	go e.syncLoop(ctx, e.syncInterval)
}

// StopSync halts the timer and waits for an in-flight tick to finish.
// No CLOCK_SYNC is emitted after it returns.
func (e *Engine) StopSync() {
	e.syncMu.Lock()
	cancel := e.syncCancel
	e.syncCancel = nil
	e.syncMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	e.syncWG.Wait()
}

// SyncInterval returns the configured timer period.
func (e *Engine) SyncInterval() time.Duration { return e.syncInterval }

func (e *Engine) syncLoop(ctx context.Context, interval time.Duration) {
	defer e.syncWG.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.syncClock(ctx)
		}
	}
}

// SyncClock broadcasts a CLOCK_SYNC carrying the local clock.
func (e *Engine) SyncClock() {
	e.syncClock(context.Background())
}

func (e *Engine) syncClock(ctx context.Context) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	// a tick that lost the race with StopSync must not emit
	if ctx.Err() != nil {
		return
	}
	e.stateMu.RLock()
	closed := e.closed
	vc := e.localClock.Clone()
	e.stateMu.RUnlock()
	if closed {
		return
	}

	if e.metrics != nil {
		e.metrics.ClockSyncs.Inc()
	}
	e.send(types.Message{Type: types.MsgClockSync, From: e.peerID, Clock: vc})
}
