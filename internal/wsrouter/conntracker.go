package wsrouter

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// nextSessionID hands out a globally-unique session id per accepted
// socket, per spec §4.1.
func nextSessionID() string {
	return uuid.NewString()
}

type trackedConn struct {
	lastActivity atomic.Int64 // unix nanoseconds
	close        func(reason string)
}

// connTracker is the watchdog's view of every accepted socket across all
// four paths: it only needs last-activity and a way to close, not the
// connection type, so one tracker serves /ssh, /monitor, /monitor-client,
// and /ai alike.
type connTracker struct {
	mu    sync.Mutex
	conns map[string]*trackedConn
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[string]*trackedConn)}
}

func (t *connTracker) register(id string, close func(reason string)) {
	tc := &trackedConn{close: close}
	tc.lastActivity.Store(time.Now().UnixNano())
	t.mu.Lock()
	t.conns[id] = tc
	t.mu.Unlock()
}

func (t *connTracker) touch(id string) {
	t.mu.Lock()
	tc, ok := t.conns[id]
	t.mu.Unlock()
	if ok {
		tc.lastActivity.Store(time.Now().UnixNano())
	}
}

func (t *connTracker) unregister(id string) {
	t.mu.Lock()
	delete(t.conns, id)
	t.mu.Unlock()
}

// sweep closes every socket whose last activity exceeds idleTimeout.
func (t *connTracker) sweep(idleTimeout time.Duration) {
	cutoff := time.Now().Add(-idleTimeout).UnixNano()

	t.mu.Lock()
	var stale []*trackedConn
	for id, tc := range t.conns {
		if tc.lastActivity.Load() < cutoff {
			stale = append(stale, tc)
			delete(t.conns, id)
		}
	}
	t.mu.Unlock()

	for _, tc := range stale {
		tc.close("idle timeout")
	}
}

// runWatchdog sweeps on every tick until stop is closed.
func (t *connTracker) runWatchdog(interval, idleTimeout time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.sweep(idleTimeout)
		}
	}
}
