//go:build linux
// +build linux

package endpoint

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type dispatched struct {
	w        *SocketWrapper
	event    SocketEvent
	dispatch bool
}

// recordingDispatcher stands in for the endpoint behind a poller.
type recordingDispatcher struct {
	mu     sync.Mutex
	calls  []dispatched
	accept bool
}

func (d *recordingDispatcher) processSocket(w *SocketWrapper, event SocketEvent, dispatch bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatched{w: w, event: event, dispatch: dispatch})
	return d.accept
}

func (d *recordingDispatcher) events() []SocketEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SocketEvent, 0, len(d.calls))
	for _, c := range d.calls {
		out = append(out, c.event)
	}
	return out
}

func (d *recordingDispatcher) last() dispatched {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[len(d.calls)-1]
}

func newTestPoller(t *testing.T, d dispatcher) *Poller {
	t.Helper()
	p, err := newPoller(0, "test-poller", d, pollerConfig{
		endpoint:        "test",
		selectorTimeout: 20 * time.Millisecond,
		timeoutInterval: 20 * time.Millisecond,
		inboxLimit:      16,
	})
	require.NoError(t, err)
	return p
}

func newPolledWrapper(t *testing.T, cfg wrapperConfig) (*SocketWrapper, int) {
	t.Helper()
	fd, peer := socketPair(t)
	w := newSocketWrapper(newTCPChannel(fd), nil, cfg, nil, nil)
	t.Cleanup(w.Close)
	return w, peer
}

func TestPollerDrainsInboxSnapshot(t *testing.T) {
	p := newTestPoller(t, &recordingDispatcher{accept: true})
	defer p.reg.close()

	// an invalid fd fails registration; the close it triggers queues a
	// cancel while the inbox is being drained
	w := newSocketWrapper(newFakeChannel(-1), nil, testWrapperConfig(), nil, nil)
	p.register(w)
	assert.Equal(t, 1, p.pendingEvents())

	assert.True(t, p.drainEvents())
	assert.True(t, w.IsClosed())
	assert.Equal(t, 1, p.pendingEvents())
	assert.Equal(t, 0, p.keyCount())

	assert.True(t, p.drainEvents())
	assert.Equal(t, 0, p.pendingEvents())
	assert.False(t, p.drainEvents())
}

func TestPollerIgnoresEventsForReplacedKeys(t *testing.T) {
	p := newTestPoller(t, &recordingDispatcher{accept: true})
	defer p.reg.close()

	w, _ := newPolledWrapper(t, testWrapperConfig())
	p.register(w)
	p.drainEvents()
	require.Equal(t, 1, p.keyCount())

	stale := newSocketWrapper(newFakeChannel(w.Fd()), nil, testWrapperConfig(), nil, nil)
	p.add(stale, opWrite)
	p.cancel(stale)
	p.drainEvents()

	key := p.keys[w.Fd()]
	require.NotNil(t, key)
	assert.Same(t, w, key.w)
	assert.Equal(t, opRead, key.interest)
}

func TestPollerTimeoutSweep(t *testing.T) {
	d := &recordingDispatcher{accept: true}
	p := newTestPoller(t, d)
	defer p.reg.close()

	cfg := testWrapperConfig()
	cfg.readTimeout = 10 * time.Millisecond
	w, _ := newPolledWrapper(t, cfg)
	p.register(w)
	p.drainEvents()

	p.timeout(0, false)
	assert.Empty(t, d.events())

	time.Sleep(30 * time.Millisecond)
	p.nextExpiration = time.Now().Add(time.Hour)
	p.timeout(1, true)
	assert.Empty(t, d.events(), "a busy loop skips the sweep until the next expiration")

	// an idle loop always sweeps
	p.timeout(0, false)
	require.Equal(t, []SocketEvent{EventError}, d.events())
	assert.True(t, d.last().dispatch)
	assert.ErrorIs(t, w.Err(), ErrSocketTimeout)
	assert.Equal(t, interestOp(0), p.keys[w.Fd()].interest)
	assert.False(t, w.IsClosed())
}

func TestPollerTimeoutClosesOnRejectedDispatch(t *testing.T) {
	d := &recordingDispatcher{accept: false}
	p := newTestPoller(t, d)
	defer p.reg.close()

	cfg := testWrapperConfig()
	cfg.readTimeout = time.Millisecond
	w, _ := newPolledWrapper(t, cfg)
	p.register(w)
	p.drainEvents()

	time.Sleep(10 * time.Millisecond)
	p.timeout(0, false)
	assert.Equal(t, []SocketEvent{EventError}, d.events())
	assert.True(t, w.IsClosed())
	assert.Equal(t, 0, p.keyCount())
}

func TestPollerDispatchesReadBeforeWrite(t *testing.T) {
	d := &recordingDispatcher{accept: true}
	p := newTestPoller(t, d)
	go p.Run()
	defer p.destroy(time.Second)

	w, peer := newPolledWrapper(t, testWrapperConfig())
	_, err := unix.Write(peer, []byte("data"))
	require.NoError(t, err)

	p.register(w)
	w.RegisterWriteInterest()

	assert.Eventually(t, func() bool { return len(d.events()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []SocketEvent{EventOpenRead, EventOpenWrite}, d.events())

	// interest is consumed by the dispatch
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, d.events(), 2)

	w.RegisterReadInterest()
	assert.Eventually(t, func() bool { return len(d.events()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, EventOpenRead, d.last().event)
}

func TestPollerDestroyStopsConnections(t *testing.T) {
	d := &recordingDispatcher{accept: true}
	p := newTestPoller(t, d)
	go p.Run()

	w, _ := newPolledWrapper(t, testWrapperConfig())
	p.register(w)
	assert.Eventually(t, func() bool { return p.pendingEvents() == 0 }, time.Second, 5*time.Millisecond)

	assert.True(t, p.destroy(time.Second))
	require.Equal(t, []SocketEvent{EventStop}, d.events())
	assert.False(t, d.last().dispatch)
	assert.True(t, w.IsClosed())
}

func TestReadyOps(t *testing.T) {
	assert.Equal(t, opRead, readyOps(unix.EPOLLIN, opRead|opWrite))
	assert.Equal(t, opWrite, readyOps(unix.EPOLLOUT, opRead|opWrite))
	assert.Equal(t, opRead|opWrite, readyOps(unix.EPOLLHUP, opRead|opWrite))
	assert.Equal(t, opWrite, readyOps(unix.EPOLLERR, opWrite))
	assert.Equal(t, interestOp(0), readyOps(unix.EPOLLOUT, opRead))
}
