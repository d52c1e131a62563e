//go:build linux
// +build linux

package endpoint

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// scriptedHost fails the first failures accepts, then hands out fd 42. The
// endpoint stops once the socket reached setSocketOptions.
type scriptedHost struct {
	mu       sync.Mutex
	running  atomic.Bool
	paused   atomic.Bool
	gate     *limitLatch
	failures int
	configOK bool

	ctx          context.Context
	afterCountUp func()

	acceptor   *Acceptor
	accepts    int
	delaysSeen []time.Duration
	configured []int
	closed     []int
}

func newScriptedHost(failures int) *scriptedHost {
	h := &scriptedHost{gate: newLimitLatch(10), failures: failures, configOK: true}
	h.running.Store(true)
	return h
}

func (h *scriptedHost) isRunning() bool { return h.running.Load() }
func (h *scriptedHost) isPaused() bool  { return h.paused.Load() }

func (h *scriptedHost) countUpOrAwaitConnection() error {
	ctx := h.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := h.gate.countUpOrAwait(ctx); err != nil {
		return err
	}
	if h.afterCountUp != nil {
		h.afterCountUp()
	}
	return nil
}

func (h *scriptedHost) connectionWithinLimit() bool {
	return h.gate.withinLimit()
}

func (h *scriptedHost) countDownConnection() {
	h.gate.countDown()
}

func (h *scriptedHost) serverSocketAccept() (int, unix.Sockaddr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.accepts++
	h.delaysSeen = append(h.delaysSeen, h.acceptor.errorDelay)
	if h.accepts <= h.failures {
		return -1, nil, errors.New("accept: too many open files")
	}
	return 42, &unix.SockaddrInet4{Port: 1234}, nil
}

func (h *scriptedHost) setSocketOptions(fd int, _ unix.Sockaddr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.configured = append(h.configured, fd)
	h.running.Store(false)
	return h.configOK
}

func (h *scriptedHost) closeSocket(fd int) {
	h.mu.Lock()
	h.closed = append(h.closed, fd)
	h.mu.Unlock()
	h.gate.countDown()
}

func newScriptedAcceptor(h *scriptedHost) (*Acceptor, *[]time.Duration) {
	a := newAcceptor("test", h, normPriority)
	var slept []time.Duration
	a.sleep = func(d time.Duration) { slept = append(slept, d) }
	h.acceptor = a
	return a, &slept
}

// Three failed accepts then a success. The first failure retries at once and
// arms 50ms; each further failure sleeps the armed delay and doubles it. So
// the delays armed after the failures are 50ms, 100ms and 200ms, while the
// sleeps actually taken are 50ms and 100ms.
func TestAcceptorBackoffArmsDoublingDelays(t *testing.T) {
	h := newScriptedHost(3)
	a, slept := newScriptedAcceptor(h)
	a.Run()

	assert.Equal(t, AcceptorEnded, a.State())
	// delay in force before each accept attempt
	assert.Equal(t, []time.Duration{0, 50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}, h.delaysSeen)
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}, *slept)
	assert.Equal(t, time.Duration(0), a.errorDelay, "success resets the backoff")

	// failed accepts gave their slot back, the accepted socket keeps one
	assert.Equal(t, int64(1), h.gate.getCount())
	assert.Equal(t, []int{42}, h.configured)
	assert.Empty(t, h.closed)
}

func TestAcceptorBackoffIsCapped(t *testing.T) {
	a, slept := newScriptedAcceptor(newScriptedHost(0))
	for i := 0; i < 10; i++ {
		a.handleErrorWithDelay()
	}
	assert.Equal(t, maxErrorDelay, a.errorDelay)
	assert.Equal(t, maxErrorDelay, (*slept)[len(*slept)-1])
	assert.Equal(t, initialErrorDelay, (*slept)[0])
}

func TestAcceptorClosesSocketWhenConfigurationFails(t *testing.T) {
	h := newScriptedHost(0)
	h.configOK = false
	a, _ := newScriptedAcceptor(h)
	a.Run()

	assert.Equal(t, []int{42}, h.configured)
	assert.Equal(t, []int{42}, h.closed)
	assert.Equal(t, int64(0), h.gate.getCount())
}

func TestAcceptorWaitsWhilePaused(t *testing.T) {
	h := newScriptedHost(0)
	h.paused.Store(true)
	a := newAcceptor("test", h, normPriority)
	h.acceptor = a
	pauses := 0
	a.sleep = func(d time.Duration) {
		require.Equal(t, pausedCheckDelay, d)
		pauses++
		if pauses == 3 {
			h.paused.Store(false)
		}
	}
	a.Run()

	assert.Equal(t, 3, pauses)
	assert.Equal(t, 1, h.accepts)
}

func TestAcceptorGivesBackSlotTakenAcrossResume(t *testing.T) {
	h := newScriptedHost(0)
	h.gate = newLimitLatch(1)
	require.NoError(t, h.gate.countUpOrAwait(context.Background()))
	// paused: the gate lets the acceptor through over the limit
	h.gate.releaseAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ctx = ctx
	h.afterCountUp = func() {
		h.afterCountUp = nil
		// resumed before the acceptor looked at the pause flag
		h.gate.reset()
	}
	a, _ := newScriptedAcceptor(h)
	go a.Run()

	assert.Eventually(t, func() bool { return h.gate.waiters() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.gate.getCount())
	h.mu.Lock()
	assert.Zero(t, h.accepts, "no accept above the limit")
	h.mu.Unlock()

	h.running.Store(false)
	cancel()
	require.True(t, a.wait(time.Second))
}
