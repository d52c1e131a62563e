//go:build linux
// +build linux

package endpoint

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-nioendpoint/log"
)

const (
	initialErrorDelay = 50 * time.Millisecond
	maxErrorDelay     = 1600 * time.Millisecond
	pausedCheckDelay  = 50 * time.Millisecond
)

// AcceptorState is the lifecycle state of an Acceptor.
type AcceptorState int32

const (
	AcceptorNew AcceptorState = iota
	AcceptorRunning
	AcceptorPaused
	AcceptorEnded
)

func (s AcceptorState) String() string {
	switch s {
	case AcceptorNew:
		return "NEW"
	case AcceptorRunning:
		return "RUNNING"
	case AcceptorPaused:
		return "PAUSED"
	case AcceptorEnded:
		return "ENDED"
	}
	return "UNKNOWN"
}

// acceptorHost is what an Acceptor needs from its endpoint.
type acceptorHost interface {
	isRunning() bool
	isPaused() bool
	countUpOrAwaitConnection() error
	// connectionWithinLimit is false when the slot just taken exceeds an
	// enforced limit.
	connectionWithinLimit() bool
	countDownConnection()
	serverSocketAccept() (int, unix.Sockaddr, error)
	// setSocketOptions takes ownership of fd on success.
	setSocketOptions(fd int, sa unix.Sockaddr) bool
	// closeSocket closes fd and releases its connection slot.
	closeSocket(fd int)
}

// Acceptor accepts connections for an endpoint until the endpoint stops.
type Acceptor struct {
	name     string
	host     acceptorHost
	priority int

	state      atomic.Int32
	stopCalled atomic.Bool
	done       chan struct{}

	// current backoff, touched by the accept goroutine only
	errorDelay time.Duration
	sleep      func(time.Duration)
}

func newAcceptor(name string, host acceptorHost, priority int) *Acceptor {
	return &Acceptor{
		name:     name,
		host:     host,
		priority: priority,
		done:     make(chan struct{}),
		sleep:    time.Sleep,
	}
}

func (a *Acceptor) State() AcceptorState {
	return AcceptorState(a.state.Load())
}

func (a *Acceptor) setState(s AcceptorState) {
	a.state.Store(int32(s))
}

// Run is the accept loop.
func (a *Acceptor) Run() {
	defer close(a.done)
	setThreadPriority(a.priority, "acceptor "+a.name)

	for !a.stopCalled.Load() && a.host.isRunning() {
		for a.host.isPaused() && !a.stopCalled.Load() && a.host.isRunning() {
			a.setState(AcceptorPaused)
			a.sleep(pausedCheckDelay)
		}
		if a.stopCalled.Load() || !a.host.isRunning() {
			break
		}
		a.setState(AcceptorRunning)

		if err := a.host.countUpOrAwaitConnection(); err != nil {
			continue
		}
		if a.host.isPaused() {
			// released by pause
			a.host.countDownConnection()
			continue
		}
		if !a.host.connectionWithinLimit() {
			// admitted while paused, resumed since; wait for a real slot
			a.host.countDownConnection()
			continue
		}

		fd, sa, err := a.host.serverSocketAccept()
		if err != nil {
			a.host.countDownConnection()
			if a.stopCalled.Load() || !a.host.isRunning() {
				break
			}
			a.handleErrorWithDelay()
			log.Logger.Warn("accept failed", zap.String("acceptor", a.name),
				zap.Duration("nextDelay", a.errorDelay), zap.Error(err))
			continue
		}
		a.errorDelay = 0

		if !a.stopCalled.Load() && a.host.isRunning() && !a.host.isPaused() {
			if !a.host.setSocketOptions(fd, sa) {
				a.host.closeSocket(fd)
			}
		} else {
			a.host.closeSocket(fd)
		}
	}
	a.setState(AcceptorEnded)
}

// handleErrorWithDelay sleeps for the current backoff and advances it:
// none, 50ms, then doubling up to 1.6s.
func (a *Acceptor) handleErrorWithDelay() {
	if a.errorDelay > 0 {
		a.sleep(a.errorDelay)
	}
	switch {
	case a.errorDelay == 0:
		a.errorDelay = initialErrorDelay
	case a.errorDelay < maxErrorDelay:
		a.errorDelay = min(a.errorDelay*2, maxErrorDelay)
	}
}

// stop asks the loop to exit after its current step.
func (a *Acceptor) stop() {
	a.stopCalled.Store(true)
}

// wait blocks until Run returned or timeout elapsed.
func (a *Acceptor) wait(timeout time.Duration) bool {
	select {
	case <-a.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
