//go:build linux
// +build linux

package endpoint

import (
	"sync"
)

// SocketEvent tells a Handler why it is being called.
type SocketEvent uint8

const (
	EventOpenRead SocketEvent = iota
	EventOpenWrite
	EventStop
	EventConnectFail
	EventError
	EventDisconnect
	EventTimeout
)

func (e SocketEvent) String() string {
	switch e {
	case EventOpenRead:
		return "OPEN_READ"
	case EventOpenWrite:
		return "OPEN_WRITE"
	case EventStop:
		return "STOP"
	case EventConnectFail:
		return "CONNECT_FAIL"
	case EventError:
		return "ERROR"
	case EventDisconnect:
		return "DISCONNECT"
	case EventTimeout:
		return "TIMEOUT"
	}
	return "UNKNOWN"
}

// SocketState is what a Handler wants done with the connection afterwards.
type SocketState uint8

const (
	// StateOpen keeps the connection and waits for the next request.
	StateOpen SocketState = iota
	// StateClosed closes the connection.
	StateClosed
	// StateLong parks the connection; the handler owns its interest.
	StateLong
	// StateAsyncEnd finishes asynchronous processing; wait for the next request.
	StateAsyncEnd
	// StateSendfile means a sendfile transfer now owns the connection.
	StateSendfile
	StateUpgrading
	StateUpgraded
	// StateSuspended parks the connection without touching its interest.
	StateSuspended
	// StateEnd flushes pending output and closes the connection.
	StateEnd
)

func (s SocketState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateLong:
		return "LONG"
	case StateAsyncEnd:
		return "ASYNC_END"
	case StateSendfile:
		return "SENDFILE"
	case StateUpgrading:
		return "UPGRADING"
	case StateUpgraded:
		return "UPGRADED"
	case StateSuspended:
		return "SUSPENDED"
	case StateEnd:
		return "END"
	}
	return "UNKNOWN"
}

// Handler is implemented by the protocol layer sitting on top of the endpoint.
type Handler interface {
	// Process runs on a worker goroutine. Calls for one wrapper never overlap.
	Process(w *SocketWrapper, event SocketEvent) SocketState

	// OpenSockets returns the connections the handler is currently tracking.
	OpenSockets() []*SocketWrapper

	// Release is called exactly once when a wrapper closes.
	Release(w *SocketWrapper)

	// Pause is called when the endpoint stops accepting.
	Pause()

	// Recycle is called when the endpoint stops; cached state can be dropped.
	Recycle()
}

// HandlerFunc adapts a plain function into a Handler with connection tracking.
type HandlerFunc func(w *SocketWrapper, event SocketEvent) SocketState

// NewHandler wraps fn; the returned handler tracks open sockets for it.
func NewHandler(fn HandlerFunc) Handler {
	return &funcHandler{fn: fn}
}

type funcHandler struct {
	ConnectionTracker
	fn HandlerFunc
}

func (h *funcHandler) Process(w *SocketWrapper, event SocketEvent) SocketState {
	h.Track(w)
	return h.fn(w, event)
}

// ConnectionTracker implements the bookkeeping half of Handler and is meant
// to be embedded. Call Track from Process.
type ConnectionTracker struct {
	conns  sync.Map // *SocketWrapper -> struct{}
	paused bool
	mu     sync.Mutex
}

// Track records w as open. Closed wrappers are ignored.
func (t *ConnectionTracker) Track(w *SocketWrapper) {
	if w.IsClosed() {
		return
	}
	t.conns.Store(w, struct{}{})
	// lost a race with Close, whose Release may already have run
	if w.IsClosed() {
		t.conns.Delete(w)
	}
}

func (t *ConnectionTracker) OpenSockets() []*SocketWrapper {
	var out []*SocketWrapper
	t.conns.Range(func(k, _ any) bool {
		out = append(out, k.(*SocketWrapper))
		return true
	})
	return out
}

func (t *ConnectionTracker) Release(w *SocketWrapper) {
	t.conns.Delete(w)
}

func (t *ConnectionTracker) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

// Paused reports whether Pause was called since the last Recycle.
func (t *ConnectionTracker) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

func (t *ConnectionTracker) Recycle() {
	t.mu.Lock()
	t.paused = false
	t.mu.Unlock()
}
