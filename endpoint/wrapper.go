//go:build linux
// +build linux

package endpoint

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fzft/go-nioendpoint/log"
)

type wrapperConfig struct {
	endpoint          string
	readBufSize       int
	writeBufSize      int
	overflowChunkSize int
	readTimeout       time.Duration
	writeTimeout      time.Duration
	keepAlive         int
}

// SocketWrapper is the per-connection handle given to a Handler. It owns
// the channel, its buffers and the connection's timeouts and error state.
type SocketWrapper struct {
	id       string
	endpoint string
	ch       Channel
	remote   net.Addr

	readMu   sync.Mutex
	writeMu  sync.Mutex
	bufs     *bufferHandler
	overflow *overflowQueue

	pool    *selectorPool
	poller  *Poller
	onClose func(w *SocketWrapper)

	closed  atomic.Bool
	closeCh chan struct{}

	readTimeout  atomic.Int64
	writeTimeout atomic.Int64
	lastRead     atomic.Int64
	lastWrite    atomic.Int64

	keepAliveLeft atomic.Int32

	errMu sync.Mutex
	err   error

	sendfileData atomic.Pointer[SendfileData]

	// processing lock, one handler call at a time
	processMu sync.Mutex
}

func newSocketWrapper(ch Channel, remote net.Addr, cfg wrapperConfig, pool *selectorPool, onClose func(w *SocketWrapper)) *SocketWrapper {
	w := &SocketWrapper{
		id:       uuid.NewString(),
		endpoint: cfg.endpoint,
		ch:       ch,
		remote:   remote,
		bufs:     newBufferHandler(cfg.readBufSize, cfg.writeBufSize),
		overflow: newOverflowQueue(cfg.overflowChunkSize),
		pool:     pool,
		onClose:  onClose,
		closeCh:  make(chan struct{}),
	}
	w.readTimeout.Store(int64(cfg.readTimeout))
	w.writeTimeout.Store(int64(cfg.writeTimeout))
	w.keepAliveLeft.Store(int32(cfg.keepAlive))
	now := time.Now().UnixNano()
	w.lastRead.Store(now)
	w.lastWrite.Store(now)
	return w
}

// ID identifies the connection in logs.
func (w *SocketWrapper) ID() string {
	return w.id
}

func (w *SocketWrapper) endpointName() string {
	return w.endpoint
}

func (w *SocketWrapper) Fd() int {
	return w.ch.Fd()
}

func (w *SocketWrapper) RemoteAddr() net.Addr {
	return w.remote
}

func (w *SocketWrapper) ReadTimeout() time.Duration {
	return time.Duration(w.readTimeout.Load())
}

// SetReadTimeout changes the read timeout; zero or less disables it.
func (w *SocketWrapper) SetReadTimeout(d time.Duration) {
	w.readTimeout.Store(int64(d))
}

func (w *SocketWrapper) WriteTimeout() time.Duration {
	return time.Duration(w.writeTimeout.Load())
}

// SetWriteTimeout changes the write timeout; zero or less disables it.
func (w *SocketWrapper) SetWriteTimeout(d time.Duration) {
	w.writeTimeout.Store(int64(d))
}

func (w *SocketWrapper) LastRead() time.Time {
	return time.Unix(0, w.lastRead.Load())
}

func (w *SocketWrapper) LastWrite() time.Time {
	return time.Unix(0, w.lastWrite.Load())
}

func (w *SocketWrapper) updateLastRead() {
	w.lastRead.Store(time.Now().UnixNano())
}

func (w *SocketWrapper) updateLastWrite() {
	w.lastWrite.Store(time.Now().UnixNano())
}

// KeepAliveLeft is the number of requests this connection may still serve.
// A negative value means unlimited.
func (w *SocketWrapper) KeepAliveLeft() int {
	return int(w.keepAliveLeft.Load())
}

// DecrementKeepAlive consumes one request and returns what is left.
func (w *SocketWrapper) DecrementKeepAlive() int {
	for {
		cur := w.keepAliveLeft.Load()
		if cur <= 0 {
			return int(cur)
		}
		if w.keepAliveLeft.CompareAndSwap(cur, cur-1) {
			return int(cur - 1)
		}
	}
}

// Err returns the first I/O error recorded on the connection.
func (w *SocketWrapper) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// SetError records err unless an error is already recorded.
func (w *SocketWrapper) SetError(err error) {
	if err == nil {
		return
	}
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

func (w *SocketWrapper) IsClosed() bool {
	return w.closed.Load()
}

// Close releases the connection. Only the first call has any effect.
func (w *SocketWrapper) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	if err := w.ch.Close(); err != nil {
		log.Logger.Debug("error closing socket", zap.String("conn", w.id), zap.Error(err))
	}
	close(w.closeCh)
	if w.poller != nil {
		w.poller.cancel(w)
	}
	if sd := w.sendfileData.Swap(nil); sd != nil {
		sd.close()
	}
	w.overflow.clear()
	if w.onClose != nil {
		w.onClose(w)
	}
}

// RegisterReadInterest asks the poller to dispatch OPEN_READ once the
// connection becomes readable. It restarts the read timeout.
func (w *SocketWrapper) RegisterReadInterest() {
	if w.IsClosed() || w.poller == nil {
		return
	}
	w.updateLastRead()
	w.poller.add(w, opRead)
}

// RegisterWriteInterest asks the poller to dispatch OPEN_WRITE once the
// connection becomes writable. It restarts the write timeout.
func (w *SocketWrapper) RegisterWriteInterest() {
	if w.IsClosed() || w.poller == nil {
		return
	}
	w.updateLastWrite()
	w.poller.add(w, opWrite)
}

// SendfileData returns the transfer in progress, if any.
func (w *SocketWrapper) SendfileData() *SendfileData {
	return w.sendfileData.Load()
}

func (w *SocketWrapper) String() string {
	return "SocketWrapper[" + w.id + "]"
}
