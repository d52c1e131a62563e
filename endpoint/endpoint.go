//go:build linux
// +build linux

package endpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fzft/go-nioendpoint/log"
	"github.com/fzft/go-nioendpoint/metrics"
)

// BindState tracks when the listening socket was bound, which decides
// who unbinds it.
type BindState int32

const (
	Unbound BindState = iota
	BoundOnInit
	BoundOnStart
	SocketClosedOnStop
)

func (s BindState) String() string {
	switch s {
	case Unbound:
		return "UNBOUND"
	case BoundOnInit:
		return "BOUND_ON_INIT"
	case BoundOnStart:
		return "BOUND_ON_START"
	case SocketClosedOnStop:
		return "SOCKET_CLOSED_ON_STOP"
	}
	return "UNKNOWN"
}

const shutdownTimeout = 10 * time.Second

// Endpoint owns a listening socket and the goroutines serving it:
// acceptors, pollers and the worker pool running the Handler.
type Endpoint struct {
	cfg     Config
	handler Handler

	mu        sync.Mutex // lifecycle
	bindState atomic.Int32

	listenFd  atomic.Int32
	localAddr atomic.Pointer[net.TCPAddr]

	running atomic.Bool
	paused  atomic.Bool

	gate      *limitLatch
	openConns atomic.Int64 // wrappers not yet closed; acceptor slots excluded
	ctx       context.Context
	cancel    context.CancelFunc

	executor  atomic.Pointer[Executor]
	pool      *selectorPool
	pollers   atomic.Pointer[[]*Poller]
	pollerRR  atomic.Uint64
	acceptors []*Acceptor
}

// New creates an endpoint serving h. Zero fields of cfg take their defaults.
func New(cfg Config, h Handler) *Endpoint {
	cfg.normalize()
	e := &Endpoint{
		cfg:     cfg,
		handler: h,
		gate:    newLimitLatch(cfg.MaxConnections),
	}
	e.listenFd.Store(-1)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

func (e *Endpoint) Name() string {
	return e.cfg.Name
}

func (e *Endpoint) Config() Config {
	return e.cfg
}

func (e *Endpoint) Handler() Handler {
	return e.handler
}

func (e *Endpoint) BindState() BindState {
	return BindState(e.bindState.Load())
}

func (e *Endpoint) setBindState(s BindState) {
	e.bindState.Store(int32(s))
}

func (e *Endpoint) IsRunning() bool {
	return e.running.Load()
}

func (e *Endpoint) IsPaused() bool {
	return e.paused.Load()
}

// UseSendfile reports whether handlers may hand files to ProcessSendfile.
func (e *Endpoint) UseSendfile() bool {
	return e.cfg.UseSendfile
}

// LocalAddr is the bound address, nil while unbound.
func (e *Endpoint) LocalAddr() *net.TCPAddr {
	return e.localAddr.Load()
}

// MaxConnections returns the admission limit; -1 means unlimited.
func (e *Endpoint) MaxConnections() int64 {
	return e.gate.getLimit()
}

// SetMaxConnections changes the admission limit at runtime. Lowering it
// closes nothing; new connections wait until enough have closed.
func (e *Endpoint) SetMaxConnections(n int64) {
	e.mu.Lock()
	e.cfg.MaxConnections = n
	e.mu.Unlock()
	e.gate.setLimit(n)
}

// ConnectionCount is the number of open connections. A slot an acceptor
// holds while it waits in accept(2) is not counted.
func (e *Endpoint) ConnectionCount() int64 {
	return e.openConns.Load()
}

// Executor returns the worker pool while the endpoint runs.
func (e *Endpoint) Executor() *Executor {
	return e.executor.Load()
}

// Init binds the listening socket if the endpoint binds on init.
func (e *Endpoint) Init() error {
	if !e.cfg.BindOnInit {
		return nil
	}
	if err := e.Bind(); err != nil {
		return err
	}
	e.setBindState(BoundOnInit)
	return nil
}

// Start binds if needed, then starts pollers and acceptors.
func (e *Endpoint) Start() error {
	if e.BindState() == Unbound {
		if err := e.Bind(); err != nil {
			return err
		}
		e.setBindState(BoundOnStart)
	}
	return e.startInternal()
}

func (e *Endpoint) startInternal() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running.Load() {
		return nil
	}
	if e.listenFd.Load() < 0 {
		return fmt.Errorf("endpoint %s: listening socket is closed", e.cfg.Name)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.gate.reset()
	executor := NewExecutor(e.cfg.MinSpareThreads, e.cfg.MaxThreads, e.cfg.MaxQueueSize, e.cfg.ThreadKeepAlive)

	pollers := make([]*Poller, 0, e.cfg.PollerThreadCount)
	for i := 0; i < e.cfg.PollerThreadCount; i++ {
		p, err := newPoller(i, fmt.Sprintf("%s-poller-%d", e.cfg.Name, i), e, pollerConfig{
			endpoint:        e.cfg.Name,
			selectorTimeout: e.cfg.SelectorTimeout,
			timeoutInterval: e.cfg.TimeoutInterval,
			inboxLimit:      e.cfg.PollerEventQueueSize,
			priority:        e.cfg.PollerThreadPriority,
		})
		if err != nil {
			for _, started := range pollers {
				started.destroy(time.Second)
			}
			executor.Shutdown(time.Second)
			return err
		}
		pollers = append(pollers, p)
		go p.Run()
	}
	e.executor.Store(executor)
	e.pollers.Store(&pollers)

	e.acceptors = make([]*Acceptor, 0, e.cfg.AcceptorThreadCount)
	for i := 0; i < e.cfg.AcceptorThreadCount; i++ {
		e.acceptors = append(e.acceptors, newAcceptor(fmt.Sprintf("%s-acceptor-%d", e.cfg.Name, i), e, e.cfg.AcceptorThreadPriority))
	}

	e.paused.Store(false)
	e.running.Store(true)
	for _, a := range e.acceptors {
		go a.Run()
	}

	log.Logger.Info("endpoint started",
		zap.String("endpoint", e.cfg.Name),
		zap.Stringer("addr", e.LocalAddr()),
		zap.Int("pollers", len(pollers)),
		zap.Int("acceptors", len(e.acceptors)),
		zap.Int64("maxConnections", e.gate.getLimit()))
	return nil
}

// Pause stops accepting new connections. The listening socket stays open
// and established connections keep being served.
func (e *Endpoint) Pause() {
	if !e.running.Load() || !e.paused.CompareAndSwap(false, true) {
		return
	}
	e.gate.releaseAll()
	e.unlockAccept()
	e.handler.Pause()
	log.Logger.Info("endpoint paused", zap.String("endpoint", e.cfg.Name))
}

// Resume accepts connections again after Pause.
func (e *Endpoint) Resume() {
	if !e.running.Load() || !e.paused.CompareAndSwap(true, false) {
		return
	}
	e.gate.reset()
	log.Logger.Info("endpoint resumed", zap.String("endpoint", e.cfg.Name))
}

// Stop halts acceptors and pollers, closing every connection, and unbinds
// if the socket was bound by Start.
func (e *Endpoint) Stop() error {
	e.stopInternal()
	switch e.BindState() {
	case BoundOnStart, SocketClosedOnStop:
		return e.Unbind()
	}
	return nil
}

func (e *Endpoint) stopInternal() {
	e.Pause()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.cancel()

	for _, a := range e.acceptors {
		a.stop()
	}
	e.unlockAccept()
	for _, a := range e.acceptors {
		if !a.wait(e.cfg.UnlockTimeout) {
			// still blocked in accept(2); closing the socket wakes it
			log.Logger.Debug("acceptor did not stop in time", zap.String("acceptor", a.name))
		}
	}

	if pollers := e.pollers.Swap(nil); pollers != nil {
		for _, p := range *pollers {
			if !p.destroy(shutdownTimeout) {
				log.Logger.Warn("poller did not stop in time", zap.String("poller", p.name))
			}
		}
	}

	if ex := e.executor.Swap(nil); ex != nil && !ex.Shutdown(shutdownTimeout) {
		log.Logger.Warn("workers did not stop in time", zap.String("endpoint", e.cfg.Name))
	}
	log.Logger.Info("endpoint stopped", zap.String("endpoint", e.cfg.Name))
}

// Destroy unbinds the socket if it was bound by Init.
func (e *Endpoint) Destroy() error {
	if e.BindState() == BoundOnInit {
		return e.Unbind()
	}
	return nil
}

// Bind opens the listening socket and the selector pool. A failure leaves
// the endpoint unbound.
func (e *Endpoint) Bind() (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listenFd.Load() >= 0 {
		return ErrAlreadyBound
	}
	defer func() {
		if err != nil {
			e.unbindLocked()
		}
	}()

	fd, addr, err := listenTCP(e.cfg.Address, e.cfg.Port, e.cfg.AcceptCount)
	if err != nil {
		return fmt.Errorf("endpoint %s: bind: %w", e.cfg.Name, err)
	}
	e.listenFd.Store(int32(fd))
	e.localAddr.Store(addr)
	e.pool = newSelectorPool(e.cfg.Name, e.cfg.SelectorPoolShared, e.cfg.SelectorPoolMaxSelectors, e.cfg.SelectorTimeout)
	log.Logger.Debug("endpoint bound", zap.String("endpoint", e.cfg.Name), zap.Stringer("addr", addr))
	return nil
}

// Unbind stops the endpoint if needed and releases the listening socket.
func (e *Endpoint) Unbind() error {
	if e.running.Load() {
		e.stopInternal()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.unbindLocked()
	e.setBindState(Unbound)
	e.handler.Recycle()
	return err
}

func (e *Endpoint) unbindLocked() error {
	var errs MultiError
	if err := e.closeServerSocket(); err != nil {
		errs = append(errs, err)
	}
	if e.pool != nil {
		e.pool.close()
		e.pool = nil
	}
	e.localAddr.Store(nil)
	return errs.ErrOrNil()
}

// CloseServerSocketGraceful stops accepting and closes the listening
// socket while established connections drain.
func (e *Endpoint) CloseServerSocketGraceful() error {
	if e.BindState() != BoundOnStart {
		return nil
	}
	e.setBindState(SocketClosedOnStop)
	e.Pause()

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.acceptors {
		a.stop()
	}
	e.unlockAccept()
	for _, a := range e.acceptors {
		a.wait(e.cfg.UnlockTimeout)
	}
	return e.closeServerSocket()
}

// AwaitConnectionsClose waits until every connection closed or timeout
// elapsed, and reports whether none is left.
func (e *Endpoint) AwaitConnectionsClose(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for e.openConns.Load() > 0 {
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
	return true
}

// acceptorHost

func (e *Endpoint) isRunning() bool {
	return e.running.Load()
}

func (e *Endpoint) isPaused() bool {
	return e.paused.Load()
}

func (e *Endpoint) countUpOrAwaitConnection() error {
	metrics.AdmissionWaiters.WithLabelValues(e.cfg.Name).Inc()
	defer metrics.AdmissionWaiters.WithLabelValues(e.cfg.Name).Dec()
	return e.gate.countUpOrAwait(e.ctx)
}

func (e *Endpoint) connectionWithinLimit() bool {
	return e.gate.withinLimit()
}

func (e *Endpoint) countDownConnection() {
	e.gate.countDown()
}

func (e *Endpoint) nextPoller() *Poller {
	pollers := e.pollers.Load()
	if pollers == nil || len(*pollers) == 0 {
		return nil
	}
	return (*pollers)[e.pollerRR.Add(1)%uint64(len(*pollers))]
}

func (e *Endpoint) wrapperConfig() wrapperConfig {
	return wrapperConfig{
		endpoint:          e.cfg.Name,
		readBufSize:       e.cfg.Socket.AppReadBufSize,
		writeBufSize:      e.cfg.Socket.AppWriteBufSize,
		overflowChunkSize: e.cfg.Socket.OverflowChunkSize,
		readTimeout:       e.cfg.readTimeout(),
		writeTimeout:      e.cfg.writeTimeout(),
		keepAlive:         e.cfg.MaxKeepAliveRequests,
	}
}

// onWrapperClose runs once per connection.
func (e *Endpoint) onWrapperClose(w *SocketWrapper) {
	e.handler.Release(w)
	e.openConns.Add(-1)
	e.countDownConnection()
	metrics.ConnectionsOpen.WithLabelValues(e.cfg.Name).Dec()
	log.Logger.Debug("connection closed", zap.String("conn", w.ID()))
}

// processSocket runs the handler for w, on a worker when dispatch is set.
// It reports false when the task could not be handed over.
func (e *Endpoint) processSocket(w *SocketWrapper, event SocketEvent, dispatch bool) bool {
	if w == nil {
		return false
	}
	task := func() { e.runProcessor(w, event) }
	if !dispatch {
		task()
		return true
	}
	ex := e.Executor()
	if ex == nil {
		return false
	}
	if err := ex.Execute(task); err != nil {
		metrics.RejectedTotal.WithLabelValues(e.cfg.Name).Inc()
		if errors.Is(err, ErrExecutorRejected) {
			log.Logger.Warn("socket processing rejected", zap.String("conn", w.ID()), zap.Stringer("event", event))
		} else {
			log.Logger.Debug("socket processing after shutdown", zap.String("conn", w.ID()), zap.Error(err))
		}
		return false
	}
	return true
}

// runProcessor calls the handler for one event and acts on the state it
// returns. Calls for one wrapper never overlap.
func (e *Endpoint) runProcessor(w *SocketWrapper, event SocketEvent) {
	w.processMu.Lock()
	defer w.processMu.Unlock()

	if w.IsClosed() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Logger.Error("handler panicked", zap.String("conn", w.ID()),
				zap.Stringer("event", event), zap.Any("panic", r), zap.Stack("stack"))
			w.Close()
			if isFatal(r) {
				panic(r)
			}
		}
	}()

	state := e.handler.Process(w, event)
	switch state {
	case StateClosed:
		w.Close()
	case StateEnd:
		if _, err := w.Flush(true); err != nil {
			log.Logger.Debug("final flush failed", zap.String("conn", w.ID()), zap.Error(err))
		}
		w.Close()
	case StateOpen, StateUpgrading, StateUpgraded, StateAsyncEnd:
		w.RegisterReadInterest()
	case StateLong, StateSuspended, StateSendfile:
	}
}
