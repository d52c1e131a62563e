//go:build linux
// +build linux

package endpoint

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-nioendpoint/log"
	"github.com/fzft/go-nioendpoint/metrics"
)

// dispatcher is the part of the endpoint a Poller hands ready sockets to.
type dispatcher interface {
	processSocket(w *SocketWrapper, event SocketEvent, dispatch bool) bool
}

// Poller is a reactor goroutine that exclusively owns one epoll instance.
// Other goroutines talk to it only through its event inbox.
type Poller struct {
	id         int
	name       string
	endpoint   string
	reg        *registry
	dispatcher dispatcher
	priority   int

	selectorTimeout time.Duration
	timeoutInterval time.Duration

	mu         sync.Mutex
	inboxCond  *sync.Cond
	inbox      *queue.Queue // of pollerEvent
	inboxLimit int

	// -1 while blocked in epoll_wait, otherwise the number of events added
	// since the last wait
	wakeupCounter atomic.Int64

	keys           map[int]*pollerKey
	nextExpiration time.Time
	events         []unix.EpollEvent

	closing atomic.Bool
	done    chan struct{}
}

type pollerConfig struct {
	endpoint        string
	selectorTimeout time.Duration
	timeoutInterval time.Duration
	inboxLimit      int
	priority        int
}

func newPoller(id int, name string, d dispatcher, cfg pollerConfig) (*Poller, error) {
	reg, err := newRegistry()
	if err != nil {
		return nil, err
	}
	if cfg.inboxLimit <= 0 {
		cfg.inboxLimit = defaultPollerEventQueueSize
	}
	if cfg.priority == 0 {
		cfg.priority = normPriority
	}
	if cfg.selectorTimeout <= 0 {
		cfg.selectorTimeout = time.Second
	}
	if cfg.timeoutInterval <= 0 {
		cfg.timeoutInterval = time.Second
	}
	p := &Poller{
		id:              id,
		name:            name,
		endpoint:        cfg.endpoint,
		reg:             reg,
		dispatcher:      d,
		priority:        cfg.priority,
		selectorTimeout: cfg.selectorTimeout,
		timeoutInterval: cfg.timeoutInterval,
		inbox:           queue.New(),
		inboxLimit:      cfg.inboxLimit,
		keys:            make(map[int]*pollerKey),
		events:          make([]unix.EpollEvent, 1024),
		done:            make(chan struct{}),
	}
	p.inboxCond = sync.NewCond(&p.mu)
	return p, nil
}

// register queues a freshly accepted wrapper for read interest.
func (p *Poller) register(w *SocketWrapper) {
	w.poller = p
	w.updateLastRead()
	p.addEvent(pollerEvent{kind: eventRegister, w: w, ops: opRead})
}

// add queues an interest request for w.
func (p *Poller) add(w *SocketWrapper, ops interestOp) {
	p.addEvent(pollerEvent{kind: eventInterest, w: w, ops: ops})
}

// cancel queues the removal of w's key.
func (p *Poller) cancel(w *SocketWrapper) {
	p.addEvent(pollerEvent{kind: eventCancel, w: w})
}

// addEvent blocks while the inbox is full. Cancellations are always taken
// since Close may run on the poller goroutine itself.
func (p *Poller) addEvent(ev pollerEvent) {
	p.mu.Lock()
	for ev.kind != eventCancel && p.inbox.Length() >= p.inboxLimit && !p.closing.Load() {
		p.inboxCond.Wait()
	}
	p.inbox.Add(ev)
	p.mu.Unlock()
	if p.wakeupCounter.Add(1) == 0 {
		if err := p.reg.wakeup(); err != nil {
			log.Logger.Warn("poller wakeup failed", zap.String("poller", p.name), zap.Error(err))
		}
	}
}

// pendingEvents reports the inbox length.
func (p *Poller) pendingEvents() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inbox.Length()
}

// drainEvents applies a snapshot of the inbox. Events added while draining
// wait for the next iteration.
func (p *Poller) drainEvents() bool {
	p.mu.Lock()
	size := p.inbox.Length()
	p.mu.Unlock()

	for i := 0; i < size; i++ {
		p.mu.Lock()
		ev := p.inbox.Remove().(pollerEvent)
		p.inboxCond.Signal()
		p.mu.Unlock()
		p.apply(ev)
	}
	return size > 0
}

func (p *Poller) apply(ev pollerEvent) {
	w := ev.w
	fd := w.Fd()
	switch ev.kind {
	case eventRegister:
		if w.IsClosed() {
			return
		}
		key := &pollerKey{w: w, interest: ev.ops}
		p.keys[fd] = key
		if err := p.reg.set(fd, key.interest.epollEvents(), &key.inKernel); err != nil {
			log.Logger.Warn("poller register failed", zap.String("conn", w.ID()), zap.Int("fd", fd), zap.Error(err))
			p.cancelledKey(key)
		}
	case eventInterest:
		key, ok := p.keys[fd]
		if !ok || key.w != w {
			// the wrapper was closed and its key is gone
			return
		}
		if w.IsClosed() {
			p.cancelledKey(key)
			return
		}
		key.interest |= ev.ops
		if err := p.reg.set(fd, key.interest.epollEvents(), &key.inKernel); err != nil {
			log.Logger.Warn("poller interest change failed", zap.String("conn", w.ID()), zap.Int("fd", fd), zap.Error(err))
			p.cancelledKey(key)
		}
	case eventCancel:
		if key, ok := p.keys[fd]; ok && key.w == w {
			p.forget(key)
		}
	}
}

// regNow adds interest without going through the inbox. Poller goroutine only.
func (p *Poller) regNow(w *SocketWrapper, ops interestOp) {
	p.apply(pollerEvent{kind: eventInterest, w: w, ops: ops})
}

// cancelNow drops w's key and closes w. Poller goroutine only.
func (p *Poller) cancelNow(w *SocketWrapper) {
	if key, ok := p.keys[w.Fd()]; ok && key.w == w {
		p.cancelledKey(key)
		return
	}
	w.Close()
}

// forget drops a key without touching its wrapper.
func (p *Poller) forget(key *pollerKey) {
	fd := key.w.Fd()
	if cur, ok := p.keys[fd]; ok && cur == key {
		delete(p.keys, fd)
	}
	if err := p.reg.set(fd, 0, &key.inKernel); err != nil {
		log.Logger.Debug("poller key removal failed", zap.Int("fd", fd), zap.Error(err))
	}
	key.interest = 0
}

// cancelledKey drops the key and closes its wrapper.
func (p *Poller) cancelledKey(key *pollerKey) {
	p.forget(key)
	key.w.Close()
}

// unreg clears ready bits so the same readiness is not dispatched twice.
func (p *Poller) unreg(key *pollerKey, ops interestOp) {
	key.interest &^= ops
	if err := p.reg.set(key.w.Fd(), key.interest.epollEvents(), &key.inKernel); err != nil {
		log.Logger.Debug("poller unreg failed", zap.Int("fd", key.w.Fd()), zap.Error(err))
	}
}

// Run is the reactor loop. It returns after destroy.
func (p *Poller) Run() {
	defer close(p.done)
	setThreadPriority(p.priority, "poller "+p.name)

	for {
		hasEvents := false
		keyCount := 0

		if !p.closing.Load() {
			hasEvents = p.drainEvents()
			var err error
			if p.wakeupCounter.Swap(-1) > 0 {
				keyCount, err = p.reg.wait(p.events, 0)
			} else {
				keyCount, err = p.reg.wait(p.events, int(p.selectorTimeout.Milliseconds()))
			}
			p.wakeupCounter.Store(0)
			if err != nil {
				log.Logger.Error("poller wait failed", zap.String("poller", p.name), zap.Error(err))
				continue
			}
		}
		if p.closing.Load() {
			p.drainEvents()
			p.shutdown()
			break
		}
		if keyCount == 0 {
			hasEvents = p.drainEvents() || hasEvents
		}

		for i := 0; i < keyCount; i++ {
			p.processKey(p.events[i])
		}

		p.timeout(keyCount, hasEvents)
	}

	if err := p.reg.close(); err != nil {
		log.Logger.Debug("poller close failed", zap.String("poller", p.name), zap.Error(err))
	}
}

func (p *Poller) processKey(ev unix.EpollEvent) {
	fd := int(ev.Fd)
	if fd == p.reg.wakeFd {
		p.reg.drainWakeup()
		return
	}
	key, ok := p.keys[fd]
	if !ok {
		return
	}
	w := key.w
	if w.IsClosed() {
		p.forget(key)
		return
	}

	ready := readyOps(ev.Events, key.interest)
	if ready == 0 {
		return
	}

	if sd := w.SendfileData(); sd != nil {
		p.unreg(key, ready)
		w.processSendfile(sd, false)
		return
	}

	p.unreg(key, ready)
	closeSocket := false
	// read goes first
	if ready&opRead != 0 {
		if !p.dispatcher.processSocket(w, EventOpenRead, true) {
			closeSocket = true
		}
	}
	if !closeSocket && ready&opWrite != 0 {
		if !p.dispatcher.processSocket(w, EventOpenWrite, true) {
			closeSocket = true
		}
	}
	if closeSocket {
		p.cancelledKey(key)
	}
}

// timeout sweeps registered keys for expired read/write deadlines. It runs
// at most once per timeoutInterval unless the loop is idle.
func (p *Poller) timeout(keyCount int, hasEvents bool) {
	now := time.Now()
	if !p.nextExpiration.IsZero() && (keyCount > 0 || hasEvents) && now.Before(p.nextExpiration) {
		return
	}

	for _, key := range p.keys {
		w := key.w
		if w.IsClosed() {
			p.forget(key)
			continue
		}
		if key.interest&(opRead|opWrite) == 0 {
			continue
		}

		op := ""
		if key.interest&opRead != 0 {
			if t := w.ReadTimeout(); t > 0 && now.Sub(w.LastRead()) > t {
				op = "read"
			}
		}
		if op == "" && key.interest&opWrite != 0 {
			if t := w.WriteTimeout(); t > 0 && now.Sub(w.LastWrite()) > t {
				op = "write"
			}
		}
		if op == "" {
			continue
		}

		p.unreg(key, key.interest)
		w.SetError(ErrSocketTimeout)
		metrics.TimeoutsTotal.WithLabelValues(p.endpoint, op).Inc()
		log.Logger.Debug("socket timeout", zap.String("conn", w.ID()), zap.String("op", op))
		if !p.dispatcher.processSocket(w, EventError, true) {
			p.cancelledKey(key)
		}
	}

	p.nextExpiration = now.Add(p.timeoutInterval)
}

// shutdown stops every registered connection. It runs on the poller goroutine.
func (p *Poller) shutdown() {
	for _, key := range p.keys {
		w := key.w
		p.forget(key)
		if !w.IsClosed() {
			p.dispatcher.processSocket(w, EventStop, false)
			w.Close()
		}
	}
}

// destroy asks the loop to exit and waits up to timeout for it.
func (p *Poller) destroy(timeout time.Duration) bool {
	p.mu.Lock()
	p.closing.Store(true)
	p.inboxCond.Broadcast()
	p.mu.Unlock()
	if err := p.reg.wakeup(); err != nil {
		log.Logger.Warn("poller wakeup failed", zap.String("poller", p.name), zap.Error(err))
	}
	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// keyCount is only meaningful on the poller goroutine or after it exited.
func (p *Poller) keyCount() int {
	return len(p.keys)
}
