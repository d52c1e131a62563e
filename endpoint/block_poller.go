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
)

type blockOpKind uint8

const (
	blockAdd blockOpKind = iota
	blockRemove
)

type blockOp struct {
	kind  blockOpKind
	fd    int
	op    interestOp
	latch chan struct{}
}

type blockKey struct {
	interest   interestOp
	readLatch  chan struct{}
	writeLatch chan struct{}
	inKernel   bool
}

func (k *blockKey) latch(op interestOp) *chan struct{} {
	if op == opRead {
		return &k.readLatch
	}
	return &k.writeLatch
}

// blockPoller waits for readiness on behalf of goroutines doing blocking
// reads and writes. Each request carries a one-shot latch that is closed
// when the fd becomes ready for the requested operation.
type blockPoller struct {
	name            string
	reg             *registry
	selectorTimeout time.Duration

	mu     sync.Mutex
	inbox  *queue.Queue // of blockOp
	closed bool

	wakeupCounter atomic.Int64

	keys   map[int]*blockKey
	events []unix.EpollEvent

	closing atomic.Bool
	done    chan struct{}
}

func newBlockPoller(name string, selectorTimeout time.Duration) (*blockPoller, error) {
	reg, err := newRegistry()
	if err != nil {
		return nil, err
	}
	return &blockPoller{
		name:            name,
		reg:             reg,
		selectorTimeout: selectorTimeout,
		inbox:           queue.New(),
		keys:            make(map[int]*blockKey),
		events:          make([]unix.EpollEvent, 128),
		done:            make(chan struct{}),
	}, nil
}

func (b *blockPoller) start() {
	go b.run()
}

// add asks for op readiness on fd and returns the latch that signals it.
func (b *blockPoller) add(fd int, op interestOp) (chan struct{}, error) {
	latch := make(chan struct{})
	if err := b.push(blockOp{kind: blockAdd, fd: fd, op: op, latch: latch}); err != nil {
		return nil, err
	}
	return latch, nil
}

// remove withdraws a request made by add that is no longer waited for.
func (b *blockPoller) remove(fd int, op interestOp, latch chan struct{}) {
	_ = b.push(blockOp{kind: blockRemove, fd: fd, op: op, latch: latch})
}

func (b *blockPoller) push(op blockOp) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrPollerClosed
	}
	b.inbox.Add(op)
	b.mu.Unlock()
	if b.wakeupCounter.Add(1) == 0 {
		if err := b.reg.wakeup(); err != nil {
			log.Logger.Warn("block poller wakeup failed", zap.String("poller", b.name), zap.Error(err))
		}
	}
	return nil
}

func (b *blockPoller) drain() {
	b.mu.Lock()
	size := b.inbox.Length()
	ops := make([]blockOp, 0, size)
	for i := 0; i < size; i++ {
		ops = append(ops, b.inbox.Remove().(blockOp))
	}
	b.mu.Unlock()

	for _, op := range ops {
		b.apply(op)
	}
}

func (b *blockPoller) apply(op blockOp) {
	key, ok := b.keys[op.fd]
	switch op.kind {
	case blockAdd:
		if !ok {
			key = &blockKey{}
			b.keys[op.fd] = key
		}
		slot := key.latch(op.op)
		if *slot != nil {
			// stale waiter on a reused fd
			close(*slot)
		}
		*slot = op.latch
		key.interest |= op.op
	case blockRemove:
		if !ok {
			return
		}
		slot := key.latch(op.op)
		if *slot != op.latch {
			return
		}
		*slot = nil
		key.interest &^= op.op
	}
	b.sync(op.fd, key)
}

// sync pushes key's interest to the kernel and forgets keys nobody waits on.
func (b *blockPoller) sync(fd int, key *blockKey) {
	if err := b.reg.set(fd, key.interest.epollEvents(), &key.inKernel); err != nil {
		// the fd is gone; wake the waiters so they observe the failure themselves
		log.Logger.Debug("block poller registration failed", zap.Int("fd", fd), zap.Error(err))
		b.release(key)
		key.interest = 0
		key.inKernel = false
	}
	if key.interest == 0 {
		delete(b.keys, fd)
	}
}

func (b *blockPoller) release(key *blockKey) {
	if key.readLatch != nil {
		close(key.readLatch)
		key.readLatch = nil
	}
	if key.writeLatch != nil {
		close(key.writeLatch)
		key.writeLatch = nil
	}
}

func (b *blockPoller) run() {
	defer close(b.done)

	for !b.closing.Load() {
		b.drain()
		var (
			n   int
			err error
		)
		if b.wakeupCounter.Swap(-1) > 0 {
			n, err = b.reg.wait(b.events, 0)
		} else {
			n, err = b.reg.wait(b.events, int(b.selectorTimeout.Milliseconds()))
		}
		b.wakeupCounter.Store(0)
		if err != nil {
			log.Logger.Error("block poller wait failed", zap.String("poller", b.name), zap.Error(err))
			continue
		}

		for i := 0; i < n; i++ {
			fd := int(b.events[i].Fd)
			if fd == b.reg.wakeFd {
				b.reg.drainWakeup()
				continue
			}
			key, ok := b.keys[fd]
			if !ok {
				continue
			}
			ready := readyOps(b.events[i].Events, key.interest)
			if ready&opRead != 0 && key.readLatch != nil {
				close(key.readLatch)
				key.readLatch = nil
			}
			if ready&opWrite != 0 && key.writeLatch != nil {
				close(key.writeLatch)
				key.writeLatch = nil
			}
			key.interest &^= ready
			b.sync(fd, key)
		}
	}

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.drain()
	for fd, key := range b.keys {
		b.release(key)
		delete(b.keys, fd)
	}
	if err := b.reg.close(); err != nil {
		log.Logger.Debug("block poller close failed", zap.String("poller", b.name), zap.Error(err))
	}
}

func (b *blockPoller) close(timeout time.Duration) bool {
	b.closing.Store(true)
	if err := b.reg.wakeup(); err != nil {
		log.Logger.Warn("block poller wakeup failed", zap.String("poller", b.name), zap.Error(err))
	}
	select {
	case <-b.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
