//go:build linux
// +build linux

package endpoint

import (
	"fmt"
	"sync"
	"time"
)

// selectorPool gives worker goroutines blocking read and write semantics
// over non-blocking sockets. In shared mode a single block poller serves
// every socket; otherwise up to maxSelectors block pollers are started on
// demand and a socket is mapped to one by its fd.
type selectorPool struct {
	name            string
	shared          bool
	selectorTimeout time.Duration

	mu      sync.Mutex
	pollers []*blockPoller
	closed  bool
}

func newSelectorPool(name string, shared bool, maxSelectors int, selectorTimeout time.Duration) *selectorPool {
	if shared || maxSelectors <= 0 {
		maxSelectors = 1
	}
	return &selectorPool{
		name:            name,
		shared:          shared,
		selectorTimeout: selectorTimeout,
		pollers:         make([]*blockPoller, maxSelectors),
	}
}

func (sp *selectorPool) get(fd int) (*blockPoller, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.closed {
		return nil, ErrPollerClosed
	}
	i := fd % len(sp.pollers)
	if sp.pollers[i] == nil {
		bp, err := newBlockPoller(fmt.Sprintf("%s-block-%d", sp.name, i), sp.selectorTimeout)
		if err != nil {
			return nil, err
		}
		bp.start()
		sp.pollers[i] = bp
	}
	return sp.pollers[i], nil
}

// close stops every block poller; blocked callers wake up and fail.
func (sp *selectorPool) close() {
	sp.mu.Lock()
	sp.closed = true
	pollers := sp.pollers
	sp.pollers = make([]*blockPoller, len(pollers))
	sp.mu.Unlock()

	for _, bp := range pollers {
		if bp != nil {
			bp.close(time.Second)
		}
	}
}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// await parks the caller until w is ready for op, w is closed or the
// deadline passes. A zero deadline waits forever.
func (sp *selectorPool) await(w *SocketWrapper, op interestOp, deadline time.Time) error {
	bp, err := sp.get(w.Fd())
	if err != nil {
		return err
	}

	var timer <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return ErrSocketTimeout
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}

	latch, err := bp.add(w.Fd(), op)
	if err != nil {
		return err
	}
	select {
	case <-latch:
		return nil
	case <-w.closeCh:
		bp.remove(w.Fd(), op, latch)
		return ErrSocketClosed
	case <-timer:
		bp.remove(w.Fd(), op, latch)
		return ErrSocketTimeout
	}
}

// read performs a blocking read of at least one byte.
func (sp *selectorPool) read(w *SocketWrapper, p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	deadline := deadlineFor(timeout)
	for {
		n, err := w.ch.Read(p)
		if err == nil {
			return n, nil
		}
		if !isWouldBlock(err) {
			return 0, err
		}
		if err := sp.await(w, opRead, deadline); err != nil {
			return 0, err
		}
	}
}

// write performs a blocking write of all of p.
func (sp *selectorPool) write(w *SocketWrapper, p []byte, timeout time.Duration) (int, error) {
	deadline := deadlineFor(timeout)
	written := 0
	for written < len(p) {
		n, err := w.ch.Write(p[written:])
		written += n
		if err != nil && !isWouldBlock(err) {
			return written, err
		}
		if written == len(p) {
			break
		}
		if n > 0 && err == nil {
			continue
		}
		if err := sp.await(w, opWrite, deadline); err != nil {
			return written, err
		}
	}
	return written, nil
}
