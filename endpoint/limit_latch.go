package endpoint

import (
	"context"
	"sync"
)

// limitLatch is the admission gate bounding concurrent connections. A
// limit of -1 disables the bound. While released every waiter and every
// new caller passes straight through; reset re-arms the bound.
type limitLatch struct {
	mu       sync.Mutex
	cond     *sync.Cond
	count    int64
	limit    int64
	released bool
	waiting  int
}

func newLimitLatch(limit int64) *limitLatch {
	l := &limitLatch{limit: limit}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// countUpOrAwait takes a slot, waiting while the gate is full. It returns
// ctx.Err() if ctx is done first; no slot is taken in that case.
func (l *limitLatch) countUpOrAwait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.admit() {
		return nil
	}

	// sync.Cond cannot select on ctx, so a watcher broadcasts on cancel.
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer stop()

	l.waiting++
	defer func() { l.waiting-- }()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.cond.Wait()
		if l.admit() {
			return nil
		}
	}
}

// admit takes a slot if one is free. Callers hold l.mu.
func (l *limitLatch) admit() bool {
	if l.released || l.limit < 0 || l.count < l.limit {
		l.count++
		return true
	}
	return false
}

// countDown frees a slot and returns the new count. It never goes below zero.
func (l *limitLatch) countDown() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count > 0 {
		l.count--
	}
	l.cond.Broadcast()
	return l.count
}

// releaseAll lets every current and future waiter through until reset.
func (l *limitLatch) releaseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	l.cond.Broadcast()
}

// reset re-arms the bound after releaseAll. Slots already taken are kept.
func (l *limitLatch) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = false
}

// setLimit changes the bound at runtime. Shrinking evicts nobody; growing
// wakes waiters that now fit.
func (l *limitLatch) setLimit(limit int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = limit
	l.cond.Broadcast()
}

// withinLimit reports whether the taken slots fit the bound. While released
// every count fits.
func (l *limitLatch) withinLimit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released || l.limit < 0 || l.count <= l.limit
}

func (l *limitLatch) getLimit() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

func (l *limitLatch) getCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *limitLatch) waiters() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiting
}
