package endpoint

import (
	"sync"
	"sync/atomic"
	"time"
)

// Executor runs socket processing tasks on a bounded pool of worker
// goroutines fed by a bounded queue. minSpare workers stay resident; the pool
// grows up to max when no worker is idle and retires extras after keepAlive.
type Executor struct {
	tasks     chan func()
	closeCh   chan struct{}
	closed    atomic.Bool
	minSpare  int32
	max       int32
	keepAlive time.Duration

	mu      sync.Mutex // serialises worker spawn decisions
	workers atomic.Int32
	idle    atomic.Int32
	wg      sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
}

// NewExecutor starts minSpare workers.
func NewExecutor(minSpare, max, queueSize int, keepAlive time.Duration) *Executor {
	if max <= 0 {
		max = 1
	}
	if minSpare < 0 || minSpare > max {
		minSpare = max
	}
	if queueSize <= 0 {
		queueSize = max
	}
	e := &Executor{
		tasks:     make(chan func(), queueSize),
		closeCh:   make(chan struct{}),
		minSpare:  int32(minSpare),
		max:       int32(max),
		keepAlive: keepAlive,
	}
	for i := 0; i < minSpare; i++ {
		e.spawn(nil)
	}
	return e
}

// Execute queues task. It returns ErrExecutorRejected when the queue is full
// and no worker can be added, and ErrExecutorClosed after Shutdown.
func (e *Executor) Execute(task func()) error {
	if e.closed.Load() {
		return ErrExecutorClosed
	}
	e.submitted.Add(1)

	// hand straight to a new worker when nobody is idle and there is headroom
	if e.idle.Load() == 0 && e.trySpawn(task) {
		return nil
	}
	if queued, err := e.enqueue(task); queued || err != nil {
		return err
	}
	if e.trySpawn(task) {
		return nil
	}
	e.rejected.Add(1)
	return ErrExecutorRejected
}

// enqueue puts task on the queue unless it is full. Holding e.mu orders it
// before Shutdown closes closeCh, so a queued task is seen by a worker or by
// the drain in Shutdown.
func (e *Executor) enqueue(task func()) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return false, ErrExecutorClosed
	}
	select {
	case e.tasks <- task:
		return true, nil
	default:
		return false, nil
	}
}

func (e *Executor) trySpawn(first func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() || e.workers.Load() >= e.max {
		return false
	}
	e.spawn(first)
	return true
}

func (e *Executor) spawn(first func()) {
	e.workers.Add(1)
	e.wg.Add(1)
	go e.work(first)
}

func (e *Executor) work(task func()) {
	defer e.wg.Done()

	var idleTimer *time.Timer
	if e.keepAlive > 0 {
		idleTimer = time.NewTimer(e.keepAlive)
		defer idleTimer.Stop()
	}

	for {
		if task != nil {
			e.run(task)
			task = nil
		}

		e.idle.Add(1)
		var expired <-chan time.Time
		if idleTimer != nil {
			idleTimer.Reset(e.keepAlive)
			expired = idleTimer.C
		}
		select {
		case t := <-e.tasks:
			e.idle.Add(-1)
			task = t
		case <-e.closeCh:
			e.idle.Add(-1)
			e.workers.Add(-1)
			return
		case <-expired:
			e.idle.Add(-1)
			if e.retire() {
				return
			}
		}
	}
}

// retire lets an idle worker exit when the pool is above minSpare.
func (e *Executor) retire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workers.Load() <= e.minSpare {
		return false
	}
	e.workers.Add(-1)
	return true
}

func (e *Executor) run(task func()) {
	defer e.completed.Add(1)
	task()
}

// Shutdown stops accepting tasks and waits up to timeout for the workers to
// exit. Tasks still queued once the workers are gone run on the shutdown
// goroutine, so every accepted task runs exactly once. It reports whether
// all of that finished in time.
func (e *Executor) Shutdown(timeout time.Duration) bool {
	if !e.closed.CompareAndSwap(false, true) {
		return true
	}
	e.mu.Lock()
	close(e.closeCh)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.drain()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (e *Executor) drain() {
	for {
		select {
		case task := <-e.tasks:
			e.run(task)
		default:
			return
		}
	}
}

// Stats returns basic executor counters.
func (e *Executor) Stats() map[string]int64 {
	return map[string]int64{
		"workers":   int64(e.workers.Load()),
		"idle":      int64(e.idle.Load()),
		"submitted": e.submitted.Load(),
		"completed": e.completed.Load(),
		"rejected":  e.rejected.Load(),
	}
}
