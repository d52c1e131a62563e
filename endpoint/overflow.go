package endpoint

import (
	"sync"

	"github.com/eapache/queue"
)

// defaultOverflowChunkSize bounds a single chunk so a huge write does not
// pin one giant slice until the very last byte of it has gone out.
const defaultOverflowChunkSize = 64 * 1024

// overflowQueue holds the bytes a non-blocking write could neither place in
// the socket nor in the wrapper's write buffer. It is unbounded and keeps
// the write order.
type overflowQueue struct {
	mu        sync.Mutex
	chunks    *queue.Queue // of *overflowChunk
	size      int
	chunkSize int
}

type overflowChunk struct {
	b   []byte
	off int // bytes of b already written
}

func newOverflowQueue(chunkSize int) *overflowQueue {
	if chunkSize <= 0 {
		chunkSize = defaultOverflowChunkSize
	}
	return &overflowQueue{
		chunks:    queue.New(),
		chunkSize: chunkSize,
	}
}

// add copies p onto the tail of the queue.
func (q *overflowQueue) add(p []byte) {
	if len(p) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	// top up a partially filled tail chunk first
	if n := q.chunks.Length(); n > 0 {
		tail := q.chunks.Get(n - 1).(*overflowChunk)
		if room := cap(tail.b) - len(tail.b); room > 0 {
			take := min(room, len(p))
			tail.b = append(tail.b, p[:take]...)
			q.size += take
			p = p[take:]
		}
	}
	for len(p) > 0 {
		take := min(q.chunkSize, len(p))
		c := &overflowChunk{b: make([]byte, take, q.chunkSize)}
		copy(c.b, p[:take])
		q.chunks.Add(c)
		q.size += take
		p = p[take:]
	}
}

func (q *overflowQueue) isEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size == 0
}

// len returns the number of queued bytes.
func (q *overflowQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// drain hands head chunks to write in order. A short write leaves the
// unwritten suffix at the head and stops. It reports whether data is left.
func (q *overflowQueue) drain(write func(p []byte) (int, error)) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.chunks.Length() > 0 {
		head := q.chunks.Peek().(*overflowChunk)
		pending := head.b[head.off:]
		n, err := write(pending)
		q.size -= n
		head.off += n
		if head.off == len(head.b) {
			q.chunks.Remove()
		}
		if err != nil {
			return q.size > 0, err
		}
		if n < len(pending) {
			return true, nil
		}
	}
	return false, nil
}

func (q *overflowQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.chunks = queue.New()
	q.size = 0
}
