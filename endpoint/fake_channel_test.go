//go:build linux
// +build linux

package endpoint

import (
	"bytes"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeChannel is an in-memory Channel. The peer side is modelled by room,
// the number of bytes the socket accepts before reporting EAGAIN, and
// perCall, the most a single write or sendfile moves.
type fakeChannel struct {
	mu      sync.Mutex
	fd      int
	in      bytes.Buffer
	eof     bool
	out     bytes.Buffer
	room    int // -1 unlimited
	perCall int // 0 unlimited
	closed  bool

	sendfileCalls int
}

func newFakeChannel(fd int) *fakeChannel {
	return &fakeChannel{fd: fd, room: -1}
}

func (c *fakeChannel) Fd() int {
	return c.fd
}

func (c *fakeChannel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, unix.EBADF
	}
	if c.in.Len() == 0 {
		if c.eof {
			return 0, io.EOF
		}
		return 0, unix.EAGAIN
	}
	return c.in.Read(p)
}

func (c *fakeChannel) allowance(want int) int {
	n := want
	if c.room >= 0 {
		n = min(n, c.room)
	}
	if c.perCall > 0 {
		n = min(n, c.perCall)
	}
	return n
}

func (c *fakeChannel) take(n int) {
	if c.room >= 0 {
		c.room -= n
	}
}

func (c *fakeChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, unix.EBADF
	}
	n := c.allowance(len(p))
	if n == 0 {
		return 0, unix.EAGAIN
	}
	c.out.Write(p[:n])
	c.take(n)
	return n, nil
}

func (c *fakeChannel) Sendfile(src *os.File, offset *int64, count int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendfileCalls++
	if c.closed {
		return 0, unix.EBADF
	}
	n := c.allowance(count)
	if n == 0 {
		return 0, unix.EAGAIN
	}
	buf := make([]byte, n)
	read, err := src.ReadAt(buf, *offset)
	if read > 0 {
		c.out.Write(buf[:read])
		c.take(read)
		*offset += int64(read)
	}
	if err == io.EOF {
		err = nil
	}
	return read, err
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// feed makes p readable.
func (c *fakeChannel) feed(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in.Write(p)
}

func (c *fakeChannel) setEOF() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eof = true
}

// setRoom simulates the peer draining the socket.
func (c *fakeChannel) setRoom(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = n
}

func (c *fakeChannel) written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.out.Bytes()...)
}

func (c *fakeChannel) sendfileCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendfileCalls
}

// socketPair returns a connected non-blocking stream pair. The peer is
// closed at test end; the first fd belongs to the caller.
func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })
	return fds[0], fds[1]
}

func testWrapperConfig() wrapperConfig {
	return wrapperConfig{
		endpoint:          "test",
		readBufSize:       16,
		writeBufSize:      8,
		overflowChunkSize: 4,
		readTimeout:       time.Second,
		writeTimeout:      time.Second,
		keepAlive:         3,
	}
}
