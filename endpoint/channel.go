//go:build linux
// +build linux

package endpoint

import (
	"errors"
	"io"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Channel is the transport a SocketWrapper drives. All operations are
// non-blocking: Read and Write report a full or empty socket as
// unix.EAGAIN, and Read reports an orderly shutdown by the peer as io.EOF.
type Channel interface {
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Sendfile copies up to count bytes of src starting at *offset and
	// advances *offset by the number of bytes sent.
	Sendfile(src *os.File, offset *int64, count int) (int, error)
	Close() error
}

// tcpChannel is a Channel over a raw non-blocking socket descriptor.
type tcpChannel struct {
	fd     int
	closed atomic.Bool
}

func newTCPChannel(fd int) *tcpChannel {
	return &tcpChannel{fd: fd}
}

func (c *tcpChannel) Fd() int {
	return c.fd
}

func (c *tcpChannel) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *tcpChannel) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Write(c.fd, p)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func (c *tcpChannel) Sendfile(src *os.File, offset *int64, count int) (int, error) {
	for {
		n, err := unix.Sendfile(c.fd, int(src.Fd()), offset, count)
		if err == unix.EINTR {
			continue
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func (c *tcpChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return os.NewSyscallError("close", unix.Close(c.fd))
}

// isWouldBlock reports whether err means the socket was not ready.
func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func isFDValid(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// closeFd closes fd if it is still open.
func closeFd(fd int) error {
	if fd < 0 || !isFDValid(fd) {
		return nil
	}
	return os.NewSyscallError("close", unix.Close(fd))
}
