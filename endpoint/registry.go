//go:build linux
// +build linux

package endpoint

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// https://copyconstruct.medium.com/the-method-to-epolls-madness-d9d2d6378642

const (
	readEvents  = unix.EPOLLIN | unix.EPOLLPRI | unix.EPOLLRDHUP
	writeEvents = unix.EPOLLOUT
)

// interestOp is the readiness a key waits for.
type interestOp uint32

const (
	opRead interestOp = 1 << iota
	opWrite
)

func (op interestOp) epollEvents() uint32 {
	var ev uint32
	if op&opRead != 0 {
		ev |= readEvents
	}
	if op&opWrite != 0 {
		ev |= writeEvents
	}
	return ev
}

// readyOps maps epoll output to the interest bits it satisfies. Errors and
// hang-ups wake both directions so the handler observes the failure.
func readyOps(events uint32, interest interestOp) interestOp {
	var ready interestOp
	if events&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		ready |= opRead
	}
	if events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		ready |= opWrite
	}
	return ready & interest
}

// registry is a thin wrapper around one epoll instance plus an eventfd used
// to interrupt a blocked wait.
type registry struct {
	epollFd int
	wakeFd  int
}

func newRegistry() (*registry, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	r := &registry{epollFd: epfd, wakeFd: efd}
	if err := r.add(efd, unix.EPOLLIN); err != nil {
		_ = unix.Close(efd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return r, nil
}

func (r *registry) add(fd int, events uint32) error {
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events}))
}

func (r *registry) mod(fd int, events uint32) error {
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events}))
}

func (r *registry) delete(fd int) error {
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(r.epollFd, unix.EPOLL_CTL_DEL, fd, nil))
}

// set makes the kernel interest of fd equal events. inKernel tracks whether
// fd is currently in the interest list and is updated in place; an fd with
// no interest is removed so level-triggered hang-ups cannot spin the loop.
func (r *registry) set(fd int, events uint32, inKernel *bool) error {
	if events == 0 {
		if !*inKernel {
			return nil
		}
		*inKernel = false
		if err := r.delete(fd); err != nil && !isGone(err) {
			return err
		}
		return nil
	}
	if *inKernel {
		err := r.mod(fd, events)
		if err == nil || !isErrno(err, unix.ENOENT) {
			return err
		}
		// closed and reused behind our back; fall through and add again
	}
	err := r.add(fd, events)
	if isErrno(err, unix.EEXIST) {
		err = r.mod(fd, events)
	}
	*inKernel = err == nil
	return err
}

// wait blocks for at most msec milliseconds; -1 blocks indefinitely.
func (r *registry) wait(events []unix.EpollEvent, msec int) (int, error) {
	n, err := unix.EpollWait(r.epollFd, events, msec)
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	return n, nil
}

func (r *registry) wakeup() error {
	one := uint64(1)
	_, err := unix.Write(r.wakeFd, (*(*[8]byte)(unsafe.Pointer(&one)))[:])
	if err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("write eventfd", err)
	}
	return nil
}

func (r *registry) drainWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

// close order: eventfd, epoll
func (r *registry) close() error {
	var errs MultiError
	if err := r.delete(r.wakeFd); err != nil {
		errs = append(errs, err)
	}
	if err := closeFd(r.wakeFd); err != nil {
		errs = append(errs, err)
	}
	if err := closeFd(r.epollFd); err != nil {
		errs = append(errs, err)
	}
	return errs.ErrOrNil()
}

func isErrno(err error, errno unix.Errno) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(*os.SyscallError); ok {
		err = se.Err
	}
	return err == errno
}

func isGone(err error) bool {
	return isErrno(err, unix.ENOENT) || isErrno(err, unix.EBADF)
}
