//go:build linux
// +build linux

package endpoint

import (
	"os"

	"golang.org/x/sys/unix"
)

// apply sets the configured options on an accepted socket.
func (p SocketProperties) apply(fd int) error {
	if p.RxBufSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, p.RxBufSize); err != nil {
			return os.NewSyscallError("setsockopt SO_RCVBUF", err)
		}
	}
	if p.TxBufSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, p.TxBufSize); err != nil {
			return os.NewSyscallError("setsockopt SO_SNDBUF", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolToInt(p.TCPNoDelay)); err != nil {
		return os.NewSyscallError("setsockopt TCP_NODELAY", err)
	}
	if p.SoKeepAlive {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return os.NewSyscallError("setsockopt SO_KEEPALIVE", err)
		}
	}
	if p.SoLingerOn && p.SoLingerTime >= 0 {
		l := &unix.Linger{Onoff: 1, Linger: int32(p.SoLingerTime)}
		if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, l); err != nil {
			return os.NewSyscallError("setsockopt SO_LINGER", err)
		}
	}
	if p.SoTimeout > 0 {
		tv := unix.NsecToTimeval(p.SoTimeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			return os.NewSyscallError("setsockopt SO_RCVTIMEO", err)
		}
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
			return os.NewSyscallError("setsockopt SO_SNDTIMEO", err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
