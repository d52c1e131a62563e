//go:build linux
// +build linux

package endpoint

import (
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-nioendpoint/log"
	"github.com/fzft/go-nioendpoint/metrics"
)

// listenTCP opens a blocking listening socket. The fd is closed on failure.
func listenTCP(host string, port, backlog int) (fd int, addr *net.TCPAddr, err error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return -1, nil, err
	}

	family := unix.AF_INET
	if tcpAddr.IP != nil && tcpAddr.IP.To4() == nil {
		family = unix.AF_INET6
	}
	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, os.NewSyscallError("socket", err)
	}
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
			fd = -1
		}
	}()

	if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return -1, nil, os.NewSyscallError("setsockopt", err)
	}
	if err = unix.Bind(fd, toSockaddr(family, tcpAddr)); err != nil {
		return -1, nil, os.NewSyscallError("bind", err)
	}
	if err = unix.Listen(fd, backlog); err != nil {
		return -1, nil, os.NewSyscallError("listen", err)
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return -1, nil, os.NewSyscallError("getsockname", err)
	}
	return fd, fromSockaddr(sa), nil
}

func toSockaddr(family int, addr *net.TCPAddr) unix.Sockaddr {
	if family == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To16())
		return sa
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	return sa
}

func fromSockaddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), sa.Addr[:]...)), Port: sa.Port}
	}
	return nil
}

func (e *Endpoint) serverSocketAccept() (int, unix.Sockaddr, error) {
	lfd := int(e.listenFd.Load())
	if lfd < 0 {
		return -1, nil, ErrSocketClosed
	}
	for {
		fd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		if err != nil {
			metrics.AcceptErrorsTotal.WithLabelValues(e.cfg.Name).Inc()
			return -1, nil, os.NewSyscallError("accept4", err)
		}
		metrics.AcceptedTotal.WithLabelValues(e.cfg.Name).Inc()
		return fd, sa, nil
	}
}

// setSocketOptions configures an accepted socket and hands it to a poller.
func (e *Endpoint) setSocketOptions(fd int, sa unix.Sockaddr) bool {
	if err := e.cfg.Socket.apply(fd); err != nil {
		log.Logger.Debug("failed to configure socket", zap.Int("fd", fd), zap.Error(err))
		return false
	}
	p := e.nextPoller()
	if p == nil {
		return false
	}
	w := newSocketWrapper(newTCPChannel(fd), fromSockaddr(sa), e.wrapperConfig(), e.pool, e.onWrapperClose)
	e.openConns.Add(1)
	metrics.ConnectionsOpen.WithLabelValues(e.cfg.Name).Inc()
	log.Logger.Debug("connection accepted", zap.String("conn", w.ID()), zap.Int("fd", fd), zap.Stringer("remote", w.RemoteAddr()))
	p.register(w)
	return true
}

func (e *Endpoint) closeSocket(fd int) {
	e.countDownConnection()
	if err := closeFd(fd); err != nil {
		log.Logger.Debug("error closing socket", zap.Int("fd", fd), zap.Error(err))
	}
}

// closeServerSocket shuts the listening socket down, which also wakes
// acceptors blocked in accept(2), then closes it.
func (e *Endpoint) closeServerSocket() error {
	fd := int(e.listenFd.Swap(-1))
	if fd < 0 {
		return nil
	}
	var errs MultiError
	if err := unix.Shutdown(fd, unix.SHUT_RDWR); err != nil && err != unix.ENOTCONN {
		errs = append(errs, os.NewSyscallError("shutdown", err))
	}
	if err := closeFd(fd); err != nil {
		errs = append(errs, err)
	}
	return errs.ErrOrNil()
}

// unlockAccept wakes acceptors blocked in accept(2) by connecting to the
// listening socket, then waits for them to leave the running state.
func (e *Endpoint) unlockAccept() {
	addr := e.LocalAddr()
	if addr == nil || e.listenFd.Load() < 0 {
		return
	}
	blocked := 0
	for _, a := range e.acceptors {
		if a.State() == AcceptorRunning {
			blocked++
		}
	}
	if blocked == 0 {
		return
	}

	target := *addr
	if target.IP == nil || target.IP.IsUnspecified() {
		if target.IP != nil && target.IP.To4() == nil {
			target.IP = net.IPv6loopback
		} else {
			target.IP = net.IPv4(127, 0, 0, 1)
		}
	}
	for i := 0; i < blocked; i++ {
		conn, err := net.DialTimeout("tcp", target.String(), e.cfg.UnlockTimeout)
		if err != nil {
			log.Logger.Debug("unlock accept failed", zap.Stringer("addr", &target), zap.Error(err))
			continue
		}
		_ = conn.Close()
	}

	deadline := time.Now().Add(e.cfg.UnlockTimeout)
	for time.Now().Before(deadline) {
		running := false
		for _, a := range e.acceptors {
			if a.State() == AcceptorRunning {
				running = true
				break
			}
		}
		if !running {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
