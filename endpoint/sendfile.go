//go:build linux
// +build linux

package endpoint

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/fzft/go-nioendpoint/log"
	"github.com/fzft/go-nioendpoint/metrics"
)

// maxSendfileChunk caps a single sendfile(2) call.
const maxSendfileChunk = 1 << 20

// SendfileState is the outcome of one step of a sendfile transfer. A
// transfer only moves from PENDING to DONE or ERROR.
type SendfileState uint8

const (
	SendfilePending SendfileState = iota
	SendfileDone
	SendfileError
)

func (s SendfileState) String() string {
	switch s {
	case SendfilePending:
		return "PENDING"
	case SendfileDone:
		return "DONE"
	case SendfileError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// SendfileKeepAlive is what happens to the connection once a transfer the
// poller finished is done.
type SendfileKeepAlive uint8

const (
	// KeepAliveNone closes the connection.
	KeepAliveNone SendfileKeepAlive = iota
	// KeepAlivePipelined processes input that already arrived.
	KeepAlivePipelined
	// KeepAliveOpen waits for the next request.
	KeepAliveOpen
)

func (k SendfileKeepAlive) String() string {
	switch k {
	case KeepAliveNone:
		return "NONE"
	case KeepAlivePipelined:
		return "PIPELINED"
	case KeepAliveOpen:
		return "OPEN"
	}
	return "UNKNOWN"
}

// SendfileData describes a file region to send. Pos and Length are updated
// as the transfer progresses. A SendfileData is used for one transfer only.
type SendfileData struct {
	Path      string
	Pos       int64
	Length    int64
	KeepAlive SendfileKeepAlive

	file  *os.File
	state SendfileState
}

// NewSendfileData describes the whole of the file at path.
func NewSendfileData(path string, keepAlive SendfileKeepAlive) (*SendfileData, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("sendfile: %s is not a regular file", path)
	}
	return &SendfileData{Path: path, Length: fi.Size(), KeepAlive: keepAlive}, nil
}

// State is the last state the transfer reported.
func (sd *SendfileData) State() SendfileState {
	return sd.state
}

func (sd *SendfileData) close() {
	if sd.file != nil {
		_ = sd.file.Close()
		sd.file = nil
	}
}

// ProcessSendfile starts or continues the transfer described by sd. On
// PENDING the poller owns the connection until the transfer ends and the
// handler must return StateSendfile.
func (w *SocketWrapper) ProcessSendfile(sd *SendfileData) SendfileState {
	return w.processSendfile(sd, true)
}

// processSendfile moves as many bytes as the socket takes. calledByProcessor
// is false when the poller drives the transfer from a writable event.
func (w *SocketWrapper) processSendfile(sd *SendfileData, calledByProcessor bool) SendfileState {
	if sd.state != SendfilePending {
		return sd.state
	}
	if w.IsClosed() {
		return w.sendfileFailed(sd, ErrSocketClosed, calledByProcessor)
	}
	w.sendfileData.Store(sd)

	if sd.file == nil {
		f, err := os.Open(sd.Path)
		if err != nil {
			return w.sendfileFailed(sd, err, calledByProcessor)
		}
		sd.file = f
	}

	w.writeMu.Lock()
	dataLeft, err := w.flushNonBlocking()
	w.writeMu.Unlock()
	if err != nil {
		return w.sendfileFailed(sd, err, calledByProcessor)
	}

	if !dataLeft {
		for sd.Length > 0 {
			n, err := w.ch.Sendfile(sd.file, &sd.Pos, int(min(sd.Length, maxSendfileChunk)))
			if n > 0 {
				sd.Length -= int64(n)
				w.updateLastWrite()
			}
			if err != nil {
				if isWouldBlock(err) {
					break
				}
				return w.sendfileFailed(sd, err, calledByProcessor)
			}
			if n == 0 {
				return w.sendfileFailed(sd, io.ErrUnexpectedEOF, calledByProcessor)
			}
		}
	}

	if sd.Length == 0 && !dataLeft {
		sd.state = SendfileDone
		w.sendfileData.CompareAndSwap(sd, nil)
		sd.close()
		metrics.SendfileTotal.WithLabelValues(w.endpointName(), "done").Inc()
		if !calledByProcessor {
			w.sendfileKeepAlive(sd)
		}
		return SendfileDone
	}

	if calledByProcessor {
		w.RegisterWriteInterest()
	} else {
		w.updateLastWrite()
		w.poller.regNow(w, opWrite)
	}
	return SendfilePending
}

// sendfileKeepAlive applies the keep-alive disposition on the poller goroutine.
func (w *SocketWrapper) sendfileKeepAlive(sd *SendfileData) {
	switch sd.KeepAlive {
	case KeepAliveNone:
		w.poller.cancelNow(w)
	case KeepAlivePipelined:
		if !w.poller.dispatcher.processSocket(w, EventOpenRead, true) {
			w.poller.cancelNow(w)
		}
	case KeepAliveOpen:
		w.updateLastRead()
		w.poller.regNow(w, opRead)
	}
}

func (w *SocketWrapper) sendfileFailed(sd *SendfileData, err error, calledByProcessor bool) SendfileState {
	log.Logger.Debug("sendfile failed", zap.String("conn", w.id), zap.String("path", sd.Path), zap.Error(err))
	sd.state = SendfileError
	w.sendfileData.CompareAndSwap(sd, nil)
	sd.close()
	w.SetError(err)
	metrics.SendfileTotal.WithLabelValues(w.endpointName(), "error").Inc()
	if !calledByProcessor && w.poller != nil {
		w.poller.cancelNow(w)
	}
	return SendfileError
}
