package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fzft/go-nioendpoint/endpoint"
	"github.com/fzft/go-nioendpoint/log"
	"go.uber.org/zap"
)

const maxLineLength = 4096

// lineHandler speaks a small line protocol:
//
//	FILE <path>  send a file below the document root
//	QUIT         close the connection
//	anything     echoed back
type lineHandler struct {
	endpoint.ConnectionTracker

	docRoot     string
	useSendfile func() bool
}

func newLineHandler(docRoot string, useSendfile func() bool) *lineHandler {
	return &lineHandler{docRoot: docRoot, useSendfile: useSendfile}
}

func (h *lineHandler) Process(w *endpoint.SocketWrapper, event endpoint.SocketEvent) endpoint.SocketState {
	h.Track(w)

	switch event {
	case endpoint.EventOpenRead:
		return h.serve(w)
	case endpoint.EventOpenWrite:
		return h.flush(w)
	default:
		log.Logger.Debug("closing connection", zap.String("conn", w.ID()), zap.Stringer("event", event))
		return endpoint.StateClosed
	}
}

func (h *lineHandler) serve(w *endpoint.SocketWrapper) endpoint.SocketState {
	var pending []byte
	buf := make([]byte, maxLineLength)
	for {
		n, err := w.Read(false, buf)
		pending = append(pending, buf[:n]...)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Logger.Debug("read failed", zap.String("conn", w.ID()), zap.Error(err))
			}
			return endpoint.StateClosed
		}
		if n == 0 {
			break
		}
	}

	for {
		i := bytes.IndexByte(pending, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(pending[:i]), "\r")
		pending = pending[i+1:]

		state, done := h.request(w, line, len(pending) > 0)
		if done {
			if len(pending) > 0 {
				w.Unread(pending)
			}
			return state
		}
	}

	if len(pending) >= maxLineLength {
		h.reply(w, "ERR line too long")
		return endpoint.StateEnd
	}
	if len(pending) > 0 {
		w.Unread(pending)
	}
	return h.flush(w)
}

// request handles one line. done reports that the connection state is
// decided and the rest of the input must wait for the next event. A
// connection that used up its keep-alive budget ends after the request.
func (h *lineHandler) request(w *endpoint.SocketWrapper, line string, pipelined bool) (endpoint.SocketState, bool) {
	last := w.DecrementKeepAlive() == 0
	state, done := h.dispatch(w, line, pipelined, last)
	if !done && last {
		return endpoint.StateEnd, true
	}
	return state, done
}

func (h *lineHandler) dispatch(w *endpoint.SocketWrapper, line string, pipelined, last bool) (endpoint.SocketState, bool) {
	cmd, arg, _ := strings.Cut(line, " ")
	switch strings.ToUpper(cmd) {
	case "QUIT":
		h.reply(w, "BYE")
		return endpoint.StateEnd, true
	case "FILE":
		return h.sendFile(w, strings.TrimSpace(arg), pipelined, last)
	default:
		return h.answer(w, line)
	}
}

// answer queues a reply and keeps going unless the write failed.
func (h *lineHandler) answer(w *endpoint.SocketWrapper, line string) (endpoint.SocketState, bool) {
	if !h.reply(w, line) {
		return endpoint.StateClosed, true
	}
	return endpoint.StateOpen, false
}

// sendFile answers a FILE request. On the last request of the keep-alive
// budget the poller closes the connection once the transfer is done.
func (h *lineHandler) sendFile(w *endpoint.SocketWrapper, name string, pipelined, last bool) (endpoint.SocketState, bool) {
	path, err := h.resolve(name)
	if err != nil {
		return h.answer(w, "ERR "+err.Error())
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return h.answer(w, "ERR not found")
	}
	if state, done := h.answer(w, fmt.Sprintf("OK %d", info.Size())); done {
		return state, done
	}

	if !h.useSendfile() {
		if err := copyFile(w, path); err != nil {
			log.Logger.Debug("file copy failed", zap.String("conn", w.ID()), zap.Error(err))
			return endpoint.StateClosed, true
		}
		return endpoint.StateOpen, false
	}

	keepAlive := endpoint.KeepAliveOpen
	switch {
	case last:
		keepAlive = endpoint.KeepAliveNone
	case pipelined:
		keepAlive = endpoint.KeepAlivePipelined
	}
	sd, err := endpoint.NewSendfileData(path, keepAlive)
	if err != nil {
		log.Logger.Debug("sendfile setup failed", zap.String("conn", w.ID()), zap.Error(err))
		return endpoint.StateClosed, true
	}
	switch w.ProcessSendfile(sd) {
	case endpoint.SendfileDone:
		return endpoint.StateOpen, false
	case endpoint.SendfilePending:
		return endpoint.StateSendfile, true
	default:
		return endpoint.StateClosed, true
	}
}

// resolve maps name into the document root; the result never escapes it.
func (h *lineHandler) resolve(name string) (string, error) {
	if name == "" {
		return "", errors.New("missing path")
	}
	return filepath.Join(h.docRoot, filepath.Clean("/"+name)), nil
}

// reply queues one line of output and reports whether the connection is
// still usable.
func (h *lineHandler) reply(w *endpoint.SocketWrapper, line string) bool {
	if err := w.Write(false, []byte(line+"\n")); err != nil {
		log.Logger.Debug("write failed", zap.String("conn", w.ID()), zap.Error(err))
		return false
	}
	return true
}

func (h *lineHandler) flush(w *endpoint.SocketWrapper) endpoint.SocketState {
	dataLeft, err := w.Flush(false)
	if err != nil {
		return endpoint.StateClosed
	}
	if dataLeft {
		w.RegisterWriteInterest()
		return endpoint.StateLong
	}
	return endpoint.StateOpen
}

func copyFile(w *endpoint.SocketWrapper, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if werr := w.Write(true, buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			_, err = w.Flush(true)
			return err
		}
		if err != nil {
			return err
		}
	}
}
