//go:build linux
// +build linux

package endpoint

import (
	"errors"
	"io"
)

func (w *SocketWrapper) checkOpen() error {
	if w.IsClosed() {
		return ErrSocketClosed
	}
	return w.Err()
}

// fail records err on the wrapper and returns it. End of stream is not an
// error of the connection.
func (w *SocketWrapper) fail(err error) error {
	if err != nil && !errors.Is(err, io.EOF) {
		w.SetError(err)
	}
	return err
}

// Read copies received bytes into p. Buffered bytes are returned first. A
// non-blocking Read returns 0 and no error when nothing is available; a
// blocking Read waits up to the read timeout and fails with
// ErrSocketTimeout. io.EOF reports an orderly shutdown by the peer.
func (w *SocketWrapper) Read(block bool, p []byte) (int, error) {
	if err := w.checkOpen(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}
	w.readMu.Lock()
	defer w.readMu.Unlock()

	if n := w.populateFromBuffer(p); n > 0 {
		return n, nil
	}

	// large reads bypass the buffer
	if len(p) >= w.bufs.readBuffer.capacity() {
		n, err := w.fillDirect(block, p)
		return n, w.fail(err)
	}

	n, err := w.fillReadBuffer(block)
	if err != nil {
		return 0, w.fail(err)
	}
	if n == 0 {
		return 0, nil
	}
	return w.populateFromBuffer(p), nil
}

func (w *SocketWrapper) populateFromBuffer(p []byte) int {
	w.bufs.configureReadBufferForRead()
	return w.bufs.readBuffer.get(p)
}

func (w *SocketWrapper) fillDirect(block bool, p []byte) (int, error) {
	var (
		n   int
		err error
	)
	if block {
		n, err = w.pool.read(w, p, w.ReadTimeout())
	} else {
		n, err = w.ch.Read(p)
		if isWouldBlock(err) {
			return 0, nil
		}
	}
	if n > 0 {
		w.updateLastRead()
	}
	return n, err
}

// fillReadBuffer reads into the free space of the read buffer.
func (w *SocketWrapper) fillReadBuffer(block bool) (int, error) {
	w.bufs.configureReadBufferForWrite()
	rb := w.bufs.readBuffer
	n, err := w.fillDirect(block, rb.free())
	rb.pos += n
	return n, err
}

// IsReadyForRead reports whether a Read would return data without waiting.
func (w *SocketWrapper) IsReadyForRead() (bool, error) {
	if err := w.checkOpen(); err != nil {
		return false, err
	}
	w.readMu.Lock()
	defer w.readMu.Unlock()

	w.bufs.configureReadBufferForRead()
	if w.bufs.readBuffer.remaining() > 0 {
		return true, nil
	}
	n, err := w.fillReadBuffer(false)
	if err != nil {
		return false, w.fail(err)
	}
	return n > 0, nil
}

// Unread pushes p back in front of the buffered input.
func (w *SocketWrapper) Unread(p []byte) {
	if len(p) == 0 {
		return
	}
	w.readMu.Lock()
	defer w.readMu.Unlock()

	w.bufs.configureReadBufferForRead()
	rb := w.bufs.readBuffer
	pending := append(append([]byte(nil), p...), rb.pending()...)
	if len(pending) > rb.capacity() {
		w.bufs.readBuffer = newByteBuffer(len(pending))
		rb = w.bufs.readBuffer
	}
	rb.clear()
	rb.put(pending)
	rb.flip()
}

// Write queues p for sending. Bytes that fit the write buffer stay there
// until the buffer fills or Flush is called. A blocking Write waits, up to
// the write timeout, for every full buffer (and a payload larger than the
// buffer) to reach the socket. A non-blocking Write never waits: what the
// socket cannot take is kept in the write buffer and the overflow queue
// until a Flush drains it.
func (w *SocketWrapper) Write(block bool, p []byte) error {
	if err := w.checkOpen(); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if block {
		return w.fail(w.writeBlocking(p))
	}
	return w.fail(w.writeNonBlocking(p))
}

func (w *SocketWrapper) writeBlocking(p []byte) error {
	// earlier non-blocking output goes first
	if !w.overflow.isEmpty() {
		if err := w.flushBlocking(); err != nil {
			return err
		}
	}
	h := w.bufs
	if h.isWriteBufferEmpty() && len(p) >= h.writeBuffer.capacity() {
		n, err := w.pool.write(w, p, w.WriteTimeout())
		if n > 0 {
			w.updateLastWrite()
		}
		return err
	}
	for len(p) > 0 {
		h.configureWriteBufferForWrite()
		n := h.writeBuffer.put(p)
		p = p[n:]
		if !h.writeBuffer.hasRemaining() {
			if err := w.doWrite(true); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *SocketWrapper) writeNonBlocking(p []byte) error {
	if !w.overflow.isEmpty() {
		w.overflow.add(p)
		return nil
	}
	h := w.bufs
	h.configureWriteBufferForWrite()
	p = p[h.writeBuffer.put(p):]
	for len(p) > 0 {
		// the write buffer is full
		if err := w.doWrite(false); err != nil {
			return err
		}
		h.configureWriteBufferForWrite()
		n := h.writeBuffer.put(p)
		if n == 0 {
			w.overflow.add(p)
			return nil
		}
		p = p[n:]
	}
	return nil
}

// doWrite sends the pending content of the write buffer.
func (w *SocketWrapper) doWrite(block bool) error {
	h := w.bufs
	h.configureWriteBufferForRead()
	wb := h.writeBuffer
	pending := wb.pending()
	if len(pending) == 0 {
		return nil
	}
	var (
		n   int
		err error
	)
	if block {
		n, err = w.pool.write(w, pending, w.WriteTimeout())
	} else {
		n, err = w.ch.Write(pending)
		if isWouldBlock(err) {
			err = nil
		}
	}
	wb.pos += n
	if n > 0 {
		w.updateLastWrite()
	}
	return err
}

// writeDirect is a non-blocking write that treats a full socket as a short write.
func (w *SocketWrapper) writeDirect(p []byte) (int, error) {
	n, err := w.ch.Write(p)
	if n > 0 {
		w.updateLastWrite()
	}
	if isWouldBlock(err) {
		return n, nil
	}
	return n, err
}

// Flush sends buffered output. A non-blocking Flush reports whether data
// is still pending; the caller registers write interest when it is.
func (w *SocketWrapper) Flush(block bool) (bool, error) {
	if err := w.checkOpen(); err != nil {
		return false, err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if block {
		return false, w.fail(w.flushBlocking())
	}
	dataLeft, err := w.flushNonBlocking()
	return dataLeft, w.fail(err)
}

func (w *SocketWrapper) flushBlocking() error {
	if err := w.doWrite(true); err != nil {
		return err
	}
	if w.overflow.isEmpty() {
		return nil
	}
	_, err := w.overflow.drain(func(p []byte) (int, error) {
		n, err := w.pool.write(w, p, w.WriteTimeout())
		if n > 0 {
			w.updateLastWrite()
		}
		return n, err
	})
	return err
}

func (w *SocketWrapper) flushNonBlocking() (bool, error) {
	dataLeft := !w.bufs.isWriteBufferEmpty()
	if dataLeft {
		if err := w.doWrite(false); err != nil {
			return true, err
		}
		dataLeft = !w.bufs.isWriteBufferEmpty()
	}
	if !dataLeft && !w.overflow.isEmpty() {
		return w.overflow.drain(w.writeDirect)
	}
	return dataLeft, nil
}

// HasDataToWrite reports whether buffered output is waiting for the socket.
func (w *SocketWrapper) HasDataToWrite() bool {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return !w.bufs.isWriteBufferEmpty() || !w.overflow.isEmpty()
}
