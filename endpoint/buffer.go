package endpoint

// byteBuffer is a fixed-capacity buffer with explicit cursors. While it is
// being filled, [pos, lim) is free space; while it is being drained,
// [pos, lim) is the pending data. flip and compact switch between the two.
type byteBuffer struct {
	buf []byte
	pos int
	lim int
}

func newByteBuffer(size int) *byteBuffer {
	return &byteBuffer{buf: make([]byte, size), lim: size}
}

func (b *byteBuffer) capacity() int      { return len(b.buf) }
func (b *byteBuffer) remaining() int     { return b.lim - b.pos }
func (b *byteBuffer) hasRemaining() bool { return b.pos < b.lim }

// flip turns a filled buffer into one ready to be drained.
func (b *byteBuffer) flip() {
	b.lim = b.pos
	b.pos = 0
}

// compact moves undrained bytes to the front and makes the rest writable.
func (b *byteBuffer) compact() {
	n := copy(b.buf, b.buf[b.pos:b.lim])
	b.pos = n
	b.lim = len(b.buf)
}

func (b *byteBuffer) clear() {
	b.pos = 0
	b.lim = len(b.buf)
}

// put copies as much of p as fits and returns the number of bytes taken.
func (b *byteBuffer) put(p []byte) int {
	n := copy(b.buf[b.pos:b.lim], p)
	b.pos += n
	return n
}

// get copies pending bytes into p and returns the number of bytes copied.
func (b *byteBuffer) get(p []byte) int {
	n := copy(p, b.buf[b.pos:b.lim])
	b.pos += n
	return n
}

// free is the writable window of a buffer in fill mode.
func (b *byteBuffer) free() []byte {
	return b.buf[b.pos:b.lim]
}

// pending is the readable window of a buffer in drain mode.
func (b *byteBuffer) pending() []byte {
	return b.buf[b.pos:b.lim]
}

// bufferHandler pairs the read and write buffers of one connection. Each
// buffer carries one mode flag: configured for write (being filled) or
// configured for read (being drained).
type bufferHandler struct {
	readBuffer                   *byteBuffer
	readBufferConfiguredForWrite bool

	writeBuffer                   *byteBuffer
	writeBufferConfiguredForWrite bool
}

func newBufferHandler(readSize, writeSize int) *bufferHandler {
	return &bufferHandler{
		readBuffer:                    newByteBuffer(readSize),
		readBufferConfiguredForWrite:  true,
		writeBuffer:                   newByteBuffer(writeSize),
		writeBufferConfiguredForWrite: true,
	}
}

func (h *bufferHandler) configureReadBufferForWrite() {
	h.setReadBufferConfiguredForWrite(true)
}

func (h *bufferHandler) configureReadBufferForRead() {
	h.setReadBufferConfiguredForWrite(false)
}

func (h *bufferHandler) setReadBufferConfiguredForWrite(forWrite bool) {
	if h.readBufferConfiguredForWrite == forWrite {
		return
	}
	if forWrite {
		if h.readBuffer.hasRemaining() {
			h.readBuffer.compact()
		} else {
			h.readBuffer.clear()
		}
	} else {
		h.readBuffer.flip()
	}
	h.readBufferConfiguredForWrite = forWrite
}

func (h *bufferHandler) configureWriteBufferForWrite() {
	h.setWriteBufferConfiguredForWrite(true)
}

func (h *bufferHandler) configureWriteBufferForRead() {
	h.setWriteBufferConfiguredForWrite(false)
}

func (h *bufferHandler) setWriteBufferConfiguredForWrite(forWrite bool) {
	if h.writeBufferConfiguredForWrite == forWrite {
		return
	}
	if forWrite {
		if h.writeBuffer.hasRemaining() {
			h.writeBuffer.compact()
		} else {
			h.writeBuffer.clear()
		}
	} else {
		h.writeBuffer.flip()
	}
	h.writeBufferConfiguredForWrite = forWrite
}

func (h *bufferHandler) isReadBufferEmpty() bool {
	if h.readBufferConfiguredForWrite {
		return h.readBuffer.pos == 0
	}
	return h.readBuffer.remaining() == 0
}

func (h *bufferHandler) isWriteBufferEmpty() bool {
	if h.writeBufferConfiguredForWrite {
		return h.writeBuffer.pos == 0
	}
	return h.writeBuffer.remaining() == 0
}

// isWriteBufferWritable reports whether the write buffer can take more bytes
// without being drained first.
func (h *bufferHandler) isWriteBufferWritable() bool {
	if h.writeBufferConfiguredForWrite {
		return h.writeBuffer.hasRemaining()
	}
	return h.writeBuffer.remaining() < h.writeBuffer.capacity()
}

func (h *bufferHandler) reset() {
	h.readBuffer.clear()
	h.readBufferConfiguredForWrite = true
	h.writeBuffer.clear()
	h.writeBufferConfiguredForWrite = true
}

// expand grows both buffers to at least newSize, preserving their content and mode.
func (h *bufferHandler) expand(newSize int) {
	h.readBuffer = expandBuffer(h.readBuffer, newSize, h.readBufferConfiguredForWrite)
	h.writeBuffer = expandBuffer(h.writeBuffer, newSize, h.writeBufferConfiguredForWrite)
}

func expandBuffer(b *byteBuffer, newSize int, forWrite bool) *byteBuffer {
	if b.capacity() >= newSize {
		return b
	}
	nb := newByteBuffer(newSize)
	if forWrite {
		nb.put(b.buf[:b.pos])
		return nb
	}
	nb.put(b.pending())
	nb.flip()
	return nb
}
