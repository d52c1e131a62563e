package endpoint

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferHandlerModeRoundTripFull(t *testing.T) {
	h := newBufferHandler(8, 8)
	data := []byte("abcdefgh")

	assert.Equal(t, 8, h.writeBuffer.put(data))
	assert.False(t, h.isWriteBufferWritable())

	h.configureWriteBufferForRead()
	assert.Equal(t, 8, h.writeBuffer.remaining())

	// switching back with nothing drained keeps every byte
	h.configureWriteBufferForWrite()
	assert.False(t, h.isWriteBufferWritable())
	h.configureWriteBufferForRead()

	out := make([]byte, 16)
	n := h.writeBuffer.get(out)
	assert.Equal(t, data, out[:n])
	assert.True(t, h.isWriteBufferEmpty())
}

func TestBufferHandlerModeRoundTripEmpty(t *testing.T) {
	h := newBufferHandler(8, 8)
	assert.True(t, h.isReadBufferEmpty())

	h.configureReadBufferForRead()
	assert.True(t, h.isReadBufferEmpty())
	h.configureReadBufferForWrite()
	assert.True(t, h.isReadBufferEmpty())
	assert.Equal(t, 8, len(h.readBuffer.free()))
}

func TestBufferHandlerPartialDrainCompacts(t *testing.T) {
	h := newBufferHandler(8, 8)
	h.writeBuffer.put([]byte("abcdef"))
	h.configureWriteBufferForRead()

	two := make([]byte, 2)
	h.writeBuffer.get(two)
	assert.Equal(t, []byte("ab"), two)

	h.configureWriteBufferForWrite()
	assert.Equal(t, 4, h.writeBuffer.pos)
	assert.Equal(t, 4, h.writeBuffer.put([]byte("ghijkl")))

	h.configureWriteBufferForRead()
	assert.Equal(t, []byte("cdefghij"), h.writeBuffer.pending())
}

func TestBufferHandlerModesAreExclusive(t *testing.T) {
	h := newBufferHandler(4, 4)
	h.configureReadBufferForRead()
	assert.False(t, h.readBufferConfiguredForWrite)
	h.configureReadBufferForRead()
	assert.False(t, h.readBufferConfiguredForWrite)
	h.configureReadBufferForWrite()
	assert.True(t, h.readBufferConfiguredForWrite)
}

func TestBufferHandlerExpand(t *testing.T) {
	h := newBufferHandler(4, 4)
	h.readBuffer.put([]byte("ab"))
	h.writeBuffer.put([]byte("wxyz"))
	h.configureWriteBufferForRead()

	h.expand(16)
	require.Equal(t, 16, h.readBuffer.capacity())
	require.Equal(t, 16, h.writeBuffer.capacity())
	assert.Equal(t, 2, h.readBuffer.pos)
	assert.Equal(t, []byte("wxyz"), h.writeBuffer.pending())

	h.configureReadBufferForRead()
	assert.True(t, bytes.Equal([]byte("ab"), h.readBuffer.pending()))
}

func TestBufferHandlerReset(t *testing.T) {
	h := newBufferHandler(4, 4)
	h.readBuffer.put([]byte("ab"))
	h.configureReadBufferForRead()
	h.writeBuffer.put([]byte("c"))

	h.reset()
	assert.True(t, h.readBufferConfiguredForWrite)
	assert.True(t, h.writeBufferConfiguredForWrite)
	assert.True(t, h.isReadBufferEmpty())
	assert.True(t, h.isWriteBufferEmpty())
}
